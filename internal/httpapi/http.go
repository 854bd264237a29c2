package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"schoolcal/internal/agenda"
	"schoolcal/internal/config"
	"schoolcal/internal/dataset"
	"schoolcal/internal/events"
	"schoolcal/internal/jobs"
	"schoolcal/internal/metrics"
	"schoolcal/internal/pipeline"
	"schoolcal/internal/schoolyear"
	"schoolcal/internal/store"
)

const maxBody = 1 << 20

// Router builds HTTP handlers for /api and /ops.
type Router struct {
	cfg      config.Config
	store    *store.Store
	runner   *jobs.Runner
	importer *pipeline.Importer
	parser   *dataset.Parser
	agenda   *agenda.Aggregator
	bus      *events.Bus
	logger   *zap.Logger
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Store    *store.Store
	Runner   *jobs.Runner
	Importer *pipeline.Importer
	Parser   *dataset.Parser
	Agenda   *agenda.Aggregator
	Bus      *events.Bus
	Logger   *zap.Logger
}

func NewRouter(cfg config.Config, d Deps) *Router {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:      cfg,
		store:    d.Store,
		runner:   d.Runner,
		importer: d.Importer,
		parser:   d.Parser,
		agenda:   d.Agenda,
		bus:      d.Bus,
		logger:   logger.Named("http"),
	}
}

// Handler returns a mux router with every route registered.
func (r *Router) Handler() http.Handler {
	m := mux.NewRouter()
	r.Register(m)
	return m
}

func (r *Router) Register(m *mux.Router) {
	m.HandleFunc("/api/members", r.members).Methods("GET")
	m.HandleFunc("/api/members/{member}", r.deleteMember).Methods("DELETE")
	m.HandleFunc("/api/members/{member}/imports", r.importResponse).Methods("POST")
	m.HandleFunc("/api/members/{member}/homework", r.homework).Methods("GET")
	m.HandleFunc("/api/imports", r.imports).Methods("GET")
	m.HandleFunc("/api/parse", r.parse).Methods("POST")
	m.HandleFunc("/api/agenda", r.agendaJSON).Methods("GET")
	m.HandleFunc("/api/agenda.ics", r.agendaICS).Methods("GET")
	m.HandleFunc("/api/calendars/{calendar}/sync", r.syncCalendar).Methods("POST")

	m.HandleFunc("/ops/status", r.status).Methods("GET")
	m.HandleFunc("/ops/jobs", r.jobs).Methods("GET")
	m.HandleFunc("/ops/jobs/{id:[0-9]+}", r.jobDetail).Methods("GET")
	m.HandleFunc("/ops/jobs/{id:[0-9]+}/logs", r.jobLogs).Methods("GET")
	m.HandleFunc("/ops/health", r.health).Methods("GET")
	m.HandleFunc("/ops/events", r.events).Methods("GET")
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	imports, _ := r.store.ListImports(ctx, 5)
	recent, _ := r.store.ListJobs(ctx, 10)
	respondJSON(w, http.StatusOK, map[string]any{
		"imports":  imports,
		"jobs":     recent,
		"workers":  r.cfg.WorkerCount,
		"metrics":  metrics.Snapshot(),
		"warnings": r.cfg.Warnings,
	})
}

func (r *Router) jobs(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.ListJobs(req.Context(), 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (r *Router) jobDetail(w http.ResponseWriter, req *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(req)["id"], 10, 64)
	job, err := r.store.GetJob(req.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if job == nil {
		respondError(w, http.StatusNotFound, fmt.Errorf("job %d not found", id))
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// jobLogs prefers the runner's in-memory tail and falls back to the
// persisted log for jobs from an earlier process.
func (r *Router) jobLogs(w http.ResponseWriter, req *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(req)["id"], 10, 64)
	logs := r.runner.Logs(id)
	if len(logs) == 0 {
		persisted, err := r.store.JobLogs(req.Context(), id)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		logs = persisted
	}
	if logs == nil {
		logs = []string{}
	}
	respondJSON(w, http.StatusOK, logs)
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// events streams bus events as server-sent events until the client leaves.
func (r *Router) events(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, cancel := r.bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-req.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, b)
			flusher.Flush()
		}
	}
}

func (r *Router) members(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.ListMembers(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (r *Router) deleteMember(w http.ResponseWriter, req *http.Request) {
	member := mux.Vars(req)["member"]
	err := r.runner.WithMember(member, func() error {
		return r.store.DeleteMember(req.Context(), member)
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) imports(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	list, err := r.store.ListImports(req.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (r *Router) homework(w http.ResponseWriter, req *http.Request) {
	f := store.HomeworkFilter{MemberID: mux.Vars(req)["member"]}
	if raw := req.URL.Query().Get("week_start"); raw != "" {
		d, err := schoolyear.ParseDate(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		f.WeekStart = schoolyear.WeekStart(d).Format(schoolyear.DateLayout)
	}
	list, err := r.store.QueryHomework(req.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// importResponse materializes the posted response for the member. With
// async=true the text is stored under WORK_DIR and an import job is
// queued instead.
func (r *Router) importResponse(w http.ResponseWriter, req *http.Request) {
	member := mux.Vars(req)["member"]
	q := req.URL.Query()
	anchor, err := optionalDate(q.Get("date"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("date: %w", err))
		return
	}
	weekStart, err := optionalDate(q.Get("week_start"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("week_start: %w", err))
		return
	}
	text, err := readBody(w, req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if async, _ := strconv.ParseBool(q.Get("async")); async {
		path, err := r.storeUpload(member, text)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		params := map[string]any{
			"path":         path,
			"date":         q.Get("date"),
			"week_start":   q.Get("week_start"),
			"source_image": q.Get("source_image"),
			"member_name":  q.Get("name"),
			"source":       "api",
		}
		job, err := r.runner.Enqueue(req.Context(), member, jobs.StageImportResponse, params)
		if errors.Is(err, jobs.ErrQueueFull) {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		respondJSON(w, http.StatusAccepted, job)
		return
	}

	var res pipeline.ImportResult
	err = r.runner.WithMember(member, func() error {
		var err error
		res, err = r.importer.Import(req.Context(), pipeline.ImportRequest{
			MemberID:    member,
			MemberName:  q.Get("name"),
			Text:        string(text),
			AnchorDate:  anchor,
			WeekStart:   weekStart,
			SourceImage: q.Get("source_image"),
			Source:      "api",
		})
		return err
	})
	if err != nil {
		r.logger.Warn("import failed", zap.String("member", member), zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "result": res})
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (r *Router) parse(w http.ResponseWriter, req *http.Request) {
	text, err := readBody(w, req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	parsed := r.parser.Parse(string(text))
	failures := make([]pipeline.DecodeFailure, 0, len(parsed.Errors))
	for _, de := range parsed.Errors {
		failures = append(failures, pipeline.DecodeFailure{Dataset: de.Dataset, Raw: de.Raw, Error: de.Err.Error()})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"schedule":         parsed.Schedule,
		"activities":       parsed.Activities,
		"homework":         parsed.Homework,
		"dropped_homework": parsed.DroppedHomework,
		"decode_errors":    failures,
	})
}

func (r *Router) agendaJSON(w http.ResponseWriter, req *http.Request) {
	res, ok := r.loadAgenda(w, req)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (r *Router) agendaICS(w http.ResponseWriter, req *http.Request) {
	res, ok := r.loadAgenda(w, req)
	if !ok {
		return
	}
	name := "Agenda"
	if member := req.URL.Query().Get("member"); member != "" {
		name = "Agenda " + member
	}
	var buf bytes.Buffer
	if err := agenda.WriteICS(&buf, name, res.Items, r.cfg.Location, time.Now()); err != nil {
		r.logger.Error("write ics", zap.Error(err))
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	if _, err := buf.WriteTo(w); err != nil {
		r.logger.Warn("send ics", zap.Error(err))
	}
}

func (r *Router) loadAgenda(w http.ResponseWriter, req *http.Request) (agenda.Result, bool) {
	q, err := agendaQuery(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return agenda.Result{}, false
	}
	res, err := r.agenda.Agenda(req.Context(), q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return agenda.Result{}, false
	}
	metrics.AddSuppressed(res.Suppressed)
	return res, true
}

func (r *Router) syncCalendar(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["calendar"]
	cals, err := r.store.ListMailboxCalendars(req.Context(), false)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	for _, cal := range cals {
		if cal.ID != id {
			continue
		}
		job, err := r.runner.Enqueue(req.Context(), cal.MemberID, jobs.StageMailboxSync, map[string]any{
			"calendar_id": id,
			"requested":   time.Now().UTC().Format(time.RFC3339),
		})
		if errors.Is(err, jobs.ErrQueueFull) {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		respondJSON(w, http.StatusAccepted, job)
		return
	}
	respondError(w, http.StatusNotFound, fmt.Errorf("calendar %s not found", id))
}

// storeUpload writes text to WORK_DIR/uploads under a content-addressed
// name so identical uploads map to the same job.
func (r *Router) storeUpload(member string, text []byte) (string, error) {
	dir := filepath.Join(r.cfg.WorkDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	sum := sha256.Sum256(text)
	path := filepath.Join(dir, member+"-"+hex.EncodeToString(sum[:8])+".txt")
	if err := os.WriteFile(path, text, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func agendaQuery(req *http.Request) (agenda.Query, error) {
	v := req.URL.Query()
	q := agenda.Query{MemberID: v.Get("member")}
	if raw := v.Get("date"); raw != "" {
		d, err := schoolyear.ParseDate(raw)
		if err != nil {
			return q, fmt.Errorf("date: %w", err)
		}
		q.From, q.To = d, d
		return q, nil
	}
	from, err := optionalDate(v.Get("from"))
	if err != nil {
		return q, fmt.Errorf("from: %w", err)
	}
	to, err := optionalDate(v.Get("to"))
	if err != nil {
		return q, fmt.Errorf("to: %w", err)
	}
	if from.IsZero() {
		return q, errors.New("date or from is required")
	}
	q.From, q.To = from, to
	return q, nil
}

func optionalDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return schoolyear.ParseDate(raw)
}

func readBody(w http.ResponseWriter, req *http.Request) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty body")
	}
	return b, nil
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("write json", zap.Error(err))
	}
}
