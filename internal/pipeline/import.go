package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"schoolcal/internal/dataset"
	"schoolcal/internal/events"
	"schoolcal/internal/materialize"
	"schoolcal/internal/metrics"
	"schoolcal/internal/store"
)

// Import statuses recorded in the audit table.
const (
	ImportOK      = "ok"
	ImportPartial = "partial"
	ImportFailed  = "failed"
)

// ImportRequest is one generated response to be turned into calendar rows.
type ImportRequest struct {
	MemberID    string
	MemberName  string
	Text        string
	AnchorDate  time.Time
	WeekStart   time.Time
	SourceImage string
	Source      string
}

// DecodeFailure is a dataset that could not be decoded, with the raw text
// that was extracted for it.
type DecodeFailure struct {
	Dataset string `json:"dataset"`
	Raw     string `json:"raw"`
	Error   string `json:"error"`
}

// ImportResult reports what an import wrote and which datasets failed.
type ImportResult struct {
	Status       string              `json:"status"`
	Summary      materialize.Summary `json:"summary"`
	Dropped      int                 `json:"dropped_homework"`
	DecodeErrors []DecodeFailure     `json:"decode_errors,omitempty"`
}

// Importer parses a response and materializes it for one member. Callers
// serialize imports of the same member.
type Importer struct {
	store  *store.Store
	parser *dataset.Parser
	mat    *materialize.Materializer
	bus    *events.Bus
	logger *zap.Logger
}

func NewImporter(st *store.Store, parser *dataset.Parser, mat *materialize.Materializer, bus *events.Bus, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{store: st, parser: parser, mat: mat, bus: bus, logger: logger}
}

// Import runs parse and materialize and records the outcome. The result is
// returned even when err is non-nil so callers can show partial counts.
func (i *Importer) Import(ctx context.Context, req ImportRequest) (ImportResult, error) {
	if req.MemberID == "" {
		return ImportResult{Status: ImportFailed}, fmt.Errorf("import: member id is required")
	}
	if err := i.store.EnsureMember(ctx, req.MemberID, req.MemberName); err != nil {
		return ImportResult{Status: ImportFailed}, fmt.Errorf("import: member %s: %w", req.MemberID, err)
	}

	parsed := i.parser.Parse(req.Text)
	res := ImportResult{Status: ImportOK, Dropped: parsed.DroppedHomework}
	for _, de := range parsed.Errors {
		res.DecodeErrors = append(res.DecodeErrors, DecodeFailure{Dataset: de.Dataset, Raw: de.Raw, Error: de.Err.Error()})
	}
	if len(res.DecodeErrors) > 0 {
		res.Status = ImportPartial
	}

	sum, err := i.mat.Run(ctx, materialize.Request{
		MemberID:    req.MemberID,
		AnchorDate:  req.AnchorDate,
		WeekStart:   req.WeekStart,
		SourceImage: req.SourceImage,
	}, parsed)
	res.Summary = sum
	if err != nil {
		res.Status = ImportFailed
	}
	i.record(ctx, req, res, err)
	return res, err
}

func (i *Importer) record(ctx context.Context, req ImportRequest, res ImportResult, runErr error) {
	sum := res.Summary
	skipped := sum.Schedules.Skipped + sum.Activities.Skipped + sum.Homework.Skipped + res.Dropped
	metrics.ObserveImport(runErr == nil, sum.Schedules.Written+sum.Activities.Written, sum.Homework.Written, skipped)

	kind := events.KindImportCompleted
	detail := map[string]any{
		"import_id":  sum.ImportID,
		"week_start": sum.WeekStart,
		"status":     res.Status,
		"schedules":  sum.Schedules.Written,
		"activities": sum.Activities.Written,
		"homework":   sum.Homework.Written,
	}
	var lastErr *string
	if runErr != nil {
		kind = events.KindImportFailed
		msg := runErr.Error()
		lastErr = &msg
		detail["error"] = msg
	}
	i.bus.Publish(events.Event{Kind: kind, MemberID: req.MemberID, Detail: detail})

	if sum.ImportID == "" {
		return
	}
	err := i.store.RecordImport(context.WithoutCancel(ctx), store.Import{
		ID:         sum.ImportID,
		MemberID:   req.MemberID,
		WeekStart:  sum.WeekStart,
		Source:     req.Source,
		Status:     res.Status,
		Schedules:  int(sum.Schedules.Written),
		Activities: int(sum.Activities.Written),
		Homework:   int(sum.Homework.Written),
		LastError:  lastErr,
	})
	if err != nil {
		i.logger.Warn("import audit write failed", zap.String("import_id", sum.ImportID), zap.Error(err))
	}
}
