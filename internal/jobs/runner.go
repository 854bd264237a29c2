package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"schoolcal/internal/config"
	"schoolcal/internal/metrics"
	"schoolcal/internal/store"
)

// Status values for jobs.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Stage names a job kind.
type Stage string

const (
	StageImportResponse Stage = "IMPORT_RESPONSE"
	StageMailboxSync    Stage = "MAILBOX_SYNC"
)

const logBufferLines = 200

// ErrQueueFull is returned when a job was recorded but could not be queued.
var ErrQueueFull = errors.New("queue full")

// ExecutionContext is handed to every stage run.
type ExecutionContext struct {
	JobID  int64
	Cfg    config.Config
	Logger *zap.Logger
	Logf   func(msg string)
}

// StageFunc runs one job for a member; memberID may be empty for jobs not
// tied to a member.
type StageFunc func(ctx context.Context, execCtx ExecutionContext, memberID string, params map[string]any) error

// Registry maps stages to implementations.
type Registry map[Stage]StageFunc

// Runner executes persisted jobs on a worker pool. Jobs for the same member
// never run concurrently; jobs for different members do.
type Runner struct {
	cfg       config.Config
	store     *store.Store
	reg       Registry
	logger    *zap.Logger
	queue     chan *store.Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	logMu     sync.Mutex
	logBuffer map[int64][]string
	memberMu  sync.Mutex
	members   map[string]*sync.Mutex
	now       func() time.Time
}

// NewRunner constructs a runner.
func NewRunner(cfg config.Config, st *store.Store, reg Registry, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	return &Runner{
		cfg:       cfg,
		store:     st,
		reg:       reg,
		logger:    logger,
		queue:     make(chan *store.Job, size),
		logBuffer: make(map[int64][]string),
		members:   make(map[string]*sync.Mutex),
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
}

// Start spins the worker pool.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for i := 0; i < r.cfg.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
}

// Stop cancels workers and waits for them to return.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Enqueue records a job and queues it. A job with the same member, stage
// and params as an existing one is not recorded again; the existing job is
// returned instead, and put back on the queue if it had failed.
func (r *Runner) Enqueue(ctx context.Context, memberID string, stage Stage, params map[string]any) (*store.Job, error) {
	if _, ok := r.reg[stage]; !ok {
		return nil, fmt.Errorf("unknown stage %s", stage)
	}
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	ts := r.now()
	job := &store.Job{
		MemberID:       memberID,
		Stage:          string(stage),
		Status:         StatusQueued,
		ParamsJSON:     string(payload),
		IdempotencyKey: idempotencyKey(memberID, stage, payload),
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	j, err := r.store.InsertJobIdempotent(ctx, job)
	if errors.Is(err, store.ErrConflict) {
		if j.Status != StatusFailed {
			return j, nil
		}
		requeued, err := r.store.RequeueJob(ctx, j.ID, ts)
		if err != nil {
			return nil, err
		}
		if !requeued {
			return j, nil
		}
		j.Status = StatusQueued
		j.StartedAt, j.FinishedAt = nil, nil
		j.UpdatedAt = ts
		r.appendLog(j.ID, "requeued")
	} else if err != nil {
		return nil, err
	}
	select {
	case r.queue <- j:
		r.logger.Debug("job queued", zap.Int64("job", j.ID), zap.String("stage", j.Stage), zap.String("member", memberID))
		return j, nil
	default:
		r.appendLog(j.ID, "error: queue full")
		_ = r.store.MarkJobFinished(ctx, j.ID, StatusFailed, r.now())
		return j, ErrQueueFull
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.queue:
			r.execute(ctx, job)
		}
	}
}

// memberLock returns the mutex serializing jobs of one member.
func (r *Runner) memberLock(memberID string) *sync.Mutex {
	r.memberMu.Lock()
	defer r.memberMu.Unlock()
	mu, ok := r.members[memberID]
	if !ok {
		mu = &sync.Mutex{}
		r.members[memberID] = mu
	}
	return mu
}

// WithMember runs fn while holding the member's job lock, so work done
// outside the queue cannot interleave with that member's jobs.
func (r *Runner) WithMember(memberID string, fn func() error) error {
	mu := r.memberLock(memberID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (r *Runner) execute(ctx context.Context, job *store.Job) {
	log := r.logger.With(zap.Int64("job", job.ID), zap.String("stage", job.Stage), zap.String("member", job.MemberID))
	fn, ok := r.reg[Stage(job.Stage)]
	if !ok {
		r.appendLog(job.ID, "no handler for stage")
		_ = r.store.MarkJobFinished(ctx, job.ID, StatusFailed, r.now())
		metrics.IncFailed()
		return
	}
	if job.MemberID != "" {
		mu := r.memberLock(job.MemberID)
		mu.Lock()
		defer mu.Unlock()
	}
	_ = r.store.MarkJobStarted(ctx, job.ID, r.now())
	execCtx := ExecutionContext{
		JobID:  job.ID,
		Cfg:    r.cfg,
		Logger: log,
		Logf:   func(msg string) { r.appendLog(job.ID, msg) },
	}
	params := map[string]any{}
	_ = json.Unmarshal([]byte(job.ParamsJSON), &params)
	if err := fn(ctx, execCtx, job.MemberID, params); err != nil {
		log.Warn("job failed", zap.Error(err))
		r.appendLog(job.ID, "error: "+err.Error())
		_ = r.store.MarkJobFinished(context.WithoutCancel(ctx), job.ID, StatusFailed, r.now())
		metrics.IncFailed()
		return
	}
	_ = r.store.MarkJobFinished(context.WithoutCancel(ctx), job.ID, StatusSucceeded, r.now())
	metrics.IncSucceeded()
	log.Info("job succeeded")
}

func (r *Runner) appendLog(jobID int64, msg string) {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	ts := r.now()
	_ = r.store.AppendJobLog(context.Background(), jobID, msg, ts)
	r.logBuffer[jobID] = append(r.logBuffer[jobID], fmt.Sprintf("%s %s", ts.Format(time.RFC3339), msg))
	if len(r.logBuffer[jobID]) > logBufferLines {
		r.logBuffer[jobID] = r.logBuffer[jobID][len(r.logBuffer[jobID])-logBufferLines:]
	}
}

// Logs returns the in-memory log buffer of a job.
func (r *Runner) Logs(jobID int64) []string {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	return append([]string(nil), r.logBuffer[jobID]...)
}

func idempotencyKey(memberID string, stage Stage, payload []byte) string {
	h := sha256.Sum256([]byte(memberID + "\x00" + string(stage) + "\x00" + string(payload)))
	return hex.EncodeToString(h[:])
}
