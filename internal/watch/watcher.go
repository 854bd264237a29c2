package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"schoolcal/internal/config"
	"schoolcal/internal/jobs"
	"schoolcal/internal/schoolyear"
)

// settle is how long a file must stay quiet before it is imported.
const settle = 500 * time.Millisecond

// Enqueuer queues stage jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, memberID string, stage jobs.Stage, params map[string]any) error
}

// RunnerEnqueuer adapts a jobs.Runner to Enqueuer.
type RunnerEnqueuer struct{ Runner *jobs.Runner }

func (r RunnerEnqueuer) Enqueue(ctx context.Context, memberID string, stage jobs.Stage, params map[string]any) error {
	_, err := r.Runner.Enqueue(ctx, memberID, stage, params)
	return err
}

// Watcher monitors INBOX_DIR for response files named
// <member>__<YYYY-MM-DD>.txt (date optional) and enqueues import jobs.
type Watcher struct {
	cfg    config.Config
	queue  Enqueuer
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

func New(cfg config.Config, queue Enqueuer, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{cfg: cfg, queue: queue, logger: logger.Named("watch"), now: time.Now, pending: map[string]*time.Timer{}}
}

// Start watches the inbox until ctx is done. It returns once the watch is
// registered.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.cfg.EnableWatcher {
		w.logger.Info("watcher disabled")
		return nil
	}
	if err := os.MkdirAll(w.cfg.InboxDir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.cfg.InboxDir); err != nil {
		watcher.Close()
		return err
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				w.stopPending()
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					w.schedule(ctx, evt.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}()
	w.logger.Info("watching inbox", zap.String("dir", w.cfg.InboxDir))
	return nil
}

// Wait blocks until the watch loop has exited.
func (w *Watcher) Wait() { w.wg.Wait() }

// schedule (re)arms the settle timer for path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	if _, _, ok := ParseName(filepath.Base(path)); !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(settle)
		return
	}
	w.pending[path] = time.AfterFunc(settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := w.enqueue(ctx, path); err != nil {
			w.logger.Warn("inbox enqueue failed", zap.String("file", filepath.Base(path)), zap.Error(err))
		}
	})
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

// enqueue copies the file into WORK_DIR and queues its import. The copy is
// named by content so that re-saving an unchanged file maps to the same job.
// Files without a date in their name are anchored to the current day, so
// the same text dropped in a later week is a new job.
func (w *Watcher) enqueue(ctx context.Context, path string) error {
	name := filepath.Base(path)
	member, date, ok := ParseName(name)
	if !ok {
		return fmt.Errorf("unrecognised inbox file %s", name)
	}
	text, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(text) == 0 {
		return nil
	}
	dir := filepath.Join(w.cfg.WorkDir, "inbox")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	sum := sha256.Sum256(text)
	dst := filepath.Join(dir, member+"-"+hex.EncodeToString(sum[:8])+".txt")
	if err := os.WriteFile(dst, text, 0o644); err != nil {
		return err
	}
	if date == "" {
		date = w.today()
	}
	params := map[string]any{
		"path":         dst,
		"source_image": name,
		"source":       "inbox",
		"date":         date,
	}
	if err := w.queue.Enqueue(ctx, member, jobs.StageImportResponse, params); err != nil {
		return err
	}
	w.logger.Info("inbox file queued", zap.String("file", name), zap.String("member", member), zap.String("date", date))
	return nil
}

func (w *Watcher) today() string {
	loc := w.cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return w.now().In(loc).Format(schoolyear.DateLayout)
}

// Backfill enqueues imports for files already in the inbox.
func (w *Watcher) Backfill(ctx context.Context) error {
	entries, err := filepath.Glob(filepath.Join(w.cfg.InboxDir, "*"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, _, ok := ParseName(filepath.Base(e)); !ok {
			continue
		}
		if err := w.enqueue(ctx, e); err != nil {
			w.logger.Warn("backfill enqueue failed", zap.String("file", filepath.Base(e)), zap.Error(err))
		}
	}
	return nil
}

// ParseName splits an inbox file name into member id and optional anchor
// date.
func ParseName(name string) (member, date string, ok bool) {
	if strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ".txt") {
		return "", "", false
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	member, date, found := strings.Cut(stem, "__")
	if member == "" || strings.ContainsAny(member, `/\`) {
		return "", "", false
	}
	if !found {
		return member, "", true
	}
	if _, err := schoolyear.ParseDate(date); err != nil {
		return "", "", false
	}
	return member, date, true
}
