package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"schoolcal/internal/agenda"
	"schoolcal/internal/config"
	"schoolcal/internal/dataset"
	"schoolcal/internal/events"
	"schoolcal/internal/httpapi"
	"schoolcal/internal/jobs"
	"schoolcal/internal/mailsync"
	"schoolcal/internal/materialize"
	"schoolcal/internal/pipeline"
	"schoolcal/internal/store"
	"schoolcal/internal/watch"
)

// App wires the data plane components together.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    *store.Store
	importer *pipeline.Importer
	agenda   *agenda.Aggregator
	parser   *dataset.Parser
	runner   *jobs.Runner
	watcher  *watch.Watcher
	cron     *cron.Cron
	handler  http.Handler
}

func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	parser := dataset.NewParser(logger.Named("dataset"))
	mat := materialize.New(st, logger.Named("materialize"), materialize.Options{
		ScheduleTitle: cfg.ScheduleTitle,
		SampleSize:    cfg.SampleSize,
		Location:      cfg.Location,
	})
	importer := pipeline.NewImporter(st, parser, mat, bus, logger.Named("import"))
	agg := agenda.New(st, cfg.Location, logger.Named("agenda"))

	creds := mailsync.NewMemoryCredentials()
	for _, c := range cfg.MailboxCalendars {
		if c.TokenEnv != "" {
			creds.Set(c.ID, os.Getenv(c.TokenEnv))
		}
	}
	syncer := mailsync.New(st, creds, logger.Named("mailsync"), mailsync.Options{
		Horizon: time.Duration(cfg.MailboxHorizonDays) * 24 * time.Hour,
	})

	registry := pipeline.BuildRegistry(pipeline.Deps{Store: st, Importer: importer, Syncer: syncer, Bus: bus})
	runner := jobs.NewRunner(cfg, st, registry, logger.Named("jobs"))
	watcher := watch.New(cfg, watch.RunnerEnqueuer{Runner: runner}, logger)
	router := httpapi.NewRouter(cfg, httpapi.Deps{
		Store:    st,
		Runner:   runner,
		Importer: importer,
		Parser:   parser,
		Agenda:   agg,
		Bus:      bus,
		Logger:   logger,
	})

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		importer: importer,
		agenda:   agg,
		parser:   parser,
		runner:   runner,
		watcher:  watcher,
		cron:     cron.New(cron.WithLocation(cfg.Location)),
		handler:  router.Handler(),
	}, nil
}

// Bootstrap registers the configured members and mailbox calendars.
func (a *App) Bootstrap(ctx context.Context) error {
	for _, c := range a.cfg.MailboxCalendars {
		if err := a.store.EnsureMember(ctx, c.MemberID, c.MemberName); err != nil {
			return err
		}
		err := a.store.UpsertMailboxCalendar(ctx, store.MailboxCalendar{
			ID:       c.ID,
			MemberID: c.MemberID,
			Name:     c.Name,
			URL:      c.URL,
			Active:   c.IsActive(),
		})
		if err != nil {
			return fmt.Errorf("register calendar %s: %w", c.ID, err)
		}
	}
	return nil
}

// Run starts workers, watcher, scheduler and HTTP server, and blocks until
// ctx is done or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Bootstrap(ctx); err != nil {
		return err
	}
	a.runner.Start(ctx)
	defer a.runner.Stop()

	if err := a.watcher.Start(ctx); err != nil {
		return err
	}
	if a.cfg.EnableWatcher {
		if err := a.watcher.Backfill(ctx); err != nil {
			a.logger.Warn("inbox backfill failed", zap.Error(err))
		}
	}
	defer a.watcher.Wait()

	if err := a.scheduleSync(ctx); err != nil {
		return err
	}
	defer func() { <-a.cron.Stop().Done() }()

	srv := &http.Server{Addr: a.cfg.HTTPPort, Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.logger.Info("http listening", zap.String("addr", a.cfg.HTTPPort))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// scheduleSync queues a mailbox refresh on MAILBOX_SYNC_CRON. An empty
// schedule disables it.
func (a *App) scheduleSync(ctx context.Context) error {
	if a.cfg.MailboxSyncCron == "" {
		a.logger.Info("mailbox sync schedule disabled")
		return nil
	}
	_, err := a.cron.AddFunc(a.cfg.MailboxSyncCron, func() {
		if _, err := a.EnqueueMailboxSync(ctx, time.Now()); err != nil {
			a.logger.Warn("mailbox sync not queued", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("mailbox sync schedule %q: %w", a.cfg.MailboxSyncCron, err)
	}
	a.cron.Start()
	return nil
}

// EnqueueMailboxSync queues a refresh of every active calendar. The slot
// keeps runs at different minutes from collapsing into one job.
func (a *App) EnqueueMailboxSync(ctx context.Context, at time.Time) (*store.Job, error) {
	slot := at.UTC().Truncate(time.Minute).Format(time.RFC3339)
	return a.runner.Enqueue(ctx, "", jobs.StageMailboxSync, map[string]any{"slot": slot})
}

// Import runs one import inline, serialized with the member's queued jobs.
func (a *App) Import(ctx context.Context, req pipeline.ImportRequest) (pipeline.ImportResult, error) {
	var res pipeline.ImportResult
	err := a.runner.WithMember(req.MemberID, func() error {
		var err error
		res, err = a.importer.Import(ctx, req)
		return err
	})
	return res, err
}

func (a *App) Close() error { return a.store.Close() }

func (a *App) Runner() *jobs.Runner { return a.runner }
func (a *App) Store() *store.Store { return a.store }
func (a *App) Parser() *dataset.Parser { return a.parser }
func (a *App) Agenda() *agenda.Aggregator { return a.agenda }
func (a *App) Handler() http.Handler { return a.handler }
func (a *App) Config() config.Config { return a.cfg }
