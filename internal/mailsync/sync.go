// Package mailsync refreshes mailbox calendars from their ICS feeds into
// the mailbox event table the agenda reads.
package mailsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"schoolcal/internal/store"
)

const (
	maxBody         = 10 << 20
	defaultHorizon  = 60 * 24 * time.Hour
	defaultLookback = 7 * 24 * time.Hour
)

// CredentialStore hands out the bearer token for a calendar feed. An empty
// token means the feed is fetched without authorization.
type CredentialStore interface {
	Token(ctx context.Context, calendarID string) (string, error)
}

// StaticCredentials is a fixed calendar id to token map.
type StaticCredentials map[string]string

func (s StaticCredentials) Token(_ context.Context, calendarID string) (string, error) {
	return s[calendarID], nil
}

// MemoryCredentials is a concurrency-safe CredentialStore updated at
// runtime.
type MemoryCredentials struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{tokens: make(map[string]string)}
}

func (m *MemoryCredentials) Set(calendarID, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[calendarID] = token
}

func (m *MemoryCredentials) Token(_ context.Context, calendarID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens[calendarID], nil
}

// Store is the persistence the syncer needs.
type Store interface {
	ListMailboxCalendars(ctx context.Context, activeOnly bool) ([]store.MailboxCalendar, error)
	ReplaceMailboxEvents(ctx context.Context, calendarID string, events []store.MailboxEvent) error
}

// Options configure a Syncer. Zero values pick defaults.
type Options struct {
	Client   *http.Client
	Horizon  time.Duration
	Lookback time.Duration
	Now      func() time.Time
}

// Syncer fetches, parses and stores calendar feeds.
type Syncer struct {
	store  Store
	creds  CredentialStore
	client *http.Client
	opts   Options
	logger *zap.Logger
}

func New(st Store, creds CredentialStore, logger *zap.Logger, opts Options) *Syncer {
	if creds == nil {
		creds = StaticCredentials{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Horizon <= 0 {
		opts.Horizon = defaultHorizon
	}
	if opts.Lookback <= 0 {
		opts.Lookback = defaultLookback
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{store: st, creds: creds, client: opts.Client, opts: opts, logger: logger}
}

// Sync refreshes one calendar and returns the number of stored events.
func (s *Syncer) Sync(ctx context.Context, cal store.MailboxCalendar) (int, error) {
	log := s.logger.With(zap.String("calendar", cal.ID), zap.String("url", redactURL(cal.URL)))
	body, err := s.fetch(ctx, cal)
	if err != nil {
		log.Warn("calendar fetch failed", zap.Error(err))
		return 0, err
	}
	now := s.opts.Now()
	events, err := Parse(body, Range{Start: now.Add(-s.opts.Lookback), End: now.Add(s.opts.Horizon)})
	if err != nil {
		log.Warn("calendar parse failed", zap.Error(err))
		return 0, fmt.Errorf("calendar %s: %w", cal.ID, err)
	}
	if err := s.store.ReplaceMailboxEvents(ctx, cal.ID, events); err != nil {
		return 0, fmt.Errorf("calendar %s: store events: %w", cal.ID, err)
	}
	log.Info("calendar synced", zap.Int("events", len(events)))
	return len(events), nil
}

// SyncAll refreshes every active calendar. One failing feed does not stop
// the others; failures are joined into the returned error.
func (s *Syncer) SyncAll(ctx context.Context) (int, error) {
	cals, err := s.store.ListMailboxCalendars(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("list calendars: %w", err)
	}
	total := 0
	var errs []error
	for _, cal := range cals {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.Sync(ctx, cal)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

func (s *Syncer) fetch(ctx context.Context, cal store.MailboxCalendar) ([]byte, error) {
	if cal.URL == "" {
		return nil, fmt.Errorf("calendar %s: url is empty", cal.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cal.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("calendar %s: %w", cal.ID, err)
	}
	req.Header.Set("Accept", "text/calendar")
	token, err := s.creds.Token(ctx, cal.ID)
	if err != nil {
		return nil, fmt.Errorf("calendar %s: credentials: %w", cal.ID, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendar %s: %w", cal.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calendar %s: unexpected status %s", cal.ID, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}

// redactURL keeps only scheme and host; feed paths often embed secrets.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
