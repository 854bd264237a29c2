package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"schoolcal/internal/events"
	"schoolcal/internal/jobs"
	"schoolcal/internal/mailsync"
	"schoolcal/internal/metrics"
	"schoolcal/internal/schoolyear"
	"schoolcal/internal/store"
)

// Deps are the collaborators the stages run against.
type Deps struct {
	Store    *store.Store
	Importer *Importer
	Syncer   *mailsync.Syncer
	Bus      *events.Bus
}

// BuildRegistry wires stage functions.
func BuildRegistry(d Deps) jobs.Registry {
	reg := jobs.Registry{
		jobs.StageImportResponse: importStage(d),
	}
	if d.Syncer != nil {
		reg[jobs.StageMailboxSync] = mailboxSyncStage(d)
	}
	return reg
}

// importStage reads a stored response from params["path"] and imports it.
// Optional params: date, week_start (YYYY-MM-DD), source_image,
// member_name, source.
func importStage(d Deps) jobs.StageFunc {
	return func(ctx context.Context, exec jobs.ExecutionContext, memberID string, params map[string]any) error {
		path := paramString(params, "path")
		if path == "" {
			return fmt.Errorf("import: path param is required")
		}
		text, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("import: read %s: %w", filepath.Base(path), err)
		}
		anchor, err := paramDate(params, "date")
		if err != nil {
			return err
		}
		weekStart, err := paramDate(params, "week_start")
		if err != nil {
			return err
		}
		source := paramString(params, "source")
		if source == "" {
			source = "job"
		}

		res, err := d.Importer.Import(ctx, ImportRequest{
			MemberID:    memberID,
			MemberName:  paramString(params, "member_name"),
			Text:        string(text),
			AnchorDate:  anchor,
			WeekStart:   weekStart,
			SourceImage: paramString(params, "source_image"),
			Source:      source,
		})
		for _, de := range res.DecodeErrors {
			exec.Logf(fmt.Sprintf("dataset %s not decoded: %s", de.Dataset, de.Error))
		}
		sum := res.Summary
		exec.Logf(fmt.Sprintf("import %s week %s: schedules=%d activities=%d homework=%d skipped=%d",
			sum.ImportID, sum.WeekStart, sum.Schedules.Written, sum.Activities.Written, sum.Homework.Written,
			sum.Schedules.Skipped+sum.Activities.Skipped+sum.Homework.Skipped))
		return err
	}
}

// mailboxSyncStage refreshes one calendar (params["calendar_id"]) or all
// active calendars.
func mailboxSyncStage(d Deps) jobs.StageFunc {
	return func(ctx context.Context, exec jobs.ExecutionContext, memberID string, params map[string]any) error {
		id := paramString(params, "calendar_id")
		if id == "" {
			n, err := d.Syncer.SyncAll(ctx)
			d.observeSync(memberID, "", n, err)
			exec.Logf(fmt.Sprintf("mailbox sync stored %d events", n))
			return err
		}
		cals, err := d.Store.ListMailboxCalendars(ctx, false)
		if err != nil {
			return err
		}
		for _, cal := range cals {
			if cal.ID != id {
				continue
			}
			n, err := d.Syncer.Sync(ctx, cal)
			d.observeSync(cal.MemberID, id, n, err)
			exec.Logf(fmt.Sprintf("calendar %s stored %d events", id, n))
			return err
		}
		return fmt.Errorf("mailbox sync: unknown calendar %s", id)
	}
}

func (d Deps) observeSync(memberID, calendarID string, n int, err error) {
	metrics.ObserveSync(err == nil)
	ev := events.Event{
		Kind:     events.KindSyncCompleted,
		MemberID: memberID,
		Detail:   map[string]any{"calendar_id": calendarID, "events": n},
	}
	if err != nil {
		ev.Kind = events.KindSyncFailed
		ev.Detail["error"] = err.Error()
	}
	d.Bus.Publish(ev)
}

func paramString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func paramDate(m map[string]any, key string) (time.Time, error) {
	raw := paramString(m, key)
	if raw == "" {
		return time.Time{}, nil
	}
	d, err := schoolyear.ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
