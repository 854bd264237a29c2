package materialize

import (
	"context"
	"time"

	"schoolcal/internal/schoolyear"
	"schoolcal/internal/store"
)

// Guard makes re-imports idempotent: before a stage writes rows of a tag
// for a member, every existing row of that tag dated on or after the anchor
// week is removed. Rows before the anchor week are history and stay.
type Guard struct {
	repo Repository
}

func NewGuard(repo Repository) Guard {
	return Guard{repo: repo}
}

// Clear deletes the member's rows carrying tag from weekStart onward.
func (g Guard) Clear(ctx context.Context, memberID, tag string, weekStart time.Time) (int64, error) {
	return g.repo.DeleteActivities(ctx, store.ActivityFilter{
		MemberID: memberID,
		Tag:      tag,
		DateFrom: weekStart.Format(schoolyear.DateLayout),
	})
}

// ClearHomework deletes the member's image-derived homework for weekStart.
func (g Guard) ClearHomework(ctx context.Context, memberID string, weekStart time.Time) (int64, error) {
	fromImage := true
	return g.repo.DeleteHomework(ctx, store.HomeworkFilter{
		MemberID:  memberID,
		WeekStart: weekStart.Format(schoolyear.DateLayout),
		FromImage: &fromImage,
	})
}
