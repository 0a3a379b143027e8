package dispatch

import (
	"context"
	"time"

	"featherpost/internal/models"
	"featherpost/internal/repository"
)

// QuotaLedger decides how many more posts a user may send inside the
// current calendar day and month. Posted posts count by posted_at,
// scheduled posts by scheduled_for; both statuses consume allowance so a
// user cannot over-commit future posts either.
//
// Windows are recomputed on every call: earlier items of the same
// dispatch pass transition to posted and must be visible to later
// admission checks.
type QuotaLedger struct {
	posts      repository.PostRepository
	dailyMax   int
	monthlyMax int
}

func NewQuotaLedger(posts repository.PostRepository, dailyMax, monthlyMax int) *QuotaLedger {
	return &QuotaLedger{
		posts:      posts,
		dailyMax:   dailyMax,
		monthlyMax: monthlyMax,
	}
}

func (q *QuotaLedger) DailyMax() int   { return q.dailyMax }
func (q *QuotaLedger) MonthlyMax() int { return q.monthlyMax }

func (q *QuotaLedger) RemainingDaily(ctx context.Context, userID int64, asOf time.Time) (int, error) {
	start, end := DayRange(asOf)
	used, err := q.countPostedOrScheduled(ctx, userID, start, end)
	if err != nil {
		return 0, err
	}
	return remaining(q.dailyMax, used), nil
}

func (q *QuotaLedger) RemainingMonthly(ctx context.Context, userID int64, asOf time.Time) (int, error) {
	start, end := MonthRange(asOf)
	used, err := q.countPostedOrScheduled(ctx, userID, start, end)
	if err != nil {
		return 0, err
	}
	return remaining(q.monthlyMax, used), nil
}

// CanAdmit reports whether requestedCount additional posts fit in both
// windows. Threads pass their valid member count and are admitted or
// rejected as a whole.
func (q *QuotaLedger) CanAdmit(ctx context.Context, userID int64, requestedCount int, asOf time.Time) (bool, error) {
	daily, err := q.RemainingDaily(ctx, userID, asOf)
	if err != nil {
		return false, err
	}
	if daily < requestedCount {
		return false, nil
	}

	monthly, err := q.RemainingMonthly(ctx, userID, asOf)
	if err != nil {
		return false, err
	}
	return monthly >= requestedCount, nil
}

func (q *QuotaLedger) countPostedOrScheduled(ctx context.Context, userID int64, start, end time.Time) (int, error) {
	posted, err := q.posts.CountByStatusInWindow(ctx, userID, models.PostStatusPosted, start, end)
	if err != nil {
		return 0, err
	}
	scheduled, err := q.posts.CountByStatusInWindow(ctx, userID, models.PostStatusScheduled, start, end)
	if err != nil {
		return 0, err
	}
	return posted + scheduled, nil
}

func remaining(max, used int) int {
	if used >= max {
		return 0
	}
	return max - used
}

// DayRange returns [local midnight, 23:59:59.999] for the day containing t.
func DayRange(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	end := start.Add(24*time.Hour - time.Millisecond)
	return start, end
}

// MonthRange returns [first day 00:00, last day 23:59:59.999] for the
// calendar month containing t.
func MonthRange(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	end := start.AddDate(0, 1, 0).Add(-time.Millisecond)
	return start, end
}
