package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	config "featherpost/configs"
	"featherpost/internal/dispatch"
	"featherpost/internal/models"
	"featherpost/internal/repository"
	"featherpost/internal/transfer"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ErrQuotaExceeded wraps schedule-time quota rejections so the API layer
// can answer 429 instead of a generic failure.
var ErrQuotaExceeded = errors.New("quota exceeded")

type PostService interface {
	CreatePost(ctx context.Context, userID int64, pc *transfer.PostCreation) ([]int64, error)
	List(ctx context.Context, userID int64) ([]*models.Post, error)
	PostInfo(ctx context.Context, postID, userID int64) (*models.Post, error)
	Retry(ctx context.Context, userID, postID int64) error
	Remove(ctx context.Context, userID, postID int64) error
	LimitsInfo(ctx context.Context, userID int64) (*transfer.LimitsInfo, error)
}

type postService struct {
	db     *sql.DB
	pr     repository.PostRepository
	quota  *dispatch.QuotaLedger
	limits config.Limits
}

func NewPostService(db *sql.DB, pr repository.PostRepository, quota *dispatch.QuotaLedger, limits config.Limits) PostService {
	return &postService{
		db:     db,
		pr:     pr,
		quota:  quota,
		limits: limits,
	}
}

func (s *postService) CreatePost(ctx context.Context, userID int64, pc *transfer.PostCreation) ([]int64, error) {
	if pc == nil {
		err := errors.New("post creation data is nil")
		slog.Error(err.Error())
		return nil, err
	}

	threadTexts := nonBlank(pc.ThreadTexts)

	if strings.TrimSpace(pc.Content) == "" && len(threadTexts) == 0 {
		err := errors.New("content cannot be empty")
		slog.Info(err.Error())
		return nil, err
	}

	status := pc.Status
	if status == "" {
		status = models.PostStatusDraft
	}
	if status != models.PostStatusDraft && status != models.PostStatusScheduled {
		err := fmt.Errorf("invalid status %q", status)
		slog.Info(err.Error())
		return nil, err
	}

	var scheduledFor sql.NullTime
	if status == models.PostStatusScheduled {
		if pc.ScheduledFor == "" {
			err := errors.New("scheduled_for is required for scheduled posts")
			slog.Info(err.Error())
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, pc.ScheduledFor)
		if err != nil {
			err = fmt.Errorf("invalid scheduled time format: %w", err)
			slog.Error(err.Error())
			return nil, err
		}
		scheduledFor = sql.NullTime{Time: t, Valid: true}
	}

	// Scheduling consumes allowance immediately, so the caps are checked
	// at creation time too, not only in the dispatcher.
	if status == models.PostStatusScheduled {
		if err := s.checkAllowance(ctx, userID, max(len(threadTexts), 1)); err != nil {
			return nil, err
		}
	}

	if len(threadTexts) > 1 {
		return s.createThread(ctx, userID, threadTexts, pc.Images, status, scheduledFor)
	}

	content := strings.TrimSpace(pc.Content)
	if content == "" {
		content = threadTexts[0]
	}

	post := models.Post{
		UserID:       userID,
		Content:      content,
		Images:       pc.Images,
		Status:       status,
		ScheduledFor: scheduledFor,
	}

	postID, err := s.pr.Create(ctx, nil, &post)
	if err != nil {
		return nil, fmt.Errorf("error creating post: %w", err)
	}

	return []int64{postID}, nil
}

// createThread inserts every member in one transaction; the head carries
// the images and position 1.
func (s *postService) createThread(ctx context.Context, userID int64, texts []string, images []string, status string, scheduledFor sql.NullTime) ([]int64, error) {
	threadID, err := gonanoid.New()
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		}
	}()

	ids := make([]int64, 0, len(texts))
	for i, text := range texts {
		post := models.Post{
			UserID:       userID,
			Content:      text,
			Status:       status,
			ScheduledFor: scheduledFor,
			ThreadID:     sql.NullString{String: threadID, Valid: true},
			ThreadOrder:  i + 1,
		}
		if i == 0 {
			post.Images = images
		}

		var id int64
		id, err = s.pr.Create(ctx, tx, &post)
		if err != nil {
			return nil, fmt.Errorf("error creating thread post %d: %w", i+1, err)
		}
		ids = append(ids, id)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return ids, nil
}

func (s *postService) checkAllowance(ctx context.Context, userID int64, requested int) error {
	now := time.Now()

	daily, err := s.quota.RemainingDaily(ctx, userID, now)
	if err != nil {
		return err
	}
	monthly, err := s.quota.RemainingMonthly(ctx, userID, now)
	if err != nil {
		return err
	}

	if requested > 1 {
		if daily < requested {
			return fmt.Errorf("%w: Daily limit insufficient for thread of %d. Remaining: %d/%d", ErrQuotaExceeded, requested, daily, s.limits.DailyMax)
		}
		if monthly < requested {
			return fmt.Errorf("%w: Monthly limit insufficient for thread of %d. Remaining: %d/%d", ErrQuotaExceeded, requested, monthly, s.limits.MonthlyMax)
		}
		return nil
	}

	if daily <= 0 {
		return fmt.Errorf("%w: Daily limit reached (%d/day)", ErrQuotaExceeded, s.limits.DailyMax)
	}
	if monthly <= 0 {
		return fmt.Errorf("%w: Monthly limit reached (%d/month)", ErrQuotaExceeded, s.limits.MonthlyMax)
	}
	return nil
}

func (s *postService) List(ctx context.Context, userID int64) ([]*models.Post, error) {
	posts, err := s.pr.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error listing posts")
	}
	return posts, nil
}

func (s *postService) PostInfo(ctx context.Context, postID, userID int64) (*models.Post, error) {
	var err error

	if userID == 0 {
		err = errors.New("user is not valid")
		slog.Info(err.Error())
		return nil, err
	}
	if postID == 0 {
		err = errors.New("post id is not valid")
		slog.Info(err.Error())
		return nil, err
	}

	isValid, err := s.pr.CheckByUserID(ctx, postID, userID)
	if err != nil {
		return nil, err
	}
	if !isValid {
		err = errors.New("post doesn't exist")
		slog.Info(err.Error())
		return nil, err
	}

	post, err := s.pr.GetByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("error getting post info")
	}

	return post, nil
}

// Retry puts a failed post back on the schedule. This is the only path
// by which the dispatcher ever sees a post again after a terminal state.
func (s *postService) Retry(ctx context.Context, userID, postID int64) error {
	post, err := s.PostInfo(ctx, postID, userID)
	if err != nil {
		return err
	}
	if post == nil || post.Status != models.PostStatusFailed {
		err = errors.New("only failed posts can be retried")
		slog.Info(err.Error())
		return err
	}

	return s.pr.UpdateStatus(ctx, models.PostStatusScheduled, postID)
}

func (s *postService) Remove(ctx context.Context, userID, postID int64) error {
	var err error

	if userID == 0 {
		err = errors.New("user is not valid")
		slog.Info(err.Error())
		return err
	}
	if postID == 0 {
		err = errors.New("post_id is not valid")
		slog.Info(err.Error())
		return err
	}

	isValid, err := s.pr.CheckByUserID(ctx, postID, userID)
	if err != nil {
		return err
	}
	if !isValid {
		err = errors.New("post doesn't exist")
		slog.Info(err.Error())
		return err
	}

	if err = s.pr.Remove(ctx, postID); err != nil {
		return fmt.Errorf("error removing post")
	}

	return nil
}

func (s *postService) LimitsInfo(ctx context.Context, userID int64) (*transfer.LimitsInfo, error) {
	now := time.Now()
	dayStart, dayEnd := dispatch.DayRange(now)
	monthStart, monthEnd := dispatch.MonthRange(now)

	today, err := s.windowUsage(ctx, userID, s.limits.DailyMax, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	month, err := s.windowUsage(ctx, userID, s.limits.MonthlyMax, monthStart, monthEnd)
	if err != nil {
		return nil, err
	}

	return &transfer.LimitsInfo{
		DailyMax:   s.limits.DailyMax,
		MonthlyMax: s.limits.MonthlyMax,
		Today:      *today,
		Month:      *month,
	}, nil
}

func (s *postService) windowUsage(ctx context.Context, userID int64, max int, start, end time.Time) (*transfer.WindowUsage, error) {
	scheduled, err := s.pr.CountByStatusInWindow(ctx, userID, models.PostStatusScheduled, start, end)
	if err != nil {
		return nil, err
	}
	posted, err := s.pr.CountByStatusInWindow(ctx, userID, models.PostStatusPosted, start, end)
	if err != nil {
		return nil, err
	}

	remaining := max - scheduled - posted
	if remaining < 0 {
		remaining = 0
	}

	return &transfer.WindowUsage{
		Scheduled: scheduled,
		Posted:    posted,
		Remaining: remaining,
	}, nil
}

func nonBlank(texts []string) []string {
	var out []string
	for _, t := range texts {
		if trimmed := strings.TrimSpace(t); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
