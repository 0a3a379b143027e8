package dispatch

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"time"

	"featherpost/internal/models"
	"featherpost/internal/repository"
)

// Publisher submits content to the remote platform. Implementations
// normalize every failure into a single descriptive error; the dispatcher
// only inspects it through the pacer's rate-limit matcher.
type Publisher interface {
	PublishTweet(ctx context.Context, accessToken, text string, imageURLs []string) (string, error)
	PublishThread(ctx context.Context, accessToken string, texts []string, imageURLs []string) ([]string, error)
}

// CredentialProvider resolves a usable access token for a user. Token
// refresh is internal to the lookup; an empty token with nil error means
// the user has no connected account.
type CredentialProvider interface {
	GetValidCredential(ctx context.Context, userID int64) (string, error)
}

// Summary is the per-pass result accumulator returned to the trigger.
type Summary struct {
	Processed  int      `json:"processed"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors"`
}

// Dispatcher drives one pass over due posts: discover, pace, admit
// against quota, resolve credentials, publish, persist the outcome. A
// pass is strictly sequential; earlier transitions must be visible to
// later admission checks, so nothing here runs concurrently.
type Dispatcher struct {
	posts     repository.PostRepository
	records   repository.DispatchRecordRepository
	creds     CredentialProvider
	publisher Publisher
	quota     *QuotaLedger
	pacer     *Pacer
	batchCap  int

	now   func() time.Time
	sleep func(time.Duration)
}

const DefaultBatchCap = 10

func NewDispatcher(
	posts repository.PostRepository,
	records repository.DispatchRecordRepository,
	creds CredentialProvider,
	publisher Publisher,
	quota *QuotaLedger,
	pacer *Pacer,
	batchCap int) *Dispatcher {
	if batchCap <= 0 {
		batchCap = DefaultBatchCap
	}
	return &Dispatcher{
		posts:     posts,
		records:   records,
		creds:     creds,
		publisher: publisher,
		quota:     quota,
		pacer:     pacer,
		batchCap:  batchCap,
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// Run executes one dispatch pass. Individual post failures never fail
// the pass; only a store error during discovery does.
func (d *Dispatcher) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	due, err := d.posts.ListDue(ctx, d.batchCap, d.now())
	if err != nil {
		return nil, fmt.Errorf("listing due posts: %w", err)
	}
	if len(due) == 0 {
		return summary, nil
	}

	handledThreads := make(map[string]bool)

	for i, post := range due {
		// A thread is published once, when its first due member is
		// encountered; later members of the same thread are already in a
		// terminal state by then.
		if post.ThreadID.Valid && handledThreads[post.ThreadID.String] {
			continue
		}

		if delay := d.pacer.DelayBeforeItem(i); delay > 0 {
			log.Printf("waiting %v before publishing next post", delay)
			d.sleep(delay)
		}

		summary.Processed++

		// Quota windows are recomputed per item: posts published earlier
		// in this same pass count against the user's allowance.
		asOf := d.now()
		daily, err := d.quota.RemainingDaily(ctx, post.UserID, asOf)
		if err != nil {
			d.itemError(summary, post, fmt.Sprintf("checking daily quota: %v", err))
			continue
		}
		monthly, err := d.quota.RemainingMonthly(ctx, post.UserID, asOf)
		if err != nil {
			d.itemError(summary, post, fmt.Sprintf("checking monthly quota: %v", err))
			continue
		}

		var rateLimited bool
		if post.ThreadID.Valid {
			handledThreads[post.ThreadID.String] = true
			rateLimited = d.processThread(ctx, summary, post, daily, monthly)
		} else {
			rateLimited = d.processSingle(ctx, summary, post, daily, monthly)
		}

		if rateLimited {
			log.Printf("rate limit hit while publishing post %d, stopping pass", post.ID)
			summary.Errors = append(summary.Errors, "Rate limit reached. Remaining posts will be processed in the next pass.")
			break
		}
	}

	return summary, nil
}

func (d *Dispatcher) processSingle(ctx context.Context, summary *Summary, post *models.Post, daily, monthly int) bool {
	if daily <= 0 {
		d.failPost(ctx, summary, post, fmt.Sprintf("Daily limit reached (%d/day)", d.quota.DailyMax()))
		return false
	}
	if monthly <= 0 {
		d.failPost(ctx, summary, post, fmt.Sprintf("Monthly limit reached (%d/month)", d.quota.MonthlyMax()))
		return false
	}

	// A store error while looking up credentials is transient; only a
	// genuinely absent credential is terminal.
	token, err := d.creds.GetValidCredential(ctx, post.UserID)
	if err != nil {
		d.itemError(summary, post, fmt.Sprintf("resolving credentials: %v", err))
		return false
	}
	if token == "" {
		d.failPost(ctx, summary, post, "No valid Twitter credentials")
		return false
	}

	tweetID, err := d.publisher.PublishTweet(ctx, token, post.Content, post.Images)
	if err != nil {
		if d.pacer.IsRateLimitError(err.Error()) {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("Post %d: %v", post.ID, err))
			return true
		}
		d.failPost(ctx, summary, post, err.Error())
		return false
	}

	// The tweet exists remotely from here on. If persisting the result
	// fails the post will be retried next pass and duplicated; that
	// inconsistency is accepted, the remote call is not idempotent.
	if err := d.posts.MarkPosted(ctx, post.ID, tweetID, d.now()); err != nil {
		slog.Info(err.Error())
	}
	d.record(ctx, post, "")
	summary.Successful++
	log.Printf("published post %d as tweet %s", post.ID, tweetID)
	return false
}

func (d *Dispatcher) processThread(ctx context.Context, summary *Summary, post *models.Post, daily, monthly int) bool {
	threadID := post.ThreadID.String

	members, err := d.posts.ListThreadMembers(ctx, threadID)
	if err != nil {
		d.itemError(summary, post, fmt.Sprintf("fetching thread %s members: %v", threadID, err))
		return false
	}
	if len(members) == 0 {
		d.itemError(summary, post, fmt.Sprintf("thread %s has no members", threadID))
		return false
	}

	validCount := 0
	for _, m := range members {
		if strings.TrimSpace(m.Content) != "" {
			validCount++
		}
	}

	if daily < validCount {
		d.failThread(ctx, summary, threadID, members,
			fmt.Sprintf("Daily limit insufficient for %d posts. Remaining: %d/%d", validCount, daily, d.quota.DailyMax()))
		return false
	}
	if monthly < validCount {
		d.failThread(ctx, summary, threadID, members,
			fmt.Sprintf("Monthly limit insufficient for %d posts. Remaining: %d/%d", validCount, monthly, d.quota.MonthlyMax()))
		return false
	}

	token, err := d.creds.GetValidCredential(ctx, post.UserID)
	if err != nil {
		d.itemError(summary, post, fmt.Sprintf("resolving credentials: %v", err))
		return false
	}
	if token == "" {
		d.failThread(ctx, summary, threadID, members, "No valid Twitter credentials")
		return false
	}

	texts := make([]string, len(members))
	for i, m := range members {
		texts[i] = m.Content
	}
	// Twitter attaches media to a single tweet of a reply chain, so only
	// the head's images go out.
	images := members[0].Images

	ids, err := d.publisher.PublishThread(ctx, token, texts, images)
	if err == nil && len(ids) == 0 {
		err = fmt.Errorf("thread publish returned no tweet ids")
	}
	if err != nil {
		if d.pacer.IsRateLimitError(err.Error()) {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("Thread %s: %v", threadID, err))
			return true
		}
		// Continuations published before the failing item stay up
		// remotely; locally the whole thread is marked failed. Rolling
		// back would need delete calls we do not make.
		d.failThread(ctx, summary, threadID, members, err.Error())
		return false
	}

	postedAt := d.now()
	for i, m := range members {
		tweetID := ids[len(ids)-1]
		if i < len(ids) {
			tweetID = ids[i]
		}
		if err := d.posts.MarkPosted(ctx, m.ID, tweetID, postedAt); err != nil {
			slog.Info(err.Error())
		}
		d.record(ctx, m, "")
	}
	summary.Successful++
	log.Printf("published thread %s (%d posts)", threadID, len(members))
	return false
}

// itemError reports a failure without touching the post's status; the
// post stays scheduled and is retried on a later pass.
func (d *Dispatcher) itemError(summary *Summary, post *models.Post, message string) {
	summary.Failed++
	summary.Errors = append(summary.Errors, fmt.Sprintf("Post %d: %s", post.ID, message))
	slog.Info(message)
}

func (d *Dispatcher) failPost(ctx context.Context, summary *Summary, post *models.Post, reason string) {
	if err := d.posts.MarkFailed(ctx, post.ID, reason); err != nil {
		slog.Info(err.Error())
	}
	d.record(ctx, post, reason)
	summary.Failed++
	summary.Errors = append(summary.Errors, fmt.Sprintf("Post %d: %s", post.ID, reason))
}

func (d *Dispatcher) failThread(ctx context.Context, summary *Summary, threadID string, members []*models.Post, reason string) {
	for _, m := range members {
		if err := d.posts.MarkFailed(ctx, m.ID, reason); err != nil {
			slog.Info(err.Error())
		}
		d.record(ctx, m, reason)
	}
	summary.Failed += len(members)
	summary.Errors = append(summary.Errors, fmt.Sprintf("Thread %s: %s", threadID, reason))
}

func (d *Dispatcher) record(ctx context.Context, post *models.Post, errorMessage string) {
	if d.records == nil {
		return
	}
	dr := &models.DispatchRecord{
		UserID:       post.UserID,
		PostID:       post.ID,
		ErrorMessage: errorMessage,
	}
	if _, err := d.records.Create(ctx, dr); err != nil {
		log.Printf("saving dispatch record for post %d: %v", post.ID, err)
	}
}
