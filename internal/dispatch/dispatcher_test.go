package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"featherpost/internal/models"
)

var testNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

// fakePostStore is an in-memory stand-in for the Postgres repository.
type fakePostStore struct {
	posts      map[int64]*models.Post
	nextID     int64
	listDueErr error
}

func newFakePostStore() *fakePostStore {
	return &fakePostStore{posts: make(map[int64]*models.Post), nextID: 1}
}

func (f *fakePostStore) add(post *models.Post) *models.Post {
	if post.ID == 0 {
		post.ID = f.nextID
		f.nextID++
	} else if post.ID >= f.nextID {
		f.nextID = post.ID + 1
	}
	f.posts[post.ID] = post
	return post
}

func (f *fakePostStore) Create(ctx context.Context, tx *sql.Tx, post *models.Post) (int64, error) {
	clone := *post
	f.add(&clone)
	return clone.ID, nil
}

func (f *fakePostStore) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	return f.posts[id], nil
}

func (f *fakePostStore) GetByUserID(ctx context.Context, userID int64) ([]*models.Post, error) {
	var out []*models.Post
	for _, p := range f.posts {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePostStore) ListDue(ctx context.Context, limit int, asOf time.Time) ([]*models.Post, error) {
	if f.listDueErr != nil {
		return nil, f.listDueErr
	}
	var due []*models.Post
	for _, p := range f.posts {
		if p.Status == models.PostStatusScheduled && p.ScheduledFor.Valid && !p.ScheduledFor.Time.After(asOf) {
			due = append(due, p)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledFor.Time.Equal(due[j].ScheduledFor.Time) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledFor.Time.Before(due[j].ScheduledFor.Time)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (f *fakePostStore) ListThreadMembers(ctx context.Context, threadID string) ([]*models.Post, error) {
	var members []*models.Post
	for _, p := range f.posts {
		if p.ThreadID.Valid && p.ThreadID.String == threadID {
			members = append(members, p)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ThreadOrder < members[j].ThreadOrder })
	return members, nil
}

func (f *fakePostStore) CountByStatusInWindow(ctx context.Context, userID int64, status string, start, end time.Time) (int, error) {
	count := 0
	for _, p := range f.posts {
		if p.UserID != userID || p.Status != status {
			continue
		}
		ts := p.ScheduledFor
		if status == models.PostStatusPosted {
			ts = p.PostedAt
		}
		if ts.Valid && !ts.Time.Before(start) && !ts.Time.After(end) {
			count++
		}
	}
	return count, nil
}

func (f *fakePostStore) MarkPosted(ctx context.Context, postID int64, tweetID string, postedAt time.Time) error {
	p := f.posts[postID]
	p.Status = models.PostStatusPosted
	p.TweetID = sql.NullString{String: tweetID, Valid: true}
	p.PostedAt = sql.NullTime{Time: postedAt, Valid: true}
	return nil
}

func (f *fakePostStore) MarkFailed(ctx context.Context, postID int64, reason string) error {
	p := f.posts[postID]
	p.Status = models.PostStatusFailed
	p.ErrorMessage = sql.NullString{String: reason, Valid: true}
	return nil
}

func (f *fakePostStore) UpdateStatus(ctx context.Context, status string, postID int64) error {
	f.posts[postID].Status = status
	return nil
}

func (f *fakePostStore) CheckByUserID(ctx context.Context, postID, userID int64) (bool, error) {
	p, ok := f.posts[postID]
	return ok && p.UserID == userID, nil
}

func (f *fakePostStore) Remove(ctx context.Context, id int64) error {
	delete(f.posts, id)
	return nil
}

type fakeRecordStore struct {
	records []*models.DispatchRecord
}

func (f *fakeRecordStore) Create(ctx context.Context, dr *models.DispatchRecord) (int64, error) {
	f.records = append(f.records, dr)
	return int64(len(f.records)), nil
}

func (f *fakeRecordStore) GetByUserID(ctx context.Context, userID int64) ([]*models.DispatchRecord, error) {
	return f.records, nil
}

type fakeCredentials struct {
	token string
	err   error
}

func (f *fakeCredentials) GetValidCredential(ctx context.Context, userID int64) (string, error) {
	return f.token, f.err
}

// fakePublisher returns sequential tweet ids and can be told to fail at
// a given call index.
type fakePublisher struct {
	calls        int
	failAtCall   int // 1-based; 0 means never
	failWith     error
	threadCalls  [][]string
	threadImages [][]string
	threadIDs    []string
}

func (f *fakePublisher) PublishTweet(ctx context.Context, accessToken, text string, imageURLs []string) (string, error) {
	f.calls++
	if f.failAtCall != 0 && f.calls >= f.failAtCall {
		return "", f.failWith
	}
	return fmt.Sprintf("tweet-%d", f.calls), nil
}

func (f *fakePublisher) PublishThread(ctx context.Context, accessToken string, texts []string, imageURLs []string) ([]string, error) {
	f.calls++
	f.threadCalls = append(f.threadCalls, texts)
	f.threadImages = append(f.threadImages, imageURLs)
	if f.failAtCall != 0 && f.calls >= f.failAtCall {
		return nil, f.failWith
	}
	if f.threadIDs != nil {
		return f.threadIDs, nil
	}
	ids := make([]string, len(texts))
	for i := range texts {
		ids[i] = fmt.Sprintf("tweet-%d-%d", f.calls, i+1)
	}
	return ids, nil
}

func newTestDispatcher(store *fakePostStore, pub Publisher, creds CredentialProvider, dailyMax, monthlyMax, batchCap int) (*Dispatcher, *fakeRecordStore) {
	records := &fakeRecordStore{}
	quota := NewQuotaLedger(store, dailyMax, monthlyMax)
	pacer := NewPacer(time.Millisecond, nil)
	d := NewDispatcher(store, records, creds, pub, quota, pacer, batchCap)
	d.now = func() time.Time { return testNow }
	d.sleep = func(time.Duration) {}
	return d, records
}

func duePost(userID int64, content string) *models.Post {
	return &models.Post{
		UserID:       userID,
		Content:      content,
		Status:       models.PostStatusScheduled,
		ScheduledFor: sql.NullTime{Time: testNow.Add(-time.Minute), Valid: true},
	}
}

func postedToday(userID int64) *models.Post {
	return &models.Post{
		UserID:   userID,
		Content:  "already out",
		Status:   models.PostStatusPosted,
		PostedAt: sql.NullTime{Time: testNow.Add(-2 * time.Hour), Valid: true},
	}
}

func dueThread(store *fakePostStore, userID int64, threadID string, contents []string, images []string) []*models.Post {
	members := make([]*models.Post, len(contents))
	for i, content := range contents {
		p := duePost(userID, content)
		p.ThreadID = sql.NullString{String: threadID, Valid: true}
		p.ThreadOrder = i + 1
		if i == 0 {
			p.Images = images
		}
		members[i] = store.add(p)
	}
	return members
}

func TestDispatchSinglePostSuccess(t *testing.T) {
	store := newFakePostStore()
	post := store.add(duePost(1, "hello world"))

	d, records := newTestDispatcher(store, &fakePublisher{}, &fakeCredentials{token: "tok"}, 17, 500, 10)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 0, summary.Failed)
	assert.Empty(t, summary.Errors)

	assert.Equal(t, models.PostStatusPosted, post.Status)
	assert.Equal(t, "tweet-1", post.TweetID.String)
	assert.True(t, post.PostedAt.Valid)
	require.Len(t, records.records, 1)
	assert.Empty(t, records.records[0].ErrorMessage)
}

func TestDispatchEmptyPass(t *testing.T) {
	store := newFakePostStore()
	d, _ := newTestDispatcher(store, &fakePublisher{}, &fakeCredentials{token: "tok"}, 17, 500, 10)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
}

func TestDispatchDiscoveryFailureFailsPass(t *testing.T) {
	store := newFakePostStore()
	store.listDueErr = errors.New("connection refused")
	d, _ := newTestDispatcher(store, &fakePublisher{}, &fakeCredentials{token: "tok"}, 17, 500, 10)

	_, err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing due posts")
}

func TestDispatchDraftsNeverDiscovered(t *testing.T) {
	store := newFakePostStore()
	draft := store.add(&models.Post{
		UserID:       1,
		Content:      "not ready",
		Status:       models.PostStatusDraft,
		ScheduledFor: sql.NullTime{Time: testNow.Add(-time.Hour), Valid: true},
	})

	d, _ := newTestDispatcher(store, &fakePublisher{}, &fakeCredentials{token: "tok"}, 17, 500, 10)
	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, models.PostStatusDraft, draft.Status)

	// Flipping the status makes the same post eligible.
	draft.Status = models.PostStatusScheduled
	summary, err = d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Successful)
}

func TestDispatchDailyLimitReached(t *testing.T) {
	store := newFakePostStore()
	for i := 0; i < 17; i++ {
		store.add(postedToday(1))
	}
	post := store.add(duePost(1, "one too many"))

	pub := &fakePublisher{}
	d, _ := newTestDispatcher(store, pub, &fakeCredentials{token: "tok"}, 17, 500, 10)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "Daily limit reached")

	assert.Equal(t, models.PostStatusFailed, post.Status)
	assert.Contains(t, post.ErrorMessage.String, "Daily limit reached")
	assert.Zero(t, pub.calls)
}

func TestDispatchQuotaRecomputedPerItem(t *testing.T) {
	// Scheduled posts count against the window alongside posted ones, so
	// three due posts against a ceiling of two over-commit the day. The
	// windows are recomputed fresh per item: each failure frees allowance
	// for the items after it.
	store := newFakePostStore()
	posts := make([]*models.Post, 3)
	for i := range posts {
		p := duePost(1, fmt.Sprintf("post %d", i))
		p.ScheduledFor = sql.NullTime{Time: testNow.Add(time.Duration(i-5) * time.Minute), Valid: true}
		posts[i] = store.add(p)
	}

	d, _ := newTestDispatcher(store, &fakePublisher{}, &fakeCredentials{token: "tok"}, 2, 500, 10)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, models.PostStatusFailed, posts[0].Status)
	assert.Contains(t, posts[0].ErrorMessage.String, "Daily limit reached")
	assert.Equal(t, models.PostStatusFailed, posts[1].Status)
	assert.Equal(t, models.PostStatusPosted, posts[2].Status)
}

func TestDispatchNoCredential(t *testing.T) {
	store := newFakePostStore()
	post := store.add(duePost(1, "orphaned"))

	d, _ := newTestDispatcher(store, &fakePublisher{}, &fakeCredentials{token: ""}, 17, 500, 10)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, models.PostStatusFailed, post.Status)
	assert.Contains(t, post.ErrorMessage.String, "No valid Twitter credentials")
}

func TestDispatchThreadSuccess(t *testing.T) {
	store := newFakePostStore()
	members := dueThread(store, 1, "th-1", []string{"one", "two", "three"}, []string{"https://img/1.png"})

	pub := &fakePublisher{}
	d, _ := newTestDispatcher(store, pub, &fakeCredentials{token: "tok"}, 17, 500, 10)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 0, summary.Failed)

	require.Len(t, pub.threadCalls, 1)
	assert.Equal(t, []string{"one", "two", "three"}, pub.threadCalls[0])
	assert.Equal(t, []string{"https://img/1.png"}, pub.threadImages[0])

	seen := map[string]bool{}
	for _, m := range members {
		assert.Equal(t, models.PostStatusPosted, m.Status)
		assert.True(t, m.TweetID.Valid)
		assert.False(t, seen[m.TweetID.String], "tweet ids must be distinct")
		seen[m.TweetID.String] = true
	}
}

func TestDispatchThreadPublishedOncePerBatch(t *testing.T) {
	// Both members are due, so discovery returns both in the same batch;
	// the group is published when its first member is encountered and the
	// second occurrence is skipped without counting as a processed item.
	store := newFakePostStore()
	members := dueThread(store, 1, "th-batch", []string{"head", "tail"}, nil)

	pub := &fakePublisher{}
	d, records := newTestDispatcher(store, pub, &fakeCredentials{token: "tok"}, 17, 500, 10)

	due, err := store.ListDue(context.Background(), 10, testNow)
	require.NoError(t, err)
	require.Len(t, due, 2)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 1, pub.calls)
	require.Len(t, pub.threadCalls, 1)

	for _, m := range members {
		assert.Equal(t, models.PostStatusPosted, m.Status)
	}
	// One audit row per member, none duplicated.
	assert.Len(t, records.records, 2)
}

func TestDispatchCredentialStoreErrorLeavesScheduled(t *testing.T) {
	store := newFakePostStore()
	post := store.add(duePost(1, "transient"))

	creds := &fakeCredentials{err: errors.New("connection refused")}
	d, _ := newTestDispatcher(store, &fakePublisher{}, creds, 17, 500, 10)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "resolving credentials")

	// The post is not terminally failed; the next pass retries it.
	assert.Equal(t, models.PostStatusScheduled, post.Status)
	assert.False(t, post.ErrorMessage.Valid)
}

func TestDispatchCredentialStoreErrorLeavesThreadScheduled(t *testing.T) {
	store := newFakePostStore()
	members := dueThread(store, 1, "th-cred", []string{"one", "two"}, nil)

	creds := &fakeCredentials{err: errors.New("connection refused")}
	d, _ := newTestDispatcher(store, &fakePublisher{}, creds, 17, 500, 10)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	for _, m := range members {
		assert.Equal(t, models.PostStatusScheduled, m.Status)
	}
}

func TestDispatchThreadAdmissionMatchesSingle(t *testing.T) {
	// A one-post thread must behave exactly like a single post at the
	// admission boundary.
	store := newFakePostStore()
	for i := 0; i < 17; i++ {
		store.add(postedToday(1))
	}
	members := dueThread(store, 1, "th-solo", []string{"alone"}, nil)

	d, _ := newTestDispatcher(store, &fakePublisher{}, &fakeCredentials{token: "tok"}, 17, 500, 10)
	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, models.PostStatusFailed, members[0].Status)
}

func TestDispatchThreadQuotaInsufficient(t *testing.T) {
	store := newFakePostStore()
	for i := 0; i < 15; i++ {
		store.add(postedToday(1))
	}
	members := dueThread(store, 1, "th-2", []string{"one", "two", "three"}, nil)

	pub := &fakePublisher{}
	d, _ := newTestDispatcher(store, pub, &fakeCredentials{token: "tok"}, 17, 500, 10)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Successful)
	assert.Equal(t, 3, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "Daily limit insufficient")

	for _, m := range members {
		assert.Equal(t, models.PostStatusFailed, m.Status)
		assert.Contains(t, m.ErrorMessage.String, "Daily limit insufficient")
	}
	assert.Zero(t, pub.calls)
}

func TestDispatchThreadPublishFailureFailsAllMembers(t *testing.T) {
	store := newFakePostStore()
	members := dueThread(store, 1, "th-3", []string{"one", "two"}, nil)

	pub := &fakePublisher{failAtCall: 1, failWith: errors.New("twitter rejected tweet (status 403): forbidden")}
	d, _ := newTestDispatcher(store, pub, &fakeCredentials{token: "tok"}, 17, 500, 10)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Failed)
	for _, m := range members {
		assert.Equal(t, models.PostStatusFailed, m.Status)
	}
}

func TestDispatchThreadShortIDListReusesLast(t *testing.T) {
	store := newFakePostStore()
	members := dueThread(store, 1, "th-4", []string{"one", "two", "three"}, nil)

	pub := &fakePublisher{threadIDs: []string{"100", "101"}}
	d, _ := newTestDispatcher(store, pub, &fakeCredentials{token: "tok"}, 17, 500, 10)

	_, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "100", members[0].TweetID.String)
	assert.Equal(t, "101", members[1].TweetID.String)
	assert.Equal(t, "101", members[2].TweetID.String)
}

func TestDispatchRateLimitAbortsPass(t *testing.T) {
	store := newFakePostStore()
	posts := make([]*models.Post, 6)
	for i := range posts {
		p := duePost(1, fmt.Sprintf("post %d", i))
		p.ScheduledFor = sql.NullTime{Time: testNow.Add(time.Duration(i-10) * time.Minute), Valid: true}
		posts[i] = store.add(p)
	}

	pub := &fakePublisher{failAtCall: 4, failWith: errors.New("twitter rejected tweet (status 429): Too Many Requests")}
	d, _ := newTestDispatcher(store, pub, &fakeCredentials{token: "tok"}, 17, 500, 10)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 4, summary.Processed)
	assert.Contains(t, summary.Errors[len(summary.Errors)-1], "Rate limit reached")

	// Items before the limit are posted; the rate-limited item and
	// everything after it keep their scheduled status untouched.
	for i := 0; i < 3; i++ {
		assert.Equal(t, models.PostStatusPosted, posts[i].Status)
	}
	for i := 3; i < 6; i++ {
		assert.Equal(t, models.PostStatusScheduled, posts[i].Status, "post %d must stay scheduled", i)
		assert.False(t, posts[i].TweetID.Valid)
	}
}

func TestDispatchBatchCap(t *testing.T) {
	store := newFakePostStore()
	for i := 0; i < 25; i++ {
		p := duePost(1, fmt.Sprintf("post %d", i))
		p.ScheduledFor = sql.NullTime{Time: testNow.Add(time.Duration(i-60) * time.Minute), Valid: true}
		store.add(p)
	}

	d, _ := newTestDispatcher(store, &fakePublisher{}, &fakeCredentials{token: "tok"}, 500, 500, 10)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, summary.Processed)
}

func TestDispatchNonRateLimitFailureContinues(t *testing.T) {
	store := newFakePostStore()
	first := duePost(1, "bad")
	first.ScheduledFor = sql.NullTime{Time: testNow.Add(-2 * time.Minute), Valid: true}
	store.add(first)
	second := duePost(1, "good")
	store.add(second)

	pub := &fakePublisher{failAtCall: 1, failWith: errors.New("twitter rejected tweet (status 403): duplicate content")}
	d, _ := newTestDispatcher(store, pub, &fakeCredentials{token: "tok"}, 17, 500, 10)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)

	// Publisher keeps failing (failAtCall is sticky), so both fail, but
	// the pass itself runs to completion.
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, models.PostStatusFailed, first.Status)
	assert.Equal(t, models.PostStatusFailed, second.Status)
}
