package models

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
)

type Post struct {
	ID           int64          `db:"id" json:"id"`
	UserID       int64          `db:"user_id" json:"user_id"`
	Content      string         `db:"content" json:"content"`
	Images       pq.StringArray `db:"images" json:"images"`
	Status       string         `db:"status" json:"status"` // posted, scheduled, failed, draft
	ScheduledFor sql.NullTime   `db:"scheduled_for" json:"scheduled_for"`
	PostedAt     sql.NullTime   `db:"posted_at" json:"posted_at"`
	TweetID      sql.NullString `db:"tweet_id" json:"tweet_id"`
	ThreadID     sql.NullString `db:"thread_id" json:"thread_id"`
	ThreadOrder  int            `db:"thread_order" json:"thread_order"`
	ErrorMessage sql.NullString `db:"error_message" json:"error_message"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

const (
	PostStatusScheduled = "scheduled"
	PostStatusPosted    = "posted"
	PostStatusFailed    = "failed"
	PostStatusDraft     = "draft"
)

// IsThreadHead reports whether the post opens a thread. Only the head
// carries images; continuations are posted as replies to the previous
// member's tweet id.
func (p *Post) IsThreadHead() bool {
	return p.ThreadID.Valid && p.ThreadOrder == 1
}
