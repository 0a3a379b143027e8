package models

import "time"

// DispatchRecord is one audit row per dispatched item, kept so failed
// posts can surface their reason through the ordinary read path.
type DispatchRecord struct {
	ID           int64     `db:"id" json:"id"`
	UserID       int64     `db:"user_id" json:"user_id"`
	PostID       int64     `db:"post_id" json:"post_id"`
	ErrorMessage string    `db:"error_message" json:"error_message"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
