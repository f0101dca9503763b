package models

import "time"

// QueueKind identifies one of the dispatch queues
type QueueKind string

const (
	QueuePost      QueueKind = "post"
	QueueSalesRule QueueKind = "sales_rule"
)

// QueueItem is a pending "send this content to this user" entry
type QueueItem struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	ContentID int64     `db:"content_id" json:"content_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// QueueStats describes the backlog of a queue
type QueueStats struct {
	TotalItems int64      `json:"totalItems"`
	OldestItem *time.Time `json:"oldestItem"`
	NewestItem *time.Time `json:"newestItem"`
}

// ItemError is a failure local to one recipient
type ItemError struct {
	ChatID string `json:"chat_id,omitempty"`
	Error  string `json:"error"`
}

// EnqueueResult summarizes a bulk enqueue
type EnqueueResult struct {
	AddedCount   int         `json:"addedCount"`
	SkippedCount int         `json:"skippedCount"`
	Errors       []ItemError `json:"errors"`
}
