package models

import "time"

// User is a bot subscriber. Only the engagement fields are owned by this
// service, the identity fields are written by the bot registration flow.
type User struct {
	ID              int64     `db:"id" json:"id"`
	ChatID          string    `db:"chat_id" json:"chat_id"`
	UserName        string    `db:"user_name" json:"user_name"`
	FirstName       string    `db:"first_name" json:"first_name"`
	LastName        string    `db:"last_name" json:"last_name"`
	IsBlocked       bool      `db:"is_blocked" json:"is_blocked"`
	AttentionNeeded bool      `db:"attention_needed" json:"attention_needed"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Recipient pairs an internal user id with its chat identity
type Recipient struct {
	UserID int64  `db:"id" json:"user_id"`
	ChatID string `db:"chat_id" json:"chat_id"`
}
