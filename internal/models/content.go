package models

import "time"

// Post is broadcast content delivered through the post queue
type Post struct {
	ID           int64     `db:"id" json:"id"`
	Image        string    `db:"image" json:"image"`
	Description  string    `db:"description" json:"description"`
	LinkToButton string    `db:"link_to_button" json:"link_to_button"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// SalesRule is a campaign definition. Its coupons copy MaxUses at issuance.
type SalesRule struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	Image       string    `db:"image" json:"image"`
	MaxUses     int       `db:"max_uses" json:"max_uses"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// CouponCode is a redemption code issued to one recipient
type CouponCode struct {
	ID          int64      `db:"id" json:"id"`
	Code        string     `db:"code" json:"code"`
	SalesRuleID int64      `db:"sales_rule_id" json:"sales_rule_id"`
	ChatID      string     `db:"chat_id" json:"chat_id"`
	MaxUses     int        `db:"max_uses" json:"max_uses"`
	UsesCount   int        `db:"uses_count" json:"uses_count"`
	UsedAt      *time.Time `db:"used_at" json:"used_at,omitempty"`
	IsSent      bool       `db:"is_sent" json:"is_sent"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// Exhausted reports whether the code has no uses left
func (c *CouponCode) Exhausted() bool {
	return c.UsesCount >= c.MaxUses
}

// CouponFilter for listing coupon codes
type CouponFilter struct {
	SalesRuleID int64
	UsageStatus string // used, unused
	DateFrom    *time.Time
	DateTo      *time.Time
	Limit       int
	Offset      int
}
