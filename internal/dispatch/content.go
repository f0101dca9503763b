package dispatch

import (
	"context"

	"github.com/foxzi/promobot/internal/models"
)

// PostStore loads posts
type PostStore interface {
	GetByID(ctx context.Context, id int64) (*models.Post, error)
}

// PostSender delivers a post to one chat
type PostSender interface {
	SendPost(ctx context.Context, chatID string, post *models.Post) error
}

// PostContent drains the post queue
type PostContent struct {
	posts  PostStore
	sender PostSender
}

// NewPostContent creates the post content handler
func NewPostContent(posts PostStore, sender PostSender) *PostContent {
	return &PostContent{posts: posts, sender: sender}
}

func (c *PostContent) Lookup(ctx context.Context, id int64) (*models.Post, error) {
	return c.posts.GetByID(ctx, id)
}

func (c *PostContent) Deliver(ctx context.Context, post *models.Post, rc models.Recipient) error {
	return c.sender.SendPost(ctx, rc.ChatID, post)
}

// SalesRuleStore loads sales rules
type SalesRuleStore interface {
	GetByID(ctx context.Context, id int64) (*models.SalesRule, error)
}

// CouponIssuer mints a coupon for one recipient and notifies them
type CouponIssuer interface {
	IssueOne(ctx context.Context, rule *models.SalesRule, chatID string) (*models.CouponCode, error)
}

// SalesRuleContent drains the sales rule queue. Delivering means issuing a
// coupon and sending it.
type SalesRuleContent struct {
	rules  SalesRuleStore
	issuer CouponIssuer
}

// NewSalesRuleContent creates the sales rule content handler
func NewSalesRuleContent(rules SalesRuleStore, issuer CouponIssuer) *SalesRuleContent {
	return &SalesRuleContent{rules: rules, issuer: issuer}
}

func (c *SalesRuleContent) Lookup(ctx context.Context, id int64) (*models.SalesRule, error) {
	return c.rules.GetByID(ctx, id)
}

func (c *SalesRuleContent) Deliver(ctx context.Context, rule *models.SalesRule, rc models.Recipient) error {
	_, err := c.issuer.IssueOne(ctx, rule, rc.ChatID)
	return err
}

// ExistsBy adapts a lookup to an ExistsFunc
func ExistsBy[C any](lookup func(ctx context.Context, id int64) (*C, error)) ExistsFunc {
	return func(ctx context.Context, id int64) (bool, error) {
		c, err := lookup(ctx, id)
		if err != nil {
			return false, err
		}
		return c != nil, nil
	}
}
