// Package coupon issues redemption codes for sales rules and redeems them.
package coupon

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/foxzi/promobot/internal/db"
	"github.com/foxzi/promobot/internal/metrics"
	"github.com/foxzi/promobot/internal/models"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 10

	// maxCodeAttempts bounds redraws after a code collision
	maxCodeAttempts = 5
)

var alphabetSize = big.NewInt(int64(len(codeAlphabet)))

// IssueCode returns a random code of codeLength symbols from [A-Z0-9]
func IssueCode() (string, error) {
	b := make([]byte, codeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b), nil
}

// CouponStore persists coupon codes
type CouponStore interface {
	Create(ctx context.Context, c *models.CouponCode) error
	MarkSent(ctx context.Context, id int64) error
}

// RuleStore loads sales rules and links users to them
type RuleStore interface {
	GetByID(ctx context.Context, id int64) (*models.SalesRule, error)
	LinkUser(ctx context.Context, userID, ruleID int64) (bool, error)
}

// UserStore looks up coupon owners
type UserStore interface {
	GetByChatID(ctx context.Context, chatID string) (*models.User, error)
	Touch(ctx context.Context, userID int64) error
}

// Notifier sends an issued coupon to its owner
type Notifier interface {
	SendCoupon(ctx context.Context, chatID string, rule *models.SalesRule, coupon *models.CouponCode) error
}

// Resetter clears the attention flag of reached recipients
type Resetter interface {
	ResetByChatIDs(ctx context.Context, chatIDs []string) (int64, error)
}

// IssueResult summarizes a campaign send
type IssueResult struct {
	Coupons []*models.CouponCode `json:"coupons"`
	Errors  []models.ItemError   `json:"errors"`
}

// Issuer mints coupons bound to a sales rule and a recipient
type Issuer struct {
	coupons    CouponStore
	rules      RuleStore
	users      UserStore
	notifier   Notifier
	engagement Resetter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	newCode    func() (string, error)
}

// NewIssuer creates an issuer. engagement and m may be nil.
func NewIssuer(coupons CouponStore, rules RuleStore, users UserStore, notifier Notifier, engagement Resetter, m *metrics.Metrics, logger *slog.Logger) *Issuer {
	return &Issuer{
		coupons:    coupons,
		rules:      rules,
		users:      users,
		notifier:   notifier,
		engagement: engagement,
		metrics:    m,
		logger:     logger.With("component", "coupon"),
		newCode:    IssueCode,
	}
}

// IssueOne creates a coupon for chatID and notifies the recipient. When the
// notification fails the coupon is kept and returned together with the
// error; it stays unsent.
func (i *Issuer) IssueOne(ctx context.Context, rule *models.SalesRule, chatID string) (*models.CouponCode, error) {
	c, err := i.create(ctx, rule, chatID)
	if err != nil {
		return nil, err
	}
	i.metrics.IncCouponsIssued()

	i.link(ctx, rule, chatID)

	if err := i.notifier.SendCoupon(ctx, chatID, rule, c); err != nil {
		i.metrics.IncCouponNotifyFailed()
		i.logger.Warn("failed to send coupon",
			"chat_id", chatID,
			"sales_rule_id", rule.ID,
			"coupon_id", c.ID,
			"error", err,
		)
		return c, fmt.Errorf("failed to notify %s: %w", chatID, err)
	}

	if err := i.coupons.MarkSent(ctx, c.ID); err != nil {
		i.logger.Warn("failed to mark coupon sent", "coupon_id", c.ID, "error", err)
	} else {
		c.IsSent = true
	}
	return c, nil
}

func (i *Issuer) create(ctx context.Context, rule *models.SalesRule, chatID string) (*models.CouponCode, error) {
	var lastErr error
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := i.newCode()
		if err != nil {
			return nil, err
		}

		c := &models.CouponCode{
			Code:        code,
			SalesRuleID: rule.ID,
			ChatID:      chatID,
			MaxUses:     rule.MaxUses,
		}
		err = i.coupons.Create(ctx, c)
		if err == nil {
			return c, nil
		}
		if !db.IsUniqueViolation(err) {
			return nil, err
		}

		i.logger.Debug("coupon code collision, drawing again", "attempt", attempt+1)
		lastErr = err
	}
	return nil, fmt.Errorf("failed to draw a unique code after %d attempts: %w", maxCodeAttempts, lastErr)
}

// link relates the recipient to the rule. A first link counts as contact and
// advances the user's updated_at. Failures are only logged.
func (i *Issuer) link(ctx context.Context, rule *models.SalesRule, chatID string) {
	user, err := i.users.GetByChatID(ctx, chatID)
	if err != nil {
		i.logger.Warn("failed to look up coupon owner", "chat_id", chatID, "error", err)
		return
	}
	if user == nil {
		return
	}

	created, err := i.rules.LinkUser(ctx, user.ID, rule.ID)
	if err != nil {
		i.logger.Warn("failed to link user to sales rule", "user_id", user.ID, "sales_rule_id", rule.ID, "error", err)
		return
	}
	if !created {
		return
	}

	if err := i.users.Touch(ctx, user.ID); err != nil {
		i.logger.Warn("failed to touch user", "user_id", user.ID, "error", err)
	}
}

// IssueForCampaign issues a coupon of ruleID to every chat id right away.
// Recipients that were notified get their attention flag cleared.
func (i *Issuer) IssueForCampaign(ctx context.Context, ruleID int64, chatIDs []string) (*IssueResult, error) {
	rule, err := i.rules.GetByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, fmt.Errorf("sales rule %d: %w", ruleID, models.ErrNotFound)
	}

	result := &IssueResult{
		Coupons: []*models.CouponCode{},
		Errors:  []models.ItemError{},
	}
	var reached []string

	for _, chatID := range chatIDs {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, models.ItemError{ChatID: chatID, Error: ctx.Err().Error()})
			continue
		}

		c, err := i.IssueOne(ctx, rule, chatID)
		if c != nil {
			result.Coupons = append(result.Coupons, c)
		}
		if err != nil {
			result.Errors = append(result.Errors, models.ItemError{ChatID: chatID, Error: err.Error()})
			continue
		}
		reached = append(reached, chatID)
	}

	if len(reached) > 0 && i.engagement != nil {
		if _, err := i.engagement.ResetByChatIDs(ctx, reached); err != nil {
			i.logger.Error("failed to reset attention", "error", err)
		}
	}

	i.logger.Info("campaign coupons issued",
		"sales_rule_id", ruleID,
		"requested", len(chatIDs),
		"issued", len(result.Coupons),
		"errors", len(result.Errors),
	)
	return result, nil
}
