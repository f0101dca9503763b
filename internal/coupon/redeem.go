package coupon

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/foxzi/promobot/internal/metrics"
	"github.com/foxzi/promobot/internal/models"
	"github.com/foxzi/promobot/internal/repository"
)

// State of a redemption
type State string

const (
	StateRejected  State = "rejected"
	StateExhausted State = "exhausted"
	StateQueried   State = "queried"
	StateConfirmed State = "confirmed"
)

const orderMessage = "Доброго дня, бажаю зробити замовлення з SalesCode:\n"

// RedeemStore reads and increments coupons
type RedeemStore interface {
	GetByID(ctx context.Context, id int64) (*models.CouponCode, error)
	GetByCode(ctx context.Context, code string) (*models.CouponCode, error)
	IncrementUse(ctx context.Context, id int64, at time.Time) (bool, error)
}

// RuleReader loads sales rules
type RuleReader interface {
	GetByID(ctx context.Context, id int64) (*models.SalesRule, error)
}

// OwnerStore looks up coupon owners
type OwnerStore interface {
	GetByChatID(ctx context.Context, chatID string) (*models.User, error)
}

// ConfigStore reads runtime settings
type ConfigStore interface {
	Get(ctx context.Context, key, def string) (string, error)
}

// Query is the result of looking up a presented code
type Query struct {
	State  State              `json:"state"`
	Coupon *models.CouponCode `json:"coupon,omitempty"`
	Rule   *models.SalesRule  `json:"sales_rule,omitempty"`
	User   *models.User       `json:"user,omitempty"`
	Reason string             `json:"reason,omitempty"`
}

// Confirmation is the result of using a coupon
type Confirmation struct {
	State    State              `json:"state"`
	Coupon   *models.CouponCode `json:"coupon,omitempty"`
	OrderURL string             `json:"order_url,omitempty"`
}

// Redeemer validates presented codes and records their use
type Redeemer struct {
	coupons  RedeemStore
	rules    RuleReader
	users    OwnerStore
	settings ConfigStore
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewRedeemer creates a redeemer. m may be nil.
func NewRedeemer(coupons RedeemStore, rules RuleReader, users OwnerStore, settings ConfigStore, m *metrics.Metrics, logger *slog.Logger) *Redeemer {
	return &Redeemer{
		coupons:  coupons,
		rules:    rules,
		users:    users,
		settings: settings,
		metrics:  m,
		logger:   logger.With("component", "redeem"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NormalizeCode trims and upper-cases a presented code
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Lookup resolves a presented code. It does not change the coupon.
func (r *Redeemer) Lookup(ctx context.Context, code string) (*Query, error) {
	code = NormalizeCode(code)
	if code == "" {
		return &Query{State: StateRejected, Reason: "empty code"}, nil
	}

	c, err := r.coupons.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to find coupon: %w", err)
	}
	if c == nil {
		return &Query{State: StateRejected, Reason: "coupon not found"}, nil
	}

	user, err := r.users.GetByChatID(ctx, c.ChatID)
	if err != nil {
		return nil, fmt.Errorf("failed to find coupon owner: %w", err)
	}
	if user == nil {
		return &Query{State: StateRejected, Coupon: c, Reason: "owner not found"}, nil
	}

	rule, err := r.rules.GetByID(ctx, c.SalesRuleID)
	if err != nil {
		return nil, fmt.Errorf("failed to find sales rule: %w", err)
	}

	q := &Query{State: StateQueried, Coupon: c, Rule: rule, User: user}
	if c.Exhausted() {
		q.State = StateExhausted
	}
	return q, nil
}

// Confirm records one use of the coupon. The cap check and the increment
// happen in one statement, so two confirmations racing for the last use
// produce one Confirmed and one Exhausted.
func (r *Redeemer) Confirm(ctx context.Context, couponID int64) (*Confirmation, error) {
	ok, err := r.coupons.IncrementUse(ctx, couponID, r.now())
	if err != nil {
		return nil, err
	}

	c, err := r.coupons.GetByID(ctx, couponID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload coupon: %w", err)
	}

	if !ok {
		if c == nil {
			r.metrics.IncRedemption(string(StateRejected))
			return &Confirmation{State: StateRejected}, nil
		}
		r.metrics.IncRedemption(string(StateExhausted))
		return &Confirmation{State: StateExhausted, Coupon: c}, nil
	}
	if c == nil {
		// Deleted between the increment and the reload
		r.metrics.IncRedemption(string(StateRejected))
		return &Confirmation{State: StateRejected}, nil
	}

	orderURL, err := r.orderURL(ctx, c.Code)
	if err != nil {
		r.logger.Warn("failed to build order url", "coupon_id", c.ID, "error", err)
	}

	r.metrics.IncRedemption(string(StateConfirmed))
	r.logger.Info("coupon used",
		"coupon_id", c.ID,
		"code", c.Code,
		"uses_count", c.UsesCount,
		"max_uses", c.MaxUses,
	)
	return &Confirmation{State: StateConfirmed, Coupon: c, OrderURL: orderURL}, nil
}

func (r *Redeemer) orderURL(ctx context.Context, code string) (string, error) {
	if r.settings == nil {
		return "", nil
	}

	base, err := r.settings.Get(ctx, repository.SettingAdminPath, "")
	if err != nil {
		return "", err
	}
	if base == "" {
		return "", nil
	}
	return OrderURL(base, code), nil
}

// OrderURL builds the link that opens an order conversation for code
func OrderURL(base, code string) string {
	return base + "?text=" + url.QueryEscape(orderMessage+code)
}
