package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/promobot/internal/db"
	"github.com/foxzi/promobot/internal/models"
)

const couponColumns = `id, code, sales_rule_id, chat_id, max_uses, uses_count, used_at, is_sent, created_at`

var (
	// ErrUsesOverCap is returned by Patch when uses_count would exceed max_uses
	ErrUsesOverCap = errors.New("uses count exceeds max uses")
	// ErrUsesChanged is returned by Patch when uses_count moved since it was read
	ErrUsesChanged = errors.New("uses count changed concurrently")
)

type CouponRepository struct {
	db *db.DB
}

func NewCouponRepository(db *db.DB) *CouponRepository {
	return &CouponRepository{db: db}
}

// Create inserts a coupon code. A duplicate code is reported with an error
// for which db.IsUniqueViolation is true.
func (r *CouponRepository) Create(ctx context.Context, c *models.CouponCode) error {
	c.CreatedAt = now()
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(`
		INSERT INTO coupon_codes (code, sales_rule_id, chat_id, max_uses, uses_count, used_at, is_sent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		c.Code, c.SalesRuleID, c.ChatID, c.MaxUses, c.UsesCount, c.UsedAt, c.IsSent, c.CreatedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to create coupon: %w", err)
	}
	return nil
}

// GetByID returns a coupon by ID
func (r *CouponRepository) GetByID(ctx context.Context, id int64) (*models.CouponCode, error) {
	return r.get(ctx, `SELECT `+couponColumns+` FROM coupon_codes WHERE id = ?`, id)
}

// GetByCode returns a coupon by its code
func (r *CouponRepository) GetByCode(ctx context.Context, code string) (*models.CouponCode, error) {
	return r.get(ctx, `SELECT `+couponColumns+` FROM coupon_codes WHERE code = ?`, code)
}

func (r *CouponRepository) get(ctx context.Context, query string, arg any) (*models.CouponCode, error) {
	c := &models.CouponCode{}
	err := r.db.GetContext(ctx, c, r.db.Rebind(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// IncrementUse records one use if the coupon is under its cap. The check and
// the write are a single statement, so concurrent callers cannot exceed
// max_uses. It reports whether a row was updated.
func (r *CouponRepository) IncrementUse(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE coupon_codes SET uses_count = uses_count + 1, used_at = ?
		WHERE id = ? AND uses_count < max_uses`),
		at.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to increment coupon use: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkSent flags the coupon as delivered to its recipient
func (r *CouponRepository) MarkSent(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE coupon_codes SET is_sent = ? WHERE id = ?`), true, id)
	if err != nil {
		return fmt.Errorf("failed to mark coupon sent: %w", err)
	}
	return nil
}

// CouponPatch is an admin edit of the usage fields. Nil fields are left
// untouched. When UsesCount is set the write only lands if the stored
// uses_count still equals ReadUsesCount.
type CouponPatch struct {
	MaxUses       *int
	UsesCount     *int
	IsSent        *bool
	ReadUsesCount int
}

func (p CouponPatch) empty() bool {
	return p.MaxUses == nil && p.UsesCount == nil && p.IsSent == nil
}

// Patch applies p to the coupon and returns the stored result. It fails with
// ErrUsesOverCap when the edit would leave uses_count above max_uses and with
// ErrUsesChanged when a redemption landed after ReadUsesCount was taken.
func (r *CouponRepository) Patch(ctx context.Context, id int64, p CouponPatch) (*models.CouponCode, error) {
	if p.UsesCount != nil && *p.UsesCount < 0 {
		return nil, ErrUsesOverCap
	}
	if p.MaxUses != nil && p.UsesCount != nil && *p.UsesCount > *p.MaxUses {
		return nil, ErrUsesOverCap
	}
	if p.empty() {
		return r.existing(ctx, id)
	}

	var sets []string
	var setArgs []any
	where := " WHERE id = ?"
	whereArgs := []any{id}

	if p.MaxUses != nil {
		sets = append(sets, "max_uses = ?")
		setArgs = append(setArgs, *p.MaxUses)
	}
	if p.UsesCount != nil {
		sets = append(sets, "uses_count = ?")
		setArgs = append(setArgs, *p.UsesCount)
		where += " AND uses_count = ?"
		whereArgs = append(whereArgs, p.ReadUsesCount)
		if p.MaxUses == nil {
			where += " AND max_uses >= ?"
			whereArgs = append(whereArgs, *p.UsesCount)
		}
	} else if p.MaxUses != nil {
		where += " AND uses_count <= ?"
		whereArgs = append(whereArgs, *p.MaxUses)
	}
	if p.IsSent != nil {
		sets = append(sets, "is_sent = ?")
		setArgs = append(setArgs, *p.IsSent)
	}

	query := "UPDATE coupon_codes SET " + strings.Join(sets, ", ") + where
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), append(setArgs, whereArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to update coupon: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	current, err := r.existing(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return current, nil
	}
	if p.UsesCount != nil && current.UsesCount != p.ReadUsesCount {
		return nil, ErrUsesChanged
	}
	return nil, ErrUsesOverCap
}

func (r *CouponRepository) existing(ctx context.Context, id int64) (*models.CouponCode, error) {
	c, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, models.ErrNotFound
	}
	return c, nil
}

// List returns coupons matching the filter and the total count
func (r *CouponRepository) List(ctx context.Context, filter models.CouponFilter) ([]models.CouponCode, int, error) {
	where := " WHERE 1=1"
	args := []any{}

	if filter.SalesRuleID > 0 {
		where += " AND sales_rule_id = ?"
		args = append(args, filter.SalesRuleID)
	}
	switch filter.UsageStatus {
	case "used":
		where += " AND uses_count > 0"
	case "unused":
		where += " AND uses_count = 0"
	}
	if filter.DateFrom != nil {
		where += " AND created_at >= ?"
		args = append(args, filter.DateFrom.UTC())
	}
	if filter.DateTo != nil {
		where += " AND created_at <= ?"
		args = append(args, filter.DateTo.UTC())
	}

	var total int
	if err := r.db.GetContext(ctx, &total, r.db.Rebind("SELECT COUNT(*) FROM coupon_codes"+where), args...); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + couponColumns + " FROM coupon_codes" + where + " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	coupons := []models.CouponCode{}
	if err := r.db.SelectContext(ctx, &coupons, r.db.Rebind(query), args...); err != nil {
		return nil, 0, err
	}
	return coupons, total, nil
}
