package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/foxzi/promobot/internal/db"
	"github.com/foxzi/promobot/internal/models"
)

type SalesRuleRepository struct {
	db *db.DB
}

func NewSalesRuleRepository(db *db.DB) *SalesRuleRepository {
	return &SalesRuleRepository{db: db}
}

// Create creates a new sales rule
func (r *SalesRuleRepository) Create(ctx context.Context, rule *models.SalesRule) error {
	if rule.MaxUses <= 0 {
		rule.MaxUses = 1
	}
	rule.CreatedAt = now()

	err := r.db.QueryRowxContext(ctx, r.db.Rebind(`
		INSERT INTO sales_rules (name, description, image, max_uses, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`),
		rule.Name, rule.Description, rule.Image, rule.MaxUses, rule.CreatedAt,
	).Scan(&rule.ID)
	if err != nil {
		return fmt.Errorf("failed to create sales rule: %w", err)
	}
	return nil
}

// GetByID returns a sales rule by ID
func (r *SalesRuleRepository) GetByID(ctx context.Context, id int64) (*models.SalesRule, error) {
	rule := &models.SalesRule{}
	err := r.db.GetContext(ctx, rule, r.db.Rebind(`
		SELECT id, name, description, image, max_uses, created_at
		FROM sales_rules WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// LinkUser relates a user to a sales rule. It reports false when the link
// already existed.
func (r *SalesRuleRepository) LinkUser(ctx context.Context, userID, ruleID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, r.db.Rebind(`
		SELECT EXISTS(SELECT 1 FROM user_sales_rules WHERE user_id = ? AND sales_rule_id = ?)`),
		userID, ruleID)
	if err != nil {
		return false, fmt.Errorf("failed to check user link: %w", err)
	}
	if exists {
		return false, nil
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO user_sales_rules (user_id, sales_rule_id, created_at) VALUES (?, ?, ?)`),
		userID, ruleID, now())
	if db.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to link user: %w", err)
	}
	return true, nil
}

// Delete removes a sales rule with its coupons, user links and queue rows
func (r *SalesRuleRepository) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	statements := []string{
		`DELETE FROM coupon_codes WHERE sales_rule_id = ?`,
		`DELETE FROM user_sales_rules WHERE sales_rule_id = ?`,
		`DELETE FROM sales_rule_queue WHERE sales_rule_id = ?`,
	}
	for _, q := range statements {
		if _, err := tx.ExecContext(ctx, tx.Rebind(q), id); err != nil {
			return fmt.Errorf("failed to delete sales rule data: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sales_rules WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete sales rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}

	return tx.Commit()
}
