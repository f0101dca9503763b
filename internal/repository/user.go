package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/foxzi/promobot/internal/db"
	"github.com/foxzi/promobot/internal/models"
)

const userColumns = `id, chat_id, user_name, first_name, last_name, is_blocked, attention_needed, created_at, updated_at`

type UserRepository struct {
	db *db.DB
}

func NewUserRepository(db *db.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create registers a new user
func (r *UserRepository) Create(ctx context.Context, u *models.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now()
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}

	err := r.db.QueryRowxContext(ctx, r.db.Rebind(`
		INSERT INTO users (chat_id, user_name, first_name, last_name, is_blocked, attention_needed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		u.ChatID, u.UserName, u.FirstName, u.LastName, u.IsBlocked, u.AttentionNeeded, u.CreatedAt.UTC(), u.UpdatedAt.UTC(),
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// Register creates the user or refreshes the profile of an existing one.
// Either way the user is unblocked and updated_at moves to now, which counts
// as contact for the attention scan.
func (r *UserRepository) Register(ctx context.Context, u *models.User) error {
	ts := now()
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(`
		INSERT INTO users (chat_id, user_name, first_name, last_name, is_blocked, attention_needed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id) DO UPDATE SET
			user_name = excluded.user_name,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			is_blocked = excluded.is_blocked,
			updated_at = excluded.updated_at
		RETURNING id`),
		u.ChatID, u.UserName, u.FirstName, u.LastName, false, false, ts, ts,
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}
	u.IsBlocked = false
	u.UpdatedAt = ts
	return nil
}

// GetByID returns a user by internal id
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	u := &models.User{}
	err := r.db.GetContext(ctx, u, r.db.Rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetByChatID returns a user by chat id
func (r *UserRepository) GetByChatID(ctx context.Context, chatID string) (*models.User, error) {
	u := &models.User{}
	err := r.db.GetContext(ctx, u, r.db.Rebind(`SELECT `+userColumns+` FROM users WHERE chat_id = ?`), chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ResolveChatIDs maps the known chat ids to internal user ids. Unknown ids
// are absent from the result.
func (r *UserRepository) ResolveChatIDs(ctx context.Context, chatIDs []string) (map[string]int64, error) {
	rows, err := selectIn[models.Recipient](ctx, r.db, `SELECT id, chat_id FROM users WHERE chat_id IN (?)`, chatIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chat ids: %w", err)
	}

	ids := make(map[string]int64, len(rows))
	for _, rc := range rows {
		ids[rc.ChatID] = rc.UserID
	}
	return ids, nil
}

// ListRecipientsByIDs returns chat ids for the given user ids in one query
func (r *UserRepository) ListRecipientsByIDs(ctx context.Context, ids []int64) ([]models.Recipient, error) {
	rows, err := selectIn[models.Recipient](ctx, r.db, `SELECT id, chat_id FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	return rows, nil
}

// ListActive returns every user that has not blocked the bot
func (r *UserRepository) ListActive(ctx context.Context) ([]models.Recipient, error) {
	var rows []models.Recipient
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT id, chat_id FROM users WHERE is_blocked = ? ORDER BY id`), false)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	return rows, nil
}

// ListAttentionNeeded returns active users currently flagged for re-engagement
func (r *UserRepository) ListAttentionNeeded(ctx context.Context) ([]models.Recipient, error) {
	var rows []models.Recipient
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT id, chat_id FROM users
		WHERE is_blocked = ? AND attention_needed = ? ORDER BY id`), false, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list attention users: %w", err)
	}
	return rows, nil
}

// FlagStale sets attention_needed on users last contacted before cutoff.
// updated_at is not part of the statement and keeps its value.
func (r *UserRepository) FlagStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE users SET attention_needed = ?
		WHERE updated_at < ? AND attention_needed = ?`),
		true, cutoff.UTC(), false,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to flag stale users: %w", err)
	}
	return res.RowsAffected()
}

// UnflagFresh clears attention_needed on users contacted at or after cutoff
func (r *UserRepository) UnflagFresh(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE users SET attention_needed = ?
		WHERE updated_at >= ? AND attention_needed = ?`),
		false, cutoff.UTC(), true,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to unflag fresh users: %w", err)
	}
	return res.RowsAffected()
}

// ResetAttention clears the flag for the given chat ids and records the
// contact in updated_at, so the next scan does not flag them again.
// Unknown ids are ignored.
func (r *UserRepository) ResetAttention(ctx context.Context, chatIDs []string) (int64, error) {
	if len(chatIDs) == 0 {
		return 0, nil
	}

	n, err := execIn(ctx, r.db, `UPDATE users SET attention_needed = ?, updated_at = ? WHERE chat_id IN (?)`, chatIDs, false, now())
	if err != nil {
		return n, fmt.Errorf("failed to reset attention: %w", err)
	}
	return n, nil
}

// Touch records contact with the user
func (r *UserRepository) Touch(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE users SET updated_at = ? WHERE id = ?`), now(), userID)
	if err != nil {
		return fmt.Errorf("failed to touch user: %w", err)
	}
	return nil
}

// SetBlocked marks the user as having blocked the bot
func (r *UserRepository) SetBlocked(ctx context.Context, chatID string, blocked bool) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE users SET is_blocked = ? WHERE chat_id = ?`), blocked, chatID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// DeleteByChatIDs removes users together with their coupons, sales rule
// links and queue rows in one transaction
func (r *UserRepository) DeleteByChatIDs(ctx context.Context, chatIDs []string) (int64, error) {
	if len(chatIDs) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	statements := []string{
		`DELETE FROM coupon_codes WHERE chat_id IN (?)`,
		`DELETE FROM user_sales_rules WHERE user_id IN (SELECT id FROM users WHERE chat_id IN (?))`,
		`DELETE FROM post_queue WHERE user_id IN (SELECT id FROM users WHERE chat_id IN (?))`,
		`DELETE FROM sales_rule_queue WHERE user_id IN (SELECT id FROM users WHERE chat_id IN (?))`,
	}
	for _, q := range statements {
		if _, err := execIn(ctx, tx, q, chatIDs); err != nil {
			return 0, fmt.Errorf("failed to delete user data: %w", err)
		}
	}

	deleted, err := execIn(ctx, tx, `DELETE FROM users WHERE chat_id IN (?)`, chatIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete users: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return deleted, nil
}
