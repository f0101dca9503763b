package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/foxzi/promobot/internal/db"
)

// Well-known configuration keys
const (
	// SettingAdminPath is the chat link used to build order URLs after a
	// coupon is confirmed
	SettingAdminPath = "admin_path"
)

type SettingsRepository struct {
	db *db.DB
}

func NewSettingsRepository(db *db.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the value stored under key, or def when the key is not set
func (r *SettingsRepository) Get(ctx context.Context, key, def string) (string, error) {
	var value string
	err := r.db.GetContext(ctx, &value, r.db.Rebind(`SELECT value FROM configuration WHERE key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

// Set stores a value
func (r *SettingsRepository) Set(ctx context.Context, key, value, description string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO configuration (key, value, description, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, description = excluded.description, updated_at = excluded.updated_at`),
		key, value, description, now(),
	)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}
