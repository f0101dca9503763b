package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/promobot/internal/db"
	"github.com/foxzi/promobot/internal/models"
)

// QueueRepository stores pending (user, content) deliveries. Post and sales
// rule queues share the layout and differ only in table and content column.
type QueueRepository struct {
	db     *db.DB
	kind   models.QueueKind
	table  string
	column string
}

// NewPostQueueRepository returns the queue of pending post deliveries
func NewPostQueueRepository(db *db.DB) *QueueRepository {
	return &QueueRepository{db: db, kind: models.QueuePost, table: "post_queue", column: "post_id"}
}

// NewSalesRuleQueueRepository returns the queue of pending sales rule notifications
func NewSalesRuleQueueRepository(db *db.DB) *QueueRepository {
	return &QueueRepository{db: db, kind: models.QueueSalesRule, table: "sales_rule_queue", column: "sales_rule_id"}
}

// Kind returns which queue this is
func (r *QueueRepository) Kind() models.QueueKind {
	return r.kind
}

// Exists reports whether a (user, content) pair is pending
func (r *QueueRepository) Exists(ctx context.Context, userID, contentID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, r.db.Rebind(fmt.Sprintf(
		`SELECT EXISTS(SELECT 1 FROM %s WHERE user_id = ? AND %s = ?)`, r.table, r.column)),
		userID, contentID)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", r.table, err)
	}
	return exists, nil
}

// Insert adds a pending pair. A duplicate pair is reported with an error for
// which db.IsUniqueViolation is true.
func (r *QueueRepository) Insert(ctx context.Context, userID, contentID int64) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(fmt.Sprintf(
		`INSERT INTO %s (user_id, %s, created_at) VALUES (?, ?, ?)`, r.table, r.column)),
		userID, contentID, now())
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", r.table, err)
	}
	return nil
}

// DrainBatch reads up to limit items oldest first. Nothing is deleted or locked.
func (r *QueueRepository) DrainBatch(ctx context.Context, limit int) ([]models.QueueItem, error) {
	items := []models.QueueItem{}
	err := r.db.SelectContext(ctx, &items, r.db.Rebind(fmt.Sprintf(`
		SELECT id, user_id, %s AS content_id, created_at FROM %s
		ORDER BY created_at ASC, id ASC LIMIT ?`, r.column, r.table)), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", r.table, err)
	}
	return items, nil
}

// RemoveProcessed deletes the given pairs. Missing pairs are ignored.
func (r *QueueRepository) RemoveProcessed(ctx context.Context, contentID int64, userIDs []int64) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}

	n, err := execIn(ctx, r.db, fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND user_id IN (?)`, r.table, r.column), userIDs, contentID)
	if err != nil {
		return n, fmt.Errorf("failed to remove from %s: %w", r.table, err)
	}
	return n, nil
}

// Stats returns the size and age range of the queue
func (r *QueueRepository) Stats(ctx context.Context) (*models.QueueStats, error) {
	var total int64

	// Aggregates lose the column type in sqlite, so the bounds are read as
	// separate ordered selects.
	if err := r.db.GetContext(ctx, &total, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, r.table)); err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", r.table, err)
	}

	stats := &models.QueueStats{TotalItems: total}
	if total == 0 {
		return stats, nil
	}

	var oldest, newest time.Time
	if err := r.db.GetContext(ctx, &oldest, fmt.Sprintf(`SELECT created_at FROM %s ORDER BY created_at ASC, id ASC LIMIT 1`, r.table)); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", r.table, err)
	}
	if err := r.db.GetContext(ctx, &newest, fmt.Sprintf(`SELECT created_at FROM %s ORDER BY created_at DESC, id DESC LIMIT 1`, r.table)); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", r.table, err)
	}
	stats.OldestItem = &oldest
	stats.NewestItem = &newest

	return stats, nil
}
