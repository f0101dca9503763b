package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foxzi/promobot/internal/db"
	"github.com/foxzi/promobot/internal/models"
)

// ExistsFunc reports whether content with id exists
type ExistsFunc func(ctx context.Context, id int64) (bool, error)

// Queue adds (recipient, content) items to a dispatch queue
type Queue struct {
	store  QueueStore
	users  RecipientStore
	exists ExistsFunc
	logger *slog.Logger
}

// NewQueue creates an enqueue service. When exists is set, enqueueing for
// unknown content fails with models.ErrNotFound.
func NewQueue(store QueueStore, users RecipientStore, exists ExistsFunc, logger *slog.Logger) *Queue {
	return &Queue{
		store:  store,
		users:  users,
		exists: exists,
		logger: logger.With("component", "queue", "queue", string(store.Kind())),
	}
}

// Kind returns which queue this is
func (q *Queue) Kind() models.QueueKind {
	return q.store.Kind()
}

// Stats returns the queue backlog
func (q *Queue) Stats(ctx context.Context) (*models.QueueStats, error) {
	return q.store.Stats(ctx)
}

// Enqueue adds contentID for every chat id. Unknown chat ids and pairs that
// are already pending are skipped. Failures are collected per recipient.
func (q *Queue) Enqueue(ctx context.Context, contentID int64, chatIDs []string) (*models.EnqueueResult, error) {
	if err := q.checkContent(ctx, contentID); err != nil {
		return nil, err
	}

	resolved, err := q.users.ResolveChatIDs(ctx, chatIDs)
	if err != nil {
		return nil, err
	}

	result := &models.EnqueueResult{Errors: []models.ItemError{}}
	for _, chatID := range chatIDs {
		userID, ok := resolved[chatID]
		if !ok {
			result.SkippedCount++
			continue
		}
		q.add(ctx, contentID, models.Recipient{UserID: userID, ChatID: chatID}, result)
	}

	q.logResult(contentID, len(chatIDs), result)
	return result, nil
}

// EnqueueAllActive adds contentID for every user that has not blocked the bot
func (q *Queue) EnqueueAllActive(ctx context.Context, contentID int64) (*models.EnqueueResult, error) {
	if err := q.checkContent(ctx, contentID); err != nil {
		return nil, err
	}

	recipients, err := q.users.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return q.enqueueRecipients(ctx, contentID, recipients), nil
}

// EnqueueAttentionNeeded adds contentID for active users flagged for re-engagement
func (q *Queue) EnqueueAttentionNeeded(ctx context.Context, contentID int64) (*models.EnqueueResult, error) {
	if err := q.checkContent(ctx, contentID); err != nil {
		return nil, err
	}

	recipients, err := q.users.ListAttentionNeeded(ctx)
	if err != nil {
		return nil, err
	}
	return q.enqueueRecipients(ctx, contentID, recipients), nil
}

func (q *Queue) enqueueRecipients(ctx context.Context, contentID int64, recipients []models.Recipient) *models.EnqueueResult {
	result := &models.EnqueueResult{Errors: []models.ItemError{}}
	for _, rc := range recipients {
		q.add(ctx, contentID, rc, result)
	}

	q.logResult(contentID, len(recipients), result)
	return result
}

func (q *Queue) add(ctx context.Context, contentID int64, rc models.Recipient, result *models.EnqueueResult) {
	pending, err := q.store.Exists(ctx, rc.UserID, contentID)
	if err != nil {
		result.Errors = append(result.Errors, models.ItemError{ChatID: rc.ChatID, Error: err.Error()})
		return
	}
	if pending {
		result.SkippedCount++
		return
	}

	if err := q.store.Insert(ctx, rc.UserID, contentID); err != nil {
		// Lost a race with a concurrent enqueue of the same pair
		if db.IsUniqueViolation(err) {
			result.SkippedCount++
			return
		}
		result.Errors = append(result.Errors, models.ItemError{ChatID: rc.ChatID, Error: err.Error()})
		return
	}
	result.AddedCount++
}

func (q *Queue) checkContent(ctx context.Context, contentID int64) error {
	if q.exists == nil {
		return nil
	}

	ok, err := q.exists(ctx, contentID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %d: %w", q.store.Kind(), contentID, models.ErrNotFound)
	}
	return nil
}

func (q *Queue) logResult(contentID int64, requested int, result *models.EnqueueResult) {
	q.logger.Info("items enqueued",
		"content_id", contentID,
		"requested", requested,
		"added", result.AddedCount,
		"skipped", result.SkippedCount,
		"errors", len(result.Errors),
	)
}
