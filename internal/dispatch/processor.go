// Package dispatch drains the post and sales rule queues and delivers the
// queued content to recipients.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/promobot/internal/lock"
	"github.com/foxzi/promobot/internal/metrics"
	"github.com/foxzi/promobot/internal/models"
	"github.com/foxzi/promobot/internal/state"
)

// Batch sizes per queue
const (
	DefaultPostBatch      = 100
	DefaultSalesRuleBatch = 300
	DefaultSendTimeout    = 30 * time.Second
)

// Content resolves and delivers one kind of queued content
type Content[C any] interface {
	// Lookup returns nil, nil when the content no longer exists
	Lookup(ctx context.Context, id int64) (*C, error)
	// Deliver sends content to one recipient
	Deliver(ctx context.Context, content *C, recipient models.Recipient) error
}

// QueueStore is a dispatch queue
type QueueStore interface {
	Kind() models.QueueKind
	Exists(ctx context.Context, userID, contentID int64) (bool, error)
	Insert(ctx context.Context, userID, contentID int64) error
	DrainBatch(ctx context.Context, limit int) ([]models.QueueItem, error)
	RemoveProcessed(ctx context.Context, contentID int64, userIDs []int64) (int64, error)
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// RecipientStore resolves users to chat identities
type RecipientStore interface {
	ResolveChatIDs(ctx context.Context, chatIDs []string) (map[string]int64, error)
	ListRecipientsByIDs(ctx context.Context, ids []int64) ([]models.Recipient, error)
	ListActive(ctx context.Context) ([]models.Recipient, error)
	ListAttentionNeeded(ctx context.Context) ([]models.Recipient, error)
}

// Resetter clears the attention flag of reached recipients
type Resetter interface {
	ResetByChatIDs(ctx context.Context, chatIDs []string) (int64, error)
}

// RunStore records job runs
type RunStore interface {
	Record(ctx context.Context, run *state.Run) error
	Last(ctx context.Context, job string) (*state.Run, error)
}

// Config contains processor configuration
type Config struct {
	BatchSize   int
	SendTimeout time.Duration
}

// CycleResult summarizes one drain cycle
type CycleResult struct {
	ID         string             `json:"id,omitempty"`
	Skipped    bool               `json:"skipped"`
	Items      int                `json:"items"`
	Groups     int                `json:"groups"`
	Sent       int                `json:"sent"`
	Failed     int                `json:"failed"`
	Unresolved int                `json:"unresolved"`
	Orphaned   int                `json:"orphaned"`
	Deferred   int                `json:"deferred"`
	Errors     []models.ItemError `json:"errors,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// Processor drains one queue. Cycles never overlap; a trigger that finds a
// cycle running is dropped.
type Processor[C any] struct {
	queue      QueueStore
	users      RecipientStore
	content    Content[C]
	engagement Resetter
	guard      lock.Guard
	runs       RunStore
	cfg        Config
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewProcessor creates a queue processor. runs and m may be nil.
func NewProcessor[C any](q QueueStore, users RecipientStore, content Content[C], engagement Resetter, guard lock.Guard, runs RunStore, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Processor[C] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPostBatch
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if guard == nil {
		guard = lock.NewLocal()
	}

	return &Processor[C]{
		queue:      q,
		users:      users,
		content:    content,
		engagement: engagement,
		guard:      guard,
		runs:       runs,
		cfg:        cfg,
		metrics:    m,
		logger:     logger.With("component", "dispatch", "queue", string(q.Kind())),
	}
}

// JobName identifies the processor in the job-state store
func (p *Processor[C]) JobName() string {
	return string(p.queue.Kind()) + "_queue"
}

// Stats returns the queue backlog
func (p *Processor[C]) Stats(ctx context.Context) (*models.QueueStats, error) {
	return p.queue.Stats(ctx)
}

// LastRun returns the last recorded cycle, or nil
func (p *Processor[C]) LastRun(ctx context.Context) (*state.Run, error) {
	if p.runs == nil {
		return nil, nil
	}
	return p.runs.Last(ctx, p.JobName())
}

// DrainNow runs one drain cycle
func (p *Processor[C]) DrainNow(ctx context.Context) (result *CycleResult, err error) {
	release, ok, err := p.guard.TryLock(ctx)
	if err != nil {
		p.metrics.IncJobRun(p.JobName(), metrics.StatusError)
		return nil, fmt.Errorf("failed to acquire drain lock: %w", err)
	}
	if !ok {
		p.logger.Debug("drain cycle already running, skipping")
		p.metrics.IncJobRun(p.JobName(), metrics.StatusSkipped)
		return &CycleResult{Skipped: true}, nil
	}

	result = &CycleResult{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	logger := p.logger.With("cycle_id", result.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("drain cycle panicked", "panic", r)
			err = fmt.Errorf("drain cycle panicked: %v", r)
		}
		release()

		result.FinishedAt = time.Now().UTC()
		p.finishCycle(ctx, result, err)
	}()

	items, err := p.queue.DrainBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		logger.Error("failed to read queue", "error", err)
		return result, err
	}
	if len(items) == 0 {
		return result, nil
	}
	result.Items = len(items)

	groups := groupByContent(items)
	result.Groups = len(groups)
	logger.Info("drain cycle started", "items", len(items), "groups", len(groups))

	for _, g := range groups {
		if ctx.Err() != nil {
			logger.Warn("drain cycle cancelled", "error", ctx.Err())
			break
		}
		p.processGroup(ctx, logger.With("content_id", g.contentID), g, result)
	}

	logger.Info("drain cycle completed",
		"sent", result.Sent,
		"failed", result.Failed,
		"unresolved", result.Unresolved,
		"orphaned", result.Orphaned,
		"deferred", result.Deferred,
	)
	return result, nil
}

func (p *Processor[C]) finishCycle(ctx context.Context, result *CycleResult, cycleErr error) {
	queue := string(p.queue.Kind())

	p.metrics.ObserveDrain(queue, result.FinishedAt.Sub(result.StartedAt).Seconds())
	p.metrics.AddQueueItems(queue, metrics.OutcomeSent, result.Sent)
	p.metrics.AddQueueItems(queue, metrics.OutcomeFailed, result.Failed)
	p.metrics.AddQueueItems(queue, metrics.OutcomeUnresolved, result.Unresolved)
	p.metrics.AddQueueItems(queue, metrics.OutcomeOrphaned, result.Orphaned)

	status := metrics.StatusOK
	if cycleErr != nil {
		status = metrics.StatusError
	}
	p.metrics.IncJobRun(p.JobName(), status)

	if p.runs == nil {
		return
	}

	run := &state.Run{
		ID:         result.ID,
		Job:        p.JobName(),
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	}
	if cycleErr != nil {
		run.Error = cycleErr.Error()
	}
	if data, err := json.Marshal(result); err == nil {
		run.Result = data
	}

	if err := p.runs.Record(context.WithoutCancel(ctx), run); err != nil {
		p.logger.Warn("failed to record drain cycle", "error", err)
	}
}

type group struct {
	contentID int64
	userIDs   []int64
}

// groupByContent groups items by content id in first-seen order
func groupByContent(items []models.QueueItem) []*group {
	var groups []*group
	index := make(map[int64]*group)

	for _, item := range items {
		g, ok := index[item.ContentID]
		if !ok {
			g = &group{contentID: item.ContentID}
			index[item.ContentID] = g
			groups = append(groups, g)
		}
		g.userIDs = append(g.userIDs, item.UserID)
	}
	return groups
}

// processGroup resolves the content once and delivers it to every
// recipient of the group. Attempted pairs are removed from the queue even
// if the group panics halfway.
func (p *Processor[C]) processGroup(ctx context.Context, logger *slog.Logger, g *group, result *CycleResult) {
	var attempted []int64
	var reached []string

	defer func() {
		if r := recover(); r != nil {
			logger.Error("group processing panicked", "panic", r)
			result.Errors = append(result.Errors, models.ItemError{Error: fmt.Sprintf("content %d: panic: %v", g.contentID, r)})
		}
		p.finishGroup(ctx, logger, g.contentID, attempted, reached)
	}()

	content, err := p.content.Lookup(ctx, g.contentID)
	if err != nil {
		// Left in the queue for the next cycle
		logger.Error("failed to load content", "error", err)
		result.Deferred += len(g.userIDs)
		return
	}
	if content == nil {
		logger.Warn("content no longer exists, dropping queued items", "items", len(g.userIDs))
		attempted = g.userIDs
		result.Orphaned += len(g.userIDs)
		return
	}

	recipients, err := p.users.ListRecipientsByIDs(ctx, g.userIDs)
	if err != nil {
		logger.Error("failed to resolve recipients", "error", err)
		result.Deferred += len(g.userIDs)
		return
	}

	resolved := make(map[int64]string, len(recipients))
	for _, rc := range recipients {
		if rc.ChatID != "" {
			resolved[rc.UserID] = rc.ChatID
		}
	}

	for _, userID := range g.userIDs {
		chatID, ok := resolved[userID]
		if !ok {
			attempted = append(attempted, userID)
			result.Unresolved++
			continue
		}

		if ctx.Err() != nil {
			break
		}

		attempted = append(attempted, userID)
		if err := p.deliver(ctx, content, models.Recipient{UserID: userID, ChatID: chatID}); err != nil {
			logger.Warn("delivery failed", "chat_id", chatID, "error", err)
			result.Failed++
			result.Errors = append(result.Errors, models.ItemError{ChatID: chatID, Error: err.Error()})
			continue
		}

		reached = append(reached, chatID)
		result.Sent++
	}
}

// deliver sends to one recipient, bounded by the send timeout. A timed out
// send counts as a failed attempt.
func (p *Processor[C]) deliver(ctx context.Context, content *C, rc models.Recipient) error {
	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- p.content.Deliver(sendCtx, content, rc)
	}()

	select {
	case err := <-done:
		return err
	case <-sendCtx.Done():
		return fmt.Errorf("send timed out: %w", sendCtx.Err())
	}
}

func (p *Processor[C]) finishGroup(ctx context.Context, logger *slog.Logger, contentID int64, attempted []int64, reached []string) {
	// Removal must happen even when the cycle context was cancelled mid-group
	ctx = context.WithoutCancel(ctx)

	if len(attempted) > 0 {
		if _, err := p.queue.RemoveProcessed(ctx, contentID, attempted); err != nil {
			logger.Error("failed to remove processed items", "error", err)
		}
	}

	if len(reached) > 0 && p.engagement != nil {
		if _, err := p.engagement.ResetByChatIDs(ctx, reached); err != nil {
			logger.Error("failed to reset attention", "error", err)
		}
	}
}
