// Package engagement maintains the per-user attention_needed flag that marks
// subscribers who have not been contacted recently.
package engagement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/promobot/internal/lock"
	"github.com/foxzi/promobot/internal/metrics"
	"github.com/foxzi/promobot/internal/state"
)

const (
	// JobName identifies the scan in the job-state store, locks and metrics
	JobName = "attention_scan"

	// DefaultStaleDays is how long a user may go without contact before
	// being flagged
	DefaultStaleDays = 14
)

// UserStore is the subset of the user repository the tracker writes
type UserStore interface {
	FlagStale(ctx context.Context, cutoff time.Time) (int64, error)
	UnflagFresh(ctx context.Context, cutoff time.Time) (int64, error)
	ResetAttention(ctx context.Context, chatIDs []string) (int64, error)
}

// RunStore records job runs
type RunStore interface {
	Record(ctx context.Context, run *state.Run) error
	Last(ctx context.Context, job string) (*state.Run, error)
}

// ScanResult is the outcome of one scan
type ScanResult struct {
	Flagged   int64     `json:"flagged"`
	Unflagged int64     `json:"unflagged"`
	Skipped   bool      `json:"skipped"`
	RanAt     time.Time `json:"ran_at"`
}

// Tracker flags stale users and clears the flag after contact
type Tracker struct {
	users     UserStore
	runs      RunStore
	guard     lock.Guard
	staleDays int
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	lastScan time.Time
}

// NewTracker creates a tracker. runs and m may be nil.
func NewTracker(users UserStore, runs RunStore, guard lock.Guard, staleDays int, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	if staleDays <= 0 {
		staleDays = DefaultStaleDays
	}
	if guard == nil {
		guard = lock.NewLocal()
	}

	return &Tracker{
		users:     users,
		runs:      runs,
		guard:     guard,
		staleDays: staleDays,
		metrics:   m,
		logger:    logger.With("component", "engagement"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) cutoff(staleDays int) time.Time {
	return t.now().AddDate(0, 0, -staleDays)
}

// ScanAndFlag flags users whose last contact is older than staleDays.
// Their updated_at is left unchanged.
func (t *Tracker) ScanAndFlag(ctx context.Context, staleDays int) (int64, error) {
	n, err := t.users.FlagStale(ctx, t.cutoff(staleDays))
	if err != nil {
		return 0, err
	}
	t.metrics.AddAttentionChanges("flagged", n)
	return n, nil
}

// ScanAndUnflag clears the flag for users contacted within staleDays
func (t *Tracker) ScanAndUnflag(ctx context.Context, staleDays int) (int64, error) {
	n, err := t.users.UnflagFresh(ctx, t.cutoff(staleDays))
	if err != nil {
		return 0, err
	}
	t.metrics.AddAttentionChanges("unflagged", n)
	return n, nil
}

// Scan runs flag and unflag under the job guard. A scan already in
// progress makes this call return a skipped result.
func (t *Tracker) Scan(ctx context.Context) (*ScanResult, error) {
	release, ok, err := t.guard.TryLock(ctx)
	if err != nil {
		t.metrics.IncJobRun(JobName, metrics.StatusError)
		return nil, fmt.Errorf("failed to acquire scan lock: %w", err)
	}
	if !ok {
		t.logger.Info("attention scan already running, skipping")
		t.metrics.IncJobRun(JobName, metrics.StatusSkipped)
		return &ScanResult{Skipped: true}, nil
	}
	defer release()

	started := t.now()
	result := &ScanResult{RanAt: started}

	result.Flagged, err = t.ScanAndFlag(ctx, t.staleDays)
	if err == nil {
		result.Unflagged, err = t.ScanAndUnflag(ctx, t.staleDays)
	}

	t.record(ctx, started, result, err)

	if err != nil {
		t.metrics.IncJobRun(JobName, metrics.StatusError)
		t.logger.Error("attention scan failed", "error", err)
		return nil, err
	}

	t.mu.Lock()
	t.lastScan = started
	t.mu.Unlock()

	t.metrics.IncJobRun(JobName, metrics.StatusOK)
	t.logger.Info("attention scan completed",
		"flagged", result.Flagged,
		"unflagged", result.Unflagged,
		"stale_days", t.staleDays,
	)
	return result, nil
}

func (t *Tracker) record(ctx context.Context, started time.Time, result *ScanResult, scanErr error) {
	if t.runs == nil {
		return
	}

	run := &state.Run{
		ID:         uuid.NewString(),
		Job:        JobName,
		StartedAt:  started,
		FinishedAt: t.now(),
	}
	if scanErr != nil {
		run.Error = scanErr.Error()
	} else if data, err := json.Marshal(result); err == nil {
		run.Result = data
	}

	if err := t.runs.Record(ctx, run); err != nil {
		t.logger.Warn("failed to record scan", "error", err)
	}
}

// ResetByChatIDs clears the flag for recipients that were just reached.
// Empty input and unknown ids are no-ops.
func (t *Tracker) ResetByChatIDs(ctx context.Context, chatIDs []string) (int64, error) {
	if len(chatIDs) == 0 {
		return 0, nil
	}

	n, err := t.users.ResetAttention(ctx, chatIDs)
	if err != nil {
		return 0, err
	}
	t.metrics.AddAttentionChanges("reset", n)
	return n, nil
}

// LastScanTime returns when the last successful scan started. It falls back
// to the job-state store so the value survives restarts.
func (t *Tracker) LastScanTime() (time.Time, bool) {
	t.mu.RLock()
	last := t.lastScan
	t.mu.RUnlock()
	if !last.IsZero() {
		return last, true
	}

	if t.runs == nil {
		return time.Time{}, false
	}

	run, err := t.runs.Last(context.Background(), JobName)
	if err != nil {
		t.logger.Warn("failed to read last scan", "error", err)
		return time.Time{}, false
	}
	if run == nil || run.Error != "" {
		return time.Time{}, false
	}
	return run.StartedAt, true
}
