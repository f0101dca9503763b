package engagement

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/promobot/internal/db"
	"github.com/foxzi/promobot/internal/lock"
	"github.com/foxzi/promobot/internal/models"
	"github.com/foxzi/promobot/internal/repository"
	"github.com/foxzi/promobot/internal/state"
)

type fixture struct {
	users   *repository.UserRepository
	runs    *state.BoltStore
	tracker *Tracker
}

func setup(t *testing.T, guard lock.Guard) *fixture {
	t.Helper()

	conn, err := db.New(context.Background(), db.Options{DSN: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	runs, err := state.NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open state: %v", err)
	}
	t.Cleanup(func() { runs.Close() })

	users := repository.NewUserRepository(conn)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		users:   users,
		runs:    runs,
		tracker: NewTracker(users, runs, guard, DefaultStaleDays, nil, logger),
	}
}

func (f *fixture) addUser(t *testing.T, chatID string, age time.Duration) *models.User {
	t.Helper()

	at := time.Now().UTC().Add(-age).Truncate(time.Millisecond)
	u := &models.User{ChatID: chatID, CreatedAt: at, UpdatedAt: at}
	if err := f.users.Create(context.Background(), u); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return u
}

func TestScanAndFlagPreservesUpdatedAt(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	u := f.addUser(t, "111", 15*24*time.Hour)
	t0 := u.UpdatedAt

	n, err := f.tracker.ScanAndFlag(ctx, DefaultStaleDays)
	if err != nil {
		t.Fatalf("ScanAndFlag failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 flagged, got %d", n)
	}

	got, _ := f.users.GetByID(ctx, u.ID)
	if !got.AttentionNeeded {
		t.Error("expected attention_needed to be true")
	}
	if !got.UpdatedAt.Equal(t0) {
		t.Errorf("updated_at changed from %v to %v", t0, got.UpdatedAt)
	}
}

func TestScan(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	f.addUser(t, "stale-1", 20*24*time.Hour)
	f.addUser(t, "stale-2", 15*24*time.Hour)
	fresh := f.addUser(t, "fresh", time.Hour)
	f.addUser(t, "boundary", 13*24*time.Hour)

	// A flag left over from before a recent contact is healed by the scan
	if _, err := f.users.FlagStale(ctx, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	if _, ok := f.tracker.LastScanTime(); ok {
		t.Error("expected no last scan time before the first scan")
	}

	result, err := f.tracker.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if result.Skipped {
		t.Fatal("scan should not be skipped")
	}
	if result.Flagged != 0 {
		t.Errorf("users already flagged must not be counted again, got %d", result.Flagged)
	}
	if result.Unflagged != 2 {
		t.Errorf("expected 2 unflagged, got %d", result.Unflagged)
	}

	got, _ := f.users.GetByID(ctx, fresh.ID)
	if got.AttentionNeeded {
		t.Error("fresh user should be unflagged")
	}

	last, ok := f.tracker.LastScanTime()
	if !ok || !last.Equal(result.RanAt) {
		t.Errorf("expected last scan time %v, got %v (ok=%v)", result.RanAt, last, ok)
	}
}

func TestLastScanTimeSurvivesRestart(t *testing.T) {
	f := setup(t, nil)

	result, err := f.tracker.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	restarted := NewTracker(f.users, f.runs, nil, DefaultStaleDays, nil, logger)

	last, ok := restarted.LastScanTime()
	if !ok {
		t.Fatal("expected last scan time from job state")
	}
	if !last.Equal(result.RanAt) {
		t.Errorf("expected %v, got %v", result.RanAt, last)
	}
}

func TestScanSkipsWhenBusy(t *testing.T) {
	guard := lock.NewLocal()
	f := setup(t, guard)
	f.addUser(t, "stale", 30*24*time.Hour)

	release, ok, _ := guard.TryLock(context.Background())
	if !ok {
		t.Fatal("failed to hold guard")
	}

	result, err := f.tracker.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if !result.Skipped {
		t.Error("expected scan to be skipped while another is running")
	}

	got, _ := f.users.GetByChatID(context.Background(), "stale")
	if got.AttentionNeeded {
		t.Error("skipped scan must not write")
	}

	release()
	result, err = f.tracker.Scan(context.Background())
	if err != nil || result.Skipped {
		t.Fatalf("expected scan to run after release, got %+v err=%v", result, err)
	}
	if result.Flagged != 1 {
		t.Errorf("expected 1 flagged, got %d", result.Flagged)
	}
}

func TestResetByChatIDs(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	u := f.addUser(t, "111", 30*24*time.Hour)
	if _, err := f.tracker.ScanAndFlag(ctx, DefaultStaleDays); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		chatIDs []string
		want    int64
	}{
		{"empty input", nil, 0},
		{"unknown chat id", []string{"nobody"}, 0},
		{"flagged user", []string{"111"}, 1},
		{"unflagged user", []string{"111"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := f.tracker.ResetByChatIDs(ctx, tt.chatIDs)
			if err != nil {
				t.Fatalf("ResetByChatIDs failed: %v", err)
			}
			if n != tt.want {
				t.Errorf("expected %d, got %d", tt.want, n)
			}
		})
	}

	got, _ := f.users.GetByID(ctx, u.ID)
	if got.AttentionNeeded {
		t.Error("expected flag to be cleared")
	}

	// The reset counts as contact, so the next scan leaves the user alone
	n, err := f.tracker.ScanAndFlag(ctx, DefaultStaleDays)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("reset user was flagged again by the next scan")
	}
}
