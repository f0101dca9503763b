package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		value    string
		timezone string
		wantErr  bool
	}{
		{"09:00", "Europe/Moscow", false},
		{"23:59", "", false},
		{"9am", "UTC", true},
		{"25:00", "UTC", true},
		{"09:00", "Mars/Olympus", true},
	}

	for _, tt := range tests {
		t.Run(tt.value+"_"+tt.timezone, func(t *testing.T) {
			_, err := ParseClock(tt.value, tt.timezone)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseClock(%q, %q) error = %v, wantErr %v", tt.value, tt.timezone, err, tt.wantErr)
			}
		})
	}
}

func TestClockNext(t *testing.T) {
	clock, err := ParseClock("09:00", "Europe/Moscow")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		// Moscow is UTC+3
		{"before today's run", time.Date(2025, 5, 10, 5, 0, 0, 0, time.UTC), time.Date(2025, 5, 10, 6, 0, 0, 0, time.UTC)},
		{"exactly at run", time.Date(2025, 5, 10, 6, 0, 0, 0, time.UTC), time.Date(2025, 5, 11, 6, 0, 0, 0, time.UTC)},
		{"after today's run", time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC), time.Date(2025, 5, 11, 6, 0, 0, 0, time.UTC)},
		{"month rollover", time.Date(2025, 5, 31, 20, 0, 0, 0, time.UTC), time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clock.Next(tt.now)
			if !got.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", tt.now, got.UTC(), tt.want)
			}
		})
	}
}

func TestScheduler_Every(t *testing.T) {
	s := New(testLogger())

	var runs atomic.Int32
	s.Every("drain", 10*time.Millisecond, true, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	s.Start(context.Background())
	time.Sleep(55 * time.Millisecond)
	s.Stop()

	if n := runs.Load(); n < 3 {
		t.Errorf("expected at least 3 runs, got %d", n)
	}

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != after {
		t.Error("expected no runs after Stop")
	}
}

func TestScheduler_ErrorsAndPanicsKeepLoopAlive(t *testing.T) {
	s := New(testLogger())

	var runs atomic.Int32
	s.Every("flaky", 10*time.Millisecond, true, func(ctx context.Context) error {
		n := runs.Add(1)
		if n == 1 {
			panic("boom")
		}
		return errors.New("still failing")
	})

	s.Start(context.Background())
	time.Sleep(45 * time.Millisecond)
	s.Stop()

	if n := runs.Load(); n < 2 {
		t.Errorf("expected loop to survive failures, got %d runs", n)
	}
}

func TestScheduler_DisabledInterval(t *testing.T) {
	s := New(testLogger())
	s.Every("off", 0, true, func(ctx context.Context) error {
		t.Error("disabled job ran")
		return nil
	})

	s.Start(context.Background())
	s.Stop()
}

func TestScheduler_ContextCancelStops(t *testing.T) {
	s := New(testLogger())
	clock, _ := ParseClock("03:00", "UTC")
	s.Daily("scan", clock, func(ctx context.Context) error { return nil })
	s.Every("drain", time.Hour, false, func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestScheduler_DailyRuns(t *testing.T) {
	s := New(testLogger())

	// Start just before the run so the timer fires quickly
	base := time.Date(2025, 5, 10, 8, 59, 59, 950_000_000, time.UTC)
	started := time.Now()
	s.now = func() time.Time { return base.Add(time.Since(started)) }

	clock, _ := ParseClock("09:00", "UTC")
	ran := make(chan struct{}, 1)
	s.Daily("scan", clock, func(ctx context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})

	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("daily job did not run")
	}
}
