// Package scheduler runs the periodic jobs: queue drains on an interval and
// the attention scan once a day at a wall-clock time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobFunc is one run of a periodic job. Errors are logged, the loop keeps
// going.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	run      JobFunc
	interval time.Duration
	clock    *Clock
	onStart  bool
}

// Clock is a time of day in a location
type Clock struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// ParseClock parses "HH:MM" in the named time zone
func ParseClock(value, timezone string) (*Clock, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return nil, fmt.Errorf("invalid time of day %q: %w", value, err)
	}

	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}

	return &Clock{Hour: t.Hour(), Minute: t.Minute(), Location: loc}, nil
}

// Next returns the first occurrence of the clock strictly after now
func (c *Clock) Next(now time.Time) time.Time {
	local := now.In(c.Location)
	next := time.Date(local.Year(), local.Month(), local.Day(), c.Hour, c.Minute, 0, 0, c.Location)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, c.Hour, c.Minute, 0, 0, c.Location)
	}
	return next
}

func (c *Clock) String() string {
	return fmt.Sprintf("%02d:%02d %s", c.Hour, c.Minute, c.Location)
}

// Scheduler owns one goroutine per job
type Scheduler struct {
	jobs   []*job
	logger *slog.Logger
	now    func() time.Time

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// New creates an empty scheduler
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Every runs fn each interval. With runOnStart the first run happens
// immediately.
func (s *Scheduler) Every(name string, interval time.Duration, runOnStart bool, fn JobFunc) {
	if interval <= 0 {
		s.logger.Warn("job disabled, interval not set", "job", name)
		return
	}
	s.jobs = append(s.jobs, &job{name: name, run: fn, interval: interval, onStart: runOnStart})
}

// Daily runs fn once a day at clock
func (s *Scheduler) Daily(name string, clock *Clock, fn JobFunc) {
	s.jobs = append(s.jobs, &job{name: name, run: fn, clock: clock})
}

// Start launches the job loops
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		s.wg.Add(1)
		if j.clock != nil {
			go s.dailyLoop(ctx, j)
			s.logger.Info("job scheduled", "job", j.name, "at", j.clock.String())
		} else {
			go s.intervalLoop(ctx, j)
			s.logger.Info("job scheduled", "job", j.name, "interval", j.interval)
		}
	}
}

// Stop stops the loops and waits for running jobs to return
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) intervalLoop(ctx context.Context, j *job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	if j.onStart {
		s.execute(ctx, j)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.execute(ctx, j)
		}
	}
}

func (s *Scheduler) dailyLoop(ctx context.Context, j *job) {
	defer s.wg.Done()

	for {
		next := j.clock.Next(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		s.logger.Debug("next run", "job", j.name, "at", next)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
			s.execute(ctx, j)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", j.name, "panic", r)
		}
	}()

	if err := j.run(ctx); err != nil {
		s.logger.Error("job failed", "job", j.name, "error", err)
	}
}
