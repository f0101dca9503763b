// Package lock provides skip-if-busy guards for periodic jobs.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

var newToken = uuid.NewString

// newTicker drives the keep-alive loop of a held redis guard
var newTicker = func(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Guard admits at most one holder. A busy guard refuses instead of waiting.
type Guard interface {
	// TryLock returns a release func and true when the guard was free.
	// The release func is safe to call exactly once.
	TryLock(ctx context.Context) (release func(), acquired bool, err error)
}

// Local is an in-process guard
type Local struct {
	busy atomic.Bool
}

// NewLocal creates an in-process guard
func NewLocal() *Local {
	return &Local{}
}

// TryLock acquires the guard if it is free
func (g *Local) TryLock(ctx context.Context) (func(), bool, error) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	return func() { g.busy.Store(false) }, true, nil
}

// Busy reports whether the guard is held
func (g *Local) Busy() bool {
	return g.busy.Load()
}

// Redis extends a local guard across processes with a SET NX key.
// The key expires after ttl so a crashed holder cannot block the job forever.
// While held, the key's expiry is pushed back every ttl/3.
type Redis struct {
	local  Local
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis creates a distributed guard stored under key
func NewRedis(client redis.UniversalClient, key string, ttl time.Duration, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		key:    key,
		ttl:    ttl,
		logger: logger.With("component", "lock", "key", key),
	}
}

// TryLock acquires the local guard, then the redis key
func (g *Redis) TryLock(ctx context.Context) (func(), bool, error) {
	releaseLocal, ok, _ := g.local.TryLock(ctx)
	if !ok {
		return nil, false, nil
	}

	token := newToken()
	acquired, err := g.client.SetNX(ctx, g.key, token, g.ttl).Result()
	if err != nil {
		releaseLocal()
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", g.key, err)
	}
	if !acquired {
		releaseLocal()
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.keepAlive(token, stop)
	}()

	release := func() {
		defer releaseLocal()

		close(stop)
		<-done

		// The job context may already be cancelled here.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		result, err := g.client.Eval(ctx, unlockScript, []string{g.key}, token).Result()
		if err != nil {
			g.logger.Warn("failed to release lock", "error", err)
			return
		}
		if result == int64(0) {
			g.logger.Warn("lock expired before release")
		}
	}
	return release, true, nil
}

// keepAlive extends the key until stop is closed or the key is lost
func (g *Redis) keepAlive(token string, stop <-chan struct{}) {
	tick, stopTicker := newTicker(g.ttl / 3)
	defer stopTicker()

	for {
		select {
		case <-stop:
			return
		case <-tick:
			held, err := g.extend(token)
			if err != nil {
				g.logger.Warn("failed to extend lock", "error", err)
				continue
			}
			if !held {
				g.logger.Error("lock lost while held")
				return
			}
		}
	}
}

func (g *Redis) extend(token string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := g.client.Eval(ctx, extendScript, []string{g.key}, token, strconv.FormatInt(g.ttl.Milliseconds(), 10)).Result()
	if err != nil {
		return false, err
	}
	return result != int64(0), nil
}

// New returns a redis guard when client is set, otherwise a local one
func New(client redis.UniversalClient, key string, ttl time.Duration, logger *slog.Logger) Guard {
	if client == nil {
		return NewLocal()
	}
	return NewRedis(client, key, ttl, logger)
}
