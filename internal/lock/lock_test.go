package lock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocal_SkipIfBusy(t *testing.T) {
	g := NewLocal()
	ctx := context.Background()

	release, ok, err := g.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("expected first TryLock to succeed, got ok=%v err=%v", ok, err)
	}
	if !g.Busy() {
		t.Error("expected guard to be busy")
	}

	if _, ok, _ := g.TryLock(ctx); ok {
		t.Error("expected second TryLock to be refused")
	}

	release()
	if g.Busy() {
		t.Error("expected guard to be free after release")
	}

	if _, ok, _ := g.TryLock(ctx); !ok {
		t.Error("expected TryLock to succeed after release")
	}
}

func TestRedis_TryLock(t *testing.T) {
	client, mock := redismock.NewClientMock()
	newToken = func() string { return "token-1" }
	defer func() { newToken = uuid.NewString }()

	g := NewRedis(client, "promobot:lock:post_queue", time.Minute, testLogger())

	mock.ExpectSetNX("promobot:lock:post_queue", "token-1", time.Minute).SetVal(true)
	mock.ExpectEval(unlockScript, []string{"promobot:lock:post_queue"}, "token-1").SetVal(int64(1))

	release, ok, err := g.TryLock(context.Background())
	if err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	if !ok {
		t.Fatal("expected lock to be acquired")
	}

	// Local guard is held as well
	if _, ok, _ := g.TryLock(context.Background()); ok {
		t.Error("expected nested TryLock to be refused locally")
	}

	release()
	if g.local.Busy() {
		t.Error("expected local guard to be released")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func manualTicker(t *testing.T) chan time.Time {
	t.Helper()
	tick := make(chan time.Time)
	newTicker = func(time.Duration) (<-chan time.Time, func()) { return tick, func() {} }
	t.Cleanup(func() {
		newTicker = func(d time.Duration) (<-chan time.Time, func()) {
			tk := time.NewTicker(d)
			return tk.C, tk.Stop
		}
	})
	return tick
}

func TestRedis_KeepAliveExtendsWhileHeld(t *testing.T) {
	client, mock := redismock.NewClientMock()
	newToken = func() string { return "token-4" }
	defer func() { newToken = uuid.NewString }()
	tick := manualTicker(t)

	key := "promobot:lock:sales_rule_queue"
	g := NewRedis(client, key, time.Minute, testLogger())

	mock.ExpectSetNX(key, "token-4", time.Minute).SetVal(true)
	mock.ExpectEval(extendScript, []string{key}, "token-4", "60000").SetVal(int64(1))
	mock.ExpectEval(extendScript, []string{key}, "token-4", "60000").SetVal(int64(1))
	mock.ExpectEval(unlockScript, []string{key}, "token-4").SetVal(int64(1))

	release, ok, err := g.TryLock(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected lock to be acquired, got ok=%v err=%v", ok, err)
	}

	tick <- time.Now()
	tick <- time.Now()
	release()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedis_KeepAliveStopsWhenLost(t *testing.T) {
	client, mock := redismock.NewClientMock()
	newToken = func() string { return "token-5" }
	defer func() { newToken = uuid.NewString }()
	tick := manualTicker(t)

	key := "promobot:lock:post_queue"
	g := NewRedis(client, key, 30*time.Second, testLogger())

	mock.ExpectSetNX(key, "token-5", 30*time.Second).SetVal(true)
	mock.ExpectEval(extendScript, []string{key}, "token-5", "30000").SetVal(int64(0))
	mock.ExpectEval(unlockScript, []string{key}, "token-5").SetVal(int64(0))

	release, ok, err := g.TryLock(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected lock to be acquired, got ok=%v err=%v", ok, err)
	}

	tick <- time.Now()

	// the loop has exited, so no further tick is consumed
	select {
	case tick <- time.Now():
		t.Error("expected keep-alive to stop after losing the key")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	if g.local.Busy() {
		t.Error("expected local guard to be released")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedis_HeldElsewhere(t *testing.T) {
	client, mock := redismock.NewClientMock()
	newToken = func() string { return "token-2" }
	defer func() { newToken = uuid.NewString }()

	g := NewRedis(client, "promobot:lock:attention", time.Minute, testLogger())
	mock.ExpectSetNX("promobot:lock:attention", "token-2", time.Minute).SetVal(false)

	_, ok, err := g.TryLock(context.Background())
	if err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	if ok {
		t.Error("expected lock held by another process to be refused")
	}
	if g.local.Busy() {
		t.Error("local guard must be released when redis refuses")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedis_Error(t *testing.T) {
	client, mock := redismock.NewClientMock()
	newToken = func() string { return "token-3" }
	defer func() { newToken = uuid.NewString }()

	g := NewRedis(client, "promobot:lock:sales_rule_queue", time.Minute, testLogger())
	mock.ExpectSetNX("promobot:lock:sales_rule_queue", "token-3", time.Minute).SetErr(errors.New("connection refused"))

	_, ok, err := g.TryLock(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if ok {
		t.Error("expected lock not to be acquired")
	}
	if g.local.Busy() {
		t.Error("local guard must be released on error")
	}
}

func TestNew_WithoutClient(t *testing.T) {
	if _, ok := New(nil, "k", time.Minute, testLogger()).(*Local); !ok {
		t.Error("expected local guard without redis client")
	}
}
