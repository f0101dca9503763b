package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/promobot/internal/models"
)

type mockQueue struct {
	kind  models.QueueKind
	stats *models.QueueStats
}

func (m *mockQueue) Kind() models.QueueKind { return m.kind }

func (m *mockQueue) Stats(ctx context.Context) (*models.QueueStats, error) {
	return m.stats, nil
}

func openTestBolt(t *testing.T, path string) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return db
}

func TestCollectorPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	db := openTestBolt(t, path)
	m := New()
	c, err := NewCollector(db, m, nil, path, time.Second)
	if err != nil {
		t.Fatalf("failed to create collector: %v", err)
	}

	m.AddQueueItems("post", OutcomeSent, 7)
	m.IncCouponsIssued()

	if err := c.Stop(); err != nil {
		t.Fatalf("failed to stop collector: %v", err)
	}
	db.Close()

	// Reopen and verify counters are restored
	db = openTestBolt(t, path)
	defer db.Close()

	m2 := New()
	if _, err := NewCollector(db, m2, nil, path, time.Second); err != nil {
		t.Fatalf("failed to create collector: %v", err)
	}

	if v := counterValue(t, m2.QueueItemsTotal.WithLabelValues("post", OutcomeSent)); v != 7 {
		t.Errorf("expected 7 restored sends, got %f", v)
	}
	if v := counterValue(t, m2.CouponsIssuedTotal); v != 1 {
		t.Errorf("expected 1 restored coupon, got %f", v)
	}
}

func TestCollectorQueueGauges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db := openTestBolt(t, path)
	defer db.Close()

	oldest := time.Now().Add(-time.Minute)
	queues := []QueueStatsProvider{
		&mockQueue{kind: models.QueuePost, stats: &models.QueueStats{TotalItems: 12, OldestItem: &oldest}},
		&mockQueue{kind: models.QueueSalesRule, stats: &models.QueueStats{}},
	}

	m := New()
	c, err := NewCollector(db, m, queues, path, time.Second)
	if err != nil {
		t.Fatalf("failed to create collector: %v", err)
	}

	c.collect(context.Background())

	if v := counterValue(t, m.QueueSize.WithLabelValues("post")); v != 12 {
		t.Errorf("expected post queue size 12, got %f", v)
	}
	if v := counterValue(t, m.QueueOldestSeconds.WithLabelValues("post")); v < 59 {
		t.Errorf("expected oldest age about 60s, got %f", v)
	}
	if v := counterValue(t, m.QueueSize.WithLabelValues("sales_rule")); v != 0 {
		t.Errorf("expected empty sales rule queue, got %f", v)
	}
	if v := counterValue(t, m.StorageUsedBytes); v <= 0 {
		t.Errorf("expected storage size to be set, got %f", v)
	}
}
