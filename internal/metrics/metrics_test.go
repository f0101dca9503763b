package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()

	var metric dto.Metric
	switch v := c.(type) {
	case prometheus.Gauge:
		// Checked first: every Gauge also satisfies Counter
		if err := v.Write(&metric); err != nil {
			t.Fatalf("failed to write metric: %v", err)
		}
		return metric.Gauge.GetValue()
	case prometheus.Counter:
		if err := v.Write(&metric); err != nil {
			t.Fatalf("failed to write metric: %v", err)
		}
		return metric.Counter.GetValue()
	}
	t.Fatalf("unsupported collector %T", c)
	return 0
}

func TestNew(t *testing.T) {
	m := New()
	if m.Registry() == nil {
		t.Fatal("Registry() returned nil")
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	// Vectors without observations are not reported, plain metrics are
	if len(families) == 0 {
		t.Error("expected registered metrics")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.AddQueueItems("post", OutcomeSent, 3)
	m.ObserveDrain("post", 1)
	m.IncJobRun("post", StatusOK)
	m.IncCouponsIssued()
	m.IncCouponNotifyFailed()
	m.IncRedemption("confirmed")
	m.AddAttentionChanges("flagged", 2)
	m.SetQueueBacklog("post", 1, 1)
}

func TestAddQueueItems(t *testing.T) {
	m := New()

	m.AddQueueItems("post", OutcomeSent, 2)
	m.AddQueueItems("post", OutcomeSent, 3)
	m.AddQueueItems("post", OutcomeFailed, 1)
	m.AddQueueItems("post", OutcomeFailed, 0)

	sent := counterValue(t, m.QueueItemsTotal.WithLabelValues("post", OutcomeSent))
	if sent != 5 {
		t.Errorf("expected 5 sent, got %f", sent)
	}
	failed := counterValue(t, m.QueueItemsTotal.WithLabelValues("post", OutcomeFailed))
	if failed != 1 {
		t.Errorf("expected 1 failed, got %f", failed)
	}

	shadow := m.snapshot()
	if shadow.QueueItems["post|sent"] != 5 {
		t.Errorf("expected shadow counter 5, got %f", shadow.QueueItems["post|sent"])
	}
}

func TestSnapshotRestore(t *testing.T) {
	m := New()
	m.IncCouponsIssued()
	m.IncCouponsIssued()
	m.IncRedemption("confirmed")
	m.IncJobRun("attention_scan", StatusSkipped)
	m.AddAttentionChanges("reset", 4)

	restored := New()
	restored.restore(m.snapshot())

	if v := counterValue(t, restored.CouponsIssuedTotal); v != 2 {
		t.Errorf("expected 2 coupons issued, got %f", v)
	}
	if v := counterValue(t, restored.CouponRedemptionsTotal.WithLabelValues("confirmed")); v != 1 {
		t.Errorf("expected 1 redemption, got %f", v)
	}
	if v := counterValue(t, restored.JobRunsTotal.WithLabelValues("attention_scan", StatusSkipped)); v != 1 {
		t.Errorf("expected 1 skipped run, got %f", v)
	}
	if v := counterValue(t, restored.AttentionChangesTotal.WithLabelValues("reset")); v != 4 {
		t.Errorf("expected 4 resets, got %f", v)
	}
}

func TestSplitLabelKey(t *testing.T) {
	tests := []struct {
		key  string
		a, b string
	}{
		{"post|sent", "post", "sent"},
		{"sales_rule|failed", "sales_rule", "failed"},
		{"nolabel", "nolabel", ""},
	}

	for _, tt := range tests {
		a, b := splitLabelKey(tt.key)
		if a != tt.a || b != tt.b {
			t.Errorf("splitLabelKey(%q) = (%q, %q), want (%q, %q)", tt.key, a, b, tt.a, tt.b)
		}
	}
}
