package repository

import (
	"context"
	"testing"
	"time"

	"github.com/foxzi/promobot/internal/models"
)

func TestUserRepository_GetByChatID(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewUserRepository(conn)
	ctx := context.Background()

	created := createTestUser(t, repo, "111", now())

	u, err := repo.GetByChatID(ctx, "111")
	if err != nil {
		t.Fatalf("GetByChatID failed: %v", err)
	}
	if u == nil || u.ID != created.ID {
		t.Fatalf("expected user %d, got %+v", created.ID, u)
	}

	missing, err := repo.GetByChatID(ctx, "404")
	if err != nil {
		t.Fatalf("GetByChatID failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown chat id, got %+v", missing)
	}
}

func TestUserRepository_Register(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewUserRepository(conn)
	ctx := context.Background()

	u := &models.User{ChatID: "111", UserName: "first", FirstName: "Ann"}
	if err := repo.Register(ctx, u); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if u.ID == 0 {
		t.Fatal("expected id to be set")
	}

	t0 := now().Add(-30 * 24 * time.Hour)
	if _, err := conn.ExecContext(ctx, conn.Rebind(`UPDATE users SET is_blocked = ?, updated_at = ? WHERE id = ?`), true, t0, u.ID); err != nil {
		t.Fatal(err)
	}

	again := &models.User{ChatID: "111", UserName: "renamed", FirstName: "Ann"}
	if err := repo.Register(ctx, again); err != nil {
		t.Fatalf("second Register failed: %v", err)
	}
	if again.ID != u.ID {
		t.Errorf("expected same id %d, got %d", u.ID, again.ID)
	}

	got, err := repo.GetByChatID(ctx, "111")
	if err != nil || got == nil {
		t.Fatalf("GetByChatID = %v, %v", got, err)
	}
	if got.UserName != "renamed" {
		t.Errorf("expected profile refresh, got user_name %q", got.UserName)
	}
	if got.IsBlocked {
		t.Error("expected user to be unblocked")
	}
	if !got.UpdatedAt.After(t0) {
		t.Errorf("expected updated_at to move past %v, got %v", t0, got.UpdatedAt)
	}
}

func TestUserRepository_SetBlockedBothWays(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewUserRepository(conn)
	ctx := context.Background()

	createTestUser(t, repo, "111", now())

	for _, blocked := range []bool{true, false} {
		if err := repo.SetBlocked(ctx, "111", blocked); err != nil {
			t.Fatalf("SetBlocked(%v) failed: %v", blocked, err)
		}
		got, _ := repo.GetByChatID(ctx, "111")
		if got.IsBlocked != blocked {
			t.Errorf("is_blocked = %v, want %v", got.IsBlocked, blocked)
		}
	}
}

func TestUserRepository_FlagStalePreservesUpdatedAt(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewUserRepository(conn)
	ctx := context.Background()

	t0 := now().Add(-15 * 24 * time.Hour).Truncate(time.Millisecond)
	stale := createTestUser(t, repo, "stale", t0)
	createTestUser(t, repo, "fresh", now())

	cutoff := now().Add(-14 * 24 * time.Hour)
	n, err := repo.FlagStale(ctx, cutoff)
	if err != nil {
		t.Fatalf("FlagStale failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 flagged user, got %d", n)
	}

	u, _ := repo.GetByID(ctx, stale.ID)
	if !u.AttentionNeeded {
		t.Error("expected stale user to be flagged")
	}
	if !u.UpdatedAt.Equal(t0) {
		t.Errorf("updated_at changed: want %v, got %v", t0, u.UpdatedAt)
	}

	// Already flagged users are not counted again
	n, err = repo.FlagStale(ctx, cutoff)
	if err != nil {
		t.Fatalf("FlagStale failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 on second scan, got %d", n)
	}
}

func TestUserRepository_UnflagFresh(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewUserRepository(conn)
	ctx := context.Background()

	u := createTestUser(t, repo, "111", now())
	if _, err := conn.Exec(`UPDATE users SET attention_needed = 1 WHERE id = ?`, u.ID); err != nil {
		t.Fatal(err)
	}

	n, err := repo.UnflagFresh(ctx, now().Add(-14*24*time.Hour))
	if err != nil {
		t.Fatalf("UnflagFresh failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 unflagged user, got %d", n)
	}
}

func TestUserRepository_ResetAttention(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewUserRepository(conn)
	ctx := context.Background()

	u := createTestUser(t, repo, "111", now().Add(-30*24*time.Hour))
	if _, err := repo.FlagStale(ctx, now().Add(-14*24*time.Hour)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		chatIDs []string
		want    int64
	}{
		{"flagged user", []string{"111"}, 1},
		{"already reset", []string{"111"}, 1},
		{"unknown chat id", []string{"999"}, 0},
		{"empty input", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := repo.ResetAttention(ctx, tt.chatIDs)
			if err != nil {
				t.Fatalf("ResetAttention failed: %v", err)
			}
			if n != tt.want {
				t.Errorf("expected %d rows, got %d", tt.want, n)
			}
		})
	}

	got, _ := repo.GetByID(ctx, u.ID)
	if got.AttentionNeeded {
		t.Error("expected flag to be cleared")
	}
}

func TestUserRepository_ListActiveAndAttention(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewUserRepository(conn)
	ctx := context.Background()

	createTestUser(t, repo, "active", now())
	createTestUser(t, repo, "stale", now().Add(-20*24*time.Hour))
	createTestUser(t, repo, "blocked", now().Add(-20*24*time.Hour))
	if err := repo.SetBlocked(ctx, "blocked", true); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.FlagStale(ctx, now().Add(-14*24*time.Hour)); err != nil {
		t.Fatal(err)
	}

	active, err := repo.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active users, got %d", len(active))
	}

	attention, err := repo.ListAttentionNeeded(ctx)
	if err != nil {
		t.Fatalf("ListAttentionNeeded failed: %v", err)
	}
	if len(attention) != 1 || attention[0].ChatID != "stale" {
		t.Errorf("expected only stale user, got %+v", attention)
	}
}

func TestUserRepository_DeleteByChatIDsCascades(t *testing.T) {
	conn := setupTestDB(t)
	users := NewUserRepository(conn)
	rules := NewSalesRuleRepository(conn)
	coupons := NewCouponRepository(conn)
	postQueue := NewPostQueueRepository(conn)
	ruleQueue := NewSalesRuleQueueRepository(conn)
	ctx := context.Background()

	u := createTestUser(t, users, "111", now())
	keep := createTestUser(t, users, "222", now())
	rule := createTestRule(t, rules, 1)

	if _, err := rules.LinkUser(ctx, u.ID, rule.ID); err != nil {
		t.Fatal(err)
	}
	if err := coupons.Create(ctx, couponFixture(rule, "111", "AAAAAAAAAA")); err != nil {
		t.Fatal(err)
	}
	if err := postQueue.Insert(ctx, u.ID, 5); err != nil {
		t.Fatal(err)
	}
	if err := ruleQueue.Insert(ctx, u.ID, rule.ID); err != nil {
		t.Fatal(err)
	}
	if err := ruleQueue.Insert(ctx, keep.ID, rule.ID); err != nil {
		t.Fatal(err)
	}

	n, err := users.DeleteByChatIDs(ctx, []string{"111", "unknown"})
	if err != nil {
		t.Fatalf("DeleteByChatIDs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted user, got %d", n)
	}

	for table, want := range map[string]int{
		"users":            1,
		"coupon_codes":     0,
		"user_sales_rules": 0,
		"post_queue":       0,
		"sales_rule_queue": 1,
	} {
		var count int
		if err := conn.Get(&count, "SELECT COUNT(*) FROM "+table); err != nil {
			t.Fatal(err)
		}
		if count != want {
			t.Errorf("%s: expected %d rows, got %d", table, want, count)
		}
	}
}
