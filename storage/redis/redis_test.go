package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zamar-app/gateway/pkg/billing"
	"github.com/zamar-app/gateway/pkg/zamar"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNew(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Error("expected error for nil client")
	}

	l, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if l.config.KeyPrefix != "zamar:" {
		t.Errorf("expected default prefix, got %q", l.config.KeyPrefix)
	}
	if l.config.EventTTL != billing.DefaultEventTTL {
		t.Errorf("expected default ttl, got %v", l.config.EventTTL)
	}
}

func TestLedger_Claim(t *testing.T) {
	client := setupTestRedis(t)
	l, err := New(client, Config{KeyPrefix: "test:", EventTTL: time.Minute})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	state, err := l.Claim(ctx, "evt_1", 30*time.Second)
	if err != nil || state != billing.ClaimAcquired {
		t.Fatalf("expected acquired claim, got state=%v err=%v", state, err)
	}
	state, err = l.Claim(ctx, "evt_1", 30*time.Second)
	if err != nil || state != billing.ClaimInFlight {
		t.Fatalf("expected in-flight claim, got state=%v err=%v", state, err)
	}

	ttl, err := client.TTL(ctx, "test:stripe_event:evt_1").Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("lease ttl should bound the pending claim, got %v", ttl)
	}

	if err := l.Complete(ctx, "evt_1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	state, err = l.Claim(ctx, "evt_1", 30*time.Second)
	if err != nil || state != billing.ClaimDone {
		t.Fatalf("expected done, got state=%v err=%v", state, err)
	}
	ttl, _ = client.TTL(ctx, "test:stripe_event:evt_1").Result()
	if ttl <= 30*time.Second || ttl > time.Minute {
		t.Errorf("done marker should carry the event ttl, got %v", ttl)
	}
}

func TestLedger_Release(t *testing.T) {
	client := setupTestRedis(t)
	l, err := New(client, Config{KeyPrefix: "test:", EventTTL: time.Minute})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	_, _ = l.Claim(ctx, "evt_1", time.Minute)
	if err := l.Release(ctx, "evt_1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if state, _ := l.Claim(ctx, "evt_1", time.Minute); state != billing.ClaimAcquired {
		t.Errorf("released event should be claimable, got %v", state)
	}

	_ = l.Complete(ctx, "evt_1")
	if err := l.Release(ctx, "evt_1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if state, _ := l.Claim(ctx, "evt_1", time.Minute); state != billing.ClaimDone {
		t.Errorf("release must not drop a done marker, got %v", state)
	}
}

func TestLedger_Failures(t *testing.T) {
	client := setupTestRedis(t)
	l, err := New(client, DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"evt_b", "evt_a"} {
		err := l.RecordFailure(ctx, billing.FailedGrant{
			EventID:  id,
			Grant:    zamar.CreditGrant{UserID: "u1", CreditsAmount: 100, StripeSessionID: "cs_" + id},
			Error:    "upstream returned status 500",
			FailedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
	}

	failures, err := l.ListFailures(ctx)
	if err != nil {
		t.Fatalf("ListFailures failed: %v", err)
	}
	if len(failures) != 2 || failures[0].EventID != "evt_b" {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	if failures[0].Grant.StripeSessionID != "cs_evt_b" {
		t.Errorf("grant not round-tripped: %+v", failures[0].Grant)
	}

	if err := l.DeleteFailure(ctx, "evt_b"); err != nil {
		t.Fatalf("DeleteFailure failed: %v", err)
	}
	if err := l.DeleteFailure(ctx, "evt_b"); !errors.Is(err, billing.ErrFailureNotFound) {
		t.Errorf("expected ErrFailureNotFound, got %v", err)
	}
}
