// Package redis provides a Redis implementation of the billing.EventLedger interface.
// Event ids are claimed with SET NX under the lease, so concurrent deliveries
// race safely, then overwritten with a done marker under the event TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zamar-app/gateway/pkg/billing"
)

const (
	statePending = "pending"
	stateDone    = "done"
)

// releaseScript deletes a claim only while it is still pending.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Ledger implements billing.EventLedger using Redis
type Ledger struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis ledger configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "zamar:")
	KeyPrefix string

	// EventTTL is how long processed event ids are kept (default: billing.DefaultEventTTL)
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "zamar:",
		EventTTL:  billing.DefaultEventTTL,
	}
}

// New creates a new Redis ledger
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "zamar:"
	}
	if config.EventTTL <= 0 {
		config.EventTTL = billing.DefaultEventTTL
	}

	return &Ledger{client: client, config: config}, nil
}

func (l *Ledger) eventKey(eventID string) string {
	return l.config.KeyPrefix + "stripe_event:" + eventID
}

func (l *Ledger) failuresKey() string {
	return l.config.KeyPrefix + "credit_grant_failures"
}

// Claim implements billing.EventLedger
func (l *Ledger) Claim(ctx context.Context, eventID string, lease time.Duration) (billing.ClaimState, error) {
	if eventID == "" {
		return billing.ClaimInFlight, fmt.Errorf("event id is required")
	}
	if lease <= 0 {
		lease = billing.DefaultClaimLease
	}
	key := l.eventKey(eventID)

	// A key that vanishes between SET NX and GET is claimed again once.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := l.client.SetNX(ctx, key, statePending, lease).Result()
		if err != nil {
			return billing.ClaimInFlight, fmt.Errorf("failed to claim event: %w", err)
		}
		if ok {
			return billing.ClaimAcquired, nil
		}

		state, err := l.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return billing.ClaimInFlight, fmt.Errorf("failed to read event claim: %w", err)
		}
		if state == stateDone {
			return billing.ClaimDone, nil
		}
		return billing.ClaimInFlight, nil
	}
	return billing.ClaimInFlight, nil
}

// Complete implements billing.EventLedger
func (l *Ledger) Complete(ctx context.Context, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}
	if err := l.client.Set(ctx, l.eventKey(eventID), stateDone, l.config.EventTTL).Err(); err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	return nil
}

// Release implements billing.EventLedger
func (l *Ledger) Release(ctx context.Context, eventID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.eventKey(eventID)}, statePending).Err(); err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}

// RecordFailure implements billing.EventLedger
func (l *Ledger) RecordFailure(ctx context.Context, failure billing.FailedGrant) error {
	if failure.EventID == "" {
		return fmt.Errorf("event id is required")
	}
	data, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("failed to marshal failure: %w", err)
	}
	if err := l.client.HSet(ctx, l.failuresKey(), failure.EventID, data).Err(); err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// ListFailures implements billing.EventLedger
func (l *Ledger) ListFailures(ctx context.Context) ([]billing.FailedGrant, error) {
	values, err := l.client.HGetAll(ctx, l.failuresKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}

	out := make([]billing.FailedGrant, 0, len(values))
	for id, raw := range values {
		var f billing.FailedGrant
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal failure %s: %w", id, err)
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FailedAt.Before(out[j].FailedAt)
	})
	return out, nil
}

// DeleteFailure implements billing.EventLedger
func (l *Ledger) DeleteFailure(ctx context.Context, eventID string) error {
	n, err := l.client.HDel(ctx, l.failuresKey(), eventID).Result()
	if err != nil {
		return fmt.Errorf("failed to delete failure: %w", err)
	}
	if n == 0 {
		return billing.ErrFailureNotFound
	}
	return nil
}
