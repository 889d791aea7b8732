package billing

import (
	"context"
	"time"

	"github.com/zamar-app/gateway/pkg/zamar"
)

const (
	// DefaultEventTTL is how long processed event ids are remembered.
	// The processor retries deliveries for up to three days.
	DefaultEventTTL = 7 * 24 * time.Hour

	// DefaultClaimLease is how long an unfinished claim blocks other
	// deliveries of the same event. A claim left by a crashed process
	// lapses after it.
	DefaultClaimLease = 2 * time.Minute
)

// ClaimState is the outcome of claiming a webhook event id.
type ClaimState int

const (
	// ClaimAcquired means the caller owns the event and must Complete or Release it.
	ClaimAcquired ClaimState = iota
	// ClaimInFlight means another delivery holds an unexpired lease.
	ClaimInFlight
	// ClaimDone means the event was already processed.
	ClaimDone
)

func (s ClaimState) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimInFlight:
		return "in_flight"
	case ClaimDone:
		return "done"
	}
	return "unknown"
}

// FailedGrant is a credit grant the backend rejected or never received.
type FailedGrant struct {
	EventID   string            `json:"event_id"`
	Grant     zamar.CreditGrant `json:"grant"`
	Error     string            `json:"error"`
	FailedAt  time.Time         `json:"failed_at"`
	EventType string            `json:"event_type"`
}

// EventLedger records processed webhook events and failed grants.
// It never stores balances. Implementations must be safe for concurrent use.
type EventLedger interface {
	// Claim takes a lease on eventID. An expired lease or an expired
	// done record is claimed again.
	Claim(ctx context.Context, eventID string, lease time.Duration) (ClaimState, error)

	// Complete marks a claimed event done for the ledger's event TTL.
	Complete(ctx context.Context, eventID string) error

	// Release drops an unfinished claim so the next delivery can retry.
	// A done record is left in place.
	Release(ctx context.Context, eventID string) error

	// RecordFailure stores a dead-letter record keyed by its event id.
	RecordFailure(ctx context.Context, failure FailedGrant) error

	// ListFailures returns stored dead letters, oldest first.
	ListFailures(ctx context.Context) ([]FailedGrant, error)

	// DeleteFailure removes a dead letter after it has been replayed.
	// It returns ErrFailureNotFound when no record exists.
	DeleteFailure(ctx context.Context, eventID string) error
}
