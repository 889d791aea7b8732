// Package memory provides an in-memory implementation of the billing.EventLedger interface.
// This implementation is primarily intended for testing and single-instance deployments.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zamar-app/gateway/pkg/billing"
)

const (
	defaultCleanupEvery  = 100
	defaultCleanupAtSize = 10000
)

type eventEntry struct {
	done      bool
	expiresAt time.Time
}

// Ledger implements billing.EventLedger using in-memory maps.
// Expired ids are swept every cleanupEvery claims or once the map grows
// past cleanupAtSize.
type Ledger struct {
	mu            sync.Mutex
	events        map[string]eventEntry
	failures      map[string]billing.FailedGrant
	ttl           time.Duration
	now           func() time.Time
	claims        int
	cleanupEvery  int
	cleanupAtSize int
}

// New creates a new in-memory ledger. A non-positive ttl means billing.DefaultEventTTL.
func New(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = billing.DefaultEventTTL
	}
	return &Ledger{
		events:        make(map[string]eventEntry),
		failures:      make(map[string]billing.FailedGrant),
		ttl:           ttl,
		now:           time.Now,
		cleanupEvery:  defaultCleanupEvery,
		cleanupAtSize: defaultCleanupAtSize,
	}
}

// Claim implements billing.EventLedger
func (l *Ledger) Claim(_ context.Context, eventID string, lease time.Duration) (billing.ClaimState, error) {
	if eventID == "" {
		return billing.ClaimInFlight, errors.New("event id is required")
	}
	if lease <= 0 {
		lease = billing.DefaultClaimLease
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.claims++
	if l.claims%l.cleanupEvery == 0 || len(l.events) > l.cleanupAtSize {
		l.cleanupExpired(now)
		l.claims = 0
	}

	if e, ok := l.events[eventID]; ok && now.Before(e.expiresAt) {
		if e.done {
			return billing.ClaimDone, nil
		}
		return billing.ClaimInFlight, nil
	}
	l.events[eventID] = eventEntry{expiresAt: now.Add(lease)}
	return billing.ClaimAcquired, nil
}

// Complete implements billing.EventLedger
func (l *Ledger) Complete(_ context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[eventID] = eventEntry{done: true, expiresAt: l.now().Add(l.ttl)}
	return nil
}

// Release implements billing.EventLedger
func (l *Ledger) Release(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.events[eventID]; ok && !e.done {
		delete(l.events, eventID)
	}
	return nil
}

// RecordFailure implements billing.EventLedger
func (l *Ledger) RecordFailure(_ context.Context, failure billing.FailedGrant) error {
	if failure.EventID == "" {
		return errors.New("event id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[failure.EventID] = failure
	return nil
}

// ListFailures implements billing.EventLedger
func (l *Ledger) ListFailures(_ context.Context) ([]billing.FailedGrant, error) {
	l.mu.Lock()
	out := make([]billing.FailedGrant, 0, len(l.failures))
	for _, f := range l.failures {
		out = append(out, f)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].FailedAt.Before(out[j].FailedAt)
	})
	return out, nil
}

// DeleteFailure implements billing.EventLedger
func (l *Ledger) DeleteFailure(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.failures[eventID]; !ok {
		return billing.ErrFailureNotFound
	}
	delete(l.failures, eventID)
	return nil
}

// Cleanup drops expired event ids.
func (l *Ledger) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanupExpired(l.now())
}

func (l *Ledger) cleanupExpired(now time.Time) {
	for id, e := range l.events {
		if !now.Before(e.expiresAt) {
			delete(l.events, id)
		}
	}
}
