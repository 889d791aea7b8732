// Package firestore provides a Firestore implementation of the billing.EventLedger interface.
// Each claimed event id is a document whose state is pending or done; the
// expiresAt field can back a Firestore TTL policy.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zamar-app/gateway/pkg/billing"
	"github.com/zamar-app/gateway/pkg/zamar"
)

// Ledger implements billing.EventLedger using Google Cloud Firestore
type Ledger struct {
	client             *firestore.Client
	eventsCollection   string
	failuresCollection string
	eventTTL           time.Duration
	now                func() time.Time
}

// Config holds Firestore ledger configuration
type Config struct {
	// EventsCollection is the Firestore collection for processed webhook events
	// Default: "stripe_webhook_events"
	EventsCollection string

	// FailuresCollection is the Firestore collection for failed credit grants
	// Default: "credit_grant_failures"
	FailuresCollection string

	// EventTTL is how long a processed event id blocks redelivery
	// Default: billing.DefaultEventTTL
	EventTTL time.Duration
}

// New creates a new Firestore ledger
func New(client *firestore.Client, config Config) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.EventsCollection == "" {
		config.EventsCollection = "stripe_webhook_events"
	}
	if config.FailuresCollection == "" {
		config.FailuresCollection = "credit_grant_failures"
	}
	if config.EventTTL <= 0 {
		config.EventTTL = billing.DefaultEventTTL
	}

	return &Ledger{
		client:             client,
		eventsCollection:   config.EventsCollection,
		failuresCollection: config.FailuresCollection,
		eventTTL:           config.EventTTL,
		now:                time.Now,
	}, nil
}

const (
	statePending = "pending"
	stateDone    = "done"
)

// Claim implements billing.EventLedger
func (l *Ledger) Claim(ctx context.Context, eventID string, lease time.Duration) (billing.ClaimState, error) {
	if eventID == "" {
		return billing.ClaimInFlight, fmt.Errorf("event id is required")
	}
	if lease <= 0 {
		lease = billing.DefaultClaimLease
	}

	var result billing.ClaimState
	docRef := l.client.Collection(l.eventsCollection).Doc(eventID)
	err := l.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		now := l.now().UTC()

		snap, err := tx.Get(docRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			data := snap.Data()
			if getTime(data, "expiresAt").After(now) {
				result = billing.ClaimDone
				if getString(data, "state") == statePending {
					result = billing.ClaimInFlight
				}
				return nil
			}
		}

		result = billing.ClaimAcquired
		return tx.Set(docRef, map[string]interface{}{
			"eventId":     eventID,
			"state":       statePending,
			"processedAt": now,
			"expiresAt":   now.Add(lease),
		})
	})
	if err != nil {
		return billing.ClaimInFlight, fmt.Errorf("failed to claim event: %w", err)
	}
	return result, nil
}

// Complete implements billing.EventLedger
func (l *Ledger) Complete(ctx context.Context, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}
	now := l.now().UTC()
	_, err := l.client.Collection(l.eventsCollection).Doc(eventID).Set(ctx, map[string]interface{}{
		"eventId":     eventID,
		"state":       stateDone,
		"processedAt": now,
		"expiresAt":   now.Add(l.eventTTL),
	})
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	return nil
}

// Release implements billing.EventLedger
func (l *Ledger) Release(ctx context.Context, eventID string) error {
	docRef := l.client.Collection(l.eventsCollection).Doc(eventID)
	err := l.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(docRef)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if getString(snap.Data(), "state") != statePending {
			return nil
		}
		return tx.Delete(docRef)
	})
	if err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}

// RecordFailure implements billing.EventLedger
func (l *Ledger) RecordFailure(ctx context.Context, failure billing.FailedGrant) error {
	if failure.EventID == "" {
		return fmt.Errorf("event id is required")
	}

	doc := l.client.Collection(l.failuresCollection).Doc(failure.EventID)
	_, err := doc.Set(ctx, map[string]interface{}{
		"eventId":               failure.EventID,
		"eventType":             failure.EventType,
		"userId":                failure.Grant.UserID,
		"creditsAmount":         failure.Grant.CreditsAmount,
		"stripeSessionId":       failure.Grant.StripeSessionID,
		"stripePaymentIntentId": failure.Grant.StripePaymentIntentID,
		"error":                 failure.Error,
		"failedAt":              failure.FailedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// ListFailures implements billing.EventLedger
func (l *Ledger) ListFailures(ctx context.Context) ([]billing.FailedGrant, error) {
	iter := l.client.Collection(l.failuresCollection).OrderBy("failedAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []billing.FailedGrant
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list failures: %w", err)
		}

		data := snap.Data()
		out = append(out, billing.FailedGrant{
			EventID:   snap.Ref.ID,
			EventType: getString(data, "eventType"),
			Grant: zamar.CreditGrant{
				UserID:                getString(data, "userId"),
				CreditsAmount:         getInt64(data, "creditsAmount"),
				StripeSessionID:       getString(data, "stripeSessionId"),
				StripePaymentIntentID: getString(data, "stripePaymentIntentId"),
			},
			Error:    getString(data, "error"),
			FailedAt: getTime(data, "failedAt"),
		})
	}
	return out, nil
}

// DeleteFailure implements billing.EventLedger
func (l *Ledger) DeleteFailure(ctx context.Context, eventID string) error {
	doc := l.client.Collection(l.failuresCollection).Doc(eventID)
	if _, err := doc.Delete(ctx, firestore.Exists); err != nil {
		if status.Code(err) == codes.NotFound {
			return billing.ErrFailureNotFound
		}
		return fmt.Errorf("failed to delete failure: %w", err)
	}
	return nil
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
