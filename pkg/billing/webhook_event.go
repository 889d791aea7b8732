package billing

import "time"

// WebhookEvent describes a checkout session that was credited.
// It is passed to the WebhookCallback after the backend accepted the grant.
type WebhookEvent struct {
	// EventID is the processor event id
	EventID string

	// UserID is the backend user identifier from session metadata
	UserID string

	// CreditsAmount is the number of credits granted
	CreditsAmount int64

	// SessionID is the checkout session id
	SessionID string

	// PaymentIntentID is empty for sessions without a payment intent
	PaymentIntentID string

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventType is the provider-specific event type
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time
}
