package zamar

import (
	"encoding/json"
	"time"
)

// User is the caller identity returned by the backend's /api/auth/me endpoint.
// The gateway never mutates it; balances are snapshots that may be stale.
type User struct {
	ID           string        `json:"id"`
	Email        string        `json:"email"`
	Username     string        `json:"username,omitempty"`
	Role         string        `json:"role,omitempty"`
	Credits      *Credits      `json:"credits,omitempty"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

// Credits is the user's balance in minor currency units.
type Credits struct {
	Count       int64     `json:"count"`
	LastUpdated time.Time `json:"last_updated"`
}

// Subscription is the optional subscription tier of a user.
type Subscription struct {
	Active    bool       `json:"active"`
	Tier      string     `json:"tier"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// UnmarshalJSON accepts both "_id" and "id" for the user identifier.
func (u *User) UnmarshalJSON(data []byte) error {
	type alias User
	aux := struct {
		*alias
		MongoID string `json:"_id"`
	}{alias: (*alias)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.MongoID != "" {
		u.ID = aux.MongoID
	}
	return nil
}

// AutoReloadSettings is a read-only projection of the backend's auto-reload state.
// Threshold and retry logic are owned by the backend.
type AutoReloadSettings struct {
	Enabled          bool       `json:"enabled"`
	Threshold        int64      `json:"threshold"`
	ReloadAmount     int64      `json:"reload_amount"`
	HasPaymentMethod bool       `json:"has_payment_method"`
	LastReloadAt     *time.Time `json:"last_reload_at"`
	FailedAttempts   int        `json:"failed_attempts"`
	PausedUntil      *time.Time `json:"paused_until"`
}

// PaymentMethod is a saved card as listed by the backend.
type PaymentMethod struct {
	ID        string `json:"id"`
	Brand     string `json:"brand"`
	Last4     string `json:"last4"`
	ExpMonth  int    `json:"exp_month"`
	ExpYear   int    `json:"exp_year"`
	IsDefault bool   `json:"is_default"`
}

// CreditGrant is the body sent to the backend's credit-add endpoint.
type CreditGrant struct {
	UserID                string `json:"user_id"`
	CreditsAmount         int64  `json:"credits_amount"`
	StripeSessionID       string `json:"stripe_session_id"`
	StripePaymentIntentID string `json:"stripe_payment_intent_id,omitempty"`
}
