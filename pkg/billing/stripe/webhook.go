package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/zamar-app/gateway/internal/httpx"
	"github.com/zamar-app/gateway/pkg/billing"
	"github.com/zamar-app/gateway/pkg/zamar"
)

const (
	headerSignature = "Stripe-Signature"

	reloadTypeAuto   = "auto_reload"
	reloadTypeManual = "manual_reload"
)

// handleWebhook processes incoming Stripe webhook events.
// Only a missing or invalid signature is rejected; every verified event is acknowledged.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	httpx.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if p.webhookSecret == "" {
		httpx.WriteError(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}

	body, err := httpx.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, httpx.ErrPayloadTooLarge) {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			httpx.WriteError(w, http.StatusBadRequest, "invalid payload")
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get(headerSignature)
	if sig == "" {
		httpx.WriteError(w, http.StatusBadRequest, "Missing stripe-signature header")
		p.metrics.RecordWebhookError(providerName, "missing_signature")
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, sig, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", billing.ErrInvalidWebhookSignature, err)
		p.logger.Warn("stripe webhook signature verification failed", zamar.F("error", err))
		httpx.WriteError(w, http.StatusBadRequest, "Invalid signature")
		p.metrics.RecordWebhookError(providerName, "invalid_signature")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "unknown"
	}

	// The grant must not be abandoned when the processor hangs up.
	ctx := context.WithoutCancel(r.Context())
	status, code := p.processWebhookEvent(ctx, &event)

	switch code {
	case http.StatusConflict:
		httpx.WriteError(w, code, "Event is being processed")
	case http.StatusInternalServerError:
		httpx.WriteError(w, code, "Credit grant failed")
	default:
		_ = httpx.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent dispatches a verified event and returns its metrics
// status and the response code.
//
// With a ledger the event id is claimed first. A delivery that finds the
// event done is acknowledged; one that finds another delivery's lease gets
// 409 so the processor retries it. The claim is completed once the event is
// settled (handled, skipped or dead-lettered) and released otherwise, in which
// case the response is 500 so the processor redelivers.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (string, int) {
	p.logger.Debug("stripe webhook received",
		zamar.F("event_id", event.ID),
		zamar.F("event_type", string(event.Type)))

	claimed := false
	if p.ledger != nil && event.ID != "" {
		state, err := p.ledger.Claim(ctx, event.ID, p.claimLease)
		switch {
		case err != nil:
			p.logger.Warn("event ledger unavailable, processing anyway",
				zamar.F("event_id", event.ID),
				zamar.F("error", err))
		case state == billing.ClaimDone:
			p.logger.Info("duplicate stripe event skipped",
				zamar.F("event_id", event.ID),
				zamar.F("event_type", string(event.Type)))
			return "duplicate", http.StatusOK
		case state == billing.ClaimInFlight:
			p.logger.Info("stripe event already in progress",
				zamar.F("event_id", event.ID),
				zamar.F("event_type", string(event.Type)))
			return "in_flight", http.StatusConflict
		default:
			claimed = true
		}
	}

	status, err := p.dispatch(ctx, event)
	if claimed {
		p.settleClaim(ctx, event.ID, err == nil)
	}
	if err != nil {
		return status, http.StatusInternalServerError
	}
	return status, http.StatusOK
}

// dispatch handles one event. A non-nil error means a credit grant was
// neither applied nor recorded as a dead letter.
func (p *Provider) dispatch(ctx context.Context, event *stripe.Event) (string, error) {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		return p.handleCheckoutSessionCompleted(ctx, event)
	case stripe.EventTypePaymentIntentSucceeded:
		return p.handlePaymentIntentSucceeded(event), nil
	case stripe.EventTypePaymentIntentPaymentFailed:
		return p.handlePaymentIntentFailed(event), nil
	case stripe.EventTypeSetupIntentSucceeded:
		return p.handleSetupIntentSucceeded(event), nil
	case stripe.EventTypePaymentMethodDetached:
		return p.handlePaymentMethodDetached(event), nil
	default:
		p.logger.Info("unhandled stripe event type", zamar.F("event_type", string(event.Type)))
		return "ignored", nil
	}
}

func (p *Provider) settleClaim(ctx context.Context, eventID string, settled bool) {
	if settled {
		if err := p.ledger.Complete(ctx, eventID); err != nil {
			p.logger.Error("failed to complete stripe event", zamar.F("event_id", eventID), zamar.F("error", err))
		}
		return
	}
	if err := p.ledger.Release(ctx, eventID); err != nil {
		p.logger.Error("failed to release stripe event", zamar.F("event_id", eventID), zamar.F("error", err))
	}
}

// handleCheckoutSessionCompleted grants the credits recorded in the session metadata.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) (string, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		p.invalidPayload(event, err)
		return "error", nil
	}

	grant, err := grantFromSession(&session)
	if err != nil {
		p.logger.Error("missing metadata in checkout session",
			zamar.F("session_id", session.ID),
			zamar.F("error", err))
		return "skipped", nil
	}

	if err := p.credits.AddCredits(ctx, grant); err != nil {
		p.metrics.RecordCreditGrant(providerName, "error")
		p.logger.Error("failed to add credits",
			zamar.F("user_id", grant.UserID),
			zamar.F("session_id", grant.StripeSessionID),
			zamar.F("error", err))
		if recErr := p.recordFailure(ctx, event, grant, err); recErr != nil {
			return "error", fmt.Errorf("credit grant lost: %w", recErr)
		}
		return "error", nil
	}

	p.metrics.RecordCreditGrant(providerName, "success")
	p.logger.Info("credits added",
		zamar.F("user_id", grant.UserID),
		zamar.F("credits_amount", grant.CreditsAmount),
		zamar.F("session_id", grant.StripeSessionID))

	if p.config.WebhookCallback != nil {
		p.config.WebhookCallback(billing.WebhookEvent{
			EventID:         event.ID,
			UserID:          grant.UserID,
			CreditsAmount:   grant.CreditsAmount,
			SessionID:       grant.StripeSessionID,
			PaymentIntentID: grant.StripePaymentIntentID,
			Provider:        providerName,
			EventType:       string(event.Type),
			EventTimestamp:  time.Unix(event.Created, 0).UTC(),
		})
	}
	return "success", nil
}

// recordFailure stores a dead letter. Without a ledger it does nothing.
func (p *Provider) recordFailure(ctx context.Context, event *stripe.Event, grant zamar.CreditGrant, cause error) error {
	if p.ledger == nil {
		return nil
	}
	failure := billing.FailedGrant{
		EventID:   event.ID,
		EventType: string(event.Type),
		Grant:     grant,
		Error:     cause.Error(),
		FailedAt:  p.now().UTC(),
	}
	if err := p.ledger.RecordFailure(ctx, failure); err != nil {
		p.logger.Error("failed to record failed grant",
			zamar.F("event_id", event.ID),
			zamar.F("error", err))
		return err
	}
	return nil
}

func (p *Provider) invalidPayload(event *stripe.Event, err error) {
	p.logger.Error("failed to parse stripe event",
		zamar.F("event_id", event.ID),
		zamar.F("event_type", string(event.Type)),
		zamar.F("error", fmt.Errorf("%w: %w", billing.ErrInvalidWebhookPayload, err)))
	p.metrics.RecordWebhookError(providerName, "invalid_payload")
}

// grantFromSession builds the credit-add body from session metadata.
func grantFromSession(session *stripe.CheckoutSession) (zamar.CreditGrant, error) {
	userID := session.Metadata[metadataUserID]
	raw := session.Metadata[metadataCreditsAmount]
	if userID == "" || raw == "" {
		return zamar.CreditGrant{}, billing.ErrMissingMetadata
	}
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return zamar.CreditGrant{}, fmt.Errorf("%w: credits_amount %q is not an integer", billing.ErrMissingMetadata, raw)
	}

	grant := zamar.CreditGrant{
		UserID:          userID,
		CreditsAmount:   amount,
		StripeSessionID: session.ID,
	}
	if session.PaymentIntent != nil {
		grant.StripePaymentIntentID = session.PaymentIntent.ID
	}
	return grant, nil
}

func (p *Provider) handlePaymentIntentSucceeded(event *stripe.Event) string {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		p.invalidPayload(event, err)
		return "error"
	}

	if t := intent.Metadata[metadataType]; t == reloadTypeAuto || t == reloadTypeManual {
		p.logger.Info("reload payment succeeded",
			zamar.F("payment_intent_id", intent.ID),
			zamar.F("reload_type", t),
			zamar.F("user_id", intent.Metadata[metadataUserID]))
	}
	return "success"
}

func (p *Provider) handlePaymentIntentFailed(event *stripe.Event) string {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		p.invalidPayload(event, err)
		return "error"
	}

	var reason string
	if intent.LastPaymentError != nil {
		reason = intent.LastPaymentError.Msg
	}
	p.logger.Error("payment failed",
		zamar.F("payment_intent_id", intent.ID),
		zamar.F("reason", reason))

	if intent.Metadata[metadataType] == reloadTypeAuto {
		p.logger.Error("auto-reload failed",
			zamar.F("user_id", intent.Metadata[metadataUserID]),
			zamar.F("reason", reason))
	}
	return "success"
}

func (p *Provider) handleSetupIntentSucceeded(event *stripe.Event) string {
	var intent stripe.SetupIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		p.invalidPayload(event, err)
		return "error"
	}
	var customerID string
	if intent.Customer != nil {
		customerID = intent.Customer.ID
	}
	p.logger.Info("setup intent succeeded",
		zamar.F("setup_intent_id", intent.ID),
		zamar.F("customer_id", customerID))
	return "success"
}

func (p *Provider) handlePaymentMethodDetached(event *stripe.Event) string {
	var method stripe.PaymentMethod
	if err := json.Unmarshal(event.Data.Raw, &method); err != nil {
		p.invalidPayload(event, err)
		return "error"
	}
	var customerID string
	if method.Customer != nil {
		customerID = method.Customer.ID
	}
	p.logger.Info("payment method detached",
		zamar.F("payment_method_id", method.ID),
		zamar.F("customer_id", customerID))
	return "success"
}
