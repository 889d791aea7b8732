package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/zamar-app/gateway/internal/httpx"
	"github.com/zamar-app/gateway/pkg/billing"
	"github.com/zamar-app/gateway/pkg/zamar"
)

// VerifyResponse is returned for a paid session.
// CreditsAmount is nil when the metadata is absent or not an integer.
type VerifyResponse struct {
	Success       bool   `json:"success"`
	CreditsAmount *int64 `json:"credits_amount"`
	PaymentStatus string `json:"payment_status"`
}

func (p *Provider) handleVerify(w http.ResponseWriter, r *http.Request) {
	httpx.SetSecurityHeaders(w)

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "Missing session_id")
		return
	}

	resp, err := p.VerifySession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, billing.ErrPaymentNotCompleted) {
			httpx.WriteError(w, http.StatusBadRequest, "Payment not completed")
			return
		}
		p.logger.Error("stripe verify failed", zamar.F("session_id", sessionID), zamar.F("error", err))
		httpx.WriteError(w, http.StatusInternalServerError, "Failed to verify payment")
		return
	}

	_ = httpx.WriteJSON(w, http.StatusOK, resp)
}

// VerifySession retrieves a checkout session and reports the credits it carries.
// It returns billing.ErrPaymentNotCompleted for sessions that are not paid. It never grants credits.
func (p *Provider) VerifySession(ctx context.Context, sessionID string) (*VerifyResponse, error) {
	startTime := time.Now()
	session, err := p.sessions.Retrieve(ctx, sessionID, &stripe.CheckoutSessionRetrieveParams{})
	p.observeAPICall("checkout.sessions.retrieve", startTime, err)
	if err != nil {
		return nil, fmt.Errorf("%w: retrieve checkout session: %w", billing.ErrProviderAPIError, err)
	}

	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, billing.ErrPaymentNotCompleted
	}

	return &VerifyResponse{
		Success:       true,
		CreditsAmount: parseCredits(session.Metadata[metadataCreditsAmount]),
		PaymentStatus: string(session.PaymentStatus),
	}, nil
}

func parseCredits(s string) *int64 {
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
