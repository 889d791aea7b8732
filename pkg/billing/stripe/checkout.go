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

const checkoutBodyLimit = 16 * 1024

// CheckoutRequest is the body of POST /api/stripe/checkout.
type CheckoutRequest struct {
	PriceID       string `json:"price_id" validate:"required"`
	CreditsAmount int64  `json:"credits_amount" validate:"required,gt=0"`
}

// CheckoutResponse carries the hosted checkout page URL.
type CheckoutResponse struct {
	URL string `json:"url"`
}

func (p *Provider) handleCheckout(w http.ResponseWriter, r *http.Request) {
	httpx.SetSecurityHeaders(w)

	auth := zamar.RequestCredentials(r).Effective()
	if !hasBearer(auth) {
		p.metrics.RecordCheckout(providerName, "unauthorized")
		httpx.WriteError(w, http.StatusUnauthorized, p.localizer.Message(r, zamar.MsgNotLoggedIn))
		return
	}

	body, err := httpx.ReadBody(w, r, checkoutBodyLimit)
	if err != nil {
		p.metrics.RecordCheckout(providerName, "invalid")
		httpx.WriteError(w, http.StatusBadRequest, p.localizer.Message(r, zamar.MsgInvalidRequest))
		return
	}
	var req CheckoutRequest
	if err := httpx.DecodeAndValidate(body, &req); err != nil {
		p.metrics.RecordCheckout(providerName, "invalid")
		resp := map[string]interface{}{"error": p.localizer.Message(r, zamar.MsgInvalidRequest)}
		var verr *httpx.ValidationError
		if errors.As(err, &verr) {
			fields := make([]string, 0, len(verr.Fields))
			for _, f := range verr.Fields {
				fields = append(fields, f.Field)
			}
			resp["fields"] = fields
		}
		_ = httpx.WriteJSON(w, http.StatusBadRequest, resp)
		return
	}

	user, err := p.identity.Me(r.Context(), auth)
	if err != nil {
		// Any non-2xx identity reply means not logged in.
		var upstream *zamar.UpstreamError
		if errors.As(err, &upstream) || errors.Is(err, zamar.ErrUnauthorized) {
			p.metrics.RecordCheckout(providerName, "unauthorized")
			httpx.WriteError(w, http.StatusUnauthorized, p.localizer.Message(r, zamar.MsgNotLoggedIn))
			return
		}
		p.checkoutFailed(w, r, fmt.Errorf("failed to resolve user: %w", err))
		return
	}

	url, err := p.CheckoutURL(r.Context(), user, req.PriceID, req.CreditsAmount)
	if err != nil {
		p.checkoutFailed(w, r, err)
		return
	}

	p.metrics.RecordCheckout(providerName, "success")
	_ = httpx.WriteJSON(w, http.StatusOK, CheckoutResponse{URL: url})
}

func (p *Provider) checkoutFailed(w http.ResponseWriter, r *http.Request, err error) {
	p.metrics.RecordCheckout(providerName, "error")
	p.logger.Error("stripe checkout failed", zamar.F("error", err))
	httpx.WriteError(w, http.StatusInternalServerError, p.localizer.Message(r, zamar.MsgCheckoutFailed))
}

// CheckoutURL creates a one-time payment Checkout Session for a credit pack and returns its URL.
// The user id and credit amount travel in session metadata for the webhook.
func (p *Provider) CheckoutURL(ctx context.Context, user *zamar.User, priceID string, creditsAmount int64) (string, error) {
	startTime := time.Now()

	params := &stripe.CheckoutSessionCreateParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		CustomerEmail:      stripe.String(user.Email),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.webURL + "/credits/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(p.webURL + "/credits"),
	}
	params.Metadata = map[string]string{
		metadataUserID:        user.ID,
		metadataCreditsAmount: strconv.FormatInt(creditsAmount, 10),
	}

	session, err := p.sessions.Create(ctx, params)
	p.observeAPICall("checkout.sessions.create", startTime, err)
	if err != nil {
		return "", fmt.Errorf("%w: create checkout session: %w", billing.ErrProviderAPIError, err)
	}
	return session.URL, nil
}

func hasBearer(auth string) bool {
	const prefix = "Bearer "
	return len(auth) > len(prefix) && auth[:len(prefix)] == prefix
}
