package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zamar-app/gateway/internal/httpx"
	"github.com/zamar-app/gateway/pkg/billing"
	"github.com/zamar-app/gateway/pkg/zamar"
)

const pathFailures = "/api/admin/credit-failures"

// failureRoutes lets an operator inspect and replay dead-lettered credit grants.
type failureRoutes struct {
	ledger  billing.EventLedger
	credits billing.CreditGranter
	logger  zamar.Logger
}

func (f *failureRoutes) Register(r chi.Router) {
	r.Get(pathFailures, f.list)
	r.Post(pathFailures+"/{eventId}/replay", f.replay)
	r.Delete(pathFailures+"/{eventId}", f.discard)
}

func (f *failureRoutes) list(w http.ResponseWriter, r *http.Request) {
	failures, err := f.ledger.ListFailures(r.Context())
	if err != nil {
		f.logger.Error("list credit failures failed", zamar.F("error", err))
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if failures == nil {
		failures = []billing.FailedGrant{}
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"failures": failures})
}

func (f *failureRoutes) replay(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	failure, ok, err := f.find(r, eventID)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "Failure not found")
		return
	}

	if err := f.credits.AddCredits(r.Context(), failure.Grant); err != nil {
		f.logger.Error("credit replay failed",
			zamar.F("event_id", eventID),
			zamar.F("user_id", failure.Grant.UserID),
			zamar.F("error", err),
		)
		httpx.WriteError(w, http.StatusBadGateway, "Credit replay failed")
		return
	}

	if err := f.ledger.DeleteFailure(r.Context(), eventID); err != nil && !errors.Is(err, billing.ErrFailureNotFound) {
		f.logger.Warn("credit replayed but failure not cleared", zamar.F("event_id", eventID), zamar.F("error", err))
	}
	f.logger.Info("credit grant replayed",
		zamar.F("event_id", eventID),
		zamar.F("user_id", failure.Grant.UserID),
		zamar.F("credits_amount", failure.Grant.CreditsAmount),
	)
	_ = writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (f *failureRoutes) discard(w http.ResponseWriter, r *http.Request) {
	err := f.ledger.DeleteFailure(r.Context(), chi.URLParam(r, "eventId"))
	switch {
	case errors.Is(err, billing.ErrFailureNotFound):
		httpx.WriteError(w, http.StatusNotFound, "Failure not found")
	case err != nil:
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
	default:
		_ = writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (f *failureRoutes) find(r *http.Request, eventID string) (billing.FailedGrant, bool, error) {
	failures, err := f.ledger.ListFailures(r.Context())
	if err != nil {
		return billing.FailedGrant{}, false, err
	}
	for _, fg := range failures {
		if fg.EventID == eventID {
			return fg, true, nil
		}
	}
	return billing.FailedGrant{}, false, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) error {
	httpx.SetSecurityHeaders(w)
	return httpx.WriteJSON(w, code, v)
}
