package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"

	"github.com/CShear/regen-compute-credits/internal/pool"
)

const maxWebhookBody = 64 << 10

// handleStripeWebhook ingests gateway events. Completed checkout
// sessions credit the payer's prepaid balance and record a pool
// contribution; both writes are idempotent, so a non-2xx answer is
// always safe to give and lets the gateway retry.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhooks == nil {
		writeError(w, s.log, http.StatusServiceUnavailable, codeServiceUnavailable, "payment webhooks are not configured", nil)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, s.log, http.StatusBadRequest, codeInvalidRequest, "could not read webhook body", nil)
		return
	}

	event, err := s.deps.Webhooks.ParseWebhookEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.log.Warn().Err(err).Msg("Webhook rejected")
		writeError(w, s.log, http.StatusBadRequest, codeInvalidRequest, "invalid webhook payload", nil)
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		s.applyCheckoutSession(w, r, event)
	default:
		// Acknowledge everything else so the gateway stops retrying.
		s.log.Debug().Str("type", string(event.Type)).Msg("Ignoring webhook event")
		writeJSON(w, s.log, http.StatusOK, map[string]interface{}{"received": true})
	}
}

func (s *Server) applyCheckoutSession(w http.ResponseWriter, r *http.Request, event stripe.Event) {
	var session stripe.CheckoutSession
	if event.Data == nil {
		writeError(w, s.log, http.StatusBadRequest, codeInvalidRequest, "event has no data object", nil)
		return
	}
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		writeError(w, s.log, http.StatusBadRequest, codeInvalidRequest, "malformed checkout session", nil)
		return
	}

	if session.PaymentStatus != "" && session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		s.log.Info().Str("session_id", session.ID).Str("payment_status", string(session.PaymentStatus)).
			Msg("Checkout session not paid yet, ignoring")
		writeJSON(w, s.log, http.StatusOK, map[string]interface{}{"received": true})
		return
	}

	email := ""
	if session.CustomerDetails != nil {
		email = session.CustomerDetails.Email
	}
	if email == "" {
		email = session.CustomerEmail
	}
	if email == "" || session.AmountTotal <= 0 {
		s.log.Warn().Str("session_id", session.ID).Msg("Checkout session missing email or amount")
		writeError(w, s.log, http.StatusBadRequest, codeInvalidRequest, "checkout session has no payer email or amount", nil)
		return
	}

	user, created, err := s.deps.Accounts.FindOrCreateUserByEmail(r.Context(), email)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", session.ID).Msg("Webhook account lookup failed")
		writeError(w, s.log, http.StatusInternalServerError, codeInternal, "could not resolve account", nil)
		return
	}
	if session.Customer != nil {
		if err := s.deps.Accounts.LinkStripeCustomer(r.Context(), user.ID, session.Customer.ID); err != nil {
			s.log.Warn().Err(err).Str("user_id", user.ID).Msg("Could not link gateway customer")
		}
	}

	applied, err := s.deps.Accounts.CreditTopUp(r.Context(), user.ID, session.AmountTotal, session.ID, "Stripe checkout top-up")
	if err != nil {
		s.log.Error().Err(err).Str("session_id", session.ID).Msg("Webhook top-up failed")
		writeError(w, s.log, http.StatusInternalServerError, codeInternal, "could not apply top-up", nil)
		return
	}

	contributedAt := time.Unix(event.Created, 0).UTC().Format(time.RFC3339)
	if event.Created == 0 {
		contributedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err = s.deps.Pool.RecordContribution(r.Context(), pool.RecordInput{
		UserID:          user.ID,
		Email:           email,
		AmountUsdCents:  session.AmountTotal,
		ContributedAt:   contributedAt,
		Source:          pool.SourceOneOff,
		ExternalEventID: "stripe_checkout:" + event.ID,
		Metadata:        map[string]string{"checkoutSessionId": session.ID},
	})
	if err != nil {
		// The top-up committed; a retry will skip it by session id and
		// land only the missing contribution.
		s.log.Error().Err(err).Str("session_id", session.ID).Msg("Webhook pool record failed")
		writeError(w, s.log, http.StatusInternalServerError, codeInternal, "could not record contribution", nil)
		return
	}

	s.log.Info().
		Str("user_id", user.ID).
		Str("session_id", session.ID).
		Int64("amount_cents", session.AmountTotal).
		Bool("new_account", created).
		Bool("applied", applied).
		Msg("Checkout session processed")
	writeJSON(w, s.log, http.StatusOK, map[string]interface{}{"received": true, "applied": applied})
}
