package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/CShear/regen-compute-credits/internal/auth"
	"github.com/CShear/regen-compute-credits/internal/balance"
	"github.com/CShear/regen-compute-credits/internal/batch"
	"github.com/CShear/regen-compute-credits/internal/dashboard"
	"github.com/CShear/regen-compute-credits/internal/ledger"
	"github.com/CShear/regen-compute-credits/internal/pool"
	"github.com/CShear/regen-compute-credits/internal/subsync"
)

// Error codes in responses. Clients switch on these, so the set is
// closed: new failure modes map onto an existing code.
const (
	codeInvalidRequest     = "INVALID_REQUEST"
	codeUnauthorized       = "UNAUTHORIZED"
	codeNotFound           = "NOT_FOUND"
	codeRateLimited        = "RATE_LIMITED"
	codeServiceUnavailable = "SERVICE_UNAVAILABLE"
	codeInternal           = "INTERNAL_ERROR"
	codeVerificationFailed = "VERIFICATION_FAILED"
)

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, log zerolog.Logger, status int, code, message string, details interface{}) {
	writeJSON(w, log, status, errorEnvelope{Error: errorBody{Code: code, Message: message, Details: details}})
}

// writeServiceError maps domain errors onto the closed code set. The
// zero case is a 500 with the detail kept out of the response body.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *auth.VerificationError
	switch {
	case errors.As(err, &verr):
		writeError(w, s.log, http.StatusBadRequest, codeVerificationFailed, err.Error(), map[string]interface{}{
			"attempts":    verr.Attempts,
			"maxAttempts": verr.MaxAttempts,
			"locked":      verr.Locked,
		})
	case errors.Is(err, auth.ErrRecoveryInvalid),
		errors.Is(err, auth.ErrRecoveryUsed),
		errors.Is(err, auth.ErrRecoveryExpired):
		writeError(w, s.log, http.StatusBadRequest, codeVerificationFailed, err.Error(), nil)
	case errors.Is(err, pool.ErrInvalidInput),
		errors.Is(err, subsync.ErrInvalidRequest),
		errors.Is(err, batch.ErrInvalidRequest),
		errors.Is(err, dashboard.ErrInvalidRequest),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, auth.ErrSessionExpired),
		errors.Is(err, auth.ErrSessionState),
		errors.Is(err, auth.ErrNoVerifiedSession),
		errors.Is(err, batch.ErrExecutionActive):
		writeError(w, s.log, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
	case errors.Is(err, auth.ErrSessionNotFound),
		errors.Is(err, subsync.ErrCustomerNotFound),
		errors.Is(err, balance.ErrUserNotFound):
		writeError(w, s.log, http.StatusNotFound, codeNotFound, err.Error(), nil)
	case ledger.IsRetryable(err):
		writeError(w, s.log, http.StatusServiceUnavailable, codeServiceUnavailable, "upstream service is unavailable, retry shortly", nil)
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeError(w, s.log, http.StatusInternalServerError, codeInternal, "internal error", nil)
	}
}

// decodeBody parses a JSON request body into dst, rejecting unknown
// fields so typos surface as 400s instead of silent zero values.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, s.log, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body: "+err.Error(), nil)
		return false
	}
	return true
}
