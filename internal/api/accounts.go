package api

import (
	"net/http"
	"time"

	"github.com/CShear/regen-compute-credits/internal/auth"
	"github.com/CShear/regen-compute-credits/internal/balance"
)

// handleGetBalance returns the calling account with its recent audit
// trail. The API key itself is never echoed back.
func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r.Context())

	user, err := s.deps.Accounts.UserByID(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	txs, err := s.deps.Accounts.Transactions(r.Context(), userID, 20)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if txs == nil {
		txs = []balance.Transaction{}
	}

	writeJSON(w, s.log, http.StatusOK, map[string]interface{}{
		"userId":       user.ID,
		"email":        user.Email,
		"balanceCents": user.BalanceCents,
		"transactions": txs,
	})
}

// sessionView is the wire shape of a session. Code hashes and state
// tokens stay server-side.
type sessionView struct {
	ID                      string     `json:"id"`
	Method                  string     `json:"method"`
	Status                  string     `json:"status"`
	CreatedAt               time.Time  `json:"createdAt"`
	ExpiresAt               time.Time  `json:"expiresAt"`
	VerifiedAt              *time.Time `json:"verifiedAt,omitempty"`
	BeneficiaryName         string     `json:"beneficiaryName,omitempty"`
	BeneficiaryEmail        string     `json:"beneficiaryEmail,omitempty"`
	AuthProvider            string     `json:"authProvider,omitempty"`
	AuthSubject             string     `json:"authSubject,omitempty"`
	VerificationAttempts    int        `json:"verificationAttempts"`
	MaxVerificationAttempts int        `json:"maxVerificationAttempts"`
}

func newSessionView(sess *auth.Session) sessionView {
	return sessionView{
		ID:                      sess.ID,
		Method:                  sess.Method,
		Status:                  sess.Status,
		CreatedAt:               sess.CreatedAt,
		ExpiresAt:               sess.ExpiresAt,
		VerifiedAt:              sess.VerifiedAt,
		BeneficiaryName:         sess.BeneficiaryName,
		BeneficiaryEmail:        sess.BeneficiaryEmail,
		AuthProvider:            sess.AuthProvider,
		AuthSubject:             sess.AuthSubject,
		VerificationAttempts:    sess.VerificationAttempts,
		MaxVerificationAttempts: sess.MaxVerificationAttempts,
	}
}

// handleEmailStart opens an email verification session. The plain code
// goes back to the trusted caller for out-of-band delivery; only its
// hash is stored.
func (s *Server) handleEmailStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	sess, code, err := s.deps.Sessions.StartEmailAuth(r.Context(), req.Email, req.Name)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, map[string]interface{}{
		"session": newSessionView(sess),
		"code":    code,
	})
}

func (s *Server) handleEmailVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Code      string `json:"code"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	sess, err := s.deps.Sessions.VerifyEmailAuth(r.Context(), req.SessionID, req.Code)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, map[string]interface{}{"session": newSessionView(sess)})
}

// handleOAuthStart opens an oauth session and returns the signed state
// token the caller must thread through the provider round trip.
func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string `json:"provider"`
		Email    string `json:"email"`
		Name     string `json:"name"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	sess, state, err := s.deps.Sessions.StartOAuthAuth(r.Context(), req.Provider, req.Email, req.Name)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, map[string]interface{}{
		"session":         newSessionView(sess),
		"oauthStateToken": state,
	})
}

func (s *Server) handleOAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req auth.VerifyOAuthInput
	if !s.decodeBody(w, r, &req) {
		return
	}

	sess, err := s.deps.Sessions.VerifyOAuthAuth(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, map[string]interface{}{"session": newSessionView(sess)})
}

// handleRecoveryStart mints a single-use recovery token against the
// most recent verified session for the email. Like the email code, the
// raw token is handed to the trusted caller for delivery.
func (s *Server) handleRecoveryStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	token, rec, err := s.deps.Sessions.StartRecovery(r.Context(), req.Email)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, map[string]interface{}{
		"recoveryToken": token,
		"expiresAt":     rec.ExpiresAt,
	})
}

func (s *Server) handleRecoveryComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	sess, err := s.deps.Sessions.RecoverWithToken(r.Context(), req.Token)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, map[string]interface{}{"session": newSessionView(sess)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if sess == nil {
		writeError(w, s.log, http.StatusNotFound, codeNotFound, "session not found", nil)
		return
	}
	writeJSON(w, s.log, http.StatusOK, map[string]interface{}{"session": newSessionView(sess)})
}

// handleLinkSession binds a verified session to a prepaid account so
// later retirements inherit its attribution.
func (s *Server) handleLinkSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, s.log, http.StatusBadRequest, codeInvalidRequest, "userId is required", nil)
		return
	}

	sessionID := r.PathValue("id")
	if err := s.deps.Sessions.LinkSessionToUser(r.Context(), sessionID, req.UserID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, s.log, http.StatusOK, map[string]interface{}{
		"linked":    true,
		"sessionId": sessionID,
		"userId":    req.UserID,
	})
}
