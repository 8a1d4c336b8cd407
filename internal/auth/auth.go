package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CShear/regen-compute-credits/internal/identity"
)

var (
	ErrInvalidInput      = errors.New("invalid auth input")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExpired    = errors.New("session has expired")
	ErrSessionState      = errors.New("session is not in a verifiable state")
	ErrNoVerifiedSession = errors.New("no verified session for that email")
	ErrRecoveryInvalid   = errors.New("invalid recovery token")
	ErrRecoveryUsed      = errors.New("recovery token already used")
	ErrRecoveryExpired   = errors.New("recovery token has expired")
)

// VerificationError reports a failed code check with enough context for the
// caller to show remaining attempts.
type VerificationError struct {
	Attempts    int
	MaxAttempts int
	Locked      bool
}

func (e *VerificationError) Error() string {
	if e.Locked {
		return fmt.Sprintf("verification failed: session locked after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("verification failed: attempt %d of %d", e.Attempts, e.MaxAttempts)
}

const (
	defaultSessionTTL  = 15 * time.Minute
	defaultRecoveryTTL = 24 * time.Hour
	defaultMaxAttempts = 5
)

// Service owns the session lifecycle. All read-modify-write sequences are
// serialized by a process mutex so concurrent verifications cannot race the
// attempt counter.
type Service struct {
	store       *Store
	secret      []byte
	providers   map[string]bool
	sessionTTL  time.Duration
	recoveryTTL time.Duration
	maxAttempts int
	now         func() time.Time
	log         zerolog.Logger

	mu sync.Mutex
}

// NewService wires the auth service. secret signs email-code hashes, oauth
// state tokens, and recovery-token hashes; providers is the oauth allowlist.
func NewService(store *Store, secret string, providers []string, logger zerolog.Logger) *Service {
	allowed := make(map[string]bool, len(providers))
	for _, p := range providers {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			allowed[p] = true
		}
	}
	return &Service{
		store:       store,
		secret:      []byte(secret),
		providers:   allowed,
		sessionTTL:  defaultSessionTTL,
		recoveryTTL: defaultRecoveryTTL,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
		log:         logger.With().Str("component", "auth").Logger(),
	}
}

// SetLimits overrides the session TTL, recovery TTL, and verification
// attempt cap. Zero values keep the defaults.
func (s *Service) SetLimits(sessionTTL, recoveryTTL time.Duration, maxAttempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionTTL > 0 {
		s.sessionTTL = sessionTTL
	}
	if recoveryTTL > 0 {
		s.recoveryTTL = recoveryTTL
	}
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
}

// StartEmailAuth opens a pending email session and returns the 6-digit
// code for out-of-band delivery. Only its hash is stored.
func (s *Service) StartEmailAuth(ctx context.Context, email, name string) (*Session, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attr, err := identity.CaptureIdentity(identity.CaptureInput{Name: name, Email: email})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if attr.Email == "" {
		return nil, "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}

	code, err := sixDigitCode()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate verification code: %w", err)
	}

	now := s.now().UTC()
	sess := Session{
		ID:                      uuid.New().String(),
		Method:                  MethodEmail,
		Status:                  StatusPending,
		CreatedAt:               now,
		ExpiresAt:               now.Add(s.sessionTTL),
		BeneficiaryName:         attr.Name,
		BeneficiaryEmail:        attr.Email,
		EmailCodeHash:           s.hashEmailCode(code, attr.Email),
		MaxVerificationAttempts: s.maxAttempts,
	}
	if err := s.store.SaveSession(sess); err != nil {
		return nil, "", err
	}

	s.log.Info().Str("session_id", sess.ID).Str("email", attr.Email).Msg("Email verification started")
	s.log.Debug().Str("session_id", sess.ID).Str("code", code).Msg("Verification code issued")
	return &sess, code, nil
}

// VerifyEmailAuth checks a code against the session's stored hash. Wrong
// codes count against the attempt budget and lock the session at the limit.
func (s *Service) VerifyEmailAuth(ctx context.Context, sessionID, code string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.loadSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Method != MethodEmail {
		return nil, fmt.Errorf("%w: session is not an email session", ErrInvalidInput)
	}
	switch sess.Status {
	case StatusPending:
	case StatusExpired:
		return nil, ErrSessionExpired
	case StatusLocked:
		return nil, &VerificationError{Attempts: sess.VerificationAttempts, MaxAttempts: sess.MaxVerificationAttempts, Locked: true}
	default:
		return nil, ErrSessionState
	}

	expected := s.hashEmailCode(strings.TrimSpace(code), sess.BeneficiaryEmail)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sess.EmailCodeHash)) == 1 {
		now := s.now().UTC()
		sess.Status = StatusVerified
		sess.VerifiedAt = &now
		if err := s.store.SaveSession(*sess); err != nil {
			return nil, err
		}
		s.log.Info().Str("session_id", sess.ID).Msg("Email session verified")
		return sess, nil
	}

	sess.VerificationAttempts++
	locked := sess.VerificationAttempts >= sess.MaxVerificationAttempts
	if locked {
		sess.Status = StatusLocked
	}
	if err := s.store.SaveSession(*sess); err != nil {
		return nil, err
	}
	if locked {
		s.log.Warn().Str("session_id", sess.ID).Int("attempts", sess.VerificationAttempts).Msg("Session locked after repeated failures")
	}
	return nil, &VerificationError{Attempts: sess.VerificationAttempts, MaxAttempts: sess.MaxVerificationAttempts, Locked: locked}
}

// StartOAuthAuth opens a pending oauth session and returns the signed state
// token the caller threads through the provider redirect.
func (s *Service) StartOAuthAuth(ctx context.Context, provider, email, name string) (*Session, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	provider = strings.ToLower(strings.TrimSpace(provider))
	if !s.providers[provider] {
		return nil, "", fmt.Errorf("%w: provider %q is not allowed", ErrInvalidInput, provider)
	}
	attr, err := identity.CaptureIdentity(identity.CaptureInput{Name: name, Email: email})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	now := s.now().UTC()
	id := uuid.New().String()
	state, err := s.mintStateToken(id, now.Add(s.sessionTTL))
	if err != nil {
		return nil, "", err
	}

	sess := Session{
		ID:                      id,
		Method:                  MethodOAuth,
		Status:                  StatusPending,
		CreatedAt:               now,
		ExpiresAt:               now.Add(s.sessionTTL),
		BeneficiaryName:         attr.Name,
		BeneficiaryEmail:        attr.Email,
		AuthProvider:            provider,
		OAuthStateToken:         state,
		MaxVerificationAttempts: s.maxAttempts,
	}
	if err := s.store.SaveSession(sess); err != nil {
		return nil, "", err
	}

	s.log.Info().Str("session_id", sess.ID).Str("provider", provider).Msg("OAuth verification started")
	return &sess, state, nil
}

// VerifyOAuthInput carries the callback side of the oauth dance.
type VerifyOAuthInput struct {
	SessionID  string `json:"sessionId"`
	StateToken string `json:"oauthStateToken"`
	Provider   string `json:"provider"`
	Subject    string `json:"subject"`
	Email      string `json:"email"`
}

// VerifyOAuthAuth validates the state token signature, binding, and expiry,
// then marks the session verified with the provider subject.
func (s *Service) VerifyOAuthAuth(ctx context.Context, in VerifyOAuthInput) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.loadSession(in.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Method != MethodOAuth {
		return nil, fmt.Errorf("%w: session is not an oauth session", ErrInvalidInput)
	}
	switch sess.Status {
	case StatusPending:
	case StatusExpired:
		return nil, ErrSessionExpired
	default:
		return nil, ErrSessionState
	}

	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider != sess.AuthProvider {
		return nil, fmt.Errorf("%w: provider mismatch", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Subject) == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if err := s.verifyStateToken(in.StateToken, sess.ID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sess.Status = StatusVerified
	sess.VerifiedAt = &now
	sess.AuthSubject = strings.TrimSpace(in.Subject)
	if sess.BeneficiaryEmail == "" && in.Email != "" {
		attr, err := identity.CaptureIdentity(identity.CaptureInput{Email: in.Email})
		if err == nil {
			sess.BeneficiaryEmail = attr.Email
		}
	}
	if err := s.store.SaveSession(*sess); err != nil {
		return nil, err
	}

	s.log.Info().Str("session_id", sess.ID).Str("provider", provider).Msg("OAuth session verified")
	return sess, nil
}

// GetSession returns the session with expiry materialized, or nil.
func (s *Service) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.loadSession(id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// StartRecovery mints a single-use token against the most recent verified
// session for the email. The raw token goes back to the caller; only its
// hash is stored.
func (s *Service) StartRecovery(ctx context.Context, email string) (string, *RecoveryToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attr, err := identity.CaptureIdentity(identity.CaptureInput{Email: email})
	if err != nil || attr.Email == "" {
		return "", nil, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}

	sessions, err := s.store.SessionsByEmail(attr.Email)
	if err != nil {
		return "", nil, err
	}
	var source *Session
	for i := range sessions {
		sess := sessions[i]
		if sess.Status != StatusVerified {
			continue
		}
		if source == nil || verifiedAfter(sess, *source) {
			source = &sess
		}
	}
	if source == nil {
		return "", nil, ErrNoVerifiedSession
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate recovery token: %w", err)
	}
	token := "recover_" + hex.EncodeToString(raw)

	now := s.now().UTC()
	rec := RecoveryToken{
		ID:               uuid.New().String(),
		TokenHash:        s.hashRecoveryToken(token),
		SessionID:        source.ID,
		BeneficiaryEmail: attr.Email,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.recoveryTTL),
	}
	if err := s.store.SaveRecoveryToken(rec); err != nil {
		return "", nil, err
	}

	s.log.Info().Str("session_id", source.ID).Str("email", attr.Email).Msg("Recovery token issued")
	return token, &rec, nil
}

// RecoverWithToken consumes a recovery token and mints a fresh verified
// session inheriting the source session's identity.
func (s *Service) RecoverWithToken(ctx context.Context, token string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := s.hashRecoveryToken(strings.TrimSpace(token))
	tokens, err := s.store.RecoveryTokens()
	if err != nil {
		return nil, err
	}

	var match *RecoveryToken
	for i := range tokens {
		tok := tokens[i]
		if subtle.ConstantTimeCompare([]byte(tok.TokenHash), []byte(hash)) == 1 {
			match = &tok
			break
		}
	}
	if match == nil {
		return nil, ErrRecoveryInvalid
	}
	if match.ConsumedAt != nil {
		return nil, ErrRecoveryUsed
	}
	now := s.now().UTC()
	if !match.ExpiresAt.After(now) {
		return nil, ErrRecoveryExpired
	}

	match.ConsumedAt = &now
	if err := s.store.SaveRecoveryToken(*match); err != nil {
		return nil, err
	}

	source, err := s.store.GetSession(match.SessionID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, ErrSessionNotFound
	}

	sess := Session{
		ID:                      uuid.New().String(),
		Method:                  source.Method,
		Status:                  StatusVerified,
		CreatedAt:               now,
		ExpiresAt:               now.Add(s.sessionTTL),
		VerifiedAt:              &now,
		BeneficiaryName:         source.BeneficiaryName,
		BeneficiaryEmail:        source.BeneficiaryEmail,
		AuthProvider:            source.AuthProvider,
		AuthSubject:             source.AuthSubject,
		MaxVerificationAttempts: s.maxAttempts,
	}
	if err := s.store.SaveSession(sess); err != nil {
		return nil, err
	}

	s.log.Info().Str("session_id", sess.ID).Str("source_session_id", source.ID).Msg("Session recovered")
	return &sess, nil
}

// LinkSessionToUser binds a verified session's identity to a user id,
// replacing any earlier link for that user.
func (s *Service) LinkSessionToUser(ctx context.Context, sessionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	sess, err := s.loadSession(sessionID)
	if err != nil {
		return err
	}
	if sess.Status != StatusVerified {
		return fmt.Errorf("%w: only verified sessions can be linked", ErrSessionState)
	}
	return s.store.LinkUser(userID, sess.ID)
}

// SessionIdentity derives the attribution a verified session vouches for.
func (s *Service) SessionIdentity(sess *Session) identity.Attribution {
	if sess == nil || sess.Status != StatusVerified {
		return identity.Attribution{Method: identity.MethodNone}
	}
	attr, err := identity.CaptureIdentity(identity.CaptureInput{
		Name:     sess.BeneficiaryName,
		Email:    sess.BeneficiaryEmail,
		Provider: sess.AuthProvider,
		Subject:  sess.AuthSubject,
	})
	if err != nil {
		return identity.Attribution{Method: identity.MethodNone}
	}
	return attr
}

// loadSession fetches a session and materializes the pending→expired
// transition before anyone looks at it.
func (s *Service) loadSession(id string) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: sessionId is required", ErrInvalidInput)
	}
	sess, err := s.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if sess.Status == StatusPending && !sess.ExpiresAt.After(s.now().UTC()) {
		sess.Status = StatusExpired
		if err := s.store.SaveSession(*sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

type statePayload struct {
	Sid string `json:"sid"`
	Exp int64  `json:"exp"`
}

func (s *Service) mintStateToken(sessionID string, expires time.Time) (string, error) {
	payload, err := json.Marshal(statePayload{Sid: sessionID, Exp: expires.Unix()})
	if err != nil {
		return "", fmt.Errorf("failed to encode state payload: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + s.signState(encoded), nil
}

func (s *Service) verifyStateToken(token, sessionID string) error {
	encoded, sig, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok {
		return fmt.Errorf("%w: malformed state token", ErrInvalidInput)
	}
	if !hmac.Equal([]byte(s.signState(encoded)), []byte(sig)) {
		return fmt.Errorf("%w: state token signature mismatch", ErrInvalidInput)
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: malformed state payload", ErrInvalidInput)
	}
	var payload statePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: malformed state payload", ErrInvalidInput)
	}
	if payload.Sid != sessionID {
		return fmt.Errorf("%w: state token is bound to a different session", ErrInvalidInput)
	}
	if payload.Exp <= s.now().Unix() {
		return fmt.Errorf("%w: state token has expired", ErrInvalidInput)
	}
	return nil
}

func (s *Service) signState(encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) hashEmailCode(code, email string) string {
	sum := sha256.Sum256([]byte(string(s.secret) + ":" + code + ":" + email))
	return hex.EncodeToString(sum[:])
}

func (s *Service) hashRecoveryToken(token string) string {
	sum := sha256.Sum256([]byte(string(s.secret) + ":" + token))
	return hex.EncodeToString(sum[:])
}

func sixDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// verifiedAfter orders sessions by verification time, newest first, falling
// back to creation time.
func verifiedAfter(a, b Session) bool {
	at, bt := a.CreatedAt, b.CreatedAt
	if a.VerifiedAt != nil {
		at = *a.VerifiedAt
	}
	if b.VerifiedAt != nil {
		bt = *b.VerifiedAt
	}
	return at.After(bt)
}
