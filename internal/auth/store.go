// Package auth issues short-lived verification sessions (email codes and
// oauth state tokens), recovery tokens, and the links binding verified
// identities to user accounts.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	MethodEmail = "email"
	MethodOAuth = "oauth"
)

const (
	StatusPending  = "pending"
	StatusVerified = "verified"
	StatusExpired  = "expired"
	StatusLocked   = "locked"
)

// Session is one verification attempt. Status only ever moves away from
// pending; the expired transition is derived from the clock and written
// back on read.
type Session struct {
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
	EmailCodeHash           string     `json:"emailCodeHash,omitempty"`
	OAuthStateToken         string     `json:"oauthStateToken,omitempty"`
	VerificationAttempts    int        `json:"verificationAttempts"`
	MaxVerificationAttempts int        `json:"maxVerificationAttempts"`
}

// RecoveryToken lets a user who lost their session mint a fresh verified
// one. ConsumedAt set means permanently dead.
type RecoveryToken struct {
	ID               string     `json:"id"`
	TokenHash        string     `json:"tokenHash"`
	SessionID        string     `json:"sessionId"`
	BeneficiaryEmail string     `json:"beneficiaryEmail"`
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	ConsumedAt       *time.Time `json:"consumedAt,omitempty"`
}

type storeState struct {
	Version        int               `json:"version"`
	Sessions       []Session         `json:"sessions"`
	RecoveryTokens []RecoveryToken   `json:"recoveryTokens"`
	UserLinks      map[string]string `json:"userLinks,omitempty"`
}

// Store persists sessions, recovery tokens, and user links as one JSON
// document, temp-file writes renamed into place. The Service serializes
// its read-modify-write sequences; the store only guards single calls.
type Store struct {
	path string

	mu    sync.Mutex
	state *storeState
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() error {
	if s.state != nil {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.state = &storeState{Version: 1, UserLinks: map[string]string{}}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read auth store: %w", err)
	}

	var state storeState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse auth store: %w", err)
	}
	if state.Version == 0 {
		state.Version = 1
	}
	if state.UserLinks == nil {
		state.UserLinks = map[string]string{}
	}
	s.state = &state
	return nil
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode auth store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write auth store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace auth store: %w", err)
	}
	return nil
}

// GetSession returns a copy of the session, or nil when unknown.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}

	for _, sess := range s.state.Sessions {
		if sess.ID == id {
			out := sess
			return &out, nil
		}
	}
	return nil, nil
}

// SaveSession inserts or replaces by id.
func (s *Store) SaveSession(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}

	for i, existing := range s.state.Sessions {
		if existing.ID == sess.ID {
			prev := s.state.Sessions[i]
			s.state.Sessions[i] = sess
			if err := s.persist(); err != nil {
				s.state.Sessions[i] = prev
				return err
			}
			return nil
		}
	}

	s.state.Sessions = append(s.state.Sessions, sess)
	if err := s.persist(); err != nil {
		s.state.Sessions = s.state.Sessions[:len(s.state.Sessions)-1]
		return err
	}
	return nil
}

// SessionsByEmail returns copies of every session for an email, any status.
func (s *Store) SessionsByEmail(email string) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}

	var out []Session
	for _, sess := range s.state.Sessions {
		if sess.BeneficiaryEmail == email {
			out = append(out, sess)
		}
	}
	return out, nil
}

// SaveRecoveryToken inserts or replaces by id.
func (s *Store) SaveRecoveryToken(tok RecoveryToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}

	for i, existing := range s.state.RecoveryTokens {
		if existing.ID == tok.ID {
			prev := s.state.RecoveryTokens[i]
			s.state.RecoveryTokens[i] = tok
			if err := s.persist(); err != nil {
				s.state.RecoveryTokens[i] = prev
				return err
			}
			return nil
		}
	}

	s.state.RecoveryTokens = append(s.state.RecoveryTokens, tok)
	if err := s.persist(); err != nil {
		s.state.RecoveryTokens = s.state.RecoveryTokens[:len(s.state.RecoveryTokens)-1]
		return err
	}
	return nil
}

// RecoveryTokens returns a copy of every stored token.
func (s *Store) RecoveryTokens() ([]RecoveryToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}

	out := make([]RecoveryToken, len(s.state.RecoveryTokens))
	copy(out, s.state.RecoveryTokens)
	return out, nil
}

// LinkUser binds userID to sessionID, overwriting any previous link.
func (s *Store) LinkUser(userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}

	prev, had := s.state.UserLinks[userID]
	s.state.UserLinks[userID] = sessionID
	if err := s.persist(); err != nil {
		if had {
			s.state.UserLinks[userID] = prev
		} else {
			delete(s.state.UserLinks, userID)
		}
		return err
	}
	return nil
}

// UserLink returns the session id linked to userID, or "".
func (s *Store) UserLink(userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return "", err
	}
	return s.state.UserLinks[userID], nil
}

// PruneExpired drops sessions and recovery tokens that are past their
// expiry (or consumed) as of now. Sessions referenced by a user link are
// kept so a verified identity survives cleanup. Returns the number of
// records removed.
func (s *Store) PruneExpired(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return 0, err
	}

	linked := make(map[string]bool, len(s.state.UserLinks))
	for _, sessionID := range s.state.UserLinks {
		linked[sessionID] = true
	}

	removed := 0
	sessions := s.state.Sessions[:0]
	for _, sess := range s.state.Sessions {
		dead := !linked[sess.ID] && now.After(sess.ExpiresAt) && sess.Status != StatusVerified
		if dead {
			removed++
			continue
		}
		sessions = append(sessions, sess)
	}
	s.state.Sessions = sessions

	tokens := s.state.RecoveryTokens[:0]
	for _, tok := range s.state.RecoveryTokens {
		if tok.ConsumedAt != nil || now.After(tok.ExpiresAt) {
			removed++
			continue
		}
		tokens = append(tokens, tok)
	}
	s.state.RecoveryTokens = tokens

	if removed == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		return 0, err
	}
	return removed, nil
}
