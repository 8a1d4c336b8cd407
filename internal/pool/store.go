// Package pool is the append-only ledger of user contributions and the
// aggregations over it that feed monthly batch retirements.
package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	SourceSubscription = "subscription"
	SourceOneOff       = "one-off"
)

// Contribution is one recorded payment into the monthly pool.
type Contribution struct {
	ID              string            `json:"id"`
	UserID          string            `json:"userId"`
	AmountUsdCents  int64             `json:"amountUsdCents"`
	ContributedAt   string            `json:"contributedAt"`
	Month           string            `json:"month"`
	Source          string            `json:"source"`
	ExternalEventID string            `json:"externalEventId,omitempty"`
	TierID          string            `json:"tierId,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type storeState struct {
	Version       int            `json:"version"`
	Contributions []Contribution `json:"contributions"`
}

// Store persists contributions as a single versioned JSON document. All
// access is serialized by a process mutex; writes land in a temp file and
// rename into place so a crash never leaves a torn file.
type Store struct {
	path string

	mu    sync.Mutex
	state *storeState
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// load reads the file on first use. Missing file means an empty store.
func (s *Store) load() error {
	if s.state != nil {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.state = &storeState{Version: 1}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read contribution store: %w", err)
	}

	var state storeState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse contribution store: %w", err)
	}
	if state.Version == 0 {
		state.Version = 1
	}
	s.state = &state
	return nil
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode contribution store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write contribution store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace contribution store: %w", err)
	}
	return nil
}

// Insert appends a contribution. When the externalEventId already exists
// the stored record comes back with duplicate=true and nothing is written.
func (s *Store) Insert(c Contribution) (Contribution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return Contribution{}, false, err
	}

	if c.ExternalEventID != "" {
		for _, existing := range s.state.Contributions {
			if existing.ExternalEventID == c.ExternalEventID {
				return existing, true, nil
			}
		}
	}

	s.state.Contributions = append(s.state.Contributions, c)
	if err := s.persist(); err != nil {
		s.state.Contributions = s.state.Contributions[:len(s.state.Contributions)-1]
		return Contribution{}, false, err
	}
	return c, false, nil
}

// All returns a copy of every contribution.
func (s *Store) All() ([]Contribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}

	out := make([]Contribution, len(s.state.Contributions))
	copy(out, s.state.Contributions)
	return out, nil
}
