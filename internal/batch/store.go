// Package batch is the monthly driver: it turns a month of pooled
// contributions into one budget-constrained retirement and attributes the
// result back to contributors in proportion to what they paid.
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CShear/regen-compute-credits/internal/subsync"
)

const (
	StatusInProgress = "in_progress"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusBlocked    = "blocked"
)

const (
	ReconCompleted = "completed"
	ReconFailed    = "failed"
	ReconBlocked   = "blocked"
)

const (
	SyncScopeNone     = "none"
	SyncScopeCustomer = "customer"
	SyncScopeAll      = "all_customers"
)

const (
	ModeDryRun = "dry_run"
	ModeLive   = "live"
)

// ErrExecutionActive means another execution for the same month and credit
// type has not finished yet.
var ErrExecutionActive = errors.New("an execution for this month and credit type is already in progress")

// ContributorAttribution is one contributor's share of an execution. The
// three attributed fields are authoritative; sharePpm is display only.
type ContributorAttribution struct {
	UserID                   string `json:"userId"`
	SharePpm                 int64  `json:"sharePpm"`
	ContributionUsdCents     int64  `json:"contributionUsdCents"`
	AttributedBudgetUsdCents int64  `json:"attributedBudgetUsdCents"`
	AttributedCostMicro      string `json:"attributedCostMicro"`
	AttributedQuantity       string `json:"attributedQuantity"`
	PaymentDenom             string `json:"paymentDenom"`
}

// Execution is one monthly batch run, live or dry.
type Execution struct {
	ID              string                   `json:"id"`
	Month           string                   `json:"month"`
	CreditType      string                   `json:"creditType,omitempty"`
	DryRun          bool                     `json:"dryRun"`
	Status          string                   `json:"status"`
	Reason          string                   `json:"reason,omitempty"`
	BudgetUsdCents  int64                    `json:"budgetUsdCents"`
	SpentMicro      string                   `json:"spentMicro,omitempty"`
	SpentDenom      string                   `json:"spentDenom,omitempty"`
	RetiredQuantity string                   `json:"retiredQuantity,omitempty"`
	Attributions    []ContributorAttribution `json:"attributions,omitempty"`
	TxHash          string                   `json:"txHash,omitempty"`
	BlockHeight     int64                    `json:"blockHeight,omitempty"`
	RetirementID    string                   `json:"retirementId,omitempty"`
	ExecutedAt      time.Time                `json:"executedAt"`
}

// ReconciliationRun records one driver invocation: the optional invoice
// sync plus the batch execution it kicked off.
type ReconciliationRun struct {
	ID            string           `json:"id"`
	Month         string           `json:"month"`
	CreditType    string           `json:"creditType,omitempty"`
	SyncScope     string           `json:"syncScope"`
	ExecutionMode string           `json:"executionMode"`
	PreflightOnly bool             `json:"preflightOnly"`
	Force         bool             `json:"force"`
	Status        string           `json:"status"`
	BatchStatus   string           `json:"batchStatus,omitempty"`
	StartedAt     time.Time        `json:"startedAt"`
	FinishedAt    *time.Time       `json:"finishedAt,omitempty"`
	Sync          *subsync.Summary `json:"sync,omitempty"`
	Message       string           `json:"message,omitempty"`
}

// UserAttribution joins one contributor's attribution with the execution
// that produced it, for dashboard views.
type UserAttribution struct {
	ExecutionID  string                 `json:"executionId"`
	Month        string                 `json:"month"`
	CreditType   string                 `json:"creditType,omitempty"`
	DryRun       bool                   `json:"dryRun"`
	TxHash       string                 `json:"txHash,omitempty"`
	RetirementID string                 `json:"retirementId,omitempty"`
	ExecutedAt   time.Time              `json:"executedAt"`
	Attribution  ContributorAttribution `json:"attribution"`
}

type storeState struct {
	Version    int                 `json:"version"`
	Executions []Execution         `json:"executions"`
	Runs       []ReconciliationRun `json:"reconciliationRuns"`
}

// Store persists executions and reconciliation runs as one versioned JSON
// document, writes serialized by a process mutex and landed via temp file
// plus rename. It is also the serialization point for the one-active-run
// guard per (month, creditType).
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
		s.state = &storeState{Version: 1}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read batch store: %w", err)
	}

	var state storeState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse batch store: %w", err)
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
		return fmt.Errorf("failed to encode batch store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write batch store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace batch store: %w", err)
	}
	return nil
}

// StartExecution creates an in_progress execution, rejecting the start when
// one is already active for the same month and credit type. The check and
// the insert happen under one lock so two concurrent drivers cannot both
// begin broadcasting for the same month.
func (s *Store) StartExecution(month, creditType string, dryRun bool, budgetUsdCents int64) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}

	for _, e := range s.state.Executions {
		if e.Month == month && e.CreditType == creditType && e.Status == StatusInProgress {
			return nil, ErrExecutionActive
		}
	}

	exec := Execution{
		ID:             uuid.New().String(),
		Month:          month,
		CreditType:     creditType,
		DryRun:         dryRun,
		Status:         StatusInProgress,
		BudgetUsdCents: budgetUsdCents,
		ExecutedAt:     time.Now().UTC(),
	}
	s.state.Executions = append(s.state.Executions, exec)
	if err := s.persist(); err != nil {
		s.state.Executions = s.state.Executions[:len(s.state.Executions)-1]
		return nil, err
	}
	out := exec
	return &out, nil
}

// SaveExecution replaces the stored execution with the same id, or appends
// it when none exists.
func (s *Store) SaveExecution(exec Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}

	for i, e := range s.state.Executions {
		if e.ID == exec.ID {
			prev := s.state.Executions[i]
			s.state.Executions[i] = exec
			if err := s.persist(); err != nil {
				s.state.Executions[i] = prev
				return err
			}
			return nil
		}
	}

	s.state.Executions = append(s.state.Executions, exec)
	if err := s.persist(); err != nil {
		s.state.Executions = s.state.Executions[:len(s.state.Executions)-1]
		return err
	}
	return nil
}

// GetExecution returns the execution with the given id.
func (s *Store) GetExecution(id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}

	for _, e := range s.state.Executions {
		if e.ID == id {
			out := e
			return &out, nil
		}
	}
	return nil, nil
}

// ExecutionsForMonth returns executions for a month, newest first. An empty
// month returns everything.
func (s *Store) ExecutionsForMonth(month string) ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}

	var out []Execution
	for _, e := range s.state.Executions {
		if month == "" || e.Month == month {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	return out, nil
}

// LatestSuccessfulDryRun returns the most recent successful dry run for the
// month and credit type, or nil.
func (s *Store) LatestSuccessfulDryRun(month, creditType string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}

	var latest *Execution
	for i := range s.state.Executions {
		e := s.state.Executions[i]
		if e.Month != month || e.CreditType != creditType || !e.DryRun || e.Status != StatusSuccess {
			continue
		}
		if latest == nil || e.ExecutedAt.After(latest.ExecutedAt) {
			latest = &e
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

// AttributionsForUser collects one user's attributions across all live
// executions, newest first.
func (s *Store) AttributionsForUser(userID string) ([]UserAttribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}

	var out []UserAttribution
	for _, e := range s.state.Executions {
		if e.DryRun || e.Status != StatusSuccess {
			continue
		}
		for _, a := range e.Attributions {
			if a.UserID != userID {
				continue
			}
			out = append(out, UserAttribution{
				ExecutionID:  e.ID,
				Month:        e.Month,
				CreditType:   e.CreditType,
				DryRun:       e.DryRun,
				TxHash:       e.TxHash,
				RetirementID: e.RetirementID,
				ExecutedAt:   e.ExecutedAt,
				Attribution:  a,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	return out, nil
}

// SaveRun inserts or replaces a reconciliation run by id.
func (s *Store) SaveRun(run ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}

	for i, r := range s.state.Runs {
		if r.ID == run.ID {
			prev := s.state.Runs[i]
			s.state.Runs[i] = run
			if err := s.persist(); err != nil {
				s.state.Runs[i] = prev
				return err
			}
			return nil
		}
	}

	s.state.Runs = append(s.state.Runs, run)
	if err := s.persist(); err != nil {
		s.state.Runs = s.state.Runs[:len(s.state.Runs)-1]
		return err
	}
	return nil
}

// RunsForMonth returns reconciliation runs for a month, newest first. An
// empty month returns everything.
func (s *Store) RunsForMonth(month string) ([]ReconciliationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}

	var out []ReconciliationRun
	for _, r := range s.state.Runs {
		if month == "" || r.Month == month {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}
