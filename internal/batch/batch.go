package batch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CShear/regen-compute-credits/internal/ledger"
	"github.com/CShear/regen-compute-credits/internal/metrics"
	"github.com/CShear/regen-compute-credits/internal/orders"
	"github.com/CShear/regen-compute-credits/internal/payment"
	"github.com/CShear/regen-compute-credits/internal/pool"
	"github.com/CShear/regen-compute-credits/internal/retire"
	"github.com/CShear/regen-compute-credits/internal/subsync"
)

// ErrInvalidRequest marks driver inputs the caller can fix.
var ErrInvalidRequest = errors.New("invalid batch request")

var monthPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)

// One cent of a USD-pegged denom is 10^4 micro-units.
const microPerCent = 10_000

// dryRunMaxAge is how old a preflight dry run can get before a live run
// logs a staleness warning.
const dryRunMaxAge = 24 * time.Hour

// PoolReads is the slice of pool accounting the driver needs.
type PoolReads interface {
	GetMonthContributors(ctx context.Context, month string) ([]pool.ContributorTotal, error)
}

// InvoiceSyncer pulls gateway invoices into the pool before the budget is
// computed.
type InvoiceSyncer interface {
	Sync(ctx context.Context, req subsync.Request) (*subsync.Summary, error)
}

// BudgetSelector plans a budget-constrained purchase.
type BudgetSelector interface {
	SelectOrdersForBudget(ctx context.Context, creditType string, budgetMicro *big.Int, preferredDenom string) (*orders.Result, error)
}

// Retirer executes an already-planned purchase.
type Retirer interface {
	ExecuteSelected(ctx context.Context, req retire.Request, selection *orders.Result) *retire.Outcome
}

// RunRequest drives one reconciliation: an optional invoice sync followed
// by the month's batch execution.
type RunRequest struct {
	Month         string `json:"month"`
	CreditType    string `json:"creditType"`
	Reason        string `json:"reason"`
	ExecutionMode string `json:"executionMode"`
	PreflightOnly bool   `json:"preflightOnly"`
	Force         bool   `json:"force"`
	SyncScope     string `json:"syncScope"`
	CustomerID    string `json:"customerId"`
	Email         string `json:"email"`
	MaxPages      int    `json:"maxPages"`
}

// RunResult is the persisted outcome of one driver invocation. Execution is
// nil when the run never reached the batch step.
type RunResult struct {
	Run       ReconciliationRun `json:"run"`
	Execution *Execution        `json:"execution,omitempty"`
}

// Runner is the monthly driver.
type Runner struct {
	store          *Store
	pool           PoolReads
	syncer         InvoiceSyncer
	selector       BudgetSelector
	retirer        Retirer
	preferredDenom string
	feeBps         int64
	jurisdiction   string
	log            zerolog.Logger
}

// NewRunner wires the driver. feeBps is the operations fee in basis points
// deducted from each month's pool; preferredDenom biases order selection
// toward what the payment provider can settle.
func NewRunner(store *Store, p PoolReads, syncer InvoiceSyncer, selector BudgetSelector, retirer Retirer, preferredDenom string, feeBps int64, jurisdiction string, logger zerolog.Logger) *Runner {
	if feeBps < 0 {
		feeBps = 0
	}
	return &Runner{
		store:          store,
		pool:           p,
		syncer:         syncer,
		selector:       selector,
		retirer:        retirer,
		preferredDenom: preferredDenom,
		feeBps:         feeBps,
		jurisdiction:   jurisdiction,
		log:            logger.With().Str("component", "batch").Logger(),
	}
}

// Run executes one reconciliation. Invalid input and store failures return
// an error; everything downstream (sync failures, empty order books, chain
// rejections) is recorded on the persisted run and execution instead.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	req, err := normalize(req)
	if err != nil {
		return nil, err
	}

	run := ReconciliationRun{
		ID:            newRunID(),
		Month:         req.Month,
		CreditType:    req.CreditType,
		SyncScope:     req.SyncScope,
		ExecutionMode: req.ExecutionMode,
		PreflightOnly: req.PreflightOnly,
		Force:         req.Force,
		Status:        StatusInProgress,
		StartedAt:     time.Now().UTC(),
	}
	if err := r.store.SaveRun(run); err != nil {
		return nil, err
	}

	r.log.Info().
		Str("run_id", run.ID).
		Str("month", req.Month).
		Str("credit_type", req.CreditType).
		Str("mode", req.ExecutionMode).
		Str("sync_scope", req.SyncScope).
		Bool("preflight_only", req.PreflightOnly).
		Msg("Reconciliation started")

	if req.SyncScope != SyncScopeNone {
		summary, err := r.syncInvoices(ctx, req)
		run.Sync = summary
		if err != nil {
			return r.finishRun(run, ReconFailed, "", fmt.Sprintf("invoice sync failed: %v", err), nil)
		}
	}

	dryRun := req.ExecutionMode == ModeDryRun || req.PreflightOnly

	if !dryRun && !req.Force {
		preflight, err := r.store.LatestSuccessfulDryRun(req.Month, req.CreditType)
		if err != nil {
			return nil, err
		}
		if preflight == nil {
			exec, err := r.recordBlocked(req, "live run requires a successful dry run for this month; re-run with force to override")
			if err != nil {
				return nil, err
			}
			return r.finishRun(run, ReconBlocked, StatusBlocked, exec.Reason, exec)
		}
		if age := time.Since(preflight.ExecutedAt); age > dryRunMaxAge {
			r.log.Warn().
				Str("dry_run_id", preflight.ID).
				Dur("age", age).
				Msg("Preflight dry run is stale, order book may have moved")
		}
	}

	exec, err := r.execute(ctx, req, dryRun)
	if errors.Is(err, ErrExecutionActive) {
		return r.finishRun(run, ReconBlocked, StatusBlocked, err.Error(), nil)
	}
	if err != nil {
		return nil, err
	}

	metrics.BatchRuns.WithLabelValues(exec.Status, req.ExecutionMode).Inc()

	switch exec.Status {
	case StatusSuccess:
		batchStatus := exec.Status
		if dryRun {
			batchStatus = ModeDryRun
		}
		return r.finishRun(run, ReconCompleted, batchStatus, "", exec)
	default:
		return r.finishRun(run, ReconFailed, exec.Status, exec.Reason, exec)
	}
}

// execute runs the batch step: budget, selection, and (live only) the
// retirement itself. The returned execution is already persisted.
func (r *Runner) execute(ctx context.Context, req RunRequest, dryRun bool) (*Execution, error) {
	contributors, err := r.pool.GetMonthContributors(ctx, req.Month)
	if err != nil {
		return nil, fmt.Errorf("failed to read month contributors: %w", err)
	}

	var totalCents int64
	for _, c := range contributors {
		totalCents += c.TotalUsdCents
	}
	budgetCents := totalCents - totalCents*r.feeBps/10_000

	exec, err := r.store.StartExecution(req.Month, req.CreditType, dryRun, budgetCents)
	if err != nil {
		return nil, err
	}

	if budgetCents <= 0 {
		return r.failExecution(exec, fmt.Sprintf("no contributions recorded for %s", req.Month))
	}

	budgetMicro := new(big.Int).Mul(big.NewInt(budgetCents), big.NewInt(microPerCent))
	selection, err := r.selector.SelectOrdersForBudget(ctx, req.CreditType, budgetMicro, r.preferredDenom)
	if err != nil {
		return r.failExecution(exec, fmt.Sprintf("order selection failed: %v", err))
	}
	if len(selection.Orders) == 0 {
		return r.failExecution(exec, "no eligible orders for budget")
	}

	r.log.Info().
		Str("execution_id", exec.ID).
		Int64("budget_usd_cents", budgetCents).
		Int("orders", len(selection.Orders)).
		Str("quantity", ledger.FormatQuantityMicro(selection.TotalQuantityMicro)).
		Str("cost_micro", selection.TotalCostMicro.String()).
		Str("denom", selection.PaymentDenom).
		Bool("dry_run", dryRun).
		Msg("Purchase planned")

	exec.Reason = req.Reason
	exec.SpentDenom = selection.PaymentDenom
	exec.SpentMicro = selection.TotalCostMicro.String()
	exec.RetiredQuantity = ledger.FormatQuantityMicro(selection.TotalQuantityMicro)
	exec.Attributions = attribute(contributors, selection)

	if dryRun {
		exec.Status = StatusSuccess
		exec.ExecutedAt = time.Now().UTC()
		if err := r.store.SaveExecution(*exec); err != nil {
			return nil, err
		}
		return exec, nil
	}

	outcome := r.retirer.ExecuteSelected(ctx, retire.Request{
		CreditType:   req.CreditType,
		Jurisdiction: r.jurisdiction,
		Reason:       req.Reason,
	}, selection)
	if outcome.Status != retire.StatusSuccess {
		return r.failExecution(exec, outcome.Message)
	}

	exec.Status = StatusSuccess
	exec.TxHash = outcome.TxHash
	exec.BlockHeight = outcome.BlockHeight
	exec.RetirementID = outcome.CertificateID
	exec.ExecutedAt = time.Now().UTC()
	if err := r.store.SaveExecution(*exec); err != nil {
		return nil, err
	}

	r.log.Info().
		Str("execution_id", exec.ID).
		Str("tx_hash", exec.TxHash).
		Str("retired", exec.RetiredQuantity).
		Int("contributors", len(exec.Attributions)).
		Msg("Batch retirement complete")
	return exec, nil
}

// attribute splits the spent budget, cost, and retired quantity across
// contributors in proportion to their monthly totals.
func attribute(contributors []pool.ContributorTotal, selection *orders.Result) []ContributorAttribution {
	if len(contributors) == 0 {
		return nil
	}

	weights := make([]*big.Int, len(contributors))
	sumW := new(big.Int)
	for i, c := range contributors {
		weights[i] = big.NewInt(c.TotalUsdCents)
		if c.TotalUsdCents > 0 {
			sumW.Add(sumW, weights[i])
		}
	}

	spentCents := payment.CentsForMicro(selection.TotalCostMicro)
	budgetShares := AllocateProportional(big.NewInt(spentCents), weights)
	costShares := AllocateProportional(selection.TotalCostMicro, weights)
	quantityShares := AllocateProportional(selection.TotalQuantityMicro, weights)

	out := make([]ContributorAttribution, len(contributors))
	for i, c := range contributors {
		out[i] = ContributorAttribution{
			UserID:                   c.UserID,
			SharePpm:                 SharePpm(weights[i], sumW),
			ContributionUsdCents:     c.TotalUsdCents,
			AttributedBudgetUsdCents: budgetShares[i].Int64(),
			AttributedCostMicro:      costShares[i].String(),
			AttributedQuantity:       ledger.FormatQuantityMicro(quantityShares[i]),
			PaymentDenom:             selection.PaymentDenom,
		}
	}
	return out
}

func (r *Runner) syncInvoices(ctx context.Context, req RunRequest) (*subsync.Summary, error) {
	syncReq := subsync.Request{
		Month:    req.Month,
		MaxPages: req.MaxPages,
	}
	switch req.SyncScope {
	case SyncScopeAll:
		syncReq.AllCustomers = true
	case SyncScopeCustomer:
		syncReq.CustomerID = req.CustomerID
		syncReq.Email = req.Email
	}
	return r.syncer.Sync(ctx, syncReq)
}

// recordBlocked persists a blocked execution without taking the in-progress
// guard: a blocked run never broadcasts.
func (r *Runner) recordBlocked(req RunRequest, reason string) (*Execution, error) {
	exec := Execution{
		ID:         newRunID(),
		Month:      req.Month,
		CreditType: req.CreditType,
		Status:     StatusBlocked,
		Reason:     reason,
		ExecutedAt: time.Now().UTC(),
	}
	if err := r.store.SaveExecution(exec); err != nil {
		return nil, err
	}
	metrics.BatchRuns.WithLabelValues(StatusBlocked, req.ExecutionMode).Inc()
	r.log.Warn().Str("month", req.Month).Str("credit_type", req.CreditType).Msg("Live run blocked, no successful dry run on record")
	return &exec, nil
}

func (r *Runner) failExecution(exec *Execution, reason string) (*Execution, error) {
	exec.Status = StatusFailed
	exec.Reason = reason
	exec.Attributions = nil
	exec.ExecutedAt = time.Now().UTC()
	if err := r.store.SaveExecution(*exec); err != nil {
		return nil, err
	}
	r.log.Error().Str("execution_id", exec.ID).Str("reason", reason).Msg("Batch execution failed")
	return exec, nil
}

func (r *Runner) finishRun(run ReconciliationRun, status, batchStatus, message string, exec *Execution) (*RunResult, error) {
	now := time.Now().UTC()
	run.Status = status
	run.BatchStatus = batchStatus
	run.Message = message
	run.FinishedAt = &now
	if err := r.store.SaveRun(run); err != nil {
		return nil, err
	}
	return &RunResult{Run: run, Execution: exec}, nil
}

func normalize(req RunRequest) (RunRequest, error) {
	req.Month = strings.TrimSpace(req.Month)
	if !monthPattern.MatchString(req.Month) {
		return req, fmt.Errorf("%w: month must be YYYY-MM, got %q", ErrInvalidRequest, req.Month)
	}

	switch req.ExecutionMode {
	case "":
		req.ExecutionMode = ModeDryRun
	case ModeDryRun, ModeLive:
	default:
		return req, fmt.Errorf("%w: executionMode must be %s or %s", ErrInvalidRequest, ModeDryRun, ModeLive)
	}

	switch req.SyncScope {
	case "":
		req.SyncScope = SyncScopeNone
	case SyncScopeNone, SyncScopeAll:
	case SyncScopeCustomer:
		if strings.TrimSpace(req.CustomerID) == "" && strings.TrimSpace(req.Email) == "" {
			return req, fmt.Errorf("%w: customer sync scope needs a customerId or email", ErrInvalidRequest)
		}
	default:
		return req, fmt.Errorf("%w: syncScope must be %s, %s or %s", ErrInvalidRequest, SyncScopeNone, SyncScopeCustomer, SyncScopeAll)
	}

	return req, nil
}

func newRunID() string {
	return uuid.New().String()
}
