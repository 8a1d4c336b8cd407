// Package retire orchestrates a single credit retirement: select orders,
// reserve payment, broadcast the purchase, collect, and verify. Every
// failure path degrades to a marketplace fallback so callers always get a
// renderable answer.
package retire

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/CShear/regen-compute-credits/internal/identity"
	"github.com/CShear/regen-compute-credits/internal/ledger"
	"github.com/CShear/regen-compute-credits/internal/metrics"
	"github.com/CShear/regen-compute-credits/internal/orders"
	"github.com/CShear/regen-compute-credits/internal/payment"
)

const (
	StatusSuccess             = "success"
	StatusMarketplaceFallback = "marketplace_fallback"
)

// Ledger is the slice of the chain client the service uses.
type Ledger interface {
	HasWallet() bool
	Address() string
	SignAndBroadcast(ctx context.Context, orders []ledger.BuyDirectOrder, memo string) (*ledger.BroadcastResult, error)
	WaitForRetirement(ctx context.Context, txHash string, timeout time.Duration) (*ledger.Retirement, error)
}

// OrderSelector plans the purchase.
type OrderSelector interface {
	SelectBestOrders(ctx context.Context, creditType string, targetQuantityMicro *big.Int, preferredDenom string) (*orders.Result, error)
}

// PrepaidBalance is the optional per-user account that funds retirements.
type PrepaidBalance interface {
	CheckBalance(ctx context.Context, userID string) (int64, error)
	DebitForRetirement(ctx context.Context, userID string, amountCents int64, txHash, creditClass, creditsRetired string) (int64, error)
}

// Request describes one retirement.
type Request struct {
	UserID          string
	CreditType      string
	QuantityMicro   *big.Int
	BeneficiaryName string
	Jurisdiction    string
	Reason          string
	Identity        identity.Attribution
}

// Outcome is the tagged result: success carries the on-chain evidence,
// marketplace_fallback carries a link and a human-readable message.
type Outcome struct {
	Status                string `json:"status"`
	TxHash                string `json:"txHash,omitempty"`
	CreditsRetired        string `json:"creditsRetired,omitempty"`
	CostMicro             string `json:"costMicro,omitempty"`
	CostDenom             string `json:"costDenom,omitempty"`
	BlockHeight           int64  `json:"blockHeight,omitempty"`
	CertificateID         string `json:"certificateId,omitempty"`
	RemainingBalanceCents *int64 `json:"remainingBalanceCents,omitempty"`
	MarketplaceURL        string `json:"marketplaceUrl,omitempty"`
	Message               string `json:"message,omitempty"`
}

type Service struct {
	ledger         Ledger
	selector       OrderSelector
	provider       payment.Provider
	balance        PrepaidBalance
	usdcDenoms     map[string]bool
	marketplaceURL string
	waitTimeout    time.Duration
	log            zerolog.Logger
}

// NewService wires the orchestrator. balance may be nil when no prepaid
// accounts exist.
func NewService(l Ledger, sel OrderSelector, provider payment.Provider, balance PrepaidBalance, usdcDenoms []string, marketplaceURL string, logger zerolog.Logger) *Service {
	set := make(map[string]bool, len(usdcDenoms))
	for _, d := range usdcDenoms {
		set[d] = true
	}
	return &Service{
		ledger:         l,
		selector:       sel,
		provider:       provider,
		balance:        balance,
		usdcDenoms:     set,
		marketplaceURL: marketplaceURL,
		waitTimeout:    90 * time.Second,
		log:            logger.With().Str("component", "retire").Logger(),
	}
}

// Execute runs the full pipeline for a quantity-targeted retirement. It
// never returns an error: every failure becomes a marketplace fallback.
func (s *Service) Execute(ctx context.Context, req Request) *Outcome {
	if !s.ledger.HasWallet() {
		return s.fallback("no signing wallet is configured; retire directly on the marketplace")
	}
	if req.QuantityMicro == nil || req.QuantityMicro.Sign() <= 0 {
		return s.fallback("requested quantity must be positive")
	}

	selection, err := s.selector.SelectBestOrders(ctx, req.CreditType, req.QuantityMicro, s.provider.PreferredDenom())
	if err != nil {
		s.log.Error().Err(err).Msg("Order selection failed")
		return s.fallback("marketplace lookup failed; please try again or retire directly on the marketplace")
	}
	if len(selection.Orders) == 0 || selection.InsufficientSupply {
		return s.fallback(fmt.Sprintf("not enough %s credits are listed right now to retire %s",
			creditTypeLabel(req.CreditType), ledger.FormatQuantityMicro(req.QuantityMicro)))
	}

	return s.ExecuteSelected(ctx, req, selection)
}

// ExecuteSelected runs payment, broadcast, capture, and verification for an
// already-planned selection. The batch driver uses this directly with its
// budget-constrained plan.
func (s *Service) ExecuteSelected(ctx context.Context, req Request, selection *orders.Result) *Outcome {
	if !s.ledger.HasWallet() {
		return s.fallback("no signing wallet is configured; retire directly on the marketplace")
	}
	if len(selection.Orders) == 0 {
		return s.fallback("no marketplace orders were selected")
	}

	costCents, usePrepaid := s.prepaidCost(selection)
	if usePrepaid && req.UserID != "" {
		balanceCents, err := s.balance.CheckBalance(ctx, req.UserID)
		if err != nil {
			s.log.Error().Err(err).Str("user_id", req.UserID).Msg("Prepaid balance check failed")
			return s.fallback("balance service is unavailable; please try again")
		}
		if balanceCents < costCents {
			return s.fallback(fmt.Sprintf("prepaid balance of %d cents does not cover the %d cent cost", balanceCents, costCents))
		}
	}

	auth, err := s.provider.Authorize(ctx, selection.TotalCostMicro, selection.PaymentDenom, map[string]string{
		"purpose":     "credit_retirement",
		"credit_type": req.CreditType,
		"quantity":    ledger.FormatQuantityMicro(selection.TotalQuantityMicro),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Payment authorization errored")
		return s.fallback("payment system is unavailable; please try again")
	}
	if auth.Status != payment.StatusAuthorized {
		return s.fallback("payment was not authorized: " + auth.Message)
	}

	reason := identity.AppendIdentityToReason(req.Reason, s.effectiveIdentity(req))
	buyOrders := make([]ledger.BuyDirectOrder, 0, len(selection.Orders))
	for _, sel := range selection.Orders {
		buyOrders = append(buyOrders, ledger.BuyDirectOrder{
			SellOrderID:            sel.Order.ID,
			Quantity:               ledger.FormatQuantityMicro(sel.QuantityMicro),
			BidDenom:               selection.PaymentDenom,
			BidAmountMicro:         sel.Order.AskAmount,
			RetirementJurisdiction: req.Jurisdiction,
			RetirementReason:       reason,
		})
	}

	result, err := s.ledger.SignAndBroadcast(ctx, buyOrders, "")
	if err != nil {
		s.log.Error().Err(err).Msg("Broadcast failed")
		s.refundQuietly(ctx, auth.ID)
		return s.fallback("could not submit the purchase transaction; the payment hold was released")
	}
	if result.Code != 0 {
		s.log.Warn().Uint32("code", result.Code).Str("raw_log", result.RawLog).Msg("Chain rejected transaction")
		s.refundQuietly(ctx, auth.ID)
		return s.fallback(fmt.Sprintf("the chain rejected the purchase (%s); the payment hold was released", result.RawLog))
	}

	// The purchase is on chain: from here every failure is logged and
	// swallowed, never turned into a fallback.
	outcome := &Outcome{
		Status:         StatusSuccess,
		TxHash:         result.TxHash,
		CreditsRetired: ledger.FormatQuantityMicro(selection.TotalQuantityMicro),
		CostMicro:      selection.TotalCostMicro.String(),
		CostDenom:      selection.PaymentDenom,
		BlockHeight:    result.Height,
	}

	if _, err := s.provider.Capture(ctx, auth.ID); err != nil {
		// The hold stays for manual reconciliation; the credits are
		// already retired.
		s.log.Error().Err(err).
			Str("authorization_id", auth.ID).
			Str("tx_hash", result.TxHash).
			Msg("Capture failed after successful broadcast, hold retained")
	}

	if usePrepaid && req.UserID != "" {
		remaining, err := s.balance.DebitForRetirement(ctx, req.UserID, costCents, result.TxHash, creditClasses(selection), outcome.CreditsRetired)
		if err != nil {
			s.log.Error().Err(err).Str("user_id", req.UserID).Str("tx_hash", result.TxHash).Msg("Prepaid debit failed after broadcast")
		} else {
			outcome.RemainingBalanceCents = &remaining
		}
	}

	retirement, err := s.ledger.WaitForRetirement(ctx, result.TxHash, s.waitTimeout)
	if err != nil {
		s.log.Warn().Err(err).Str("tx_hash", result.TxHash).Msg("Retirement verification aborted")
	}
	if retirement != nil {
		outcome.CertificateID = retirement.NodeID
		if retirement.BlockHeight > 0 {
			outcome.BlockHeight = retirement.BlockHeight
		}
	} else {
		s.log.Info().Str("tx_hash", result.TxHash).Msg("Retirement not yet indexed, certificate can be fetched later")
	}

	metrics.Retirements.WithLabelValues("success").Inc()
	s.log.Info().
		Str("tx_hash", result.TxHash).
		Str("quantity", outcome.CreditsRetired).
		Str("denom", outcome.CostDenom).
		Str("certificate_id", outcome.CertificateID).
		Msg("Retirement complete")
	return outcome
}

// prepaidCost reports the cost in cents when the prepaid account applies:
// a balance store must be wired and the payment denom must be a
// USDC-equivalent, since balances are kept in USD cents.
func (s *Service) prepaidCost(selection *orders.Result) (int64, bool) {
	if s.balance == nil || !s.usdcDenoms[selection.PaymentDenom] {
		return 0, false
	}
	return payment.CentsForMicro(selection.TotalCostMicro), true
}

func (s *Service) effectiveIdentity(req Request) identity.Attribution {
	if req.Identity.Method != "" && req.Identity.Method != identity.MethodNone {
		return req.Identity
	}
	if req.BeneficiaryName != "" {
		return identity.Attribution{Method: identity.MethodManual, Name: req.BeneficiaryName}
	}
	return identity.Attribution{Method: identity.MethodNone}
}

func (s *Service) refundQuietly(ctx context.Context, authorizationID string) {
	if authorizationID == "" {
		return
	}
	if err := s.provider.Refund(ctx, authorizationID); err != nil {
		s.log.Error().Err(err).Str("authorization_id", authorizationID).Msg("Failed to release payment hold")
	}
}

func (s *Service) fallback(message string) *Outcome {
	metrics.Retirements.WithLabelValues("fallback").Inc()
	return &Outcome{
		Status:         StatusMarketplaceFallback,
		MarketplaceURL: s.marketplaceURL,
		Message:        message,
	}
}

func creditTypeLabel(creditType string) string {
	if creditType == "" {
		return "ecological"
	}
	return creditType
}

// creditClasses joins the distinct credit-class ids behind a selection,
// usually a single class, for the audit trail.
func creditClasses(selection *orders.Result) string {
	seen := map[string]bool{}
	out := ""
	for _, sel := range selection.Orders {
		class := orders.ClassIDFromBatch(sel.Order.BatchDenom)
		if class == "" || seen[class] {
			continue
		}
		seen[class] = true
		if out != "" {
			out += ","
		}
		out += class
	}
	return out
}
