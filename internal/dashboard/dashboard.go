// Package dashboard projects pool contributions, batch attributions,
// and on-chain retirement records into per-user impact views and
// shareable retirement certificates.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/CShear/regen-compute-credits/internal/batch"
	"github.com/CShear/regen-compute-credits/internal/identity"
	"github.com/CShear/regen-compute-credits/internal/ledger"
	"github.com/CShear/regen-compute-credits/internal/pool"
)

// ErrInvalidRequest marks rejected input.
var ErrInvalidRequest = errors.New("invalid request")

// PoolReads supplies contribution summaries.
type PoolReads interface {
	GetUserSummary(ctx context.Context, identifier string) (*pool.UserSummary, error)
}

// AttributionReads supplies per-user slices of batch executions.
type AttributionReads interface {
	AttributionsForUser(userID string) ([]batch.UserAttribution, error)
}

// CertificateReads resolves retirements on chain.
type CertificateReads interface {
	GetRetirement(ctx context.Context, id string) (*ledger.Retirement, error)
}

// UserDashboard is the overview for one contributor: what they paid in
// and what was retired on their behalf.
type UserDashboard struct {
	UserID          string                  `json:"userId"`
	Pool            *pool.UserSummary       `json:"pool,omitempty"`
	Attributions    []batch.UserAttribution `json:"attributions"`
	TotalRetired    string                  `json:"totalRetired"`
	LiveRetirements int                     `json:"liveRetirements"`
}

// Certificate is the public projection of one on-chain retirement.
type Certificate struct {
	ID             string                `json:"id"`
	Amount         string                `json:"amount"`
	BatchDenom     string                `json:"batchDenom"`
	Owner          string                `json:"owner"`
	Jurisdiction   string                `json:"jurisdiction"`
	Reason         string                `json:"reason,omitempty"`
	Beneficiary    *identity.Attribution `json:"beneficiary,omitempty"`
	RetiredAt      time.Time             `json:"retiredAt"`
	TxHash         string                `json:"txHash,omitempty"`
	BlockHeight    int64                 `json:"blockHeight,omitempty"`
	MarketplaceURL string                `json:"marketplaceUrl,omitempty"`
}

// Service assembles the projections from its read-side dependencies.
type Service struct {
	pool           PoolReads
	batches        AttributionReads
	chain          CertificateReads
	marketplaceURL string
	log            zerolog.Logger
}

func New(poolReads PoolReads, attributions AttributionReads, chain CertificateReads, marketplaceURL string, logger zerolog.Logger) *Service {
	return &Service{
		pool:           poolReads,
		batches:        attributions,
		chain:          chain,
		marketplaceURL: strings.TrimRight(marketplaceURL, "/"),
		log:            logger.With().Str("component", "dashboard").Logger(),
	}
}

// UserDashboard merges the user's pool summary with their batch
// attributions. TotalRetired sums live executions only; dry runs are
// listed but never counted as retired credits.
func (s *Service) UserDashboard(ctx context.Context, userID string) (*UserDashboard, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}

	summary, err := s.pool.GetUserSummary(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("pool summary: %w", err)
	}

	attributions, err := s.batches.AttributionsForUser(userID)
	if err != nil {
		return nil, fmt.Errorf("attributions: %w", err)
	}

	view := &UserDashboard{
		UserID:       userID,
		Pool:         summary,
		Attributions: attributions,
	}
	if view.Attributions == nil {
		view.Attributions = []batch.UserAttribution{}
	}

	total := new(big.Int)
	for _, a := range view.Attributions {
		if a.DryRun {
			continue
		}
		view.LiveRetirements++
		micro, err := ledger.ParseQuantityMicro(a.Attribution.AttributedQuantity)
		if err != nil {
			s.log.Warn().Err(err).Str("execution_id", a.ExecutionID).
				Msg("Skipping attribution with unparseable quantity")
			continue
		}
		total.Add(total, micro)
	}
	view.TotalRetired = ledger.FormatQuantityMicro(total)
	return view, nil
}

// Certificate resolves one retirement by certificate node id or tx
// hash. A missing retirement returns (nil, nil). Identity tags embedded
// in the on-chain reason are split back out into the beneficiary field.
func (s *Service) Certificate(ctx context.Context, id string) (*Certificate, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidRequest)
	}

	ret, err := s.chain.GetRetirement(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("retirement lookup: %w", err)
	}
	if ret == nil {
		return nil, nil
	}

	reason, beneficiary := identity.ParseAttributedReason(ret.Reason)
	cert := &Certificate{
		ID:           ret.NodeID,
		Amount:       ret.Amount,
		BatchDenom:   ret.BatchDenom,
		Owner:        ret.Owner,
		Jurisdiction: ret.Jurisdiction,
		Reason:       strings.TrimSpace(reason),
		Beneficiary:  beneficiary,
		RetiredAt:    ret.Timestamp,
		TxHash:       ret.TxHash,
		BlockHeight:  ret.BlockHeight,
	}
	if s.marketplaceURL != "" && ret.BatchDenom != "" {
		cert.MarketplaceURL = s.marketplaceURL + "/credit-batches/" + ret.BatchDenom
	}
	return cert, nil
}
