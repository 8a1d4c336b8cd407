// Package orders picks marketplace sell orders for a purchase, cheapest
// first, in either fill-a-quantity or spend-a-budget mode.
package orders

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/CShear/regen-compute-credits/internal/ledger"
)

// LedgerReads is the slice of the chain client the selector needs.
type LedgerReads interface {
	ListSellOrders(ctx context.Context) ([]ledger.SellOrder, error)
	ListCreditClasses(ctx context.Context) ([]ledger.CreditClass, error)
	GetAllowedDenoms(ctx context.Context) ([]ledger.AllowedDenom, error)
}

// SelectedOrder is one sell order with the amount taken from it.
type SelectedOrder struct {
	Order         ledger.SellOrder
	QuantityMicro *big.Int
	CostMicro     *big.Int
}

// Result is a purchase plan. InsufficientSupply is set in quantity mode;
// RemainingBudgetMicro and ExhaustedBudget in budget mode.
type Result struct {
	Orders             []SelectedOrder
	TotalQuantityMicro *big.Int
	TotalCostMicro     *big.Int
	PaymentDenom       string
	DisplayDenom       string
	Exponent           uint32

	InsufficientSupply bool

	RemainingBudgetMicro *big.Int
	ExhaustedBudget      bool
}

type Selector struct {
	ledger      LedgerReads
	nativeDenom string
	log         zerolog.Logger
}

func New(reads LedgerReads, nativeDenom string, logger zerolog.Logger) *Selector {
	return &Selector{
		ledger:      reads,
		nativeDenom: nativeDenom,
		log:         logger.With().Str("component", "orders").Logger(),
	}
}

var million = big.NewInt(1_000_000)

// SelectBestOrders picks the cheapest eligible orders that together cover
// targetQuantityMicro. The last order is capped so the total lands exactly
// on the target.
func (s *Selector) SelectBestOrders(ctx context.Context, creditType string, targetQuantityMicro *big.Int, preferredDenom string) (*Result, error) {
	if targetQuantityMicro == nil || targetQuantityMicro.Sign() <= 0 {
		return nil, fmt.Errorf("target quantity must be positive")
	}

	eligible, denom, err := s.eligible(ctx, creditType, preferredDenom)
	if err != nil {
		return nil, err
	}

	result := newResult(denom)
	remaining := new(big.Int).Set(targetQuantityMicro)

	for _, order := range eligible {
		if remaining.Sign() <= 0 {
			break
		}
		available, err := ledger.ParseQuantityMicro(order.Quantity)
		if err != nil {
			s.log.Warn().Err(err).Uint64("order_id", order.ID).Msg("Skipping order with bad quantity")
			continue
		}
		if available.Sign() <= 0 {
			continue
		}

		take := new(big.Int).Set(available)
		if take.Cmp(remaining) > 0 {
			take.Set(remaining)
		}
		cost := ledger.CostForQuantity(order.AskAmount, take)

		result.Orders = append(result.Orders, SelectedOrder{Order: order, QuantityMicro: take, CostMicro: cost})
		result.TotalQuantityMicro.Add(result.TotalQuantityMicro, take)
		result.TotalCostMicro.Add(result.TotalCostMicro, cost)
		remaining.Sub(remaining, take)
	}

	result.InsufficientSupply = remaining.Sign() > 0
	return result, nil
}

// SelectOrdersForBudget spends up to budgetMicro on the cheapest eligible
// orders. Per-order cost is rounded up but capped by the remaining budget,
// so the total can never overshoot.
func (s *Selector) SelectOrdersForBudget(ctx context.Context, creditType string, budgetMicro *big.Int, preferredDenom string) (*Result, error) {
	if budgetMicro == nil || budgetMicro.Sign() <= 0 {
		return nil, fmt.Errorf("budget must be positive")
	}

	eligible, denom, err := s.eligible(ctx, creditType, preferredDenom)
	if err != nil {
		return nil, err
	}

	result := newResult(denom)
	remaining := new(big.Int).Set(budgetMicro)

	for _, order := range eligible {
		if remaining.Sign() <= 0 {
			break
		}
		available, err := ledger.ParseQuantityMicro(order.Quantity)
		if err != nil {
			s.log.Warn().Err(err).Uint64("order_id", order.ID).Msg("Skipping order with bad quantity")
			continue
		}
		if available.Sign() <= 0 {
			continue
		}

		// floor(remaining × 1e6 / price) micro-credits is the most this
		// order can yield without overspending.
		affordable := new(big.Int).Mul(remaining, million)
		affordable.Quo(affordable, order.AskAmount)

		take := new(big.Int).Set(available)
		if take.Cmp(affordable) > 0 {
			take.Set(affordable)
		}
		if take.Sign() <= 0 {
			// Orders are sorted ascending: nothing later is affordable either.
			result.ExhaustedBudget = true
			break
		}

		cost := ledger.CostForQuantity(order.AskAmount, take)
		result.Orders = append(result.Orders, SelectedOrder{Order: order, QuantityMicro: take, CostMicro: cost})
		result.TotalQuantityMicro.Add(result.TotalQuantityMicro, take)
		result.TotalCostMicro.Add(result.TotalCostMicro, cost)
		remaining.Sub(remaining, cost)
	}

	if remaining.Sign() == 0 {
		result.ExhaustedBudget = true
	}
	result.RemainingBudgetMicro = remaining
	return result, nil
}

func newResult(denom ledger.AllowedDenom) *Result {
	return &Result{
		TotalQuantityMicro: big.NewInt(0),
		TotalCostMicro:     big.NewInt(0),
		PaymentDenom:       denom.BankDenom,
		DisplayDenom:       denom.DisplayDenom,
		Exponent:           denom.Exponent,
	}
}

// eligible returns the filtered, price-sorted order book and the payment
// denom the purchase will use.
func (s *Selector) eligible(ctx context.Context, creditType, preferredDenom string) ([]ledger.SellOrder, ledger.AllowedDenom, error) {
	denoms, err := s.ledger.GetAllowedDenoms(ctx)
	if err != nil {
		return nil, ledger.AllowedDenom{}, fmt.Errorf("failed to fetch allowed denoms: %w", err)
	}
	denom, err := s.resolveDenom(preferredDenom, denoms)
	if err != nil {
		return nil, ledger.AllowedDenom{}, err
	}

	book, err := s.ledger.ListSellOrders(ctx)
	if err != nil {
		return nil, denom, fmt.Errorf("failed to list sell orders: %w", err)
	}

	var classTypes map[string]string
	if creditType != "" {
		classes, err := s.ledger.ListCreditClasses(ctx)
		if err != nil {
			return nil, denom, fmt.Errorf("failed to list credit classes: %w", err)
		}
		classTypes = make(map[string]string, len(classes))
		for _, class := range classes {
			classTypes[class.ID] = class.CreditTypeAbbrev
		}
	}

	now := time.Now()
	eligible := make([]ledger.SellOrder, 0, len(book))
	for _, order := range book {
		if order.DisableAutoRetire {
			continue
		}
		if order.AskDenom != denom.BankDenom {
			continue
		}
		if order.AskAmount == nil || order.AskAmount.Sign() <= 0 {
			continue
		}
		if order.Expiration != nil && !order.Expiration.After(now) {
			continue
		}
		if creditType != "" && !MatchesCreditType(classTypes[ClassIDFromBatch(order.BatchDenom)], creditType) {
			continue
		}
		eligible = append(eligible, order)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].AskAmount.Cmp(eligible[j].AskAmount) < 0
	})
	return eligible, denom, nil
}

func (s *Selector) resolveDenom(preferred string, denoms []ledger.AllowedDenom) (ledger.AllowedDenom, error) {
	if len(denoms) == 0 {
		return ledger.AllowedDenom{}, fmt.Errorf("marketplace has no allowed denoms")
	}
	if preferred != "" {
		for _, d := range denoms {
			if d.BankDenom == preferred {
				return d, nil
			}
		}
		s.log.Debug().Str("denom", preferred).Msg("Preferred denom not allowed, falling back")
	}
	for _, d := range denoms {
		if d.BankDenom == s.nativeDenom {
			return d, nil
		}
	}
	return denoms[0], nil
}

// ClassIDFromBatch extracts "C01" from "C01-001-20200101-20210101-001".
func ClassIDFromBatch(batchDenom string) string {
	id, _, _ := strings.Cut(batchDenom, "-")
	return id
}

// MatchesCreditType maps class type "C" to carbon and everything else to
// biodiversity.
func MatchesCreditType(classType, creditType string) bool {
	if creditType == "carbon" {
		return classType == "C"
	}
	return classType != "C"
}
