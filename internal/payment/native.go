package payment

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BankBalance is the one chain query the native provider needs.
type BankBalance interface {
	BankBalance(ctx context.Context, address, denom string) (*big.Int, error)
}

// NativeProvider pays from the signing wallet's own balance. There is no
// hold to place on chain, so authorize only checks the balance and capture
// and refund are local bookkeeping.
type NativeProvider struct {
	ledger  BankBalance
	address string
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]pendingAuth
}

type pendingAuth struct {
	amountMicro *big.Int
	denom       string
}

func NewNative(bank BankBalance, address string, logger zerolog.Logger) *NativeProvider {
	return &NativeProvider{
		ledger:  bank,
		address: address,
		log:     logger.With().Str("component", "payment").Str("provider", "crypto").Logger(),
		pending: make(map[string]pendingAuth),
	}
}

func (p *NativeProvider) Name() string           { return "crypto" }
func (p *NativeProvider) PreferredDenom() string { return "" }

func (p *NativeProvider) Authorize(ctx context.Context, amountMicro *big.Int, denom string, metadata map[string]string) (*Authorization, error) {
	balance, err := p.ledger.BankBalance(ctx, p.address, denom)
	if err != nil {
		return nil, fmt.Errorf("failed to check wallet balance: %w", err)
	}
	if balance.Cmp(amountMicro) < 0 {
		return &Authorization{
			Status:  StatusFailed,
			Message: fmt.Sprintf("wallet holds %s %s, purchase needs %s", balance, denom, amountMicro),
		}, nil
	}

	id := "native_" + uuid.NewString()
	p.mu.Lock()
	p.pending[id] = pendingAuth{amountMicro: new(big.Int).Set(amountMicro), denom: denom}
	p.mu.Unlock()

	return &Authorization{ID: id, Status: StatusAuthorized}, nil
}

func (p *NativeProvider) Capture(ctx context.Context, authorizationID string) (*Receipt, error) {
	p.mu.Lock()
	auth, ok := p.pending[authorizationID]
	delete(p.pending, authorizationID)
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown authorization %s", authorizationID)
	}
	return &Receipt{
		AuthorizationID: authorizationID,
		AmountMicro:     auth.amountMicro,
		Denom:           auth.denom,
		Reference:       authorizationID,
	}, nil
}

func (p *NativeProvider) Refund(ctx context.Context, authorizationID string) error {
	p.mu.Lock()
	delete(p.pending, authorizationID)
	p.mu.Unlock()
	return nil
}
