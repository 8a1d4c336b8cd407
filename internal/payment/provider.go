// Package payment abstracts how a credit purchase is funded: either the
// signing wallet's own token balance or a card hold on the fiat gateway.
package payment

import (
	"context"
	"math/big"
)

type Status string

const (
	StatusAuthorized Status = "authorized"
	StatusFailed     Status = "failed"
)

// Authorization is a reserved (but not yet collected) payment.
type Authorization struct {
	ID      string
	Status  Status
	Message string
}

// Receipt records a collected payment.
type Receipt struct {
	AuthorizationID string
	AmountMicro     *big.Int
	Denom           string
	Reference       string
}

// Provider reserves funds before a purchase, collects them after it lands
// on chain, and releases them when it fails. A declined authorization is a
// Status of failed, not an error: errors mean the provider itself broke.
type Provider interface {
	Name() string
	// PreferredDenom biases order selection toward a denom this provider
	// can settle, or "" for no preference.
	PreferredDenom() string
	Authorize(ctx context.Context, amountMicro *big.Int, denom string, metadata map[string]string) (*Authorization, error)
	Capture(ctx context.Context, authorizationID string) (*Receipt, error)
	Refund(ctx context.Context, authorizationID string) error
}
