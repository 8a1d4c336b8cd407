// Package ledger is the client for the ecological-credit chain: REST reads
// for marketplace and credit state, a GraphQL indexer for retirement
// records, and signed transaction broadcast for direct purchases.
//
// All on-chain amounts are integer micro-units (1 credit or token equals
// 1 000 000 micro-units) carried as big.Int. Credit quantities cross the
// 6-decimal presentation boundary through ParseQuantityMicro and
// FormatQuantityMicro; nothing in this package touches floating point.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// SellOrder is the marketplace read model for one open sell order.
type SellOrder struct {
	ID                uint64
	Seller            string
	BatchDenom        string
	Quantity          string   // credits, decimal string
	AskDenom          string
	AskAmount         *big.Int // price per credit, micro-units of AskDenom
	DisableAutoRetire bool
	Expiration        *time.Time
}

// CreditClass is the read model for an on-chain credit class.
type CreditClass struct {
	ID               string
	Admin            string
	Metadata         string
	CreditTypeAbbrev string
}

// Project is the read model for an on-chain project.
type Project struct {
	ID           string
	Admin        string
	ClassID      string
	Jurisdiction string
	Metadata     string
	ReferenceID  string
}

// AllowedDenom is one entry of the marketplace allowed-denom table.
type AllowedDenom struct {
	BankDenom    string
	DisplayDenom string
	Exponent     uint32
}

// Retirement is the indexer read model for a completed retirement.
type Retirement struct {
	NodeID       string
	Amount       string
	BatchDenom   string
	Owner        string
	Jurisdiction string
	Reason       string
	Timestamp    time.Time
	TxHash       string
	BlockHeight  int64
}

// BroadcastResult is the chain's response to a broadcast transaction.
// Code zero means the transaction was accepted into the mempool.
type BroadcastResult struct {
	Code   uint32
	TxHash string
	Height int64
	RawLog string
}

// BuyDirectOrder is one order line of a buy-direct purchase message.
// BidAmountMicro is the per-credit price matching the sell order's ask.
type BuyDirectOrder struct {
	SellOrderID            uint64
	Quantity               string // credits, 6-decimal string
	BidDenom               string
	BidAmountMicro         *big.Int
	RetirementJurisdiction string
	RetirementReason       string
}

// RetryableError marks a transient failure (network, timeout, upstream 5xx)
// that a caller may retry with backoff. 4xx responses are never retryable.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as transient. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is marked transient.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

var million = big.NewInt(1_000_000)

// ParseQuantityMicro converts a decimal credit quantity string into integer
// micro-credits. Fractions beyond six decimals are truncated toward zero.
func ParseQuantityMicro(quantity string) (*big.Int, error) {
	d, err := decimal.NewFromString(quantity)
	if err != nil {
		return nil, fmt.Errorf("invalid quantity %q: %w", quantity, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid quantity %q: negative", quantity)
	}
	return d.Shift(6).Floor().BigInt(), nil
}

// FormatQuantityMicro renders integer micro-credits as a 6-decimal string,
// the chain's canonical quantity representation.
func FormatQuantityMicro(micro *big.Int) string {
	if micro == nil {
		return "0.000000"
	}
	return decimal.NewFromBigInt(micro, -6).StringFixed(6)
}

// CeilDiv returns ceil(a/b) for positive b.
func CeilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// CostForQuantity returns the cost in denom micro-units of buying
// quantityMicro micro-credits at askAmount per credit, rounded up so the
// buyer never underpays.
func CostForQuantity(askAmount, quantityMicro *big.Int) *big.Int {
	total := new(big.Int).Mul(askAmount, quantityMicro)
	return CeilDiv(total, million)
}
