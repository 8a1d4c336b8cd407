package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/rs/zerolog"
	stripe "github.com/stripe/stripe-go/v76"
)

// GatewayAPI is the slice of the card gateway the provider uses.
type GatewayAPI interface {
	CreatePaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	CapturePaymentIntent(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	CancelPaymentIntent(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StripeProvider funds purchases with a manual-capture card hold. It can
// only settle USDC-equivalent denoms, where 1 cent = 10,000 micro-units.
type StripeProvider struct {
	gateway         GatewayAPI
	customerID      string
	paymentMethodID string
	usdcDenoms      []string
	usdcSet         map[string]bool
	log             zerolog.Logger
}

func NewStripe(gw GatewayAPI, customerID, paymentMethodID string, usdcDenoms []string, logger zerolog.Logger) *StripeProvider {
	set := make(map[string]bool, len(usdcDenoms))
	for _, d := range usdcDenoms {
		set[d] = true
	}
	return &StripeProvider{
		gateway:         gw,
		customerID:      customerID,
		paymentMethodID: paymentMethodID,
		usdcDenoms:      usdcDenoms,
		usdcSet:         set,
		log:             logger.With().Str("component", "payment").Str("provider", "stripe").Logger(),
	}
}

func (p *StripeProvider) Name() string { return "stripe" }

func (p *StripeProvider) PreferredDenom() string {
	if len(p.usdcDenoms) == 0 {
		return ""
	}
	return p.usdcDenoms[0]
}

var tenThousand = big.NewInt(10_000)

// CentsForMicro converts micro-USDC to cents, rounding up so the card is
// never charged less than the on-chain cost.
func CentsForMicro(amountMicro *big.Int) int64 {
	q, r := new(big.Int).QuoRem(amountMicro, tenThousand, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q.Int64()
}

func (p *StripeProvider) Authorize(ctx context.Context, amountMicro *big.Int, denom string, metadata map[string]string) (*Authorization, error) {
	if !p.usdcSet[denom] {
		return &Authorization{
			Status:  StatusFailed,
			Message: fmt.Sprintf("card payments cannot settle %s", denom),
		}, nil
	}

	cents := CentsForMicro(amountMicro)
	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(cents),
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		Customer:      stripe.String(p.customerID),
		PaymentMethod: stripe.String(p.paymentMethodID),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	// Echo the on-chain amount so capture can build a receipt without
	// another chain lookup.
	params.AddMetadata("amount_micro", amountMicro.String())
	params.AddMetadata("denom", denom)
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	intent, err := p.gateway.CreatePaymentIntent(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			// Declines are an answer, not an outage.
			p.log.Warn().Str("code", string(stripeErr.Code)).Msg("Card authorization declined")
			return &Authorization{Status: StatusFailed, Message: stripeErr.Msg}, nil
		}
		return nil, fmt.Errorf("gateway authorization failed: %w", err)
	}

	switch intent.Status {
	case stripe.PaymentIntentStatusRequiresCapture, stripe.PaymentIntentStatusSucceeded:
		return &Authorization{ID: intent.ID, Status: StatusAuthorized}, nil
	default:
		return &Authorization{
			ID:      intent.ID,
			Status:  StatusFailed,
			Message: fmt.Sprintf("payment intent in unexpected status %s", intent.Status),
		}, nil
	}
}

func (p *StripeProvider) Capture(ctx context.Context, authorizationID string) (*Receipt, error) {
	intent, err := p.gateway.CapturePaymentIntent(authorizationID, &stripe.PaymentIntentCaptureParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to capture payment: %w", err)
	}

	receipt := &Receipt{
		AuthorizationID: intent.ID,
		Denom:           intent.Metadata["denom"],
		Reference:       intent.ID,
	}
	if s := intent.Metadata["amount_micro"]; s != "" {
		if amount, ok := new(big.Int).SetString(s, 10); ok {
			receipt.AmountMicro = amount
		}
	}
	return receipt, nil
}

func (p *StripeProvider) Refund(ctx context.Context, authorizationID string) error {
	_, err := p.gateway.CancelPaymentIntent(authorizationID, &stripe.PaymentIntentCancelParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && strings.Contains(strings.ToLower(stripeErr.Msg), "canceled") {
			// Hold already released.
			return nil
		}
		return fmt.Errorf("failed to release payment hold: %w", err)
	}
	return nil
}
