package payment

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v76"
)

type fakeGateway struct {
	createParams *stripe.PaymentIntentParams
	createResult *stripe.PaymentIntent
	createErr    error

	capturedID    string
	captureResult *stripe.PaymentIntent
	captureErr    error

	canceledID string
	cancelErr  error
}

func (f *fakeGateway) CreatePaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.createParams = params
	return f.createResult, f.createErr
}

func (f *fakeGateway) CapturePaymentIntent(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	f.capturedID = id
	return f.captureResult, f.captureErr
}

func (f *fakeGateway) CancelPaymentIntent(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	f.canceledID = id
	return &stripe.PaymentIntent{ID: id}, f.cancelErr
}

func newStripeProvider(gw *fakeGateway) *StripeProvider {
	return NewStripe(gw, "cus_1", "pm_1", []string{"ibc/USDC"}, zerolog.Nop())
}

func TestCentsForMicro(t *testing.T) {
	assert.Equal(t, int64(0), CentsForMicro(big.NewInt(0)))
	assert.Equal(t, int64(1), CentsForMicro(big.NewInt(1)))
	assert.Equal(t, int64(1), CentsForMicro(big.NewInt(10_000)))
	assert.Equal(t, int64(2), CentsForMicro(big.NewInt(10_001)))
	assert.Equal(t, int64(3500), CentsForMicro(big.NewInt(35_000_000)))
}

func TestStripeAuthorize(t *testing.T) {
	gw := &fakeGateway{createResult: &stripe.PaymentIntent{
		ID:     "pi_1",
		Status: stripe.PaymentIntentStatusRequiresCapture,
	}}
	provider := newStripeProvider(gw)

	auth, err := provider.Authorize(context.Background(), big.NewInt(35_000_000), "ibc/USDC", map[string]string{"purpose": "retirement"})
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, auth.Status)
	assert.Equal(t, "pi_1", auth.ID)

	params := gw.createParams
	require.NotNil(t, params)
	assert.Equal(t, int64(3500), *params.Amount)
	assert.Equal(t, "usd", *params.Currency)
	assert.Equal(t, "cus_1", *params.Customer)
	assert.Equal(t, "pm_1", *params.PaymentMethod)
	assert.Equal(t, string(stripe.PaymentIntentCaptureMethodManual), *params.CaptureMethod)
	assert.True(t, *params.Confirm)
	assert.True(t, *params.OffSession)
	assert.Equal(t, "35000000", params.Metadata["amount_micro"])
	assert.Equal(t, "ibc/USDC", params.Metadata["denom"])
	assert.Equal(t, "retirement", params.Metadata["purpose"])
}

func TestStripeAuthorizeRejectsNonUSDC(t *testing.T) {
	gw := &fakeGateway{}
	provider := newStripeProvider(gw)

	auth, err := provider.Authorize(context.Background(), big.NewInt(1_000_000), "uregen", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, auth.Status)
	assert.Contains(t, auth.Message, "uregen")
	assert.Nil(t, gw.createParams, "gateway must not be called for unsupported denoms")
}

func TestStripeAuthorizeDecline(t *testing.T) {
	gw := &fakeGateway{createErr: &stripe.Error{
		Code: stripe.ErrorCodeCardDeclined,
		Msg:  "Your card was declined.",
	}}
	provider := newStripeProvider(gw)

	auth, err := provider.Authorize(context.Background(), big.NewInt(10_000), "ibc/USDC", nil)
	require.NoError(t, err, "a decline is a result, not an error")
	assert.Equal(t, StatusFailed, auth.Status)
	assert.Contains(t, auth.Message, "declined")
}

func TestStripeAuthorizeGatewayOutage(t *testing.T) {
	gw := &fakeGateway{createErr: fmt.Errorf("connection reset")}
	provider := newStripeProvider(gw)

	_, err := provider.Authorize(context.Background(), big.NewInt(10_000), "ibc/USDC", nil)
	assert.Error(t, err)
}

func TestStripeAuthorizeUnexpectedStatus(t *testing.T) {
	gw := &fakeGateway{createResult: &stripe.PaymentIntent{
		ID:     "pi_2",
		Status: stripe.PaymentIntentStatusRequiresAction,
	}}
	provider := newStripeProvider(gw)

	auth, err := provider.Authorize(context.Background(), big.NewInt(10_000), "ibc/USDC", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, auth.Status)
	assert.Contains(t, auth.Message, "requires_action")
}

func TestStripeCaptureRebuildsReceipt(t *testing.T) {
	gw := &fakeGateway{captureResult: &stripe.PaymentIntent{
		ID: "pi_1",
		Metadata: map[string]string{
			"amount_micro": "35000000",
			"denom":        "ibc/USDC",
		},
	}}
	provider := newStripeProvider(gw)

	receipt, err := provider.Capture(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, "pi_1", gw.capturedID)
	assert.Equal(t, "pi_1", receipt.AuthorizationID)
	assert.Equal(t, int64(35_000_000), receipt.AmountMicro.Int64())
	assert.Equal(t, "ibc/USDC", receipt.Denom)
}

func TestStripeRefundIdempotent(t *testing.T) {
	gw := &fakeGateway{cancelErr: &stripe.Error{
		Msg: "You cannot cancel this PaymentIntent because it has a status of canceled.",
	}}
	provider := newStripeProvider(gw)

	assert.NoError(t, provider.Refund(context.Background(), "pi_1"))

	gw.cancelErr = fmt.Errorf("connection reset")
	assert.Error(t, provider.Refund(context.Background(), "pi_1"))

	gw.cancelErr = nil
	assert.NoError(t, provider.Refund(context.Background(), "pi_1"))
	assert.Equal(t, "pi_1", gw.canceledID)
}

type fakeBank struct {
	balance *big.Int
	err     error
}

func (f *fakeBank) BankBalance(ctx context.Context, address, denom string) (*big.Int, error) {
	return f.balance, f.err
}

func TestNativeAuthorizeAndCapture(t *testing.T) {
	provider := NewNative(&fakeBank{balance: big.NewInt(5_000_000)}, "regen1abc", zerolog.Nop())

	auth, err := provider.Authorize(context.Background(), big.NewInt(4_000_000), "uregen", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, auth.Status)
	assert.Contains(t, auth.ID, "native_")

	receipt, err := provider.Capture(context.Background(), auth.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4_000_000), receipt.AmountMicro.Int64())
	assert.Equal(t, "uregen", receipt.Denom)

	// Capturing twice fails: the pending entry is consumed.
	_, err = provider.Capture(context.Background(), auth.ID)
	assert.Error(t, err)
}

func TestNativeAuthorizeInsufficientBalance(t *testing.T) {
	provider := NewNative(&fakeBank{balance: big.NewInt(100)}, "regen1abc", zerolog.Nop())

	auth, err := provider.Authorize(context.Background(), big.NewInt(4_000_000), "uregen", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, auth.Status)
	assert.NotEmpty(t, auth.Message)
}

func TestNativeRefundReleasesAuth(t *testing.T) {
	provider := NewNative(&fakeBank{balance: big.NewInt(5_000_000)}, "regen1abc", zerolog.Nop())

	auth, err := provider.Authorize(context.Background(), big.NewInt(1), "uregen", nil)
	require.NoError(t, err)
	require.NoError(t, provider.Refund(context.Background(), auth.ID))

	_, err = provider.Capture(context.Background(), auth.ID)
	assert.Error(t, err)

	// Refund after release stays quiet.
	assert.NoError(t, provider.Refund(context.Background(), auth.ID))
}

func TestNativeAuthorizeBalanceCheckFails(t *testing.T) {
	provider := NewNative(&fakeBank{err: fmt.Errorf("chain down")}, "regen1abc", zerolog.Nop())

	_, err := provider.Authorize(context.Background(), big.NewInt(1), "uregen", nil)
	assert.Error(t, err)
}
