package ledger

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuantityMicro(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{name: "whole credits", input: "10", want: 10_000_000},
		{name: "fractional", input: "1.5", want: 1_500_000},
		{name: "smallest unit", input: "0.000001", want: 1},
		{name: "truncates below micro", input: "0.0000019", want: 1},
		{name: "six decimals", input: "10.123456", want: 10_123_456},
		{name: "zero", input: "0", want: 0},
		{name: "negative", input: "-1", wantErr: true},
		{name: "not a number", input: "abc", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseQuantityMicro(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Int64())
		})
	}
}

func TestFormatQuantityMicro(t *testing.T) {
	assert.Equal(t, "1.500000", FormatQuantityMicro(big.NewInt(1_500_000)))
	assert.Equal(t, "0.000001", FormatQuantityMicro(big.NewInt(1)))
	assert.Equal(t, "0.000000", FormatQuantityMicro(nil))
	assert.Equal(t, "1000000.000000", FormatQuantityMicro(big.NewInt(1_000_000_000_000)))
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.000001", "1.000000", "42.123456", "9999.999999"} {
		micro, err := ParseQuantityMicro(s)
		require.NoError(t, err)
		assert.Equal(t, s, FormatQuantityMicro(micro))
	}
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, int64(4), CeilDiv(big.NewInt(10), big.NewInt(3)).Int64())
	assert.Equal(t, int64(3), CeilDiv(big.NewInt(9), big.NewInt(3)).Int64())
	assert.Equal(t, int64(0), CeilDiv(big.NewInt(0), big.NewInt(5)).Int64())
	assert.Equal(t, int64(1), CeilDiv(big.NewInt(1), big.NewInt(10_000)).Int64())
}

func TestCostForQuantity(t *testing.T) {
	// 1.5 credits at 1 uregen per credit.
	cost := CostForQuantity(big.NewInt(1_000_000), big.NewInt(1_500_000))
	assert.Equal(t, int64(1_500_000), cost.Int64())

	// Sub-micro remainders round up against the buyer.
	cost = CostForQuantity(big.NewInt(333), big.NewInt(1))
	assert.Equal(t, int64(1), cost.Int64())

	cost = CostForQuantity(big.NewInt(2_000_000), big.NewInt(1_250_000))
	assert.Equal(t, int64(2_500_000), cost.Int64())
}

func TestIsRetryable(t *testing.T) {
	retryable := &RetryableError{Err: assert.AnError}
	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsRetryable(assert.AnError))
	assert.False(t, IsRetryable(nil))
}
