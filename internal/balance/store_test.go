package balance

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAPIKey(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		key, err := NewAPIKey()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(key, "rcc_"))
		assert.Len(t, key, len("rcc_")+48)
		assert.False(t, seen[key], "duplicate key generated")
		seen[key] = true
	}
}

func TestHashAPIKey(t *testing.T) {
	a := HashAPIKey("rcc_abc")
	b := HashAPIKey("rcc_abc")
	c := HashAPIKey("rcc_abd")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.NotContains(t, a, "rcc_", "raw key must not appear in the hash")
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "user:balance:u1", BalanceKey("u1"))
	assert.Equal(t, "apikey:deadbeef", APIKeyKey("deadbeef"))
}

// TestStoreIntegration exercises the full account lifecycle against a
// real database. Point TEST_POSTGRES_URL at a database with the
// migrations applied to enable it.
func TestStoreIntegration(t *testing.T) {
	postgresURL := os.Getenv("TEST_POSTGRES_URL")
	if postgresURL == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}

	store, err := New(postgresURL, nil, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	email := "integration-" + HashAPIKey(t.Name())[:12] + "@example.com"

	user, created, err := store.FindOrCreateUserByEmail(ctx, email)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, user.APIKey)
	assert.Zero(t, user.BalanceCents)

	again, created, err := store.FindOrCreateUserByEmail(ctx, email)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, user.ID, again.ID)

	applied, err := store.CreditTopUp(ctx, user.ID, 5000, "cs_test_"+user.ID, "test top-up")
	require.NoError(t, err)
	assert.True(t, applied)

	// Replaying the same checkout session must be a no-op.
	applied, err = store.CreditTopUp(ctx, user.ID, 5000, "cs_test_"+user.ID, "test top-up")
	require.NoError(t, err)
	assert.False(t, applied)

	cents, err := store.CheckBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), cents)

	remaining, err := store.DebitForRetirement(ctx, user.ID, 1200, "ABC123", "C01-001-20200101-20210101-001", "1.500000")
	require.NoError(t, err)
	assert.Equal(t, int64(3800), remaining)

	_, err = store.DebitForRetirement(ctx, user.ID, 1_000_000, "DEF456", "", "")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	cents, err = store.CheckBalance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3800), cents, "failed debit must not change the balance")

	txs, err := store.Transactions(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, TxTypeRetirement, txs[0].Type)
	assert.Equal(t, TxTypeTopUp, txs[1].Type)
}
