package keysync

import (
	"context"
	"os"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CShear/regen-compute-credits/internal/balance"
)

// TestSyncIntegration verifies the startup sync and the integrity
// checker against real backends. Set TEST_POSTGRES_URL and
// TEST_REDIS_ADDR to enable it.
func TestSyncIntegration(t *testing.T) {
	postgresURL := os.Getenv("TEST_POSTGRES_URL")
	redisAddr := os.Getenv("TEST_REDIS_ADDR")
	if postgresURL == "" || redisAddr == "" {
		t.Skip("TEST_POSTGRES_URL or TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	store, err := balance.New(postgresURL, rdb, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	user, _, err := store.FindOrCreateUserByEmail(ctx, "keysync-test@example.com")
	require.NoError(t, err)

	syncer := New(rdb, store.DB(), zerolog.Nop())
	require.NoError(t, syncer.InitializeRedis(ctx))

	// The hashed key must resolve to the user id after a full sync.
	id, err := rdb.Get(ctx, balance.APIKeyKey(balance.HashAPIKey(user.APIKey))).Result()
	require.NoError(t, err)
	assert.Equal(t, user.ID, id)

	// Poison the mirror and let the integrity checker repair it.
	require.NoError(t, rdb.Set(ctx, balance.BalanceKey(user.ID), user.BalanceCents+999, 0).Err())
	_, err = syncer.VerifyIntegrity(ctx, 1000)
	require.NoError(t, err)

	cents, err := rdb.Get(ctx, balance.BalanceKey(user.ID)).Int64()
	require.NoError(t, err)
	assert.Equal(t, user.BalanceCents, cents, "integrity check should repair the mirror")
}
