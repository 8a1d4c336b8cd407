// Package keysync keeps the Redis request-path mirror aligned with
// PostgreSQL. PostgreSQL owns users, API keys, and balances; Redis holds
// hashed-key lookups and balance mirrors so authentication and balance
// gating never touch the database on the hot path. A full sync runs at
// startup, an incremental sync corrects drift every few minutes, and
// VerifyIntegrity samples accounts and repairs mismatches.
package keysync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/CShear/regen-compute-credits/internal/balance"
)

// Syncer mirrors the prepaid-account store into Redis.
type Syncer struct {
	redis  *redis.Client
	db     *sql.DB
	log    zerolog.Logger
	stopCh chan struct{}
}

// New creates a Syncer over an existing Redis client and PostgreSQL
// pool.
func New(rdb *redis.Client, db *sql.DB, logger zerolog.Logger) *Syncer {
	return &Syncer{
		redis:  rdb,
		db:     db,
		log:    logger.With().Str("component", "keysync").Logger(),
		stopCh: make(chan struct{}),
	}
}

// InitializeRedis performs the full startup sync: every account's
// hashed API key and balance mirror. Must complete before the API
// accepts requests, otherwise authentication falls back to PostgreSQL
// on every call.
func (s *Syncer) InitializeRedis(ctx context.Context) error {
	start := time.Now()
	s.log.Info().Msg("Starting full redis sync from postgres")

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, api_key, balance_cents
		FROM users
		ORDER BY id`)
	if err != nil {
		return fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	pipe := s.redis.Pipeline()
	count := 0

	for rows.Next() {
		var id, apiKey string
		var cents int64
		if err := rows.Scan(&id, &apiKey, &cents); err != nil {
			s.log.Error().Err(err).Msg("Failed to scan user row")
			continue
		}

		pipe.Set(ctx, balance.APIKeyKey(balance.HashAPIKey(apiKey)), id, 0)
		pipe.Set(ctx, balance.BalanceKey(id), cents, 0)
		count++

		// Flush in batches so one huge user table cannot build an
		// unbounded pipeline.
		if count%1000 == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("pipeline exec at %d users: %w", count, err)
			}
			pipe = s.redis.Pipeline()
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("final pipeline exec: %w", err)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("row iteration: %w", err)
	}

	s.log.Info().
		Int("users", count).
		Dur("duration", time.Since(start)).
		Msg("Redis sync complete")
	return nil
}

// SyncAPIKeys refreshes only the hashed-key lookups. Exposed for the
// admin CLI; InitializeRedis already covers keys at startup.
func (s *Syncer) SyncAPIKeys(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT id, api_key FROM users")
	if err != nil {
		return fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	pipe := s.redis.Pipeline()
	count := 0
	for rows.Next() {
		var id, apiKey string
		if err := rows.Scan(&id, &apiKey); err != nil {
			s.log.Error().Err(err).Msg("Failed to scan key row")
			continue
		}
		pipe.Set(ctx, balance.APIKeyKey(balance.HashAPIKey(apiKey)), id, 0)
		count++
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec: %w", err)
	}

	s.log.Info().Int("keys", count).Msg("API keys synced")
	return rows.Err()
}

// StartPeriodicSync launches the drift-correction loop. Interval zero
// means every five minutes.
func (s *Syncer) StartPeriodicSync(interval time.Duration) {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	s.log.Info().Dur("interval", interval).Msg("Starting periodic sync")

	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if err := s.syncRecentlyUpdated(ctx); err != nil {
					s.log.Error().Err(err).Msg("Periodic sync failed")
				}
				cancel()
			case <-s.stopCh:
				ticker.Stop()
				s.log.Info().Msg("Periodic sync stopped")
				return
			}
		}
	}()
}

// syncRecentlyUpdated mirrors balances for accounts touched in the last
// hour. Catches webhook top-ups and manual corrections that bypassed
// the mirror.
func (s *Syncer) syncRecentlyUpdated(ctx context.Context) error {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, balance_cents
		FROM users
		WHERE updated_at > NOW() - INTERVAL '1 hour'`)
	if err != nil {
		return fmt.Errorf("query recent users: %w", err)
	}
	defer rows.Close()

	pipe := s.redis.Pipeline()
	count := 0
	for rows.Next() {
		var id string
		var cents int64
		if err := rows.Scan(&id, &cents); err != nil {
			continue
		}
		pipe.Set(ctx, balance.BalanceKey(id), cents, 0)
		count++
	}
	if count > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("pipeline exec: %w", err)
		}
	}

	s.log.Debug().
		Int("synced_users", count).
		Dur("duration", time.Since(start)).
		Msg("Incremental sync complete")
	return rows.Err()
}

// SyncUser refreshes one account's balance mirror from PostgreSQL.
func (s *Syncer) SyncUser(ctx context.Context, userID string) error {
	var cents int64
	err := s.db.QueryRowContext(ctx,
		"SELECT balance_cents FROM users WHERE id = $1", userID).Scan(&cents)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("user not found: %s", userID)
	}
	if err != nil {
		return fmt.Errorf("query balance: %w", err)
	}

	if err := s.redis.Set(ctx, balance.BalanceKey(userID), cents, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	s.log.Info().Str("user_id", userID).Int64("balance_cents", cents).Msg("User balance synced")
	return nil
}

// VerifyIntegrity samples accounts, compares Redis against PostgreSQL,
// repairs every mismatch it finds, and returns the mismatch count.
func (s *Syncer) VerifyIntegrity(ctx context.Context, sampleSize int) (int, error) {
	if sampleSize <= 0 {
		sampleSize = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, balance_cents
		FROM users
		ORDER BY RANDOM()
		LIMIT $1`, sampleSize)
	if err != nil {
		return 0, fmt.Errorf("sample users: %w", err)
	}
	defer rows.Close()

	discrepancies := 0
	for rows.Next() {
		var id string
		var pgCents int64
		if err := rows.Scan(&id, &pgCents); err != nil {
			continue
		}

		redisCents, err := s.redis.Get(ctx, balance.BalanceKey(id)).Int64()
		if err == redis.Nil {
			s.log.Warn().Str("user_id", id).Msg("User missing from redis mirror")
			discrepancies++
			if err := s.SyncUser(ctx, id); err != nil {
				s.log.Error().Err(err).Str("user_id", id).Msg("Repair failed")
			}
			continue
		}
		if err != nil {
			continue
		}

		if redisCents != pgCents {
			s.log.Warn().
				Str("user_id", id).
				Int64("redis_cents", redisCents).
				Int64("postgres_cents", pgCents).
				Msg("Balance mirror mismatch")
			discrepancies++
			if err := s.SyncUser(ctx, id); err != nil {
				s.log.Error().Err(err).Str("user_id", id).Msg("Repair failed")
			}
		}
	}

	return discrepancies, rows.Err()
}

// Stop terminates the periodic sync loop.
func (s *Syncer) Stop() {
	close(s.stopCh)
}
