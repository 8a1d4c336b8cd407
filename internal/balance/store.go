// Package balance is the prepaid account store. PostgreSQL is the source
// of truth for users, balances, and the transaction audit trail; Redis
// mirrors API keys and balances for fast request-path reads. The mirror
// may lag but only in the safe direction: the authoritative debit is a
// guarded UPDATE that can never drive a balance negative.
//
// Usage events are written through an async queue so the request path
// never blocks on a PostgreSQL insert.
package balance

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

var (
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")

	// ErrInsufficientBalance is returned when a debit would overdraw the
	// account. The account is left untouched.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Transaction types recorded in the audit trail.
const (
	TxTypeTopUp      = "topup"
	TxTypeRetirement = "retirement"
)

// User is a prepaid account holder.
type User struct {
	ID               string    `json:"id"`
	APIKey           string    `json:"apiKey,omitempty"`
	Email            string    `json:"email"`
	BalanceCents     int64     `json:"balanceCents"`
	StripeCustomerID string    `json:"stripeCustomerId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Transaction is one audit-trail entry. AmountCents is always positive;
// Type says which direction the money moved.
type Transaction struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Type             string    `json:"type"`
	AmountCents      int64     `json:"amountCents"`
	Description      string    `json:"description,omitempty"`
	StripeSessionID  string    `json:"stripeSessionId,omitempty"`
	RetirementTxHash string    `json:"retirementTxHash,omitempty"`
	CreditClass      string    `json:"creditClass,omitempty"`
	CreditsRetired   string    `json:"creditsRetired,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// UsageEvent is one authenticated API request, recorded asynchronously.
type UsageEvent struct {
	UserID     string
	Method     string
	Route      string
	Status     int
	DurationMs int64
}

// BalanceKey is the Redis mirror key for a user's balance in cents.
func BalanceKey(userID string) string {
	return "user:balance:" + userID
}

// APIKeyKey is the Redis lookup key for a hashed API key. Only the
// SHA-256 of the key ever reaches Redis.
func APIKeyKey(hashedKey string) string {
	return "apikey:" + hashedKey
}

// HashAPIKey returns the hex SHA-256 of an API key.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// NewAPIKey generates a fresh bearer key.
func NewAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return "rcc_" + hex.EncodeToString(buf), nil
}

// Store manages prepaid accounts across PostgreSQL and the Redis mirror.
//
// All methods are safe for concurrent use. Create one Store at startup
// and Close it during shutdown; Close drains the usage queue. The Redis
// client is owned by the caller and is not closed here.
type Store struct {
	db    *sql.DB
	redis *redis.Client
	log   zerolog.Logger

	usageQueue chan UsageEvent
	wg         sync.WaitGroup
}

// New opens the PostgreSQL pool, verifies both connections, and starts
// the usage-event workers.
func New(postgresURL string, rdb *redis.Client, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	s := &Store{
		db:         db,
		redis:      rdb,
		log:        logger.With().Str("component", "balance").Logger(),
		usageQueue: make(chan UsageEvent, 4096),
	}

	const workers = 4
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.usageWorker(i)
	}

	s.log.Info().Int("usage_workers", workers).Msg("Balance store ready")
	return s, nil
}

const userColumns = "id, api_key, email, balance_cents, stripe_customer_id, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var stripeID sql.NullString
	if err := row.Scan(&u.ID, &u.APIKey, &u.Email, &u.BalanceCents, &stripeID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.StripeCustomerID = stripeID.String
	return &u, nil
}

// FindOrCreateUserByEmail returns the account for an email address,
// creating it with a zero balance and a fresh API key when absent. The
// second return reports whether a new account was created.
func (s *Store) FindOrCreateUserByEmail(ctx context.Context, email string) (*User, bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, false, fmt.Errorf("invalid email %q", email)
	}

	user, err := s.UserByEmail(ctx, email)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, false, err
	}

	apiKey, err := NewAPIKey()
	if err != nil {
		return nil, false, err
	}
	id := uuid.New().String()

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, api_key, email, balance_cents, created_at, updated_at)
		VALUES ($1, $2, $3, 0, NOW(), NOW())
		ON CONFLICT (email) DO NOTHING
		RETURNING `+userColumns,
		id, apiKey, email)

	user, err = scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost a concurrent create for the same email.
		user, err = s.UserByEmail(ctx, email)
		return user, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}

	s.mirrorUser(ctx, user)
	s.log.Info().Str("user_id", user.ID).Msg("Created prepaid account")
	return user, true, nil
}

// UserByID loads one account. Returns ErrUserNotFound when absent.
func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user %s: %w", id, err)
	}
	return user, nil
}

// UserByEmail loads one account by email. Returns ErrUserNotFound when
// absent.
func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", email)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return user, nil
}

// UserByAPIKey is the authoritative key lookup, used when the Redis
// mirror misses. Returns ErrUserNotFound for unknown keys.
func (s *Store) UserByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE api_key = $1", apiKey)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user by api key: %w", err)
	}
	return user, nil
}

// ListUsers returns up to limit accounts, newest first.
func (s *Store) ListUsers(ctx context.Context, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY created_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// LinkStripeCustomer records the gateway customer id on an account if it
// has none yet.
func (s *Store) LinkStripeCustomer(ctx context.Context, userID, stripeCustomerID string) error {
	if stripeCustomerID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET stripe_customer_id = $2, updated_at = NOW()
		WHERE id = $1 AND (stripe_customer_id IS NULL OR stripe_customer_id = '')`,
		userID, stripeCustomerID)
	if err != nil {
		return fmt.Errorf("link stripe customer: %w", err)
	}
	return nil
}

// CreditTopUp adds funds to an account. When sessionID is non-empty the
// top-up is idempotent on it: replaying the same checkout session is a
// no-op and returns false. Returns whether the credit was applied.
func (s *Store) CreditTopUp(ctx context.Context, userID string, amountCents int64, sessionID, description string) (bool, error) {
	if amountCents <= 0 {
		return false, fmt.Errorf("top-up amount must be positive, got %d", amountCents)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if sessionID != "" {
		var seen bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM transactions WHERE stripe_session_id = $1)", sessionID).Scan(&seen)
		if err != nil {
			return false, fmt.Errorf("check session: %w", err)
		}
		if seen {
			s.log.Info().Str("session_id", sessionID).Msg("Top-up already applied, skipping")
			return false, nil
		}
	}

	var newBalance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE users SET balance_cents = balance_cents + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING balance_cents`,
		userID, amountCents).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrUserNotFound
	}
	if err != nil {
		return false, fmt.Errorf("credit balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, type, amount_cents, description, stripe_session_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		uuid.New().String(), userID, TxTypeTopUp, amountCents, description, nullable(sessionID))
	if err != nil {
		// A concurrent replay of the same session slipped past the
		// EXISTS check; the unique index is the backstop.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			s.log.Info().Str("session_id", sessionID).Msg("Top-up raced a duplicate, skipping")
			return false, nil
		}
		return false, fmt.Errorf("record top-up: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit top-up: %w", err)
	}

	s.setMirrorBalance(ctx, userID, newBalance)
	s.log.Info().
		Str("user_id", userID).
		Int64("amount_cents", amountCents).
		Int64("balance_cents", newBalance).
		Msg("Top-up applied")
	return true, nil
}

// CheckBalance returns the balance in cents, reading the Redis mirror
// first and falling back to PostgreSQL.
func (s *Store) CheckBalance(ctx context.Context, userID string) (int64, error) {
	if s.redis != nil {
		cents, err := s.redis.Get(ctx, BalanceKey(userID)).Int64()
		if err == nil {
			return cents, nil
		}
		if err != redis.Nil {
			s.log.Warn().Err(err).Str("user_id", userID).Msg("Mirror read failed, using postgres")
		}
	}

	var cents int64
	err := s.db.QueryRowContext(ctx, "SELECT balance_cents FROM users WHERE id = $1", userID).Scan(&cents)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}

	s.setMirrorBalance(ctx, userID, cents)
	return cents, nil
}

// DebitForRetirement charges a completed retirement to an account and
// records the audit entry in the same transaction. The guarded UPDATE
// means the balance can never go negative; an overdraw attempt returns
// ErrInsufficientBalance and changes nothing.
func (s *Store) DebitForRetirement(ctx context.Context, userID string, amountCents int64, txHash, creditClass, creditsRetired string) (int64, error) {
	if amountCents <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amountCents)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var remaining int64
	err = tx.QueryRowContext(ctx, `
		UPDATE users SET balance_cents = balance_cents - $2, updated_at = NOW()
		WHERE id = $1 AND balance_cents >= $2
		RETURNING balance_cents`,
		userID, amountCents).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		var current int64
		probe := tx.QueryRowContext(ctx, "SELECT balance_cents FROM users WHERE id = $1", userID).Scan(&current)
		if errors.Is(probe, sql.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		if probe != nil {
			return 0, fmt.Errorf("query balance: %w", probe)
		}
		return 0, fmt.Errorf("debit %d cents from balance of %d: %w", amountCents, current, ErrInsufficientBalance)
	}
	if err != nil {
		return 0, fmt.Errorf("debit balance: %w", err)
	}

	description := fmt.Sprintf("Retired %s credits", creditsRetired)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, type, amount_cents, description, retirement_tx_hash, credit_class, credits_retired, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		uuid.New().String(), userID, TxTypeRetirement, amountCents, description,
		nullable(txHash), nullable(creditClass), nullable(creditsRetired))
	if err != nil {
		return 0, fmt.Errorf("record retirement debit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit debit: %w", err)
	}

	s.setMirrorBalance(ctx, userID, remaining)
	s.log.Info().
		Str("user_id", userID).
		Int64("amount_cents", amountCents).
		Int64("remaining_cents", remaining).
		Str("tx_hash", txHash).
		Msg("Retirement debited")
	return remaining, nil
}

// Transactions returns up to limit audit entries for a user, newest
// first.
func (s *Store) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount_cents, description, stripe_session_id,
		       retirement_tx_hash, credit_class, credits_retired, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var desc, session, txHash, class, retired sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.AmountCents, &desc, &session, &txHash, &class, &retired, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Description = desc.String
		t.StripeSessionID = session.String
		t.RetirementTxHash = txHash.String
		t.CreditClass = class.String
		t.CreditsRetired = retired.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordUsage queues one usage event for async persistence. Never
// blocks: when the queue is full the event is dropped with a warning.
func (s *Store) RecordUsage(ev UsageEvent) {
	select {
	case s.usageQueue <- ev:
	default:
		s.log.Warn().Str("route", ev.Route).Msg("Usage queue full, dropping event")
	}
}

func (s *Store) usageWorker(id int) {
	defer s.wg.Done()
	logger := s.log.With().Int("worker_id", id).Logger()

	for ev := range s.usageQueue {
		backoff := 100 * time.Millisecond
		const maxRetries = 5
		for attempt := 1; attempt <= maxRetries; attempt++ {
			err := s.insertUsage(ev)
			if err == nil {
				break
			}
			if attempt < maxRetries {
				logger.Warn().Err(err).Int("attempt", attempt).Msg("Usage write failed, retrying")
				time.Sleep(backoff)
				backoff *= 2
			} else {
				logger.Error().Err(err).Str("user_id", ev.UserID).Msg("Usage write failed after all retries")
			}
		}
	}
}

func (s *Store) insertUsage(ev UsageEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (id, user_id, method, route, status, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		uuid.New().String(), ev.UserID, ev.Method, ev.Route, ev.Status, ev.DurationMs)
	return err
}

// mirrorUser refreshes both Redis entries for one account, best effort.
func (s *Store) mirrorUser(ctx context.Context, u *User) {
	if s.redis == nil {
		return
	}
	pipe := s.redis.Pipeline()
	pipe.Set(ctx, APIKeyKey(HashAPIKey(u.APIKey)), u.ID, 0)
	pipe.Set(ctx, BalanceKey(u.ID), u.BalanceCents, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Str("user_id", u.ID).Msg("Mirror update failed")
	}
}

func (s *Store) setMirrorBalance(ctx context.Context, userID string, cents int64) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, BalanceKey(userID), cents, 0).Err(); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Mirror balance update failed")
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// DB exposes the PostgreSQL pool for the key sync service and operator
// tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close drains the usage queue and closes the PostgreSQL pool. The
// Redis client belongs to the caller and stays open.
func (s *Store) Close() error {
	s.log.Info().Msg("Shutting down balance store")
	close(s.usageQueue)
	s.wg.Wait()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close postgres: %w", err)
	}
	return nil
}
