package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CShear/regen-compute-credits/internal/metrics"
)

// ErrInvalidInput marks caller mistakes so the API layer can answer 400.
var ErrInvalidInput = errors.New("invalid contribution input")

type Service struct {
	store *Store
	now   func() time.Time
	log   zerolog.Logger
}

func NewService(store *Store, logger zerolog.Logger) *Service {
	return &Service{
		store: store,
		now:   time.Now,
		log:   logger.With().Str("component", "pool").Logger(),
	}
}

// RecordInput identifies the contributor by whichever of UserID,
// CustomerID, or Email the caller has.
type RecordInput struct {
	UserID          string            `json:"userId"`
	CustomerID      string            `json:"customerId"`
	Email           string            `json:"email"`
	AmountUsdCents  int64             `json:"amountUsdCents"`
	ContributedAt   string            `json:"contributedAt"`
	Source          string            `json:"source"`
	ExternalEventID string            `json:"externalEventId"`
	TierID          string            `json:"tierId"`
	Metadata        map[string]string `json:"metadata"`
}

type RecordResult struct {
	Record       Contribution  `json:"record"`
	Duplicate    bool          `json:"duplicate"`
	UserSummary  *UserSummary  `json:"userSummary"`
	MonthSummary *MonthSummary `json:"monthSummary"`
}

type ContributorTotal struct {
	UserID        string `json:"userId"`
	TotalUsdCents int64  `json:"totalUsdCents"`
	Contributions int    `json:"contributions"`
}

type MonthSummary struct {
	Month              string             `json:"month"`
	TotalUsdCents      int64              `json:"totalUsdCents"`
	Contributions      int                `json:"contributions"`
	UniqueContributors int                `json:"uniqueContributors"`
	Contributors       []ContributorTotal `json:"contributors"`
}

type MonthTotal struct {
	Month         string `json:"month"`
	TotalUsdCents int64  `json:"totalUsdCents"`
	Contributions int    `json:"contributions"`
}

type UserSummary struct {
	UserID            string       `json:"userId"`
	TotalUsdCents     int64        `json:"totalUsdCents"`
	Contributions     int          `json:"contributions"`
	Months            []MonthTotal `json:"months"`
	LastContributedAt string       `json:"lastContributedAt,omitempty"`
}

// RecordContribution validates, derives the contributor id and month, and
// appends. A repeated externalEventId returns the original record with
// duplicate=true; summaries reflect the store either way.
func (s *Service) RecordContribution(ctx context.Context, in RecordInput) (*RecordResult, error) {
	userID, err := deriveUserID(in)
	if err != nil {
		return nil, err
	}
	if in.AmountUsdCents <= 0 {
		return nil, fmt.Errorf("%w: amountUsdCents must be positive", ErrInvalidInput)
	}

	contributedAt, err := parseContributedAt(in.ContributedAt)
	if err != nil {
		return nil, err
	}

	source := in.Source
	if source == "" {
		source = SourceOneOff
	}
	if source != SourceSubscription && source != SourceOneOff {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidInput, in.Source)
	}

	record := Contribution{
		ID:              uuid.NewString(),
		UserID:          userID,
		AmountUsdCents:  in.AmountUsdCents,
		ContributedAt:   contributedAt,
		Month:           contributedAt[:7],
		Source:          source,
		ExternalEventID: strings.TrimSpace(in.ExternalEventID),
		TierID:          strings.TrimSpace(in.TierID),
		Metadata:        in.Metadata,
	}

	stored, duplicate, err := s.store.Insert(record)
	if err != nil {
		return nil, err
	}
	metrics.Contributions.WithLabelValues(source, strconv.FormatBool(duplicate)).Inc()

	if duplicate {
		s.log.Info().
			Str("external_event_id", stored.ExternalEventID).
			Str("user_id", stored.UserID).
			Msg("Duplicate contribution ignored")
	} else {
		s.log.Info().
			Str("user_id", stored.UserID).
			Int64("amount_usd_cents", stored.AmountUsdCents).
			Str("month", stored.Month).
			Str("source", stored.Source).
			Msg("Contribution recorded")
	}

	userSummary, err := s.GetUserSummary(ctx, stored.UserID)
	if err != nil {
		return nil, err
	}
	monthSummary, err := s.GetMonthlySummary(ctx, stored.Month)
	if err != nil {
		return nil, err
	}

	return &RecordResult{
		Record:       stored,
		Duplicate:    duplicate,
		UserSummary:  userSummary,
		MonthSummary: monthSummary,
	}, nil
}

func deriveUserID(in RecordInput) (string, error) {
	if v := strings.TrimSpace(in.UserID); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(in.CustomerID); v != "" {
		return "customer:" + v, nil
	}
	if v := strings.ToLower(strings.TrimSpace(in.Email)); v != "" {
		return "email:" + v, nil
	}
	return "", fmt.Errorf("%w: one of userId, customerId, or email is required", ErrInvalidInput)
}

func parseContributedAt(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: contributedAt is required", ErrInvalidInput)
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if _, err := time.Parse(layout, raw); err == nil {
			return raw, nil
		}
	}
	return "", fmt.Errorf("%w: contributedAt %q is not ISO-8601", ErrInvalidInput, raw)
}

// GetMonthlySummary aggregates one month's contributions, with
// per-contributor totals sorted largest first.
func (s *Service) GetMonthlySummary(ctx context.Context, month string) (*MonthSummary, error) {
	contributions, err := s.store.All()
	if err != nil {
		return nil, err
	}

	summary := &MonthSummary{Month: month}
	perUser := map[string]*ContributorTotal{}
	for _, c := range contributions {
		if c.Month != month {
			continue
		}
		summary.TotalUsdCents += c.AmountUsdCents
		summary.Contributions++

		total := perUser[c.UserID]
		if total == nil {
			total = &ContributorTotal{UserID: c.UserID}
			perUser[c.UserID] = total
		}
		total.TotalUsdCents += c.AmountUsdCents
		total.Contributions++
	}

	summary.Contributors = sortContributors(perUser)
	summary.UniqueContributors = len(summary.Contributors)
	return summary, nil
}

// GetMonthContributors returns the per-contributor totals the batch driver
// uses as attribution weights. Ordering is deterministic.
func (s *Service) GetMonthContributors(ctx context.Context, month string) ([]ContributorTotal, error) {
	summary, err := s.GetMonthlySummary(ctx, month)
	if err != nil {
		return nil, err
	}
	return summary.Contributors, nil
}

// GetUserSummary aggregates one contributor's history. An identifier that
// looks like an email also matches its derived "email:" id.
func (s *Service) GetUserSummary(ctx context.Context, identifier string) (*UserSummary, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("%w: identifier is required", ErrInvalidInput)
	}

	match := map[string]bool{identifier: true}
	if strings.Contains(identifier, "@") {
		match["email:"+strings.ToLower(identifier)] = true
	}

	contributions, err := s.store.All()
	if err != nil {
		return nil, err
	}

	summary := &UserSummary{UserID: identifier}
	perMonth := map[string]*MonthTotal{}
	var last time.Time
	for _, c := range contributions {
		if !match[c.UserID] {
			continue
		}
		summary.UserID = c.UserID
		summary.TotalUsdCents += c.AmountUsdCents
		summary.Contributions++

		total := perMonth[c.Month]
		if total == nil {
			total = &MonthTotal{Month: c.Month}
			perMonth[c.Month] = total
		}
		total.TotalUsdCents += c.AmountUsdCents
		total.Contributions++

		if ts, err := time.Parse(time.RFC3339, c.ContributedAt); err == nil && ts.After(last) {
			last = ts
			summary.LastContributedAt = c.ContributedAt
		} else if summary.LastContributedAt == "" {
			summary.LastContributedAt = c.ContributedAt
		}
	}

	summary.Months = sortMonths(perMonth)
	return summary, nil
}

// ListMonths returns totals for every month that has contributions, newest
// first.
func (s *Service) ListMonths(ctx context.Context) ([]MonthTotal, error) {
	contributions, err := s.store.All()
	if err != nil {
		return nil, err
	}

	perMonth := map[string]*MonthTotal{}
	for _, c := range contributions {
		total := perMonth[c.Month]
		if total == nil {
			total = &MonthTotal{Month: c.Month}
			perMonth[c.Month] = total
		}
		total.TotalUsdCents += c.AmountUsdCents
		total.Contributions++
	}
	return sortMonths(perMonth), nil
}

func sortContributors(perUser map[string]*ContributorTotal) []ContributorTotal {
	out := make([]ContributorTotal, 0, len(perUser))
	for _, total := range perUser {
		out = append(out, *total)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalUsdCents != out[j].TotalUsdCents {
			return out[i].TotalUsdCents > out[j].TotalUsdCents
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func sortMonths(perMonth map[string]*MonthTotal) []MonthTotal {
	out := make([]MonthTotal, 0, len(perMonth))
	for _, total := range perMonth {
		out = append(out, *total)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month > out[j].Month })
	return out
}
