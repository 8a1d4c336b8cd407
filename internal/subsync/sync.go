// Package subsync pulls paid subscription invoices from the card gateway
// into pool accounting, idempotently.
package subsync

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	stripe "github.com/stripe/stripe-go/v76"

	"github.com/CShear/regen-compute-credits/internal/metrics"
	"github.com/CShear/regen-compute-credits/internal/pool"
)

var (
	ErrInvalidRequest   = errors.New("invalid sync request")
	ErrCustomerNotFound = errors.New("customer not found")
)

var monthPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)

const invoicePageSize = 100

// GatewayInvoices is the slice of the card gateway the sync needs.
type GatewayInvoices interface {
	ListInvoices(ctx context.Context, customerID, startingAfter string, pageSize int64) ([]*stripe.Invoice, bool, error)
	FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error)
}

// Pool records contributions derived from invoices.
type Pool interface {
	RecordContribution(ctx context.Context, in pool.RecordInput) (*pool.RecordResult, error)
}

// Request scopes a sync to one customer (by id or email) or to everyone.
// Month, when set, keeps only invoices paid in that YYYY-MM.
type Request struct {
	CustomerID   string `json:"customerId"`
	Email        string `json:"email"`
	AllCustomers bool   `json:"allCustomers"`
	Month        string `json:"month"`
	MaxPages     int    `json:"maxPages"`
}

// Summary counts what one sync run did. Skipped counts only invoices that
// fell outside the month filter; unpaid and non-USD invoices never reach
// the counters.
type Summary struct {
	Synced     int  `json:"synced"`
	Duplicates int  `json:"duplicates"`
	Skipped    int  `json:"skipped"`
	Pages      int  `json:"pages"`
	Truncated  bool `json:"truncated"`
}

type Service struct {
	gateway         GatewayInvoices
	pool            Pool
	tiers           map[string]string
	defaultMaxPages int
	log             zerolog.Logger
}

// NewService wires the sync. tiers maps gateway price ids to tier ids.
func NewService(gw GatewayInvoices, p Pool, tiers map[string]string, defaultMaxPages int, logger zerolog.Logger) *Service {
	if defaultMaxPages <= 0 {
		defaultMaxPages = 10
	}
	return &Service{
		gateway:         gw,
		pool:            p,
		tiers:           tiers,
		defaultMaxPages: defaultMaxPages,
		log:             logger.With().Str("component", "subsync").Logger(),
	}
}

// Sync walks paid invoices page by page and records each as a pool
// contribution keyed by "stripe_invoice:{id}", so reruns are safe.
func (s *Service) Sync(ctx context.Context, req Request) (*Summary, error) {
	if req.Month != "" && !monthPattern.MatchString(req.Month) {
		return nil, fmt.Errorf("%w: month must be YYYY-MM, got %q", ErrInvalidRequest, req.Month)
	}

	customerID := strings.TrimSpace(req.CustomerID)
	email := strings.TrimSpace(req.Email)

	if req.AllCustomers {
		customerID = ""
	} else {
		if customerID == "" && email != "" {
			customer, err := s.gateway.FindCustomerByEmail(ctx, email)
			if err != nil {
				return nil, fmt.Errorf("failed to look up customer: %w", err)
			}
			if customer == nil {
				return nil, fmt.Errorf("%w: no gateway customer for %s", ErrCustomerNotFound, email)
			}
			customerID = customer.ID
		}
		if customerID == "" {
			return nil, fmt.Errorf("%w: customerId, email, or allCustomers is required", ErrInvalidRequest)
		}
	}

	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = s.defaultMaxPages
	}
	if maxPages > 50 {
		maxPages = 50
	}

	summary := &Summary{}
	startingAfter := ""
	for page := 0; page < maxPages; page++ {
		invoices, hasMore, err := s.gateway.ListInvoices(ctx, customerID, startingAfter, invoicePageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch invoices: %w", err)
		}
		summary.Pages++

		for _, invoice := range invoices {
			s.recordInvoice(ctx, invoice, req.Month, summary)
		}

		if len(invoices) > 0 {
			startingAfter = invoices[len(invoices)-1].ID
		}
		if !hasMore {
			s.logRun(customerID, req, summary)
			return summary, nil
		}
	}

	summary.Truncated = true
	s.logRun(customerID, req, summary)
	return summary, nil
}

func (s *Service) logRun(customerID string, req Request, summary *Summary) {
	s.log.Info().
		Str("customer_id", customerID).
		Bool("all_customers", req.AllCustomers).
		Str("month", req.Month).
		Int("synced", summary.Synced).
		Int("duplicates", summary.Duplicates).
		Int("skipped", summary.Skipped).
		Int("pages", summary.Pages).
		Bool("truncated", summary.Truncated).
		Msg("Invoice sync finished")
}

func (s *Service) recordInvoice(ctx context.Context, invoice *stripe.Invoice, monthFilter string, summary *Summary) {
	// Paid USD invoices only; anything else is out of scope, not skipped.
	if invoice.Status != stripe.InvoiceStatusPaid || invoice.AmountPaid <= 0 {
		return
	}
	if !strings.EqualFold(string(invoice.Currency), "usd") {
		return
	}

	paidAt := invoice.Created
	if invoice.StatusTransitions != nil && invoice.StatusTransitions.PaidAt > 0 {
		paidAt = invoice.StatusTransitions.PaidAt
	}
	contributedAt := time.Unix(paidAt, 0).UTC().Format(time.RFC3339)

	if monthFilter != "" && contributedAt[:7] != monthFilter {
		summary.Skipped++
		metrics.SyncInvoices.WithLabelValues("skipped").Inc()
		return
	}

	in := pool.RecordInput{
		CustomerID:      invoiceCustomerID(invoice),
		Email:           invoice.CustomerEmail,
		AmountUsdCents:  invoice.AmountPaid,
		ContributedAt:   contributedAt,
		Source:          pool.SourceSubscription,
		ExternalEventID: "stripe_invoice:" + invoice.ID,
		TierID:          s.tierFor(invoice),
	}

	result, err := s.pool.RecordContribution(ctx, in)
	if err != nil {
		// One bad invoice must not sink the run.
		s.log.Error().Err(err).Str("invoice_id", invoice.ID).Msg("Failed to record invoice contribution")
		metrics.SyncInvoices.WithLabelValues("error").Inc()
		return
	}

	if result.Duplicate {
		summary.Duplicates++
		metrics.SyncInvoices.WithLabelValues("duplicate").Inc()
	} else {
		summary.Synced++
		metrics.SyncInvoices.WithLabelValues("synced").Inc()
	}
}

func invoiceCustomerID(invoice *stripe.Invoice) string {
	if invoice.Customer != nil {
		return invoice.Customer.ID
	}
	return ""
}

func (s *Service) tierFor(invoice *stripe.Invoice) string {
	if invoice.Lines == nil {
		return ""
	}
	for _, line := range invoice.Lines.Data {
		if line.Price != nil {
			if tier, ok := s.tiers[line.Price.ID]; ok {
				return tier
			}
		}
	}
	return ""
}
