// Package api is the REST surface of the orchestrator. Everything under
// /api/v1 requires a bearer API key (resolved through the Redis mirror
// with a PostgreSQL fallback) and is rate limited per user; /health,
// /ready, /metrics, the OpenAPI document, and the payment webhook are
// public. Errors always use the {"error":{code,message}} envelope with
// a closed set of codes.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"

	"github.com/CShear/regen-compute-credits/internal/auth"
	"github.com/CShear/regen-compute-credits/internal/balance"
	"github.com/CShear/regen-compute-credits/internal/batch"
	"github.com/CShear/regen-compute-credits/internal/dashboard"
	"github.com/CShear/regen-compute-credits/internal/identity"
	"github.com/CShear/regen-compute-credits/internal/ledger"
	"github.com/CShear/regen-compute-credits/internal/pool"
	"github.com/CShear/regen-compute-credits/internal/retire"
	"github.com/CShear/regen-compute-credits/internal/subsync"
)

// Retirer executes retirements end to end.
type Retirer interface {
	Execute(ctx context.Context, req retire.Request) *retire.Outcome
}

// Marketplace reads chain state for the browse and certificate routes.
type Marketplace interface {
	ListSellOrders(ctx context.Context) ([]ledger.SellOrder, error)
	ListCreditClasses(ctx context.Context) ([]ledger.CreditClass, error)
	GetRetirement(ctx context.Context, id string) (*ledger.Retirement, error)
}

// Pool records and aggregates contributions.
type Pool interface {
	RecordContribution(ctx context.Context, in pool.RecordInput) (*pool.RecordResult, error)
	GetMonthlySummary(ctx context.Context, month string) (*pool.MonthSummary, error)
	GetUserSummary(ctx context.Context, identifier string) (*pool.UserSummary, error)
}

// InvoiceSyncer pulls paid gateway invoices into the pool.
type InvoiceSyncer interface {
	Sync(ctx context.Context, req subsync.Request) (*subsync.Summary, error)
}

// BatchDriver runs monthly executions; BatchReads serves their history.
type BatchDriver interface {
	Run(ctx context.Context, req batch.RunRequest) (*batch.RunResult, error)
}

type BatchReads interface {
	GetExecution(id string) (*batch.Execution, error)
	ExecutionsForMonth(month string) ([]batch.Execution, error)
}

// Sessions is the verification-session slice the API exposes.
type Sessions interface {
	StartEmailAuth(ctx context.Context, email, name string) (*auth.Session, string, error)
	VerifyEmailAuth(ctx context.Context, sessionID, code string) (*auth.Session, error)
	StartOAuthAuth(ctx context.Context, provider, email, name string) (*auth.Session, string, error)
	VerifyOAuthAuth(ctx context.Context, in auth.VerifyOAuthInput) (*auth.Session, error)
	GetSession(ctx context.Context, id string) (*auth.Session, error)
	StartRecovery(ctx context.Context, email string) (string, *auth.RecoveryToken, error)
	RecoverWithToken(ctx context.Context, token string) (*auth.Session, error)
	LinkSessionToUser(ctx context.Context, sessionID, userID string) error
	SessionIdentity(sess *auth.Session) identity.Attribution
}

// Accounts is the prepaid-balance slice the API uses.
type Accounts interface {
	UserByAPIKey(ctx context.Context, apiKey string) (*balance.User, error)
	UserByID(ctx context.Context, id string) (*balance.User, error)
	Transactions(ctx context.Context, userID string, limit int) ([]balance.Transaction, error)
	FindOrCreateUserByEmail(ctx context.Context, email string) (*balance.User, bool, error)
	CreditTopUp(ctx context.Context, userID string, amountCents int64, sessionID, description string) (bool, error)
	LinkStripeCustomer(ctx context.Context, userID, stripeCustomerID string) error
	RecordUsage(ev balance.UsageEvent)
}

// Dashboards builds the user overview and certificate projections.
type Dashboards interface {
	UserDashboard(ctx context.Context, userID string) (*dashboard.UserDashboard, error)
	Certificate(ctx context.Context, id string) (*dashboard.Certificate, error)
	RenderCertificateHTML(w io.Writer, cert *dashboard.Certificate) error
}

// WebhookParser verifies and decodes gateway webhook payloads.
type WebhookParser interface {
	ParseWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

// Deps carries everything the server calls. Redis may be nil, which
// disables the key cache and falls through to Accounts on every
// request. Limiter may be nil to disable rate limiting (tests).
type Deps struct {
	Retirer    Retirer
	Market     Marketplace
	Pool       Pool
	Invoices   InvoiceSyncer
	Batches    BatchDriver
	BatchReads BatchReads
	Sessions   Sessions
	Accounts   Accounts
	Dashboards Dashboards
	Webhooks   WebhookParser
	Limiter    Limiter
	Redis      *redis.Client
	Ready      func(ctx context.Context) error
}

type Server struct {
	deps Deps
	log  zerolog.Logger
}

func NewServer(deps Deps, logger zerolog.Logger) *Server {
	return &Server{
		deps: deps,
		log:  logger.With().Str("component", "api").Logger(),
	}
}

// Handler assembles the route table. Protected routes run through
// authentication, rate limiting, and usage recording in that order;
// request logging and CORS wrap everything.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/openapi.json", s.handleOpenAPI)
	mux.HandleFunc("POST /webhooks/stripe", s.handleStripeWebhook)

	protected := http.NewServeMux()
	protected.HandleFunc("POST /api/v1/retirements", s.handleCreateRetirement)
	protected.HandleFunc("GET /api/v1/retirements/{id}", s.handleGetRetirement)
	protected.HandleFunc("GET /api/v1/sell-orders", s.handleListSellOrders)
	protected.HandleFunc("GET /api/v1/credit-classes", s.handleListCreditClasses)
	protected.HandleFunc("GET /api/v1/balance", s.handleGetBalance)
	protected.HandleFunc("POST /api/v1/pool/contributions", s.handleRecordContribution)
	protected.HandleFunc("GET /api/v1/pool/months/{month}", s.handleMonthSummary)
	protected.HandleFunc("GET /api/v1/pool/users/{userId}", s.handleUserSummary)
	protected.HandleFunc("POST /api/v1/sync/invoices", s.handleSyncInvoices)
	protected.HandleFunc("POST /api/v1/batches", s.handleRunBatch)
	protected.HandleFunc("GET /api/v1/batches", s.handleListBatches)
	protected.HandleFunc("GET /api/v1/batches/{id}", s.handleGetBatch)
	protected.HandleFunc("POST /api/v1/auth/email/start", s.handleEmailStart)
	protected.HandleFunc("POST /api/v1/auth/email/verify", s.handleEmailVerify)
	protected.HandleFunc("POST /api/v1/auth/oauth/start", s.handleOAuthStart)
	protected.HandleFunc("POST /api/v1/auth/oauth/verify", s.handleOAuthVerify)
	protected.HandleFunc("POST /api/v1/auth/recovery/start", s.handleRecoveryStart)
	protected.HandleFunc("POST /api/v1/auth/recovery/complete", s.handleRecoveryComplete)
	protected.HandleFunc("GET /api/v1/auth/sessions/{id}", s.handleGetSession)
	protected.HandleFunc("POST /api/v1/auth/sessions/{id}/link", s.handleLinkSession)
	protected.HandleFunc("GET /api/v1/dashboard/users/{userId}", s.handleUserDashboard)
	protected.HandleFunc("GET /api/v1/certificates/{id}", s.handleGetCertificate)

	mux.Handle("/api/v1/", s.authenticate(s.rateLimit(s.recordUsage(protected))))

	return s.logRequests(cors(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Readiness check failed")
			writeError(w, s.log, http.StatusServiceUnavailable, codeServiceUnavailable, "not ready: "+err.Error(), nil)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
