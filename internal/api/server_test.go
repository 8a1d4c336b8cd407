package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

const testAPIKey = "rcc_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type fakeRetirer struct {
	outcome *retire.Outcome
	lastReq retire.Request
	calls   int
}

func (f *fakeRetirer) Execute(ctx context.Context, req retire.Request) *retire.Outcome {
	f.calls++
	f.lastReq = req
	return f.outcome
}

type fakeMarket struct {
	orders     []ledger.SellOrder
	classes    []ledger.CreditClass
	retirement *ledger.Retirement
	err        error
}

func (f *fakeMarket) ListSellOrders(ctx context.Context) ([]ledger.SellOrder, error) {
	return f.orders, f.err
}

func (f *fakeMarket) ListCreditClasses(ctx context.Context) ([]ledger.CreditClass, error) {
	return f.classes, f.err
}

func (f *fakeMarket) GetRetirement(ctx context.Context, id string) (*ledger.Retirement, error) {
	return f.retirement, f.err
}

type fakePoolDep struct {
	result *pool.RecordResult
	month  *pool.MonthSummary
	user   *pool.UserSummary
	err    error
	lastIn pool.RecordInput
}

func (f *fakePoolDep) RecordContribution(ctx context.Context, in pool.RecordInput) (*pool.RecordResult, error) {
	f.lastIn = in
	return f.result, f.err
}

func (f *fakePoolDep) GetMonthlySummary(ctx context.Context, month string) (*pool.MonthSummary, error) {
	return f.month, f.err
}

func (f *fakePoolDep) GetUserSummary(ctx context.Context, identifier string) (*pool.UserSummary, error) {
	return f.user, f.err
}

type fakeInvoices struct {
	summary *subsync.Summary
	err     error
	lastReq subsync.Request
}

func (f *fakeInvoices) Sync(ctx context.Context, req subsync.Request) (*subsync.Summary, error) {
	f.lastReq = req
	return f.summary, f.err
}

type fakeBatchDriver struct {
	result  *batch.RunResult
	err     error
	lastReq batch.RunRequest
}

func (f *fakeBatchDriver) Run(ctx context.Context, req batch.RunRequest) (*batch.RunResult, error) {
	f.lastReq = req
	return f.result, f.err
}

type fakeBatchReads struct {
	exec  *batch.Execution
	execs []batch.Execution
	err   error
}

func (f *fakeBatchReads) GetExecution(id string) (*batch.Execution, error) {
	return f.exec, f.err
}

func (f *fakeBatchReads) ExecutionsForMonth(month string) ([]batch.Execution, error) {
	return f.execs, f.err
}

type fakeSessions struct {
	session  *auth.Session
	code     string
	state    string
	token    string
	recovery *auth.RecoveryToken
	ident    identity.Attribution
	err      error
	links    []string
}

func (f *fakeSessions) StartEmailAuth(ctx context.Context, email, name string) (*auth.Session, string, error) {
	return f.session, f.code, f.err
}

func (f *fakeSessions) VerifyEmailAuth(ctx context.Context, sessionID, code string) (*auth.Session, error) {
	return f.session, f.err
}

func (f *fakeSessions) StartOAuthAuth(ctx context.Context, provider, email, name string) (*auth.Session, string, error) {
	return f.session, f.state, f.err
}

func (f *fakeSessions) VerifyOAuthAuth(ctx context.Context, in auth.VerifyOAuthInput) (*auth.Session, error) {
	return f.session, f.err
}

func (f *fakeSessions) GetSession(ctx context.Context, id string) (*auth.Session, error) {
	return f.session, f.err
}

func (f *fakeSessions) StartRecovery(ctx context.Context, email string) (string, *auth.RecoveryToken, error) {
	return f.token, f.recovery, f.err
}

func (f *fakeSessions) RecoverWithToken(ctx context.Context, token string) (*auth.Session, error) {
	return f.session, f.err
}

func (f *fakeSessions) LinkSessionToUser(ctx context.Context, sessionID, userID string) error {
	f.links = append(f.links, sessionID+":"+userID)
	return f.err
}

func (f *fakeSessions) SessionIdentity(sess *auth.Session) identity.Attribution {
	return f.ident
}

type topupCall struct {
	userID      string
	amountCents int64
	sessionID   string
}

type fakeAccounts struct {
	user     *balance.User
	created  bool
	txs      []balance.Transaction
	usage    []balance.UsageEvent
	topups   []topupCall
	applied  bool
	links    []string
	keyErr   error
	findErr  error
	topupErr error
}

func (f *fakeAccounts) UserByAPIKey(ctx context.Context, apiKey string) (*balance.User, error) {
	if f.keyErr != nil {
		return nil, f.keyErr
	}
	if f.user != nil && apiKey == testAPIKey {
		return f.user, nil
	}
	return nil, balance.ErrUserNotFound
}

func (f *fakeAccounts) UserByID(ctx context.Context, id string) (*balance.User, error) {
	if f.user != nil && id == f.user.ID {
		return f.user, nil
	}
	return nil, balance.ErrUserNotFound
}

func (f *fakeAccounts) Transactions(ctx context.Context, userID string, limit int) ([]balance.Transaction, error) {
	return f.txs, nil
}

func (f *fakeAccounts) FindOrCreateUserByEmail(ctx context.Context, email string) (*balance.User, bool, error) {
	if f.findErr != nil {
		return nil, false, f.findErr
	}
	return f.user, f.created, nil
}

func (f *fakeAccounts) CreditTopUp(ctx context.Context, userID string, amountCents int64, sessionID, description string) (bool, error) {
	if f.topupErr != nil {
		return false, f.topupErr
	}
	f.topups = append(f.topups, topupCall{userID: userID, amountCents: amountCents, sessionID: sessionID})
	return f.applied, nil
}

func (f *fakeAccounts) LinkStripeCustomer(ctx context.Context, userID, stripeCustomerID string) error {
	f.links = append(f.links, userID+":"+stripeCustomerID)
	return nil
}

func (f *fakeAccounts) RecordUsage(ev balance.UsageEvent) {
	f.usage = append(f.usage, ev)
}

type fakeDashboards struct {
	view *dashboard.UserDashboard
	cert *dashboard.Certificate
	err  error
}

func (f *fakeDashboards) UserDashboard(ctx context.Context, userID string) (*dashboard.UserDashboard, error) {
	return f.view, f.err
}

func (f *fakeDashboards) Certificate(ctx context.Context, id string) (*dashboard.Certificate, error) {
	return f.cert, f.err
}

func (f *fakeDashboards) RenderCertificateHTML(w io.Writer, cert *dashboard.Certificate) error {
	_, err := io.WriteString(w, "<html><body>certificate "+cert.ID+"</body></html>")
	return err
}

type fakeWebhooks struct {
	err error
	sig string
}

func (f *fakeWebhooks) ParseWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	f.sig = sigHeader
	if f.err != nil {
		return stripe.Event{}, f.err
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, err
	}
	return event, nil
}

type fakeLimiter struct {
	allowed    bool
	retryAfter time.Duration
	err        error
	lastKey    string
}

func (f *fakeLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	f.lastKey = key
	return f.allowed, f.retryAfter, f.err
}

type fixture struct {
	retirer    *fakeRetirer
	market     *fakeMarket
	pool       *fakePoolDep
	invoices   *fakeInvoices
	batches    *fakeBatchDriver
	batchReads *fakeBatchReads
	sessions   *fakeSessions
	accounts   *fakeAccounts
	dashboards *fakeDashboards
	webhooks   *fakeWebhooks
	limiter    *fakeLimiter
	ready      error
	handler    http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		retirer:    &fakeRetirer{outcome: &retire.Outcome{Status: retire.StatusSuccess, TxHash: "ABC123"}},
		market:     &fakeMarket{},
		pool:       &fakePoolDep{},
		invoices:   &fakeInvoices{},
		batches:    &fakeBatchDriver{},
		batchReads: &fakeBatchReads{},
		sessions:   &fakeSessions{},
		accounts: &fakeAccounts{
			user:    &balance.User{ID: "user-1", Email: "dev@example.org", BalanceCents: 5000},
			applied: true,
		},
		dashboards: &fakeDashboards{},
		webhooks:   &fakeWebhooks{},
		limiter:    &fakeLimiter{allowed: true},
	}

	srv := NewServer(Deps{
		Retirer:    f.retirer,
		Market:     f.market,
		Pool:       f.pool,
		Invoices:   f.invoices,
		Batches:    f.batches,
		BatchReads: f.batchReads,
		Sessions:   f.sessions,
		Accounts:   f.accounts,
		Dashboards: f.dashboards,
		Webhooks:   f.webhooks,
		Limiter:    f.limiter,
		Ready: func(ctx context.Context) error {
			return f.ready
		},
	}, zerolog.Nop())
	f.handler = srv.Handler()
	return f
}

func doRequest(t *testing.T, h http.Handler, method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			buf, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(buf)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return env.Error
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture()

	rec := doRequest(t, f.handler, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = doRequest(t, f.handler, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	f.ready = errors.New("redis unreachable")
	rec = doRequest(t, f.handler, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, codeServiceUnavailable, decodeErrorBody(t, rec).Code)
}

func TestOpenAPIDocumentIsPublic(t *testing.T) {
	f := newFixture()

	rec := doRequest(t, f.handler, http.MethodGet, "/api/v1/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decodeMap(t, rec)
	assert.Equal(t, "3.0.3", doc["openapi"])
	assert.Contains(t, doc, "paths")
}

func TestAuthRejectsMissingAndUnknownKeys(t *testing.T) {
	f := newFixture()

	rec := doRequest(t, f.handler, http.MethodGet, "/api/v1/balance", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeUnauthorized, decodeErrorBody(t, rec).Code)

	rec = doRequest(t, f.handler, http.MethodGet, "/api/v1/balance", "rcc_wrong", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid API key", decodeErrorBody(t, rec).Message)
}

func TestAuthBackendOutageIs503(t *testing.T) {
	f := newFixture()
	f.accounts.keyErr = errors.New("connection refused")

	rec := doRequest(t, f.handler, http.MethodGet, "/api/v1/balance", testAPIKey, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, codeServiceUnavailable, decodeErrorBody(t, rec).Code)
}

func TestGetBalanceNeverEchoesKey(t *testing.T) {
	f := newFixture()
	f.accounts.txs = []balance.Transaction{
		{ID: "tx-1", UserID: "user-1", Type: balance.TxTypeTopUp, AmountCents: 5000},
	}

	rec := doRequest(t, f.handler, http.MethodGet, "/api/v1/balance", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "user-1", body["userId"])
	assert.Equal(t, float64(5000), body["balanceCents"])
	assert.Len(t, body["transactions"], 1)
	assert.NotContains(t, rec.Body.String(), testAPIKey)
	assert.NotContains(t, rec.Body.String(), "apiKey")
}

func TestRateLimitRejection(t *testing.T) {
	f := newFixture()
	f.limiter.allowed = false
	f.limiter.retryAfter = 42 * time.Second

	rec := doRequest(t, f.handler, http.MethodGet, "/api/v1/balance", testAPIKey, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.Equal(t, "user-1", f.limiter.lastKey)

	errBody := decodeErrorBody(t, rec)
	assert.Equal(t, codeRateLimited, errBody.Code)
	details, ok := errBody.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(42), details["retryAfterSeconds"])
}

func TestRateLimiterFailsOpen(t *testing.T) {
	f := newFixture()
	f.limiter.allowed = false
	f.limiter.err = errors.New("redis timeout")

	rec := doRequest(t, f.handler, http.MethodGet, "/api/v1/balance", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUsageRecordedPerAuthenticatedRequest(t *testing.T) {
	f := newFixture()

	doRequest(t, f.handler, http.MethodGet, "/api/v1/balance", testAPIKey, nil)

	require.Len(t, f.accounts.usage, 1)
	ev := f.accounts.usage[0]
	assert.Equal(t, "user-1", ev.UserID)
	assert.Equal(t, http.MethodGet, ev.Method)
	assert.Equal(t, "/api/v1/balance", ev.Route)
	assert.Equal(t, http.StatusOK, ev.Status)
}

func TestCreateRetirementWithInlineIdentity(t *testing.T) {
	f := newFixture()

	rec := doRequest(t, f.handler, http.MethodPost, "/api/v1/retirements", testAPIKey, map[string]interface{}{
		"creditType":      "carbon",
		"quantity":        "1.5",
		"beneficiaryName": "Ada",
		"jurisdiction":    "US-OR",
		"reason":          "offsetting inference",
		"identity":        map[string]string{"name": "Ada Lovelace", "email": "ada@example.org"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, retire.StatusSuccess, body["status"])

	req := f.retirer.lastReq
	assert.Equal(t, "user-1", req.UserID)
	assert.Equal(t, "carbon", req.CreditType)
	assert.Equal(t, 0, req.QuantityMicro.Cmp(big.NewInt(1_500_000)))
	assert.Equal(t, identity.MethodEmail, req.Identity.Method)
	assert.Equal(t, "ada@example.org", req.Identity.Email)
}

func TestCreateRetirementSessionTakesPrecedence(t *testing.T) {
	f := newFixture()
	f.sessions.session = &auth.Session{ID: "sess-1", Status: auth.StatusVerified}
	f.sessions.ident = identity.Attribution{Method: identity.MethodOAuth, Name: "Ada", Provider: "github", Subject: "1234"}

	rec := doRequest(t, f.handler, http.MethodPost, "/api/v1/retirements", testAPIKey, map[string]interface{}{
		"creditType": "carbon",
		"quantity":   "0.25",
		"sessionId":  "sess-1",
		"identity":   map[string]string{"name": "Someone Else"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, identity.MethodOAuth, f.retirer.lastReq.Identity.Method)
	assert.Equal(t, "github", f.retirer.lastReq.Identity.Provider)
}

func TestCreateRetirementSessionNotFound(t *testing.T) {
	f := newFixture()
	f.sessions.session = nil

	rec := doRequest(t, f.handler, http.MethodPost, "/api/v1/retirements", testAPIKey, map[string]interface{}{
		"creditType": "carbon",
		"quantity":   "1",
		"sessionId":  "missing",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeNotFound, decodeErrorBody(t, rec).Code)
	assert.Zero(t, f.retirer.calls)
}

func TestCreateRetirementUnverifiedSession(t *testing.T) {
	f := newFixture()
	f.sessions.session = &auth.Session{ID: "sess-1", Status: auth.StatusPending}
	f.sessions.ident = identity.Attribution{Method: identity.MethodNone}

	rec := doRequest(t, f.handler, http.MethodPost, "/api/v1/retirements", testAPIKey, map[string]interface{}{
		"creditType": "carbon",
		"quantity":   "1",
		"sessionId":  "sess-1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "session is not verified", decodeErrorBody(t, rec).Message)
	assert.Zero(t, f.retirer.calls)
}

func TestCreateRetirementRejectsBadQuantity(t *testing.T) {
	f := newFixture()

	rec := doRequest(t, f.handler, http.MethodPost, "/api/v1/retirements", testAPIKey, map[string]interface{}{
		"creditType": "carbon",
		"quantity":   "a lot",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidRequest, decodeErrorBody(t, rec).Code)
}

func TestCreateRetirementRejectsUnknownFields(t *testing.T) {
	f := newFixture()

	rec := doRequest(t, f.handler, http.MethodPost, "/api/v1/retirements", testAPIKey,
		`{"creditType":"carbon","quantity":"1","quantityMicro":"1000000"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRetirementNotFound(t *testing.T) {
	f := newFixture()

	rec := doRequest(t, f.handler, http.MethodGet, "/api/v1/retirements/nope", testAPIKey, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRetirementSplitsAttribution(t *testing.T) {
	f := newFixture()
	attr := identity.Attribution{Method: identity.MethodEmail, Name: "Ada", Email: "ada@example.org"}
	f.market.retirement = &ledger.Retirement{
		NodeID:     "node-1",
		Amount:     "1.500000",
		BatchDenom: "C01-001-20240101-20241231-001",
		Reason:     identity.AppendIdentityToReason("offsetting inference", attr),
		Timestamp:  time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	}

	rec := doRequest(t, f.handler, http.MethodGet, "/api/v1/retirements/node-1", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "offsetting inference", body["reason"])
	beneficiary, ok := body["beneficiary"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Ada", beneficiary["name"])
}

func TestListSellOrdersFilters(t *testing.T) {
	f := newFixture()
	f.market.orders = []ledger.SellOrder{
		{ID: 1, BatchDenom: "C01-001-20240101-20241231-001", Quantity: "10", AskDenom: "uusdc", AskAmount: big.NewInt(500000)},
		{ID: 2, BatchDenom: "BT01-001-20240101-20241231-001", Quantity: "4", AskDenom: "uusdc", AskAmount: big.NewInt(900000)},
	}
	f.market.classes = []ledger.CreditClass{
		{ID: "C01", CreditTypeAbbrev: "C"},
		{ID: "BT01", CreditTypeAbbrev: "BT"},
	}

	rec := doRequest(t, f.handler, http.MethodGet, "/api/v1/sell-orders", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeMap(t, rec)["sellOrders"], 2)

	rec = doRequest(t, f.handler, http.MethodGet, "/api/v1/sell-orders?credit_type=carbon", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list, ok := decodeMap(t, rec)["sellOrders"].([]interface{})
	require.True(t, ok)
	require.Len(t, list, 1)
	first, ok := list[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), first["id"])
	assert.Equal(t, "500000", first["askAmount"])

	rec = doRequest(t, f.handler, http.MethodGet, "/api/v1/sell-orders?denom=BT01-001-20240101-20241231-001", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeMap(t, rec)["sellOrders"], 1)
}

func TestRecordContributionPassthrough(t *testing.T) {
	f := newFixture()
	f.pool.result = &pool.RecordResult{
		Record:    pool.Contribution{ID: "contrib-1", UserID: "user-1", AmountUsdCents: 2000},
		Duplicate: true,
	}

	rec := doRequest(t, f.handler, http.MethodPost, "/api/v1/pool/contributions", testAPIKey, map[string]interface{}{
		"userId":          "user-1",
		"amountUsdCents":  2000,
		"contributedAt":   "2026-07-03T10:00:00Z",
		"source":          "one-off",
		"externalEventId": "evt-7",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, "evt-7", f.pool.lastIn.ExternalEventID)
	assert.Equal(t, int64(2000), f.pool.lastIn.AmountUsdCents)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture()

	f.pool.err = fmt.Errorf("%w: amountUsdCents must be positive", pool.ErrInvalidInput)
	rec := doRequest(t, f.handler, http.MethodPost, "/api/v1/pool/contributions", testAPIKey, map[string]interface{}{
		"userId": "user-1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codeInvalidRequest, decodeErrorBody(t, rec).Code)

	f.invoices.err = fmt.Errorf("%w: cus_404", subsync.ErrCustomerNotFound)
	rec = doRequest(t, f.handler, http.MethodPost, "/api/v1/sync/invoices", testAPIKey, map[string]interface{}{
		"customerId": "cus_404",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeNotFound, decodeErrorBody(t, rec).Code)

	f.pool.err = errors.New("disk full")
	rec = doRequest(t, f.handler, http.MethodGet, "/api/v1/pool/months/2026-07", testAPIKey, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	errBody := decodeErrorBody(t, rec)
	assert.Equal(t, codeInternal, errBody.Code)
	assert.Equal(t, "internal error", errBody.Message)
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestListBatchesRequiresMonth(t *testing.T) {
	f := newFixture()
	f.batchReads.execs = []batch.Execution{{ID: "exec-1", Month: "2026-07", Status: batch.StatusSuccess}}

	rec := doRequest(t, f.handler, http.MethodGet, "/api/v1/batches", testAPIKey, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, f.handler, http.MethodGet, "/api/v1/batches?month=2026-07", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeMap(t, rec)["executions"], 1)
}

func TestGetBatchNotFound(t *testing.T) {
	f := newFixture()

	rec := doRequest(t, f.handler, http.MethodGet, "/api/v1/batches/missing", testAPIKey, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunBatchPassesRequestThrough(t *testing.T) {
	f := newFixture()
	f.batches.result = &batch.RunResult{Run: batch.ReconciliationRun{ID: "run-1", Month: "2026-07", Status: batch.ReconCompleted}}

	rec := doRequest(t, f.handler, http.MethodPost, "/api/v1/batches", testAPIKey, map[string]interface{}{
		"month":         "2026-07",
		"executionMode": "live",
		"force":         true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-07", f.batches.lastReq.Month)
	assert.Equal(t, "live", f.batches.lastReq.ExecutionMode)
	assert.True(t, f.batches.lastReq.Force)
}

func TestEmailStartReturnsCodeForDelivery(t *testing.T) {
	f := newFixture()
	f.sessions.session = &auth.Session{ID: "sess-1", Method: "email", Status: auth.StatusPending}
	f.sessions.code = "483921"

	rec := doRequest(t, f.handler, http.MethodPost, "/api/v1/auth/email/start", testAPIKey, map[string]interface{}{
		"email": "ada@example.org",
		"name":  "Ada",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "483921", body["code"])
	session, ok := body["session"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "sess-1", session["id"])
	assert.NotContains(t, rec.Body.String(), "emailCodeHash")
}

func TestVerificationFailureDetails(t *testing.T) {
	f := newFixture()
	f.sessions.err = &auth.VerificationError{Attempts: 3, MaxAttempts: 5}

	rec := doRequest(t, f.handler, http.MethodPost, "/api/v1/auth/email/verify", testAPIKey, map[string]interface{}{
		"sessionId": "sess-1",
		"code":      "000000",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	errBody := decodeErrorBody(t, rec)
	assert.Equal(t, codeVerificationFailed, errBody.Code)
	details, ok := errBody.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(3), details["attempts"])
	assert.Equal(t, float64(5), details["maxAttempts"])
}

func TestGetSessionNotFound(t *testing.T) {
	f := newFixture()

	rec := doRequest(t, f.handler, http.MethodGet, "/api/v1/auth/sessions/missing", testAPIKey, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLinkSessionRequiresUserID(t *testing.T) {
	f := newFixture()

	rec := doRequest(t, f.handler, http.MethodPost, "/api/v1/auth/sessions/sess-1/link", testAPIKey, map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, f.handler, http.MethodPost, "/api/v1/auth/sessions/sess-1/link", testAPIKey, map[string]interface{}{
		"userId": "user-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"sess-1:user-1"}, f.sessions.links)
}

func TestCertificateFormats(t *testing.T) {
	f := newFixture()
	f.dashboards.cert = &dashboard.Certificate{ID: "node-1", Amount: "2.000000"}

	rec := doRequest(t, f.handler, http.MethodGet, "/api/v1/certificates/node-1", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "node-1", decodeMap(t, rec)["id"])

	rec = doRequest(t, f.handler, http.MethodGet, "/api/v1/certificates/node-1?format=html", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "certificate node-1")
}

func TestCertificateNotFound(t *testing.T) {
	f := newFixture()

	rec := doRequest(t, f.handler, http.MethodGet, "/api/v1/certificates/missing", testAPIKey, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	f := newFixture()

	rec := doRequest(t, f.handler, http.MethodOptions, "/api/v1/balance", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

const paidCheckoutEvent = `{
  "id": "evt_42",
  "type": "checkout.session.completed",
  "created": 1752480000,
  "data": {"object": {
    "id": "cs_test_1",
    "amount_total": 2500,
    "payment_status": "paid",
    "customer": "cus_9",
    "customer_details": {"email": "payer@example.org"}
  }}
}`

func TestWebhookPaidCheckoutCreditsAndRecords(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(paidCheckoutEvent))
	req.Header.Set("Stripe-Signature", "t=1,v1=sig")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "t=1,v1=sig", f.webhooks.sig)

	require.Len(t, f.accounts.topups, 1)
	assert.Equal(t, topupCall{userID: "user-1", amountCents: 2500, sessionID: "cs_test_1"}, f.accounts.topups[0])
	assert.Equal(t, []string{"user-1:cus_9"}, f.accounts.links)

	assert.Equal(t, "stripe_checkout:evt_42", f.pool.lastIn.ExternalEventID)
	assert.Equal(t, pool.SourceOneOff, f.pool.lastIn.Source)
	assert.Equal(t, int64(2500), f.pool.lastIn.AmountUsdCents)
	assert.Equal(t, "payer@example.org", f.pool.lastIn.Email)

	body := decodeMap(t, rec)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, true, body["applied"])
}

func TestWebhookIgnoresUnpaidSession(t *testing.T) {
	f := newFixture()
	payload := strings.Replace(paidCheckoutEvent, `"paid"`, `"unpaid"`, 1)

	rec := doRequest(t, f.handler, http.MethodPost, "/webhooks/stripe", "", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.accounts.topups)
	assert.Empty(t, f.pool.lastIn.ExternalEventID)
}

func TestWebhookIgnoresOtherEventTypes(t *testing.T) {
	f := newFixture()
	payload := strings.Replace(paidCheckoutEvent, "checkout.session.completed", "invoice.paid", 1)

	rec := doRequest(t, f.handler, http.MethodPost, "/webhooks/stripe", "", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.accounts.topups)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture()
	f.webhooks.err = errors.New("signature mismatch")

	rec := doRequest(t, f.handler, http.MethodPost, "/webhooks/stripe", "", paidCheckoutEvent)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.accounts.topups)
}

func TestWebhookTopUpFailureIs500ForRetry(t *testing.T) {
	f := newFixture()
	f.accounts.topupErr = errors.New("postgres down")

	rec := doRequest(t, f.handler, http.MethodPost, "/webhooks/stripe", "", paidCheckoutEvent)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, f.pool.lastIn.ExternalEventID)
}

func TestWebhookReplayReportsNotApplied(t *testing.T) {
	f := newFixture()
	f.accounts.applied = false

	rec := doRequest(t, f.handler, http.MethodPost, "/webhooks/stripe", "", paidCheckoutEvent)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, false, body["applied"])
	// The contribution layer sees the replay too and dedupes on event id.
	assert.Equal(t, "stripe_checkout:evt_42", f.pool.lastIn.ExternalEventID)
}

func TestUserDashboardRoute(t *testing.T) {
	f := newFixture()
	f.dashboards.view = &dashboard.UserDashboard{UserID: "user-1", TotalRetired: "3.750000", LiveRetirements: 2}

	rec := doRequest(t, f.handler, http.MethodGet, "/api/v1/dashboard/users/user-1", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeMap(t, rec)
	assert.Equal(t, "3.750000", body["totalRetired"])
	assert.Equal(t, float64(2), body["liveRetirements"])
}
