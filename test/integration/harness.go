// Package integration provides a reusable test harness for end-to-end
// integration testing of the onboarding server. It starts a full HTTP server
// with in-memory stores, a recording notification publisher and a test JWT
// issuer.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/onboarding/internal/audit"
	"github.com/pitabwire/onboarding/internal/capability"
	"github.com/pitabwire/onboarding/internal/config"
	"github.com/pitabwire/onboarding/internal/documents"
	"github.com/pitabwire/onboarding/internal/draft"
	"github.com/pitabwire/onboarding/internal/idempotency"
	"github.com/pitabwire/onboarding/internal/notify"
	"github.com/pitabwire/onboarding/internal/observability"
	"github.com/pitabwire/onboarding/internal/registration"
	"github.com/pitabwire/onboarding/internal/store"
	"github.com/pitabwire/onboarding/internal/transport"
	"github.com/pitabwire/onboarding/internal/validation"
	"github.com/pitabwire/onboarding/model"
)

// TestHarness encapsulates a fully wired onboarding instance for
// integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store       *store.MemoryStore
	Audit       *audit.Service
	Idempotency *idempotency.MemoryStore
	Publisher   *RecordingPublisher
	Metrics     *observability.Metrics
	Registry    *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	breaker        config.CircuitBreakerConfig
	handlerTimeout time.Duration
	policyFile     string
}

// WithCircuitBreaker overrides the notifier circuit breaker settings.
func WithCircuitBreaker(cfg config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cfg
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithPolicyFile sets the role policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// staffRoles are seeded as accounts so approval notifications have
// recipients.
var staffRoles = []string{
	model.RoleQualityManager,
	model.RoleProcurementManager,
	model.RoleProcurementDirector,
	model.RoleFinanceDirector,
	model.RoleFinanceAccountant,
	model.RoleFinanceCashier,
}

// NewTestHarness creates and starts a full test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:           t,
		issuer:      newTokenIssuer(t),
		Store:       store.NewMemoryStore(),
		Idempotency: idempotency.NewMemoryStore(),
		Publisher:   &RecordingPublisher{},
		Registry:    prometheus.NewRegistry(),
	}
	h.Metrics = observability.InitMetrics(h.Registry)
	h.seedStaff()

	cfg := config.Defaults()
	cfg.Identity.Issuer = h.issuer.Issuer()
	cfg.Identity.Audience = h.issuer.Audience()
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Documents.RootDir = t.TempDir()
	cfg.Audit.ArchiveDir = t.TempDir()
	cfg.Notifications.CircuitBreaker = hc.breaker
	h.cfg = cfg

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))

	policy, err := capability.NewStaticPolicy(hc.policyFile)
	if err != nil {
		t.Fatalf("load role policy: %v", err)
	}
	resolver := capability.NewResolver(policy, cfg.Capability.Cache.TTL, cfg.Capability.Cache.MaxEntries, h.Metrics)

	breaker := notify.NewCircuitBreaker(hc.breaker.FailureThreshold, hc.breaker.SuccessThreshold, hc.breaker.Timeout)
	notifier := notify.New(h.Store, h.Publisher, breaker, h.Metrics, logger, time.Second)

	validator, err := validation.NewDefault()
	if err != nil {
		t.Fatalf("load payload validator: %v", err)
	}
	h.Audit = audit.NewService(h.Store, cfg.Audit, h.Metrics, logger)
	drafts := draft.NewService(draft.NewMemoryRepository(cfg.Drafts.Grace), validator, cfg.Drafts.TTL, h.Metrics, logger)
	registrations := registration.NewService(h.Store, h.Audit, validator,
		registration.WithDocuments(documents.NewFileStore(cfg.Documents, logger)),
		registration.WithDrafts(drafts),
		registration.WithNotifier(notifier),
		registration.WithMetrics(h.Metrics),
		registration.WithLogger(logger),
		registration.WithAllocatorRetry(cfg.Allocator),
	)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Metrics:        h.Metrics,
		MetricsHandler: observability.HandlerFor(h.Registry),
		Authenticate:   transport.JWTAuthenticator(cfg.Identity, jwks),
		Resolver:       resolver,
		Registration:   registrations,
		Drafts:         drafts,
		Audit:          h.Audit,
		Idempotency:    h.Idempotency,
		Readiness: observability.ReadinessChecks{
			Store: observability.HealthCheckFunc(h.Store.Ping),
			Notifier: observability.HealthCheckFunc(func(context.Context) error {
				return breaker.Allow()
			}),
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

func (h *TestHarness) seedStaff() {
	h.t.Helper()
	err := h.Store.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		accounts := []model.Account{{
			ID:          "purchaser-1",
			Name:        "Bob Buyer",
			Username:    "bob",
			Email:       "buyer@corp.example",
			Role:        model.RolePurchaser,
			AccountType: model.AccountTypeStaff,
		}}
		for _, role := range staffRoles {
			accounts = append(accounts, model.Account{
				ID:          role + "-1",
				Name:        role,
				Username:    role,
				Email:       role + "@corp.example",
				Role:        role,
				AccountType: model.AccountTypeStaff,
			})
		}
		for _, a := range accounts {
			if err := tx.SaveAccount(ctx, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		h.t.Fatalf("seed staff: %v", err)
	}
}

// BaseURL returns the base URL of the running server.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// StaffToken returns a token for the seeded account holding role.
func (h *TestHarness) StaffToken(role string) string {
	return h.GenerateToken(StaffClaims(role))
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		bodyReader = strings.NewReader(string(b))
	default:
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
		return
	}
	resp.Body.Close()
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Registration helpers ---

// Submit posts applicant n's registration and returns the result.
func (h *TestHarness) Submit(n int) registration.SubmitResult {
	h.t.Helper()
	var res registration.SubmitResult
	h.AssertJSON(h.t, h.POST("/public/registrations", RegistrationPayload(n), ""), http.StatusCreated, &res)
	return res
}

// Approve approves the current step of application id as role.
func (h *TestHarness) Approve(id int64, role string) registration.DecisionResult {
	h.t.Helper()
	var res registration.DecisionResult
	path := fmt.Sprintf("/registrations/%d/approve", id)
	h.AssertJSON(h.t, h.POST(path, map[string]string{"comment": "ok"}, h.StaffToken(role)), http.StatusOK, &res)
	return res
}

// ApproveTo drives application id through the approval steps until it
// reaches status.
func (h *TestHarness) ApproveTo(id int64, status string) {
	h.t.Helper()
	current := model.StatusPendingPurchaser
	for range 10 {
		if current == status {
			return
		}
		role, ok := RoleForStatus(current)
		if !ok {
			h.t.Fatalf("cannot advance from %s to %s", current, status)
		}
		current = h.Approve(id, role).Status
	}
	h.t.Fatalf("application %d never reached %s", id, status)
}

// RoleForStatus returns the staff role acting on status.
func RoleForStatus(status string) (string, bool) {
	switch status {
	case model.StatusPendingPurchaser:
		return model.RolePurchaser, true
	case model.StatusPendingQualityManager:
		return model.RoleQualityManager, true
	case model.StatusPendingProcurementManager:
		return model.RoleProcurementManager, true
	case model.StatusPendingProcurementDirector:
		return model.RoleProcurementDirector, true
	case model.StatusPendingFinanceDirector:
		return model.RoleFinanceDirector, true
	case model.StatusPendingAccountant:
		return model.RoleFinanceAccountant, true
	case model.StatusPendingCashier:
		return model.RoleFinanceCashier, true
	}
	return "", false
}

// --- Default test claims ---

// StaffClaims returns TestClaims for the seeded account holding role.
func StaffClaims(role string) TestClaims {
	if role == model.RolePurchaser {
		return TestClaims{
			SubjectID:   "purchaser-1",
			Name:        "Bob Buyer",
			Email:       "buyer@corp.example",
			Role:        role,
			AccountType: model.AccountTypeStaff,
		}
	}
	return TestClaims{
		SubjectID:   role + "-1",
		Name:        role,
		Email:       role + "@corp.example",
		Role:        role,
		AccountType: model.AccountTypeStaff,
	}
}

// AuditorClaims returns TestClaims for a read-only auditor.
func AuditorClaims() TestClaims {
	return TestClaims{SubjectID: "auditor-1", Name: "Ada Auditor", Email: "audit@corp.example", Role: "auditor"}
}

// AdminClaims returns TestClaims for an administrator.
func AdminClaims() TestClaims {
	return TestClaims{SubjectID: "admin-1", Name: "Root", Email: "admin@corp.example", Role: "admin"}
}

// TrackingClaims returns TestClaims for applicant n's tracking login.
func TrackingClaims(n int) TestClaims {
	email := fmt.Sprintf("owner%d@acme.example", n)
	return TestClaims{
		SubjectID:   email,
		Email:       email,
		Role:        model.RoleTracking,
		AccountType: model.AccountTypeTracking,
	}
}

// --- Fixtures ---

// RegistrationPayload returns a complete registration for applicant n.
func RegistrationPayload(n int) json.RawMessage {
	upload := func(name string) map[string]any {
		return map[string]any{"name": name, "type": "application/pdf", "content": "JVBERi0xLjQK"}
	}
	p := map[string]any{
		"company_name":                 fmt.Sprintf("Acme Trading %d Ltd", n),
		"registered_office":            "1 Harbour Road",
		"business_registration_number": fmt.Sprintf("91310000MA1FL%04dX", n),
		"business_address":             "1 Harbour Road",
		"contact_name":                 "Li Wei",
		"contact_email":                fmt.Sprintf("owner%d@acme.example", n),
		"procurement_email":            "buyer@corp.example",
		"contact_phone":                "+86 21 5555 0100",
		"operating_currency":           "cny",
		"delivery_location":            "Shanghai",
		"ship_code":                    "fob",
		"product_origin":               "CN",
		"bank_name":                    "Bank of Examples",
		"bank_address":                 "2 Finance Street",
		"bank_account_number":          "6222000011112222",
		"company_type":                 "limited",
		"supplier_classification":      "dm",
		"finance_contact_name":         "Zhang Min",
		"finance_contact_phone":        "+86 21 5555 0101",
		"business_license_file":        upload("license.pdf"),
		"bank_account_file":            upload("bank.pdf"),
	}
	data, err := json.Marshal(p)
	if err != nil {
		panic("marshal payload: " + err.Error())
	}
	return data
}

// --- Notifications ---

var errPublishFailed = errors.New("broker unavailable")

// RecordingPublisher keeps every published notification. While failing is
// set every publish returns an error.
type RecordingPublisher struct {
	mu       sync.Mutex
	messages []notify.Message
	attempts int
	failing  bool
}

// Publish records msg.
func (p *RecordingPublisher) Publish(_ context.Context, msg notify.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.failing {
		return errPublishFailed
	}
	p.messages = append(p.messages, msg)
	return nil
}

// Close is a no-op.
func (p *RecordingPublisher) Close() error { return nil }

// SetFailing toggles publish failures.
func (p *RecordingPublisher) SetFailing(failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = failing
}

// Attempts returns how many publishes were tried, failed ones included.
func (p *RecordingPublisher) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Messages returns a copy of the delivered notifications.
func (p *RecordingPublisher) Messages() []notify.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Message(nil), p.messages...)
}

// Last returns the most recent delivered notification.
func (p *RecordingPublisher) Last() (notify.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) == 0 {
		return notify.Message{}, false
	}
	return p.messages[len(p.messages)-1], true
}
