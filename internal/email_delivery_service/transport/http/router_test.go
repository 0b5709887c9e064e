package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/app"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/classifier"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/provider"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/repository/memory"
	httptransport "github.com/aradsms/email_gateway/internal/email_delivery_service/transport/http"
	"github.com/aradsms/email_gateway/internal/platform/messagebroker"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "test-webhook-secret"
	testSubjectPrefix = "email.events.raw"
)

type mockNATSClient struct {
	mock.Mock
}

func (m *mockNATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

func (m *mockNATSClient) SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler func(msg messagebroker.Message)) (messagebroker.Subscription, error) {
	args := m.Called(ctx, subject, queueGroup, handler)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(messagebroker.Subscription), args.Error(1)
}

func (m *mockNATSClient) PublishPersistent(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

func (m *mockNATSClient) EnsureStream(ctx context.Context, cfg messagebroker.StreamConfig) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}

func (m *mockNATSClient) ConsumeDurable(ctx context.Context, cfg messagebroker.ConsumerConfig, handler func(msg messagebroker.Message)) (messagebroker.Subscription, error) {
	args := m.Called(ctx, cfg, handler)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(messagebroker.Subscription), args.Error(1)
}

func (m *mockNATSClient) Close() {
	m.Called()
}

// apiFixture wires the real services over the in-memory store behind the router.
type apiFixture struct {
	store    *memory.Store
	provider *provider.MockEmailProvider
	nats     *mockNATSClient
	handler  http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	validate := validator.New()
	store := memory.NewStore()
	mp := provider.NewMockEmailProvider(logger, "mock", 0)
	nc := &mockNATSClient{}

	governor := app.NewRateGovernor(store.TenantConfigs(), store.RateLimits(), logger)
	sender := app.NewSendService(
		governor,
		app.NewQuotaService(store.TenantConfigs(), logger),
		store.Deliveries(),
		provider.NewRegistry("mock", mp),
		classifier.Default(),
		app.SendServiceConfig{ProviderTimeout: time.Second, MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute},
		logger,
	)

	h := httptransport.NewRouter(httptransport.RouterConfig{
		Email:     httptransport.NewEmailHandler(sender, governor, app.NewReportingService(store.Deliveries(), logger), validate, logger),
		Admin:     httptransport.NewAdminHandler(app.NewProvisioner(store.TenantConfigs(), logger), validate, logger),
		Webhooks:  httptransport.NewWebhookHandler(nc, validate, testWebhookSecret, testSubjectPrefix, logger),
		JWTSecret: testJWTSecret,
		Logger:    logger,
	})
	return &apiFixture{store: store, provider: mp, nats: nc, handler: h}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

// activeTenant stores an activated ENTERPRISE configuration.
func (f *apiFixture) activeTenant(t *testing.T) uuid.UUID {
	t.Helper()
	cfg, err := domain.NewTenantEmailConfig(uuid.New(), domain.PlanEnterprise, time.Now())
	require.NoError(t, err)
	cfg.RootActivated = true
	cfg.TenantActivated = true
	require.NoError(t, f.store.TenantConfigs().Create(context.Background(), cfg))
	return cfg.TenantID
}

func tenantToken(t *testing.T, tenantID uuid.UUID) string {
	return signToken(t, jwt.MapClaims{"sub": "user-" + tenantID.String()[:8], "tid": tenantID.String()})
}

func adminToken(t *testing.T) string {
	return signToken(t, jwt.MapClaims{"sub": "platform-admin", "adm": true})
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	claims["exp"] = time.Now().Add(time.Hour).Unix()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return s
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/api/v1/delivery-records/"+uuid.NewString(), tenantToken(t, uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `email_delivery_http_requests_total{method="GET",route="/health",status_class="2xx",surface="ops"}`)
	assert.Contains(t, body, `email_delivery_http_requests_total{method="GET",route="/api/v1/delivery-records/{record_id}",status_class="4xx",surface="api"}`)
	assert.Contains(t, body, `email_delivery_http_requests_in_flight{surface="ops"}`)
}

func TestRouter_APIRequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/api/v1/delivery-records", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/v1/admin/tenants/"+uuid.NewString()+"/email-config", tenantToken(t, uuid.New()), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
