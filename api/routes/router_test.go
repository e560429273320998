package routes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/coaching-payflow/internal/flowhook"
	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	pkgAuth "github.com/angelmondragon/coaching-payflow/pkg/auth"
	"github.com/angelmondragon/coaching-payflow/pkg/config"
	"github.com/angelmondragon/coaching-payflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
	"github.com/angelmondragon/coaching-payflow/pkg/logger"
)

type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]string
	counts  map[string]int64
	pingErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, counts: map[string]int64{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key], _ = value.(string)
	return true, nil
}

func (f *fakeRedis) IdempotencyKey(scope, id string) string { return "idem:" + scope + ":" + id }

func (f *fakeRedis) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeRedis) RateLimitKey(scope string) string { return "rl:" + scope }

func (f *fakeRedis) Ping(context.Context) error { return f.pingErr }

type stubFlows struct {
	mu       sync.Mutex
	confirms int
}

func (s *stubFlows) StartPaymentFlow(_ context.Context, p flowhook.StartParams) (flowstore.Flow, error) {
	return flowstore.Flow{ID: p.FlowID, Status: enums.FlowStatusRequiresPaymentMethod}, nil
}

func (s *stubFlows) Lookup(_ context.Context, id string) (flowstore.Flow, error) {
	if id != "f1" {
		return flowstore.Flow{}, pkgerrors.New(pkgerrors.CodeNotFound, "payment flow not found")
	}
	return flowstore.Flow{ID: id, Status: enums.FlowStatusRequiresPaymentMethod}, nil
}

func (s *stubFlows) Active(string) bool { return false }

func (s *stubFlows) HandleVisibilityChange(_ context.Context, flowID string, state enums.VisibilityState, _ map[string]any) (flowstore.Flow, error) {
	return flowstore.Flow{ID: flowID, VisibilityState: state}, nil
}

func (s *stubFlows) HandlePaymentConfirmation(_ context.Context, flowID, _ string) (flowstore.Flow, error) {
	s.mu.Lock()
	s.confirms++
	s.mu.Unlock()
	return flowstore.Flow{ID: flowID, Status: enums.FlowStatusSucceeded}, nil
}

func (s *stubFlows) ResetFlow(_ context.Context, flowID string) (flowstore.Flow, error) {
	return flowstore.Flow{ID: flowID, Status: enums.FlowStatusInitializing}, nil
}

func (s *stubFlows) CancelFlow(_ context.Context, flowID, _ string) (flowstore.Flow, error) {
	return flowstore.Flow{ID: flowID, Status: enums.FlowStatusCancelled}, nil
}

func (s *stubFlows) Cleanup(context.Context, string, bool) error { return nil }

func (s *stubFlows) Bind(string, func(flowstore.Event)) (*flowhook.Hook, error) {
	return nil, errors.New("streaming not supported by stub")
}

func (s *stubFlows) confirmCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirms
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "dev", CORSOrigins: []string{"http://localhost:3000"}},
		JWT: config.JWTConfig{Secret: "secret", Issuer: "coaching-payflow"},
		RateLimit: config.RateLimitConfig{
			ConfirmWindow:    time.Minute,
			ConfirmUserLimit: 2,
			ConfirmIPLimit:   10,
		},
	}
}

func buildToken(t *testing.T, cfg *config.Config) string {
	t.Helper()
	token, err := pkgAuth.MintAccessToken(cfg.JWT, time.Now(), time.Hour, pkgAuth.AccessTokenPayload{UserID: uuid.New()})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func authed(t *testing.T, token, method, path, body string) *http.Request {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHealthEndpoints(t *testing.T) {
	store := newFakeRedis()
	router := NewRouter(testConfig(), logger.Nop(), store, &stubFlows{}, nil)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected live 200 got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected ready 200 got %d", resp.Code)
	}

	store.pingErr = errors.New("connection refused")
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected ready 503 when redis is down got %d", resp.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "payflow_router_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	router := NewRouter(testConfig(), nil, nil, &stubFlows{}, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "payflow_router_test_total 1") {
		t.Fatalf("expected counter in exposition, got %s", resp.Body.String())
	}
}

func TestPaymentFlowsRequireJWT(t *testing.T) {
	router := NewRouter(testConfig(), nil, nil, &stubFlows{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/payment-flows/f1", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token got %d", resp.Code)
	}
}

func TestPaymentFlowsWithJWT(t *testing.T) {
	cfg := testConfig()
	router := NewRouter(cfg, nil, nil, &stubFlows{}, nil)
	token := buildToken(t, cfg)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, authed(t, token, http.MethodGet, "/api/v1/payment-flows/f1", ""))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, authed(t, token, http.MethodGet, "/api/v1/payment-flows/other", ""))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, authed(t, token, http.MethodPost, "/api/v1/payment-flows/", `{"flowId":"f2","booking":{}}`))
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestConfirmIsIdempotentAndRateLimited(t *testing.T) {
	cfg := testConfig()
	flows := &stubFlows{}
	router := NewRouter(cfg, nil, newFakeRedis(), flows, nil)
	token := buildToken(t, cfg)

	confirm := func(key string) int {
		req := authed(t, token, http.MethodPost, "/api/v1/payment-flows/f1/confirm", `{"paymentMethodId":"pm_1"}`)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		return resp.Code
	}

	if code := confirm(""); code != http.StatusBadRequest {
		t.Fatalf("expected 400 without idempotency key got %d", code)
	}
	if code := confirm("k1"); code != http.StatusOK {
		t.Fatalf("expected 200 got %d", code)
	}
	if code := confirm("k1"); code != http.StatusOK {
		t.Fatalf("expected replayed 200 got %d", code)
	}
	if flows.confirmCalls() != 1 {
		t.Fatalf("expected a single confirmation, got %d", flows.confirmCalls())
	}

	if code := confirm("k2"); code != http.StatusOK {
		t.Fatalf("expected 200 got %d", code)
	}
	if code := confirm("k3"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the user limit got %d", code)
	}
}

func TestFlowStreamBindFailureIsReported(t *testing.T) {
	cfg := testConfig()
	router := NewRouter(cfg, nil, nil, &stubFlows{}, nil)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/payment-flows/f1/stream?access_token="+buildToken(t, cfg), nil))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", resp.Code)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReadinessIncludesExtraChecks(t *testing.T) {
	down := pingFunc(func(context.Context) error { return errors.New("subscription missing") })
	router := NewRouter(testConfig(), nil, newFakeRedis(), &stubFlows{}, nil, WithReadinessCheck("pubsub", down))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when pubsub is down got %d", resp.Code)
	}
}
