package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/facebookgo/clock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/coaching-payflow/api/responses"
	"github.com/angelmondragon/coaching-payflow/internal/flowhook"
	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	"github.com/angelmondragon/coaching-payflow/internal/marketplace"
	"github.com/angelmondragon/coaching-payflow/internal/orchestrator"
	"github.com/angelmondragon/coaching-payflow/internal/payments"
	"github.com/angelmondragon/coaching-payflow/internal/pricing"
	"github.com/angelmondragon/coaching-payflow/internal/realtime"
	"github.com/angelmondragon/coaching-payflow/internal/retry"
	"github.com/angelmondragon/coaching-payflow/pkg/enums"
)

type stubBookings struct {
	booking marketplace.Booking
}

func (s stubBookings) CreateBooking(context.Context, json.RawMessage) (marketplace.Booking, error) {
	return s.booking, nil
}

type stubConfirmer struct {
	result payments.ConfirmResult
}

func (s stubConfirmer) ConfirmPayment(context.Context, payments.ConfirmRequest) (payments.ConfirmResult, error) {
	return s.result, nil
}

type flowEnv struct {
	orch   *orchestrator.Orchestrator
	hub    *realtime.Hub
	svc    *flowhook.Service
	router http.Handler
}

func newFlowEnv(t *testing.T, confirm payments.ConfirmResult) *flowEnv {
	t.Helper()
	mock := clock.NewMock()
	store := flowstore.New(flowstore.Options{Clock: mock})
	retries := retry.NewController(retry.Params{Clock: mock})
	t.Cleanup(retries.Close)

	orch, err := orchestrator.New(orchestrator.Params{
		Store:           store,
		Retries:         retries,
		Confirmer:       stubConfirmer{result: confirm},
		Clock:           mock,
		DefaultCurrency: enums.CurrencyCHF,
	})
	require.NoError(t, err)

	hub := realtime.NewHub()
	bridge, err := realtime.NewBridge(realtime.BridgeParams{Flows: orch, Channel: hub})
	require.NoError(t, err)
	t.Cleanup(bridge.Close)

	svc, err := flowhook.NewService(flowhook.Params{
		Flows:      orch,
		Bookings:   stubBookings{booking: marketplace.Booking{ID: "bk_1", ClientSecret: "pi_1_secret_xyz"}},
		Normalizer: pricing.NewNormalizer(enums.CurrencyCHF),
		Bridge:     bridge,
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/flows", func(r chi.Router) {
		r.Post("/", StartPaymentFlow(svc, nil))
		r.Get("/{flowId}", GetPaymentFlow(svc, nil))
		r.Post("/{flowId}/visibility", UpdateVisibility(svc, nil))
		r.Post("/{flowId}/confirm", ConfirmPayment(svc, nil))
		r.Post("/{flowId}/reset", ResetPaymentFlow(svc, nil))
		r.Post("/{flowId}/cancel", CancelPaymentFlow(svc, nil))
		r.Delete("/{flowId}", CleanupPaymentFlow(svc, nil))
		r.Get("/{flowId}/stream", FlowStream(svc, []string{"http://app.test"}, nil))
	})

	return &flowEnv{orch: orch, hub: hub, svc: svc, router: r}
}

func (e *flowEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeFlow(t *testing.T, rec *httptest.ResponseRecorder) flowstore.Flow {
	t.Helper()
	var envelope struct {
		Data flowstore.Flow `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), rec.Body.String())
	return envelope.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) responses.APIError {
	t.Helper()
	var envelope responses.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), rec.Body.String())
	return envelope.Error
}

const startBody = `{"flowId":"f1","booking":{"sessionId":"s_1"},"price":{"amount":49.5,"currency":"CHF"}}`
