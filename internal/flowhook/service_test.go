package flowhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	"github.com/angelmondragon/coaching-payflow/internal/marketplace"
	"github.com/angelmondragon/coaching-payflow/internal/orchestrator"
	"github.com/angelmondragon/coaching-payflow/internal/payments"
	"github.com/angelmondragon/coaching-payflow/internal/pricing"
	"github.com/angelmondragon/coaching-payflow/internal/realtime"
	"github.com/angelmondragon/coaching-payflow/internal/retry"
	"github.com/angelmondragon/coaching-payflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"
)

type stubBookings struct {
	mu       sync.Mutex
	booking  marketplace.Booking
	err      error
	gate     chan struct{}
	payloads []string
}

func (s *stubBookings) CreateBooking(_ context.Context, payload json.RawMessage) (marketplace.Booking, error) {
	s.mu.Lock()
	s.payloads = append(s.payloads, string(payload))
	booking, err, gate := s.booking, s.err, s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return marketplace.Booking{}, err
	}
	return booking, nil
}

func (s *stubBookings) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

type stubPricer struct {
	response string
	err      error
	params   []string
}

func (s *stubPricer) CalculatePrice(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	s.params = append(s.params, string(params))
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(s.response), nil
}

type stubIntents struct {
	requests []payments.IntentRequest
}

func (s *stubIntents) CreatePaymentIntent(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
	s.requests = append(s.requests, req)
	return payments.Intent{ID: "pi_9", ClientSecret: "pi_9_secret_abc", Status: "requires_payment_method"}, nil
}

type stubConfirmer struct {
	result payments.ConfirmResult
}

func (s stubConfirmer) ConfirmPayment(context.Context, payments.ConfirmRequest) (payments.ConfirmResult, error) {
	return s.result, nil
}

type memoryCache struct {
	mu          sync.Mutex
	flows       map[string]flowstore.Flow
	invalidated []string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{flows: map[string]flowstore.Flow{}}
}

func (c *memoryCache) Put(_ context.Context, flow flowstore.Flow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flows[flow.BookingID] = flow
	return nil
}

func (c *memoryCache) Get(_ context.Context, bookingID string) (flowstore.Flow, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	flow, ok := c.flows[bookingID]
	return flow, ok, nil
}

func (c *memoryCache) Invalidate(_ context.Context, bookingID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.flows, bookingID)
	c.invalidated = append(c.invalidated, bookingID)
	return nil
}

type serviceHarness struct {
	orch     *orchestrator.Orchestrator
	hub      *realtime.Hub
	bookings *stubBookings
	pricer   *stubPricer
	intents  *stubIntents
	cache    *memoryCache
	svc      *Service
}

func newServiceHarness(t *testing.T, confirm payments.ConfirmResult) *serviceHarness {
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

	h := &serviceHarness{
		orch:     orch,
		hub:      realtime.NewHub(),
		bookings: &stubBookings{booking: marketplace.Booking{ID: "bk_1", ClientSecret: "pi_1_secret_xyz"}},
		pricer:   &stubPricer{response: `{"amount": 49.5, "currency": "CHF"}`},
		intents:  &stubIntents{},
		cache:    newMemoryCache(),
	}
	bridge, err := realtime.NewBridge(realtime.BridgeParams{Flows: orch, Channel: h.hub, Cache: h.cache})
	require.NoError(t, err)
	t.Cleanup(bridge.Close)

	h.svc, err = NewService(Params{
		Flows:      orch,
		Bookings:   h.bookings,
		Pricer:     h.pricer,
		Normalizer: pricing.NewNormalizer(enums.CurrencyCHF),
		Intents:    h.intents,
		Bridge:     bridge,
		Cache:      h.cache,
	})
	require.NoError(t, err)
	return h
}

func startParams(flowID string) StartParams {
	return StartParams{
		FlowID:      flowID,
		Booking:     json.RawMessage(`{"sessionId":"s_1"}`),
		PriceParams: json.RawMessage(`{"sessionId":"s_1","hours":1}`),
	}
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := NewService(Params{})
	require.Error(t, err)
	_, err = NewService(Params{Flows: &orchestrator.Orchestrator{}})
	require.Error(t, err)
	_, err = NewService(Params{Flows: &orchestrator.Orchestrator{}, Bookings: &stubBookings{}})
	require.Error(t, err)
}

func TestStartPaymentFlow(t *testing.T) {
	h := newServiceHarness(t, payments.ConfirmResult{Success: true})

	flow, err := h.svc.StartPaymentFlow(context.Background(), startParams("f1"))
	require.NoError(t, err)

	require.Equal(t, "f1", flow.ID)
	require.Equal(t, enums.FlowStatusRequiresPaymentMethod, flow.Status)
	require.Equal(t, int64(4950), flow.Amount)
	require.Equal(t, enums.CurrencyCHF, flow.Currency)
	require.Equal(t, "bk_1", flow.BookingID)
	require.Equal(t, "pi_1_secret_xyz", flow.ClientSecret)
	require.Equal(t, "pi_1", flow.PaymentIntentID)
	require.Equal(t, enums.ModalStatePaymentPending, flow.Metadata.ModalState)
	require.Equal(t, enums.PaymentStepMethod, flow.Metadata.PaymentStep)
	require.Contains(t, flow.Metadata.Extra, "price")

	require.Equal(t, []string{`{"sessionId":"s_1","hours":1}`}, h.pricer.params)
	require.Equal(t, []string{`{"sessionId":"s_1"}`}, h.bookings.payloads)
	require.Empty(t, h.intents.requests)
	require.Equal(t, 1, h.hub.Subscribers("bk_1"))

	cached, ok, err := h.cache.Get(context.Background(), "bk_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "f1", cached.ID)
}

func TestStartPaymentFlowIsIdempotent(t *testing.T) {
	h := newServiceHarness(t, payments.ConfirmResult{Success: true})
	ctx := context.Background()

	first, err := h.svc.StartPaymentFlow(ctx, startParams("f1"))
	require.NoError(t, err)
	second, err := h.svc.StartPaymentFlow(ctx, startParams("f1"))
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, h.bookings.calls())
	require.Equal(t, 1, h.hub.Subscribers("bk_1"))
}

func TestStartPaymentFlowGeneratesFlowID(t *testing.T) {
	h := newServiceHarness(t, payments.ConfirmResult{Success: true})

	params := startParams("")
	flow, err := h.svc.StartPaymentFlow(context.Background(), params)
	require.NoError(t, err)
	require.NotEmpty(t, flow.ID)
	_, ok := h.orch.Get(flow.ID)
	require.True(t, ok)
}

func TestStartPaymentFlowFreeBooking(t *testing.T) {
	h := newServiceHarness(t, payments.ConfirmResult{Success: true})
	h.bookings.booking = marketplace.Booking{ID: "bk_free"}

	params := startParams("f1")
	params.PriceParams = nil
	params.Price = json.RawMessage(`0`)
	flow, err := h.svc.StartPaymentFlow(context.Background(), params)
	require.NoError(t, err)

	require.Equal(t, enums.FlowStatusSucceeded, flow.Status)
	require.Equal(t, enums.ModalStatePaymentComplete, flow.Metadata.ModalState)
	require.Empty(t, flow.ClientSecret)
	require.Empty(t, h.intents.requests)
	require.Zero(t, h.hub.Subscribers("bk_free"), "completed flows need no realtime subscription")

	cached, ok, err := h.cache.Get(context.Background(), "bk_free")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, enums.FlowStatusSucceeded, cached.Status)
}

func TestStartPaymentFlowCreatesIntentWhenSecretMissing(t *testing.T) {
	h := newServiceHarness(t, payments.ConfirmResult{Success: true})
	h.bookings.booking = marketplace.Booking{ID: "bk_2"}

	flow, err := h.svc.StartPaymentFlow(context.Background(), startParams("f1"))
	require.NoError(t, err)

	require.Len(t, h.intents.requests, 1)
	req := h.intents.requests[0]
	require.Equal(t, "bk_2", req.BookingID)
	require.Equal(t, int64(4950), req.Amount)
	require.Equal(t, "f1", req.Metadata["flowId"])
	require.Equal(t, "pi_9_secret_abc", flow.ClientSecret)
	require.Equal(t, "pi_9", flow.PaymentIntentID)
	require.Equal(t, enums.FlowStatusRequiresPaymentMethod, flow.Status)
}

func TestStartPaymentFlowBookingFailureIsRecoverable(t *testing.T) {
	h := newServiceHarness(t, payments.ConfirmResult{Success: true})
	h.bookings.err = pkgerrors.New(pkgerrors.CodeDependency, "marketplace unavailable")
	ctx := context.Background()

	flow, err := h.svc.StartPaymentFlow(ctx, startParams("f1"))
	require.NoError(t, err)
	require.Equal(t, enums.FlowStatusError, flow.Status)
	require.NotNil(t, flow.Metadata.Error)
	require.Equal(t, CodeBookingFailed, flow.Metadata.Error.Code)
	require.True(t, flow.Metadata.Error.Recoverable)

	h.bookings.err = nil
	flow, err = h.svc.StartPaymentFlow(ctx, startParams("f1"))
	require.NoError(t, err)
	require.Equal(t, enums.FlowStatusRequiresPaymentMethod, flow.Status)
	require.Nil(t, flow.Metadata.Error)
	require.Equal(t, "bk_1", flow.BookingID)
}

func TestStartPaymentFlowPricingFailureIsRecoverable(t *testing.T) {
	h := newServiceHarness(t, payments.ConfirmResult{Success: true})
	h.pricer.err = pkgerrors.New(pkgerrors.CodeDependency, "pricing unavailable")
	ctx := context.Background()

	flow, err := h.svc.StartPaymentFlow(ctx, startParams("f1"))
	require.NoError(t, err)
	require.Equal(t, "f1", flow.ID)
	require.Equal(t, enums.FlowStatusError, flow.Status)
	require.NotNil(t, flow.Metadata.Error)
	require.Equal(t, CodePricingFailed, flow.Metadata.Error.Code)
	require.True(t, flow.Metadata.Error.Recoverable)
	require.Zero(t, h.bookings.calls(), "no booking without a price")

	h.pricer.err = nil
	flow, err = h.svc.StartPaymentFlow(ctx, startParams("f1"))
	require.NoError(t, err)
	require.Equal(t, enums.FlowStatusRequiresPaymentMethod, flow.Status)
	require.Equal(t, int64(4950), flow.Amount)
	require.Nil(t, flow.Metadata.Error)
	require.Equal(t, 1, h.bookings.calls())
}

func TestStartPaymentFlowUnreadablePriceResponseIsRecoverable(t *testing.T) {
	h := newServiceHarness(t, payments.ConfirmResult{Success: true})
	h.pricer.response = `{"total":"abc"}`

	flow, err := h.svc.StartPaymentFlow(context.Background(), startParams("f1"))
	require.NoError(t, err)
	require.Equal(t, enums.FlowStatusError, flow.Status)
	require.Equal(t, CodePricingFailed, flow.Metadata.Error.Code)
}

func TestConcurrentStartsCreateOneBooking(t *testing.T) {
	h := newServiceHarness(t, payments.ConfirmResult{Success: true})
	h.bookings.gate = make(chan struct{})
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		flows [2]flowstore.Flow
		errs  [2]error
	)
	for i := range flows {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			flows[i], errs[i] = h.svc.StartPaymentFlow(ctx, startParams("f1"))
		}(i)
	}
	require.Eventually(t, func() bool { return h.bookings.calls() == 1 }, time.Second, time.Millisecond)
	require.Never(t, func() bool { return h.bookings.calls() > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	close(h.bookings.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, 1, h.bookings.calls())
	require.Equal(t, "bk_1", flows[0].BookingID)
	require.Equal(t, flows[0], flows[1])
	require.Equal(t, 1, h.hub.Subscribers("bk_1"))
}

func TestStartPaymentFlowValidation(t *testing.T) {
	h := newServiceHarness(t, payments.ConfirmResult{Success: true})
	ctx := context.Background()

	_, err := h.svc.StartPaymentFlow(ctx, StartParams{FlowID: "f1"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	params := startParams("f2")
	params.PriceParams = nil
	params.Price = json.RawMessage(`{"total":"abc"}`)
	_, err = h.svc.StartPaymentFlow(ctx, params)
	require.True(t, errors.Is(err, pricing.ErrInvalidPriceStructure))
	_, ok := h.orch.Get("f2")
	require.False(t, ok, "a rejected price must not create a flow")
	require.Zero(t, h.bookings.calls())
}

func TestHandlePaymentConfirmation(t *testing.T) {
	h := newServiceHarness(t, payments.ConfirmResult{Success: true})
	ctx := context.Background()

	_, err := h.svc.StartPaymentFlow(ctx, startParams("f1"))
	require.NoError(t, err)
	_, err = h.svc.HandleVisibilityChange(ctx, "f1", enums.VisibilityVisible, nil)
	require.NoError(t, err)

	flow, err := h.svc.HandlePaymentConfirmation(ctx, "f1", "pm_card")
	require.NoError(t, err)
	require.Equal(t, enums.FlowStatusSucceeded, flow.Status)
	require.Equal(t, "pm_card", flow.Metadata.PaymentMethodID)

	cached, ok, err := h.cache.Get(ctx, "bk_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, enums.FlowStatusSucceeded, cached.Status, "the cache follows the confirmation")
}

func TestCancelAndResetFlow(t *testing.T) {
	h := newServiceHarness(t, payments.ConfirmResult{Success: true})
	ctx := context.Background()

	_, err := h.svc.StartPaymentFlow(ctx, startParams("f1"))
	require.NoError(t, err)

	flow, err := h.svc.CancelFlow(ctx, "f1", "user")
	require.NoError(t, err)
	require.Equal(t, enums.FlowStatusCancelled, flow.Status)
	require.Zero(t, h.hub.Subscribers("bk_1"))
	cached, _, err := h.cache.Get(ctx, "bk_1")
	require.NoError(t, err)
	require.Equal(t, enums.FlowStatusCancelled, cached.Status)

	flow, err = h.svc.ResetFlow(ctx, "f1")
	require.NoError(t, err)
	require.Contains(t, h.cache.invalidated, "bk_1")
	require.Equal(t, enums.FlowStatusInitializing, flow.Status)
	require.Empty(t, flow.BookingID)
	require.Empty(t, flow.ClientSecret)

	flow, err = h.svc.StartPaymentFlow(ctx, startParams("f1"))
	require.NoError(t, err)
	require.Equal(t, enums.FlowStatusRequiresPaymentMethod, flow.Status)
	require.Equal(t, 2, h.bookings.calls())
}

func TestCleanupRespectsPreservation(t *testing.T) {
	h := newServiceHarness(t, payments.ConfirmResult{Success: true})
	ctx := context.Background()

	params := startParams("f1")
	params.PreserveOnUnmount = true
	_, err := h.svc.StartPaymentFlow(ctx, params)
	require.NoError(t, err)

	require.NoError(t, h.svc.Cleanup(ctx, "f1", false))
	_, ok := h.orch.Get("f1")
	require.True(t, ok)
	require.Equal(t, 1, h.hub.Subscribers("bk_1"))

	require.NoError(t, h.svc.Cleanup(ctx, "f1", true))
	_, ok = h.orch.Get("f1")
	require.False(t, ok)
	require.Zero(t, h.hub.Subscribers("bk_1"))
	require.NoError(t, h.svc.Cleanup(ctx, "f1", true))
}

func TestLookupResolvesFlowAndBookingIDs(t *testing.T) {
	h := newServiceHarness(t, payments.ConfirmResult{Success: true})
	ctx := context.Background()

	_, err := h.svc.StartPaymentFlow(ctx, startParams("f1"))
	require.NoError(t, err)

	live, err := h.svc.Lookup(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, "bk_1", live.BookingID)

	byBooking, err := h.svc.Lookup(ctx, "bk_1")
	require.NoError(t, err)
	require.Equal(t, live, byBooking)

	_, err = h.svc.Lookup(ctx, " ")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestLookupFallsBackToSettledSnapshot(t *testing.T) {
	h := newServiceHarness(t, payments.ConfirmResult{Success: true})
	ctx := context.Background()

	_, err := h.svc.StartPaymentFlow(ctx, startParams("f1"))
	require.NoError(t, err)
	_, err = h.svc.HandleVisibilityChange(ctx, "f1", enums.VisibilityVisible, nil)
	require.NoError(t, err)
	_, err = h.svc.HandlePaymentConfirmation(ctx, "f1", "pm_card")
	require.NoError(t, err)

	require.NoError(t, h.svc.Cleanup(ctx, "f1", true))
	cached, err := h.svc.Lookup(ctx, "bk_1")
	require.NoError(t, err)
	require.Equal(t, "f1", cached.ID)
	require.Equal(t, enums.FlowStatusSucceeded, cached.Status)

	_, err = h.svc.Lookup(ctx, "f1")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestLookupForgetsUnsettledFlowAfterCleanup(t *testing.T) {
	h := newServiceHarness(t, payments.ConfirmResult{Success: true})
	ctx := context.Background()

	_, err := h.svc.StartPaymentFlow(ctx, startParams("f1"))
	require.NoError(t, err)
	require.NoError(t, h.svc.Cleanup(ctx, "f1", true))

	_, err = h.svc.Lookup(ctx, "bk_1")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "an abandoned snapshot would go stale")
	require.Zero(t, h.hub.Subscribers("bk_1"))
}
