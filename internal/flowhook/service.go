package flowhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/angelmondragon/coaching-payflow/internal/bookingcache"
	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	"github.com/angelmondragon/coaching-payflow/internal/marketplace"
	"github.com/angelmondragon/coaching-payflow/internal/orchestrator"
	"github.com/angelmondragon/coaching-payflow/internal/payments"
	"github.com/angelmondragon/coaching-payflow/internal/pricing"
	"github.com/angelmondragon/coaching-payflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
	"github.com/angelmondragon/coaching-payflow/pkg/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Error codes recorded on flows whose start could not complete.
const (
	CodePricingFailed = "pricing_failed"
	CodeBookingFailed = "booking_failed"
	CodeIntentFailed  = "payment_intent_failed"
)

type flowOrchestrator interface {
	InitializePayment(ctx context.Context, p orchestrator.InitParams) (flowstore.Flow, error)
	UpdateFlow(ctx context.Context, flowID string, update orchestrator.FlowUpdate) (flowstore.Flow, error)
	ConfirmPayment(ctx context.Context, flowID, paymentMethodID string) (flowstore.Flow, error)
	ResetFlow(ctx context.Context, flowID string) (flowstore.Flow, error)
	CancelFlow(ctx context.Context, flowID, reason string) (flowstore.Flow, error)
	HandleCleanup(ctx context.Context, flowID string, opts orchestrator.CleanupOptions) error
	HandleVisibilityChange(ctx context.Context, flowID string, state enums.VisibilityState, info map[string]any) (flowstore.Flow, error)
	SubscribeToState(flowID string, cb flowstore.Callback) (func(), error)
	Get(flowID string) (flowstore.Flow, bool)
	FindByBooking(bookingID string) (flowstore.Flow, bool)
}

type bookingCreator interface {
	CreateBooking(ctx context.Context, payload json.RawMessage) (marketplace.Booking, error)
}

type priceCalculator interface {
	CalculatePrice(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

type pushBridge interface {
	Subscribe(ctx context.Context, flowID, bookingID string, onUpdate func(flowstore.Flow)) error
	Unsubscribe(flowID string) bool
}

type snapshotCache interface {
	Put(ctx context.Context, flow flowstore.Flow) error
	Get(ctx context.Context, bookingID string) (flowstore.Flow, bool, error)
	Invalidate(ctx context.Context, bookingID string) error
}

// Params wires a Service. Pricer, Intents and Cache are optional.
type Params struct {
	Flows      flowOrchestrator
	Bookings   bookingCreator
	Pricer     priceCalculator
	Normalizer pricing.Normalizer
	Intents    payments.IntentCreator
	Bridge     pushBridge
	Cache      snapshotCache
	Logger     *logger.Logger
}

// Service runs the flow-level actions a payment UI dispatches.
type Service struct {
	flows      flowOrchestrator
	bookings   bookingCreator
	pricer     priceCalculator
	normalizer pricing.Normalizer
	intents    payments.IntentCreator
	bridge     pushBridge
	cache      snapshotCache
	logg       *logger.Logger

	// starts collapses concurrent starts of the same flow into one booking
	starts singleflight.Group
}

// NewService builds the flow service.
func NewService(p Params) (*Service, error) {
	if p.Flows == nil {
		return nil, fmt.Errorf("flow orchestrator required")
	}
	if p.Bookings == nil {
		return nil, fmt.Errorf("booking creator required")
	}
	if p.Bridge == nil {
		return nil, fmt.Errorf("realtime bridge required")
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	return &Service{
		flows:      p.Flows,
		bookings:   p.Bookings,
		pricer:     p.Pricer,
		normalizer: p.Normalizer,
		intents:    p.Intents,
		bridge:     p.Bridge,
		cache:      p.Cache,
		logg:       p.Logger,
	}, nil
}

// StartParams describes a new payment flow. Price holds an already calculated price
// response; otherwise PriceParams are sent to the pricing collaborator. With neither the
// flow starts at zero in the default currency.
type StartParams struct {
	FlowID            string
	Booking           json.RawMessage
	Price             json.RawMessage
	PriceParams       json.RawMessage
	Timing            map[string]any
	Metadata          map[string]any
	PreserveOnUnmount bool
}

// StartPaymentFlow initializes the flow, prices it, creates the booking, and subscribes the
// flow to realtime pushes. Collaborator failures leave the flow in status error with a
// recoverable descriptor rather than returning an error; only malformed input is rejected
// before a flow exists. Concurrent starts of one flow share a single attempt.
func (s *Service) StartPaymentFlow(ctx context.Context, p StartParams) (flowstore.Flow, error) {
	if len(bytes.TrimSpace(p.Booking)) == 0 {
		return flowstore.Flow{}, pkgerrors.New(pkgerrors.CodeValidation, "booking payload is required")
	}
	p.FlowID = strings.TrimSpace(p.FlowID)
	if p.FlowID == "" {
		p.FlowID = uuid.NewString()
	}
	ctx = s.logg.WithFlowID(ctx, p.FlowID)

	v, err, shared := s.starts.Do(p.FlowID, func() (any, error) {
		return s.start(ctx, p)
	})
	if shared {
		s.logg.Debug(ctx, "joined payment flow start already in progress")
	}
	flow, _ := v.(flowstore.Flow)
	return flow.Clone(), err
}

func (s *Service) start(ctx context.Context, p StartParams) (flowstore.Flow, error) {
	flowID := p.FlowID
	if existing, ok := s.flows.Get(flowID); ok && existing.BookingID != "" {
		s.logg.Debug(ctx, "payment flow already started")
		return existing, s.subscribe(ctx, existing)
	}

	quoted, err := s.quote(ctx, p)
	if err != nil {
		return flowstore.Flow{}, err
	}

	meta := make(map[string]any, len(p.Metadata)+1)
	for key, value := range p.Metadata {
		meta[key] = value
	}
	init := orchestrator.InitParams{
		FlowID:            flowID,
		Timing:            p.Timing,
		PreserveOnUnmount: p.PreserveOnUnmount,
		Metadata:          meta,
	}
	if quoted != nil {
		meta["price"] = quoted
		init.Amount = quoted.AmountMinor
		init.Currency = quoted.Currency
	}
	flow, err := s.flows.InitializePayment(ctx, init)
	if err != nil {
		return flowstore.Flow{}, err
	}
	if flow.Status == enums.FlowStatusError {
		status := enums.FlowStatusInitializing
		flow, err = s.flows.UpdateFlow(ctx, flowID, orchestrator.FlowUpdate{Patch: flowstore.Patch{
			Status:   &status,
			Metadata: &flowstore.MetadataPatch{ClearError: true},
		}})
		if err != nil {
			return flow, err
		}
	}

	if quoted == nil && len(bytes.TrimSpace(p.PriceParams)) > 0 {
		price, err := s.calculate(ctx, p.PriceParams)
		if err != nil {
			s.logg.Error(ctx, "price calculation failed", err)
			return s.markError(ctx, flowID, CodePricingFailed, "price could not be calculated")
		}
		flow, err = s.flows.UpdateFlow(ctx, flowID, pricedUpdate(price))
		if err != nil {
			return flow, err
		}
	}

	booking, err := s.bookings.CreateBooking(ctx, p.Booking)
	if err != nil {
		s.logg.Error(ctx, "booking creation failed", err)
		return s.markError(ctx, flowID, CodeBookingFailed, "booking could not be created")
	}
	ctx = s.logg.WithBookingID(ctx, booking.ID)

	secret := booking.ClientSecret
	intentID := payments.IntentIDFromClientSecret(secret)
	if secret == "" && flow.Amount > 0 && s.intents != nil {
		intent, err := s.intents.CreatePaymentIntent(ctx, payments.IntentRequest{
			BookingID: booking.ID,
			FlowID:    flowID,
			Amount:    flow.Amount,
			Currency:  flow.Currency,
			Metadata:  map[string]string{"flowId": flowID},
		})
		if err != nil {
			s.logg.Error(ctx, "payment intent creation failed", err)
			return s.markError(ctx, flowID, CodeIntentFailed, "payment could not be prepared")
		}
		secret, intentID = intent.ClientSecret, intent.ID
	}

	flow, err = s.flows.UpdateFlow(ctx, flowID, bookedUpdate(booking.ID, secret, intentID, flow.Amount == 0 && secret == ""))
	if err != nil {
		return flow, err
	}
	if err := s.subscribe(ctx, flow); err != nil {
		return flow, err
	}
	if flow.Status.IsTerminal() {
		// settled at start, so no binding will ever write it
		s.put(ctx, flow)
	}
	s.logg.Info(s.logg.WithField(ctx, "status", flow.Status.String()), "payment flow started")
	return flow, nil
}

func pricedUpdate(price pricing.PaymentPrice) orchestrator.FlowUpdate {
	return orchestrator.FlowUpdate{Patch: flowstore.Patch{
		Amount:   &price.AmountMinor,
		Currency: &price.Currency,
		Metadata: &flowstore.MetadataPatch{Extra: map[string]any{"price": &price}},
	}}
}

// bookedUpdate records the created booking. A booking without a secret and without an
// amount to collect is free and completes immediately.
func bookedUpdate(bookingID, secret, intentID string, free bool) orchestrator.FlowUpdate {
	var (
		status = enums.FlowStatusRequiresPaymentMethod
		modal  = enums.ModalStatePaymentPending
		step   = enums.PaymentStepMethod
	)
	if free {
		status = enums.FlowStatusSucceeded
		modal = enums.ModalStatePaymentComplete
		step = enums.PaymentStepConfirmation
	}
	patch := flowstore.Patch{
		Status:    &status,
		BookingID: &bookingID,
		Metadata: &flowstore.MetadataPatch{
			ModalState:  &modal,
			PaymentStep: &step,
			ClearError:  true,
		},
	}
	if secret != "" {
		patch.ClientSecret = &secret
	}
	if intentID != "" {
		patch.PaymentIntentID = &intentID
	}
	return orchestrator.FlowUpdate{Patch: patch, AllowTerminal: free}
}

// quote normalizes a price the caller already holds. A price that cannot be read is
// malformed input.
func (s *Service) quote(ctx context.Context, p StartParams) (*pricing.PaymentPrice, error) {
	if len(bytes.TrimSpace(p.Price)) == 0 {
		if len(bytes.TrimSpace(p.PriceParams)) > 0 && s.pricer == nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "price calculation is not available")
		}
		return nil, nil
	}
	price, err := s.normalizer.FormatForPayment(p.Price)
	if err != nil {
		s.logg.Warn(ctx, "price response rejected")
		return nil, err
	}
	return &price, nil
}

// calculate asks the pricing collaborator. Its failures, including a response that cannot
// be normalized, are recorded on the flow.
func (s *Service) calculate(ctx context.Context, params json.RawMessage) (pricing.PaymentPrice, error) {
	raw, err := s.pricer.CalculatePrice(ctx, params)
	if err != nil {
		return pricing.PaymentPrice{}, err
	}
	return s.normalizer.FormatForPayment(raw)
}

func (s *Service) markError(ctx context.Context, flowID, code, message string) (flowstore.Flow, error) {
	status := enums.FlowStatusError
	return s.flows.UpdateFlow(ctx, flowID, orchestrator.FlowUpdate{Patch: flowstore.Patch{
		Status: &status,
		Metadata: &flowstore.MetadataPatch{
			Error: &flowstore.FlowError{Message: message, Code: code, Recoverable: true},
		},
	}})
}

func (s *Service) subscribe(ctx context.Context, flow flowstore.Flow) error {
	if flow.BookingID == "" || flow.Status.IsTerminal() {
		return nil
	}
	return s.bridge.Subscribe(ctx, flow.ID, flow.BookingID, nil)
}

func (s *Service) put(ctx context.Context, flow flowstore.Flow) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(context.WithoutCancel(ctx), flow); err != nil {
		s.logg.Warn(ctx, "booking snapshot not cached")
	}
}

// HandlePaymentConfirmation confirms paymentMethodID against the flow's booking.
func (s *Service) HandlePaymentConfirmation(ctx context.Context, flowID, paymentMethodID string) (flowstore.Flow, error) {
	return s.flows.ConfirmPayment(ctx, flowID, paymentMethodID)
}

// ResetFlow drops the flow's realtime subscription and cached snapshot and returns it to
// initializing.
func (s *Service) ResetFlow(ctx context.Context, flowID string) (flowstore.Flow, error) {
	current, ok := s.flows.Get(flowID)
	if ok {
		s.bridge.Unsubscribe(flowID)
		s.invalidate(ctx, current.BookingID)
	}
	return s.flows.ResetFlow(ctx, flowID)
}

// CancelFlow cancels the flow at the user's request. The cancelled snapshot stays cached.
func (s *Service) CancelFlow(ctx context.Context, flowID, reason string) (flowstore.Flow, error) {
	flow, err := s.flows.CancelFlow(ctx, flowID, reason)
	if err != nil {
		return flow, err
	}
	s.bridge.Unsubscribe(flowID)
	return flow, nil
}

// HandleVisibilityChange records the payment widget's mount state.
func (s *Service) HandleVisibilityChange(ctx context.Context, flowID string, state enums.VisibilityState, info map[string]any) (flowstore.Flow, error) {
	return s.flows.HandleVisibilityChange(ctx, flowID, state, info)
}

// Cleanup removes the flow unless it is preserved and force is unset. The bridge releases
// the realtime subscription once the flow is gone.
func (s *Service) Cleanup(ctx context.Context, flowID string, force bool) error {
	return s.flows.HandleCleanup(ctx, flowID, orchestrator.CleanupOptions{Force: force, Reason: "client"})
}

// Active reports whether flowID is still held in memory.
func (s *Service) Active(flowID string) bool {
	_, ok := s.flows.Get(flowID)
	return ok
}

// Lookup resolves id as a flow id, then as a booking id: the live flow wins, then the
// booking's cached snapshot.
func (s *Service) Lookup(ctx context.Context, id string) (flowstore.Flow, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return flowstore.Flow{}, pkgerrors.New(pkgerrors.CodeValidation, "flow id is required")
	}
	if flow, ok := s.flows.Get(id); ok {
		return flow, nil
	}
	if flow, ok := s.flows.FindByBooking(id); ok {
		return flow, nil
	}
	if s.cache != nil {
		flow, ok, err := s.cache.Get(ctx, id)
		if err != nil {
			return flowstore.Flow{}, err
		}
		if ok {
			return flow, nil
		}
	}
	return flowstore.Flow{}, pkgerrors.New(pkgerrors.CodeNotFound, "payment flow not found").
		WithDetails(map[string]any{"flowId": id})
}

func (s *Service) invalidate(ctx context.Context, bookingID string) {
	if s.cache == nil || bookingID == "" {
		return
	}
	if err := s.cache.Invalidate(ctx, bookingID); err != nil {
		s.logg.Warn(s.logg.WithBookingID(ctx, bookingID), "booking snapshot not invalidated")
	}
}

var _ snapshotCache = (*bookingcache.Cache)(nil)
