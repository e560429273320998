package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	"github.com/angelmondragon/coaching-payflow/internal/payments"
	"github.com/angelmondragon/coaching-payflow/internal/retry"
	"github.com/angelmondragon/coaching-payflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
	"github.com/angelmondragon/coaching-payflow/pkg/logger"
	"github.com/angelmondragon/coaching-payflow/pkg/metrics"
	"github.com/facebookgo/clock"
	"github.com/google/go-cmp/cmp"
)

const (
	DefaultConfirmTimeout = 60 * time.Second
	DefaultMountTimeout   = 10 * time.Second
)

// RetryScheduler is the subset of the retry controller the orchestrator drives.
type RetryScheduler interface {
	Enqueue(key string, job retry.Job) bool
	Cancel(key string) bool
	Exhausted(key string) bool
}

// FinalFailureFunc is invoked once when a flow fails with no retry left.
type FinalFailureFunc func(ctx context.Context, flow flowstore.Flow)

// Params wires an Orchestrator.
type Params struct {
	Store           *flowstore.Store
	Retries         RetryScheduler
	Confirmer       payments.Confirmer
	Clock           clock.Clock
	Logger          *logger.Logger
	Metrics         *metrics.PaymentFlowMetrics
	ConfirmTimeout  time.Duration
	MountTimeout    time.Duration
	DefaultCurrency enums.Currency
	OnFinalFailure  FinalFailureFunc
}

// Orchestrator is the payment flow state machine. Every status change goes through it.
type Orchestrator struct {
	store           *flowstore.Store
	retries         RetryScheduler
	confirmer       payments.Confirmer
	clock           clock.Clock
	logg            *logger.Logger
	metrics         *metrics.PaymentFlowMetrics
	confirmTimeout  time.Duration
	mountTimeout    time.Duration
	defaultCurrency enums.Currency
	onFinalFailure  FinalFailureFunc

	mu       sync.Mutex
	barriers map[string]*mountBarrier
	inflight map[string]*inflightCall
}

// New builds the orchestrator.
func New(p Params) (*Orchestrator, error) {
	if p.Store == nil {
		return nil, fmt.Errorf("flow store required")
	}
	if p.Retries == nil {
		return nil, fmt.Errorf("retry scheduler required")
	}
	if p.Confirmer == nil {
		return nil, fmt.Errorf("payment confirmer required")
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.ConfirmTimeout <= 0 {
		p.ConfirmTimeout = DefaultConfirmTimeout
	}
	if p.MountTimeout <= 0 {
		p.MountTimeout = DefaultMountTimeout
	}
	if !p.DefaultCurrency.IsValid() {
		p.DefaultCurrency = enums.CurrencyCHF
	}
	return &Orchestrator{
		store:           p.Store,
		retries:         p.Retries,
		confirmer:       p.Confirmer,
		clock:           p.Clock,
		logg:            p.Logger,
		metrics:         p.Metrics,
		confirmTimeout:  p.ConfirmTimeout,
		mountTimeout:    p.MountTimeout,
		defaultCurrency: p.DefaultCurrency,
		onFinalFailure:  p.OnFinalFailure,
		barriers:        make(map[string]*mountBarrier),
		inflight:        make(map[string]*inflightCall),
	}, nil
}

// InitParams describes a new flow. Amount is in minor units and may be zero before the
// booking is priced.
type InitParams struct {
	FlowID            string
	Amount            int64
	Currency          enums.Currency
	BookingID         string
	Timing            map[string]any
	PreserveOnUnmount bool
	Metadata          map[string]any
}

// InitializePayment creates the flow, or returns the existing one unchanged when the id is
// already registered.
func (o *Orchestrator) InitializePayment(ctx context.Context, p InitParams) (flowstore.Flow, error) {
	flowID := strings.TrimSpace(p.FlowID)
	if flowID == "" {
		return flowstore.Flow{}, pkgerrors.New(pkgerrors.CodeValidation, "flow id is required")
	}
	if p.Amount < 0 {
		return flowstore.Flow{}, pkgerrors.New(pkgerrors.CodeValidation, "amount must not be negative").
			WithDetails(map[string]any{"amount": p.Amount})
	}
	currency := p.Currency
	if currency == "" {
		currency = o.defaultCurrency
	}
	if !currency.IsValid() {
		return flowstore.Flow{}, pkgerrors.New(pkgerrors.CodeValidation, "unsupported currency").
			WithDetails(map[string]any{"currency": string(p.Currency)})
	}

	ctx = o.logg.WithFlowID(ctx, flowID)
	now := o.clock.Now()

	extra := make(map[string]any, len(p.Metadata)+1)
	for key, value := range p.Metadata {
		extra[key] = value
	}
	if len(p.Timing) > 0 {
		extra["timing"] = p.Timing
	}
	if len(extra) == 0 {
		extra = nil
	}

	flow, created := o.store.Create(flowID, flowstore.Flow{
		ID:              flowID,
		Status:          enums.FlowStatusInitializing,
		Amount:          p.Amount,
		Currency:        currency,
		BookingID:       strings.TrimSpace(p.BookingID),
		VisibilityState: enums.VisibilityHidden,
		Metadata: flowstore.Metadata{
			ModalState:        enums.ModalStateBooking,
			PaymentStep:       enums.PaymentStepSession,
			PreserveOnUnmount: p.PreserveOnUnmount,
			PreviousState:     enums.FlowStatusInitial,
			Timestamp:         now,
			Extra:             extra,
		},
	})
	if !created {
		o.logg.Debug(ctx, "payment flow already initialized")
		return flow, nil
	}

	o.metrics.ObserveTransition(enums.FlowStatusInitial.String(), enums.FlowStatusInitializing.String())
	o.metrics.SetActiveFlows(o.store.Len())
	o.logg.Info(o.logg.WithFields(ctx, map[string]any{
		"amount":   p.Amount,
		"currency": currency.String(),
	}), "payment flow initialized")
	return flow, nil
}

// FlowUpdate is a requested change. Force bypasses the transition table, terminal
// absorption and the client-secret guard. AllowTerminal lets a non-terminal flow jump
// straight to a terminal status, for updates from an authoritative source; it never
// lets a flow leave a terminal status.
type FlowUpdate struct {
	Patch         flowstore.Patch
	Force         bool
	AllowTerminal bool
}

// UpdateFlow applies update through the state machine. Rejected transitions return a
// STATE_CONFLICT error and leave the flow untouched.
func (o *Orchestrator) UpdateFlow(ctx context.Context, flowID string, update FlowUpdate) (flowstore.Flow, error) {
	if strings.TrimSpace(flowID) == "" {
		return flowstore.Flow{}, pkgerrors.New(pkgerrors.CodeValidation, "flow id is required")
	}
	if update.Patch.Status != nil && !update.Patch.Status.IsValid() {
		return flowstore.Flow{}, pkgerrors.New(pkgerrors.CodeValidation, "unknown flow status").
			WithDetails(map[string]any{"status": string(*update.Patch.Status)})
	}

	ctx = o.logg.WithFlowID(ctx, flowID)
	var from, to enums.FlowStatus
	flow, err := o.store.Update(flowID, func(cur flowstore.Flow) (flowstore.Flow, error) {
		from = cur.Status
		next := update.Patch.Apply(cur)
		to = next.Status
		if err := checkUpdate(cur, next, update); err != nil {
			return cur, err
		}
		return o.stamp(cur, next), nil
	})
	if err != nil {
		return flow, o.updateError(ctx, flowID, err)
	}
	if from != to {
		o.metrics.ObserveTransition(from.String(), to.String())
		if to.IsTerminal() {
			o.stopPending(flow)
			if to == enums.FlowStatusFailed && o.onFinalFailure != nil {
				o.onFinalFailure(ctx, flow)
			}
		}
	}
	return flow, nil
}

func checkUpdate(cur, next flowstore.Flow, update FlowUpdate) error {
	if update.Force {
		return nil
	}
	if cur.Status != next.Status {
		skipTable := update.AllowTerminal && !cur.Status.IsTerminal() && next.Status.IsTerminal()
		if !skipTable && !CanTransition(cur.Status, next.Status) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "flow status transition rejected").
				WithDetails(map[string]any{"from": cur.Status.String(), "to": next.Status.String()})
		}
	}
	if cur.ClientSecret != "" && next.ClientSecret != cur.ClientSecret {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "client secret already set")
	}
	return nil
}

// stamp records the audit fields on next. An update that changes nothing is returned as cur
// so the store does not notify.
func (o *Orchestrator) stamp(cur, next flowstore.Flow) flowstore.Flow {
	if cmp.Equal(cur, next) {
		return cur
	}
	if next.Status != cur.Status {
		next.Metadata.PreviousState = cur.Status
	}
	next.Metadata.Timestamp = o.clock.Now()
	return next
}

func (o *Orchestrator) updateError(ctx context.Context, flowID string, err error) error {
	if errors.Is(err, flowstore.ErrFlowNotFound) {
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "payment flow not found").
			WithDetails(map[string]any{"flowId": flowID})
	}
	if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeStateConflict {
		fields := map[string]any{"reason": typed.Message()}
		if details, ok := typed.Details().(map[string]any); ok {
			for key, value := range details {
				fields[key] = value
			}
		}
		o.logg.Warn(o.logg.WithFields(ctx, fields), "flow update rejected")
	}
	return err
}

// SubscribeToState registers cb for every change to the flow. cb runs once immediately when
// the flow exists and receives a Removed event after cleanup.
func (o *Orchestrator) SubscribeToState(flowID string, cb flowstore.Callback) (func(), error) {
	if strings.TrimSpace(flowID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "flow id is required")
	}
	if cb == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "callback is required")
	}
	return o.store.Subscribe(flowID, cb), nil
}

// Get returns a copy of the flow.
func (o *Orchestrator) Get(flowID string) (flowstore.Flow, bool) {
	return o.store.Get(flowID)
}

// FindByBooking returns the live flow bound to bookingID.
func (o *Orchestrator) FindByBooking(bookingID string) (flowstore.Flow, bool) {
	return o.store.FindByBooking(strings.TrimSpace(bookingID))
}

// List returns every registered flow.
func (o *Orchestrator) List() []flowstore.Flow {
	return o.store.List()
}

func retryKeys(flow flowstore.Flow) []string {
	keys := []string{flow.ID}
	if flow.BookingID != "" && flow.BookingID != flow.ID {
		keys = append([]string{flow.BookingID}, keys...)
	}
	return keys
}

func retryKey(flow flowstore.Flow) string {
	return retryKeys(flow)[0]
}
