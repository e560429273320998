package flowhook

import (
	"context"
	"strings"
	"sync"

	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	"github.com/angelmondragon/coaching-payflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
)

// Hook is bound to one flow. Its read accessors are derived from the flow's subscription
// only; it keeps no state of its own beyond the last event it saw.
type Hook struct {
	svc    *Service
	flowID string

	mu          sync.RWMutex
	latest      flowstore.Flow
	exists      bool
	onChange    func(flowstore.Event)
	unsubscribe func()
	closed      bool
}

// Bind subscribes a hook to flowID. The flow does not have to exist yet. onChange, when set,
// receives every event after the hook has recorded it.
func (s *Service) Bind(flowID string, onChange func(flowstore.Event)) (*Hook, error) {
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "flow id is required")
	}
	h := &Hook{svc: s, flowID: flowID, onChange: onChange}
	unsubscribe, err := s.flows.SubscribeToState(flowID, h.observe)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.unsubscribe = unsubscribe
	h.mu.Unlock()
	return h, nil
}

func (h *Hook) observe(event flowstore.Event) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if event.Removed {
		h.latest = flowstore.Flow{}
		h.exists = false
	} else {
		h.latest = event.Flow
		h.exists = true
	}
	onChange := h.onChange
	h.mu.Unlock()

	if onChange != nil {
		onChange(event)
	}
}

// FlowID returns the bound flow id.
func (h *Hook) FlowID() string { return h.flowID }

// StartPaymentFlow starts the bound flow.
func (h *Hook) StartPaymentFlow(ctx context.Context, p StartParams) (flowstore.Flow, error) {
	p.FlowID = h.flowID
	return h.svc.StartPaymentFlow(ctx, p)
}

// HandlePaymentConfirmation confirms the bound flow.
func (h *Hook) HandlePaymentConfirmation(ctx context.Context, paymentMethodID string) (flowstore.Flow, error) {
	return h.svc.HandlePaymentConfirmation(ctx, h.flowID, paymentMethodID)
}

// ResetFlow resets the bound flow.
func (h *Hook) ResetFlow(ctx context.Context) (flowstore.Flow, error) {
	return h.svc.ResetFlow(ctx, h.flowID)
}

// Flow returns the last observed flow.
func (h *Hook) Flow() (flowstore.Flow, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest.Clone(), h.exists
}

// IsProcessing reports whether a confirmation is in flight.
func (h *Hook) IsProcessing() bool {
	return h.CurrentStatus() == enums.FlowStatusProcessing
}

// CurrentStatus returns the last observed status, or empty when the flow does not exist.
func (h *Hook) CurrentStatus() enums.FlowStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.exists {
		return ""
	}
	return h.latest.Status
}

// LastError returns the last observed error descriptor.
func (h *Hook) LastError() *flowstore.FlowError {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.exists {
		return nil
	}
	return h.latest.LastError()
}

// Close stops observing the flow. The flow itself is left alone.
func (h *Hook) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	unsubscribe := h.unsubscribe
	h.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
