package orchestrator

import (
	"context"
	"strings"

	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	"github.com/angelmondragon/coaching-payflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
)

// CleanupOptions controls HandleCleanup.
type CleanupOptions struct {
	Force  bool
	Reason string
}

type inflightCall struct {
	cancel context.CancelFunc
}

// trackInflight registers a cancellable context for the flow's confirmation call. The
// returned release func must be called once the call settles.
func (o *Orchestrator) trackInflight(ctx context.Context, flowID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	call := &inflightCall{cancel: cancel}

	o.mu.Lock()
	if prev, ok := o.inflight[flowID]; ok {
		prev.cancel()
	}
	o.inflight[flowID] = call
	o.mu.Unlock()

	return runCtx, func() {
		o.mu.Lock()
		if o.inflight[flowID] == call {
			delete(o.inflight, flowID)
		}
		o.mu.Unlock()
		cancel()
	}
}

func (o *Orchestrator) cancelInflight(flowID string) {
	o.mu.Lock()
	call, ok := o.inflight[flowID]
	delete(o.inflight, flowID)
	o.mu.Unlock()
	if ok {
		call.cancel()
	}
}

func (o *Orchestrator) stopPending(flow flowstore.Flow) {
	for _, key := range retryKeys(flow) {
		o.retries.Cancel(key)
	}
	o.cancelInflight(flow.ID)
}

// HandleCleanup tears a flow down: pending retries are cancelled, an in-flight confirmation
// is abandoned and the flow is removed. A flow marked preserveOnUnmount survives unless
// Force is set. Cleaning up a missing flow is a no-op.
func (o *Orchestrator) HandleCleanup(ctx context.Context, flowID string, opts CleanupOptions) error {
	if strings.TrimSpace(flowID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "flow id is required")
	}
	ctx = o.logg.WithFields(o.logg.WithFlowID(ctx, flowID), map[string]any{
		"force":  opts.Force,
		"reason": opts.Reason,
	})

	flow, ok := o.store.Get(flowID)
	if !ok {
		o.retries.Cancel(flowID)
		o.cancelInflight(flowID)
		o.dropBarrier(flowID)
		return nil
	}
	if flow.Metadata.PreserveOnUnmount && !opts.Force {
		o.logg.Info(ctx, "cleanup deferred; flow preserved on unmount")
		return nil
	}

	o.stopPending(flow)
	if o.store.Remove(flowID) {
		o.logg.Info(ctx, "payment flow cleaned up")
	}
	o.dropBarrier(flowID)
	o.metrics.SetActiveFlows(o.store.Len())
	return nil
}

// CancelFlow moves a non-terminal flow to cancelled; entering a terminal status stops its
// retries. Cancelling an already cancelled flow returns it unchanged.
func (o *Orchestrator) CancelFlow(ctx context.Context, flowID, reason string) (flowstore.Flow, error) {
	status := enums.FlowStatusCancelled
	patch := flowstore.Patch{Status: &status}
	if reason = strings.TrimSpace(reason); reason != "" {
		patch.Metadata = &flowstore.MetadataPatch{Extra: map[string]any{"cancelReason": reason}}
	}

	flow, err := o.UpdateFlow(ctx, flowID, FlowUpdate{Patch: patch})
	if err != nil {
		return flow, err
	}
	o.logg.Info(o.logg.WithFlowID(ctx, flowID), "payment flow cancelled")
	return flow, nil
}

// ResetFlow returns a flow to initializing, clearing its booking, secret, error and retry
// budget so a new payment can start. It is the only way out of a terminal status.
func (o *Orchestrator) ResetFlow(ctx context.Context, flowID string) (flowstore.Flow, error) {
	if strings.TrimSpace(flowID) == "" {
		return flowstore.Flow{}, pkgerrors.New(pkgerrors.CodeValidation, "flow id is required")
	}
	current, ok := o.store.Get(flowID)
	if !ok {
		return flowstore.Flow{}, pkgerrors.New(pkgerrors.CodeNotFound, "payment flow not found").
			WithDetails(map[string]any{"flowId": flowID})
	}
	o.stopPending(current)

	var (
		status = enums.FlowStatusInitializing
		empty  = ""
		zero   = 0
		modal  = enums.ModalStateBooking
		step   = enums.PaymentStepSession
	)
	flow, err := o.UpdateFlow(ctx, flowID, FlowUpdate{
		Force: true,
		Patch: flowstore.Patch{
			Status:          &status,
			ClientSecret:    &empty,
			BookingID:       &empty,
			PaymentIntentID: &empty,
			Metadata: &flowstore.MetadataPatch{
				ModalState:      &modal,
				PaymentStep:     &step,
				RetryCount:      &zero,
				PaymentMethodID: &empty,
				ClearError:      true,
			},
		},
	})
	if err != nil {
		return flow, err
	}
	o.logg.Info(o.logg.WithFlowID(ctx, flowID), "payment flow reset")
	return flow, nil
}
