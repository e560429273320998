package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	"github.com/angelmondragon/coaching-payflow/internal/payments"
	"github.com/angelmondragon/coaching-payflow/internal/retry"
	"github.com/angelmondragon/coaching-payflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
)

// Error codes recorded in flow metadata by the orchestrator itself.
const (
	CodeMountTimeout     = "mount_timeout"
	CodeRetriesExhausted = "retries_exhausted"
)

var errStaleFlow = errors.New("flow status no longer accepts this update")

var scheduleFrom = newStatusSet(enums.FlowStatusProcessing, enums.FlowStatusTimeout)

// ConfirmPayment waits for the payment widget to mount, then confirms paymentMethodID
// against the flow's booking. Declines and timeouts are recorded on the flow, and retried
// when recoverable, rather than returned as errors.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, flowID, paymentMethodID string) (flowstore.Flow, error) {
	if strings.TrimSpace(flowID) == "" {
		return flowstore.Flow{}, pkgerrors.New(pkgerrors.CodeValidation, "flow id is required")
	}
	paymentMethodID = strings.TrimSpace(paymentMethodID)
	if paymentMethodID == "" {
		return flowstore.Flow{}, pkgerrors.New(pkgerrors.CodeValidation, "payment method id is required")
	}
	ctx = o.logg.WithFlowID(ctx, flowID)

	flow, ok := o.store.Get(flowID)
	if !ok {
		return flowstore.Flow{}, pkgerrors.New(pkgerrors.CodeNotFound, "payment flow not found").
			WithDetails(map[string]any{"flowId": flowID})
	}
	if flow.BookingID == "" && flow.ClientSecret == "" {
		return flow, pkgerrors.New(pkgerrors.CodeValidation, "booking id is required before confirming payment")
	}
	if !confirmableStatuses.has(flow.Status) {
		o.logg.Warn(o.logg.WithField(ctx, "status", flow.Status.String()), "confirmation rejected for flow status")
		return flow, pkgerrors.New(pkgerrors.CodeStateConflict, "flow is not awaiting confirmation").
			WithDetails(map[string]any{"status": flow.Status.String()})
	}

	mounted, err := o.WaitForMountCompletion(ctx, flowID)
	if err != nil {
		return flow, err
	}
	if !mounted {
		return o.recordMountTimeout(ctx, flowID)
	}

	updated, _, err := o.attempt(context.WithoutCancel(ctx), flowID, paymentMethodID, 1, confirmableStatuses)
	if err != nil {
		return updated, pkgerrors.Wrap(pkgerrors.CodeStateConflict, err, "flow is not awaiting confirmation")
	}
	return updated, nil
}

func (o *Orchestrator) recordMountTimeout(ctx context.Context, flowID string) (flowstore.Flow, error) {
	patch := flowstore.Patch{Metadata: &flowstore.MetadataPatch{Error: &flowstore.FlowError{
		Message:     "payment widget did not mount in time",
		Code:        CodeMountTimeout,
		Recoverable: true,
	}}}
	flow, err := o.store.Update(flowID, func(cur flowstore.Flow) (flowstore.Flow, error) {
		return o.stamp(cur, patch.Apply(cur)), nil
	})
	if err != nil {
		return flow, o.updateError(ctx, flowID, err)
	}
	return flow, nil
}

// attempt moves the flow to processing, calls the confirmer under the confirmation timeout
// and settles the outcome. A flow cleaned up or cancelled while the call is in flight is
// left alone.
func (o *Orchestrator) attempt(ctx context.Context, flowID, paymentMethodID string, attemptNo int, from statusSet) (flowstore.Flow, payments.Outcome, error) {
	var (
		processing = enums.FlowStatusProcessing
		step       = enums.PaymentStepProcessing
		modal      = enums.ModalStatePaymentActive
	)
	flow, ok := o.transitionFrom(ctx, flowID, from, flowstore.Patch{
		Status: &processing,
		Metadata: &flowstore.MetadataPatch{
			ModalState:      &modal,
			PaymentStep:     &step,
			PaymentMethodID: &paymentMethodID,
			ClearError:      true,
		},
	})
	if !ok {
		return flow, payments.Outcome{}, errStaleFlow
	}

	req := payments.ConfirmRequest{
		FlowID:          flowID,
		BookingID:       flow.BookingID,
		PaymentMethodID: paymentMethodID,
		PaymentIntentID: flow.PaymentIntentID,
		ClientSecret:    flow.ClientSecret,
		Attempt:         attemptNo,
	}

	runCtx, release := o.trackInflight(ctx, flowID)
	res, callErr := o.callConfirmer(runCtx, req)
	abandoned := runCtx.Err() != nil
	release()

	if abandoned {
		o.metrics.ObserveConfirmation("abandoned")
		o.logg.Info(ctx, "confirmation result discarded; flow torn down while in flight")
		current, _ := o.store.Get(flowID)
		return current, payments.Outcome{}, nil
	}

	outcome := payments.Classify(res, callErr)
	o.metrics.ObserveConfirmation(string(outcome.Kind))
	o.logg.Info(o.logg.WithFields(ctx, map[string]any{
		"attempt":     attemptNo,
		"outcome":     string(outcome.Kind),
		"code":        outcome.Code,
		"recoverable": outcome.Recoverable,
	}), "payment confirmation settled")

	settled := o.settle(ctx, flowID, paymentMethodID, outcome)
	return settled, outcome, nil
}

type confirmReply struct {
	res payments.ConfirmResult
	err error
}

// callConfirmer bounds the collaborator call by the confirmation timeout even when the
// confirmer ignores its context.
func (o *Orchestrator) callConfirmer(ctx context.Context, req payments.ConfirmRequest) (payments.ConfirmResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.confirmTimeout)
	defer cancel()

	replies := make(chan confirmReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				replies <- confirmReply{err: fmt.Errorf("payment confirmer panicked: %v", r)}
			}
		}()
		res, err := o.confirmer.ConfirmPayment(callCtx, req)
		replies <- confirmReply{res: res, err: err}
	}()

	select {
	case reply := <-replies:
		return reply.res, reply.err
	case <-callCtx.Done():
		return payments.ConfirmResult{}, callCtx.Err()
	}
}

// settle applies a classified outcome to a flow that is still processing. Results for a
// flow that moved on meanwhile are dropped.
func (o *Orchestrator) settle(ctx context.Context, flowID, paymentMethodID string, outcome payments.Outcome) flowstore.Flow {
	switch outcome.Kind {
	case payments.OutcomeSucceeded:
		var (
			status = enums.FlowStatusSucceeded
			modal  = enums.ModalStatePaymentComplete
			step   = enums.PaymentStepConfirmation
		)
		flow, ok := o.transitionFrom(ctx, flowID, settleableStatuses, flowstore.Patch{
			Status:   &status,
			Metadata: &flowstore.MetadataPatch{ModalState: &modal, PaymentStep: &step, ClearError: true},
		})
		if ok {
			for _, key := range retryKeys(flow) {
				o.retries.Cancel(key)
			}
			o.logg.Info(ctx, "payment succeeded")
		}
		return flow

	case payments.OutcomePending:
		flow, _ := o.store.Get(flowID)
		return flow

	case payments.OutcomeRequiresAction:
		var (
			status = enums.FlowStatusRequiresAction
			step   = enums.PaymentStepMethod
		)
		flow, _ := o.transitionFrom(ctx, flowID, settleableStatuses, flowstore.Patch{
			Status:   &status,
			Metadata: &flowstore.MetadataPatch{PaymentStep: &step},
		})
		return flow

	case payments.OutcomeTimedOut:
		status := enums.FlowStatusTimeout
		flow, ok := o.transitionFrom(ctx, flowID, settleableStatuses, flowstore.Patch{
			Status:   &status,
			Metadata: &flowstore.MetadataPatch{Error: outcomeError(outcome, true)},
		})
		if !ok {
			return flow
		}
		return o.scheduleRetry(ctx, flowID, paymentMethodID, outcome)
	}

	if outcome.Recoverable {
		return o.scheduleRetry(ctx, flowID, paymentMethodID, outcome)
	}
	return o.fail(ctx, flowID, outcomeError(outcome, false), nil)
}

// scheduleRetry queues another confirmation attempt. When the retry budget is spent the
// flow fails for good.
func (o *Orchestrator) scheduleRetry(ctx context.Context, flowID, paymentMethodID string, outcome payments.Outcome) flowstore.Flow {
	flow, ok := o.store.Get(flowID)
	if !ok || !scheduleFrom.has(flow.Status) {
		return flow
	}
	key := retryKey(flow)

	var lastErr error
	accepted := o.retries.Enqueue(key, retry.Job{
		Run: o.retryRun(flowID, paymentMethodID),
		OnExhausted: func(_ context.Context, err error) {
			lastErr = err
		},
	})

	if !accepted && o.retries.Exhausted(key) {
		fields := map[string]any{"last_code": outcome.Code}
		if lastErr != nil {
			fields["last_error"] = lastErr.Error()
		}
		o.logg.Warn(o.logg.WithFields(ctx, fields), "payment retries exhausted")
		message := "payment could not be completed after retrying"
		if outcome.Message != "" {
			message = outcome.Message
		}
		return o.fail(ctx, flowID, &flowstore.FlowError{
			Message:     message,
			Code:        CodeRetriesExhausted,
			Recoverable: false,
		}, map[string]any{"lastErrorCode": outcome.Code})
	}

	status := enums.FlowStatusRequiresRetry
	fe := outcomeError(outcome, true)
	var retryCount int
	updated, err := o.store.Update(flowID, func(cur flowstore.Flow) (flowstore.Flow, error) {
		if !scheduleFrom.has(cur.Status) {
			return cur, errStaleFlow
		}
		next := flowstore.Patch{
			Status:   &status,
			Metadata: &flowstore.MetadataPatch{Error: fe},
		}.Apply(cur)
		if accepted {
			next.Metadata.RetryCount = cur.Metadata.RetryCount + 1
		}
		retryCount = next.Metadata.RetryCount
		return o.stamp(cur, next), nil
	})
	if err != nil {
		if accepted {
			o.retries.Cancel(key)
		}
		o.logg.Warn(o.logg.WithField(ctx, "reason", err.Error()), "retry dropped; flow moved on")
		return updated
	}
	o.metrics.ObserveTransition(flow.Status.String(), status.String())

	if !accepted {
		o.logg.Warn(ctx, "retry queue full; relying on pending retry")
		return updated
	}
	o.logg.Info(o.logg.WithField(ctx, "retry_count", retryCount), "payment retry scheduled")
	return updated
}

func (o *Orchestrator) retryRun(flowID, paymentMethodID string) func(ctx context.Context, attempt int) error {
	return func(ctx context.Context, attempt int) error {
		ctx = o.logg.WithField(o.logg.WithFlowID(ctx, flowID), "retry_attempt", attempt)
		_, outcome, err := o.attempt(ctx, flowID, paymentMethodID, attempt+1, retryableStatuses)
		if errors.Is(err, errStaleFlow) {
			o.logg.Debug(ctx, "retry skipped; flow no longer awaiting retry")
			return nil
		}
		if err != nil {
			return err
		}
		switch outcome.Kind {
		case payments.OutcomeFailed, payments.OutcomeTimedOut:
			return fmt.Errorf("%s: %s", outcome.Code, outcome.Message)
		}
		return nil
	}
}

// fail moves a processing or timed-out flow to failed and fires the final-failure callback.
func (o *Orchestrator) fail(ctx context.Context, flowID string, fe *flowstore.FlowError, extra map[string]any) flowstore.Flow {
	var (
		status = enums.FlowStatusFailed
		modal  = enums.ModalStatePaymentFailed
	)
	flow, ok := o.transitionFrom(ctx, flowID, scheduleFrom, flowstore.Patch{
		Status:   &status,
		Metadata: &flowstore.MetadataPatch{ModalState: &modal, Error: fe, Extra: extra},
	})
	if !ok {
		return flow
	}
	for _, key := range retryKeys(flow) {
		o.retries.Cancel(key)
	}
	o.logg.Warn(o.logg.WithFields(ctx, map[string]any{
		"code":        fe.Code,
		"retry_count": flow.Metadata.RetryCount,
	}), "payment failed")
	if o.onFinalFailure != nil {
		o.onFinalFailure(ctx, flow)
	}
	return flow
}

// transitionFrom applies patch only while the flow's status is in from.
func (o *Orchestrator) transitionFrom(ctx context.Context, flowID string, from statusSet, patch flowstore.Patch) (flowstore.Flow, bool) {
	var prev enums.FlowStatus
	flow, err := o.store.Update(flowID, func(cur flowstore.Flow) (flowstore.Flow, error) {
		if !from.has(cur.Status) {
			return cur, errStaleFlow
		}
		prev = cur.Status
		return o.stamp(cur, patch.Apply(cur)), nil
	})
	if err != nil {
		o.logg.Warn(o.logg.WithFields(ctx, map[string]any{
			"status": flow.Status.String(),
			"reason": err.Error(),
		}), "late flow update dropped")
		return flow, false
	}
	if patch.Status != nil && prev != *patch.Status {
		o.metrics.ObserveTransition(prev.String(), patch.Status.String())
	}
	return flow, true
}

func outcomeError(outcome payments.Outcome, recoverable bool) *flowstore.FlowError {
	message := outcome.Message
	if message == "" {
		message = "payment confirmation failed"
	}
	return &flowstore.FlowError{
		Message:     message,
		Code:        outcome.Code,
		Recoverable: recoverable,
	}
}
