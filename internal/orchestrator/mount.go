package orchestrator

import (
	"context"
	"strings"
	"sync"

	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	"github.com/angelmondragon/coaching-payflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
)

// mountBarrier is released once, either mounted (the widget became visible) or not
// (the flow was cleaned up while a caller was waiting).
type mountBarrier struct {
	done    chan struct{}
	once    sync.Once
	mounted bool
}

func newMountBarrier() *mountBarrier {
	return &mountBarrier{done: make(chan struct{})}
}

func (b *mountBarrier) release(mounted bool) {
	b.once.Do(func() {
		b.mounted = mounted
		close(b.done)
	})
}

func (b *mountBarrier) released() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) barrier(flowID string) *mountBarrier {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.barriers[flowID]
	if !ok {
		b = newMountBarrier()
		o.barriers[flowID] = b
	}
	return b
}

func (o *Orchestrator) releaseBarrier(flowID string, mounted bool) {
	o.barrier(flowID).release(mounted)
}

// rearmBarrier forgets a released barrier so the next wait blocks until the widget mounts again.
func (o *Orchestrator) rearmBarrier(flowID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if b, ok := o.barriers[flowID]; ok && b.released() {
		delete(o.barriers, flowID)
	}
}

func (o *Orchestrator) dropBarrier(flowID string) {
	o.mu.Lock()
	b, ok := o.barriers[flowID]
	delete(o.barriers, flowID)
	o.mu.Unlock()
	if ok {
		b.release(false)
	}
}

// WaitForMountCompletion blocks until the payment widget for the flow is visible. It returns
// false without an error when the mount timeout elapses or the flow is cleaned up meanwhile.
func (o *Orchestrator) WaitForMountCompletion(ctx context.Context, flowID string) (bool, error) {
	if strings.TrimSpace(flowID) == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "flow id is required")
	}

	b := o.barrier(flowID)
	flow, ok := o.store.Get(flowID)
	if !ok {
		o.dropBarrier(flowID)
		return false, pkgerrors.New(pkgerrors.CodeNotFound, "payment flow not found").
			WithDetails(map[string]any{"flowId": flowID})
	}
	if flow.VisibilityState == enums.VisibilityVisible {
		b.release(true)
	}

	timer := o.clock.Timer(o.mountTimeout)
	defer timer.Stop()

	select {
	case <-b.done:
		if b.mounted {
			o.metrics.ObserveMount("mounted")
		} else {
			o.metrics.ObserveMount("aborted")
		}
		return b.mounted, nil
	case <-timer.C:
		o.metrics.ObserveMount("timeout")
		o.logg.Warn(o.logg.WithFields(ctx, map[string]any{
			"flow_id": flowID,
			"timeout": o.mountTimeout.String(),
		}), "payment widget mount timed out")
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// HandleVisibilityChange records the widget's visibility and merges info into the flow's
// extra metadata. Status is never changed here.
func (o *Orchestrator) HandleVisibilityChange(ctx context.Context, flowID string, state enums.VisibilityState, info map[string]any) (flowstore.Flow, error) {
	if strings.TrimSpace(flowID) == "" {
		return flowstore.Flow{}, pkgerrors.New(pkgerrors.CodeValidation, "flow id is required")
	}
	if !state.IsValid() {
		return flowstore.Flow{}, pkgerrors.New(pkgerrors.CodeValidation, "unknown visibility state").
			WithDetails(map[string]any{"visibilityState": string(state)})
	}

	ctx = o.logg.WithFlowID(ctx, flowID)
	patch := flowstore.Patch{VisibilityState: &state}
	if len(info) > 0 {
		patch.Metadata = &flowstore.MetadataPatch{Extra: info}
	}
	flow, err := o.store.Update(flowID, func(cur flowstore.Flow) (flowstore.Flow, error) {
		return o.stamp(cur, patch.Apply(cur)), nil
	})
	if err != nil {
		return flow, o.updateError(ctx, flowID, err)
	}

	switch state {
	case enums.VisibilityVisible:
		o.releaseBarrier(flowID, true)
	case enums.VisibilityHidden, enums.VisibilityUnmounting:
		o.rearmBarrier(flowID)
	}
	o.logg.Debug(o.logg.WithField(ctx, "visibility_state", state.String()), "visibility changed")
	return flow, nil
}
