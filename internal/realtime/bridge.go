package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	"github.com/angelmondragon/coaching-payflow/internal/orchestrator"
	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
	"github.com/angelmondragon/coaching-payflow/pkg/logger"
	"github.com/angelmondragon/coaching-payflow/pkg/metrics"
)

// Push results recorded in metrics and returned by HandlePush.
const (
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultStale     = "stale"
	ResultFlowGone  = "flow_gone"
	ResultInvalid   = "invalid"
)

const cacheWriteTimeout = 2 * time.Second

type flowUpdater interface {
	Get(flowID string) (flowstore.Flow, bool)
	UpdateFlow(ctx context.Context, flowID string, update orchestrator.FlowUpdate) (flowstore.Flow, error)
	SubscribeToState(flowID string, cb flowstore.Callback) (func(), error)
}

type snapshotCache interface {
	Put(ctx context.Context, flow flowstore.Flow) error
	Invalidate(ctx context.Context, bookingID string) error
}

// BridgeParams wires a Bridge. Cache is optional.
type BridgeParams struct {
	Flows   flowUpdater
	Channel Channel
	Cache   snapshotCache
	Logger  *logger.Logger
	Metrics *metrics.PaymentFlowMetrics
}

// Bridge forwards booking pushes into flows through the orchestrator.
type Bridge struct {
	flows   flowUpdater
	channel Channel
	cache   snapshotCache
	logg    *logger.Logger
	metrics *metrics.PaymentFlowMetrics

	mu       sync.Mutex
	bindings map[string]*binding
}

type binding struct {
	bookingID   string
	onUpdate    func(flowstore.Flow)
	unsubscribe func()
	stopState   func()
}

// release must only be called once the binding has left the bindings map.
func (bound *binding) release() {
	bound.unsubscribe()
	if bound.stopState != nil {
		bound.stopState()
	}
}

// NewBridge builds the realtime bridge.
func NewBridge(p BridgeParams) (*Bridge, error) {
	if p.Flows == nil {
		return nil, fmt.Errorf("flow updater required")
	}
	if p.Channel == nil {
		return nil, fmt.Errorf("realtime channel required")
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	return &Bridge{
		flows:    p.Flows,
		channel:  p.Channel,
		cache:    p.Cache,
		logg:     p.Logger,
		metrics:  p.Metrics,
		bindings: make(map[string]*binding),
	}, nil
}

// Subscribe binds flowID to the pushes of bookingID. Calling it again for the same pair only
// replaces onUpdate; a different booking replaces the subscription.
//
// While bound, every change to the flow is mirrored into the booking cache, whoever made
// it. Removing the flow from the orchestrator releases the binding.
func (b *Bridge) Subscribe(ctx context.Context, flowID, bookingID string, onUpdate func(flowstore.Flow)) error {
	flowID = strings.TrimSpace(flowID)
	bookingID = strings.TrimSpace(bookingID)
	if flowID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "flow id is required")
	}
	if bookingID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "booking id is required")
	}

	b.mu.Lock()
	replaced, ok := b.bindings[flowID]
	if ok && replaced.bookingID == bookingID {
		replaced.onUpdate = onUpdate
		b.mu.Unlock()
		return nil
	}
	bound := &binding{bookingID: bookingID, onUpdate: onUpdate}
	bound.unsubscribe = b.channel.Subscribe(bookingID, func(ctx context.Context, push Push) {
		if _, _, err := b.HandlePush(ctx, flowID, push); err != nil {
			b.logg.Error(b.logg.WithFlowID(ctx, flowID), "realtime push failed", err)
		}
	})
	b.bindings[flowID] = bound
	b.mu.Unlock()
	if ok {
		replaced.release()
	}

	// the store delivers the current snapshot synchronously, so no lock may be held here
	stop, err := b.flows.SubscribeToState(flowID, b.trackState(flowID, bound))
	if err != nil {
		b.drop(flowID, bound)
		return err
	}
	b.mu.Lock()
	if b.bindings[flowID] != bound {
		b.mu.Unlock()
		stop()
		return nil
	}
	bound.stopState = stop
	b.mu.Unlock()

	b.logg.Info(b.logg.WithBookingID(b.logg.WithFlowID(ctx, flowID), bookingID), "realtime subscription established")
	return nil
}

// Unsubscribe drops the flow's subscription. It reports whether one existed.
func (b *Bridge) Unsubscribe(flowID string) bool {
	b.mu.Lock()
	bound, ok := b.bindings[flowID]
	delete(b.bindings, flowID)
	b.mu.Unlock()
	if ok {
		bound.release()
	}
	return ok
}

// Bound reports whether flowID currently has a realtime subscription.
func (b *Bridge) Bound(flowID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.bindings[flowID]
	return ok
}

// Close drops every subscription.
func (b *Bridge) Close() {
	b.mu.Lock()
	bindings := b.bindings
	b.bindings = make(map[string]*binding)
	b.mu.Unlock()
	for _, bound := range bindings {
		bound.release()
	}
}

// drop releases bound if it is still the flow's binding.
func (b *Bridge) drop(flowID string, bound *binding) bool {
	b.mu.Lock()
	current, ok := b.bindings[flowID]
	if !ok || current != bound {
		b.mu.Unlock()
		return false
	}
	delete(b.bindings, flowID)
	b.mu.Unlock()
	bound.release()
	return true
}

// trackState keeps the booking cache in line with the flow. Snapshots are written on every
// change, terminal ones included. A flow removed before it settled can no longer follow its
// booking, so its snapshot is invalidated; a settled snapshot stays until its TTL.
func (b *Bridge) trackState(flowID string, bound *binding) flowstore.Callback {
	return func(event flowstore.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()
		ctx = b.logg.WithBookingID(b.logg.WithFlowID(ctx, flowID), bound.bookingID)

		if event.Removed {
			if !event.Flow.Status.IsTerminal() {
				b.invalidate(ctx, bound.bookingID, event.Flow.BookingID)
			}
			if b.drop(flowID, bound) {
				b.logg.Info(ctx, "realtime subscription released with flow")
			}
			return
		}
		if event.Flow.BookingID != bound.bookingID {
			b.invalidate(ctx, bound.bookingID)
		}
		b.put(ctx, event.Flow)
	}
}

// HandlePush applies push to the flow. Pushes for removed flows, repeated terminal statuses
// and transitions the state machine refuses are dropped and reported through the result.
func (b *Bridge) HandlePush(ctx context.Context, flowID string, push Push) (flowstore.Flow, string, error) {
	ctx = b.logg.WithFields(b.logg.WithFlowID(ctx, flowID), map[string]any{
		"booking_id":  push.BookingID,
		"push_status": push.Status.String(),
		"event_id":    push.EventID,
	})

	if push.Status != "" && !push.Status.IsValid() {
		b.metrics.ObservePush(ResultInvalid)
		b.logg.Warn(ctx, "realtime push with unknown status dropped")
		return flowstore.Flow{}, ResultInvalid, nil
	}

	current, ok := b.flows.Get(flowID)
	if !ok {
		b.metrics.ObservePush(ResultFlowGone)
		b.logg.Warn(ctx, "realtime push for missing flow dropped")
		b.Unsubscribe(flowID)
		return flowstore.Flow{}, ResultFlowGone, nil
	}
	if current.Status.IsTerminal() {
		if push.Status == current.Status || push.Status == "" {
			b.metrics.ObservePush(ResultDuplicate)
			b.logg.Debug(ctx, "terminal push already applied")
			return current, ResultDuplicate, nil
		}
		b.metrics.ObservePush(ResultStale)
		b.logg.Warn(b.logg.WithField(ctx, "status", current.Status.String()), "realtime push would leave terminal status; dropped")
		return current, ResultStale, nil
	}

	patch := flowstore.Patch{}
	if push.Status != "" {
		status := push.Status
		patch.Status = &status
	}
	if len(push.Metadata) > 0 || push.Error != nil {
		patch.Metadata = &flowstore.MetadataPatch{Extra: push.Metadata, Error: push.Error}
	}

	updated, err := b.flows.UpdateFlow(ctx, flowID, orchestrator.FlowUpdate{Patch: patch, AllowTerminal: true})
	switch {
	case pkgerrors.IsCode(err, pkgerrors.CodeStateConflict):
		b.metrics.ObservePush(ResultStale)
		b.logg.Warn(b.logg.WithField(ctx, "status", updated.Status.String()), "out-of-order realtime push dropped")
		return updated, ResultStale, nil
	case pkgerrors.IsCode(err, pkgerrors.CodeNotFound):
		b.metrics.ObservePush(ResultFlowGone)
		b.logg.Warn(ctx, "realtime push for missing flow dropped")
		return flowstore.Flow{}, ResultFlowGone, nil
	case err != nil:
		return updated, "", err
	}

	b.metrics.ObservePush(ResultApplied)
	b.notify(flowID, updated)
	return updated, ResultApplied, nil
}

func (b *Bridge) put(ctx context.Context, flow flowstore.Flow) {
	if b.cache == nil {
		return
	}
	if err := b.cache.Put(ctx, flow); err != nil {
		b.logg.Error(ctx, "booking snapshot not cached", err)
	}
}

func (b *Bridge) invalidate(ctx context.Context, bookingIDs ...string) {
	if b.cache == nil {
		return
	}
	seen := make(map[string]struct{}, len(bookingIDs))
	for _, id := range bookingIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if err := b.cache.Invalidate(ctx, id); err != nil {
			b.logg.Error(ctx, "booking cache invalidation failed", err)
		}
	}
}

func (b *Bridge) notify(flowID string, flow flowstore.Flow) {
	b.mu.Lock()
	bound, ok := b.bindings[flowID]
	var cb func(flowstore.Flow)
	if ok {
		cb = bound.onUpdate
	}
	b.mu.Unlock()
	if cb != nil {
		cb(flow)
	}
}
