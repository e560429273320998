package flowstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/angelmondragon/coaching-payflow/pkg/logger"
	"github.com/facebookgo/clock"
	"github.com/google/go-cmp/cmp"
)

// ErrFlowNotFound is returned by Update when the flow does not exist.
var ErrFlowNotFound = errors.New("flow not found")

// Event is delivered to subscribers after every change. Removed marks the final event for a flow.
type Event struct {
	FlowID  string
	Flow    Flow
	Removed bool
}

// Callback receives flow events. Callbacks may call back into the Store; such mutations
// are queued and delivered after the current event.
type Callback func(Event)

// Options configures a Store.
type Options struct {
	Logger *logger.Logger
	Clock  clock.Clock
}

// Store is the registry of payment flows. All mutation goes through it; reads return copies.
//
// Notifications are queued under the lock and delivered outside it by whichever caller
// finds no delivery in progress, so events for a flow arrive in mutation order and in
// subscription order, and a mutation made from inside a callback is delivered after
// the callback returns rather than recursively.
type Store struct {
	logg  *logger.Logger
	clock clock.Clock

	mu       sync.Mutex
	flows    map[string]Flow
	subs     map[string][]*subscription
	pending  []notification
	draining bool
}

type subscription struct {
	cb     Callback
	active atomic.Bool
}

type notification struct {
	event Event
	subs  []*subscription
}

// New builds an empty Store.
func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Store{
		logg:  opts.Logger,
		clock: opts.Clock,
		flows: make(map[string]Flow),
		subs:  make(map[string][]*subscription),
	}
}

// Get returns a copy of the flow.
func (s *Store) Get(id string) (Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flow, ok := s.flows[id]
	if !ok {
		return Flow{}, false
	}
	return flow.Clone(), true
}

// FindByBooking returns a copy of the flow bound to bookingID. When several flows carry the
// booking the most recently updated one wins.
func (s *Store) FindByBooking(bookingID string) (Flow, bool) {
	if bookingID == "" {
		return Flow{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		found Flow
		ok    bool
	)
	for _, flow := range s.flows {
		if flow.BookingID != bookingID {
			continue
		}
		if !ok || flow.UpdatedAt.After(found.UpdatedAt) {
			found, ok = flow, true
		}
	}
	if !ok {
		return Flow{}, false
	}
	return found.Clone(), true
}

// Len returns the number of flows held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}

// List returns copies of every flow ordered by id.
func (s *Store) List() []Flow {
	s.mu.Lock()
	out := make([]Flow, 0, len(s.flows))
	for _, flow := range s.flows {
		out = append(out, flow.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Set inserts or replaces the flow stored under id and always notifies.
func (s *Store) Set(id string, flow Flow) Flow {
	s.mu.Lock()
	stored := flow.Clone()
	stored.ID = id
	now := s.clock.Now()
	if existing, ok := s.flows[id]; ok && stored.CreatedAt.IsZero() {
		stored.CreatedAt = existing.CreatedAt
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.flows[id] = stored
	s.enqueueLocked(Event{FlowID: id, Flow: stored})
	s.mu.Unlock()

	s.drain()
	return stored.Clone()
}

// Create inserts flow under id unless one already exists. The existing flow is returned
// unchanged with false when id is taken.
func (s *Store) Create(id string, flow Flow) (Flow, bool) {
	s.mu.Lock()
	if existing, ok := s.flows[id]; ok {
		s.mu.Unlock()
		return existing.Clone(), false
	}
	stored := flow.Clone()
	stored.ID = id
	now := s.clock.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.flows[id] = stored
	s.enqueueLocked(Event{FlowID: id, Flow: stored})
	s.mu.Unlock()

	s.drain()
	return stored.Clone(), true
}

// Merge applies patch to an existing flow. Subscribers are notified only when the result
// differs. Merge never inserts: a missing id returns false.
func (s *Store) Merge(id string, patch Patch) (Flow, bool) {
	flow, err := s.Update(id, func(current Flow) (Flow, error) {
		return patch.Apply(current), nil
	})
	if err != nil {
		return Flow{}, false
	}
	return flow, true
}

// Update performs an atomic read-modify-write. fn runs under the store lock and must not
// call the Store. Returning an error leaves the flow untouched.
func (s *Store) Update(id string, fn func(Flow) (Flow, error)) (Flow, error) {
	s.mu.Lock()
	current, ok := s.flows[id]
	if !ok {
		s.mu.Unlock()
		return Flow{}, fmt.Errorf("%w: %s", ErrFlowNotFound, id)
	}
	next, err := fn(current.Clone())
	if err != nil {
		s.mu.Unlock()
		return current.Clone(), err
	}
	next.ID = id
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = current.UpdatedAt
	if cmp.Equal(current, next) {
		s.mu.Unlock()
		return current.Clone(), nil
	}
	next.UpdatedAt = s.clock.Now()
	stored := next.Clone()
	s.flows[id] = stored
	s.enqueueLocked(Event{FlowID: id, Flow: stored})
	s.mu.Unlock()

	s.drain()
	return stored.Clone(), nil
}

// Subscribe registers cb for events on id. If the flow exists, cb receives it once right away.
// The returned function unsubscribes and is safe to call more than once.
func (s *Store) Subscribe(id string, cb Callback) func() {
	if cb == nil {
		return func() {}
	}
	s.mu.Lock()
	sub := &subscription{cb: cb}
	sub.active.Store(true)
	s.subs[id] = append(s.subs[id], sub)
	if flow, ok := s.flows[id]; ok {
		s.pending = append(s.pending, notification{
			event: Event{FlowID: id, Flow: flow},
			subs:  []*subscription{sub},
		})
	}
	s.mu.Unlock()

	s.drain()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			s.mu.Lock()
			defer s.mu.Unlock()
			list := s.subs[id]
			for i, candidate := range list {
				if candidate == sub {
					s.subs[id] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(s.subs[id]) == 0 {
				delete(s.subs, id)
			}
		})
	}
}

// Remove deletes the flow, delivers a Removed event, then drops every subscriber of id.
// Removing a missing flow is a no-op.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	flow, ok := s.flows[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.flows, id)
	s.enqueueLocked(Event{FlowID: id, Flow: flow, Removed: true})
	delete(s.subs, id)
	s.mu.Unlock()

	s.drain()
	return true
}

func (s *Store) enqueueLocked(event Event) {
	current := s.subs[event.FlowID]
	if len(current) == 0 {
		return
	}
	snapshot := make([]*subscription, len(current))
	copy(snapshot, current)
	s.pending = append(s.pending, notification{event: event, subs: snapshot})
}

func (s *Store) drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending[0] = notification{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		for _, sub := range next.subs {
			if !sub.active.Load() {
				continue
			}
			s.deliver(sub, next.event)
		}

		s.mu.Lock()
	}
	s.pending = nil
	s.draining = false
	s.mu.Unlock()
}

func (s *Store) deliver(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			ctx := s.logg.WithFlowID(context.Background(), event.FlowID)
			s.logg.Error(ctx, "flow subscriber panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	event.Flow = event.Flow.Clone()
	sub.cb(event)
}
