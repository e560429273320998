package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/angelmondragon/coaching-payflow/pkg/logger"
	"github.com/angelmondragon/coaching-payflow/pkg/metrics"
	"github.com/facebookgo/clock"
	goretry "github.com/sethvargo/go-retry"
)

const (
	DefaultMaxRetries    = 3
	DefaultMaxQueueDepth = 3
)

// DefaultSchedule is the fixed backoff indexed by attempt.
var DefaultSchedule = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// Config bounds the retries made for a single key.
type Config struct {
	MaxRetries    int
	MaxQueueDepth int
	MinInterval   time.Duration
	Schedule      []time.Duration
}

// Job is one queued retry. Run receives the 1-based attempt number and a context that is
// cancelled when the key is cancelled. OnExhausted runs once when the key's budget is spent.
type Job struct {
	Run         func(ctx context.Context, attempt int) error
	OnExhausted func(ctx context.Context, lastErr error)
}

// Params wires a Controller.
type Params struct {
	Config  Config
	Clock   clock.Clock
	Logger  *logger.Logger
	Metrics *metrics.PaymentFlowMetrics
}

// Controller runs bounded, throttled retries per key (a booking or flow id).
// Jobs for one key execute one at a time in FIFO order; at most MaxRetries jobs ever run
// for a key, and two runs for a key are never closer than MinInterval.
type Controller struct {
	cfg     Config
	clock   clock.Clock
	logg    *logger.Logger
	metrics *metrics.PaymentFlowMetrics

	mu   sync.Mutex
	keys map[string]*keyState
}

type keyState struct {
	queue      []queuedJob
	timer      *clock.Timer
	backoff    goretry.Backoff
	lastRun    time.Time
	lastErr    error
	attempts   int
	generation uint64
	running    bool
	exhausted  bool
	ctx        context.Context
	cancel     context.CancelFunc
}

type queuedJob struct {
	job        Job
	delay      time.Duration
	enqueuedAt time.Time
}

// NewController builds a Controller. Zero config values fall back to the defaults.
func NewController(p Params) *Controller {
	cfg := p.Config
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	return &Controller{
		cfg:     cfg,
		clock:   p.Clock,
		logg:    p.Logger,
		metrics: p.Metrics,
		keys:    make(map[string]*keyState),
	}
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Enqueue schedules job for key. It returns false when the queue is full or the retry
// budget is spent; in the latter case job.OnExhausted runs (once per key) before returning.
func (c *Controller) Enqueue(key string, job Job) bool {
	if job.Run == nil {
		return false
	}
	ctx := c.logg.WithField(context.Background(), "retry_key", key)

	c.mu.Lock()
	st := c.stateLocked(key)
	if st.exhausted {
		c.mu.Unlock()
		c.metrics.ObserveRetry("rejected")
		return false
	}
	if len(st.queue) >= c.cfg.MaxQueueDepth {
		c.mu.Unlock()
		c.metrics.ObserveRetry("rejected")
		c.logg.Warn(ctx, "retry queue full; rejecting retry")
		return false
	}

	delay, stop := st.backoff.Next()
	if stop {
		st.exhausted = true
		lastErr := st.lastErr
		runCtx := st.ctx
		c.mu.Unlock()

		c.metrics.IncExhausted()
		c.logg.Warn(c.logg.WithField(ctx, "attempts", c.cfg.MaxRetries), "retry budget exhausted")
		if job.OnExhausted != nil {
			job.OnExhausted(runCtx, lastErr)
		}
		return false
	}

	st.queue = append(st.queue, queuedJob{job: job, delay: delay, enqueuedAt: c.clock.Now()})
	if !st.running && st.timer == nil {
		c.armLocked(key, st)
	}
	depth := len(st.queue)
	c.mu.Unlock()

	c.logg.Info(c.logg.WithFields(ctx, map[string]any{
		"delay": delay.String(),
		"depth": depth,
	}), "retry scheduled")
	return true
}

// Cancel drops every queued job for key, stops its timer and cancels an in-flight run.
// Nothing scheduled before Cancel runs afterwards.
func (c *Controller) Cancel(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.keys[key]
	if !ok {
		return false
	}
	c.teardownLocked(key, st)
	return true
}

// Close cancels every key.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, st := range c.keys {
		c.teardownLocked(key, st)
	}
}

// Pending reports the number of queued jobs for key.
func (c *Controller) Pending(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.keys[key]; ok {
		return len(st.queue)
	}
	return 0
}

// Attempts reports how many jobs have started for key.
func (c *Controller) Attempts(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.keys[key]; ok {
		return st.attempts
	}
	return 0
}

// Exhausted reports whether key has spent its retry budget.
func (c *Controller) Exhausted(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.keys[key]; ok {
		return st.exhausted
	}
	return false
}

func (c *Controller) stateLocked(key string) *keyState {
	if st, ok := c.keys[key]; ok {
		return st
	}
	ctx, cancel := context.WithCancel(context.Background())
	st := &keyState{
		backoff: goretry.WithMaxRetries(uint64(c.cfg.MaxRetries), scheduleBackoff(c.cfg.Schedule)),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.keys[key] = st
	return st
}

func (c *Controller) teardownLocked(key string, st *keyState) {
	st.generation++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.queue = nil
	st.cancel()
	delete(c.keys, key)
}

// armLocked starts the timer for the head of the queue, no earlier than its backoff delay
// and no earlier than MinInterval after the previous run.
func (c *Controller) armLocked(key string, st *keyState) {
	if len(st.queue) == 0 {
		return
	}
	head := st.queue[0]
	due := head.enqueuedAt.Add(head.delay)
	if !st.lastRun.IsZero() {
		if earliest := st.lastRun.Add(c.cfg.MinInterval); earliest.After(due) {
			due = earliest
		}
	}
	wait := due.Sub(c.clock.Now())
	if wait < 0 {
		wait = 0
	}
	gen := st.generation
	st.timer = c.clock.AfterFunc(wait, func() { c.fire(key, gen) })
}

func (c *Controller) fire(key string, gen uint64) {
	c.mu.Lock()
	st, ok := c.keys[key]
	if !ok || st.generation != gen {
		c.mu.Unlock()
		return
	}
	st.timer = nil
	if st.running || len(st.queue) == 0 {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	if !st.lastRun.IsZero() && now.Sub(st.lastRun) < c.cfg.MinInterval {
		c.armLocked(key, st)
		c.mu.Unlock()
		c.metrics.ObserveRetry("deferred")
		return
	}

	head := st.queue[0]
	st.queue[0] = queuedJob{}
	st.queue = st.queue[1:]
	st.running = true
	st.attempts++
	st.lastRun = now
	attempt := st.attempts
	runCtx := st.ctx
	c.mu.Unlock()

	logCtx := c.logg.WithFields(context.Background(), map[string]any{
		"retry_key": key,
		"attempt":   attempt,
	})
	c.logg.Info(logCtx, "retry attempt started")

	err := c.run(runCtx, head.job, attempt)
	if err != nil {
		c.metrics.ObserveRetry("failed")
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "retry attempt failed")
	} else {
		c.metrics.ObserveRetry("succeeded")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.keys[key]; !ok || current != st || st.generation != gen {
		return
	}
	st.running = false
	st.lastErr = err
	if st.timer == nil {
		c.armLocked(key, st)
	}
}

func (c *Controller) run(ctx context.Context, job Job, attempt int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retry job panicked: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return job.Run(ctx, attempt)
}

// scheduleBackoff walks the schedule and repeats its last entry once past the end.
func scheduleBackoff(schedule []time.Duration) goretry.Backoff {
	var (
		mu   sync.Mutex
		next int
	)
	return goretry.BackoffFunc(func() (time.Duration, bool) {
		mu.Lock()
		defer mu.Unlock()
		idx := next
		if idx >= len(schedule) {
			idx = len(schedule) - 1
		}
		next++
		return schedule[idx], false
	})
}
