// Package mxrmq wires the broker, dispatcher, worker pool, and background
// loops into a single lifecycle-managed Queue, collapsing the source's
// overlapping start/stop entry points into Initialize/StartBackground/Stop/
// Cleanup/Status/HealthCheck, the same shape the teacher's cmd/worker main()
// hand-assembles ad hoc (client + scheduler goroutine + signal handling),
// generalized into a reusable type.
package mxrmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/guido-cesarano/mxrmq/pkg/broker"
	"github.com/guido-cesarano/mxrmq/pkg/dispatcher"
	"github.com/guido-cesarano/mxrmq/pkg/envelope"
	"github.com/guido-cesarano/mxrmq/pkg/leasemonitor"
	"github.com/guido-cesarano/mxrmq/pkg/mxconfig"
	"github.com/guido-cesarano/mxrmq/pkg/mxlog"
	"github.com/guido-cesarano/mxrmq/pkg/mxmetrics"
	"github.com/guido-cesarano/mxrmq/pkg/promoter"
	"github.com/guido-cesarano/mxrmq/pkg/reclaimer"
	"github.com/guido-cesarano/mxrmq/pkg/retention"
	"github.com/guido-cesarano/mxrmq/pkg/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// queueDepthInterval is how often StartBackground's depth-reporting loop
// samples queue sizes into the QueueDepth gauge, matching the teacher's
// collectQueueMetrics ticker cadence.
const queueDepthInterval = 5 * time.Second

// Producer is the subset of Queue a message source needs. *Queue satisfies
// it; handlers and tests can depend on the narrower interface instead.
type Producer interface {
	Enqueue(ctx context.Context, topic string, payload any, opts ...EnqueueOption) (string, error)
}

// Status reports what a running Queue is doing, for dashboards/ops tooling.
type Status struct {
	Running     bool
	Topics      []string
	ActiveTasks int
	QueueDepths map[string]int64
}

// HealthReport is the result of HealthCheck.
type HealthReport struct {
	RedisReachable bool
	ScriptsLoaded  bool
	Err            error
}

// Handle is returned by StartBackground; Stop drains and halts every loop.
type Handle struct {
	q      *Queue
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the one context shared by every background loop and every
// running handler invocation, then waits (up to shutdown_timeout, or until
// ctx is done) for all of them to return. There is no separate drain phase:
// the dispatcher, the workers and running handlers all see the cancellation
// at the same moment, and envelopes still on the task channel are handed to
// handlers with an already-cancelled context. A message whose ACK or RETRY
// does not complete stays leased and is left for the reclaimer.
func (h *Handle) Stop(ctx context.Context) error {
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-time.After(h.q.cfg.ShutdownTimeout):
		return fmt.Errorf("mxrmq: shutdown_timeout exceeded waiting for background loops")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queue owns one Redis connection, the handler registry, and every
// background loop (dispatcher, worker pool, lease monitor, promoter,
// reclaimer, retention sweeper).
type Queue struct {
	cfg     mxconfig.Config
	log     mxlog.Sink
	rdb     redis.UniversalClient
	broker  *broker.Broker
	metrics *mxmetrics.Collector
	reg     *worker.Registry

	mu      sync.Mutex
	running bool
	topics  map[string]struct{}
	pool    *worker.Pool
	disp    *dispatcher.Dispatcher
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithLogger overrides the default zerolog-backed Sink.
func WithLogger(log mxlog.Sink) Option {
	return func(q *Queue) { q.log = log }
}

// WithMetricsRegisterer registers mx-rmq's Prometheus vectors against reg
// instead of the default process-wide registry, so more than one Queue can
// coexist in the same process (e.g. in tests).
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(q *Queue) { q.metrics = mxmetrics.New(reg) }
}

// New builds a Queue from cfg. Call Initialize before Enqueue/Register.
func New(cfg mxconfig.Config, opts ...Option) *Queue {
	q := &Queue{
		cfg:    cfg,
		log:    mxlog.NewZerolog(),
		reg:    worker.NewRegistry(),
		topics: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.metrics == nil {
		q.metrics = mxmetrics.New(prometheus.DefaultRegisterer)
	}
	return q
}

// Initialize connects to Redis and preloads every Lua script.
func (q *Queue) Initialize(ctx context.Context) error {
	opt, err := redis.ParseURL(q.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("mxrmq: parsing redis_url: %w", err)
	}
	q.rdb = redis.NewClient(opt)
	q.broker = broker.New(q.rdb, q.cfg.QueuePrefix)

	ctx, cancel := context.WithTimeout(ctx, q.cfg.ConnectTimeout)
	defer cancel()
	if err := q.broker.Ping(ctx); err != nil {
		return fmt.Errorf("mxrmq: connecting to redis: %w", err)
	}
	if err := q.broker.Preload(ctx); err != nil {
		return fmt.Errorf("mxrmq: preloading scripts: %w", err)
	}
	return nil
}

// Register associates a handler with topic. Call before StartBackground.
func (q *Queue) Register(topic string, h worker.Handler) error {
	q.mu.Lock()
	q.topics[topic] = struct{}{}
	q.mu.Unlock()
	return q.reg.Register(topic, h)
}

// EnqueueOption customizes one Enqueue call.
type EnqueueOption func(*envelope.Envelope)

// WithPriority sets the message's delivery priority (default NORMAL).
func WithPriority(p envelope.Priority) EnqueueOption {
	return func(e *envelope.Envelope) { e.Priority = p }
}

// WithDelay schedules the message for delivery no earlier than now+d
// (default 0: immediately ready).
func WithDelay(d time.Duration) EnqueueOption {
	return func(e *envelope.Envelope) { e.ScheduledAt = envelope.NowMS() + d.Milliseconds() }
}

// WithExpireAt sets an absolute deadline past which the message is
// dead-lettered without being handed to a handler (default: none).
func WithExpireAt(t time.Time) EnqueueOption {
	return func(e *envelope.Envelope) { e.ExpireAt = t.UnixMilli() }
}

// WithMaxRetries overrides the default retry budget (default 3).
func WithMaxRetries(n int) EnqueueOption {
	return func(e *envelope.Envelope) { e.MaxRetries = n }
}

// Enqueue writes a new message onto topic and returns its id.
func (q *Queue) Enqueue(ctx context.Context, topic string, payload any, opts ...EnqueueOption) (string, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}

	now := envelope.NowMS()
	env := &envelope.Envelope{
		ID:          envelope.NewID(),
		Topic:       topic,
		Priority:    envelope.PriorityNormal,
		Payload:     body,
		CreatedAt:   now,
		ScheduledAt: now,
		MaxRetries:  envelope.DefaultMaxRetries,
		State:       envelope.StateReady,
	}
	for _, opt := range opts {
		opt(env)
	}
	if env.ScheduledAt > now {
		env.State = envelope.StateDelayed
	}

	if err := q.broker.Enqueue(ctx, env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// StartBackground launches the dispatcher, worker pool, and every
// periodic loop as goroutines derived from ctx, and returns immediately
// with a Handle to stop them.
func (q *Queue) StartBackground(ctx context.Context) (*Handle, error) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil, fmt.Errorf("mxrmq: queue already running")
	}
	topics := make([]string, 0, len(q.topics))
	for t := range q.topics {
		topics = append(topics, t)
	}
	q.running = true
	q.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)

	q.disp = dispatcher.New(q.broker, q.log, q.cfg.LeaseMS, q.cfg.BlockingPopTimeout, q.cfg.TaskQueueSize)
	q.pool = worker.NewPool(q.broker, q.reg, q.log, worker.Config{
		MaxWorkers:         q.cfg.MaxWorkers,
		ProcessingTimeout:  q.cfg.ProcessingTimeout,
		RetryBaseBackoff:   q.cfg.RetryBaseBackoff,
		RetryMaxBackoff:    q.cfg.RetryMaxBackoff,
		DeadRetention:      q.cfg.DeadRetention,
		CompletedRetention: q.cfg.CompletedRetention,
	}, q.metrics)

	mon := leasemonitor.New(q.broker, q.log, q.cfg.LeaseMS/3, q.cfg.LeaseMS, q.pool.ActiveIDs)
	prom := promoter.New(q.broker, q.log, q.cfg.PromoteInterval, time.Second, q.cfg.PromoteBatch)
	rec := reclaimer.New(q.broker, q.log, q.cfg.ReclaimInterval, q.cfg.ReclaimBatch, q.cfg.RetryBaseBackoff, q.cfg.DeadRetention)
	sweep := retention.New(q.broker, q.log, q.cfg.GCInterval, q.cfg.GCBatch)

	var wg sync.WaitGroup
	wg.Add(7)
	go func() { defer wg.Done(); q.disp.Run(runCtx, topics) }()
	go func() { defer wg.Done(); q.pool.Run(runCtx, q.disp.Tasks) }()
	go func() { defer wg.Done(); mon.Run(runCtx) }()
	go func() { defer wg.Done(); prom.Run(runCtx) }()
	go func() { defer wg.Done(); rec.Run(runCtx) }()
	go func() { defer wg.Done(); sweep.Run(runCtx) }()
	go func() { defer wg.Done(); q.reportQueueDepths(runCtx, topics) }()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		close(done)
	}()

	return &Handle{q: q, cancel: cancel, done: done}, nil
}

// Stop is a convenience equivalent to h.Stop(ctx) for callers that only
// kept the Queue, not the Handle returned by StartBackground.
func (q *Queue) Stop(ctx context.Context, h *Handle) error {
	return h.Stop(ctx)
}

// Cleanup releases the underlying Redis connection. Call after Stop.
func (q *Queue) Cleanup() error {
	if q.rdb == nil {
		return nil
	}
	return q.rdb.Close()
}

// Status reports current topics, active task count, and queue depths.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	q.mu.Lock()
	running := q.running
	topics := make([]string, 0, len(q.topics))
	for t := range q.topics {
		topics = append(topics, t)
	}
	var active int
	if q.pool != nil {
		active = len(q.pool.ActiveIDs())
	}
	q.mu.Unlock()

	depths, err := q.recordQueueDepths(ctx, topics)
	if err != nil {
		return Status{}, err
	}
	return Status{Running: running, Topics: topics, ActiveTasks: active, QueueDepths: depths}, nil
}

// recordQueueDepths queries current queue sizes and publishes them onto the
// QueueDepth gauge, so every caller of Status and the background reporting
// loop keep the same collectors the /metrics endpoint exposes in sync.
func (q *Queue) recordQueueDepths(ctx context.Context, topics []string) (map[string]int64, error) {
	depths, err := q.broker.QueueDepths(ctx, topics)
	if err != nil {
		return nil, err
	}
	if q.metrics != nil {
		for name, depth := range depths {
			q.metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))
		}
	}
	return depths, nil
}

// reportQueueDepths periodically samples queue depths into the QueueDepth
// gauge for the lifetime of runCtx, the same role the teacher's
// collectQueueMetrics goroutine played against its own ticker.
func (q *Queue) reportQueueDepths(ctx context.Context, topics []string) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.recordQueueDepths(ctx, topics); err != nil {
				q.log.Warn("queue_depth_collection_failed", mxlog.F("error", err.Error()))
			}
		}
	}
}

// HealthCheck pings Redis and verifies every script is still cached
// server-side.
func (q *Queue) HealthCheck(ctx context.Context) HealthReport {
	if err := q.broker.Ping(ctx); err != nil {
		return HealthReport{RedisReachable: false, Err: err}
	}
	loaded, err := q.broker.ScriptsLoaded(ctx)
	if err != nil {
		return HealthReport{RedisReachable: true, ScriptsLoaded: false, Err: err}
	}
	return HealthReport{RedisReachable: true, ScriptsLoaded: loaded}
}

// Run is a scoped convenience: it starts every background loop, waits for
// duration (or ctx cancellation, whichever is first), then stops.
func (q *Queue) Run(ctx context.Context, duration time.Duration) error {
	h, err := q.StartBackground(ctx)
	if err != nil {
		return err
	}
	select {
	case <-time.After(duration):
	case <-ctx.Done():
	}
	return h.Stop(context.Background())
}

// marshalPayload accepts a raw []byte/json.RawMessage as-is, or marshals
// any other value to JSON.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("mxrmq: marshaling payload: %w", err)
		}
		return b, nil
	}
}

// WithQueue models the source's scoped-lifetime pairing: Initialize ->
// fn(queue) -> Cleanup, guaranteeing cleanup runs even if fn panics or
// returns an error.
func WithQueue(ctx context.Context, cfg mxconfig.Config, fn func(*Queue) error, opts ...Option) error {
	q := New(cfg, opts...)
	if err := q.Initialize(ctx); err != nil {
		return err
	}
	defer q.Cleanup()
	return fn(q)
}
