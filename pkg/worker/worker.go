// Package worker runs the handler registry and the bounded pool of
// goroutines that drain the dispatcher's task channel. It generalizes the
// teacher's cmd/worker startWorker loop (a hardcoded type-switch dequeuing
// one task per iteration on a single goroutine, with RetryCount<3 branching
// into Retry/Fail) into a registered map[string]Handler consumed by N
// concurrent goroutines.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guido-cesarano/mxrmq/pkg/broker"
	"github.com/guido-cesarano/mxrmq/pkg/envelope"
	"github.com/guido-cesarano/mxrmq/pkg/mxerrors"
	"github.com/guido-cesarano/mxrmq/pkg/mxlog"
	"github.com/guido-cesarano/mxrmq/pkg/mxmetrics"
)

// Handler processes one message's payload. It must return promptly after
// ctx is cancelled (processing_timeout deadline or shutdown).
type Handler func(ctx context.Context, payload []byte) error

// Outcome classifies how a handler invocation concluded.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeDead
)

// Registry is a topic -> Handler mapping, normally finalized before Pool.Run
// starts. Every lookup takes a read lock on an RWMutex, so a late
// registration is safe; messages for a topic with no handler yet go through
// the NO_HANDLER retry path.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates h with topic. Safe to call after Pool.Run has
// started, though the spec recommends finishing registration before start.
func (r *Registry) Register(topic string, h Handler) error {
	if topic == "" {
		return fmt.Errorf("mxrmq: register: topic must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = h
	return nil
}

func (r *Registry) lookup(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[topic]
	return h, ok
}

// Topics returns every topic currently registered.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	return topics
}

// Config bundles the worker pool's tunables.
type Config struct {
	MaxWorkers           int
	ProcessingTimeout    time.Duration
	RetryBaseBackoff     time.Duration
	RetryMaxBackoff      time.Duration
	DeadRetention        time.Duration
	CompletedRetention   time.Duration
	NoHandlerMaxAttempts int
}

// Pool drains a task channel with Config.MaxWorkers goroutines, invoking
// the registered handler for each envelope's topic and classifying the
// outcome into ACK/RETRY/DEAD.
type Pool struct {
	broker   *broker.Broker
	registry *Registry
	log      mxlog.Sink
	cfg      Config
	metrics  *mxmetrics.Collector

	activeMu sync.Mutex
	active   map[string]struct{}

	wg sync.WaitGroup
}

// NewPool builds a worker pool over the given broker and handler registry.
// metrics may be nil, in which case no Prometheus vectors are recorded.
func NewPool(b *broker.Broker, registry *Registry, log mxlog.Sink, cfg Config, metrics *mxmetrics.Collector) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.NoHandlerMaxAttempts <= 0 {
		cfg.NoHandlerMaxAttempts = 3
	}
	return &Pool{
		broker:   b,
		registry: registry,
		log:      log,
		cfg:      cfg,
		metrics:  metrics,
		active:   make(map[string]struct{}),
	}
}

// Run launches Config.MaxWorkers goroutines draining tasks, and blocks
// until tasks is closed and every in-flight handler invocation has
// returned.
func (p *Pool) Run(ctx context.Context, tasks <-chan *envelope.Envelope) {
	for i := 0; i < p.cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, tasks)
	}
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, tasks <-chan *envelope.Envelope) {
	defer p.wg.Done()
	for env := range tasks {
		p.process(ctx, env)
	}
}

// ActiveIDs returns the ids currently being handled, for the lease monitor.
func (p *Pool) ActiveIDs() []string {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pool) markActive(id string) {
	p.activeMu.Lock()
	p.active[id] = struct{}{}
	p.activeMu.Unlock()
}

func (p *Pool) markDone(id string) {
	p.activeMu.Lock()
	delete(p.active, id)
	p.activeMu.Unlock()
}

func (p *Pool) process(ctx context.Context, env *envelope.Envelope) {
	p.markActive(env.ID)
	defer p.markDone(env.ID)

	now := envelope.NowMS()
	if env.Expired(now) {
		p.terminate(ctx, env, OutcomeDead, "expire_at reached before execution")
		return
	}

	handler, ok := p.registry.lookup(env.Topic)
	if !ok {
		if env.Attempts >= p.cfg.NoHandlerMaxAttempts {
			p.terminate(ctx, env, OutcomeDead, mxerrors.ErrNoHandler.Error())
		} else {
			p.terminate(ctx, env, OutcomeRetry, mxerrors.ErrNoHandler.Error())
		}
		return
	}

	start := time.Now()
	outcome, cause := p.invoke(ctx, handler, env)
	if p.metrics != nil {
		p.metrics.Duration.WithLabelValues(env.Topic).Observe(time.Since(start).Seconds())
		p.metrics.QueueLatency.WithLabelValues(env.Topic).Observe(time.Since(time.UnixMilli(env.CreatedAt)).Seconds())
	}
	p.terminate(ctx, env, outcome, cause)
}

// invoke runs the handler under processing_timeout, recovering a panic as a
// catastrophic/unrecoverable failure per spec §4.4.
func (p *Pool) invoke(ctx context.Context, h Handler, env *envelope.Envelope) (outcome Outcome, cause string) {
	hctx, cancel := context.WithTimeout(ctx, p.cfg.ProcessingTimeout)
	defer cancel()

	done := make(chan struct{})
	var handlerErr error

	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcome = OutcomeDead
				cause = fmt.Sprintf("panic: %v", r)
			}
			close(done)
		}()
		handlerErr = h(hctx, env.Payload)
	}()

	select {
	case <-done:
		if cause != "" { // panic already classified inside the goroutine
			return outcome, cause
		}
		if handlerErr != nil {
			return OutcomeRetry, handlerErr.Error()
		}
		return OutcomeSuccess, ""
	case <-hctx.Done():
		<-done // wait for the goroutine to observe cancellation and exit
		if cause != "" {
			return outcome, cause
		}
		return OutcomeRetry, mxerrors.ErrHandlerTimeout.Error()
	}
}

func (p *Pool) terminate(ctx context.Context, env *envelope.Envelope, outcome Outcome, cause string) {
	if p.metrics != nil {
		p.metrics.Processed.WithLabelValues(outcomeLabel(outcome), env.Topic).Inc()
	}
	switch outcome {
	case OutcomeSuccess:
		if err := p.broker.Ack(ctx, env.ID, p.cfg.CompletedRetention); err != nil {
			p.log.Error("ack_failed", err, mxlog.F("id", env.ID), mxlog.F("topic", env.Topic))
		}
	case OutcomeDead:
		if err := p.broker.Dead(ctx, env.ID, cause, p.cfg.DeadRetention); err != nil {
			p.log.Error("dead_failed", err, mxlog.F("id", env.ID), mxlog.F("topic", env.Topic))
		}
	default:
		backoff := envelope.BackoffSchedule(env.Attempts, p.cfg.RetryBaseBackoff, p.cfg.RetryMaxBackoff)
		state, err := p.broker.Retry(ctx, env.ID, backoff, cause, p.cfg.DeadRetention)
		if err != nil {
			p.log.Error("retry_failed", err, mxlog.F("id", env.ID), mxlog.F("topic", env.Topic))
			return
		}
		p.log.Info("message_retry_scheduled",
			mxlog.F("id", env.ID), mxlog.F("topic", env.Topic),
			mxlog.F("attempt", env.Attempts+1), mxlog.F("next_state", string(state)),
			mxlog.F("cause", cause))
	}
}

func outcomeLabel(o Outcome) string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDead:
		return "dead"
	default:
		return "retry"
	}
}
