// Package dispatcher fetches leased messages from Redis and feeds them into
// a bounded in-process channel, the backpressure mechanism for the whole
// pipeline. It generalizes the teacher's Client.Dequeue (which checks
// queue:high -> queue:default -> queue:low via BLMove with a per-priority
// timeout, falling through to the next priority on redis.Nil) into a
// per-topic loop that feeds a shared channel instead of returning one task.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/guido-cesarano/mxrmq/pkg/broker"
	"github.com/guido-cesarano/mxrmq/pkg/envelope"
	"github.com/guido-cesarano/mxrmq/pkg/mxlog"
)

// priorityOrder enforces HIGH -> NORMAL -> LOW weighted round-robin: an
// immediately-available HIGH message is always taken first.
var priorityOrder = [3]envelope.Priority{
	envelope.PriorityHigh, envelope.PriorityNormal, envelope.PriorityLow,
}

// Dispatcher leases messages for a fixed set of topics and pushes them onto
// Tasks, a bounded channel consumed by the worker pool.
type Dispatcher struct {
	broker  *broker.Broker
	log     mxlog.Sink
	leaseMS time.Duration
	pollTO  time.Duration

	Tasks chan *envelope.Envelope

	wg sync.WaitGroup
}

// New builds a Dispatcher with a Tasks channel of the given capacity
// (task_queue_size in spec terms).
func New(b *broker.Broker, log mxlog.Sink, leaseMS, pollTimeout time.Duration, taskQueueSize int) *Dispatcher {
	if taskQueueSize <= 0 {
		taskQueueSize = 1
	}
	return &Dispatcher{
		broker:  b,
		log:     log,
		leaseMS: leaseMS,
		pollTO:  pollTimeout,
		Tasks:   make(chan *envelope.Envelope, taskQueueSize),
	}
}

// Run starts one polling goroutine per topic. It blocks until ctx is
// cancelled, then closes Tasks once every topic loop has exited so the
// worker pool observes a clean channel close during drain.
func (d *Dispatcher) Run(ctx context.Context, topics []string) {
	for _, topic := range topics {
		d.wg.Add(1)
		go d.runTopic(ctx, topic)
	}
	d.wg.Wait()
	close(d.Tasks)
}

func (d *Dispatcher) runTopic(ctx context.Context, topic string) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, ok, err := d.popNext(ctx, topic)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			d.log.Warn("dispatcher_poll_error", mxlog.F("topic", topic), mxlog.F("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}

		select {
		case d.Tasks <- env:
		case <-ctx.Done():
			// The channel is full and we're shutting down: the message
			// was never handed to Tasks, so it stays leased in Redis and
			// is reclaimed once its lease expires.
			return
		}
	}
}

// popNext enforces HIGH -> NORMAL -> LOW: it first tries every priority
// non-blockingly in order (so an available HIGH message always wins), and
// when all three came back empty it sleeps for the poll timeout (standing
// in for BRPOP) before returning, to avoid busy-looping Redis.
func (d *Dispatcher) popNext(ctx context.Context, topic string) (*envelope.Envelope, bool, error) {
	for _, p := range priorityOrder {
		env, ok, err := d.broker.PopToInflight(ctx, topic, p, d.leaseMS)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return env, true, nil
		}
	}

	select {
	case <-time.After(d.pollTO):
	case <-ctx.Done():
	}
	return nil, false, nil
}
