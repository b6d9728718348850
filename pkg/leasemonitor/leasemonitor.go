// Package leasemonitor keeps in-flight leases alive while their handler is
// still running. It generalizes the teacher's periodic metrics-collection
// ticker (time.Ticker + select over ctx.Done in StartScheduler) into a loop
// that refreshes every locally-active message's lease instead of sampling
// gauges.
package leasemonitor

import (
	"context"
	"time"

	"github.com/guido-cesarano/mxrmq/pkg/broker"
	"github.com/guido-cesarano/mxrmq/pkg/mxlog"
)

// ActiveIDsFunc returns the ids currently being handled by the local worker
// pool. Implemented by worker.Pool.ActiveIDs.
type ActiveIDsFunc func() []string

// Monitor refreshes every locally in-flight lease on a fixed interval.
type Monitor struct {
	broker   *broker.Broker
	log      mxlog.Sink
	interval time.Duration
	leaseMS  time.Duration
	active   ActiveIDsFunc
}

// New builds a Monitor. interval is conventionally lease_ms/3 so a lease
// never lapses between two consecutive refreshes even under scheduling
// jitter.
func New(b *broker.Broker, log mxlog.Sink, interval, leaseMS time.Duration, active ActiveIDsFunc) *Monitor {
	return &Monitor{broker: b, log: log, interval: interval, leaseMS: leaseMS, active: active}
}

// Run extends every active lease once per interval until ctx is cancelled.
// Leases are never actively released on shutdown: in-flight messages are
// either ACKed, re-queued by RETRY, or reclaimed once their lease expires.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshAll(ctx)
		}
	}
}

func (m *Monitor) refreshAll(ctx context.Context) {
	for _, id := range m.active() {
		if err := m.broker.ExtendLease(ctx, id, m.leaseMS); err != nil {
			m.log.Warn("lease_extend_failed", mxlog.F("id", id), mxlog.F("error", err.Error()))
		}
	}
}
