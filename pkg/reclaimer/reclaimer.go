// Package reclaimer sweeps expired in-flight leases back into the retry
// path. It is the only mechanism that tolerates a consumer process dying
// mid-handler: a crashed worker's lease simply lapses and gets swept here.
package reclaimer

import (
	"context"
	"time"

	"github.com/guido-cesarano/mxrmq/pkg/broker"
	"github.com/guido-cesarano/mxrmq/pkg/mxlog"
)

// Reclaimer invokes broker.Reclaim on a fixed interval.
type Reclaimer struct {
	broker        *broker.Broker
	log           mxlog.Sink
	interval      time.Duration
	batch         int
	backoff       time.Duration
	deadRetention time.Duration
}

// New builds a Reclaimer. backoff is the fixed delay applied before every
// reclaimed message becomes due again; unlike the worker pool's retries it
// does not grow with the attempt count.
func New(b *broker.Broker, log mxlog.Sink, interval time.Duration, batch int, backoff, deadRetention time.Duration) *Reclaimer {
	if batch <= 0 {
		batch = 100
	}
	return &Reclaimer{broker: b, log: log, interval: interval, batch: batch, backoff: backoff, deadRetention: deadRetention}
}

// Run sweeps expired leases every interval until ctx is cancelled. A
// reclaimed message's attempt counter is incremented: operators must size
// lease_ms generously relative to handler latency, or legitimate in-flight
// work gets reclaimed and counted against max_retries.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.broker.Reclaim(ctx, r.batch, r.backoff, r.deadRetention)
			if err != nil {
				r.log.Warn("reclaim_failed", mxlog.F("error", err.Error()))
				continue
			}
			if n > 0 {
				r.log.Info("leases_reclaimed", mxlog.F("count", n))
			}
		}
	}
}
