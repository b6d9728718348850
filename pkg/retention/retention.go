// Package retention sweeps COMPLETED and DEAD payloads past their
// retention window, the final garbage-collection stage of a message's
// lifecycle.
package retention

import (
	"context"
	"time"

	"github.com/guido-cesarano/mxrmq/pkg/broker"
	"github.com/guido-cesarano/mxrmq/pkg/mxlog"
)

// Sweeper invokes broker.GC on a fixed interval.
type Sweeper struct {
	broker   *broker.Broker
	log      mxlog.Sink
	interval time.Duration
	batch    int
}

// New builds a Sweeper. batch defaults to 500 when not positive; interval
// is used as given (gc_interval, 60s in the config defaults).
func New(b *broker.Broker, log mxlog.Sink, interval time.Duration, batch int) *Sweeper {
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{broker: b, log: log, interval: interval, batch: batch}
}

// Run evicts expired payloads every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.broker.GC(ctx, s.batch)
			if err != nil {
				s.log.Warn("gc_failed", mxlog.F("error", err.Error()))
				continue
			}
			if n > 0 {
				s.log.Info("payloads_evicted", mxlog.F("count", n))
			}
		}
	}
}
