// Package promoter runs the delayed-to-ready promotion loop. Multiple
// consumers may run a Promoter concurrently: PROMOTE is an atomic Lua
// script, so duplicate invocations are harmless.
package promoter

import (
	"context"
	"time"

	"github.com/guido-cesarano/mxrmq/pkg/broker"
	"github.com/guido-cesarano/mxrmq/pkg/mxlog"
)

// Promoter invokes broker.Promote on a fixed interval, backing off to
// MaxInterval when a sweep finds nothing due.
type Promoter struct {
	broker      *broker.Broker
	log         mxlog.Sink
	interval    time.Duration
	maxInterval time.Duration
	batch       int
}

// New builds a Promoter. interval is the steady-state cadence (default 1s);
// maxInterval bounds the empty-result backoff.
func New(b *broker.Broker, log mxlog.Sink, interval, maxInterval time.Duration, batch int) *Promoter {
	if batch <= 0 {
		batch = 200
	}
	if maxInterval < interval {
		maxInterval = interval
	}
	return &Promoter{broker: b, log: log, interval: interval, maxInterval: maxInterval, batch: batch}
}

// Run sweeps due delayed messages into their ready lists until ctx is
// cancelled.
func (p *Promoter) Run(ctx context.Context) {
	wait := p.interval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n, err := p.broker.Promote(ctx, p.batch)
		if err != nil {
			p.log.Warn("promote_failed", mxlog.F("error", err.Error()))
			wait = p.interval
		} else if n == 0 {
			wait = min(wait*2, p.maxInterval)
		} else {
			wait = p.interval
		}
		timer.Reset(wait)
	}
}
