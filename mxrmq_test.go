package mxrmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/mxrmq/pkg/envelope"
	"github.com/guido-cesarano/mxrmq/pkg/mxconfig"
	"github.com/guido-cesarano/mxrmq/pkg/mxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, addr string) mxconfig.Config {
	t.Helper()
	cfg := mxconfig.Default()
	cfg.RedisURL = "redis://" + addr + "/0"
	cfg.MaxWorkers = 2
	cfg.TaskQueueSize = 10
	cfg.ProcessingTimeout = time.Second
	cfg.LeaseMS = 200 * time.Millisecond
	cfg.PromoteInterval = 20 * time.Millisecond
	cfg.ReclaimInterval = 30 * time.Millisecond
	cfg.GCInterval = 50 * time.Millisecond
	cfg.RetryBaseBackoff = 5 * time.Millisecond
	cfg.RetryMaxBackoff = 50 * time.Millisecond
	cfg.BlockingPopTimeout = 10 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newTestQueue(t *testing.T, addr string) *Queue {
	t.Helper()
	q := New(testConfig(t, addr), WithLogger(mxlog.NewNop()), WithMetricsRegisterer(prometheus.NewRegistry()))
	require.NoError(t, q.Initialize(context.Background()))
	t.Cleanup(func() { _ = q.Cleanup() })
	return q
}

func TestEnqueueAndProcessRoundTrip(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	q := newTestQueue(t, s.Addr())

	var processed atomic.Int32
	require.NoError(t, q.Register("orders", func(ctx context.Context, payload []byte) error {
		processed.Add(1)
		return nil
	}))

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "orders", map[string]string{"sku": "abc"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	h, err := q.StartBackground(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return processed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.Stop(context.Background()))
}

func TestBoundaryDelayZeroDeliveredImmediately(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	q := newTestQueue(t, s.Addr())
	var processed atomic.Bool
	require.NoError(t, q.Register("t", func(ctx context.Context, payload []byte) error {
		processed.Store(true)
		return nil
	}))

	ctx := context.Background()
	_, err = q.Enqueue(ctx, "t", map[string]int{"n": 1}, WithDelay(0))
	require.NoError(t, err)

	h, err := q.StartBackground(ctx)
	require.NoError(t, err)
	require.Eventually(t, processed.Load, time.Second, 10*time.Millisecond)
	require.NoError(t, h.Stop(context.Background()))
}

func TestBoundaryMaxRetriesZeroDeadLettersOnFirstFailure(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	q := newTestQueue(t, s.Addr())
	require.NoError(t, q.Register("t", func(ctx context.Context, payload []byte) error {
		return context.DeadlineExceeded
	}))

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "t", map[string]int{"n": 1}, WithMaxRetries(0))
	require.NoError(t, err)

	h, err := q.StartBackground(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		env, err := q.broker.Get(ctx, id)
		return err == nil && env.State == envelope.StateDead
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, h.Stop(context.Background()))
}

func TestBoundaryExpireAtInPastDeadLettersWithoutHandlerCall(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	q := newTestQueue(t, s.Addr())
	var called atomic.Bool
	require.NoError(t, q.Register("t", func(ctx context.Context, payload []byte) error {
		called.Store(true)
		return nil
	}))

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "t", map[string]int{"n": 1}, WithExpireAt(time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	h, err := q.StartBackground(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		env, err := q.broker.Get(ctx, id)
		return err == nil && env.State == envelope.StateDead
	}, time.Second, 10*time.Millisecond)
	require.False(t, called.Load())
	require.NoError(t, h.Stop(context.Background()))
}

func TestBoundaryTaskQueueSizeOneStrictBackpressure(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	cfg := testConfig(t, s.Addr())
	cfg.TaskQueueSize = 1
	cfg.MaxWorkers = 1

	q := New(cfg, WithLogger(mxlog.NewNop()), WithMetricsRegisterer(prometheus.NewRegistry()))
	require.NoError(t, q.Initialize(context.Background()))
	t.Cleanup(func() { _ = q.Cleanup() })

	release := make(chan struct{})
	var inHandler atomic.Int32
	require.NoError(t, q.Register("t", func(ctx context.Context, payload []byte) error {
		inHandler.Add(1)
		<-release
		return nil
	}))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]int{"n": i})
		_, err := q.Enqueue(ctx, "t", json.RawMessage(payload))
		require.NoError(t, err)
	}

	h, err := q.StartBackground(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return inHandler.Load() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, inHandler.Load(), "only one handler should run at a time with MaxWorkers=1")

	// One message is in the handler, one fills the channel, and one is
	// leased but blocked on the full channel: the other two stay in Redis.
	depths, err := q.broker.QueueDepths(ctx, []string{"t"})
	require.NoError(t, err)
	require.EqualValues(t, 2, depths["mxrmq:ready:t:NORMAL"], "dispatcher should stop fetching while the channel is full")

	close(release)
	require.NoError(t, h.Stop(context.Background()))
}

func TestHealthCheckReportsRedisAndScripts(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	q := newTestQueue(t, s.Addr())
	report := q.HealthCheck(context.Background())
	require.True(t, report.RedisReachable)
	require.True(t, report.ScriptsLoaded)
	require.NoError(t, report.Err)
}

func TestStatusReportsQueueDepths(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	q := newTestQueue(t, s.Addr())
	require.NoError(t, q.Register("t", func(ctx context.Context, payload []byte) error { return nil }))

	ctx := context.Background()
	_, err = q.Enqueue(ctx, "t", map[string]int{"n": 1})
	require.NoError(t, err)

	status, err := q.Status(ctx)
	require.NoError(t, err)
	require.Contains(t, status.Topics, "t")
	require.EqualValues(t, 1, status.QueueDepths["mxrmq:ready:t:NORMAL"])
}

func TestWithQueueRunsFnAndCleansUpOnError(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	sentinel := require.New(t)
	cfg := testConfig(t, s.Addr())

	fnErr := errors.New("fn failed")
	var inner *Queue
	err = WithQueue(context.Background(), cfg, func(q *Queue) error {
		inner = q
		_, enqErr := q.Enqueue(context.Background(), "t", map[string]int{"n": 1})
		sentinel.NoError(enqErr)
		return fnErr
	}, WithLogger(mxlog.NewNop()), WithMetricsRegisterer(prometheus.NewRegistry()))
	sentinel.ErrorIs(err, fnErr)
	sentinel.Error(inner.rdb.Ping(context.Background()).Err(), "Cleanup should have closed the Redis client")
}
