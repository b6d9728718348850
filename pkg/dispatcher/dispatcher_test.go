package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/mxrmq/pkg/broker"
	"github.com/guido-cesarano/mxrmq/pkg/envelope"
	"github.com/guido-cesarano/mxrmq/pkg/mxlog"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupTestDispatcher(t *testing.T, queueSize int) (*broker.Broker, *Dispatcher) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	b := broker.New(rdb, "test")
	require.NoError(t, b.Preload(context.Background()))

	d := New(b, mxlog.NewNop(), time.Minute, 10*time.Millisecond, queueSize)
	return b, d
}

func newEnvelope(id, topic string, p envelope.Priority) *envelope.Envelope {
	payload, _ := json.Marshal(map[string]int{"n": 1})
	now := envelope.NowMS()
	return &envelope.Envelope{
		ID: id, Topic: topic, Priority: p,
		Payload: payload, CreatedAt: now, ScheduledAt: now, MaxRetries: 3,
	}
}

func TestDispatcherDeliversHighBeforeLow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, d := setupTestDispatcher(t, 5)

	require.NoError(t, b.Enqueue(ctx, newEnvelope("low", "t", envelope.PriorityLow)))
	require.NoError(t, b.Enqueue(ctx, newEnvelope("high", "t", envelope.PriorityHigh)))

	go d.Run(ctx, []string{"t"})

	first := <-d.Tasks
	require.Equal(t, "high", first.ID)

	second := <-d.Tasks
	require.Equal(t, "low", second.ID)
}

func TestDispatcherStopsAndClosesTasksOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, d := setupTestDispatcher(t, 1)

	done := make(chan struct{})
	go func() {
		d.Run(ctx, []string{"empty-topic"})
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ctx cancel")
	}

	_, open := <-d.Tasks
	require.False(t, open, "Tasks channel should be closed after Run returns")
}

func TestDispatcherRespectsBoundedChannelCapacity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	b, d := setupTestDispatcher(t, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Enqueue(ctx, newEnvelope(string(rune('a'+i)), "t", envelope.PriorityNormal)))
	}

	go d.Run(ctx, []string{"t"})

	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, len(d.Tasks), 1)
}
