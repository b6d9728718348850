package reclaimer

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

func TestReclaimerRequeuesExpiredLeaseOnSchedule(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	b := broker.New(rdb, "test")
	ctx := context.Background()
	require.NoError(t, b.Preload(ctx))

	payload, _ := json.Marshal(map[string]int{"n": 1})
	now := envelope.NowMS()
	env := &envelope.Envelope{
		ID: "id-1", Topic: "t", Priority: envelope.PriorityNormal,
		Payload: payload, CreatedAt: now, ScheduledAt: now, MaxRetries: 3,
	}
	require.NoError(t, b.Enqueue(ctx, env))

	_, ok, err := b.PopToInflight(ctx, "t", envelope.PriorityNormal, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	r := New(b, mxlog.NewNop(), 20*time.Millisecond, 50, time.Millisecond, time.Hour)
	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	go r.Run(runCtx)

	require.Eventually(t, func() bool {
		stored, err := b.Get(ctx, "id-1")
		return err == nil && stored.State == envelope.StateDelayed
	}, 500*time.Millisecond, 10*time.Millisecond)
}
