package leasemonitor

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

func TestMonitorKeepsLeaseAliveAgainstReclaim(t *testing.T) {
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

	leaseMS := 30 * time.Millisecond
	leased, ok, err := b.PopToInflight(ctx, "t", envelope.PriorityNormal, leaseMS)
	require.NoError(t, err)
	require.True(t, ok)

	m := New(b, mxlog.NewNop(), 10*time.Millisecond, leaseMS, func() []string {
		return []string{leased.ID}
	})
	runCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	go m.Run(runCtx)

	time.Sleep(100 * time.Millisecond)

	n, err := b.Reclaim(ctx, 10, time.Millisecond, time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 0, n, "lease kept alive by the monitor should not be reclaimed")
}
