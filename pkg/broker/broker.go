// Package broker wraps the atomic Lua scripts in pkg/scripts with a Go
// method per state transition, owning the Redis client and key builder.
// It generalizes the teacher's pkg/queue.Client (one method per queue
// operation: Enqueue/Dequeue/Ack/Retry/Fail) from a three-priority list
// model to the full delayed/ready/inflight/retention state machine.
package broker

import (
	"context"
	"time"

	"github.com/guido-cesarano/mxrmq/pkg/envelope"
	"github.com/guido-cesarano/mxrmq/pkg/keys"
	"github.com/guido-cesarano/mxrmq/pkg/mxerrors"
	"github.com/guido-cesarano/mxrmq/pkg/scripts"
	"github.com/redis/go-redis/v9"
)

// Broker executes every atomic state transition against Redis.
type Broker struct {
	rdb     redis.UniversalClient
	keys    keys.Builder
	prefix  string
	scripts *scripts.Registry
}

// New builds a Broker over an already-connected client.
func New(rdb redis.UniversalClient, prefix string) *Broker {
	if prefix == "" {
		prefix = keys.DefaultPrefix
	}
	return &Broker{
		rdb:     rdb,
		keys:    keys.New(prefix),
		prefix:  prefix,
		scripts: scripts.NewRegistry(),
	}
}

// Preload issues SCRIPT LOAD for every script up front (called from
// Queue.Initialize).
func (b *Broker) Preload(ctx context.Context) error {
	return b.scripts.Preload(ctx, b.rdb)
}

// ScriptsLoaded reports whether every script is still present server-side,
// used by the health check.
func (b *Broker) ScriptsLoaded(ctx context.Context) (bool, error) {
	return b.scripts.Loaded(ctx, b.rdb)
}

// Ping verifies Redis connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// run executes s, retrying once after an explicit SCRIPT LOAD if the server
// reports NOSCRIPT (e.g. after a Redis restart flushed the script cache).
func (b *Broker) run(ctx context.Context, s *redis.Script, keyArgs []string, args ...any) (any, error) {
	res, err := s.Run(ctx, b.rdb, keyArgs, args...).Result()
	if err != nil && scripts.IsNoScript(err) {
		if loadErr := s.Load(ctx, b.rdb).Err(); loadErr != nil {
			return nil, mxerrors.Wrap(mxerrors.ErrScriptError, loadErr.Error())
		}
		res, err = s.Run(ctx, b.rdb, keyArgs, args...).Result()
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Enqueue writes env (already fully populated by the caller) to the topic's
// delayed or ready index, deciding between the two atomically inside the
// script by comparing scheduled_at with the caller's clock (passed as now).
func (b *Broker) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return mxerrors.Wrap(mxerrors.ErrSerialization, err.Error())
	}

	readyKey := b.keys.Ready(env.Topic, env.Priority)
	_, err = b.run(ctx, b.scripts.Enqueue,
		[]string{b.keys.Payload(env.ID), b.keys.Topics(), b.keys.Delayed(), readyKey},
		env.ID, env.Topic, envelope.NowMS(), env.ScheduledAt, string(body),
	)
	return err
}

// Promote moves up to batch due delayed messages into their ready lists.
// Returns the number promoted.
func (b *Broker) Promote(ctx context.Context, batch int) (int64, error) {
	res, err := b.run(ctx, b.scripts.Promote, []string{b.keys.Delayed()},
		envelope.NowMS(), batch, b.prefix)
	if err != nil {
		return 0, err
	}
	return toInt64(res), nil
}

// PopToInflight leases the next available message for (topic, priority), or
// returns (nil, false, nil) if the ready list was empty.
func (b *Broker) PopToInflight(ctx context.Context, topic string, priority envelope.Priority, leaseMS time.Duration) (*envelope.Envelope, bool, error) {
	readyKey := b.keys.Ready(topic, priority)
	res, err := b.run(ctx, b.scripts.PopInflight,
		[]string{readyKey, b.keys.Inflight()},
		envelope.NowMS(), leaseMS.Milliseconds(), b.prefix,
	)
	if err != nil {
		return nil, false, err
	}
	raw, ok := res.(string)
	if !ok || raw == "" {
		return nil, false, nil
	}
	env, err := envelope.Unmarshal([]byte(raw))
	if err != nil {
		return nil, false, mxerrors.Wrap(mxerrors.ErrSerialization, err.Error())
	}
	return env, true, nil
}

// Ack marks id COMPLETED. Idempotent: re-acking an already-acked id is a no-op.
func (b *Broker) Ack(ctx context.Context, id string, retention time.Duration) error {
	_, err := b.run(ctx, b.scripts.Ack,
		[]string{b.keys.Inflight(), b.keys.Retention()},
		id, envelope.NowMS(), retention.Milliseconds(), b.prefix,
	)
	return err
}

// Retry increments attempts and reschedules id, or dead-letters it if
// attempts/expire_at are exhausted.
func (b *Broker) Retry(ctx context.Context, id string, backoff time.Duration, cause string, deadRetention time.Duration) (envelope.State, error) {
	res, err := b.run(ctx, b.scripts.Retry,
		[]string{b.keys.Inflight(), b.keys.Delayed(), b.keys.Retention()},
		id, envelope.NowMS(), backoff.Milliseconds(), cause, deadRetention.Milliseconds(), b.prefix,
	)
	if err != nil {
		return "", err
	}
	switch v, _ := res.(string); v {
	case "DEAD":
		return envelope.StateDead, nil
	case "DELAYED":
		return envelope.StateDelayed, nil
	default:
		return "", nil
	}
}

// Dead directly dead-letters id (catastrophic/unrecoverable failure),
// bypassing the retry count.
func (b *Broker) Dead(ctx context.Context, id string, cause string, deadRetention time.Duration) error {
	_, err := b.run(ctx, b.scripts.Dead,
		[]string{b.keys.Inflight(), b.keys.Retention()},
		id, envelope.NowMS(), cause, deadRetention.Milliseconds(), b.prefix,
	)
	return err
}

// Reclaim sweeps expired leases, applying the retry-or-dead transition to
// each. Returns the number reclaimed.
func (b *Broker) Reclaim(ctx context.Context, batch int, backoff, deadRetention time.Duration) (int64, error) {
	res, err := b.run(ctx, b.scripts.Reclaim,
		[]string{b.keys.Inflight(), b.keys.Delayed(), b.keys.Retention()},
		envelope.NowMS(), batch, backoff.Milliseconds(), deadRetention.Milliseconds(), b.prefix,
	)
	if err != nil {
		return 0, err
	}
	return toInt64(res), nil
}

// ExtendLease refreshes id's lease to now+leaseMS. No-op if id is not in-flight.
func (b *Broker) ExtendLease(ctx context.Context, id string, leaseMS time.Duration) error {
	_, err := b.run(ctx, b.scripts.ExtendLease,
		[]string{b.keys.Inflight()},
		id, envelope.NowMS()+leaseMS.Milliseconds(), b.prefix,
	)
	return err
}

// GC evicts up to batch COMPLETED/DEAD payloads past their retention window.
// Returns the number evicted.
func (b *Broker) GC(ctx context.Context, batch int) (int64, error) {
	res, err := b.run(ctx, b.scripts.GC, []string{b.keys.Retention()},
		envelope.NowMS(), batch, b.prefix)
	if err != nil {
		return 0, err
	}
	return toInt64(res), nil
}

// QueueDepths reports the current size of every queue, for status/metrics.
func (b *Broker) QueueDepths(ctx context.Context, topics []string) (map[string]int64, error) {
	depths := make(map[string]int64)

	for _, topic := range topics {
		for _, p := range []envelope.Priority{envelope.PriorityHigh, envelope.PriorityNormal, envelope.PriorityLow} {
			key := b.keys.Ready(topic, p)
			n, err := b.rdb.LLen(ctx, key).Result()
			if err != nil {
				return nil, err
			}
			depths[key] = n
		}
		deadKey := b.keys.Dead(topic)
		n, err := b.rdb.LLen(ctx, deadKey).Result()
		if err != nil {
			return nil, err
		}
		depths[deadKey] = n
	}

	delayed, err := b.rdb.ZCard(ctx, b.keys.Delayed()).Result()
	if err != nil {
		return nil, err
	}
	depths[b.keys.Delayed()] = delayed

	inflight, err := b.rdb.ZCard(ctx, b.keys.Inflight()).Result()
	if err != nil {
		return nil, err
	}
	depths[b.keys.Inflight()] = inflight

	retention, err := b.rdb.ZCard(ctx, b.keys.Retention()).Result()
	if err != nil {
		return nil, err
	}
	depths[b.keys.Retention()] = retention

	return depths, nil
}

// Topics returns every topic name ENQUEUE has ever seen.
func (b *Broker) Topics(ctx context.Context) ([]string, error) {
	return b.rdb.SMembers(ctx, b.keys.Topics()).Result()
}

// Get reads the current envelope for id, for inspection/tests.
func (b *Broker) Get(ctx context.Context, id string) (*envelope.Envelope, error) {
	raw, err := b.rdb.Get(ctx, b.keys.Payload(id)).Result()
	if err != nil {
		return nil, err
	}
	return envelope.Unmarshal([]byte(raw))
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
