// Package scripts embeds the Lua source for mx-rmq's atomic state
// transitions and exposes them as cached-SHA redis.Script values, the same
// redis.NewScript(...).Run(...) idiom the teacher uses for its delayed-queue
// promotion and rate-limit scripts, generalized from two ad hoc scripts to
// the full set the broker needs.
package scripts

import (
	"context"
	"embed"
	"strings"

	"github.com/redis/go-redis/v9"
)

//go:embed lua/*.lua
var luaFS embed.FS

// Registry holds one redis.Script per atomic operation, loaded once and
// invoked by cached SHA thereafter (go-redis transparently falls back to
// EVAL on NOSCRIPT inside Script.Run, but callers that need to react to a
// NOSCRIPT explicitly, e.g. to log a reload, can check IsNoScript(err)).
type Registry struct {
	Enqueue      *redis.Script
	Promote      *redis.Script
	PopInflight  *redis.Script
	Ack          *redis.Script
	Retry        *redis.Script
	Dead         *redis.Script
	Reclaim      *redis.Script
	ExtendLease  *redis.Script
	GC           *redis.Script
}

func mustLoad(name string) string {
	data, err := luaFS.ReadFile("lua/" + name)
	if err != nil {
		// The embedded FS is compiled in; a missing file is a build-time
		// packaging mistake, not a runtime condition.
		panic("mxrmq: missing embedded script " + name + ": " + err.Error())
	}
	return string(data)
}

// NewRegistry builds a Registry with every script source loaded from the
// embedded lua/ directory.
func NewRegistry() *Registry {
	return &Registry{
		Enqueue:     redis.NewScript(mustLoad("enqueue.lua")),
		Promote:     redis.NewScript(mustLoad("promote.lua")),
		PopInflight: redis.NewScript(mustLoad("pop_to_inflight.lua")),
		Ack:         redis.NewScript(mustLoad("ack.lua")),
		Retry:       redis.NewScript(mustLoad("retry.lua")),
		Dead:        redis.NewScript(mustLoad("dead.lua")),
		Reclaim:     redis.NewScript(mustLoad("reclaim.lua")),
		ExtendLease: redis.NewScript(mustLoad("extend_lease.lua")),
		GC:          redis.NewScript(mustLoad("gc.lua")),
	}
}

// all returns every script, used by Preload and HealthCheck.
func (r *Registry) all() []*redis.Script {
	return []*redis.Script{
		r.Enqueue, r.Promote, r.PopInflight, r.Ack, r.Retry, r.Dead,
		r.Reclaim, r.ExtendLease, r.GC,
	}
}

// Preload issues SCRIPT LOAD for every script so the first real invocation
// can use EVALSHA instead of paying the EVAL-then-cache round trip.
func (r *Registry) Preload(ctx context.Context, rdb redis.Scripter) error {
	for _, s := range r.all() {
		if err := s.Load(ctx, rdb).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Loaded checks that every script is still present server-side (SCRIPT
// EXISTS), used by the health check to detect a Redis restart that flushed
// the script cache.
func (r *Registry) Loaded(ctx context.Context, rdb redis.UniversalClient) (bool, error) {
	for _, s := range r.all() {
		ok, err := rdb.ScriptExists(ctx, s.Hash()).Result()
		if err != nil {
			return false, err
		}
		if len(ok) == 0 || !ok[0] {
			return false, nil
		}
	}
	return true, nil
}

// IsNoScript reports whether err is Redis's NOSCRIPT error, the trigger for
// the SCRIPT_ERROR reload-and-retry-once path (spec §7).
func IsNoScript(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "NOSCRIPT")
}
