// Package keys builds the Redis key names mx-rmq uses, all namespaced under
// a configurable queue_prefix so that multiple queues can share a Redis
// instance without collision. The set of keys built here IS the persisted,
// externally-visible state layout described in the wire-format contract.
package keys

import (
	"fmt"

	"github.com/guido-cesarano/mxrmq/pkg/envelope"
)

// DefaultPrefix is used when the caller does not configure one.
const DefaultPrefix = "mxrmq"

// Builder produces namespaced key names. Zero value is not usable; use New.
type Builder struct {
	prefix string
}

// New returns a Builder namespacing all keys under prefix (falls back to
// DefaultPrefix if empty).
func New(prefix string) Builder {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Builder{prefix: prefix}
}

// Ready returns the FIFO ready-list key for a topic+priority pair.
func (b Builder) Ready(topic string, p envelope.Priority) string {
	return fmt.Sprintf("%s:ready:%s:%s", b.prefix, topic, p.String())
}

// Delayed returns the sorted-set key holding not-yet-due messages.
func (b Builder) Delayed() string {
	return b.prefix + ":delayed"
}

// Payload returns the hash/string key storing an envelope's JSON body.
func (b Builder) Payload(id string) string {
	return fmt.Sprintf("%s:payload:%s", b.prefix, id)
}

// Inflight returns the sorted-set key tracking leased messages by expiry.
func (b Builder) Inflight() string {
	return b.prefix + ":inflight"
}

// Retention returns the sorted-set key tracking terminal messages pending GC.
func (b Builder) Retention() string {
	return b.prefix + ":retention"
}

// Dead returns the inspection list key for a topic's dead-lettered messages.
func (b Builder) Dead(topic string) string {
	return fmt.Sprintf("%s:dead:%s", b.prefix, topic)
}

// Topics returns the set key of every topic ever seen by ENQUEUE.
func (b Builder) Topics() string {
	return b.prefix + ":topics"
}

// ReadyPriorities returns the three ready-list keys for a topic, in
// HIGH, NORMAL, LOW order.
func (b Builder) ReadyPriorities(topic string) [3]string {
	return [3]string{
		b.Ready(topic, envelope.PriorityHigh),
		b.Ready(topic, envelope.PriorityNormal),
		b.Ready(topic, envelope.PriorityLow),
	}
}
