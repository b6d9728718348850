// Package envelope defines the message record carried through the queue:
// immutable attributes set at enqueue time plus the mutable state fields
// the broker scripts update as a message moves through its lifecycle.
package envelope

import (
	cryptorand "crypto/rand"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Priority orders delivery within a topic. Higher values are delivered first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String renders the priority the way it appears in Redis key names.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityLow:
		return "LOW"
	default:
		return "NORMAL"
	}
}

// ParsePriority is the inverse of String, defaulting to Normal on garbage input.
func ParsePriority(s string) Priority {
	switch s {
	case "HIGH":
		return PriorityHigh
	case "LOW":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// MarshalJSON renders the priority as its name ("HIGH"/"NORMAL"/"LOW") so the
// Lua scripts can build a ready-list key directly from the stored envelope
// without a numeric-to-name lookup table of their own.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either the name form or a legacy numeric form.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = ParsePriority(s)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = Priority(n)
	return nil
}

// State is a node in the message state machine (DELAYED -> READY -> IN_FLIGHT
// -> COMPLETED|DEAD, plus RECLAIM's IN_FLIGHT -> DELAYED edge).
type State string

const (
	StateDelayed   State = "DELAYED"
	StateReady     State = "READY"
	StateInFlight  State = "IN_FLIGHT"
	StateCompleted State = "COMPLETED"
	StateDead      State = "DEAD"
)

// DefaultMaxRetries is used when a producer does not specify one.
const DefaultMaxRetries = 3

// Envelope is the full message record: immutable attributes set at enqueue
// time, plus the mutable state fields the broker scripts own thereafter.
type Envelope struct {
	ID             string          `json:"id"`
	Topic          string          `json:"topic"`
	Priority       Priority        `json:"priority"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      int64           `json:"created_at"`
	ScheduledAt    int64           `json:"scheduled_at"`
	ExpireAt       int64           `json:"expire_at,omitempty"`
	MaxRetries     int             `json:"max_retries"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	State          State           `json:"state"`
	LeaseExpiresAt int64           `json:"lease_expires_at,omitempty"`
}

// Expired reports whether the envelope's deadline has passed as of now.
func (e *Envelope) Expired(nowMS int64) bool {
	return e.ExpireAt > 0 && nowMS >= e.ExpireAt
}

// RetriesExhausted reports whether another attempt would exceed max_retries.
func (e *Envelope) RetriesExhausted() bool {
	return e.Attempts > e.MaxRetries
}

// Marshal serializes the envelope to the canonical JSON wire format.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses the canonical JSON wire format into e.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// idEntropy serializes access to the monotonic ULID entropy source so
// concurrent producers in the same process still get strictly increasing,
// collision-free ids within the same millisecond.
var idEntropy = struct {
	sync.Mutex
	src *ulid.MonotonicEntropy
}{src: ulid.Monotonic(cryptorand.Reader, 0)}

// NewID returns a 26-char ULID, lexicographically sortable by creation time.
func NewID() string {
	idEntropy.Lock()
	defer idEntropy.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy.src)
	return id.String()
}

// NowMS returns the current time as epoch milliseconds, the unit every
// timestamp field in the envelope and every Redis score uses.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// BackoffSchedule computes the exponential-with-jitter retry delay the
// worker pool passes to the RETRY script: base * 2^attempts, capped at max,
// jittered +/-10%. The RECLAIM path does not use it; the reclaimer applies
// a fixed backoff.
func BackoffSchedule(attempts int, base, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	shift := attempts
	if shift > 30 {
		shift = 30 // guard against overflow for pathological attempt counts
	}
	d := base * time.Duration(int64(1)<<uint(shift))
	if d <= 0 || d > max {
		d = max
	}
	jitter := (rand.Float64()*0.2 - 0.1) * float64(d)
	return d + time.Duration(jitter)
}
