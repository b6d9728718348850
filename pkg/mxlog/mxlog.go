// Package mxlog generalizes the source's global logging facade into an
// injected sink: no package-level logger, every component takes a Sink at
// construction. The default implementation wraps zerolog the same way the
// teacher's pkg/logger does (JSON in production, console-writer otherwise).
package mxlog

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Field is one piece of structured context attached to a log event.
type Field struct {
	Key   string
	Value any
}

// F is a short constructor for Field, used at call sites: mxlog.F("id", id).
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Sink is the logging interface every mx-rmq component depends on. It has no
// relationship to any process-global logger; callers construct one adapter
// and pass it down.
type Sink interface {
	Info(event string, fields ...Field)
	Warn(event string, fields ...Field)
	Error(event string, err error, fields ...Field)
}

// zerologSink adapts Sink to rs/zerolog, the teacher's logging library.
type zerologSink struct {
	logger zerolog.Logger
}

// NewZerolog builds the default Sink. It mirrors the teacher's pkg/logger
// init(): JSON to stdout, switching to a console writer unless APP_ENV=production.
func NewZerolog() Sink {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("APP_ENV") != "production" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return &zerologSink{logger: logger}
}

// NewZerologFrom wraps a caller-supplied zerolog.Logger instead of building
// the default one, for embedding mx-rmq into an application with its own
// logging setup.
func NewZerologFrom(logger zerolog.Logger) Sink {
	return &zerologSink{logger: logger}
}

func apply(e *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		e = e.Interface(f.Key, f.Value)
	}
	return e
}

func (s *zerologSink) Info(event string, fields ...Field) {
	apply(s.logger.Info(), fields).Msg(event)
}

func (s *zerologSink) Warn(event string, fields ...Field) {
	apply(s.logger.Warn(), fields).Msg(event)
}

func (s *zerologSink) Error(event string, err error, fields ...Field) {
	apply(s.logger.Error().Err(err), fields).Msg(event)
}

// nopSink is a Sink that discards everything, useful in tests.
type nopSink struct{}

func (nopSink) Info(string, ...Field)         {}
func (nopSink) Warn(string, ...Field)         {}
func (nopSink) Error(string, error, ...Field) {}

// NewNop returns a Sink that discards all log events.
func NewNop() Sink { return nopSink{} }

// NewCorrelationID returns a random id suitable for tagging one worker or
// producer process run across every log line it emits (mxlog.F("run_id",
// mxlog.NewCorrelationID())), the same id shape the teacher used for task
// identity, repurposed here for cross-process correlation instead of
// message identity (which is a ULID, see pkg/envelope).
func NewCorrelationID() string {
	return uuid.New().String()
}
