// Package main is a thin CLI wrapper around mxrmq.Queue.Enqueue, the
// producer-side counterpart to cmd/worker, mirroring the teacher's
// cmd/server + cmd/worker split without reintroducing the HTTP surface the
// distillation dropped.
//
// Usage:
//
//	go run ./cmd/producer -topic orders -payload '{"sku":"abc"}' -priority HIGH -delay 5s
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/guido-cesarano/mxrmq"
	"github.com/guido-cesarano/mxrmq/pkg/envelope"
	"github.com/guido-cesarano/mxrmq/pkg/mxconfig"
	"github.com/guido-cesarano/mxrmq/pkg/mxlog"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	topic := flag.String("topic", "", "topic to enqueue onto (required)")
	payload := flag.String("payload", "{}", "JSON payload body")
	priority := flag.String("priority", "NORMAL", "HIGH, NORMAL, or LOW")
	delay := flag.Duration("delay", 0, "delay before the message becomes ready")
	maxRetries := flag.Int("max-retries", envelope.DefaultMaxRetries, "retry budget before dead-lettering")
	flag.Parse()

	if *topic == "" {
		fmt.Fprintln(os.Stderr, "mxrmq-producer: -topic is required")
		os.Exit(2)
	}

	log := mxlog.NewZerolog()
	cfg, err := loadConfig(*configPath, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mxrmq-producer: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout+5*time.Second)
	defer cancel()

	q := mxrmq.New(cfg, mxrmq.WithLogger(log))
	if err := q.Initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mxrmq-producer: connecting: %v\n", err)
		os.Exit(1)
	}
	defer q.Cleanup()

	opts := []mxrmq.EnqueueOption{
		mxrmq.WithPriority(envelope.ParsePriority(*priority)),
		mxrmq.WithMaxRetries(*maxRetries),
	}
	if *delay > 0 {
		opts = append(opts, mxrmq.WithDelay(*delay))
	}

	id, err := q.Enqueue(ctx, *topic, []byte(*payload), opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mxrmq-producer: enqueue failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("enqueued %s on topic %q (run %s)\n", id, *topic, mxlog.NewCorrelationID())
}

func loadConfig(path string, log mxlog.Sink) (mxconfig.Config, error) {
	if path == "" {
		return mxconfig.Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return mxconfig.Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return mxconfig.LoadWithLogger(log, mxconfig.WithFile(mxconfig.FormatYAML, data))
}
