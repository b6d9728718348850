// Package main implements the mx-rmq worker process: it registers a demo
// handler, starts every background loop, exposes Prometheus metrics, and
// shuts down gracefully on SIGINT/SIGTERM, the same signal-handling idiom
// the teacher's worker process used around its own dequeue loop.
//
// Usage:
//
//	go run ./cmd/worker -topic orders -config worker.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/guido-cesarano/mxrmq"
	"github.com/guido-cesarano/mxrmq/pkg/mxconfig"
	"github.com/guido-cesarano/mxrmq/pkg/mxlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	topic := flag.String("topic", "demo", "topic to register the demo handler against")
	metricsAddr := flag.String("metrics-addr", ":8080", "address to serve /metrics on")
	flag.Parse()

	log := mxlog.NewZerolog()
	runID := mxlog.NewCorrelationID()

	cfg, err := loadConfig(*configPath, log)
	if err != nil {
		log.Error("config_load_failed", err)
		os.Exit(1)
	}

	q := mxrmq.New(cfg, mxrmq.WithLogger(log))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Initialize(ctx); err != nil {
		log.Error("initialize_failed", err)
		os.Exit(1)
	}
	defer q.Cleanup()

	if err := q.Register(*topic, demoHandler(log)); err != nil {
		log.Error("register_failed", err, mxlog.F("topic", *topic))
		os.Exit(1)
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Info("metrics_server_listening", mxlog.F("addr", *metricsAddr))
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Warn("metrics_server_stopped", mxlog.F("error", err.Error()))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	handle, err := q.StartBackground(ctx)
	if err != nil {
		log.Error("start_background_failed", err)
		os.Exit(1)
	}

	log.Info("worker_started", mxlog.F("topic", *topic), mxlog.F("run_id", runID))
	<-sigChan
	log.Info("shutting_down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stopCancel()
	if err := handle.Stop(stopCtx); err != nil {
		log.Error("shutdown_error", err)
	}
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

func demoHandler(log mxlog.Sink) func(ctx context.Context, payload []byte) error {
	return func(ctx context.Context, payload []byte) error {
		log.Info("message_received", mxlog.F("payload", string(payload)))
		return nil
	}
}
