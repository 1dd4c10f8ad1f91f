package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mahaj/chatsync/pkg/bus"
	"github.com/mahaj/chatsync/pkg/config"
	"github.com/mahaj/chatsync/pkg/db"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/supervise"
)

// metricsAddr serves /metrics for the worker.
const metricsAddr = ":9102"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "messaging: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// In production, schema creation should be handled by the migrate script.
	// The worker still ensures it so a fresh dev stack comes up in one step.
	if err := db.CreateKeyspace(ctx, cfg.Scylla); err != nil {
		logging.Fatal().Err(err).Msg("Failed to create keyspace")
	}
	session, err := db.NewSession(cfg.Scylla)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to ScyllaDB chat keyspace")
	}
	defer session.Close()
	if err := db.EnsureSchema(ctx, session); err != nil {
		logging.Fatal().Err(err).Msg("Failed to create tables")
	}

	writer := NewWriter(db.NewStore(session))
	consumer := bus.NewConsumer("messaging-consumer", cfg.Kafka, cfg.Kafka.GroupID, false, writer.Handle)
	defer consumer.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	sup := supervise.New("messaging")
	sup.Add(consumer)
	sup.Add(supervise.NewHTTPService("messaging-metrics", server, 5*time.Second))

	logging.Info().Str("topic", cfg.Kafka.Topic).Str("group", cfg.Kafka.GroupID).Msg("Starting Kafka Consumer")
	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Messaging worker stopped")
	}
}
