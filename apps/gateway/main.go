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

	"github.com/google/uuid"
	"github.com/mahaj/chatsync/pkg/auth"
	"github.com/mahaj/chatsync/pkg/bus"
	"github.com/mahaj/chatsync/pkg/cache"
	"github.com/mahaj/chatsync/pkg/config"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/snowflake"
	"github.com/mahaj/chatsync/pkg/supervise"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cache.Dial(ctx, cfg.Redis.Addr)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer store.Close()

	node, err := snowflake.NewNode(cfg.Gateway.NodeID)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize snowflake node")
	}

	writer := bus.NewWriter(cfg.Kafka)
	defer writer.Close()

	hub := NewHub(writer, store, node)

	// Every gateway needs every record, so each process joins its own group.
	group := fmt.Sprintf("%s-fanout-%s", cfg.Kafka.GroupID, uuid.NewString())
	fanout := bus.NewConsumer("gateway-fanout", cfg.Kafka, group, true, hub.Deliver)
	defer fanout.Close()

	signer := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	mux := http.NewServeMux()
	mux.Handle("/ws", serveWs(hub, signer, cfg.Gateway))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sup := supervise.New("gateway")
	sup.Add(supervise.Func{Name: "hub", Run: hub.Run})
	sup.Add(fanout)
	sup.Add(supervise.NewHTTPService("gateway-http", server, 10*time.Second))

	logging.Info().Str("addr", cfg.Gateway.Addr).Int64("node", cfg.Gateway.NodeID).Msg("Gateway Service Starting")
	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Gateway stopped")
	}
}
