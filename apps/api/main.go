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

	"github.com/mahaj/chatsync/pkg/auth"
	"github.com/mahaj/chatsync/pkg/bus"
	"github.com/mahaj/chatsync/pkg/cache"
	"github.com/mahaj/chatsync/pkg/config"
	"github.com/mahaj/chatsync/pkg/db"
	"github.com/mahaj/chatsync/pkg/logging"
	"github.com/mahaj/chatsync/pkg/supervise"
)

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, PATCH, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := db.NewSession(cfg.Scylla)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to ScyllaDB")
	}
	defer session.Close()

	store, err := cache.Dial(ctx, cfg.Redis.Addr)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer store.Close()

	writer := bus.NewWriter(cfg.Kafka)
	defer writer.Close()

	srv := NewServer(db.NewStore(session), store, writer, auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL), cfg.API)
	server := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sup := supervise.New("api")
	sup.Add(supervise.NewHTTPService("api-http", server, 10*time.Second))

	logging.Info().Str("addr", cfg.API.Addr).Msg("API Service Starting")
	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("API stopped")
	}
}
