package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mahaj/chatsync/pkg/config"
	"github.com/mahaj/chatsync/pkg/db"
	"github.com/mahaj/chatsync/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: "console"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := db.CreateKeyspace(ctx, cfg.Scylla); err != nil {
		logging.Fatal().Err(err).Str("keyspace", cfg.Scylla.Keyspace).Msg("Failed to create keyspace")
	}
	session, err := db.NewSession(cfg.Scylla)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to ScyllaDB")
	}
	defer session.Close()

	if err := db.EnsureSchema(ctx, session); err != nil {
		logging.Fatal().Err(err).Msg("Failed to create tables")
	}
	logging.Info().Strs("tables", db.TableNames()).Msg("Schema is up to date")
}
