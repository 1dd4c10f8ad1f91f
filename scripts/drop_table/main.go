package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mahaj/chatsync/pkg/config"
	"github.com/mahaj/chatsync/pkg/db"
	"github.com/mahaj/chatsync/pkg/logging"
)

func main() {
	recreate := flag.Bool("recreate", false, "create the tables again after dropping them")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "drop_table: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: "console"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	session, err := db.NewSession(cfg.Scylla)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to ScyllaDB")
	}
	defer session.Close()

	logging.Info().Strs("tables", db.TableNames()).Msg("Dropping tables")
	if err := db.DropSchema(ctx, session); err != nil {
		logging.Fatal().Err(err).Msg("Failed to drop tables")
	}
	if *recreate {
		if err := db.EnsureSchema(ctx, session); err != nil {
			logging.Fatal().Err(err).Msg("Failed to create tables")
		}
	}
	logging.Info().Bool("recreated", *recreate).Msg("Done")
}
