package db

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/mahaj/chatsync/pkg/config"
	"github.com/mahaj/chatsync/pkg/logging"
)

type Session struct {
	*gocql.Session
}

func newCluster(cfg config.ScyllaConfig, keyspace string) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = cfg.Timeout
	cluster.ConnectTimeout = cfg.Timeout
	if cluster.Timeout <= 0 {
		cluster.Timeout = 5 * time.Second
		cluster.ConnectTimeout = 5 * time.Second
	}

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}
	return cluster
}

// NewSession connects to the configured keyspace.
func NewSession(cfg config.ScyllaConfig) (*Session, error) {
	session, err := newCluster(cfg, cfg.Keyspace).CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to scylla: %w", err)
	}

	logging.Info().Strs("hosts", cfg.Hosts).Str("keyspace", cfg.Keyspace).Msg("Connected to ScyllaDB cluster")
	return &Session{Session: session}, nil
}

// CreateKeyspace creates the configured keyspace through the system keyspace.
func CreateKeyspace(ctx context.Context, cfg config.ScyllaConfig) error {
	sys, err := newCluster(cfg, "system").CreateSession()
	if err != nil {
		return fmt.Errorf("connect to system keyspace: %w", err)
	}
	defer sys.Close()

	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`,
		cfg.Keyspace)
	if err := sys.Query(stmt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("create keyspace %s: %w", cfg.Keyspace, err)
	}
	return nil
}
