package db

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/power-dialer/internal/config"
)

// Scylla holds the session used for completed-leg history.
type Scylla struct {
	session *gocql.Session
}

// NewScylla connects to the cluster. Unless schema init is disabled, the
// keyspace is created first through a keyspace-less bootstrap session.
func NewScylla(ctx context.Context, cfg config.ScyllaConfig) (*Scylla, error) {
	if cfg.Keyspace == "" {
		return nil, fmt.Errorf("scylla: keyspace is required")
	}
	if !cfg.DisableInitSchema {
		if err := ensureKeyspace(ctx, cfg); err != nil {
			return nil, err
		}
	}

	cluster := newCluster(cfg)
	cluster.Keyspace = cfg.Keyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}
	return &Scylla{session: session}, nil
}

func newCluster(cfg config.ScyllaConfig) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Port > 0 {
		cluster.Port = cfg.Port
	}
	cluster.Consistency = parseConsistency(cfg.Consistency)
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	} else {
		cluster.Timeout = 5 * time.Second
	}
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}
	return cluster
}

func ensureKeyspace(ctx context.Context, cfg config.ScyllaConfig) error {
	session, err := newCluster(cfg).CreateSession()
	if err != nil {
		return fmt.Errorf("scylla: bootstrap session: %w", err)
	}
	defer session.Close()

	rf := cfg.ReplicationFactor
	if rf <= 0 {
		rf = 1
	}
	stmt := fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}`,
		cfg.Keyspace, rf,
	)
	if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("scylla: create keyspace: %w", err)
	}
	return nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Health queries the local node.
func (s *Scylla) Health(ctx context.Context) error {
	if err := s.session.Query("SELECT now() FROM system.local").WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("scylla: health: %w", err)
	}
	return nil
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func parseConsistency(level string) gocql.Consistency {
	switch level {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "local_one":
		return gocql.LocalOne
	case "quorum":
		return gocql.Quorum
	default:
		return gocql.LocalQuorum
	}
}
