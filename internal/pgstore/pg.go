package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds PostgreSQL connection configuration, populated from the
// POSTGRES_POOL_* environment variables.
type Config struct {
	URL         string
	MaxConns    int32
	MinConns    int32
	MaxConnIdle string
	PoolTimeout string
	PoolPrePing bool
}

// Store wraps a pgxpool.Pool and exposes one repository per entity, plus
// the three decision stored-routine wrappers.
type Store struct {
	pool *pgxpool.Pool

	Realms        *RealmRepository
	ResourceTypes *ResourceTypeRepository
	Actions       *ActionRepository
	Roles         *RoleRepository
	Principals    *PrincipalRepository
	Resources     *ResourceRepository
	ExternalIDs   *ExternalIDRepository
	ACLs          *ACLRepository
	AuditLog      *AuditLogRepository
	Partitions    *PartitionManager
}

// NewStore connects to PostgreSQL and returns a Store with all
// repositories wired to the shared pool (pgxpool.ParseConfig → apply
// pool-size overrides → Ping → construct sub-stores).
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}

	if cfg.PoolPrePing {
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pgstore: ping: %w", err)
		}
	}

	s := &Store{pool: pool}
	s.Partitions = &PartitionManager{pool: pool}
	s.Realms = &RealmRepository{pool: pool, partitions: s.Partitions}
	s.ResourceTypes = &ResourceTypeRepository{pool: pool, partitions: s.Partitions}
	s.Actions = &ActionRepository{pool: pool}
	s.Roles = &RoleRepository{pool: pool}
	s.Principals = &PrincipalRepository{pool: pool}
	s.Resources = &ResourceRepository{pool: pool}
	s.ExternalIDs = &ExternalIDRepository{pool: pool}
	s.ACLs = &ACLRepository{pool: pool}
	s.AuditLog = &AuditLogRepository{pool: pool}
	return s, nil
}

// Pool returns the underlying pgxpool.Pool, for components (audit
// pipeline, migrator) that need raw access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close closes the connection pool.
func (s *Store) Close() { s.pool.Close() }
