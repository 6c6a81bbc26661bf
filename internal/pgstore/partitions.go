package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PartitionManager creates and drops the per-realm and per-type list
// partitions of resource/acl/external_ids. Table names embed only integer
// primary keys generated by this process, never caller input, so they are
// safe to interpolate directly.
type PartitionManager struct {
	pool *pgxpool.Pool
}

var partitionedTables = [3]string{"resource", "acl", "external_ids"}

func realmPartitionName(table string, realmID int64) string {
	return fmt.Sprintf("%s_realm_%d", table, realmID)
}

func typePartitionName(table string, realmID, typeID int64) string {
	return fmt.Sprintf("%s_realm_%d_type_%d", table, realmID, typeID)
}

// CreateRealmPartitions creates the intermediate per-realm partition (one
// per base table), itself further partitioned by resource_type_id. Safe to
// call repeatedly and concurrently.
func (p *PartitionManager) CreateRealmPartitions(ctx context.Context, realmID int64) error {
	for _, table := range partitionedTables {
		name := realmPartitionName(table, realmID)
		sql := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES IN (%d) PARTITION BY LIST (resource_type_id)`,
			name, table, realmID)
		if _, err := p.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("pgstore: create realm partition %s: %w", name, err)
		}
	}
	return nil
}

// CreateResourceTypePartitions creates the leaf partition for (realm, type)
// inside each of the three realm parents. The realm partitions must exist
// first.
func (p *PartitionManager) CreateResourceTypePartitions(ctx context.Context, realmID, typeID int64) error {
	for _, table := range partitionedTables {
		parent := realmPartitionName(table, realmID)
		leaf := typePartitionName(table, realmID, typeID)
		sql := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES IN (%d)`,
			leaf, parent, typeID)
		if _, err := p.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("pgstore: create type partition %s: %w", leaf, err)
		}
	}
	return nil
}

// DropResourceTypePartitions drops the leaf partitions for (realm, type).
func (p *PartitionManager) DropResourceTypePartitions(ctx context.Context, realmID, typeID int64) error {
	for _, table := range partitionedTables {
		leaf := typePartitionName(table, realmID, typeID)
		sql := fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, leaf)
		if _, err := p.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("pgstore: drop type partition %s: %w", leaf, err)
		}
	}
	return nil
}

// DropRealmPartitions drops the realm-level parent partitions (and,
// transitively via CASCADE, any leaf partitions still attached).
func (p *PartitionManager) DropRealmPartitions(ctx context.Context, realmID int64) error {
	for _, table := range partitionedTables {
		name := realmPartitionName(table, realmID)
		sql := fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, name)
		if _, err := p.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("pgstore: drop realm partition %s: %w", name, err)
		}
	}
	return nil
}
