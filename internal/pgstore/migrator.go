package pgstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockID keys the advisory lock that serializes Migrate across
// processes sharing one database.
const migrationLockID = 7241_3857

type migration struct {
	version int
	name    string
	sql     string
}

// loadMigrations reads the embedded migrations directory into ordered
// (version, name, sql) triples. Filenames must look like 0001_schema.sql;
// anything else is a packaging mistake surfaced at boot rather than a file
// to skip over.
func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("pgstore: read migrations dir: %w", err)
	}

	out := make([]migration, 0, len(entries))
	for _, entry := range entries {
		base, isSQL := strings.CutSuffix(entry.Name(), ".sql")
		if entry.IsDir() || !isSQL {
			return nil, fmt.Errorf("pgstore: unexpected entry %q in migrations dir", entry.Name())
		}
		prefix, label, found := strings.Cut(base, "_")
		if !found {
			return nil, fmt.Errorf("pgstore: migration %q is missing its NNNN_ version prefix", entry.Name())
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("pgstore: migration %q has a non-numeric version prefix", entry.Name())
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("pgstore: read migration %q: %w", entry.Name(), err)
		}
		out = append(out, migration{version: version, name: label, sql: string(content)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	for i := 1; i < len(out); i++ {
		if out[i].version == out[i-1].version {
			return nil, fmt.Errorf("pgstore: migrations %q and %q share version %d", out[i-1].name, out[i].name, out[i].version)
		}
	}
	return out, nil
}

// Migrate brings the schema up to date: one transaction holding a
// transaction-scoped advisory lock applies every migration newer than the
// recorded watermark and advances policy_schema_version as it goes. The
// whole run commits or rolls back as a unit — nothing in this schema needs
// a non-transactional statement, and a process that loses the lock race
// simply sees the winner's watermark once the lock frees.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("pgstore: acquire migration lock: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS policy_schema_version (
			version    INT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("pgstore: ensure version table: %w", err)
	}

	var watermark int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM policy_schema_version`).Scan(&watermark); err != nil {
		return fmt.Errorf("pgstore: read schema watermark: %w", err)
	}

	for _, m := range migrations {
		if m.version <= watermark {
			continue
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("pgstore: apply migration %04d_%s: %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO policy_schema_version (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
			return fmt.Errorf("pgstore: record migration %04d_%s: %w", m.version, m.name, err)
		}
	}

	return tx.Commit(ctx)
}
