package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLogRepository appends and queries authorization_log rows.
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

func (r *AuditLogRepository) Insert(ctx context.Context, entry *AuthorizationLog) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO authorization_log (realm_name, principal_id, action_name, type_name, decision, granted_internal, granted_external)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, occurred_at`,
		entry.RealmName, entry.PrincipalID, entry.ActionName, entry.TypeName, entry.Decision,
		entry.GrantedInternal, entry.GrantedExternal)
	if err := row.Scan(&entry.ID, &entry.OccurredAt); err != nil {
		return fmt.Errorf("pgstore: insert audit log: %w", err)
	}
	return nil
}

// InsertBatch is the drainer's bulk-flush path: one round trip for an
// entire queue batch rather than one insert per entry.
func (r *AuditLogRepository) InsertBatch(ctx context.Context, entries []*AuthorizationLog) error {
	if len(entries) == 0 {
		return nil
	}
	batch := make([][]any, len(entries))
	for i, e := range entries {
		batch[i] = []any{e.RealmName, e.PrincipalID, e.ActionName, e.TypeName, e.Decision, e.GrantedInternal, e.GrantedExternal}
	}
	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"authorization_log"},
		[]string{"realm_name", "principal_id", "action_name", "type_name", "decision", "granted_internal", "granted_external"},
		pgx.CopyFromRows(batch),
	)
	if err != nil {
		return fmt.Errorf("pgstore: batch insert audit log: %w", err)
	}
	return nil
}

func (r *AuditLogRepository) ListByRealm(ctx context.Context, realmName string, since time.Time, p Pagination) ([]*AuthorizationLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, occurred_at, realm_name, principal_id, action_name, type_name, decision, granted_internal, granted_external
		FROM authorization_log
		WHERE realm_name = $1 AND occurred_at >= $2
		ORDER BY occurred_at DESC LIMIT $3 OFFSET $4`,
		realmName, since, p.limitOrDefault(), p.Offset)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuthorizationLog
	for rows.Next() {
		var e AuthorizationLog
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.RealmName, &e.PrincipalID, &e.ActionName,
			&e.TypeName, &e.Decision, &e.GrantedInternal, &e.GrantedExternal); err != nil {
			return nil, fmt.Errorf("pgstore: scan audit log: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
