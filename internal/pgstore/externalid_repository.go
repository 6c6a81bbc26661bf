package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ExternalIDRepository maps caller-facing external identifiers to internal
// resource ids, and back. The cache layer batches these lookups ahead of a
// decision evaluation so a bulk check needs at most one round trip here.
type ExternalIDRepository struct {
	pool *pgxpool.Pool
}

func (r *ExternalIDRepository) Put(ctx context.Context, e *ExternalID) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO external_ids (realm_id, resource_type_id, external_id, resource_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (realm_id, resource_type_id, external_id)
		DO UPDATE SET resource_id = EXCLUDED.resource_id`,
		e.RealmID, e.ResourceTypeID, e.ExternalID, e.ResourceID)
	if err != nil {
		if isPartitionMissingError(err) {
			return ErrNoPartition
		}
		return fmt.Errorf("pgstore: put external id: %w", err)
	}
	return nil
}

func (r *ExternalIDRepository) Delete(ctx context.Context, realmID, typeID int64, externalID string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM external_ids WHERE realm_id=$1 AND resource_type_id=$2 AND external_id=$3`,
		realmID, typeID, externalID)
	if err != nil {
		return fmt.Errorf("pgstore: delete external id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveToInternal batch-resolves external ids to internal resource ids.
// Entries with no match are simply absent from the returned map; callers
// treat an unresolved external id as denied rather than erroring.
func (r *ExternalIDRepository) ResolveToInternal(ctx context.Context, realmID, typeID int64, externalIDs []string) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT external_id, resource_id FROM external_ids
		WHERE realm_id=$1 AND resource_type_id=$2 AND external_id = ANY($3)`,
		realmID, typeID, externalIDs)
	if err != nil {
		return nil, fmt.Errorf("pgstore: resolve external ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64, len(externalIDs))
	for rows.Next() {
		var extID string
		var resID int64
		if err := rows.Scan(&extID, &resID); err != nil {
			return nil, fmt.Errorf("pgstore: scan external id: %w", err)
		}
		out[extID] = resID
	}
	return out, rows.Err()
}

// ResolveToExternal is the inverse batch lookup, used to translate a
// granted internal-id set back to the caller's external vocabulary.
func (r *ExternalIDRepository) ResolveToExternal(ctx context.Context, realmID, typeID int64, resourceIDs []int64) (map[int64]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT resource_id, external_id FROM external_ids
		WHERE realm_id=$1 AND resource_type_id=$2 AND resource_id = ANY($3)`,
		realmID, typeID, resourceIDs)
	if err != nil {
		return nil, fmt.Errorf("pgstore: resolve internal ids: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string, len(resourceIDs))
	for rows.Next() {
		var resID int64
		var extID string
		if err := rows.Scan(&resID, &extID); err != nil {
			return nil, fmt.Errorf("pgstore: scan resource id: %w", err)
		}
		out[resID] = extID
	}
	return out, rows.Err()
}
