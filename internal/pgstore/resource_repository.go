package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/geo"
)

// ResourceRepository persists Resource rows. Geometry, when present, is
// always stored and read back at geo.TargetSRID.
type ResourceRepository struct {
	pool *pgxpool.Pool
}

func (r *ResourceRepository) Create(ctx context.Context, res *Resource) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO resource (realm_id, resource_type_id, attributes, geometry)
		VALUES ($1, $2, $3, ST_GeomFromText($4, $5))
		RETURNING id`,
		res.RealmID, res.ResourceTypeID, res.Attributes, res.GeometryWKT, geo.TargetSRID)
	if err := row.Scan(&res.ID); err != nil {
		if isPartitionMissingError(err) {
			return ErrNoPartition
		}
		return fmt.Errorf("pgstore: insert resource: %w", err)
	}
	return nil
}

func (r *ResourceRepository) GetByID(ctx context.Context, realmID, typeID, id int64) (*Resource, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, realm_id, resource_type_id, attributes, ST_AsText(geometry)
		FROM resource WHERE realm_id=$1 AND resource_type_id=$2 AND id=$3`,
		realmID, typeID, id)

	var res Resource
	if err := row.Scan(&res.ID, &res.RealmID, &res.ResourceTypeID, &res.Attributes, &res.GeometryWKT); err != nil {
		if isNoRowsError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: get resource: %w", err)
	}
	return &res, nil
}

// GetByIDs batch-loads resources by internal id, for the orchestrator's
// per-item evaluation fan-out.
func (r *ResourceRepository) GetByIDs(ctx context.Context, realmID, typeID int64, ids []int64) ([]*Resource, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, realm_id, resource_type_id, attributes, ST_AsText(geometry)
		FROM resource WHERE realm_id=$1 AND resource_type_id=$2 AND id = ANY($3)`,
		realmID, typeID, ids)
	if err != nil {
		return nil, fmt.Errorf("pgstore: batch get resources: %w", err)
	}
	defer rows.Close()

	var resources []*Resource
	for rows.Next() {
		var res Resource
		if err := rows.Scan(&res.ID, &res.RealmID, &res.ResourceTypeID, &res.Attributes, &res.GeometryWKT); err != nil {
			return nil, fmt.Errorf("pgstore: scan resource: %w", err)
		}
		resources = append(resources, &res)
	}
	return resources, rows.Err()
}

func (r *ResourceRepository) Update(ctx context.Context, res *Resource) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE resource SET attributes=$4, geometry=ST_GeomFromText($5, $6)
		WHERE realm_id=$1 AND resource_type_id=$2 AND id=$3`,
		res.RealmID, res.ResourceTypeID, res.ID, res.Attributes, res.GeometryWKT, geo.TargetSRID)
	if err != nil {
		return fmt.Errorf("pgstore: update resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ResourceRepository) Delete(ctx context.Context, realmID, typeID, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM resource WHERE realm_id=$1 AND resource_type_id=$2 AND id=$3`,
		realmID, typeID, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ResourceRepository) List(ctx context.Context, realmID, typeID int64, p Pagination) ([]*Resource, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, realm_id, resource_type_id, attributes, ST_AsText(geometry)
		FROM resource WHERE realm_id=$1 AND resource_type_id=$2
		ORDER BY id ASC LIMIT $3 OFFSET $4`,
		realmID, typeID, p.limitOrDefault(), p.Offset)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list resources: %w", err)
	}
	defer rows.Close()

	var resources []*Resource
	for rows.Next() {
		var res Resource
		if err := rows.Scan(&res.ID, &res.RealmID, &res.ResourceTypeID, &res.Attributes, &res.GeometryWKT); err != nil {
			return nil, fmt.Errorf("pgstore: scan resource: %w", err)
		}
		resources = append(resources, &res)
	}
	return resources, rows.Err()
}
