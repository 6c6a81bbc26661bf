package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ResourceTypeRepository persists ResourceType rows. Create also provisions
// the (realm, type) leaf partitions so resource/acl/external_ids writes
// against the new type succeed immediately.
type ResourceTypeRepository struct {
	pool       *pgxpool.Pool
	partitions *PartitionManager
}

func (r *ResourceTypeRepository) Create(ctx context.Context, rt *ResourceType) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO resource_type (realm_id, name, is_public)
		VALUES ($1, $2, $3)
		RETURNING id`,
		rt.RealmID, rt.Name, rt.IsPublic)

	if err := row.Scan(&rt.ID); err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: resource type %s", ErrDuplicate, rt.Name)
		}
		return fmt.Errorf("pgstore: insert resource type: %w", err)
	}

	if err := r.partitions.CreateResourceTypePartitions(ctx, rt.RealmID, rt.ID); err != nil {
		return err
	}
	return nil
}

func (r *ResourceTypeRepository) GetByID(ctx context.Context, realmID, id int64) (*ResourceType, error) {
	return r.scanOne(ctx, `
		SELECT id, realm_id, name, is_public FROM resource_type
		WHERE realm_id = $1 AND id = $2`, realmID, id)
}

func (r *ResourceTypeRepository) GetByName(ctx context.Context, realmID int64, name string) (*ResourceType, error) {
	return r.scanOne(ctx, `
		SELECT id, realm_id, name, is_public FROM resource_type
		WHERE realm_id = $1 AND name = $2`, realmID, name)
}

func (r *ResourceTypeRepository) scanOne(ctx context.Context, query string, args ...any) (*ResourceType, error) {
	row := r.pool.QueryRow(ctx, query, args...)
	var rt ResourceType
	if err := row.Scan(&rt.ID, &rt.RealmID, &rt.Name, &rt.IsPublic); err != nil {
		if isNoRowsError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: get resource type: %w", err)
	}
	return &rt, nil
}

func (r *ResourceTypeRepository) Update(ctx context.Context, rt *ResourceType) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE resource_type SET name=$3, is_public=$4
		WHERE realm_id=$1 AND id=$2`,
		rt.RealmID, rt.ID, rt.Name, rt.IsPublic)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: resource type %s", ErrDuplicate, rt.Name)
		}
		return fmt.Errorf("pgstore: update resource type: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the resource_type row and its leaf partitions.
func (r *ResourceTypeRepository) Delete(ctx context.Context, realmID, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM resource_type WHERE realm_id=$1 AND id=$2`, realmID, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete resource type: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return r.partitions.DropResourceTypePartitions(ctx, realmID, id)
}

func (r *ResourceTypeRepository) List(ctx context.Context, realmID int64, p Pagination) ([]*ResourceType, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, realm_id, name, is_public FROM resource_type
		WHERE realm_id = $1 ORDER BY name ASC LIMIT $2 OFFSET $3`,
		realmID, p.limitOrDefault(), p.Offset)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list resource types: %w", err)
	}
	defer rows.Close()

	var types []*ResourceType
	for rows.Next() {
		var rt ResourceType
		if err := rows.Scan(&rt.ID, &rt.RealmID, &rt.Name, &rt.IsPublic); err != nil {
			return nil, fmt.Errorf("pgstore: scan resource type: %w", err)
		}
		types = append(types, &rt)
	}
	return types, rows.Err()
}
