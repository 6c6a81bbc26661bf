package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RealmRepository persists Realm rows, the top-level tenant boundary every
// other entity cascades from.
type RealmRepository struct {
	pool       *pgxpool.Pool
	partitions *PartitionManager
}

func (r *RealmRepository) Create(ctx context.Context, realm *Realm) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO realm (name, active, verification_key, algorithm, idp_sync_config)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		realm.Name, realm.Active, realm.VerificationKey, realm.Algorithm, realm.IdPSyncConfig)

	if err := row.Scan(&realm.ID, &realm.CreatedAt, &realm.UpdatedAt); err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: realm %s", ErrDuplicate, realm.Name)
		}
		return fmt.Errorf("pgstore: insert realm: %w", err)
	}
	return r.partitions.CreateRealmPartitions(ctx, realm.ID)
}

func (r *RealmRepository) GetByID(ctx context.Context, id int64) (*Realm, error) {
	return r.scanOne(ctx, `
		SELECT id, name, active, verification_key, algorithm, idp_sync_config, created_at, updated_at
		FROM realm WHERE id = $1`, id)
}

func (r *RealmRepository) GetByName(ctx context.Context, name string) (*Realm, error) {
	return r.scanOne(ctx, `
		SELECT id, name, active, verification_key, algorithm, idp_sync_config, created_at, updated_at
		FROM realm WHERE name = $1`, name)
}

func (r *RealmRepository) scanOne(ctx context.Context, query string, arg any) (*Realm, error) {
	row := r.pool.QueryRow(ctx, query, arg)
	var realm Realm
	err := row.Scan(&realm.ID, &realm.Name, &realm.Active, &realm.VerificationKey,
		&realm.Algorithm, &realm.IdPSyncConfig, &realm.CreatedAt, &realm.UpdatedAt)
	if err != nil {
		if isNoRowsError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: get realm: %w", err)
	}
	return &realm, nil
}

func (r *RealmRepository) Update(ctx context.Context, realm *Realm) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE realm SET name=$2, active=$3, verification_key=$4, algorithm=$5,
			idp_sync_config=$6, updated_at=NOW()
		WHERE id=$1`,
		realm.ID, realm.Name, realm.Active, realm.VerificationKey, realm.Algorithm, realm.IdPSyncConfig)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: realm %s", ErrDuplicate, realm.Name)
		}
		return fmt.Errorf("pgstore: update realm: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the realm row and its partition tree. The relational
// children (resource_type, action, role, principal) cascade via FK; the
// physical partitions are dropped explicitly since they aren't FK children.
func (r *RealmRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM realm WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete realm: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return r.partitions.DropRealmPartitions(ctx, id)
}

func (r *RealmRepository) List(ctx context.Context, p Pagination) ([]*Realm, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, active, verification_key, algorithm, idp_sync_config, created_at, updated_at
		FROM realm ORDER BY name ASC LIMIT $1 OFFSET $2`, p.limitOrDefault(), p.Offset)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list realms: %w", err)
	}
	defer rows.Close()

	var realms []*Realm
	for rows.Next() {
		var realm Realm
		if err := rows.Scan(&realm.ID, &realm.Name, &realm.Active, &realm.VerificationKey,
			&realm.Algorithm, &realm.IdPSyncConfig, &realm.CreatedAt, &realm.UpdatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan realm: %w", err)
		}
		realms = append(realms, &realm)
	}
	return realms, rows.Err()
}
