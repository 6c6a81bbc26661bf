package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RoleRepository persists Role rows.
type RoleRepository struct {
	pool *pgxpool.Pool
}

func (r *RoleRepository) Create(ctx context.Context, role *Role) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO role (realm_id, name, attributes) VALUES ($1, $2, $3) RETURNING id`,
		role.RealmID, role.Name, role.Attributes)
	if err := row.Scan(&role.ID); err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: role %s", ErrDuplicate, role.Name)
		}
		return fmt.Errorf("pgstore: insert role: %w", err)
	}
	return nil
}

func (r *RoleRepository) GetByID(ctx context.Context, realmID, id int64) (*Role, error) {
	return r.scanOne(ctx, `SELECT id, realm_id, name, attributes FROM role WHERE realm_id=$1 AND id=$2`, realmID, id)
}

func (r *RoleRepository) GetByName(ctx context.Context, realmID int64, name string) (*Role, error) {
	return r.scanOne(ctx, `SELECT id, realm_id, name, attributes FROM role WHERE realm_id=$1 AND name=$2`, realmID, name)
}

func (r *RoleRepository) scanOne(ctx context.Context, query string, args ...any) (*Role, error) {
	row := r.pool.QueryRow(ctx, query, args...)
	var role Role
	if err := row.Scan(&role.ID, &role.RealmID, &role.Name, &role.Attributes); err != nil {
		if isNoRowsError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: get role: %w", err)
	}
	return &role, nil
}

func (r *RoleRepository) Update(ctx context.Context, role *Role) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE role SET name=$3, attributes=$4 WHERE realm_id=$1 AND id=$2`,
		role.RealmID, role.ID, role.Name, role.Attributes)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: role %s", ErrDuplicate, role.Name)
		}
		return fmt.Errorf("pgstore: update role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RoleRepository) Delete(ctx context.Context, realmID, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM role WHERE realm_id=$1 AND id=$2`, realmID, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RoleRepository) List(ctx context.Context, realmID int64, p Pagination) ([]*Role, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, realm_id, name, attributes FROM role WHERE realm_id=$1
		ORDER BY name ASC LIMIT $2 OFFSET $3`, realmID, p.limitOrDefault(), p.Offset)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list roles: %w", err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.RealmID, &role.Name, &role.Attributes); err != nil {
			return nil, fmt.Errorf("pgstore: scan role: %w", err)
		}
		roles = append(roles, &role)
	}
	return roles, rows.Err()
}
