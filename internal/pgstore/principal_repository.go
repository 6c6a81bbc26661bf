package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PrincipalRepository persists Principal rows and their principal_roles
// assignments. AnonymousPrincipalID is a sentinel, not a stored row, and is
// never created or deleted through this repository.
type PrincipalRepository struct {
	pool *pgxpool.Pool
}

func (r *PrincipalRepository) Create(ctx context.Context, p *Principal) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO principal (realm_id, username, attributes) VALUES ($1, $2, $3) RETURNING id`,
		p.RealmID, p.Username, p.Attributes)
	if err := row.Scan(&p.ID); err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: principal %s", ErrDuplicate, p.Username)
		}
		return fmt.Errorf("pgstore: insert principal: %w", err)
	}
	return nil
}

// GetByID returns the principal row with RoleIDs populated from
// principal_roles.
func (r *PrincipalRepository) GetByID(ctx context.Context, realmID, id int64) (*Principal, error) {
	p, err := r.scanOne(ctx, `
		SELECT id, realm_id, username, attributes FROM principal WHERE realm_id=$1 AND id=$2`, realmID, id)
	if err != nil {
		return nil, err
	}
	roleIDs, err := r.RoleIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	p.RoleIDs = roleIDs
	return p, nil
}

func (r *PrincipalRepository) GetByUsername(ctx context.Context, realmID int64, username string) (*Principal, error) {
	p, err := r.scanOne(ctx, `
		SELECT id, realm_id, username, attributes FROM principal WHERE realm_id=$1 AND username=$2`, realmID, username)
	if err != nil {
		return nil, err
	}
	roleIDs, err := r.RoleIDs(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.RoleIDs = roleIDs
	return p, nil
}

func (r *PrincipalRepository) scanOne(ctx context.Context, query string, args ...any) (*Principal, error) {
	row := r.pool.QueryRow(ctx, query, args...)
	var p Principal
	if err := row.Scan(&p.ID, &p.RealmID, &p.Username, &p.Attributes); err != nil {
		if isNoRowsError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: get principal: %w", err)
	}
	return &p, nil
}

// RoleIDs returns the effective direct role assignment for a principal,
// excluding the WildcardRoleID sentinel (which ACL rows match implicitly,
// never via an explicit assignment row).
func (r *PrincipalRepository) RoleIDs(ctx context.Context, principalID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT role_id FROM principal_roles WHERE principal_id = $1 AND role_id <> $2`, principalID, WildcardRoleID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list principal roles: %w", err)
	}
	defer rows.Close()

	var roleIDs []int64
	for rows.Next() {
		var roleID int64
		if err := rows.Scan(&roleID); err != nil {
			return nil, fmt.Errorf("pgstore: scan principal role: %w", err)
		}
		roleIDs = append(roleIDs, roleID)
	}
	return roleIDs, rows.Err()
}

func (r *PrincipalRepository) AssignRole(ctx context.Context, principalID, roleID int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO principal_roles (principal_id, role_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, principalID, roleID)
	if err != nil {
		return fmt.Errorf("pgstore: assign role: %w", err)
	}
	return nil
}

func (r *PrincipalRepository) UnassignRole(ctx context.Context, principalID, roleID int64) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM principal_roles WHERE principal_id=$1 AND role_id=$2`, principalID, roleID)
	if err != nil {
		return fmt.Errorf("pgstore: unassign role: %w", err)
	}
	return nil
}

func (r *PrincipalRepository) Update(ctx context.Context, p *Principal) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE principal SET username=$3, attributes=$4 WHERE realm_id=$1 AND id=$2`,
		p.RealmID, p.ID, p.Username, p.Attributes)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: principal %s", ErrDuplicate, p.Username)
		}
		return fmt.Errorf("pgstore: update principal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PrincipalRepository) Delete(ctx context.Context, realmID, id int64) error {
	if id == AnonymousPrincipalID {
		return fmt.Errorf("%w: cannot delete the anonymous principal", ErrForbidden)
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM principal WHERE realm_id=$1 AND id=$2`, realmID, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete principal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PrincipalRepository) List(ctx context.Context, realmID int64, p Pagination) ([]*Principal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, realm_id, username, attributes FROM principal WHERE realm_id=$1
		ORDER BY username ASC LIMIT $2 OFFSET $3`, realmID, p.limitOrDefault(), p.Offset)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list principals: %w", err)
	}
	defer rows.Close()

	var principals []*Principal
	for rows.Next() {
		var principal Principal
		if err := rows.Scan(&principal.ID, &principal.RealmID, &principal.Username, &principal.Attributes); err != nil {
			return nil, fmt.Errorf("pgstore: scan principal: %w", err)
		}
		principals = append(principals, &principal)
	}
	return principals, rows.Err()
}
