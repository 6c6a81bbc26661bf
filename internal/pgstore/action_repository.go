package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ActionRepository persists Action rows.
type ActionRepository struct {
	pool *pgxpool.Pool
}

func (r *ActionRepository) Create(ctx context.Context, a *Action) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO action (realm_id, name) VALUES ($1, $2) RETURNING id`,
		a.RealmID, a.Name)
	if err := row.Scan(&a.ID); err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: action %s", ErrDuplicate, a.Name)
		}
		return fmt.Errorf("pgstore: insert action: %w", err)
	}
	return nil
}

func (r *ActionRepository) GetByID(ctx context.Context, realmID, id int64) (*Action, error) {
	return r.scanOne(ctx, `SELECT id, realm_id, name FROM action WHERE realm_id=$1 AND id=$2`, realmID, id)
}

func (r *ActionRepository) GetByName(ctx context.Context, realmID int64, name string) (*Action, error) {
	return r.scanOne(ctx, `SELECT id, realm_id, name FROM action WHERE realm_id=$1 AND name=$2`, realmID, name)
}

func (r *ActionRepository) scanOne(ctx context.Context, query string, args ...any) (*Action, error) {
	row := r.pool.QueryRow(ctx, query, args...)
	var a Action
	if err := row.Scan(&a.ID, &a.RealmID, &a.Name); err != nil {
		if isNoRowsError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: get action: %w", err)
	}
	return &a, nil
}

func (r *ActionRepository) Delete(ctx context.Context, realmID, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM action WHERE realm_id=$1 AND id=$2`, realmID, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ActionRepository) List(ctx context.Context, realmID int64, p Pagination) ([]*Action, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, realm_id, name FROM action WHERE realm_id=$1
		ORDER BY name ASC LIMIT $2 OFFSET $3`, realmID, p.limitOrDefault(), p.Offset)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list actions: %w", err)
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.RealmID, &a.Name); err != nil {
			return nil, fmt.Errorf("pgstore: scan action: %w", err)
		}
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}
