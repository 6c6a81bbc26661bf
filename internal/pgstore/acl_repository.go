package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ACLRepository persists ACL branch rows and wraps the three decision
// stored routines (authorized_resources, permitted_actions,
// conditions_for_client).
type ACLRepository struct {
	pool *pgxpool.Pool
}

// Put creates or replaces the single ACL row identified by the
// (realm, type, action, principal, role, resource) selector tuple: at most
// one row exists per selector, and repeated calls upsert its conditions
// rather than accumulate duplicate branches.
func (r *ACLRepository) Put(ctx context.Context, a *ACL) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO acl (realm_id, resource_type_id, action_id, principal_id, role_id, resource_id, conditions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (realm_id, resource_type_id, action_id, principal_id, role_id, COALESCE(resource_id, 0))
		DO UPDATE SET conditions = EXCLUDED.conditions
		RETURNING id, compiled_sql`,
		a.RealmID, a.ResourceTypeID, a.ActionID, a.PrincipalID, a.RoleID, a.ResourceID, a.Conditions)

	if err := row.Scan(&a.ID, &a.CompiledSQL); err != nil {
		if isPartitionMissingError(err) {
			return ErrNoPartition
		}
		return fmt.Errorf("pgstore: upsert acl: %w", err)
	}
	return nil
}

func (r *ACLRepository) Delete(ctx context.Context, realmID, typeID, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM acl WHERE realm_id=$1 AND resource_type_id=$2 AND id=$3`, realmID, typeID, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete acl: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ACLRepository) List(ctx context.Context, realmID, typeID int64, p Pagination) ([]*ACL, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, realm_id, resource_type_id, action_id, principal_id, role_id, resource_id, conditions, compiled_sql
		FROM acl WHERE realm_id=$1 AND resource_type_id=$2
		ORDER BY id ASC LIMIT $3 OFFSET $4`, realmID, typeID, p.limitOrDefault(), p.Offset)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list acl: %w", err)
	}
	defer rows.Close()

	var acls []*ACL
	for rows.Next() {
		var a ACL
		if err := rows.Scan(&a.ID, &a.RealmID, &a.ResourceTypeID, &a.ActionID, &a.PrincipalID,
			&a.RoleID, &a.ResourceID, &a.Conditions, &a.CompiledSQL); err != nil {
			return nil, fmt.Errorf("pgstore: scan acl: %w", err)
		}
		acls = append(acls, &a)
	}
	return acls, rows.Err()
}

// AuthorizedResources evaluates authorized_resources: the union, over every
// ACL branch that matches the principal/role selector for (type, action),
// of resources whose compiled predicate holds against ctx. candidateIDs may
// be nil to mean "no restriction".
func (r *ACLRepository) AuthorizedResources(ctx context.Context, realmID, principalID int64, roleIDs []int64, typeID, actionID int64, evalCtx json.RawMessage, candidateIDs []int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT resource_id FROM authorized_resources($1, $2, $3, $4, $5, $6, $7)`,
		realmID, principalID, roleIDs, typeID, actionID, evalCtx, candidateIDs)
	if err != nil {
		return nil, fmt.Errorf("pgstore: authorized resources: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pgstore: scan authorized resource: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PermittedAction is one row of the permitted_actions grid.
type PermittedAction struct {
	ResourceID  int64
	ActionID    int64
	IsTypeLevel bool
}

func (r *ACLRepository) PermittedActions(ctx context.Context, realmID, principalID int64, roleIDs []int64, typeID int64, resourceIDs []int64, evalCtx json.RawMessage) ([]PermittedAction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT resource_id, action_id, is_type_level FROM permitted_actions($1, $2, $3, $4, $5, $6)`,
		realmID, principalID, roleIDs, typeID, resourceIDs, evalCtx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: permitted actions: %w", err)
	}
	defer rows.Close()

	var out []PermittedAction
	for rows.Next() {
		var pa PermittedAction
		if err := rows.Scan(&pa.ResourceID, &pa.ActionID, &pa.IsTypeLevel); err != nil {
			return nil, fmt.Errorf("pgstore: scan permitted action: %w", err)
		}
		out = append(out, pa)
	}
	return out, rows.Err()
}

// ConditionsForClient is one row of the conditions_for_client classification.
type ConditionsForClient struct {
	FilterType     string // "granted_all", "denied_all", or "conditions"
	ConditionsDSL  json.RawMessage
	ExternalIDs    []string
	HasContextRefs bool
}

func (r *ACLRepository) ConditionsForClient(ctx context.Context, realmID, principalID int64, roleIDs []int64, typeID, actionID int64) (*ConditionsForClient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT filter_type, conditions_dsl, external_ids, has_context_refs
		FROM conditions_for_client($1, $2, $3, $4, $5)`,
		realmID, principalID, roleIDs, typeID, actionID)

	var out ConditionsForClient
	if err := row.Scan(&out.FilterType, &out.ConditionsDSL, &out.ExternalIDs, &out.HasContextRefs); err != nil {
		return nil, fmt.Errorf("pgstore: conditions for client: %w", err)
	}
	return &out, nil
}
