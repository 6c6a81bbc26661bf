package decision

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/realmmap"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/token"
)

// ConditionsForClientRequest asks for the classification of a
// (type, action) pair against a principal, for a caller that wants to
// fuse authorization into its own query rather than enumerate resources.
type ConditionsForClientRequest struct {
	RealmName      string
	Principal      *token.Principal
	TypeName       string
	ActionName     string
	RoleNameFilter []string
}

// ConditionsForClientResult mirrors conditions_for_client's four outputs.
type ConditionsForClientResult struct {
	FilterType     string          `json:"filter_type"`
	ConditionsDSL  json.RawMessage `json:"conditions_dsl,omitempty"`
	ExternalIDs    []string        `json:"external_ids,omitempty"`
	HasContextRefs bool            `json:"has_context_refs"`
}

// ConditionsForClient classifies every matching ACL branch for (type,
// action) without evaluating a specific resource set, so a caller can fuse
// the result into its own query in one round trip.
func (o *Orchestrator) ConditionsForClient(ctx context.Context, req ConditionsForClientRequest) (*ConditionsForClientResult, error) {
	realm, err := realmmap.Resolve(ctx, o.realms, o.acts, o.types, o.roles, o.cache, req.RealmName)
	if err != nil {
		return nil, wrapRealmLookup(req.RealmName, err)
	}

	roleIDs, err := effectiveRoleIDs(realm, req.Principal, req.RoleNameFilter)
	if err != nil {
		return nil, err
	}

	typeID, ok := realm.Types[req.TypeName]
	if !ok {
		return nil, fmt.Errorf("decision: unknown resource type %q: %w", req.TypeName, ErrBadRequest)
	}
	actionID, ok := realm.Actions[req.ActionName]
	if !ok {
		return nil, fmt.Errorf("decision: unknown action %q: %w", req.ActionName, ErrBadRequest)
	}

	out, err := o.acl.ConditionsForClient(ctx, realm.ID, req.Principal.ID, roleIDs, typeID, actionID)
	if err != nil {
		return nil, fmt.Errorf("decision: conditions for client: %w", err)
	}
	return &ConditionsForClientResult{
		FilterType:     out.FilterType,
		ConditionsDSL:  out.ConditionsDSL,
		ExternalIDs:    out.ExternalIDs,
		HasContextRefs: out.HasContextRefs,
	}, nil
}

