package decision

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/realmmap"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/token"
)

// PermittedActionsItem is one (type, external ids?) entry of a
// get_permitted_actions request.
type PermittedActionsItem struct {
	TypeName            string
	ExternalResourceIDs []string
}

// PermittedActionsRequest is a full get_permitted_actions call.
type PermittedActionsRequest struct {
	RealmName      string
	Principal      *token.Principal
	Items          []PermittedActionsItem
	Context        map[string]any
	RoleNameFilter []string
}

// PermittedActionsResult carries the union of type-level and
// resource-level permitted actions for one external id, or for the type
// as a whole when the item carried no external ids.
type PermittedActionsResult struct {
	TypeName    string
	ExternalID  string // empty when the item supplied no external ids
	ActionNames []string
}

// GetPermittedActions resolves, per item, the set of actions the caller
// may perform: an unconditional type-level probe (which also covers
// external ids that don't exist yet) merged with the resource-level grid
// when internal ids were resolved.
func (o *Orchestrator) GetPermittedActions(ctx context.Context, req PermittedActionsRequest) ([]PermittedActionsResult, error) {
	realm, err := realmmap.Resolve(ctx, o.realms, o.acts, o.types, o.roles, o.cache, req.RealmName)
	if err != nil {
		return nil, wrapRealmLookup(req.RealmName, err)
	}

	roleIDs, err := effectiveRoleIDs(realm, req.Principal, req.RoleNameFilter)
	if err != nil {
		return nil, err
	}

	evalCtx, err := buildEvalContext(req.Principal, req.Context)
	if err != nil {
		return nil, fmt.Errorf("decision: build eval context: %w", err)
	}

	actionNamesByID := make(map[int64]string, len(realm.Actions))
	for name, id := range realm.Actions {
		actionNamesByID[id] = name
	}

	var out []PermittedActionsResult
	for _, item := range req.Items {
		typeID, ok := realm.Types[item.TypeName]
		if !ok {
			return nil, fmt.Errorf("decision: unknown resource type %q: %w", item.TypeName, ErrBadRequest)
		}

		typeLevel, err := o.permittedActionNames(ctx, realm.ID, req.Principal.ID, roleIDs, typeID, nil, evalCtx, actionNamesByID)
		if err != nil {
			return nil, fmt.Errorf("decision: type-level permitted actions: %w", err)
		}

		if len(item.ExternalResourceIDs) == 0 {
			out = append(out, PermittedActionsResult{TypeName: item.TypeName, ActionNames: typeLevel.union(nil)})
			continue
		}

		resolved, err := o.resolveExternalIDs(ctx, realm.ID, typeID, dedupeStrings(item.ExternalResourceIDs))
		if err != nil {
			return nil, err
		}
		internalIDs, _, _ := splitResolved(item.ExternalResourceIDs, resolved)

		var byResource map[int64]actionNameSet
		if len(internalIDs) > 0 {
			byResource, err = o.permittedActionNamesByResource(ctx, realm.ID, req.Principal.ID, roleIDs, typeID, internalIDs, evalCtx, actionNamesByID)
			if err != nil {
				return nil, fmt.Errorf("decision: resource-level permitted actions: %w", err)
			}
		}

		for _, ext := range item.ExternalResourceIDs {
			internalID, ok := resolved[ext]
			var granted actionNameSet
			if ok {
				granted = byResource[internalID]
			}
			out = append(out, PermittedActionsResult{
				TypeName:    item.TypeName,
				ExternalID:  ext,
				ActionNames: typeLevel.union(granted),
			})
		}
	}
	return out, nil
}

type actionNameSet map[string]bool

func (s actionNameSet) union(other actionNameSet) []string {
	merged := make(map[string]bool, len(s)+len(other))
	for name := range s {
		merged[name] = true
	}
	for name := range other {
		merged[name] = true
	}
	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	return names
}

func (o *Orchestrator) permittedActionNames(ctx context.Context, realmID, principalID int64, roleIDs []int64, typeID int64, resourceIDs []int64, evalCtx json.RawMessage, actionNamesByID map[int64]string) (actionNameSet, error) {
	rows, err := o.acl.PermittedActions(ctx, realmID, principalID, roleIDs, typeID, resourceIDs, evalCtx)
	if err != nil {
		return nil, err
	}
	set := actionNameSet{}
	for _, row := range rows {
		if name, ok := actionNamesByID[row.ActionID]; ok {
			set[name] = true
		}
	}
	return set, nil
}

// permittedActionNamesByResource groups permitted_actions rows per
// resource id, dropping the type-level rows since those are already
// covered by the unconditional probe.
func (o *Orchestrator) permittedActionNamesByResource(ctx context.Context, realmID, principalID int64, roleIDs []int64, typeID int64, resourceIDs []int64, evalCtx json.RawMessage, actionNamesByID map[int64]string) (map[int64]actionNameSet, error) {
	rows, err := o.acl.PermittedActions(ctx, realmID, principalID, roleIDs, typeID, resourceIDs, evalCtx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]actionNameSet, len(resourceIDs))
	for _, row := range rows {
		if row.IsTypeLevel {
			continue
		}
		name, ok := actionNamesByID[row.ActionID]
		if !ok {
			continue
		}
		set, ok := out[row.ResourceID]
		if !ok {
			set = actionNameSet{}
			out[row.ResourceID] = set
		}
		set[name] = true
	}
	return out, nil
}
