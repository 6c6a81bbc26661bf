package manifest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

// allRows mirrors realmmap's own allRows page bound; a manifest dump must
// be a complete projection, not a paginated one.
var allRows = pgstore.Pagination{Limit: 100000}

// Export reconstructs a Document from the realm's current state, the
// inverse of Apply. Cross-references are rendered back to names so the
// dump can be fed into Apply against a different realm or environment.
func (a *Applier) Export(ctx context.Context, realmName string) (*Document, error) {
	realm, err := a.store.Realms.GetByName(ctx, realmName)
	if err != nil {
		return nil, fmt.Errorf("manifest: look up realm %s: %w", realmName, err)
	}

	doc := &Document{}
	doc.Realm.Name = realm.Name
	doc.Realm.Active = realm.Active
	doc.Realm.VerificationKey = realm.VerificationKey
	doc.Realm.Algorithm = realm.Algorithm
	doc.Realm.IdPSyncConfig = realm.IdPSyncConfig

	types, err := a.store.ResourceTypes.List(ctx, realm.ID, allRows)
	if err != nil {
		return nil, fmt.Errorf("manifest: list resource types: %w", err)
	}
	typeNames := make(map[int64]string, len(types))
	for _, t := range types {
		typeNames[t.ID] = t.Name
		doc.ResourceTypes = append(doc.ResourceTypes, struct {
			Name     string `json:"name"`
			IsPublic bool   `json:"is_public"`
		}{Name: t.Name, IsPublic: t.IsPublic})
	}

	actions, err := a.store.Actions.List(ctx, realm.ID, allRows)
	if err != nil {
		return nil, fmt.Errorf("manifest: list actions: %w", err)
	}
	actionNames := make(map[int64]string, len(actions))
	for _, act := range actions {
		actionNames[act.ID] = act.Name
		doc.Actions = append(doc.Actions, struct {
			Name string `json:"name"`
		}{Name: act.Name})
	}

	roles, err := a.store.Roles.List(ctx, realm.ID, allRows)
	if err != nil {
		return nil, fmt.Errorf("manifest: list roles: %w", err)
	}
	roleNames := make(map[int64]string, len(roles))
	for _, role := range roles {
		roleNames[role.ID] = role.Name
		doc.Roles = append(doc.Roles, struct {
			Name       string          `json:"name"`
			Attributes json.RawMessage `json:"attributes,omitempty"`
		}{Name: role.Name, Attributes: role.Attributes})
	}

	principals, err := a.store.Principals.List(ctx, realm.ID, allRows)
	if err != nil {
		return nil, fmt.Errorf("manifest: list principals: %w", err)
	}
	principalNames := make(map[int64]string, len(principals))
	for _, p := range principals {
		principalNames[p.ID] = p.Username
		roleIDs, err := a.store.Principals.RoleIDs(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("manifest: list roles for principal %s: %w", p.Username, err)
		}
		names := make([]string, 0, len(roleIDs))
		for _, rid := range roleIDs {
			names = append(names, roleNames[rid])
		}
		doc.Principals = append(doc.Principals, struct {
			Username   string          `json:"username"`
			Attributes json.RawMessage `json:"attributes,omitempty"`
			Roles      []string        `json:"roles,omitempty"`
		}{Username: p.Username, Attributes: p.Attributes, Roles: names})
	}

	for _, t := range types {
		resources, err := a.store.Resources.List(ctx, realm.ID, t.ID, allRows)
		if err != nil {
			return nil, fmt.Errorf("manifest: list resources for type %s: %w", t.Name, err)
		}
		ids := make([]int64, len(resources))
		for i, res := range resources {
			ids[i] = res.ID
		}
		externalByResource, err := a.store.ExternalIDs.ResolveToExternal(ctx, realm.ID, t.ID, ids)
		if err != nil {
			return nil, fmt.Errorf("manifest: resolve external ids for type %s: %w", t.Name, err)
		}
		for _, res := range resources {
			var geometry any
			if res.GeometryWKT != nil {
				geometry = *res.GeometryWKT
			}
			doc.Resources = append(doc.Resources, struct {
				Type       string          `json:"type"`
				ExternalID string          `json:"external_id,omitempty"`
				Attributes json.RawMessage `json:"attributes,omitempty"`
				Geometry   any             `json:"geometry,omitempty"`
			}{Type: t.Name, ExternalID: externalByResource[res.ID], Attributes: res.Attributes, Geometry: geometry})
		}

		acls, err := a.store.ACLs.List(ctx, realm.ID, t.ID, allRows)
		if err != nil {
			return nil, fmt.Errorf("manifest: list acls for type %s: %w", t.Name, err)
		}
		for _, branch := range acls {
			entry := struct {
				Type             string          `json:"type"`
				Action           string          `json:"action"`
				Principal        string          `json:"principal,omitempty"`
				Role             string          `json:"role,omitempty"`
				ResourceExternal string          `json:"resource_external_id,omitempty"`
				Conditions       json.RawMessage `json:"conditions,omitempty"`
			}{
				Type:       t.Name,
				Action:     actionNames[branch.ActionID],
				Conditions: branch.Conditions,
			}
			if branch.PrincipalID != pgstore.AnonymousPrincipalID {
				entry.Principal = principalNames[branch.PrincipalID]
			}
			if branch.RoleID != pgstore.WildcardRoleID {
				entry.Role = roleNames[branch.RoleID]
			}
			if branch.ResourceID != nil {
				entry.ResourceExternal = externalByResource[*branch.ResourceID]
			}
			doc.ACLs = append(doc.ACLs, entry)
		}
	}

	return doc, nil
}
