// Package manifest implements the declarative bulk-load/export collaborator:
// a JSON document describing a realm's whole entity tree, applied in one
// request instead of one CRUD call per row. It is an external collaborator
// to the decision subsystem — it only ever goes through the same
// internal/pgstore repositories a CRUD handler would use, in dependency
// order so that partitions exist before the rows that need them.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/cache"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/dsl"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/geo"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

// Mode selects how Apply reconciles a document against existing state.
type Mode string

const (
	// ModeReplace deletes the named realm (cascading every descendant row
	// and partition) and recreates it from the document.
	ModeReplace Mode = "replace"
	// ModeCreate creates only entities absent from the realm; an entity
	// that already exists by its unique name is left untouched. ACL
	// branches are still upserted by their selector tuple, and a listed
	// principal's role assignments are still added, as in every mode.
	ModeCreate Mode = "create"
	// ModeUpdate upserts: existing entities are updated in place, missing
	// ones are created.
	ModeUpdate Mode = "update"
)

// Document is the declarative shape applied or exported as a unit. Every
// cross-reference (a principal's roles, an ACL's selector) is by name
// within the realm, resolved during Apply rather than carried as a
// database id the caller would have no way to know in advance.
type Document struct {
	Realm struct {
		Name            string          `json:"name"`
		Active          bool            `json:"active"`
		VerificationKey string          `json:"verification_key,omitempty"`
		Algorithm       string          `json:"algorithm,omitempty"`
		IdPSyncConfig   json.RawMessage `json:"idp_sync_config,omitempty"`
	} `json:"realm"`
	ResourceTypes []struct {
		Name     string `json:"name"`
		IsPublic bool   `json:"is_public"`
	} `json:"resource_types"`
	Actions []struct {
		Name string `json:"name"`
	} `json:"actions"`
	Roles []struct {
		Name       string          `json:"name"`
		Attributes json.RawMessage `json:"attributes,omitempty"`
	} `json:"roles"`
	Principals []struct {
		Username   string          `json:"username"`
		Attributes json.RawMessage `json:"attributes,omitempty"`
		Roles      []string        `json:"roles,omitempty"`
	} `json:"principals"`
	Resources []struct {
		Type       string          `json:"type"`
		ExternalID string          `json:"external_id,omitempty"`
		Attributes json.RawMessage `json:"attributes,omitempty"`
		Geometry   any             `json:"geometry,omitempty"`
	} `json:"resources"`
	ACLs []struct {
		Type             string          `json:"type"`
		Action           string          `json:"action"`
		Principal        string          `json:"principal,omitempty"`
		Role             string          `json:"role,omitempty"`
		ResourceExternal string          `json:"resource_external_id,omitempty"`
		Conditions       json.RawMessage `json:"conditions,omitempty"`
	} `json:"acls"`
}

// Applier loads and dumps Documents against a live store.
type Applier struct {
	store *pgstore.Store
	cache *cache.Cache
}

// New builds an Applier.
func New(store *pgstore.Store, c *cache.Cache) *Applier {
	return &Applier{store: store, cache: c}
}

// Apply reconciles doc against the database per mode. Sections are applied
// in dependency order — resource types before resources and ACLs, every
// entity before the ACLs that reference it — matching how the repositories
// themselves require partitions to exist before rows are written into them.
func (a *Applier) Apply(ctx context.Context, mode Mode, doc *Document) (realmID int64, err error) {
	realm, err := a.ensureRealm(ctx, mode, doc)
	if err != nil {
		return 0, err
	}

	types, err := a.applyResourceTypes(ctx, mode, realm.ID, doc)
	if err != nil {
		return 0, err
	}
	actions, err := a.applyActions(ctx, mode, realm.ID, doc)
	if err != nil {
		return 0, err
	}
	roles, err := a.applyRoles(ctx, mode, realm.ID, doc)
	if err != nil {
		return 0, err
	}
	if err := a.applyPrincipals(ctx, mode, realm.ID, roles, doc); err != nil {
		return 0, err
	}
	externalIDs, err := a.applyResources(ctx, mode, realm.ID, types, doc)
	if err != nil {
		return 0, err
	}
	if err := a.applyACLs(ctx, realm.ID, types, actions, roles, externalIDs, doc); err != nil {
		return 0, err
	}

	a.cache.InvalidateRealm(ctx, realm.Name)
	a.cache.InvalidateTypeDecisions(ctx, realm.ID)
	return realm.ID, nil
}

func (a *Applier) ensureRealm(ctx context.Context, mode Mode, doc *Document) (*pgstore.Realm, error) {
	existing, err := a.store.Realms.GetByName(ctx, doc.Realm.Name)
	switch {
	case err == nil && mode == ModeReplace:
		if err := a.store.Realms.Delete(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("manifest: delete realm for replace: %w", err)
		}
	case err == nil:
		// create and update both keep an existing realm; update also
		// refreshes its mutable fields.
		if mode == ModeUpdate {
			existing.Active = doc.Realm.Active
			existing.VerificationKey = doc.Realm.VerificationKey
			existing.Algorithm = doc.Realm.Algorithm
			existing.IdPSyncConfig = doc.Realm.IdPSyncConfig
			if err := a.store.Realms.Update(ctx, existing); err != nil {
				return nil, fmt.Errorf("manifest: update realm: %w", err)
			}
		}
		return existing, nil
	case !errors.Is(err, pgstore.ErrNotFound):
		return nil, fmt.Errorf("manifest: look up realm: %w", err)
	}

	realm := &pgstore.Realm{
		Name:            doc.Realm.Name,
		Active:          doc.Realm.Active,
		VerificationKey: doc.Realm.VerificationKey,
		Algorithm:       doc.Realm.Algorithm,
		IdPSyncConfig:   doc.Realm.IdPSyncConfig,
	}
	if realm.Algorithm == "" {
		realm.Algorithm = "HS256"
	}
	if err := a.store.Realms.Create(ctx, realm); err != nil {
		return nil, fmt.Errorf("manifest: create realm: %w", err)
	}
	return realm, nil
}

func (a *Applier) applyResourceTypes(ctx context.Context, mode Mode, realmID int64, doc *Document) (map[string]int64, error) {
	out := make(map[string]int64, len(doc.ResourceTypes))
	for _, t := range doc.ResourceTypes {
		existing, err := a.store.ResourceTypes.GetByName(ctx, realmID, t.Name)
		switch {
		case err == nil:
			if mode == ModeUpdate && existing.IsPublic != t.IsPublic {
				existing.IsPublic = t.IsPublic
				if err := a.store.ResourceTypes.Update(ctx, existing); err != nil {
					return nil, fmt.Errorf("manifest: update resource type %s: %w", t.Name, err)
				}
			}
			out[t.Name] = existing.ID
		case errors.Is(err, pgstore.ErrNotFound):
			rt := &pgstore.ResourceType{RealmID: realmID, Name: t.Name, IsPublic: t.IsPublic}
			if err := a.store.ResourceTypes.Create(ctx, rt); err != nil {
				return nil, fmt.Errorf("manifest: create resource type %s: %w", t.Name, err)
			}
			out[t.Name] = rt.ID
		default:
			return nil, fmt.Errorf("manifest: look up resource type %s: %w", t.Name, err)
		}
	}
	return out, nil
}

func (a *Applier) applyActions(ctx context.Context, mode Mode, realmID int64, doc *Document) (map[string]int64, error) {
	out := make(map[string]int64, len(doc.Actions))
	for _, act := range doc.Actions {
		existing, err := a.store.Actions.GetByName(ctx, realmID, act.Name)
		switch {
		case err == nil:
			out[act.Name] = existing.ID
		case errors.Is(err, pgstore.ErrNotFound):
			row := &pgstore.Action{RealmID: realmID, Name: act.Name}
			if err := a.store.Actions.Create(ctx, row); err != nil {
				return nil, fmt.Errorf("manifest: create action %s: %w", act.Name, err)
			}
			out[act.Name] = row.ID
		default:
			return nil, fmt.Errorf("manifest: look up action %s: %w", act.Name, err)
		}
	}
	return out, nil
}

func (a *Applier) applyRoles(ctx context.Context, mode Mode, realmID int64, doc *Document) (map[string]int64, error) {
	out := make(map[string]int64, len(doc.Roles))
	for _, role := range doc.Roles {
		existing, err := a.store.Roles.GetByName(ctx, realmID, role.Name)
		switch {
		case err == nil:
			if mode == ModeUpdate {
				existing.Attributes = role.Attributes
				if err := a.store.Roles.Update(ctx, existing); err != nil {
					return nil, fmt.Errorf("manifest: update role %s: %w", role.Name, err)
				}
			}
			out[role.Name] = existing.ID
		case errors.Is(err, pgstore.ErrNotFound):
			row := &pgstore.Role{RealmID: realmID, Name: role.Name, Attributes: role.Attributes}
			if err := a.store.Roles.Create(ctx, row); err != nil {
				return nil, fmt.Errorf("manifest: create role %s: %w", role.Name, err)
			}
			out[role.Name] = row.ID
		default:
			return nil, fmt.Errorf("manifest: look up role %s: %w", role.Name, err)
		}
	}
	return out, nil
}

func (a *Applier) applyPrincipals(ctx context.Context, mode Mode, realmID int64, roleIDs map[string]int64, doc *Document) error {
	for _, p := range doc.Principals {
		existing, err := a.store.Principals.GetByUsername(ctx, realmID, p.Username)
		var principalID int64
		switch {
		case err == nil:
			if mode == ModeUpdate {
				existing.Attributes = p.Attributes
				if err := a.store.Principals.Update(ctx, existing); err != nil {
					return fmt.Errorf("manifest: update principal %s: %w", p.Username, err)
				}
			}
			principalID = existing.ID
		case errors.Is(err, pgstore.ErrNotFound):
			row := &pgstore.Principal{RealmID: realmID, Username: p.Username, Attributes: p.Attributes}
			if err := a.store.Principals.Create(ctx, row); err != nil {
				return fmt.Errorf("manifest: create principal %s: %w", p.Username, err)
			}
			principalID = row.ID
		default:
			return fmt.Errorf("manifest: look up principal %s: %w", p.Username, err)
		}

		for _, roleName := range p.Roles {
			roleID, ok := roleIDs[roleName]
			if !ok {
				return fmt.Errorf("manifest: principal %s references unknown role %s", p.Username, roleName)
			}
			if err := a.store.Principals.AssignRole(ctx, principalID, roleID); err != nil {
				return fmt.Errorf("manifest: assign role %s to %s: %w", roleName, p.Username, err)
			}
		}
	}
	return nil
}

func (a *Applier) applyResources(ctx context.Context, mode Mode, realmID int64, typeIDs map[string]int64, doc *Document) (map[string]int64, error) {
	externalIDs := make(map[string]int64, len(doc.Resources))
	for _, res := range doc.Resources {
		typeID, ok := typeIDs[res.Type]
		if !ok {
			return nil, fmt.Errorf("manifest: resource references unknown type %s", res.Type)
		}

		var existingID int64
		if res.ExternalID != "" {
			resolved, err := a.store.ExternalIDs.ResolveToInternal(ctx, realmID, typeID, []string{res.ExternalID})
			if err != nil {
				return nil, fmt.Errorf("manifest: resolve external id %s: %w", res.ExternalID, err)
			}
			existingID = resolved[res.ExternalID]
		}

		var wkt *string
		if res.Geometry != nil {
			parsed, err := geo.Parse(res.Geometry, 0)
			if err != nil {
				return nil, fmt.Errorf("manifest: parse geometry for resource type %s: %w", res.Type, err)
			}
			if parsed != nil {
				wkt = &parsed.WKT
			}
		}

		row := &pgstore.Resource{RealmID: realmID, ResourceTypeID: typeID, Attributes: res.Attributes, GeometryWKT: wkt}
		if existingID != 0 {
			row.ID = existingID
			if mode == ModeUpdate {
				if err := a.store.Resources.Update(ctx, row); err != nil {
					return nil, fmt.Errorf("manifest: update resource %s: %w", res.ExternalID, err)
				}
			}
		} else {
			if err := a.store.Resources.Create(ctx, row); err != nil {
				return nil, fmt.Errorf("manifest: create resource: %w", err)
			}
			if res.ExternalID != "" {
				ext := &pgstore.ExternalID{RealmID: realmID, ResourceTypeID: typeID, ExternalID: res.ExternalID, ResourceID: row.ID}
				if err := a.store.ExternalIDs.Put(ctx, ext); err != nil {
					return nil, fmt.Errorf("manifest: put external id %s: %w", res.ExternalID, err)
				}
			}
		}
		if res.ExternalID != "" {
			externalIDs[res.ExternalID] = row.ID
		}
	}
	return externalIDs, nil
}

func (a *Applier) applyACLs(ctx context.Context, realmID int64, typeIDs, actionIDs, roleIDs map[string]int64, externalIDs map[string]int64, doc *Document) error {
	for _, branch := range doc.ACLs {
		typeID, ok := typeIDs[branch.Type]
		if !ok {
			return fmt.Errorf("manifest: acl references unknown type %s", branch.Type)
		}
		actionID, ok := actionIDs[branch.Action]
		if !ok {
			return fmt.Errorf("manifest: acl references unknown action %s", branch.Action)
		}

		principalID := int64(pgstore.AnonymousPrincipalID)
		if branch.Principal != "" {
			p, err := a.store.Principals.GetByUsername(ctx, realmID, branch.Principal)
			if err != nil {
				return fmt.Errorf("manifest: acl references unknown principal %s: %w", branch.Principal, err)
			}
			principalID = p.ID
		}

		roleID := int64(pgstore.WildcardRoleID)
		if branch.Role != "" {
			id, ok := roleIDs[branch.Role]
			if !ok {
				return fmt.Errorf("manifest: acl references unknown role %s", branch.Role)
			}
			roleID = id
		}

		var resourceID *int64
		if branch.ResourceExternal != "" {
			id, ok := externalIDs[branch.ResourceExternal]
			if !ok {
				return fmt.Errorf("manifest: acl references unknown resource %s", branch.ResourceExternal)
			}
			resourceID = &id
		}

		if len(branch.Conditions) > 0 {
			if _, err := dsl.Parse(branch.Conditions); err != nil {
				return fmt.Errorf("manifest: acl for %s/%s: %w", branch.Type, branch.Action, err)
			}
		}

		a2 := &pgstore.ACL{
			RealmID: realmID, ResourceTypeID: typeID, ActionID: actionID,
			PrincipalID: principalID, RoleID: roleID, ResourceID: resourceID,
			Conditions: branch.Conditions,
		}
		if err := a.store.ACLs.Put(ctx, a2); err != nil {
			return fmt.Errorf("manifest: put acl for %s/%s: %w", branch.Type, branch.Action, err)
		}
	}
	return nil
}
