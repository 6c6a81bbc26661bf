// Package realmmap loads a realm's lookup tables into the cache's realm
// map shape, shared by the token resolver and the request orchestrator so
// both populate the cache the same way on a miss.
package realmmap

import (
	"context"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/cache"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

// allRows is large enough that a realm's action/type/role tables are never
// silently truncated by the repositories' default page size — the realm
// map must be a complete projection, not a paginated one.
var allRows = pgstore.Pagination{Limit: 100000}

// RealmByNameGetter, ActionLister, TypeLister, and RoleLister narrow the
// dependency to exactly the four repository methods Resolve calls, so
// callers can substitute fakes in tests instead of a live *pgstore.Store.
type RealmByNameGetter interface {
	GetByName(ctx context.Context, name string) (*pgstore.Realm, error)
}

type ActionLister interface {
	List(ctx context.Context, realmID int64, p pgstore.Pagination) ([]*pgstore.Action, error)
}

type TypeLister interface {
	List(ctx context.Context, realmID int64, p pgstore.Pagination) ([]*pgstore.ResourceType, error)
}

type RoleLister interface {
	List(ctx context.Context, realmID int64, p pgstore.Pagination) ([]*pgstore.Role, error)
}

// Resolve returns the cached realm map for name, populating it on a miss
// by reading the realm plus its actions, types, and roles.
func Resolve(ctx context.Context, realms RealmByNameGetter, actions ActionLister, types TypeLister, roles RoleLister, c *cache.Cache, name string) (*cache.RealmMap, error) {
	if rm, ok := c.GetRealmMap(ctx, name); ok {
		return rm, nil
	}

	realm, err := realms.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	actionRows, err := actions.List(ctx, realm.ID, allRows)
	if err != nil {
		return nil, err
	}
	typeRows, err := types.List(ctx, realm.ID, allRows)
	if err != nil {
		return nil, err
	}
	roleRows, err := roles.List(ctx, realm.ID, allRows)
	if err != nil {
		return nil, err
	}

	rm := &cache.RealmMap{
		ID:              realm.ID,
		VerificationKey: realm.VerificationKey,
		Algorithm:       realm.Algorithm,
		Actions:         map[string]int64{},
		Types:           map[string]int64{},
		TypePublic:      map[string]bool{},
		Roles:           map[string]int64{},
	}
	for _, a := range actionRows {
		rm.Actions[a.Name] = a.ID
	}
	for _, t := range typeRows {
		rm.Types[t.Name] = t.ID
		rm.TypePublic[t.Name] = t.IsPublic
	}
	for _, role := range roleRows {
		rm.Roles[role.Name] = role.ID
	}

	c.PutRealmMap(ctx, name, rm)
	return rm, nil
}
