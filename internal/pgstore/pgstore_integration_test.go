package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/geo"
)

// newTestStore opens a connection to DATABASE_URL and migrates it. The test
// is skipped when DATABASE_URL is not set, since these exercise real
// partitioned-table and stored-routine behavior no mock can stand in for.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store, err := NewStore(ctx, Config{URL: url})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestRealmLifecycleProvisionsPartitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	realm := &Realm{Name: "acme-" + t.Name(), Algorithm: "HS256"}
	if err := store.Realms.Create(ctx, realm); err != nil {
		t.Fatalf("Create realm: %v", err)
	}
	t.Cleanup(func() { _ = store.Realms.Delete(ctx, realm.ID) })

	rt := &ResourceType{RealmID: realm.ID, Name: "document"}
	if err := store.ResourceTypes.Create(ctx, rt); err != nil {
		t.Fatalf("Create resource type: %v", err)
	}

	res := &Resource{RealmID: realm.ID, ResourceTypeID: rt.ID, Attributes: json.RawMessage(`{"owner":"alice"}`)}
	if err := store.Resources.Create(ctx, res); err != nil {
		t.Fatalf("Create resource: %v (leaf partition likely missing)", err)
	}

	got, err := store.Resources.GetByID(ctx, realm.ID, rt.ID, res.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if string(got.Attributes) != `{"owner": "alice"}` && string(got.Attributes) != `{"owner":"alice"}` {
		t.Errorf("Attributes round-trip: got %s", got.Attributes)
	}
}

func TestACLUpsertReplacesConditionsInPlace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	realm := &Realm{Name: "acme-acl-" + t.Name()}
	if err := store.Realms.Create(ctx, realm); err != nil {
		t.Fatalf("Create realm: %v", err)
	}
	t.Cleanup(func() { _ = store.Realms.Delete(ctx, realm.ID) })

	rt := &ResourceType{RealmID: realm.ID, Name: "document"}
	if err := store.ResourceTypes.Create(ctx, rt); err != nil {
		t.Fatalf("Create resource type: %v", err)
	}
	action := &Action{RealmID: realm.ID, Name: "read"}
	if err := store.Actions.Create(ctx, action); err != nil {
		t.Fatalf("Create action: %v", err)
	}

	acl := &ACL{
		RealmID: realm.ID, ResourceTypeID: rt.ID, ActionID: action.ID,
		Conditions: json.RawMessage(`{"op":"=","attr":"owner","val":"alice"}`),
	}
	if err := store.ACLs.Put(ctx, acl); err != nil {
		t.Fatalf("Put acl: %v", err)
	}
	firstID := acl.ID

	acl2 := &ACL{
		RealmID: realm.ID, ResourceTypeID: rt.ID, ActionID: action.ID,
		Conditions: json.RawMessage(`{"op":"=","attr":"owner","val":"bob"}`),
	}
	if err := store.ACLs.Put(ctx, acl2); err != nil {
		t.Fatalf("Put acl (replace): %v", err)
	}
	if acl2.ID != firstID {
		t.Errorf("Put on an identical selector should update the existing row, got new id %d vs %d", acl2.ID, firstID)
	}

	list, err := store.ACLs.List(ctx, realm.ID, rt.ID, Pagination{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected exactly one acl row after upsert, got %d", len(list))
	}
}

func TestAuthorizedResourcesHonorsCompiledPredicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	realm := &Realm{Name: "acme-authz-" + t.Name()}
	if err := store.Realms.Create(ctx, realm); err != nil {
		t.Fatalf("Create realm: %v", err)
	}
	t.Cleanup(func() { _ = store.Realms.Delete(ctx, realm.ID) })

	rt := &ResourceType{RealmID: realm.ID, Name: "document"}
	if err := store.ResourceTypes.Create(ctx, rt); err != nil {
		t.Fatalf("Create resource type: %v", err)
	}
	action := &Action{RealmID: realm.ID, Name: "read"}
	if err := store.Actions.Create(ctx, action); err != nil {
		t.Fatalf("Create action: %v", err)
	}

	owned := &Resource{RealmID: realm.ID, ResourceTypeID: rt.ID, Attributes: json.RawMessage(`{"owner":"alice"}`)}
	other := &Resource{RealmID: realm.ID, ResourceTypeID: rt.ID, Attributes: json.RawMessage(`{"owner":"bob"}`)}
	if err := store.Resources.Create(ctx, owned); err != nil {
		t.Fatalf("Create owned resource: %v", err)
	}
	if err := store.Resources.Create(ctx, other); err != nil {
		t.Fatalf("Create other resource: %v", err)
	}

	acl := &ACL{
		RealmID: realm.ID, ResourceTypeID: rt.ID, ActionID: action.ID,
		Conditions: json.RawMessage(`{"op":"=","attr":"owner","val":"$principal.username"}`),
	}
	if err := store.ACLs.Put(ctx, acl); err != nil {
		t.Fatalf("Put acl: %v", err)
	}

	principal := &Principal{RealmID: realm.ID, Username: "alice", Attributes: json.RawMessage(`{}`)}
	if err := store.Principals.Create(ctx, principal); err != nil {
		t.Fatalf("Create principal: %v", err)
	}

	evalCtx := json.RawMessage(`{"principal":{"username":"alice"},"context":{}}`)
	ids, err := store.ACLs.AuthorizedResources(ctx, realm.ID, principal.ID, nil, rt.ID, action.ID, evalCtx, nil)
	if err != nil {
		t.Fatalf("AuthorizedResources: %v", err)
	}
	if len(ids) != 1 || ids[0] != owned.ID {
		t.Errorf("expected only the owned resource (%d), got %v", owned.ID, ids)
	}
}

func TestAuthorizedResourcesSpatialDWithin(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	realm := &Realm{Name: "acme-geo-" + t.Name()}
	if err := store.Realms.Create(ctx, realm); err != nil {
		t.Fatalf("Create realm: %v", err)
	}
	t.Cleanup(func() { _ = store.Realms.Delete(ctx, realm.ID) })

	rt := &ResourceType{RealmID: realm.ID, Name: "site"}
	if err := store.ResourceTypes.Create(ctx, rt); err != nil {
		t.Fatalf("Create resource type: %v", err)
	}
	action := &Action{RealmID: realm.ID, Name: "enter"}
	if err := store.Actions.Create(ctx, action); err != nil {
		t.Fatalf("Create action: %v", err)
	}

	origin, err := geo.Parse([]any{0.0, 0.0}, 0)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	res := &Resource{RealmID: realm.ID, ResourceTypeID: rt.ID, Attributes: json.RawMessage(`{}`), GeometryWKT: &origin.WKT}
	if err := store.Resources.Create(ctx, res); err != nil {
		t.Fatalf("Create resource: %v", err)
	}

	acl := &ACL{
		RealmID: realm.ID, ResourceTypeID: rt.ID, ActionID: action.ID,
		Conditions: json.RawMessage(`{"op":"st_dwithin","source":"resource","attr":"geometry","val":"$context.location","args":5000}`),
	}
	if err := store.ACLs.Put(ctx, acl); err != nil {
		t.Fatalf("Put acl: %v", err)
	}

	// ~4.5km north of the origin once reprojected: inside the 5km radius.
	near, err := geo.Parse([]any{0.0, 0.04}, 0)
	if err != nil {
		t.Fatalf("parse near point: %v", err)
	}
	nearCtx := json.RawMessage(fmt.Sprintf(`{"principal":{},"context":{"location":%q}}`, near.WKT))
	ids, err := store.ACLs.AuthorizedResources(ctx, realm.ID, 0, nil, rt.ID, action.ID, nearCtx, nil)
	if err != nil {
		t.Fatalf("AuthorizedResources (near): %v", err)
	}
	if len(ids) != 1 || ids[0] != res.ID {
		t.Errorf("expected the site granted from a nearby location, got %v", ids)
	}

	// Hundreds of km away: outside the radius, no grant.
	far, err := geo.Parse([]any{2.0, 2.0}, 0)
	if err != nil {
		t.Fatalf("parse far point: %v", err)
	}
	farCtx := json.RawMessage(fmt.Sprintf(`{"principal":{},"context":{"location":%q}}`, far.WKT))
	ids, err = store.ACLs.AuthorizedResources(ctx, realm.ID, 0, nil, rt.ID, action.ID, farCtx, nil)
	if err != nil {
		t.Fatalf("AuthorizedResources (far): %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no grant from a distant location, got %v", ids)
	}
}
