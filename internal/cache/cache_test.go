package cache

import (
	"context"
	"testing"
	"time"
)

// newLRUOnlyCache builds a Cache with no Redis client, exercising the same
// fallback path a live Cache takes once Ping fails.
func newLRUOnlyCache() *Cache {
	return &Cache{client: nil, lru: NewLRU(1000, time.Hour), prefix: "test:"}
}

func TestCacheRealmMapRoundTrip(t *testing.T) {
	c := newLRUOnlyCache()
	ctx := context.Background()

	rm := &RealmMap{
		ID:         7,
		Algorithm:  "RS256",
		Actions:    map[string]int64{"read": 1, "write": 2},
		Types:      map[string]int64{"document": 10},
		TypePublic: map[string]bool{"document": false},
		Roles:      map[string]int64{"editor": 3},
	}
	c.PutRealmMap(ctx, "acme", rm)

	got, ok := c.GetRealmMap(ctx, "acme")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.ID != 7 || got.Algorithm != "RS256" || got.Actions["read"] != 1 || got.Types["document"] != 10 {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestCacheRealmMapInvalidate(t *testing.T) {
	c := newLRUOnlyCache()
	ctx := context.Background()

	c.PutRealmMap(ctx, "acme", &RealmMap{ID: 1})
	c.InvalidateRealm(ctx, "acme")

	if _, ok := c.GetRealmMap(ctx, "acme"); ok {
		t.Error("expected miss after invalidation")
	}
}

func TestCachePrincipalRoles(t *testing.T) {
	c := newLRUOnlyCache()
	ctx := context.Background()

	c.PutPrincipalRoles(ctx, 42, []int64{3, 1, 2})

	roles, ok := c.GetPrincipalRoles(ctx, 42)
	if !ok {
		t.Fatal("expected hit")
	}
	want := []int64{1, 2, 3}
	if len(roles) != len(want) {
		t.Fatalf("got %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("got %v, want %v", roles, want)
		}
	}
}

func TestCachePrincipalRolesEmptySetIsCached(t *testing.T) {
	c := newLRUOnlyCache()
	ctx := context.Background()

	c.PutPrincipalRoles(ctx, 42, nil)

	roles, ok := c.GetPrincipalRoles(ctx, 42)
	if !ok {
		t.Fatal("expected a cached empty set to be a hit, not a miss")
	}
	if len(roles) != 0 {
		t.Errorf("expected no roles, got %v", roles)
	}
}

func TestCachePrincipalRecordByIDAndUsername(t *testing.T) {
	c := newLRUOnlyCache()
	ctx := context.Background()

	rec := &PrincipalRecord{ID: 5, Username: "alice", RealmID: 1, RoleIDs: []int64{3}}
	c.PutPrincipal(ctx, "acme", rec)

	byID, ok := c.GetPrincipalByID(ctx, 5)
	if !ok || byID.Username != "alice" {
		t.Fatalf("GetPrincipalByID: got %+v, ok=%v", byID, ok)
	}

	byUsername, ok := c.GetPrincipalByUsername(ctx, "acme", "alice")
	if !ok || byUsername.ID != 5 {
		t.Fatalf("GetPrincipalByUsername: got %+v, ok=%v", byUsername, ok)
	}
}

func TestCacheInvalidatePrincipalDropsBothAliases(t *testing.T) {
	c := newLRUOnlyCache()
	ctx := context.Background()

	c.PutPrincipal(ctx, "acme", &PrincipalRecord{ID: 5, Username: "alice"})
	c.InvalidatePrincipal(ctx, "acme", "alice", 5)

	if _, ok := c.GetPrincipalByID(ctx, 5); ok {
		t.Error("expected id-keyed entry to be invalidated")
	}
	if _, ok := c.GetPrincipalByUsername(ctx, "acme", "alice"); ok {
		t.Error("expected username-keyed entry to be invalidated")
	}
}

func TestCacheExternalIDBatch(t *testing.T) {
	c := newLRUOnlyCache()
	ctx := context.Background()

	c.PutExternalIDBatch(ctx, 1, 10, map[string]int64{"ext-1": 100, "ext-2": 200})

	id, ok := c.GetExternalID(ctx, 1, 10, "ext-1")
	if !ok || id != 100 {
		t.Errorf("got %d, ok=%v, want 100", id, ok)
	}

	c.InvalidateExternalID(ctx, 1, 10, "ext-1")
	if _, ok := c.GetExternalID(ctx, 1, 10, "ext-1"); ok {
		t.Error("expected miss after invalidation")
	}

	if _, ok := c.GetExternalID(ctx, 1, 10, "ext-2"); !ok {
		t.Error("expected ext-2 to survive ext-1's invalidation")
	}
}

func TestCacheInvalidateExternalIDsForType(t *testing.T) {
	c := newLRUOnlyCache()
	ctx := context.Background()

	c.PutExternalIDBatch(ctx, 1, 10, map[string]int64{"ext-1": 100, "ext-2": 200})
	c.InvalidateExternalIDsForType(ctx, 1, 10)

	if _, ok := c.GetExternalID(ctx, 1, 10, "ext-1"); ok {
		t.Error("expected bulk invalidation to clear ext-1")
	}
	if _, ok := c.GetExternalID(ctx, 1, 10, "ext-2"); ok {
		t.Error("expected bulk invalidation to clear ext-2")
	}
}

func TestCacheTypeLevelDecision(t *testing.T) {
	c := newLRUOnlyCache()
	ctx := context.Background()

	c.PutTypeLevelDecision(ctx, 1, 42, 10, 99, []int64{2, 1}, true)

	// Role order must not matter: the key sorts role ids before joining them.
	decision, ok := c.GetTypeLevelDecision(ctx, 1, 42, 10, 99, []int64{1, 2})
	if !ok || !decision {
		t.Errorf("got %v, ok=%v, want true", decision, ok)
	}
}

func TestCacheInvalidateTypeDecisions(t *testing.T) {
	c := newLRUOnlyCache()
	ctx := context.Background()

	c.PutTypeLevelDecision(ctx, 1, 42, 10, 99, nil, true)
	c.PutTypeLevelDecision(ctx, 1, 7, 11, 3, nil, false)
	c.PutTypeLevelDecision(ctx, 2, 42, 10, 99, nil, true) // different realm, must survive

	c.InvalidateTypeDecisions(ctx, 1)

	if _, ok := c.GetTypeLevelDecision(ctx, 1, 42, 10, 99, nil); ok {
		t.Error("expected realm 1 decision to be invalidated")
	}
	if _, ok := c.GetTypeLevelDecision(ctx, 1, 7, 11, 3, nil); ok {
		t.Error("expected realm 1 decision to be invalidated")
	}
	if _, ok := c.GetTypeLevelDecision(ctx, 2, 42, 10, 99, nil); !ok {
		t.Error("expected realm 2 decision to survive realm 1's invalidation")
	}
}
