package decision

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/audit"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/cache"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/token"
)

// fakeRealmStore and its table-lister companions satisfy the narrow
// realmmap interfaces without a live database.
type fakeRealmStore struct {
	realm *pgstore.Realm
}

func (f *fakeRealmStore) GetByName(ctx context.Context, name string) (*pgstore.Realm, error) {
	if f.realm == nil || f.realm.Name != name {
		return nil, pgstore.ErrNotFound
	}
	return f.realm, nil
}

type fakeActionLister struct{ actions []*pgstore.Action }

func (f *fakeActionLister) List(ctx context.Context, realmID int64, p pgstore.Pagination) ([]*pgstore.Action, error) {
	return f.actions, nil
}

type fakeTypeLister struct{ types []*pgstore.ResourceType }

func (f *fakeTypeLister) List(ctx context.Context, realmID int64, p pgstore.Pagination) ([]*pgstore.ResourceType, error) {
	return f.types, nil
}

type fakeRoleLister struct{ roles []*pgstore.Role }

func (f *fakeRoleLister) List(ctx context.Context, realmID int64, p pgstore.Pagination) ([]*pgstore.Role, error) {
	return f.roles, nil
}

type fakeACLStore struct {
	mu                  sync.Mutex
	authorizedResult    []int64
	authorizedErr       error
	permittedResult     []pgstore.PermittedAction
	permittedErr        error
	authorizedCalls     int
	permittedCalls      int
	conditionsForClient *pgstore.ConditionsForClient
	conditionsErr       error
}

func (f *fakeACLStore) AuthorizedResources(ctx context.Context, realmID, principalID int64, roleIDs []int64, typeID, actionID int64, evalCtx json.RawMessage, candidateIDs []int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorizedCalls++
	return f.authorizedResult, f.authorizedErr
}

// PermittedActions mimics the real routine's join semantics: a resource-
// scoped row only surfaces when its resource id is among resourceIDs,
// same as the database can only join rows that actually exist.
func (f *fakeACLStore) PermittedActions(ctx context.Context, realmID, principalID int64, roleIDs []int64, typeID int64, resourceIDs []int64, evalCtx json.RawMessage) ([]pgstore.PermittedAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permittedCalls++
	if f.permittedErr != nil {
		return nil, f.permittedErr
	}
	wanted := make(map[int64]bool, len(resourceIDs))
	for _, id := range resourceIDs {
		wanted[id] = true
	}
	var out []pgstore.PermittedAction
	for _, row := range f.permittedResult {
		if row.IsTypeLevel || wanted[row.ResourceID] {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeACLStore) ConditionsForClient(ctx context.Context, realmID, principalID int64, roleIDs []int64, typeID, actionID int64) (*pgstore.ConditionsForClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conditionsErr != nil {
		return nil, f.conditionsErr
	}
	return f.conditionsForClient, nil
}

type fakeExternalIDStore struct {
	toInternal map[string]int64
	toExternal map[int64]string
}

func (f *fakeExternalIDStore) ResolveToInternal(ctx context.Context, realmID, typeID int64, externalIDs []string) (map[string]int64, error) {
	out := map[string]int64{}
	for _, id := range externalIDs {
		if internal, ok := f.toInternal[id]; ok {
			out[id] = internal
		}
	}
	return out, nil
}

func (f *fakeExternalIDStore) ResolveToExternal(ctx context.Context, realmID, typeID int64, resourceIDs []int64) (map[int64]string, error) {
	out := map[int64]string{}
	for _, id := range resourceIDs {
		if ext, ok := f.toExternal[id]; ok {
			out[id] = ext
		}
	}
	return out, nil
}

type fakeAuditEmitter struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (f *fakeAuditEmitter) Emit(ctx context.Context, e audit.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}

func (f *fakeAuditEmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func newLRUCache(t *testing.T) *cache.Cache {
	t.Helper()
	return cache.New(context.Background(), cache.Config{Address: "127.0.0.1:1", Prefix: "dectest:"})
}

func newTestOrchestrator(t *testing.T, acl *fakeACLStore, ext *fakeExternalIDStore, em *fakeAuditEmitter) (*Orchestrator, *pgstore.Realm) {
	t.Helper()
	realm := &pgstore.Realm{ID: 1, Name: "acme"}
	o := &Orchestrator{
		realms: &fakeRealmStore{realm: realm},
		acts:   &fakeActionLister{actions: []*pgstore.Action{{ID: 10, Name: "read"}, {ID: 11, Name: "write"}}},
		types: &fakeTypeLister{types: []*pgstore.ResourceType{
			{ID: 20, Name: "document", IsPublic: false},
			{ID: 21, Name: "image", IsPublic: true},
		}},
		roles:       &fakeRoleLister{roles: []*pgstore.Role{{ID: 30, Name: "editor"}, {ID: 31, Name: "viewer"}}},
		acl:         acl,
		externalIDs: ext,
		cache:       newLRUCache(t),
		audit:       em,
	}
	return o, realm
}

func TestCheckAccessDecisionGranted(t *testing.T) {
	acl := &fakeACLStore{authorizedResult: []int64{100}}
	ext := &fakeExternalIDStore{toInternal: map[string]int64{"doc-1": 100}}
	em := &fakeAuditEmitter{}
	o, _ := newTestOrchestrator(t, acl, ext, em)

	results, err := o.CheckAccess(context.Background(), CheckAccessRequest{
		RealmName: "acme",
		Principal: &token.Principal{ID: 5, RealmID: 1, RoleIDs: []int64{30}},
		Items: []AccessItem{
			{TypeName: "document", ActionName: "read", ExternalResourceIDs: []string{"doc-1"}, ReturnType: ReturnDecision},
		},
	})
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if len(results) != 1 || !results[0].Decision {
		t.Fatalf("expected granted decision, got %+v", results)
	}
	if em.count() != 1 {
		t.Fatalf("expected 1 audit entry, got %d", em.count())
	}
}

func TestCheckAccessPublicTypeShortCircuits(t *testing.T) {
	acl := &fakeACLStore{}
	ext := &fakeExternalIDStore{toInternal: map[string]int64{"img-1": 200}}
	em := &fakeAuditEmitter{}
	o, _ := newTestOrchestrator(t, acl, ext, em)

	results, err := o.CheckAccess(context.Background(), CheckAccessRequest{
		RealmName: "acme",
		Principal: &token.Principal{ID: 0, RealmID: 1, IsAnonymous: true},
		Items: []AccessItem{
			{TypeName: "image", ActionName: "read", ExternalResourceIDs: []string{"img-1"}, ReturnType: ReturnIDList},
		},
	})
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if acl.authorizedCalls != 0 {
		t.Fatalf("expected public type to short-circuit without calling authorized_resources, called %d times", acl.authorizedCalls)
	}
	if len(results[0].GrantedIDs) != 1 || results[0].GrantedIDs[0] != "img-1" {
		t.Fatalf("expected img-1 granted, got %+v", results[0])
	}
}

func TestCheckAccessPublicTypeDeniesUnresolvedExternal(t *testing.T) {
	acl := &fakeACLStore{}
	ext := &fakeExternalIDStore{}
	em := &fakeAuditEmitter{}
	o, _ := newTestOrchestrator(t, acl, ext, em)

	results, err := o.CheckAccess(context.Background(), CheckAccessRequest{
		RealmName: "acme",
		Principal: &token.Principal{ID: 0, RealmID: 1, IsAnonymous: true},
		Items: []AccessItem{
			{TypeName: "image", ActionName: "read", ExternalResourceIDs: []string{"img-missing"}, ReturnType: ReturnIDList},
		},
	})
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if results[0].Decision || len(results[0].GrantedIDs) != 0 {
		t.Fatalf("expected nothing granted for an unresolved external id on a public type, got %+v", results[0])
	}
}

func TestCheckAccessUnresolvedExternalFallsBackToTypeLevelGrant(t *testing.T) {
	acl := &fakeACLStore{permittedResult: []pgstore.PermittedAction{{ActionID: 10, IsTypeLevel: true}}}
	ext := &fakeExternalIDStore{}
	em := &fakeAuditEmitter{}
	o, _ := newTestOrchestrator(t, acl, ext, em)

	results, err := o.CheckAccess(context.Background(), CheckAccessRequest{
		RealmName: "acme",
		Principal: &token.Principal{ID: 5, RealmID: 1, RoleIDs: []int64{30}},
		Items: []AccessItem{
			{TypeName: "document", ActionName: "read", ExternalResourceIDs: []string{"doc-new"}, ReturnType: ReturnIDList},
		},
	})
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if !results[0].Decision || len(results[0].GrantedIDs) != 1 || results[0].GrantedIDs[0] != "doc-new" {
		t.Fatalf("expected doc-new granted via type-level fallback, got %+v", results[0])
	}
}

func TestCheckAccessCreateStyleTypeLevelFallback(t *testing.T) {
	acl := &fakeACLStore{authorizedResult: nil, permittedResult: []pgstore.PermittedAction{{ActionID: 11, IsTypeLevel: true}}}
	ext := &fakeExternalIDStore{}
	em := &fakeAuditEmitter{}
	o, _ := newTestOrchestrator(t, acl, ext, em)

	results, err := o.CheckAccess(context.Background(), CheckAccessRequest{
		RealmName: "acme",
		Principal: &token.Principal{ID: 5, RealmID: 1, RoleIDs: []int64{30}},
		Items: []AccessItem{
			{TypeName: "document", ActionName: "write", ReturnType: ReturnDecision},
		},
	})
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if !results[0].Decision {
		t.Fatalf("expected create-style type-level fallback to grant, got %+v", results[0])
	}
}

func TestCheckAccessRoleFilterFailsClosedOnEmptyIntersection(t *testing.T) {
	acl := &fakeACLStore{}
	ext := &fakeExternalIDStore{}
	em := &fakeAuditEmitter{}
	o, _ := newTestOrchestrator(t, acl, ext, em)

	_, err := o.CheckAccess(context.Background(), CheckAccessRequest{
		RealmName:      "acme",
		Principal:      &token.Principal{ID: 5, RealmID: 1, RoleIDs: []int64{30}},
		RoleNameFilter: []string{"viewer"},
		Items: []AccessItem{
			{TypeName: "document", ActionName: "read", ReturnType: ReturnDecision},
		},
	})
	if err == nil {
		t.Fatal("expected an error when the role filter excludes every role the principal holds")
	}
}

func TestCheckAccessUnknownRealmErrors(t *testing.T) {
	acl := &fakeACLStore{}
	ext := &fakeExternalIDStore{}
	em := &fakeAuditEmitter{}
	o, _ := newTestOrchestrator(t, acl, ext, em)

	_, err := o.CheckAccess(context.Background(), CheckAccessRequest{
		RealmName: "other",
		Principal: &token.Principal{ID: 5, RealmID: 1},
		Items:     []AccessItem{{TypeName: "document", ActionName: "read", ReturnType: ReturnDecision}},
	})
	if err == nil {
		t.Fatal("expected an error for an unknown realm")
	}
}

func TestGetPermittedActionsMergesTypeAndResourceLevel(t *testing.T) {
	acl := &fakeACLStore{
		permittedResult: []pgstore.PermittedAction{
			{ActionID: 10, IsTypeLevel: true},
			{ResourceID: 100, ActionID: 11, IsTypeLevel: false},
		},
	}
	ext := &fakeExternalIDStore{toInternal: map[string]int64{"doc-1": 100}}
	em := &fakeAuditEmitter{}
	o, _ := newTestOrchestrator(t, acl, ext, em)

	results, err := o.GetPermittedActions(context.Background(), PermittedActionsRequest{
		RealmName: "acme",
		Principal: &token.Principal{ID: 5, RealmID: 1, RoleIDs: []int64{30}},
		Items: []PermittedActionsItem{
			{TypeName: "document", ExternalResourceIDs: []string{"doc-1"}},
		},
	})
	if err != nil {
		t.Fatalf("GetPermittedActions: %v", err)
	}
	if len(results) != 1 || results[0].ExternalID != "doc-1" {
		t.Fatalf("got %+v", results)
	}
	if !containsAll(results[0].ActionNames, "read", "write") {
		t.Fatalf("expected read+write merged, got %v", results[0].ActionNames)
	}
}

func TestGetPermittedActionsNoExternalIDsReturnsTypeLevelOnly(t *testing.T) {
	acl := &fakeACLStore{permittedResult: []pgstore.PermittedAction{{ActionID: 10, IsTypeLevel: true}}}
	ext := &fakeExternalIDStore{}
	em := &fakeAuditEmitter{}
	o, _ := newTestOrchestrator(t, acl, ext, em)

	results, err := o.GetPermittedActions(context.Background(), PermittedActionsRequest{
		RealmName: "acme",
		Principal: &token.Principal{ID: 5, RealmID: 1, RoleIDs: []int64{30}},
		Items:     []PermittedActionsItem{{TypeName: "document"}},
	})
	if err != nil {
		t.Fatalf("GetPermittedActions: %v", err)
	}
	if len(results) != 1 || results[0].ExternalID != "" || !containsAll(results[0].ActionNames, "read") {
		t.Fatalf("got %+v", results)
	}
}

func TestConditionsForClientPassesThroughClassification(t *testing.T) {
	acl := &fakeACLStore{conditionsForClient: &pgstore.ConditionsForClient{
		FilterType:     "conditions",
		ConditionsDSL:  json.RawMessage(`{"op":"=","attr":"owner_id","val":"$principal.id"}`),
		ExternalIDs:    []string{"doc-1", "doc-2"},
		HasContextRefs: false,
	}}
	ext := &fakeExternalIDStore{}
	em := &fakeAuditEmitter{}
	o, _ := newTestOrchestrator(t, acl, ext, em)

	result, err := o.ConditionsForClient(context.Background(), ConditionsForClientRequest{
		RealmName:  "acme",
		Principal:  &token.Principal{ID: 5, RealmID: 1, RoleIDs: []int64{30}},
		TypeName:   "document",
		ActionName: "read",
	})
	if err != nil {
		t.Fatalf("ConditionsForClient: %v", err)
	}
	if result.FilterType != "conditions" || len(result.ExternalIDs) != 2 {
		t.Fatalf("got %+v", result)
	}
}

func TestConditionsForClientUnknownActionErrors(t *testing.T) {
	acl := &fakeACLStore{}
	ext := &fakeExternalIDStore{}
	em := &fakeAuditEmitter{}
	o, _ := newTestOrchestrator(t, acl, ext, em)

	_, err := o.ConditionsForClient(context.Background(), ConditionsForClientRequest{
		RealmName:  "acme",
		Principal:  &token.Principal{ID: 5, RealmID: 1, RoleIDs: []int64{30}},
		TypeName:   "document",
		ActionName: "does-not-exist",
	})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func containsAll(have []string, want ...string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}
