package decision

import (
	"context"
	"testing"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/token"
)

// These scenario tests exercise the orchestrator's plumbing around a
// canned authorized_resources/permitted_actions result: whether the
// compiled predicate itself evaluates correctly is covered at the
// pgstore/dsl layer, not here.

// S1: numeric comparison narrows an id_list down to the resource whose
// predicate holds; the orchestrator's job is just mapping the internal
// id the decision routine returns back to its external id.
func TestScenarioNumericComparisonNarrowsIDList(t *testing.T) {
	acl := &fakeACLStore{authorizedResult: []int64{300}} // only DOC-LEVEL-03 passes the compiled predicate
	ext := &fakeExternalIDStore{
		toInternal: map[string]int64{"DOC-LEVEL-03": 300, "DOC-LEVEL-10": 310},
		toExternal: map[int64]string{300: "DOC-LEVEL-03"},
	}
	em := &fakeAuditEmitter{}
	o, _ := newTestOrchestrator(t, acl, ext, em)

	results, err := o.CheckAccess(context.Background(), CheckAccessRequest{
		RealmName: "acme",
		Principal: &token.Principal{ID: 5, RealmID: 1, RoleIDs: []int64{30}, Attributes: []byte(`{"level":"05"}`)},
		Items: []AccessItem{
			{TypeName: "document", ActionName: "read", ExternalResourceIDs: []string{"DOC-LEVEL-03", "DOC-LEVEL-10"}, ReturnType: ReturnIDList},
		},
	})
	if err != nil {
		t.Fatalf("CheckAccess: %v", err)
	}
	if len(results[0].GrantedIDs) != 1 || results[0].GrantedIDs[0] != "DOC-LEVEL-03" {
		t.Fatalf("expected only DOC-LEVEL-03, got %+v", results[0].GrantedIDs)
	}
}

// S2: a public type grants every requested external id that resolves to
// an existing resource, with no ACL rows involved at all; a non-public
// type with the same absence of ACL rows denies everything.
func TestScenarioPublicTypeVsPrivateTypeNoACL(t *testing.T) {
	acl := &fakeACLStore{} // no ACL rows in either realm
	ext := &fakeExternalIDStore{toInternal: map[string]int64{"img-1": 400}}
	em := &fakeAuditEmitter{}
	o, _ := newTestOrchestrator(t, acl, ext, em)

	publicResults, err := o.CheckAccess(context.Background(), CheckAccessRequest{
		RealmName: "acme",
		Principal: &token.Principal{ID: 0, IsAnonymous: true},
		Items:     []AccessItem{{TypeName: "image", ActionName: "read", ExternalResourceIDs: []string{"img-1"}, ReturnType: ReturnIDList}},
	})
	if err != nil {
		t.Fatalf("CheckAccess (public): %v", err)
	}
	if len(publicResults[0].GrantedIDs) != 1 || publicResults[0].GrantedIDs[0] != "img-1" {
		t.Fatalf("expected img-1 granted on the public type, got %+v", publicResults[0].GrantedIDs)
	}

	// document is not public, so the resource-level path runs against an
	// empty authorized_resources result and denies.
	privateResults, err := o.CheckAccess(context.Background(), CheckAccessRequest{
		RealmName: "acme",
		Principal: &token.Principal{ID: 0, IsAnonymous: true},
		Items:     []AccessItem{{TypeName: "document", ActionName: "read", ExternalResourceIDs: []string{"img-1"}, ReturnType: ReturnIDList}},
	})
	if err != nil {
		t.Fatalf("CheckAccess (private): %v", err)
	}
	if len(privateResults[0].GrantedIDs) != 0 {
		t.Fatalf("expected nothing granted on the private type with no ACL, got %+v", privateResults[0].GrantedIDs)
	}
}

// S3: an anonymous-principal ACL scoped to one resource external id grants
// exactly that resource and exactly that action. The fixture's "read" and
// "write" actions stand in for the scenario's "view" and "download".
func TestScenarioAnonymousACLScopedToSingleResource(t *testing.T) {
	ext := &fakeExternalIDStore{toInternal: map[string]int64{"public-doc": 500, "restricted-doc": 501}}
	em := &fakeAuditEmitter{}

	// view public-doc: authorized_resources returns the one matching row.
	aclView := &fakeACLStore{authorizedResult: []int64{500}}
	oView, _ := newTestOrchestrator(t, aclView, ext, em)
	viewPublic, err := oView.CheckAccess(context.Background(), CheckAccessRequest{
		RealmName: "acme",
		Principal: &token.Principal{ID: 0, IsAnonymous: true},
		Items:     []AccessItem{{TypeName: "document", ActionName: "read", ExternalResourceIDs: []string{"public-doc"}, ReturnType: ReturnDecision}},
	})
	if err != nil || !viewPublic[0].Decision {
		t.Fatalf("expected view public-doc granted, got %+v err=%v", viewPublic, err)
	}

	// view restricted-doc: the ACL branch doesn't match this resource, so
	// authorized_resources returns nothing and there's no type-level grant.
	aclRestricted := &fakeACLStore{}
	oRestricted, _ := newTestOrchestrator(t, aclRestricted, ext, em)
	viewRestricted, err := oRestricted.CheckAccess(context.Background(), CheckAccessRequest{
		RealmName: "acme",
		Principal: &token.Principal{ID: 0, IsAnonymous: true},
		Items:     []AccessItem{{TypeName: "document", ActionName: "read", ExternalResourceIDs: []string{"restricted-doc"}, ReturnType: ReturnDecision}},
	})
	if err != nil || viewRestricted[0].Decision {
		t.Fatalf("expected view restricted-doc denied, got %+v err=%v", viewRestricted, err)
	}

	// download public-doc: same resource, wrong action, no matching branch.
	aclDownload := &fakeACLStore{}
	oDownload, _ := newTestOrchestrator(t, aclDownload, ext, em)
	downloadPublic, err := oDownload.CheckAccess(context.Background(), CheckAccessRequest{
		RealmName: "acme",
		Principal: &token.Principal{ID: 0, IsAnonymous: true},
		Items:     []AccessItem{{TypeName: "document", ActionName: "write", ExternalResourceIDs: []string{"public-doc"}, ReturnType: ReturnDecision}},
	})
	if err != nil || downloadPublic[0].Decision {
		t.Fatalf("expected download public-doc denied, got %+v err=%v", downloadPublic, err)
	}
}

// S4: a role-name filter naming a role the principal doesn't hold fails
// closed even though the underlying ACL would otherwise grant it.
func TestScenarioRoleFilterDeniesUnownedRole(t *testing.T) {
	acl := &fakeACLStore{authorizedResult: []int64{600}} // the ACL would grant if role filtering weren't applied
	ext := &fakeExternalIDStore{toInternal: map[string]int64{"doc-1": 600}}
	em := &fakeAuditEmitter{}
	o, _ := newTestOrchestrator(t, acl, ext, em)

	_, err := o.CheckAccess(context.Background(), CheckAccessRequest{
		RealmName:      "acme",
		Principal:      &token.Principal{ID: 5, RealmID: 1, RoleIDs: []int64{30}}, // holds "editor" (id 30) only
		RoleNameFilter: []string{"viewer"},                                        // id 31, not held
		Items:          []AccessItem{{TypeName: "document", ActionName: "read", ExternalResourceIDs: []string{"doc-1"}, ReturnType: ReturnDecision}},
	})
	if err == nil {
		t.Fatal("expected the role filter to fail closed for a role the principal does not hold")
	}
}

// S6: asking for permitted actions on an external id that does not exist
// still surfaces the type-level grant.
func TestScenarioPermittedActionsFallbackForNonexistentResource(t *testing.T) {
	acl := &fakeACLStore{permittedResult: []pgstore.PermittedAction{{ActionID: 10, IsTypeLevel: true}}} // type-level read grant, standing in for view
	ext := &fakeExternalIDStore{}                                                                       // DOC-DOES-NOT-EXIST never resolves
	em := &fakeAuditEmitter{}
	o, _ := newTestOrchestrator(t, acl, ext, em)

	results, err := o.GetPermittedActions(context.Background(), PermittedActionsRequest{
		RealmName: "acme",
		Principal: &token.Principal{ID: 5, RealmID: 1, RoleIDs: []int64{31}}, // holds "viewer"
		Items:     []PermittedActionsItem{{TypeName: "document", ExternalResourceIDs: []string{"DOC-DOES-NOT-EXIST"}}},
	})
	if err != nil {
		t.Fatalf("GetPermittedActions: %v", err)
	}
	if len(results) != 1 || !containsAll(results[0].ActionNames, "read") {
		t.Fatalf("expected the type-level read grant to surface for a nonexistent resource, got %+v", results)
	}
}
