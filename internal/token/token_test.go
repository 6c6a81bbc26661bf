package token

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/cache"
)

func TestVerifyHMAC(t *testing.T) {
	r := NewResolver(nil, nil, "test-secret", "HS256", nil)
	realm := &cache.RealmMap{ID: 1}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "42"})
	signed, err := tok.SignedString(r.hmacKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := r.verify(signed, realm)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims["sub"] != "42" {
		t.Errorf("got sub %v, want 42", claims["sub"])
	}
}

func TestVerifyHMACRejectsWrongSecret(t *testing.T) {
	r := NewResolver(nil, nil, "test-secret", "HS256", nil)
	wrong := NewResolver(nil, nil, "other-secret", "HS256", nil)
	realm := &cache.RealmMap{ID: 1}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "42"})
	signed, err := tok.SignedString(wrong.hmacKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := r.verify(signed, realm); err == nil {
		t.Error("expected verification to fail against the wrong secret")
	}
}

func TestVerifyRejectsAlgorithmMismatch(t *testing.T) {
	r := NewResolver(nil, nil, "test-secret", "HS512", nil)
	realm := &cache.RealmMap{ID: 1}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "42"})
	signed, err := tok.SignedString(r.hmacKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := r.verify(signed, realm); err == nil {
		t.Error("expected verification to reject a token signed with a different algorithm than configured")
	}
}

func TestRolesFromClaims(t *testing.T) {
	claims := jwt.MapClaims{
		"realm_access": map[string]any{"roles": []any{"editor"}},
		"roles":        []any{"viewer"},
		"groups":       []any{"/admins", "no-slash"},
	}

	got := rolesFromClaims(claims)
	want := map[string]bool{"editor": true, "viewer": true, "admins": true, "no-slash": true}
	if len(got) != len(want) {
		t.Fatalf("got %v, want keys %v", got, want)
	}
	for _, name := range got {
		if !want[name] {
			t.Errorf("unexpected role name %q", name)
		}
	}
}

func TestMergeRoleIDsUnionsAndDedupes(t *testing.T) {
	realm := &cache.RealmMap{Roles: map[string]int64{"editor": 3, "viewer": 4}}
	merged := mergeRoleIDs([]int64{3}, realm, []string{"editor", "viewer", "unknown-role"})

	seen := map[int64]bool{}
	for _, id := range merged {
		if seen[id] {
			t.Fatalf("duplicate id %d in merged set %v", id, merged)
		}
		seen[id] = true
	}
	if !seen[3] || !seen[4] {
		t.Errorf("expected both 3 and 4 in %v", merged)
	}
	if len(merged) != 2 {
		t.Errorf("expected exactly 2 role ids (unknown-role has no id), got %v", merged)
	}
}

func TestResolveEmptyTokenIsAnonymous(t *testing.T) {
	r := NewResolver(nil, nil, "secret", "HS256", nil)
	p := r.Resolve(context.Background(), "acme", "")
	if !p.IsAnonymous || p.ID != 0 {
		t.Errorf("expected anonymous principal for an empty token, got %+v", p)
	}
}
