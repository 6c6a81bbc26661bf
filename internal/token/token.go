// Package token resolves a bearer token into a principal, degrading to the
// anonymous principal on any verification or lookup failure.
package token

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/cache"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/realmmap"
)

// Principal is the resolved identity attached to a request: either a real
// principal with merged role ids, or the anonymous sentinel.
type Principal struct {
	ID          int64
	RealmID     int64
	RealmName   string
	Username    string
	Attributes  json.RawMessage
	RoleIDs     []int64
	IsAnonymous bool
}

func anonymous(realmID int64, realmName string) *Principal {
	return &Principal{ID: pgstore.AnonymousPrincipalID, RealmID: realmID, RealmName: realmName, IsAnonymous: true}
}

// Resolver verifies bearer tokens against a per-realm RS256 key or a
// process-wide HMAC secret, then resolves the resulting subject to a
// principal record.
type Resolver struct {
	store    *pgstore.Store
	cache    *cache.Cache
	hmacKey  []byte
	hmacAlgo string
	logger   *slog.Logger
}

// NewResolver builds a Resolver. hmacSecret/hmacAlgorithm back every realm
// that has no realm-specific RS256 verification key configured.
func NewResolver(store *pgstore.Store, c *cache.Cache, hmacSecret, hmacAlgorithm string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if hmacAlgorithm == "" {
		hmacAlgorithm = "HS256"
	}
	return &Resolver{store: store, cache: c, hmacKey: []byte(hmacSecret), hmacAlgo: hmacAlgorithm, logger: logger}
}

// Resolve never returns an error: any failure (missing realm, bad
// signature, expired token, unknown subject) downgrades to the anonymous
// principal for realmHint, per the token-invalid-is-anonymous contract.
func (r *Resolver) Resolve(ctx context.Context, realmHint, bearerToken string) *Principal {
	tokenStr := strings.TrimPrefix(bearerToken, "Bearer ")
	if tokenStr == "" {
		return anonymous(0, realmHint)
	}

	realmName := realmHint
	realm, err := realmmap.Resolve(ctx, r.store.Realms, r.store.Actions, r.store.ResourceTypes, r.store.Roles, r.cache, realmName)
	if err != nil {
		r.logger.Warn("token: realm lookup failed", "realm", realmName, "error", err)
		return anonymous(0, realmName)
	}

	claims, err := r.verify(tokenStr, realm)
	if err != nil {
		r.logger.Debug("token: verification failed", "realm", realmName, "error", err)
		return anonymous(realm.ID, realmName)
	}

	if realmClaim, ok := claims["realm"].(string); ok && realmClaim != "" && realmClaim != realmName {
		realmName = realmClaim
		realm, err = realmmap.Resolve(ctx, r.store.Realms, r.store.Actions, r.store.ResourceTypes, r.store.Roles, r.cache, realmName)
		if err != nil {
			r.logger.Warn("token: realm claim override lookup failed", "realm", realmName, "error", err)
			return anonymous(0, realmName)
		}
	}

	principal, err := r.lookupSubject(ctx, realm, realmName, claims)
	if err != nil {
		r.logger.Debug("token: subject lookup failed", "realm", realmName, "error", err)
		return anonymous(realm.ID, realmName)
	}

	principal.RoleIDs = mergeRoleIDs(principal.RoleIDs, realm, rolesFromClaims(claims))
	return principal
}

// verify parses the token and returns its claims, choosing RS256 against
// the realm's public key when configured and the process-wide HMAC secret
// otherwise. Audience is intentionally not checked.
func (r *Resolver) verify(tokenStr string, realm *cache.RealmMap) (jwt.MapClaims, error) {
	var key any
	var parseOpts []jwt.ParserOption

	if realm.VerificationKey != "" {
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(realm.VerificationKey))
		if err != nil {
			return nil, err
		}
		key = pub
		parseOpts = append(parseOpts, jwt.WithValidMethods([]string{"RS256"}))
	} else {
		key = r.hmacKey
		parseOpts = append(parseOpts, jwt.WithValidMethods([]string{r.hmacAlgo}))
	}

	parsed, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		return key, nil
	}, parseOpts...)
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func (r *Resolver) lookupSubject(ctx context.Context, realm *cache.RealmMap, realmName string, claims jwt.MapClaims) (*Principal, error) {
	sub, _ := claims["sub"].(string)
	username, _ := claims["preferred_username"].(string)

	if sub != "" {
		if id, err := strconv.ParseInt(sub, 10, 64); err == nil {
			return r.lookupByID(ctx, realm, realmName, id)
		}
		if username == "" {
			username = sub
		}
	}
	if username == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return r.lookupByUsername(ctx, realm, realmName, username)
}

func (r *Resolver) lookupByID(ctx context.Context, realm *cache.RealmMap, realmName string, id int64) (*Principal, error) {
	if rec, ok := r.cache.GetPrincipalByID(ctx, id); ok {
		return principalFromRecord(realm, realmName, rec), nil
	}
	p, err := r.store.Principals.GetByID(ctx, realm.ID, id)
	if err != nil {
		return nil, err
	}
	r.cachePrincipal(ctx, realmName, p)
	return &Principal{ID: p.ID, RealmID: realm.ID, RealmName: realmName, Username: p.Username, Attributes: p.Attributes, RoleIDs: p.RoleIDs}, nil
}

func (r *Resolver) lookupByUsername(ctx context.Context, realm *cache.RealmMap, realmName, username string) (*Principal, error) {
	if rec, ok := r.cache.GetPrincipalByUsername(ctx, realmName, username); ok {
		return principalFromRecord(realm, realmName, rec), nil
	}
	p, err := r.store.Principals.GetByUsername(ctx, realm.ID, username)
	if err != nil {
		return nil, err
	}
	r.cachePrincipal(ctx, realmName, p)
	return &Principal{ID: p.ID, RealmID: realm.ID, RealmName: realmName, Username: p.Username, Attributes: p.Attributes, RoleIDs: p.RoleIDs}, nil
}

func (r *Resolver) cachePrincipal(ctx context.Context, realmName string, p *pgstore.Principal) {
	rec := &cache.PrincipalRecord{ID: p.ID, Username: p.Username, RealmID: p.RealmID, Attributes: p.Attributes, RoleIDs: p.RoleIDs}
	r.cache.PutPrincipal(ctx, realmName, rec)
	r.cache.PutPrincipalRoles(ctx, p.ID, p.RoleIDs)
}

func principalFromRecord(realm *cache.RealmMap, realmName string, rec *cache.PrincipalRecord) *Principal {
	return &Principal{ID: rec.ID, RealmID: realm.ID, RealmName: realmName, Username: rec.Username, Attributes: rec.Attributes, RoleIDs: rec.RoleIDs}
}

// rolesFromClaims collects role *names* from realm_access.roles, top-level
// roles, and groups (stripped of a leading '/'); ids are resolved against
// the realm map by the caller, since claims never carry role ids directly.
func rolesFromClaims(claims jwt.MapClaims) []string {
	var names []string
	if realmAccess, ok := claims["realm_access"].(map[string]any); ok {
		names = append(names, stringSlice(realmAccess["roles"])...)
	}
	names = append(names, stringSlice(claims["roles"])...)
	for _, g := range stringSlice(claims["groups"]) {
		names = append(names, strings.TrimPrefix(g, "/"))
	}
	return names
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// mergeRoleIDs unions the principal's stored role ids with any additional
// role names carried in the token, resolved against the realm map.
func mergeRoleIDs(existing []int64, realm *cache.RealmMap, claimedNames []string) []int64 {
	seen := make(map[int64]bool, len(existing))
	out := append([]int64(nil), existing...)
	for _, id := range existing {
		seen[id] = true
	}
	for _, name := range claimedNames {
		id, ok := realm.Roles[name]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
