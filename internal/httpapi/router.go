package httpapi

import (
	"net/http"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/cache"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/decision"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/token"
)

// Config controls the router's cross-cutting behavior.
type Config struct {
	// DecisionRateLimit bounds check-access/get-permitted-actions/
	// get-authorization-conditions calls per client IP per minute. 0 picks
	// the default.
	DecisionRateLimit int

	// Metrics, when non-nil, wraps every registered route with request
	// counting/timing under that route's mux pattern as its label.
	Metrics MetricsRecorder
}

// ManifestHandler is implemented by internal/manifest's applier; declared
// here so the router can wire it without httpapi importing manifest's
// heavier dependency surface unconditionally.
type ManifestHandler interface {
	Apply(w http.ResponseWriter, r *http.Request)
	Export(w http.ResponseWriter, r *http.Request)
}

// NewRouter builds the full wire API described by the service's endpoint
// table: stateless decision endpoints, realm-scoped CRUD for every entity,
// and (when manifestH is non-nil) the bulk manifest apply/export pair.
// NewRouter returns the handler along with the Middleware it was built
// around, so the caller can Stop its background rate-limiter sweep during
// shutdown.
func NewRouter(store *pgstore.Store, orchestrator *decision.Orchestrator, resolver *token.Resolver, c *cache.Cache, manifestH ManifestHandler, cfg Config) (http.Handler, *Middleware) {
	mux := http.NewServeMux()
	mw := NewMiddleware(resolver, cfg.DecisionRateLimit)

	// register wraps mux.Handle with request metrics, labeled by the mux
	// pattern itself (not the resolved path) so templated ids never blow
	// up metric cardinality.
	register := func(pattern string, h http.Handler) {
		if cfg.Metrics != nil {
			h = WithMetrics(cfg.Metrics, pattern, h)
		}
		mux.Handle(pattern, h)
	}

	decisionH := NewDecisionHandler(orchestrator)
	metaH := NewMetaHandler(store)
	realmH := NewRealmHandler(store.Realms, c)
	typeH := NewResourceTypeHandler(store.Realms, store.ResourceTypes, c)
	actionH := NewActionHandler(store.Realms, store.Actions, c)
	roleH := NewRoleHandler(store.Realms, store.Roles, c)
	principalH := NewPrincipalHandler(store.Realms, store.Principals, c)
	resourceH := NewResourceHandler(store.Realms, store.ResourceTypes, store.Resources, store.ExternalIDs, c)
	aclH := NewACLHandler(store.Realms, store.ResourceTypes, store.Actions, store.Roles, store.Principals, store.ExternalIDs, store.ACLs, c)

	register("GET /healthz", http.HandlerFunc(metaH.Healthz))
	register("GET /meta", http.HandlerFunc(metaH.Meta))

	// --- Decision endpoints ---
	decisionChain := compose(mw.ResolvePrincipal, mw.RateLimit)
	register("POST /check-access", decisionChain(http.HandlerFunc(decisionH.CheckAccess)))
	register("POST /get-permitted-actions", decisionChain(http.HandlerFunc(decisionH.GetPermittedActions)))
	register("POST /get-authorization-conditions", decisionChain(http.HandlerFunc(decisionH.GetAuthorizationConditions)))

	// --- Realms ---
	register("POST /realms", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(realmH.Create))))
	register("GET /realms", mw.ResolvePrincipal(http.HandlerFunc(realmH.List)))
	register("GET /realms/{realm}", mw.ResolvePrincipal(http.HandlerFunc(realmH.Get)))
	register("PUT /realms/{realm}", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(realmH.Update))))
	register("DELETE /realms/{realm}", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(realmH.Delete))))

	// --- Resource types ---
	register("POST /realms/{realm}/resource-types", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(typeH.Create))))
	register("GET /realms/{realm}/resource-types", mw.ResolvePrincipal(http.HandlerFunc(typeH.List)))
	register("GET /realms/{realm}/resource-types/{id}", mw.ResolvePrincipal(http.HandlerFunc(typeH.Get)))
	register("PUT /realms/{realm}/resource-types/{id}", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(typeH.Update))))
	register("DELETE /realms/{realm}/resource-types/{id}", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(typeH.Delete))))

	// --- Actions ---
	register("POST /realms/{realm}/actions", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(actionH.Create))))
	register("GET /realms/{realm}/actions", mw.ResolvePrincipal(http.HandlerFunc(actionH.List)))
	register("GET /realms/{realm}/actions/{id}", mw.ResolvePrincipal(http.HandlerFunc(actionH.Get)))
	register("DELETE /realms/{realm}/actions/{id}", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(actionH.Delete))))

	// --- Roles ---
	register("POST /realms/{realm}/roles", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(roleH.Create))))
	register("GET /realms/{realm}/roles", mw.ResolvePrincipal(http.HandlerFunc(roleH.List)))
	register("GET /realms/{realm}/roles/{id}", mw.ResolvePrincipal(http.HandlerFunc(roleH.Get)))
	register("PUT /realms/{realm}/roles/{id}", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(roleH.Update))))
	register("DELETE /realms/{realm}/roles/{id}", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(roleH.Delete))))

	// --- Principals ---
	register("POST /realms/{realm}/principals", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(principalH.Create))))
	register("GET /realms/{realm}/principals", mw.ResolvePrincipal(http.HandlerFunc(principalH.List)))
	register("GET /realms/{realm}/principals/{id}", mw.ResolvePrincipal(http.HandlerFunc(principalH.Get)))
	register("PUT /realms/{realm}/principals/{id}", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(principalH.Update))))
	register("DELETE /realms/{realm}/principals/{id}", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(principalH.Delete))))
	register("POST /realms/{realm}/principals/{id}/roles/{roleID}", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(principalH.AssignRole))))
	register("DELETE /realms/{realm}/principals/{id}/roles/{roleID}", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(principalH.UnassignRole))))

	// --- Resources (scoped under their type) ---
	register("POST /realms/{realm}/resource-types/{type}/resources", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(resourceH.Create))))
	register("GET /realms/{realm}/resource-types/{type}/resources", mw.ResolvePrincipal(http.HandlerFunc(resourceH.List)))
	register("GET /realms/{realm}/resource-types/{type}/resources/external/{extID}", mw.ResolvePrincipal(http.HandlerFunc(resourceH.GetByExternalID)))
	register("PUT /realms/{realm}/resource-types/{type}/resources/external/{extID}", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(resourceH.PutExternalID))))
	register("DELETE /realms/{realm}/resource-types/{type}/resources/external/{extID}", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(resourceH.DeleteExternalID))))
	register("GET /realms/{realm}/resource-types/{type}/resources/{id}", mw.ResolvePrincipal(http.HandlerFunc(resourceH.Get)))
	register("PUT /realms/{realm}/resource-types/{type}/resources/{id}", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(resourceH.Update))))
	register("DELETE /realms/{realm}/resource-types/{type}/resources/{id}", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(resourceH.Delete))))

	// --- ACLs (scoped under their type) ---
	register("PUT /realms/{realm}/resource-types/{type}/acls", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(aclH.Put))))
	register("GET /realms/{realm}/resource-types/{type}/acls", mw.ResolvePrincipal(http.HandlerFunc(aclH.List)))
	register("DELETE /realms/{realm}/resource-types/{type}/acls/{id}", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(aclH.Delete))))

	// --- Manifest (bulk replace/create/update, and export) ---
	if manifestH != nil {
		register("POST /manifest/apply", mw.ResolvePrincipal(mw.RequireAuthenticated(http.HandlerFunc(manifestH.Apply))))
		register("GET /realms/{realm}/manifest", mw.ResolvePrincipal(http.HandlerFunc(manifestH.Export)))
	}

	return mux, mw
}

// compose chains middleware outside-in: compose(a, b)(h) == a(b(h)).
func compose(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}
