// Package decision implements the request orchestrator: it turns a batch
// of access items into decisions by resolving the realm map, batching
// external-id lookups, and fanning per-item evaluation out to a bounded
// pool of goroutines.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/audit"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/cache"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/realmmap"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/token"
)

const (
	maxParallelItems    = 10
	externalIDChunkSize = 30000
)

// ReturnType selects whether an access item wants a plain boolean decision
// or the subset of its requested external ids that were granted.
type ReturnType string

const (
	ReturnDecision ReturnType = "decision"
	ReturnIDList   ReturnType = "id_list"
)

// AccessItem is one entry of a check_access request.
type AccessItem struct {
	TypeName            string
	ActionName          string
	ExternalResourceIDs []string
	ReturnType          ReturnType
}

// AccessResult is the outcome of one AccessItem, in request order.
type AccessResult struct {
	TypeName   string
	ActionName string
	Decision   bool
	GrantedIDs []string // populated only for ReturnIDList items
}

// CheckAccessRequest is a full check_access call.
type CheckAccessRequest struct {
	RealmName      string
	Principal      *token.Principal
	Items          []AccessItem
	Context        map[string]any
	RoleNameFilter []string // nil means "use all of the principal's roles"
}

// ACLStore is the subset of the ACL repository the orchestrator calls.
type ACLStore interface {
	AuthorizedResources(ctx context.Context, realmID, principalID int64, roleIDs []int64, typeID, actionID int64, evalCtx json.RawMessage, candidateIDs []int64) ([]int64, error)
	PermittedActions(ctx context.Context, realmID, principalID int64, roleIDs []int64, typeID int64, resourceIDs []int64, evalCtx json.RawMessage) ([]pgstore.PermittedAction, error)
	ConditionsForClient(ctx context.Context, realmID, principalID int64, roleIDs []int64, typeID, actionID int64) (*pgstore.ConditionsForClient, error)
}

// ExternalIDStore is the subset of the external-id repository the
// orchestrator calls, kept narrow so tests can fake it.
type ExternalIDStore interface {
	ResolveToInternal(ctx context.Context, realmID, typeID int64, externalIDs []string) (map[string]int64, error)
	ResolveToExternal(ctx context.Context, realmID, typeID int64, resourceIDs []int64) (map[int64]string, error)
}

// AuditEmitter is the subset of the audit pipeline the orchestrator calls.
type AuditEmitter interface {
	Emit(ctx context.Context, e audit.Entry)
}

// MetricsRecorder is the subset of the metrics collector the orchestrator
// calls; nil disables recording.
type MetricsRecorder interface {
	RecordDecision(realm, action string, granted bool, d time.Duration)
}

// Orchestrator is the Request Orchestrator: it never touches the database
// directly except through ACLStore/ExternalIDStore, so a caller can point
// it at fakes in tests.
type Orchestrator struct {
	realms realmmap.RealmByNameGetter
	acts   realmmap.ActionLister
	types  realmmap.TypeLister
	roles  realmmap.RoleLister

	acl         ACLStore
	externalIDs ExternalIDStore
	cache       *cache.Cache
	audit       AuditEmitter
	metrics     MetricsRecorder
}

// New builds an Orchestrator wired to a live store, cache, audit
// pipeline, and (optionally, may be nil) metrics collector.
func New(store *pgstore.Store, c *cache.Cache, emitter AuditEmitter, rec MetricsRecorder) *Orchestrator {
	return &Orchestrator{
		realms:      store.Realms,
		acts:        store.Actions,
		types:       store.ResourceTypes,
		roles:       store.Roles,
		acl:         store.ACLs,
		externalIDs: store.ExternalIDs,
		cache:       c,
		audit:       emitter,
		metrics:     rec,
	}
}

// CheckAccess evaluates every item in req and returns results in request
// order. An error here means the request itself is malformed (unknown
// realm/type/action, or a role filter that excludes every role the
// principal holds) — not an individual item's denial, which is expressed
// as Decision: false.
func (o *Orchestrator) CheckAccess(ctx context.Context, req CheckAccessRequest) ([]AccessResult, error) {
	started := time.Now()
	realm, err := realmmap.Resolve(ctx, o.realms, o.acts, o.types, o.roles, o.cache, req.RealmName)
	if err != nil {
		return nil, wrapRealmLookup(req.RealmName, err)
	}

	roleIDs, err := effectiveRoleIDs(realm, req.Principal, req.RoleNameFilter)
	if err != nil {
		return nil, err
	}

	evalCtx, err := buildEvalContext(req.Principal, req.Context)
	if err != nil {
		return nil, fmt.Errorf("decision: build eval context: %w", err)
	}

	resolvedByType, err := o.resolveRequestedExternalIDs(ctx, realm, req.Items)
	if err != nil {
		return nil, err
	}

	typeIDs := make([]int64, len(req.Items))
	actionIDs := make([]int64, len(req.Items))
	for i, item := range req.Items {
		typeID, ok := realm.Types[item.TypeName]
		if !ok {
			return nil, fmt.Errorf("decision: unknown resource type %q: %w", item.TypeName, ErrBadRequest)
		}
		actionID, ok := realm.Actions[item.ActionName]
		if !ok {
			return nil, fmt.Errorf("decision: unknown action %q: %w", item.ActionName, ErrBadRequest)
		}
		typeIDs[i], actionIDs[i] = typeID, actionID
	}

	results := make([]AccessResult, len(req.Items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelItems)
	for i, item := range req.Items {
		i, item := i, item
		typeID, actionID := typeIDs[i], actionIDs[i]
		g.Go(func() error {
			res, err := o.evaluateItem(gctx, itemContext{
				realm:      realm,
				principal:  req.Principal,
				roleIDs:    roleIDs,
				evalCtx:    evalCtx,
				typeID:     typeID,
				actionID:   actionID,
				isPublic:   realm.TypePublic[item.TypeName],
				resolved:   resolvedByType[item.TypeName],
				item:       item,
			})
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	elapsed := time.Since(started)
	for _, res := range results {
		if o.metrics != nil {
			o.metrics.RecordDecision(req.RealmName, res.ActionName, res.Decision, elapsed)
		}
		o.audit.Emit(ctx, audit.Entry{
			OccurredAt:      now,
			RealmName:       req.RealmName,
			PrincipalID:     req.Principal.ID,
			ActionName:      res.ActionName,
			TypeName:        res.TypeName,
			Decision:        res.Decision,
			GrantedExternal: res.GrantedIDs,
		})
	}
	return results, nil
}

type itemContext struct {
	realm     *cache.RealmMap
	principal *token.Principal
	roleIDs   []int64
	evalCtx   json.RawMessage
	typeID    int64
	actionID  int64
	isPublic  bool
	resolved  map[string]int64 // external_id -> internal id, for this item's type
	item      AccessItem
}

// evaluateItem runs the strictly-sequential per-item algorithm: cached
// type-level decision, public short-circuit, non-existent-external
// fallback, main authorized_resources call, type-level fallback, cache
// write.
func (o *Orchestrator) evaluateItem(ctx context.Context, ic itemContext) (AccessResult, error) {
	res := AccessResult{TypeName: ic.item.TypeName, ActionName: ic.item.ActionName}

	// a. cached type-level decision, only for plain decisions with no
	// external ids attached.
	if ic.item.ReturnType == ReturnDecision && len(ic.item.ExternalResourceIDs) == 0 {
		if decision, ok := o.cache.GetTypeLevelDecision(ctx, ic.realm.ID, ic.principal.ID, ic.typeID, ic.actionID, ic.roleIDs); ok {
			res.Decision = decision
			return res, nil
		}
	}

	internalIDs, resolvedExternals, unresolvedExternals := splitResolved(ic.item.ExternalResourceIDs, ic.resolved)

	// b. public type short-circuit: whatever resolved to an existing
	// resource is granted outright.
	if ic.isPublic && len(ic.item.ExternalResourceIDs) > 0 {
		res.Decision = len(resolvedExternals) > 0
		res.GrantedIDs = resolvedExternals
		return res, nil
	}

	// c. external ids that did not resolve to a resource: fall back to a
	// direct type-level probe, since authorized_resources can only ever
	// grant resources that exist.
	if len(unresolvedExternals) > 0 && len(internalIDs) == 0 {
		granted, err := o.typeLevelGrant(ctx, ic)
		if err != nil {
			return AccessResult{}, err
		}
		res.Decision = granted
		if granted {
			res.GrantedIDs = append(append([]string(nil), resolvedExternals...), unresolvedExternals...)
		} else {
			res.GrantedIDs = nil
		}
		if err := o.maybeCacheTypeLevel(ctx, ic, res.Decision); err != nil {
			return AccessResult{}, err
		}
		return res, nil
	}

	// d. main decision path.
	var candidateIDs []int64
	if len(ic.item.ExternalResourceIDs) > 0 {
		candidateIDs = internalIDs
	}
	grantedInternal, err := o.acl.AuthorizedResources(ctx, ic.realm.ID, ic.principal.ID, ic.roleIDs, ic.typeID, ic.actionID, ic.evalCtx, candidateIDs)
	if err != nil {
		return AccessResult{}, fmt.Errorf("decision: authorized resources: %w", err)
	}

	// e. type-level fallback for empty decisions with no external ids —
	// covers create-style checks against a type, not a specific resource.
	if len(grantedInternal) == 0 && len(ic.item.ExternalResourceIDs) == 0 && ic.item.ReturnType == ReturnDecision {
		granted, err := o.typeLevelGrant(ctx, ic)
		if err != nil {
			return AccessResult{}, err
		}
		res.Decision = granted
		if err := o.maybeCacheTypeLevel(ctx, ic, res.Decision); err != nil {
			return AccessResult{}, err
		}
		return res, nil
	}

	res.Decision = len(grantedInternal) > 0
	if len(ic.item.ExternalResourceIDs) > 0 {
		grantedExternal, err := o.mapInternalToExternal(ctx, ic.realm.ID, ic.typeID, grantedInternal)
		if err != nil {
			return AccessResult{}, err
		}
		res.GrantedIDs = grantedExternal
	}

	if err := o.maybeCacheTypeLevel(ctx, ic, res.Decision); err != nil {
		return AccessResult{}, err
	}
	return res, nil
}

func (o *Orchestrator) maybeCacheTypeLevel(ctx context.Context, ic itemContext, decision bool) error {
	if ic.item.ReturnType == ReturnDecision && len(ic.item.ExternalResourceIDs) == 0 {
		o.cache.PutTypeLevelDecision(ctx, ic.realm.ID, ic.principal.ID, ic.typeID, ic.actionID, ic.roleIDs, decision)
	}
	return nil
}

// typeLevelGrant asks whether any unconditional, type-level ACL branch
// grants the item's action, independent of whether a resource exists.
// permitted_actions with an empty resource-id set can only surface
// type-level branches, since there are no resource-scoped rows to join.
func (o *Orchestrator) typeLevelGrant(ctx context.Context, ic itemContext) (bool, error) {
	rows, err := o.acl.PermittedActions(ctx, ic.realm.ID, ic.principal.ID, ic.roleIDs, ic.typeID, nil, ic.evalCtx)
	if err != nil {
		return false, fmt.Errorf("decision: type-level probe: %w", err)
	}
	for _, row := range rows {
		if row.ActionID == ic.actionID && row.IsTypeLevel {
			return true, nil
		}
	}
	return false, nil
}

// mapInternalToExternal translates internal resource ids back to the
// external ids the caller supplied, in chunks to avoid an unbounded
// parameter list against the database.
func (o *Orchestrator) mapInternalToExternal(ctx context.Context, realmID, typeID int64, internalIDs []int64) ([]string, error) {
	var out []string
	for start := 0; start < len(internalIDs); start += externalIDChunkSize {
		end := start + externalIDChunkSize
		if end > len(internalIDs) {
			end = len(internalIDs)
		}
		chunk, err := o.externalIDs.ResolveToExternal(ctx, realmID, typeID, internalIDs[start:end])
		if err != nil {
			return nil, fmt.Errorf("decision: resolve to external: %w", err)
		}
		for _, id := range internalIDs[start:end] {
			if ext, ok := chunk[id]; ok {
				out = append(out, ext)
			}
		}
	}
	return out, nil
}

// resolveRequestedExternalIDs batch-resolves every external id requested
// across all items, one query per resource type, using the external-id
// cache first.
func (o *Orchestrator) resolveRequestedExternalIDs(ctx context.Context, realm *cache.RealmMap, items []AccessItem) (map[string]map[string]int64, error) {
	byType := map[string][]string{}
	for _, item := range items {
		if len(item.ExternalResourceIDs) == 0 {
			continue
		}
		byType[item.TypeName] = append(byType[item.TypeName], item.ExternalResourceIDs...)
	}

	out := make(map[string]map[string]int64, len(byType))
	for typeName, ids := range byType {
		typeID, ok := realm.Types[typeName]
		if !ok {
			return nil, fmt.Errorf("decision: unknown resource type %q: %w", typeName, ErrBadRequest)
		}
		resolved, err := o.resolveExternalIDs(ctx, realm.ID, typeID, dedupeStrings(ids))
		if err != nil {
			return nil, err
		}
		out[typeName] = resolved
	}
	return out, nil
}

func (o *Orchestrator) resolveExternalIDs(ctx context.Context, realmID, typeID int64, ids []string) (map[string]int64, error) {
	resolved := make(map[string]int64, len(ids))
	var misses []string
	for _, id := range ids {
		if internalID, ok := o.cache.GetExternalID(ctx, realmID, typeID, id); ok {
			resolved[id] = internalID
		} else {
			misses = append(misses, id)
		}
	}
	if len(misses) == 0 {
		return resolved, nil
	}

	fromStore, err := o.externalIDs.ResolveToInternal(ctx, realmID, typeID, misses)
	if err != nil {
		return nil, fmt.Errorf("decision: resolve to internal: %w", err)
	}
	o.cache.PutExternalIDBatch(ctx, realmID, typeID, fromStore)
	for id, internalID := range fromStore {
		resolved[id] = internalID
	}
	return resolved, nil
}

// splitResolved partitions an item's requested external ids by whether
// they resolved to an existing internal resource id.
func splitResolved(requested []string, resolved map[string]int64) (internalIDs []int64, resolvedExternals, unresolvedExternals []string) {
	for _, ext := range requested {
		if id, ok := resolved[ext]; ok {
			internalIDs = append(internalIDs, id)
			resolvedExternals = append(resolvedExternals, ext)
		} else {
			unresolvedExternals = append(unresolvedExternals, ext)
		}
	}
	return internalIDs, resolvedExternals, unresolvedExternals
}

// effectiveRoleIDs resolves the caller's role-name filter, if any, against
// the realm map and intersects it with the principal's actual roles. An
// empty intersection fails closed: the caller asked to act as a role they
// don't hold.
func effectiveRoleIDs(realm *cache.RealmMap, principal *token.Principal, roleNames []string) ([]int64, error) {
	if len(roleNames) == 0 {
		return principal.RoleIDs, nil
	}

	wanted := make(map[int64]bool, len(roleNames))
	for _, name := range roleNames {
		id, ok := realm.Roles[name]
		if !ok {
			return nil, fmt.Errorf("decision: unknown role %q: %w", name, ErrBadRequest)
		}
		wanted[id] = true
	}

	var effective []int64
	for _, id := range principal.RoleIDs {
		if wanted[id] {
			effective = append(effective, id)
		}
	}
	if len(effective) == 0 {
		return nil, fmt.Errorf("decision: role filter %v excludes every role the principal holds: %w", roleNames, ErrBadRequest)
	}
	return effective, nil
}

// wrapRealmLookup distinguishes a caller naming an unknown realm (bad
// request) from an infrastructure fault surfaced while resolving one.
func wrapRealmLookup(realmName string, err error) error {
	if errors.Is(err, pgstore.ErrNotFound) {
		return fmt.Errorf("decision: unknown realm %q: %w", realmName, ErrBadRequest)
	}
	return fmt.Errorf("decision: resolve realm %q: %w", realmName, err)
}

// buildEvalContext assembles the unified {"principal": ..., "context": ...}
// document the compiled predicates expect.
func buildEvalContext(principal *token.Principal, callerContext map[string]any) (json.RawMessage, error) {
	principalAttrs := map[string]any{}
	if len(principal.Attributes) > 0 {
		if err := json.Unmarshal(principal.Attributes, &principalAttrs); err != nil {
			return nil, fmt.Errorf("principal attributes: %w", err)
		}
	}
	principalAttrs["id"] = principal.ID
	principalAttrs["username"] = principal.Username
	principalAttrs["realm_id"] = principal.RealmID

	doc := map[string]any{
		"principal": principalAttrs,
		"context":   callerContext,
	}
	return json.Marshal(doc)
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
