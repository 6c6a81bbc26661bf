package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	realmMapTTL     = time.Hour
	principalTTL    = time.Hour
	externalIDTTL   = time.Hour
	typeDecisionTTL = 5 * time.Minute
)

// Cache is the realm-map / principal-roles / principal-record /
// external-id-batch / type-level-decision cache in front of pgstore.
// It prefers Redis and transparently falls back to an in-process LRU when
// Redis is unreachable, so a down cache degrades the request path to
// direct database reads rather than failing it.
type Cache struct {
	client RedisClient
	lru    *LRU
	prefix string
	rec    LookupRecorder
}

// LookupRecorder receives one hit/miss event per typed cache read; nil
// disables recording.
type LookupRecorder interface {
	RecordCacheLookup(category string, hit bool)
}

// SetRecorder attaches a hit/miss recorder. Called once during wiring,
// before the cache serves requests.
func (c *Cache) SetRecorder(rec LookupRecorder) { c.rec = rec }

func (c *Cache) record(category string, hit bool) {
	if c.rec != nil {
		c.rec.RecordCacheLookup(category, hit)
	}
}

// New connects to Redis and returns a Cache; it never fails to construct —
// a failed Ping just means every subsequent operation runs against the LRU
// fallback instead.
func New(ctx context.Context, cfg Config) *Cache {
	client := newRedisClient(cfg)
	c := &Cache{client: client, lru: NewLRU(50000, realmMapTTL), prefix: cfg.Prefix}
	if err := client.Ping(ctx).Err(); err != nil {
		c.client = nil
	}
	return c
}

func (c *Cache) usingRedis() bool { return c.client != nil }

func (c *Cache) key(parts ...string) string {
	return c.prefix + strings.Join(parts, ":")
}

// RealmMap is the cached projection of a realm's lookup tables.
type RealmMap struct {
	ID              int64
	VerificationKey string
	Algorithm       string
	Actions         map[string]int64
	Types           map[string]int64
	TypePublic      map[string]bool
	Roles           map[string]int64
}

// GetRealmMap returns the cached realm map, or (nil, false) on a miss —
// callers repopulate via PutRealmMap after reading the realm row and its
// actions, types, and roles (internal/realmmap.Resolve, one query each).
func (c *Cache) GetRealmMap(ctx context.Context, name string) (*RealmMap, bool) {
	key := c.key("realm", name)

	if c.usingRedis() {
		fields, err := c.client.HGetAll(ctx, key).Result()
		if err == nil && len(fields) > 0 {
			c.record("realm_map", true)
			return decodeRealmMap(fields), true
		}
		if err != nil {
			c.client = nil // demote to LRU for the rest of this process's life
		}
	}

	raw, ok := c.lru.Get(key)
	if !ok {
		c.record("realm_map", false)
		return nil, false
	}
	var rm RealmMap
	if json.Unmarshal([]byte(raw), &rm) != nil {
		c.record("realm_map", false)
		return nil, false
	}
	c.record("realm_map", true)
	return &rm, true
}

func (c *Cache) PutRealmMap(ctx context.Context, name string, rm *RealmMap) {
	key := c.key("realm", name)

	if c.usingRedis() {
		fields := encodeRealmMap(rm)
		if err := c.client.HSet(ctx, key, fields).Err(); err == nil {
			_ = c.client.Expire(ctx, key, realmMapTTL).Err()
			return
		}
		c.client = nil
	}

	if raw, err := json.Marshal(rm); err == nil {
		c.lru.SetWithTTL(key, string(raw), realmMapTTL)
	}
}

// InvalidateRealm drops the cached map for a realm; called after any write
// to an entity within it.
func (c *Cache) InvalidateRealm(ctx context.Context, name string) {
	key := c.key("realm", name)
	if c.usingRedis() {
		_ = c.client.Del(ctx, key).Err()
	}
	c.lru.Delete(key)
}

func encodeRealmMap(rm *RealmMap) []any {
	fields := []any{"_id", strconv.FormatInt(rm.ID, 10)}
	if rm.VerificationKey != "" {
		fields = append(fields, "_public_key", rm.VerificationKey)
	}
	if rm.Algorithm != "" {
		fields = append(fields, "_algorithm", rm.Algorithm)
	}
	for name, id := range rm.Actions {
		fields = append(fields, "action:"+name, strconv.FormatInt(id, 10))
	}
	for name, id := range rm.Types {
		fields = append(fields, "type:"+name, strconv.FormatInt(id, 10))
	}
	for name, pub := range rm.TypePublic {
		fields = append(fields, "type_public:"+name, strconv.FormatBool(pub))
	}
	for name, id := range rm.Roles {
		fields = append(fields, "role:"+name, strconv.FormatInt(id, 10))
	}
	return fields
}

func decodeRealmMap(fields map[string]string) *RealmMap {
	rm := &RealmMap{
		Actions:    map[string]int64{},
		Types:      map[string]int64{},
		TypePublic: map[string]bool{},
		Roles:      map[string]int64{},
	}
	for k, v := range fields {
		switch {
		case k == "_id":
			rm.ID, _ = strconv.ParseInt(v, 10, 64)
		case k == "_public_key":
			rm.VerificationKey = v
		case k == "_algorithm":
			rm.Algorithm = v
		case strings.HasPrefix(k, "action:"):
			rm.Actions[strings.TrimPrefix(k, "action:")], _ = strconv.ParseInt(v, 10, 64)
		case strings.HasPrefix(k, "type_public:"):
			rm.TypePublic[strings.TrimPrefix(k, "type_public:")] = v == "true"
		case strings.HasPrefix(k, "type:"):
			rm.Types[strings.TrimPrefix(k, "type:")], _ = strconv.ParseInt(v, 10, 64)
		case strings.HasPrefix(k, "role:"):
			rm.Roles[strings.TrimPrefix(k, "role:")], _ = strconv.ParseInt(v, 10, 64)
		}
	}
	return rm
}

// GetPrincipalRoles returns the cached role-id set for a principal.
func (c *Cache) GetPrincipalRoles(ctx context.Context, principalID int64) ([]int64, bool) {
	key := c.key("principal_roles", strconv.FormatInt(principalID, 10))
	raw, ok := c.getString(ctx, key)
	c.record("principal_roles", ok)
	if !ok {
		return nil, false
	}
	if raw == "" {
		return nil, true // cached empty set, distinct from a miss
	}
	parts := strings.Split(raw, ",")
	roles := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err == nil {
			roles = append(roles, id)
		}
	}
	return roles, true
}

func (c *Cache) PutPrincipalRoles(ctx context.Context, principalID int64, roleIDs []int64) {
	key := c.key("principal_roles", strconv.FormatInt(principalID, 10))
	sorted := append([]int64(nil), roleIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	strs := make([]string, len(sorted))
	for i, id := range sorted {
		strs[i] = strconv.FormatInt(id, 10)
	}
	c.setString(ctx, key, strings.Join(strs, ","), principalTTL)
}

// InvalidatePrincipal drops the roles and record caches for a principal
// (and its username alias) after a role/attribute change.
func (c *Cache) InvalidatePrincipal(ctx context.Context, realmName, username string, principalID int64) {
	keys := []string{
		c.key("principal_roles", strconv.FormatInt(principalID, 10)),
		c.key("principal", strconv.FormatInt(principalID, 10)),
	}
	if username != "" {
		keys = append(keys, c.key("principal", realmName, username))
	}
	if c.usingRedis() {
		_ = c.client.Del(ctx, keys...).Err()
	}
	for _, k := range keys {
		c.lru.Delete(k)
	}
}

// PrincipalRecord is the cached JSON snapshot of a principal.
type PrincipalRecord struct {
	ID         int64           `json:"id"`
	Username   string          `json:"username"`
	RealmID    int64           `json:"realm"`
	Attributes json.RawMessage `json:"attributes"`
	RoleIDs    []int64         `json:"role_ids"`
}

func (c *Cache) GetPrincipalByID(ctx context.Context, principalID int64) (*PrincipalRecord, bool) {
	return c.getPrincipalRecord(ctx, c.key("principal", strconv.FormatInt(principalID, 10)))
}

func (c *Cache) GetPrincipalByUsername(ctx context.Context, realmName, username string) (*PrincipalRecord, bool) {
	return c.getPrincipalRecord(ctx, c.key("principal", realmName, username))
}

func (c *Cache) getPrincipalRecord(ctx context.Context, key string) (*PrincipalRecord, bool) {
	raw, ok := c.getString(ctx, key)
	c.record("principal", ok)
	if !ok {
		return nil, false
	}
	var rec PrincipalRecord
	if json.Unmarshal([]byte(raw), &rec) != nil {
		return nil, false
	}
	return &rec, true
}

func (c *Cache) PutPrincipal(ctx context.Context, realmName string, rec *PrincipalRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	c.setString(ctx, c.key("principal", strconv.FormatInt(rec.ID, 10)), string(raw), principalTTL)
	if rec.Username != "" {
		c.setString(ctx, c.key("principal", realmName, rec.Username), string(raw), principalTTL)
	}
}

// GetExternalID resolves one external id from the batch cache.
func (c *Cache) GetExternalID(ctx context.Context, realmID, typeID int64, externalID string) (int64, bool) {
	key := c.externalIDKey(realmID, typeID, externalID)
	raw, ok := c.getString(ctx, key)
	c.record("extid", ok)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil
}

// PutExternalIDBatch pipelines a batch of resolved external ids into the
// cache in one round trip.
func (c *Cache) PutExternalIDBatch(ctx context.Context, realmID, typeID int64, resolved map[string]int64) {
	if c.usingRedis() {
		pipe := c.client.Pipeline()
		for extID, resID := range resolved {
			pipe.Set(ctx, c.externalIDKey(realmID, typeID, extID), strconv.FormatInt(resID, 10), externalIDTTL)
		}
		if _, err := pipe.Exec(ctx); err == nil {
			return
		}
		c.client = nil
	}
	for extID, resID := range resolved {
		c.lru.SetWithTTL(c.externalIDKey(realmID, typeID, extID), strconv.FormatInt(resID, 10), externalIDTTL)
	}
}

func (c *Cache) InvalidateExternalID(ctx context.Context, realmID, typeID int64, externalID string) {
	key := c.externalIDKey(realmID, typeID, externalID)
	if c.usingRedis() {
		_ = c.client.Del(ctx, key).Err()
	}
	c.lru.Delete(key)
}

// InvalidateExternalIDsForType bulk-invalidates every external-id batch
// entry for a resource type, used on resource-type delete.
func (c *Cache) InvalidateExternalIDsForType(ctx context.Context, realmID, typeID int64) {
	pattern := c.key("extid", strconv.FormatInt(realmID, 10), strconv.FormatInt(typeID, 10)) + ":*"
	c.invalidatePattern(ctx, pattern)
}

func (c *Cache) externalIDKey(realmID, typeID int64, externalID string) string {
	return c.key("extid", strconv.FormatInt(realmID, 10), strconv.FormatInt(typeID, 10), externalID)
}

// GetTypeLevelDecision returns a cached type-level (no specific resource)
// decision boolean for (realm, principal, type, action, roleSet).
func (c *Cache) GetTypeLevelDecision(ctx context.Context, realmID, principalID, typeID, actionID int64, roleIDs []int64) (bool, bool) {
	key := c.typeDecisionKey(realmID, principalID, typeID, actionID, roleIDs)
	raw, ok := c.getString(ctx, key)
	c.record("type_decision", ok)
	if !ok {
		return false, false
	}
	return raw == "1", true
}

func (c *Cache) PutTypeLevelDecision(ctx context.Context, realmID, principalID, typeID, actionID int64, roleIDs []int64, decision bool) {
	key := c.typeDecisionKey(realmID, principalID, typeID, actionID, roleIDs)
	val := "0"
	if decision {
		val = "1"
	}
	c.setString(ctx, key, val, typeDecisionTTL)
}

// InvalidateTypeDecisions bulk-invalidates every type-level decision for a
// realm, called after any ACL or resource write in it.
func (c *Cache) InvalidateTypeDecisions(ctx context.Context, realmID int64) {
	pattern := c.key("type_decision", strconv.FormatInt(realmID, 10)) + ":*"
	c.invalidatePattern(ctx, pattern)
}

func (c *Cache) typeDecisionKey(realmID, principalID, typeID, actionID int64, roleIDs []int64) string {
	sorted := append([]int64(nil), roleIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	strs := make([]string, len(sorted))
	for i, id := range sorted {
		strs[i] = strconv.FormatInt(id, 10)
	}
	roleList := "none"
	if len(strs) > 0 {
		roleList = strings.Join(strs, ",")
	}
	return c.key("type_decision", strconv.FormatInt(realmID, 10), strconv.FormatInt(principalID, 10),
		strconv.FormatInt(typeID, 10), strconv.FormatInt(actionID, 10), roleList)
}

func (c *Cache) invalidatePattern(ctx context.Context, pattern string) {
	if c.usingRedis() {
		if err := scanDelete(ctx, c.client, pattern); err == nil {
			return
		}
		c.client = nil
	}
	trimmed := strings.TrimSuffix(pattern, "*")
	c.lru.DeletePrefix(trimmed)
}

func (c *Cache) getString(ctx context.Context, key string) (string, bool) {
	if c.usingRedis() {
		val, err := c.client.Get(ctx, key).Result()
		if err == nil {
			return val, true
		}
		if errors.Is(err, redis.Nil) {
			return "", false
		}
		c.client = nil
	}
	return c.lru.Get(key)
}

func (c *Cache) setString(ctx context.Context, key, value string, ttl time.Duration) {
	if c.usingRedis() {
		if err := c.client.Set(ctx, key, value, ttl).Err(); err == nil {
			return
		}
		c.client = nil
	}
	c.lru.SetWithTTL(key, value, ttl)
}

// Close releases the Redis connection, if one is open.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
