package pgstore

import (
	"encoding/json"
	"time"
)

// AnonymousPrincipalID is the reserved principal id meaning "applies to
// anyone".
const AnonymousPrincipalID = 0

// WildcardRoleID is the reserved role id meaning "applies to anyone".
const WildcardRoleID = 0

// Realm is the top-level tenant boundary; Name is the public identifier,
// ID is the partition key for every descendant table.
type Realm struct {
	ID              int64
	Name            string
	Active          bool
	VerificationKey string // RS256 public key, empty if the realm uses the process-wide HMAC secret
	Algorithm       string
	IdPSyncConfig   json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ResourceType is (realm, name) unique; IsPublic short-circuits the
// decision routine.
type ResourceType struct {
	ID       int64
	RealmID  int64
	Name     string
	IsPublic bool
}

// Action is (realm, name) unique.
type Action struct {
	ID      int64
	RealmID int64
	Name    string
}

// Role is (realm, name) unique, with an optional attribute map merged into
// the condition-evaluation context under principal.* when the role's
// attributes are consulted by a manifest or sync source.
type Role struct {
	ID         int64
	RealmID    int64
	Name       string
	Attributes json.RawMessage
}

// Principal is (realm, username) unique. ID=0 is the reserved anonymous
// principal.
type Principal struct {
	ID         int64
	RealmID    int64
	Username   string
	Attributes json.RawMessage
	RoleIDs    []int64 // populated by callers that join principal_roles; not a column
}

// Resource is (realm, type, id): a free-form attribute map plus an
// optional geometry already normalized to the fixed projected SRID.
type Resource struct {
	ID             int64
	RealmID        int64
	ResourceTypeID int64
	Attributes     json.RawMessage
	GeometryWKT    *string // WKT at geo.TargetSRID, nil if the resource carries no geometry
}

// ExternalID maps a caller-meaningful identifier to an internal resource
// id, unique per (realm, type).
type ExternalID struct {
	RealmID        int64
	ResourceTypeID int64
	ExternalID     string
	ResourceID     int64
}

// ACL is one selector-tuple row: (realm, type) plus action/principal?/role?/
// resource? and an optional condition tree. CompiledSQL is derived by a
// database trigger on every write of Conditions.
type ACL struct {
	ID             int64
	RealmID        int64
	ResourceTypeID int64
	ActionID       int64
	PrincipalID    int64  // AnonymousPrincipalID sentinel when unset
	RoleID         int64  // WildcardRoleID sentinel when unset
	ResourceID     *int64 // nil = type-level branch
	Conditions     json.RawMessage
	CompiledSQL    string
}

// IsTypeLevel reports whether this ACL branch applies to every resource of
// its (realm, type) rather than one specific resource.
func (a *ACL) IsTypeLevel() bool { return a.ResourceID == nil }

// AuthorizationLog is an append-only audit row.
type AuthorizationLog struct {
	ID              int64
	OccurredAt      time.Time
	RealmName       string
	PrincipalID     int64
	ActionName      string
	TypeName        string
	Decision        bool
	GrantedInternal []int64
	GrantedExternal []string
}
