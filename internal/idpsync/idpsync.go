// Package idpsync reconciles a realm's roles and principals against an
// external identity provider (Keycloak) on a cron schedule. It is an
// external collaborator: it touches the rest of the engine only through
// the same role/principal repositories an admin CRUD call would use, and
// invalidates the same cache entries a manifest apply would.
package idpsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/cache"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

// Config is a realm's IdPSyncConfig column, decoded on demand.
type Config struct {
	ServerURL     string `json:"server_url"`
	KeycloakRealm string `json:"keycloak_realm"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
	VerifySSL     bool   `json:"verify_ssl"`
	SyncGroups    bool   `json:"sync_groups"`
	// Schedule is a standard 5-field cron expression. Empty disables the
	// realm's entry in the scheduler even if idpsync is running.
	Schedule string `json:"schedule"`
}

// ParseConfig decodes a realm's IdPSyncConfig, returning (nil, nil) when
// the realm has none configured.
func ParseConfig(raw json.RawMessage) (*Config, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("idpsync: decode config: %w", err)
	}
	return &cfg, nil
}

// RoleData is one role or group as reported by the identity provider.
type RoleData struct {
	Name       string
	Attributes json.RawMessage
}

// PrincipalData is one user as reported by the identity provider.
type PrincipalData struct {
	ExternalID string
	Username   string
	Attributes json.RawMessage
}

// Source is the subset of an identity provider's admin API a sync pass
// needs. KeycloakAdapter is the only implementation; tests substitute a
// fake.
type Source interface {
	Roles(ctx context.Context) ([]RoleData, error)
	Groups(ctx context.Context) ([]RoleData, error)
	Principals(ctx context.Context) ([]PrincipalData, error)
	PrincipalRoleNames(ctx context.Context, externalID string) ([]string, error)
	PrincipalGroupNames(ctx context.Context, externalID string) ([]string, error)
}

// RoleStore is the subset of the role repository a sync pass needs, kept
// narrow so tests can fake it.
type RoleStore interface {
	GetByName(ctx context.Context, realmID int64, name string) (*pgstore.Role, error)
	Create(ctx context.Context, role *pgstore.Role) error
	Update(ctx context.Context, role *pgstore.Role) error
}

// PrincipalStore is the subset of the principal repository a sync pass
// needs, kept narrow so tests can fake it.
type PrincipalStore interface {
	GetByUsername(ctx context.Context, realmID int64, username string) (*pgstore.Principal, error)
	Create(ctx context.Context, p *pgstore.Principal) error
	Update(ctx context.Context, p *pgstore.Principal) error
	RoleIDs(ctx context.Context, principalID int64) ([]int64, error)
	AssignRole(ctx context.Context, principalID, roleID int64) error
	UnassignRole(ctx context.Context, principalID, roleID int64) error
}

// CacheInvalidator is the subset of the cache the syncer needs to
// invalidate on a realm it just reconciled.
type CacheInvalidator interface {
	InvalidateRealm(ctx context.Context, realmName string)
}

// Syncer reconciles one realm at a time against its Source. Role and
// group rows both land in the role table; a user's combined role+group
// membership replaces its principal_roles rows wholesale on every pass,
// matching what the identity provider currently reports.
type Syncer struct {
	roles      RoleStore
	principals PrincipalStore
	cache      CacheInvalidator
	logger     *slog.Logger
}

// New builds a Syncer wired to a live store and cache.
func New(store *pgstore.Store, c *cache.Cache, logger *slog.Logger) *Syncer {
	return NewWithStores(store.Roles, store.Principals, c, logger)
}

// NewWithStores builds a Syncer against arbitrary role/principal/cache
// implementations, for tests.
func NewWithStores(roles RoleStore, principals PrincipalStore, c CacheInvalidator, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{roles: roles, principals: principals, cache: c, logger: logger}
}

// SyncRealm fetches roles, groups, and users from src and reconciles them
// into the given realm: create missing roles/principals, update existing
// ones' attributes, and replace each principal's role assignments with
// what the identity provider currently reports. A failure partway through
// one principal is logged and skipped rather than aborting the whole
// pass — a realm with a thousand users shouldn't fail sync over one bad
// record.
func (s *Syncer) SyncRealm(ctx context.Context, realm *pgstore.Realm, src Source) error {
	cfg, err := ParseConfig(realm.IdPSyncConfig)
	if err != nil {
		return err
	}
	if cfg == nil {
		s.logger.Warn("idpsync: realm has no identity provider configured, skipping", "realm", realm.Name)
		return nil
	}

	roles, err := src.Roles(ctx)
	if err != nil {
		return fmt.Errorf("idpsync: fetch roles: %w", err)
	}
	var groups []RoleData
	if cfg.SyncGroups {
		groups, err = src.Groups(ctx)
		if err != nil {
			return fmt.Errorf("idpsync: fetch groups: %w", err)
		}
	}
	roleIDByName, err := s.syncRoles(ctx, realm, roles)
	if err != nil {
		return err
	}
	groupIDByName, err := s.syncRoles(ctx, realm, groups)
	if err != nil {
		return err
	}
	for name, id := range groupIDByName {
		roleIDByName[name] = id
	}

	users, err := src.Principals(ctx)
	if err != nil {
		return fmt.Errorf("idpsync: fetch principals: %w", err)
	}
	if err := s.syncPrincipals(ctx, realm, users, roleIDByName, src, cfg); err != nil {
		return err
	}

	s.cache.InvalidateRealm(ctx, realm.Name)
	s.logger.Info("idpsync: sync completed", "realm", realm.Name, "roles", len(roles), "groups", len(groups), "principals", len(users))
	return nil
}

// syncRoles creates missing roles and updates existing ones' attributes,
// returning a name->id map for the caller to resolve assignments against.
func (s *Syncer) syncRoles(ctx context.Context, realm *pgstore.Realm, rows []RoleData) (map[string]int64, error) {
	byName := make(map[string]int64, len(rows))
	for _, rd := range rows {
		if rd.Name == "" {
			continue
		}
		existing, err := s.roles.GetByName(ctx, realm.ID, rd.Name)
		switch {
		case err == nil:
			existing.Attributes = rd.Attributes
			if updErr := s.roles.Update(ctx, existing); updErr != nil {
				return nil, fmt.Errorf("idpsync: update role %s: %w", rd.Name, updErr)
			}
			byName[rd.Name] = existing.ID
		case errors.Is(err, pgstore.ErrNotFound):
			role := &pgstore.Role{RealmID: realm.ID, Name: rd.Name, Attributes: rd.Attributes}
			if createErr := s.roles.Create(ctx, role); createErr != nil {
				return nil, fmt.Errorf("idpsync: create role %s: %w", rd.Name, createErr)
			}
			byName[rd.Name] = role.ID
		default:
			return nil, fmt.Errorf("idpsync: look up role %s: %w", rd.Name, err)
		}
	}
	return byName, nil
}

// syncPrincipals creates/updates one principal per user row and replaces
// its role assignments with the union of its IdP roles and groups.
func (s *Syncer) syncPrincipals(ctx context.Context, realm *pgstore.Realm, users []PrincipalData, roleIDByName map[string]int64, src Source, cfg *Config) error {
	for _, u := range users {
		if u.Username == "" || u.ExternalID == "" {
			continue
		}

		p, err := s.principals.GetByUsername(ctx, realm.ID, u.Username)
		switch {
		case err == nil:
			p.Attributes = u.Attributes
			if updErr := s.principals.Update(ctx, p); updErr != nil {
				s.logger.Error("idpsync: update principal failed, skipping", "username", u.Username, "error", updErr)
				continue
			}
		case errors.Is(err, pgstore.ErrNotFound):
			p = &pgstore.Principal{RealmID: realm.ID, Username: u.Username, Attributes: u.Attributes}
			if createErr := s.principals.Create(ctx, p); createErr != nil {
				s.logger.Error("idpsync: create principal failed, skipping", "username", u.Username, "error", createErr)
				continue
			}
		default:
			s.logger.Error("idpsync: look up principal failed, skipping", "username", u.Username, "error", err)
			continue
		}

		if err := s.syncPrincipalRoles(ctx, p, u.ExternalID, roleIDByName, src, cfg); err != nil {
			s.logger.Error("idpsync: sync roles failed for principal", "username", u.Username, "error", err)
		}
	}
	return nil
}

func (s *Syncer) syncPrincipalRoles(ctx context.Context, p *pgstore.Principal, externalID string, roleIDByName map[string]int64, src Source, cfg *Config) error {
	names, err := src.PrincipalRoleNames(ctx, externalID)
	if err != nil {
		return fmt.Errorf("fetch roles: %w", err)
	}
	if cfg.SyncGroups {
		groupNames, err := src.PrincipalGroupNames(ctx, externalID)
		if err != nil {
			return fmt.Errorf("fetch groups: %w", err)
		}
		names = append(names, groupNames...)
	}

	wanted := make(map[int64]bool, len(names))
	for _, name := range names {
		if id, ok := roleIDByName[name]; ok {
			wanted[id] = true
		}
	}

	current, err := s.principals.RoleIDs(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("list current roles: %w", err)
	}
	currentSet := make(map[int64]bool, len(current))
	for _, id := range current {
		currentSet[id] = true
	}

	for id := range wanted {
		if !currentSet[id] {
			if err := s.principals.AssignRole(ctx, p.ID, id); err != nil {
				return fmt.Errorf("assign role %d: %w", id, err)
			}
		}
	}
	for id := range currentSet {
		if !wanted[id] {
			if err := s.principals.UnassignRole(ctx, p.ID, id); err != nil {
				return fmt.Errorf("unassign role %d: %w", id, err)
			}
		}
	}
	return nil
}
