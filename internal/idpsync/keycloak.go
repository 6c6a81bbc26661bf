package idpsync

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// KeycloakAdapter is a Source backed by the Keycloak Admin REST API. It
// authenticates with the client-credentials grant and refreshes its
// access token on demand; callers never see the token lifecycle.
type KeycloakAdapter struct {
	cfg    Config
	http   *http.Client
	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewKeycloakAdapter builds an adapter for one realm's configuration.
func NewKeycloakAdapter(cfg Config) *KeycloakAdapter {
	client := &http.Client{Timeout: 30 * time.Second}
	if !cfg.VerifySSL {
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec // operator opt-in per realm config
	}
	return &KeycloakAdapter{cfg: cfg, http: client}
}

func (k *KeycloakAdapter) accessToken(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.token != "" && time.Now().Before(k.expiry) {
		return k.token, nil
	}

	tokenURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", strings.TrimRight(k.cfg.ServerURL, "/"), k.cfg.KeycloakRealm)
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {k.cfg.ClientID},
		"client_secret": {k.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := k.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("idpsync: keycloak token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("idpsync: keycloak token request returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("idpsync: decode token response: %w", err)
	}
	k.token = body.AccessToken
	k.expiry = time.Now().Add(time.Duration(body.ExpiresIn-10) * time.Second)
	return k.token, nil
}

func (k *KeycloakAdapter) adminGet(ctx context.Context, path string, out any) error {
	token, err := k.accessToken(ctx)
	if err != nil {
		return err
	}
	adminURL := fmt.Sprintf("%s/admin/realms/%s%s", strings.TrimRight(k.cfg.ServerURL, "/"), k.cfg.KeycloakRealm, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, adminURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := k.http.Do(req)
	if err != nil {
		return fmt.Errorf("idpsync: keycloak admin request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("idpsync: keycloak admin request %s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type keycloakRole struct {
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type keycloakUser struct {
	ID            string         `json:"id"`
	Username      string         `json:"username"`
	Email         string         `json:"email,omitempty"`
	FirstName     string         `json:"firstName,omitempty"`
	LastName      string         `json:"lastName,omitempty"`
	EmailVerified bool           `json:"emailVerified"`
	Enabled       bool           `json:"enabled"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

func (k *KeycloakAdapter) Roles(ctx context.Context) ([]RoleData, error) {
	var roles []keycloakRole
	if err := k.adminGet(ctx, "/roles", &roles); err != nil {
		return nil, fmt.Errorf("fetch roles: %w", err)
	}
	return rolesToData(roles)
}

func (k *KeycloakAdapter) Groups(ctx context.Context) ([]RoleData, error) {
	var groups []keycloakRole
	if err := k.adminGet(ctx, "/groups", &groups); err != nil {
		return nil, fmt.Errorf("fetch groups: %w", err)
	}
	return rolesToData(groups)
}

func (k *KeycloakAdapter) Principals(ctx context.Context) ([]PrincipalData, error) {
	var users []keycloakUser
	if err := k.adminGet(ctx, "/users", &users); err != nil {
		return nil, fmt.Errorf("fetch users: %w", err)
	}
	out := make([]PrincipalData, 0, len(users))
	for _, u := range users {
		attrs, err := userAttributes(u)
		if err != nil {
			return nil, err
		}
		out = append(out, PrincipalData{ExternalID: u.ID, Username: u.Username, Attributes: attrs})
	}
	return out, nil
}

func (k *KeycloakAdapter) PrincipalRoleNames(ctx context.Context, externalID string) ([]string, error) {
	var roles []keycloakRole
	if err := k.adminGet(ctx, fmt.Sprintf("/users/%s/role-mappings/realm", url.PathEscape(externalID)), &roles); err != nil {
		return nil, fmt.Errorf("fetch user roles: %w", err)
	}
	return roleNames(roles), nil
}

func (k *KeycloakAdapter) PrincipalGroupNames(ctx context.Context, externalID string) ([]string, error) {
	var groups []keycloakRole
	if err := k.adminGet(ctx, fmt.Sprintf("/users/%s/groups", url.PathEscape(externalID)), &groups); err != nil {
		return nil, fmt.Errorf("fetch user groups: %w", err)
	}
	return roleNames(groups), nil
}

func rolesToData(rows []keycloakRole) ([]RoleData, error) {
	out := make([]RoleData, 0, len(rows))
	for _, r := range rows {
		attrs, err := json.Marshal(r.Attributes)
		if err != nil {
			return nil, fmt.Errorf("marshal role attributes for %s: %w", r.Name, err)
		}
		out = append(out, RoleData{Name: r.Name, Attributes: attrs})
	}
	return out, nil
}

func roleNames(rows []keycloakRole) []string {
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.Name)
	}
	return names
}

func userAttributes(u keycloakUser) (json.RawMessage, error) {
	merged := map[string]any{}
	for k, v := range u.Attributes {
		merged[k] = v
	}
	if u.Email != "" {
		merged["email"] = u.Email
	}
	if u.FirstName != "" {
		merged["firstName"] = u.FirstName
	}
	if u.LastName != "" {
		merged["lastName"] = u.LastName
	}
	merged["emailVerified"] = u.EmailVerified
	merged["enabled"] = u.Enabled
	return json.Marshal(merged)
}
