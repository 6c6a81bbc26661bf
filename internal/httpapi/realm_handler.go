package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/apierr"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/cache"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

// RealmHandler handles the top-level realm CRUD endpoints. Realms are the
// only entity addressed without a {realm} path segment of their own.
type RealmHandler struct {
	realms *pgstore.RealmRepository
	cache  *cache.Cache
}

// NewRealmHandler builds a RealmHandler.
func NewRealmHandler(realms *pgstore.RealmRepository, c *cache.Cache) *RealmHandler {
	return &RealmHandler{realms: realms, cache: c}
}

type realmWire struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Active          bool            `json:"active"`
	VerificationKey string          `json:"verification_key,omitempty"`
	Algorithm       string          `json:"algorithm,omitempty"`
	IdPSyncConfig   json.RawMessage `json:"idp_sync_config,omitempty"`
}

func toRealmWire(r *pgstore.Realm) realmWire {
	return realmWire{
		ID:              r.ID,
		Name:            r.Name,
		Active:          r.Active,
		VerificationKey: r.VerificationKey,
		Algorithm:       r.Algorithm,
		IdPSyncConfig:   r.IdPSyncConfig,
	}
}

// Create handles POST /realms.
func (h *RealmHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string          `json:"name"`
		Active          bool            `json:"active"`
		VerificationKey string          `json:"verification_key"`
		Algorithm       string          `json:"algorithm"`
		IdPSyncConfig   json.RawMessage `json:"idp_sync_config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Algorithm == "" {
		req.Algorithm = "HS256"
	}

	realm := &pgstore.Realm{
		Name:            req.Name,
		Active:          req.Active,
		VerificationKey: req.VerificationKey,
		Algorithm:       req.Algorithm,
		IdPSyncConfig:   req.IdPSyncConfig,
	}
	if err := h.realms.Create(r.Context(), realm); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, toRealmWire(realm))
}

// List handles GET /realms.
func (h *RealmHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	realms, err := h.realms.List(r.Context(), pgstore.Pagination{Limit: limit, Offset: offset})
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	out := make([]realmWire, len(realms))
	for i, realm := range realms {
		out[i] = toRealmWire(realm)
	}
	WritePaginated(w, out, limit, offset, len(out))
}

// Get handles GET /realms/{realm}.
func (h *RealmHandler) Get(w http.ResponseWriter, r *http.Request) {
	realm, err := h.realms.GetByName(r.Context(), r.PathValue("realm"))
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, toRealmWire(realm))
}

// Update handles PUT /realms/{realm}.
func (h *RealmHandler) Update(w http.ResponseWriter, r *http.Request) {
	realm, err := h.realms.GetByName(r.Context(), r.PathValue("realm"))
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}

	oldName := realm.Name
	var req struct {
		Name            *string          `json:"name"`
		Active          *bool            `json:"active"`
		VerificationKey *string          `json:"verification_key"`
		Algorithm       *string          `json:"algorithm"`
		IdPSyncConfig   *json.RawMessage `json:"idp_sync_config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != nil {
		realm.Name = *req.Name
	}
	if req.Active != nil {
		realm.Active = *req.Active
	}
	if req.VerificationKey != nil {
		realm.VerificationKey = *req.VerificationKey
	}
	if req.Algorithm != nil {
		realm.Algorithm = *req.Algorithm
	}
	if req.IdPSyncConfig != nil {
		realm.IdPSyncConfig = *req.IdPSyncConfig
	}

	if err := h.realms.Update(r.Context(), realm); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	// A rename leaves stale entries under the old name behind, so both
	// names are dropped.
	h.cache.InvalidateRealm(r.Context(), oldName)
	if realm.Name != oldName {
		h.cache.InvalidateRealm(r.Context(), realm.Name)
	}
	WriteJSON(w, http.StatusOK, toRealmWire(realm))
}

// Delete handles DELETE /realms/{realm}.
func (h *RealmHandler) Delete(w http.ResponseWriter, r *http.Request) {
	realm, err := h.realms.GetByName(r.Context(), r.PathValue("realm"))
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	if err := h.realms.Delete(r.Context(), realm.ID); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidateRealm(r.Context(), realm.Name)
	h.cache.InvalidateTypeDecisions(r.Context(), realm.ID)
	w.WriteHeader(http.StatusNoContent)
}
