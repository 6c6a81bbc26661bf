package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/apierr"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/cache"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

// RoleHandler handles /realms/{realm}/roles.
type RoleHandler struct {
	realms *pgstore.RealmRepository
	roles  *pgstore.RoleRepository
	cache  *cache.Cache
}

// NewRoleHandler builds a RoleHandler.
func NewRoleHandler(realms *pgstore.RealmRepository, roles *pgstore.RoleRepository, c *cache.Cache) *RoleHandler {
	return &RoleHandler{realms: realms, roles: roles, cache: c}
}

// Create handles POST /realms/{realm}/roles.
func (h *RoleHandler) Create(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	var req struct {
		Name       string          `json:"name"`
		Attributes json.RawMessage `json:"attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, "name is required")
		return
	}

	role := &pgstore.Role{RealmID: realm.ID, Name: req.Name, Attributes: req.Attributes}
	if err := h.roles.Create(r.Context(), role); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidateRealm(r.Context(), realm.Name)
	WriteJSON(w, http.StatusCreated, role)
}

// List handles GET /realms/{realm}/roles.
func (h *RoleHandler) List(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	limit, offset := parsePagination(r)
	roles, err := h.roles.List(r.Context(), realm.ID, pgstore.Pagination{Limit: limit, Offset: offset})
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WritePaginated(w, roles, limit, offset, len(roles))
}

// Get handles GET /realms/{realm}/roles/{id}.
func (h *RoleHandler) Get(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid role id")
		return
	}
	role, err := h.roles.GetByID(r.Context(), realm.ID, id)
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, role)
}

// Update handles PUT /realms/{realm}/roles/{id}.
func (h *RoleHandler) Update(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid role id")
		return
	}
	role, err := h.roles.GetByID(r.Context(), realm.ID, id)
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}

	var req struct {
		Name       *string          `json:"name"`
		Attributes *json.RawMessage `json:"attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != nil {
		role.Name = *req.Name
	}
	if req.Attributes != nil {
		role.Attributes = *req.Attributes
	}

	if err := h.roles.Update(r.Context(), role); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidateRealm(r.Context(), realm.Name)
	WriteJSON(w, http.StatusOK, role)
}

// Delete handles DELETE /realms/{realm}/roles/{id}.
func (h *RoleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid role id")
		return
	}
	if err := h.roles.Delete(r.Context(), realm.ID, id); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidateRealm(r.Context(), realm.Name)
	w.WriteHeader(http.StatusNoContent)
}
