package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/apierr"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/cache"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

// ResourceTypeHandler handles /realms/{realm}/resource-types.
type ResourceTypeHandler struct {
	realms *pgstore.RealmRepository
	types  *pgstore.ResourceTypeRepository
	cache  *cache.Cache
}

// NewResourceTypeHandler builds a ResourceTypeHandler.
func NewResourceTypeHandler(realms *pgstore.RealmRepository, types *pgstore.ResourceTypeRepository, c *cache.Cache) *ResourceTypeHandler {
	return &ResourceTypeHandler{realms: realms, types: types, cache: c}
}

// Create handles POST /realms/{realm}/resource-types. Creating a resource
// type provisions its leaf partitions, so a realm's type roster must be
// established before resources of that type can be written.
func (h *ResourceTypeHandler) Create(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}

	var req struct {
		Name     string `json:"name"`
		IsPublic bool   `json:"is_public"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, "name is required")
		return
	}

	rt := &pgstore.ResourceType{RealmID: realm.ID, Name: req.Name, IsPublic: req.IsPublic}
	if err := h.types.Create(r.Context(), rt); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidateRealm(r.Context(), realm.Name)
	WriteJSON(w, http.StatusCreated, rt)
}

// List handles GET /realms/{realm}/resource-types.
func (h *ResourceTypeHandler) List(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	limit, offset := parsePagination(r)
	types, err := h.types.List(r.Context(), realm.ID, pgstore.Pagination{Limit: limit, Offset: offset})
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WritePaginated(w, types, limit, offset, len(types))
}

// Get handles GET /realms/{realm}/resource-types/{id}.
func (h *ResourceTypeHandler) Get(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid resource type id")
		return
	}
	rt, err := h.types.GetByID(r.Context(), realm.ID, id)
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, rt)
}

// Update handles PUT /realms/{realm}/resource-types/{id}.
func (h *ResourceTypeHandler) Update(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid resource type id")
		return
	}
	rt, err := h.types.GetByID(r.Context(), realm.ID, id)
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}

	var req struct {
		Name     *string `json:"name"`
		IsPublic *bool   `json:"is_public"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != nil {
		rt.Name = *req.Name
	}
	if req.IsPublic != nil {
		rt.IsPublic = *req.IsPublic
	}

	if err := h.types.Update(r.Context(), rt); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidateRealm(r.Context(), realm.Name)
	WriteJSON(w, http.StatusOK, rt)
}

// Delete handles DELETE /realms/{realm}/resource-types/{id}.
func (h *ResourceTypeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid resource type id")
		return
	}
	if err := h.types.Delete(r.Context(), realm.ID, id); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidateRealm(r.Context(), realm.Name)
	h.cache.InvalidateExternalIDsForType(r.Context(), realm.ID, id)
	h.cache.InvalidateTypeDecisions(r.Context(), realm.ID)
	w.WriteHeader(http.StatusNoContent)
}
