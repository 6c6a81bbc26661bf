package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/apierr"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/cache"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/geo"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

// ResourceHandler handles /realms/{realm}/resource-types/{type}/resources,
// including the external-id addressing endpoints that let a caller write
// and read resources by its own identifier vocabulary instead of ours.
type ResourceHandler struct {
	realms      *pgstore.RealmRepository
	types       *pgstore.ResourceTypeRepository
	resources   *pgstore.ResourceRepository
	externalIDs *pgstore.ExternalIDRepository
	cache       *cache.Cache
}

// NewResourceHandler builds a ResourceHandler.
func NewResourceHandler(realms *pgstore.RealmRepository, types *pgstore.ResourceTypeRepository, resources *pgstore.ResourceRepository, externalIDs *pgstore.ExternalIDRepository, c *cache.Cache) *ResourceHandler {
	return &ResourceHandler{realms: realms, types: types, resources: resources, externalIDs: externalIDs, cache: c}
}

func (h *ResourceHandler) resolveType(w http.ResponseWriter, r *http.Request, realm *pgstore.Realm) (*pgstore.ResourceType, bool) {
	rt, err := h.types.GetByName(r.Context(), realm.ID, r.PathValue("type"))
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return nil, false
	}
	return rt, true
}

type resourceWriteRequest struct {
	Attributes json.RawMessage `json:"attributes"`
	Geometry   any             `json:"geometry,omitempty"`
	ExternalID string          `json:"external_id,omitempty"`
}

func (h *ResourceHandler) geometryWKT(geometry any) (*string, error) {
	if geometry == nil {
		return nil, nil
	}
	parsed, err := geo.Parse(geometry, 0)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, nil
	}
	return &parsed.WKT, nil
}

// Create handles POST /realms/{realm}/resource-types/{type}/resources.
func (h *ResourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	rt, ok := h.resolveType(w, r, realm)
	if !ok {
		return
	}

	var req resourceWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wkt, err := h.geometryWKT(req.Geometry)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := &pgstore.Resource{RealmID: realm.ID, ResourceTypeID: rt.ID, Attributes: req.Attributes, GeometryWKT: wkt}
	if err := h.resources.Create(r.Context(), res); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}

	if req.ExternalID != "" {
		ext := &pgstore.ExternalID{RealmID: realm.ID, ResourceTypeID: rt.ID, ExternalID: req.ExternalID, ResourceID: res.ID}
		if err := h.externalIDs.Put(r.Context(), ext); err != nil {
			WriteError(w, apierr.StatusFor(err), err.Error())
			return
		}
		h.cache.InvalidateExternalID(r.Context(), realm.ID, rt.ID, req.ExternalID)
	}
	h.cache.InvalidateTypeDecisions(r.Context(), realm.ID)
	WriteJSON(w, http.StatusCreated, res)
}

// List handles GET /realms/{realm}/resource-types/{type}/resources.
func (h *ResourceHandler) List(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	rt, ok := h.resolveType(w, r, realm)
	if !ok {
		return
	}
	limit, offset := parsePagination(r)
	resources, err := h.resources.List(r.Context(), realm.ID, rt.ID, pgstore.Pagination{Limit: limit, Offset: offset})
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WritePaginated(w, resources, limit, offset, len(resources))
}

// Get handles GET /realms/{realm}/resource-types/{type}/resources/{id}.
func (h *ResourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	rt, ok := h.resolveType(w, r, realm)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid resource id")
		return
	}
	res, err := h.resources.GetByID(r.Context(), realm.ID, rt.ID, id)
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Update handles PUT /realms/{realm}/resource-types/{type}/resources/{id}.
func (h *ResourceHandler) Update(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	rt, ok := h.resolveType(w, r, realm)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid resource id")
		return
	}
	res, err := h.resources.GetByID(r.Context(), realm.ID, rt.ID, id)
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}

	var req resourceWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Attributes != nil {
		res.Attributes = req.Attributes
	}
	if req.Geometry != nil {
		wkt, err := h.geometryWKT(req.Geometry)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		res.GeometryWKT = wkt
	}

	if err := h.resources.Update(r.Context(), res); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidateTypeDecisions(r.Context(), realm.ID)
	WriteJSON(w, http.StatusOK, res)
}

// Delete handles DELETE /realms/{realm}/resource-types/{type}/resources/{id}.
func (h *ResourceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	rt, ok := h.resolveType(w, r, realm)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid resource id")
		return
	}
	if err := h.resources.Delete(r.Context(), realm.ID, rt.ID, id); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidateTypeDecisions(r.Context(), realm.ID)
	w.WriteHeader(http.StatusNoContent)
}

// GetByExternalID handles
// GET /realms/{realm}/resource-types/{type}/resources/external/{extID}.
func (h *ResourceHandler) GetByExternalID(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	rt, ok := h.resolveType(w, r, realm)
	if !ok {
		return
	}
	extID := r.PathValue("extID")

	resolved, err := h.externalIDs.ResolveToInternal(r.Context(), realm.ID, rt.ID, []string{extID})
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	internalID, ok := resolved[extID]
	if !ok {
		WriteError(w, http.StatusNotFound, "external id not found")
		return
	}
	res, err := h.resources.GetByID(r.Context(), realm.ID, rt.ID, internalID)
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// PutExternalID handles
// PUT /realms/{realm}/resource-types/{type}/resources/external/{extID}.
func (h *ResourceHandler) PutExternalID(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	rt, ok := h.resolveType(w, r, realm)
	if !ok {
		return
	}
	extID := r.PathValue("extID")

	var req struct {
		ResourceID int64 `json:"resource_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	e := &pgstore.ExternalID{RealmID: realm.ID, ResourceTypeID: rt.ID, ExternalID: extID, ResourceID: req.ResourceID}
	if err := h.externalIDs.Put(r.Context(), e); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidateExternalID(r.Context(), realm.ID, rt.ID, extID)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteExternalID handles
// DELETE /realms/{realm}/resource-types/{type}/resources/external/{extID}.
func (h *ResourceHandler) DeleteExternalID(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	rt, ok := h.resolveType(w, r, realm)
	if !ok {
		return
	}
	extID := r.PathValue("extID")

	if err := h.externalIDs.Delete(r.Context(), realm.ID, rt.ID, extID); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidateExternalID(r.Context(), realm.ID, rt.ID, extID)
	w.WriteHeader(http.StatusNoContent)
}
