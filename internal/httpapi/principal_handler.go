package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/apierr"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/cache"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

// PrincipalHandler handles /realms/{realm}/principals, including the nested
// role-assignment endpoints.
type PrincipalHandler struct {
	realms     *pgstore.RealmRepository
	principals *pgstore.PrincipalRepository
	cache      *cache.Cache
}

// NewPrincipalHandler builds a PrincipalHandler.
func NewPrincipalHandler(realms *pgstore.RealmRepository, principals *pgstore.PrincipalRepository, c *cache.Cache) *PrincipalHandler {
	return &PrincipalHandler{realms: realms, principals: principals, cache: c}
}

// Create handles POST /realms/{realm}/principals.
func (h *PrincipalHandler) Create(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	var req struct {
		Username   string          `json:"username"`
		Attributes json.RawMessage `json:"attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" {
		WriteError(w, http.StatusBadRequest, "username is required")
		return
	}

	p := &pgstore.Principal{RealmID: realm.ID, Username: req.Username, Attributes: req.Attributes}
	if err := h.principals.Create(r.Context(), p); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, p)
}

// List handles GET /realms/{realm}/principals.
func (h *PrincipalHandler) List(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	limit, offset := parsePagination(r)
	principals, err := h.principals.List(r.Context(), realm.ID, pgstore.Pagination{Limit: limit, Offset: offset})
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WritePaginated(w, principals, limit, offset, len(principals))
}

// Get handles GET /realms/{realm}/principals/{id}.
func (h *PrincipalHandler) Get(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid principal id")
		return
	}
	p, err := h.principals.GetByID(r.Context(), realm.ID, id)
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

// Update handles PUT /realms/{realm}/principals/{id}.
func (h *PrincipalHandler) Update(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid principal id")
		return
	}
	p, err := h.principals.GetByID(r.Context(), realm.ID, id)
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}

	var req struct {
		Username   *string          `json:"username"`
		Attributes *json.RawMessage `json:"attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username != nil {
		p.Username = *req.Username
	}
	if req.Attributes != nil {
		p.Attributes = *req.Attributes
	}

	if err := h.principals.Update(r.Context(), p); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidatePrincipal(r.Context(), realm.Name, p.Username, p.ID)
	WriteJSON(w, http.StatusOK, p)
}

// Delete handles DELETE /realms/{realm}/principals/{id}.
func (h *PrincipalHandler) Delete(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid principal id")
		return
	}
	p, err := h.principals.GetByID(r.Context(), realm.ID, id)
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	if err := h.principals.Delete(r.Context(), realm.ID, id); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidatePrincipal(r.Context(), realm.Name, p.Username, p.ID)
	w.WriteHeader(http.StatusNoContent)
}

// AssignRole handles POST /realms/{realm}/principals/{id}/roles/{roleID}.
func (h *PrincipalHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	principalID, roleID, ok := h.pathIDs(w, r)
	if !ok {
		return
	}
	p, err := h.principals.GetByID(r.Context(), realm.ID, principalID)
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	if err := h.principals.AssignRole(r.Context(), principalID, roleID); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidatePrincipal(r.Context(), realm.Name, p.Username, p.ID)
	w.WriteHeader(http.StatusNoContent)
}

// UnassignRole handles DELETE /realms/{realm}/principals/{id}/roles/{roleID}.
func (h *PrincipalHandler) UnassignRole(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	principalID, roleID, ok := h.pathIDs(w, r)
	if !ok {
		return
	}
	p, err := h.principals.GetByID(r.Context(), realm.ID, principalID)
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	if err := h.principals.UnassignRole(r.Context(), principalID, roleID); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidatePrincipal(r.Context(), realm.Name, p.Username, p.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *PrincipalHandler) pathIDs(w http.ResponseWriter, r *http.Request) (principalID, roleID int64, ok bool) {
	principalID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid principal id")
		return 0, 0, false
	}
	roleID, err = strconv.ParseInt(r.PathValue("roleID"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid role id")
		return 0, 0, false
	}
	return principalID, roleID, true
}
