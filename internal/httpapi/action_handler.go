package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/apierr"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/cache"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

// ActionHandler handles /realms/{realm}/actions. Actions are immutable once
// named — there is no Update endpoint, mirroring ActionRepository.
type ActionHandler struct {
	realms  *pgstore.RealmRepository
	actions *pgstore.ActionRepository
	cache   *cache.Cache
}

// NewActionHandler builds an ActionHandler.
func NewActionHandler(realms *pgstore.RealmRepository, actions *pgstore.ActionRepository, c *cache.Cache) *ActionHandler {
	return &ActionHandler{realms: realms, actions: actions, cache: c}
}

// Create handles POST /realms/{realm}/actions.
func (h *ActionHandler) Create(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, "name is required")
		return
	}

	a := &pgstore.Action{RealmID: realm.ID, Name: req.Name}
	if err := h.actions.Create(r.Context(), a); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidateRealm(r.Context(), realm.Name)
	WriteJSON(w, http.StatusCreated, a)
}

// List handles GET /realms/{realm}/actions.
func (h *ActionHandler) List(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	limit, offset := parsePagination(r)
	actions, err := h.actions.List(r.Context(), realm.ID, pgstore.Pagination{Limit: limit, Offset: offset})
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WritePaginated(w, actions, limit, offset, len(actions))
}

// Get handles GET /realms/{realm}/actions/{id}.
func (h *ActionHandler) Get(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid action id")
		return
	}
	a, err := h.actions.GetByID(r.Context(), realm.ID, id)
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, a)
}

// Delete handles DELETE /realms/{realm}/actions/{id}.
func (h *ActionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid action id")
		return
	}
	if err := h.actions.Delete(r.Context(), realm.ID, id); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidateRealm(r.Context(), realm.Name)
	w.WriteHeader(http.StatusNoContent)
}
