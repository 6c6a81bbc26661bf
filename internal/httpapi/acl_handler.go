package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/apierr"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/cache"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/dsl"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

// ACLHandler handles /realms/{realm}/resource-types/{type}/acls: the
// selector-tuple branches a manifest or an admin writes directly, outside
// the bulk manifest-apply path.
type ACLHandler struct {
	realms      *pgstore.RealmRepository
	types       *pgstore.ResourceTypeRepository
	actions     *pgstore.ActionRepository
	roles       *pgstore.RoleRepository
	principals  *pgstore.PrincipalRepository
	externalIDs *pgstore.ExternalIDRepository
	acls        *pgstore.ACLRepository
	cache       *cache.Cache
}

// NewACLHandler builds an ACLHandler.
func NewACLHandler(
	realms *pgstore.RealmRepository,
	types *pgstore.ResourceTypeRepository,
	actions *pgstore.ActionRepository,
	roles *pgstore.RoleRepository,
	principals *pgstore.PrincipalRepository,
	externalIDs *pgstore.ExternalIDRepository,
	acls *pgstore.ACLRepository,
	c *cache.Cache,
) *ACLHandler {
	return &ACLHandler{
		realms: realms, types: types, actions: actions, roles: roles,
		principals: principals, externalIDs: externalIDs, acls: acls, cache: c,
	}
}

// aclWriteRequest mirrors one selector-tuple branch. An absent principal
// resolves to pgstore.AnonymousPrincipalID, an absent role to
// pgstore.WildcardRoleID, and an absent resource to a type-level branch.
type aclWriteRequest struct {
	ActionName       string          `json:"action_name"`
	PrincipalName    string          `json:"principal_name,omitempty"`
	RoleName         string          `json:"role_name,omitempty"`
	ResourceID       *int64          `json:"resource_id,omitempty"`
	ResourceExternal string          `json:"resource_external_id,omitempty"`
	Conditions       json.RawMessage `json:"conditions,omitempty"`
}

func (h *ACLHandler) resolveSelector(w http.ResponseWriter, r *http.Request, realm *pgstore.Realm, rt *pgstore.ResourceType, req *aclWriteRequest) (actionID, principalID, roleID int64, resourceID *int64, ok bool) {
	action, err := h.actions.GetByName(r.Context(), realm.ID, req.ActionName)
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return 0, 0, 0, nil, false
	}
	actionID = action.ID

	principalID = pgstore.AnonymousPrincipalID
	if req.PrincipalName != "" {
		p, err := h.principals.GetByUsername(r.Context(), realm.ID, req.PrincipalName)
		if err != nil {
			WriteError(w, apierr.StatusFor(err), err.Error())
			return 0, 0, 0, nil, false
		}
		principalID = p.ID
	}

	roleID = pgstore.WildcardRoleID
	if req.RoleName != "" {
		role, err := h.roles.GetByName(r.Context(), realm.ID, req.RoleName)
		if err != nil {
			WriteError(w, apierr.StatusFor(err), err.Error())
			return 0, 0, 0, nil, false
		}
		roleID = role.ID
	}

	resourceID = req.ResourceID
	if resourceID == nil && req.ResourceExternal != "" {
		resolved, err := h.externalIDs.ResolveToInternal(r.Context(), realm.ID, rt.ID, []string{req.ResourceExternal})
		if err != nil {
			WriteError(w, apierr.StatusFor(err), err.Error())
			return 0, 0, 0, nil, false
		}
		id, found := resolved[req.ResourceExternal]
		if !found {
			WriteError(w, http.StatusBadRequest, "unknown resource_external_id")
			return 0, 0, 0, nil, false
		}
		resourceID = &id
	}
	return actionID, principalID, roleID, resourceID, true
}

func (h *ACLHandler) validateConditions(w http.ResponseWriter, conditions json.RawMessage) bool {
	if len(conditions) == 0 {
		return true
	}
	if _, err := dsl.Parse(conditions); err != nil {
		var unknownOp *dsl.ErrUnknownOp
		var malformed *dsl.ErrMalformed
		if errors.As(err, &unknownOp) || errors.As(err, &malformed) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return false
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	return true
}

// Put handles PUT /realms/{realm}/resource-types/{type}/acls, upserting the
// single ACL row identified by the request's selector tuple.
func (h *ACLHandler) Put(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	rt, err := h.types.GetByName(r.Context(), realm.ID, r.PathValue("type"))
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}

	var req aclWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ActionName == "" {
		WriteError(w, http.StatusBadRequest, "action_name is required")
		return
	}
	if !h.validateConditions(w, req.Conditions) {
		return
	}

	actionID, principalID, roleID, resourceID, ok := h.resolveSelector(w, r, realm, rt, &req)
	if !ok {
		return
	}

	a := &pgstore.ACL{
		RealmID:        realm.ID,
		ResourceTypeID: rt.ID,
		ActionID:       actionID,
		PrincipalID:    principalID,
		RoleID:         roleID,
		ResourceID:     resourceID,
		Conditions:     req.Conditions,
	}
	if err := h.acls.Put(r.Context(), a); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidateTypeDecisions(r.Context(), realm.ID)
	WriteJSON(w, http.StatusOK, a)
}

// List handles GET /realms/{realm}/resource-types/{type}/acls.
func (h *ACLHandler) List(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	rt, err := h.types.GetByName(r.Context(), realm.ID, r.PathValue("type"))
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	limit, offset := parsePagination(r)
	acls, err := h.acls.List(r.Context(), realm.ID, rt.ID, pgstore.Pagination{Limit: limit, Offset: offset})
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WritePaginated(w, acls, limit, offset, len(acls))
}

// Delete handles DELETE /realms/{realm}/resource-types/{type}/acls/{id}.
func (h *ACLHandler) Delete(w http.ResponseWriter, r *http.Request) {
	realm, ok := resolveRealm(w, r, h.realms)
	if !ok {
		return
	}
	rt, err := h.types.GetByName(r.Context(), realm.ID, r.PathValue("type"))
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid acl id")
		return
	}
	if err := h.acls.Delete(r.Context(), realm.ID, rt.ID, id); err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	h.cache.InvalidateTypeDecisions(r.Context(), realm.ID)
	w.WriteHeader(http.StatusNoContent)
}
