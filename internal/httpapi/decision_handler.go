package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/apierr"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/decision"
)

// DecisionHandler serves the three stateless decision endpoints: check,
// enumerate, and describe.
type DecisionHandler struct {
	orchestrator *decision.Orchestrator
}

// NewDecisionHandler builds a DecisionHandler.
func NewDecisionHandler(orchestrator *decision.Orchestrator) *DecisionHandler {
	return &DecisionHandler{orchestrator: orchestrator}
}

// reqAccessItem mirrors one entry of the wire-level req_access array.
type reqAccessItem struct {
	TypeName   string   `json:"type_name"`
	ActionName string   `json:"action_name"`
	ExternalID []string `json:"external_resource_ids,omitempty"`
	ReturnType string   `json:"return_type,omitempty"` // "decision" (default) or "id_list"
}

type checkAccessRequest struct {
	RealmName   string          `json:"realm_name"`
	RoleNames   []string        `json:"role_names,omitempty"`
	ReqAccess   []reqAccessItem `json:"req_access"`
	AuthContext map[string]any  `json:"auth_context"`
}

// answer is either a bool (plain decision) or a []string (id_list), per
// the wire contract's polymorphic "answer" field.
type checkAccessResultWire struct {
	TypeName   string `json:"type_name"`
	ActionName string `json:"action_name"`
	Answer     any    `json:"answer"`
}

// CheckAccess handles POST /check-access.
func (h *DecisionHandler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	var req checkAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RealmName == "" || len(req.ReqAccess) == 0 {
		WriteError(w, http.StatusBadRequest, "realm_name and req_access are required")
		return
	}

	principal := PrincipalFromContext(r.Context())
	items := make([]decision.AccessItem, len(req.ReqAccess))
	for i, it := range req.ReqAccess {
		rt := decision.ReturnDecision
		if it.ReturnType == string(decision.ReturnIDList) {
			rt = decision.ReturnIDList
		}
		items[i] = decision.AccessItem{
			TypeName:            it.TypeName,
			ActionName:          it.ActionName,
			ExternalResourceIDs: it.ExternalID,
			ReturnType:          rt,
		}
	}

	results, err := h.orchestrator.CheckAccess(r.Context(), decision.CheckAccessRequest{
		RealmName:      req.RealmName,
		Principal:      principal,
		Items:          items,
		Context:        req.AuthContext,
		RoleNameFilter: req.RoleNames,
	})
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}

	out := make([]checkAccessResultWire, len(results))
	for i, res := range results {
		wire := checkAccessResultWire{TypeName: res.TypeName, ActionName: res.ActionName}
		if req.ReqAccess[i].ReturnType == string(decision.ReturnIDList) {
			ids := res.GrantedIDs
			if ids == nil {
				ids = []string{}
			}
			wire.Answer = ids
		} else {
			wire.Answer = res.Decision
		}
		out[i] = wire
	}
	WriteJSON(w, http.StatusOK, map[string]any{"results": out})
}

type permittedActionsRequestItem struct {
	TypeName   string   `json:"type_name"`
	ExternalID []string `json:"external_resource_ids,omitempty"`
}

type permittedActionsRequest struct {
	RealmName   string                        `json:"realm_name"`
	RoleNames   []string                      `json:"role_names,omitempty"`
	Items       []permittedActionsRequestItem `json:"items"`
	AuthContext map[string]any                `json:"auth_context"`
}

// GetPermittedActions handles POST /get-permitted-actions.
func (h *DecisionHandler) GetPermittedActions(w http.ResponseWriter, r *http.Request) {
	var req permittedActionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RealmName == "" || len(req.Items) == 0 {
		WriteError(w, http.StatusBadRequest, "realm_name and items are required")
		return
	}

	principal := PrincipalFromContext(r.Context())
	items := make([]decision.PermittedActionsItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = decision.PermittedActionsItem{TypeName: it.TypeName, ExternalResourceIDs: it.ExternalID}
	}

	results, err := h.orchestrator.GetPermittedActions(r.Context(), decision.PermittedActionsRequest{
		RealmName:      req.RealmName,
		Principal:      principal,
		Items:          items,
		Context:        req.AuthContext,
		RoleNameFilter: req.RoleNames,
	})
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

// GetAuthorizationConditions handles POST /get-authorization-conditions,
// returning the classification and raw DSL tree a client-side filter
// engine needs rather than evaluating the condition server-side.
func (h *DecisionHandler) GetAuthorizationConditions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RealmName  string   `json:"realm_name"`
		RoleNames  []string `json:"role_names,omitempty"`
		TypeName   string   `json:"type_name"`
		ActionName string   `json:"action_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RealmName == "" || req.TypeName == "" || req.ActionName == "" {
		WriteError(w, http.StatusBadRequest, "realm_name, type_name, and action_name are required")
		return
	}

	principal := PrincipalFromContext(r.Context())
	result, err := h.orchestrator.ConditionsForClient(r.Context(), decision.ConditionsForClientRequest{
		RealmName:      req.RealmName,
		Principal:      principal,
		TypeName:       req.TypeName,
		ActionName:     req.ActionName,
		RoleNameFilter: req.RoleNames,
	})
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, result)
}
