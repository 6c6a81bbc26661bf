package manifest

import (
	"encoding/json"
	"net/http"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/apierr"
)

// Handler adapts an Applier to the wire API's two manifest endpoints.
type Handler struct {
	applier *Applier
}

// NewHandler builds a Handler.
func NewHandler(applier *Applier) *Handler {
	return &Handler{applier: applier}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Apply handles POST /manifest/apply?mode=replace|create|update.
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	mode := Mode(r.URL.Query().Get("mode"))
	switch mode {
	case ModeReplace, ModeCreate, ModeUpdate:
	default:
		writeError(w, http.StatusBadRequest, "mode must be one of replace, create, update")
		return
	}

	var doc Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid manifest body")
		return
	}
	if doc.Realm.Name == "" {
		writeError(w, http.StatusBadRequest, "realm.name is required")
		return
	}

	realmID, err := h.applier.Apply(r.Context(), mode, &doc)
	if err != nil {
		writeError(w, apierr.StatusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"realm_id": realmID, "realm_name": doc.Realm.Name})
}

// Export handles GET /realms/{realm}/manifest.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	doc, err := h.applier.Export(r.Context(), r.PathValue("realm"))
	if err != nil {
		writeError(w, apierr.StatusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
