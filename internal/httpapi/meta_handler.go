package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

// Version is the service version reported by GET /meta; overridden at
// build time with -ldflags "-X ...httpapi.Version=v1.2.3".
var Version = "dev"

// MetaHandler serves the liveness/readiness pair: /healthz pings the
// database, /meta reports the build and process uptime.
type MetaHandler struct {
	store   *pgstore.Store
	started time.Time
}

func NewMetaHandler(store *pgstore.Store) *MetaHandler {
	return &MetaHandler{store: store, started: time.Now()}
}

func (h *MetaHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Pool().Ping(ctx); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *MetaHandler) Meta(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"name":           "policyengine",
		"version":        Version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}
