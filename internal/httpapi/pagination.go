package httpapi

import (
	"net/http"
	"strconv"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/apierr"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

// parsePagination reads limit/offset query parameters, defaulting limit to
// pgstore's own default by leaving it at 0.
func parsePagination(r *http.Request) (limit, offset int) {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return
}

// resolveRealm resolves the {realm} path value to its row, writing a 404
// response and reporting false when the realm is unknown.
func resolveRealm(w http.ResponseWriter, r *http.Request, realms *pgstore.RealmRepository) (*pgstore.Realm, bool) {
	realm, err := realms.GetByName(r.Context(), r.PathValue("realm"))
	if err != nil {
		WriteError(w, apierr.StatusFor(err), err.Error())
		return nil, false
	}
	return realm, true
}
