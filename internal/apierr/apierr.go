// Package apierr maps the sentinel errors surfaced by internal/pgstore and
// internal/decision onto HTTP status codes, so every handler in
// internal/httpapi classifies errors the same way instead of each
// re-implementing the switch.
package apierr

import (
	"errors"
	"net/http"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/decision"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/dsl"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

// StatusFor classifies err for the wire API: 400 for unknown
// realm/role/type/action or malformed DSL, 404 for a missing entity
// addressed by id, 409 for a conflicting/duplicate write, 500 otherwise.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, pgstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pgstore.ErrDuplicate), errors.Is(err, pgstore.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, pgstore.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, pgstore.ErrNoPartition):
		return http.StatusBadRequest
	case errors.Is(err, decision.ErrBadRequest):
		return http.StatusBadRequest
	case isCompileError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// isCompileError reports whether err originated from dsl.Parse rejecting
// an ACL's condition tree at write time — a malformed request, not a
// server fault.
func isCompileError(err error) bool {
	var unknownOp *dsl.ErrUnknownOp
	var malformed *dsl.ErrMalformed
	return errors.As(err, &unknownOp) || errors.As(err, &malformed)
}
