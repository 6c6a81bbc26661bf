package decision

import "errors"

// ErrBadRequest marks an error as a caller mistake (unknown realm, type,
// action, or role name; a role filter excluding every role the principal
// holds) rather than an infrastructure fault, so internal/apierr can tell
// the two apart without string-matching error messages.
var ErrBadRequest = errors.New("decision: bad request")
