// Package dsl implements the in-process form of the condition compiler: it
// lowers the JSON ABAC condition grammar into a SQL boolean predicate
// fragment. The server-side form of the same semantics lives in the
// compile_condition_to_sql migration applied by internal/pgstore; the two are
// kept in lockstep by hand, mirroring the upstream PL/pgSQL function this
// package is grounded on.
package dsl

import "fmt"

// Source identifies which row/object a condition's left-hand side is read
// from.
type Source string

const (
	SourceResource  Source = "resource"
	SourcePrincipal Source = "principal"
	SourceContext   Source = "context"
)

// Ctx carries the names of the SQL identifiers a compiled fragment is
// allowed to reference. CtxParam is the bound parameter holding the
// principal/context JSON used to resolve principal.* and context.* sources
// and $principal./$context. placeholders.
type Ctx struct {
	CtxParam string
}

// DefaultCtx is the conventional bound parameter name used to reach
// principal and context attributes inside a compiled predicate.
func DefaultCtx() *Ctx {
	return &Ctx{CtxParam: "p_ctx"}
}

// Node is one variant of the condition algebra. Compile is total over a
// correctly parsed tree: every construction path from Parse produces a Node
// whose Compile cannot itself fail.
type Node interface {
	Compile(ctx *Ctx) (string, error)
}

// ErrUnknownOp is returned by Parse when a node names an operator outside
// the fixed grammar. It is a compile-time, not a runtime, failure.
type ErrUnknownOp struct {
	Op string
}

func (e *ErrUnknownOp) Error() string {
	return fmt.Sprintf("dsl: unknown operator %q", e.Op)
}

// ErrMalformed is returned by Parse for a structurally invalid node (missing
// required field, wrong JSON shape for the given op).
type ErrMalformed struct {
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("dsl: malformed condition: %s", e.Reason)
}
