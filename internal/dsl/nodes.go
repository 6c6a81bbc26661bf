package dsl

import (
	"encoding/json"
	"fmt"
	"strings"
)

// trueNode is the compiled form of an empty/missing condition tree.
type trueNode struct{}

func (trueNode) Compile(*Ctx) (string, error) { return "TRUE", nil }

// LogicalNode implements `and`/`or` composition.
type LogicalNode struct {
	Op       string // "and" | "or"
	Children []Node
}

func (n *LogicalNode) Compile(ctx *Ctx) (string, error) {
	if len(n.Children) == 0 {
		if n.Op == "and" {
			return "TRUE", nil
		}
		return "FALSE", nil
	}
	parts := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		sql, err := c.Compile(ctx)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	joiner := " AND "
	if n.Op == "or" {
		joiner = " OR "
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

// NotNode implements single-child negation.
type NotNode struct {
	Child Node
}

func (n *NotNode) Compile(ctx *Ctx) (string, error) {
	sql, err := n.Child.Compile(ctx)
	if err != nil {
		return "", err
	}
	return "NOT (" + sql + ")", nil
}

// CompareNode implements the comparison operators: =, !=, <, >, <=, >=.
type CompareNode struct {
	Op     string
	Source Source
	Attr   string
	Val    any
}

func (n *CompareNode) Compile(ctx *Ctx) (string, error) {
	lhs := resolveLHS(ctx, n.Source, n.Attr)
	rhs := rhsSQL(ctx, n.Val)
	cast := castSuffixFor(n.Val)
	return fmt.Sprintf("(%s)%s %s (%s)%s", lhs, cast, n.Op, rhs, cast), nil
}

// SetNode implements in, not_in and all (subset containment).
type SetNode struct {
	Op     string // "in" | "not_in" | "all"
	Source Source
	Attr   string
	Val    []any
}

func (n *SetNode) Compile(ctx *Ctx) (string, error) {
	lhs := resolveLHS(ctx, n.Source, n.Attr)
	arrJSON, err := json.Marshal(n.Val)
	if err != nil {
		return "", &ErrMalformed{Reason: "set value not JSON-encodable: " + err.Error()}
	}
	lit := quoteLiteral(string(arrJSON))
	switch n.Op {
	case "in":
		return fmt.Sprintf("(%s) = ANY(ARRAY(SELECT jsonb_array_elements_text(%s::jsonb)))", lhs, lit), nil
	case "not_in":
		return fmt.Sprintf("(%s) <> ALL(ARRAY(SELECT jsonb_array_elements_text(%s::jsonb)))", lhs, lit), nil
	case "all":
		// literal-array ⊆ LHS-array: jsonb containment with the LHS parsed
		// back into jsonb from its text extraction.
		return fmt.Sprintf("%s::jsonb <@ (%s)::jsonb", lit, lhs), nil
	default:
		return "", &ErrUnknownOp{Op: n.Op}
	}
}

// SpatialNode implements st_dwithin, st_contains, st_within, st_intersects,
// st_covers.
type SpatialNode struct {
	Op     string
	Source Source
	Attr   string
	Val    any
	Args   any // numeric distance for st_dwithin
}

// projectedSRID is the fixed metric spatial reference every geometry is
// stored and compared in (see internal/geo).
const projectedSRID = 3857

func (n *SpatialNode) Compile(ctx *Ctx) (string, error) {
	lhs := resolveLHS(ctx, n.Source, n.Attr)
	if lhs != "resource.geometry" {
		lhs = fmt.Sprintf("ST_GeomFromText(%s, %d)", lhs, projectedSRID)
	}
	rhs := fmt.Sprintf("ST_GeomFromText(%s, %d)", rhsSQL(ctx, n.Val), projectedSRID)

	switch n.Op {
	case "st_dwithin":
		argVal := "0"
		if n.Args != nil {
			argVal = valText(n.Args)
		}
		return fmt.Sprintf("ST_DWithin(%s, %s, %s)", lhs, rhs, argVal), nil
	case "st_contains", "st_within", "st_intersects", "st_covers":
		return fmt.Sprintf("%s(%s, %s)", n.Op, lhs, rhs), nil
	default:
		return "", &ErrUnknownOp{Op: n.Op}
	}
}
