package dsl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// quoteLiteral mirrors Postgres's quote_literal: wrap in single quotes,
// doubling any embedded quote. Standard-conforming strings are assumed (the
// pgx default), so no backslash escaping is applied.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// valText renders a decoded JSON scalar as the bare text Postgres would
// produce from `val #>> '{}'` on the equivalent jsonb value.
func valText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// castSuffixFor picks the SQL cast applied to both sides of a non-spatial
// comparison, derived from the JSON type of the literal operand.
func castSuffixFor(v any) string {
	switch v.(type) {
	case float64:
		return "::numeric"
	case bool:
		return "::boolean"
	default:
		return ""
	}
}

// jsonTextExtract builds the `ctxParam->'bucket'->>'attr'` extraction shape
// used for principal.* and context.* sources, and for $principal./$context.
// RHS placeholders.
func jsonTextExtract(ctxParam, bucket, attr string) string {
	return fmt.Sprintf("%s->%s->>%s", ctxParam, quoteLiteral(bucket), quoteLiteral(attr))
}

// resolveLHS lowers a (source, attr) pair to the SQL expression that reads
// it.
func resolveLHS(ctx *Ctx, source Source, attr string) string {
	switch source {
	case SourcePrincipal:
		return jsonTextExtract(ctx.CtxParam, "principal", attr)
	case SourceContext:
		return jsonTextExtract(ctx.CtxParam, "context", attr)
	default:
		if attr == "geometry" {
			return "resource.geometry"
		}
		return fmt.Sprintf("resource.attributes->>%s", quoteLiteral(attr))
	}
}

// rhsSQL lowers a val operand to SQL: a $principal./$context. string is
// rewritten to the same JSON-extract shape as the matching LHS source;
// anything else is a quoted literal.
func rhsSQL(ctx *Ctx, val any) string {
	if s, ok := val.(string); ok {
		if rest, found := strings.CutPrefix(s, "$principal."); found {
			return jsonTextExtract(ctx.CtxParam, "principal", rest)
		}
		if rest, found := strings.CutPrefix(s, "$context."); found {
			return jsonTextExtract(ctx.CtxParam, "context", rest)
		}
	}
	return quoteLiteral(valText(val))
}
