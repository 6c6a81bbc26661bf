package dsl

import "encoding/json"

// Parse lowers a raw JSON condition document into a Node tree. An empty or
// null document parses to the literal-TRUE node: a missing condition tree
// always means unconditional grant. Any operator outside the fixed grammar
// is rejected here, at parse time, rather than at Compile time.
func Parse(raw json.RawMessage) (Node, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return trueNode{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &ErrMalformed{Reason: err.Error()}
	}
	return parseNode(m)
}

func parseNode(m map[string]any) (Node, error) {
	opVal, ok := m["op"].(string)
	if !ok {
		return nil, &ErrMalformed{Reason: "condition node missing string \"op\""}
	}

	switch opVal {
	case "and", "or":
		children, err := parseChildren(m, opVal)
		if err != nil {
			return nil, err
		}
		return &LogicalNode{Op: opVal, Children: children}, nil

	case "not":
		children, err := parseChildren(m, "not")
		if err != nil {
			return nil, err
		}
		if len(children) != 1 {
			return nil, &ErrMalformed{Reason: "\"not\" requires exactly one child in \"conditions\""}
		}
		return &NotNode{Child: children[0]}, nil

	case "=", "!=", "<", ">", "<=", ">=":
		attr, ok := m["attr"].(string)
		if !ok || attr == "" {
			return nil, &ErrMalformed{Reason: "comparison requires a string \"attr\""}
		}
		return &CompareNode{Op: opVal, Source: parseSource(m["source"]), Attr: attr, Val: m["val"]}, nil

	case "in", "not_in", "all":
		attr, ok := m["attr"].(string)
		if !ok || attr == "" {
			return nil, &ErrMalformed{Reason: "set operator requires a string \"attr\""}
		}
		arr, ok := m["val"].([]any)
		if !ok {
			return nil, &ErrMalformed{Reason: "\"" + opVal + "\" requires an array \"val\""}
		}
		return &SetNode{Op: opVal, Source: parseSource(m["source"]), Attr: attr, Val: arr}, nil

	case "st_dwithin", "st_contains", "st_within", "st_intersects", "st_covers":
		attr, ok := m["attr"].(string)
		if !ok || attr == "" {
			return nil, &ErrMalformed{Reason: "spatial operator requires a string \"attr\""}
		}
		return &SpatialNode{
			Op:     opVal,
			Source: parseSource(m["source"]),
			Attr:   attr,
			Val:    m["val"],
			Args:   m["args"],
		}, nil

	default:
		return nil, &ErrUnknownOp{Op: opVal}
	}
}

func parseChildren(m map[string]any, op string) ([]Node, error) {
	raw, ok := m["conditions"].([]any)
	if !ok {
		return nil, &ErrMalformed{Reason: "\"" + op + "\" requires an array \"conditions\""}
	}
	children := make([]Node, 0, len(raw))
	for _, c := range raw {
		cm, ok := c.(map[string]any)
		if !ok {
			return nil, &ErrMalformed{Reason: "each entry in \"conditions\" must be an object"}
		}
		child, err := parseNode(cm)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

func parseSource(v any) Source {
	s, ok := v.(string)
	if !ok {
		return SourceResource
	}
	switch Source(s) {
	case SourcePrincipal:
		return SourcePrincipal
	case SourceContext:
		return SourceContext
	default:
		return SourceResource
	}
}
