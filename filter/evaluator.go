package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Context is the context bag expressions are evaluated against: a
// flattened namespace binding dotted names (e.g. "ip.src.country",
// "http.request.headers.user-agent") to scalar values, built by the
// caller from characteristics and enriched IP fields (§4.7, §4.11).
type Context map[string]interface{}

// Evaluate parses and evaluates expr against ctx in one call. For
// repeated evaluation of the same expression (e.g. a Filter rule
// evaluated once per request), callers should Parse once and reuse the
// Node with Eval.
func Evaluate(expr string, ctx Context) (bool, error) {
	node, err := Parse(expr)
	if err != nil {
		return false, err
	}
	return Eval(node, ctx)
}

// Eval evaluates a previously-parsed Node against ctx. No path through
// Eval executes anything but the operators named in §4.11's grammar —
// there is no "call" node, no identifier ever resolves to a function, and
// no string literal is ever interpreted as code.
func Eval(node Node, ctx Context) (bool, error) {
	v, err := evalNode(node, ctx)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return truthy(v), nil
	}
	return b, nil
}

func evalNode(node Node, ctx Context) (interface{}, error) {
	switch n := node.(type) {
	case LiteralNode:
		return n.Value, nil

	case IdentNode:
		val, ok := resolveIdent(ctx, n.Name)
		if !ok {
			return nil, nil
		}
		return val, nil

	case ArrayNode:
		vals := make([]interface{}, 0, len(n.Elements))
		for _, el := range n.Elements {
			v, err := evalNode(el, ctx)
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		}
		return vals, nil

	case UnaryNode:
		v, err := evalNode(n.Operand, ctx)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case "not":
			return !truthy(v), nil
		}
		return nil, fmt.Errorf("filter: unknown unary operator %q", n.Op)

	case BinaryNode:
		return evalBinary(n, ctx)
	}

	return nil, fmt.Errorf("filter: unknown node type %T", node)
}

func evalBinary(n BinaryNode, ctx Context) (interface{}, error) {
	switch n.Op {
	case "and":
		left, err := evalNode(n.Left, ctx)
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			return false, nil
		}
		right, err := evalNode(n.Right, ctx)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil

	case "or":
		left, err := evalNode(n.Left, ctx)
		if err != nil {
			return nil, err
		}
		if truthy(left) {
			return true, nil
		}
		right, err := evalNode(n.Right, ctx)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	left, err := evalNode(n.Left, ctx)
	if err != nil {
		return nil, err
	}
	right, err := evalNode(n.Right, ctx)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case "==":
		return valuesEqual(left, right), nil
	case "!=":
		return !valuesEqual(left, right), nil
	case ">", "<", ">=", "<=":
		return compareNumeric(n.Op, left, right)
	case "in":
		arr, ok := right.([]interface{})
		if !ok {
			return false, fmt.Errorf("filter: right-hand side of 'in' must be an array")
		}
		for _, el := range arr {
			if valuesEqual(left, el) {
				return true, nil
			}
		}
		return false, nil
	case "matches":
		return evalMatches(left, right)
	}

	return nil, fmt.Errorf("filter: unknown binary operator %q", n.Op)
}

func evalMatches(left, right interface{}) (interface{}, error) {
	pattern, ok := right.(string)
	if !ok {
		return false, fmt.Errorf("filter: matches() pattern must be a string")
	}
	subject := toString(left)
	re, err := CompileSafe(pattern)
	if err != nil {
		return false, err
	}
	return MatchWithBudget(re, subject)
}

// resolveIdent resolves a dotted/bracketed identifier against ctx. It
// tries an exact flattened-key match first (the fast, common path), then
// falls back to walking nested maps by splitting on '.'.
func resolveIdent(ctx Context, name string) (interface{}, bool) {
	if looksLikeHostCode(name) {
		return nil, false
	}
	normalized := normalizeIdent(name)

	if v, ok := ctx[normalized]; ok {
		return v, true
	}
	if v, ok := ctx[name]; ok {
		return v, true
	}

	parts := strings.Split(normalized, ".")
	var cur interface{} = map[string]interface{}(ctx)
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// normalizeIdent rewrites bracket-indexed segments like
// headers["user-agent"] into dotted form headers.user-agent, so both
// spellings resolve the same way.
func normalizeIdent(name string) string {
	var sb strings.Builder
	i := 0
	for i < len(name) {
		c := name[i]
		if c == '[' {
			end := strings.IndexByte(name[i:], ']')
			if end < 0 {
				sb.WriteByte(c)
				i++
				continue
			}
			key := strings.Trim(name[i+1:i+end], `"'`)
			sb.WriteByte('.')
			sb.WriteString(key)
			i += end + 1
			continue
		}
		sb.WriteByte(c)
		i++
	}
	return sb.String()
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

// valuesEqual compares two operands "value-equal if both operands equal
// after coercion via string form; numeric comparisons coerce to number"
// (§4.11). We try numeric equality first (so 1 == "1" is true), then fall
// back to string-form equality.
func valuesEqual(a, b interface{}) bool {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an == bn
		}
	}
	return toString(a) == toString(b)
}

func compareNumeric(op string, a, b interface{}) (bool, error) {
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if !aok || !bok {
		return false, fmt.Errorf("filter: operator %q requires numeric operands", op)
	}
	switch op {
	case ">":
		return an > bn, nil
	case "<":
		return an < bn, nil
	case ">=":
		return an >= bn, nil
	case "<=":
		return an <= bn, nil
	}
	return false, fmt.Errorf("filter: unknown comparison operator %q", op)
}

func asNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
