package modules

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// Filter operators.
const (
	OpEq  = "eq"
	OpNeq = "neq"
	OpLt  = "lt"
	OpLte = "lte"
	OpGt  = "gt"
	OpGte = "gte"
	OpRe  = "re"
)

// FilterNode is the canonical nested-selector form: either one leaf
// comparison {path, op, value} or a combinator {any: [...]} / {all: [...]}.
type FilterNode struct {
	Path  string `json:"path,omitempty" cbor:"path,omitempty"`
	Op    string `json:"op,omitempty" cbor:"op,omitempty"`
	Value any    `json:"value,omitempty" cbor:"value,omitempty"`

	Any []FilterNode `json:"any,omitempty" cbor:"any,omitempty"`
	All []FilterNode `json:"all,omitempty" cbor:"all,omitempty"`
}

// CompiledFilter is the shadow-time compiled form. Compilation is where
// ill-formed paths, operators, and regexes are rejected; matching never
// errors.
type CompiledFilter struct {
	leaf *compiledLeaf
	any  []CompiledFilter
	all  []CompiledFilter
}

type compiledLeaf struct {
	segments []string
	op       string
	value    any
	re       *regexp.Regexp
}

// Compile validates the node recursively. A nil node compiles to
// match-everything.
func (n *FilterNode) Compile() (*CompiledFilter, error) {
	if n == nil {
		return &CompiledFilter{}, nil
	}
	combinators := 0
	if len(n.Any) > 0 {
		combinators++
	}
	if len(n.All) > 0 {
		combinators++
	}
	if n.Op != "" {
		combinators++
	}
	if combinators != 1 {
		return nil, fmt.Errorf("filter node must be exactly one of leaf/any/all")
	}

	switch {
	case len(n.Any) > 0:
		out := &CompiledFilter{}
		for i := range n.Any {
			c, err := n.Any[i].Compile()
			if err != nil {
				return nil, err
			}
			out.any = append(out.any, *c)
		}
		return out, nil
	case len(n.All) > 0:
		out := &CompiledFilter{}
		for i := range n.All {
			c, err := n.All[i].Compile()
			if err != nil {
				return nil, err
			}
			out.all = append(out.all, *c)
		}
		return out, nil
	}

	segs, err := parsePointer(n.Path)
	if err != nil {
		return nil, err
	}
	leaf := &compiledLeaf{segments: segs, op: n.Op, value: n.Value}
	switch n.Op {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte:
	case OpRe:
		pat, ok := n.Value.(string)
		if !ok {
			return nil, fmt.Errorf("re filter needs a string pattern, got %T", n.Value)
		}
		// Anchored: the pattern must match the whole string.
		re, err := regexp.Compile("^(?:" + pat + ")$")
		if err != nil {
			return nil, fmt.Errorf("re filter: %w", err)
		}
		leaf.re = re
	default:
		return nil, fmt.Errorf("unknown filter op %q", n.Op)
	}
	return &CompiledFilter{leaf: leaf}, nil
}

// parsePointer splits a JSON pointer ("/data/amount"). An empty pointer
// addresses the document root; paths not starting with '/' are rejected.
func parsePointer(p string) ([]string, error) {
	if p == "" {
		return nil, nil
	}
	if !strings.HasPrefix(p, "/") {
		return nil, fmt.Errorf("filter path %q: must start with '/'", p)
	}
	raw := strings.Split(p[1:], "/")
	segs := make([]string, len(raw))
	for i, s := range raw {
		s = strings.ReplaceAll(s, "~1", "/")
		s = strings.ReplaceAll(s, "~0", "~")
		segs[i] = s
	}
	return segs, nil
}

// Match evaluates the filter against a JSON-shaped document
// (map[string]any / []any / primitives). Missing paths never match.
func (f *CompiledFilter) Match(doc any) bool {
	switch {
	case len(f.any) > 0:
		for i := range f.any {
			if f.any[i].Match(doc) {
				return true
			}
		}
		return false
	case len(f.all) > 0:
		for i := range f.all {
			if !f.all[i].Match(doc) {
				return false
			}
		}
		return true
	case f.leaf != nil:
		return f.leaf.match(doc)
	default:
		return true
	}
}

func (l *compiledLeaf) match(doc any) bool {
	cur := doc
	for _, seg := range l.segments {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return false
			}
			cur = node[idx]
		default:
			return false
		}
	}

	switch l.op {
	case OpEq:
		return looselyEqual(cur, l.value)
	case OpNeq:
		return !looselyEqual(cur, l.value)
	case OpLt, OpLte, OpGt, OpGte:
		a, aok := asNumber(cur)
		b, bok := asNumber(l.value)
		if !aok || !bok {
			return false
		}
		switch l.op {
		case OpLt:
			return a < b
		case OpLte:
			return a <= b
		case OpGt:
			return a > b
		default:
			return a >= b
		}
	case OpRe:
		s, ok := cur.(string)
		return ok && l.re.MatchString(s)
	}
	return false
}

// looselyEqual compares with numeric coercion so 3 == 3.0 across
// JSON/CBOR decodings.
func looselyEqual(a, b any) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
