// Package template evaluates ${expr} expressions against a scope snapshot.
//
// Three expression forms are supported:
//
//   - Dot paths (a.b.c, item.g, nodes.prep.output.groups[1]) resolved by
//     direct navigation. Missing segments yield undefined, not an error.
//   - JSONPath ($.nodes["x"].output.list) translated to a jq query and
//     evaluated with gojq.
//   - Comparison expressions used by branch arms
//     (nodes.detect.output.route=="left") where bare identifier paths are
//     rewritten to jq field accesses and the expression is evaluated with
//     gojq. Only path navigation and comparisons are available; templates
//     never execute arbitrary code.
//
// A value that is exactly one ${expr} substitutes the typed resolved value.
// Interpolated occurrences substitute the string coercion of each expression;
// undefined interpolations coerce to the empty string. Objects and arrays are
// walked recursively; keys are never expanded. The only error condition is a
// syntactically invalid expression (unclosed ${), reported as a
// fault.Template error.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"goa.design/weave/fault"
)

// Resolve walks value recursively, substituting every ${expr} occurrence from
// the snapshot. Scalars pass through unchanged.
func Resolve(value any, snap map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return ResolveString(v, snap)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			r, err := Resolve(elem, snap)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			r, err := Resolve(elem, snap)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveString resolves a single string value. A standalone ${expr} returns
// the typed value (number, bool, nil, array, object); any other shape returns
// the interpolated string.
func ResolveString(s string, snap map[string]any) (any, error) {
	segs, err := scan(s)
	if err != nil {
		return nil, err
	}
	if len(segs) == 1 && segs[0].expr {
		v, _, err := Eval(segs[0].text, snap)
		return v, err
	}
	var b strings.Builder
	for _, seg := range segs {
		if !seg.expr {
			b.WriteString(seg.text)
			continue
		}
		v, _, err := Eval(seg.text, snap)
		if err != nil {
			return nil, err
		}
		b.WriteString(coerce(v))
	}
	return b.String(), nil
}

// Eval evaluates one expression (without the ${} wrapper) against the
// snapshot. found is false when the expression is a path that does not
// resolve; the returned value is nil in that case.
func Eval(expr string, snap map[string]any) (any, bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, false, nil
	}
	if dotPath.MatchString(expr) {
		v, ok := navigate(snap, expr)
		return v, ok, nil
	}
	query, err := compile(translate(expr))
	if err != nil {
		return nil, false, fault.Template("invalid expression %q: %v", expr, err)
	}
	iter := query.Run(any(snap))
	v, ok := iter.Next()
	if !ok {
		return nil, false, nil
	}
	if rerr, isErr := v.(error); isErr {
		// Navigation failures over missing or mistyped data are undefined,
		// not template errors.
		_ = rerr
		return nil, false, nil
	}
	return v, v != nil, nil
}

// EvalBool evaluates a branch condition. Undefined, nil, false, zero, and
// empty string are falsy; everything else is truthy.
func EvalBool(expr string, snap map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if inner, ok := unwrap(expr); ok {
		expr = inner
	}
	v, found, err := Eval(expr, snap)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return Truthy(v), nil
}

// Truthy reports the truthiness of a resolved value.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return true
	}
}

type segment struct {
	text string
	expr bool
}

// scan splits s into literal and expression segments. Expressions may nest
// braces (jq object construction); an unterminated ${ is a syntax error.
func scan(s string) ([]segment, error) {
	var segs []segment
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			if s != "" || len(segs) == 0 {
				segs = append(segs, segment{text: s})
			}
			return segs, nil
		}
		if i > 0 {
			segs = append(segs, segment{text: s[:i]})
		}
		rest := s[i+2:]
		depth := 1
		end := -1
		for j := 0; j < len(rest); j++ {
			switch rest[j] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					end = j
				}
			}
			if end >= 0 {
				break
			}
		}
		if end < 0 {
			return nil, fault.Template("unclosed ${ in %q", s)
		}
		segs = append(segs, segment{text: rest[:end], expr: true})
		s = rest[end+1:]
		if s == "" {
			return segs, nil
		}
	}
}

// unwrap strips a full ${...} wrapper when expr is exactly one expression.
func unwrap(expr string) (string, bool) {
	segs, err := scan(expr)
	if err != nil {
		return "", false
	}
	if len(segs) == 1 && segs[0].expr {
		return segs[0].text, true
	}
	return "", false
}

// dotPath matches pure navigation expressions that never need jq.
var dotPath = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*|\[[0-9]+\])*$`)

// navigate walks a dot path (with optional [n] index suffixes) through maps
// and slices.
func navigate(root map[string]any, path string) (any, bool) {
	var cur any = root
	for _, part := range strings.Split(path, ".") {
		name := part
		var idxs []int
		for {
			open := strings.IndexByte(name, '[')
			if open < 0 {
				break
			}
			close := strings.IndexByte(name[open:], ']')
			if close < 0 {
				return nil, false
			}
			n, err := strconv.Atoi(name[open+1 : open+close])
			if err != nil {
				return nil, false
			}
			idxs = append(idxs, n)
			name = name[:open] + name[open+close+1:]
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[name]
		if !ok {
			return nil, false
		}
		for _, n := range idxs {
			arr, ok := cur.([]any)
			if !ok || n < 0 || n >= len(arr) {
				return nil, false
			}
			cur = arr[n]
		}
	}
	return cur, true
}

// jq reserved words and literals that must not be rewritten to field accesses.
var jqKeywords = map[string]bool{
	"true": true, "false": true, "null": true,
	"and": true, "or": true, "not": true,
	"if": true, "then": true, "elif": true, "else": true, "end": true,
	"empty": true, "length": true, "contains": true, "startswith": true,
	"endswith": true, "ascii_downcase": true, "ascii_upcase": true,
	"tostring": true, "tonumber": true, "type": true, "any": true, "all": true,
}

var identRun = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*`)

// translate rewrites a template expression into a jq query: a leading $ is
// dropped ($.a.b -> .a.b) and bare identifier paths become field accesses
// (nodes.x.output -> .nodes.x.output). Quoted strings pass through untouched.
func translate(expr string) string {
	var b strings.Builder
	for len(expr) > 0 {
		if q := strings.IndexByte(expr, '"'); q >= 0 {
			b.WriteString(rewrite(expr[:q]))
			end := q + 1
			for end < len(expr) {
				if expr[end] == '"' && expr[end-1] != '\\' {
					break
				}
				end++
			}
			if end >= len(expr) {
				b.WriteString(expr[q:])
				return b.String()
			}
			b.WriteString(expr[q : end+1])
			expr = expr[end+1:]
			continue
		}
		b.WriteString(rewrite(expr))
		break
	}
	return b.String()
}

func rewrite(chunk string) string {
	// JSONPath roots become jq identity navigation.
	chunk = strings.ReplaceAll(chunk, "$.", ".")
	chunk = strings.ReplaceAll(chunk, "$[", ".[")

	matches := identRun.FindAllStringIndex(chunk, -1)
	if len(matches) == 0 {
		return chunk
	}
	var b strings.Builder
	prev := 0
	for _, m := range matches {
		b.WriteString(chunk[prev:m[0]])
		word := chunk[m[0]:m[1]]
		// Already a field access or a keyword: leave as-is.
		if (m[0] > 0 && chunk[m[0]-1] == '.') || jqKeywords[word] {
			b.WriteString(word)
		} else {
			b.WriteString(".")
			b.WriteString(word)
		}
		prev = m[1]
	}
	b.WriteString(chunk[prev:])
	return b.String()
}

var (
	queryMu    sync.Mutex
	queryCache = map[string]*gojq.Code{}
)

func compile(query string) (*gojq.Code, error) {
	queryMu.Lock()
	defer queryMu.Unlock()
	if code, ok := queryCache[query]; ok {
		return code, nil
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, err
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, err
	}
	queryCache[query] = code
	return code, nil
}

// coerce renders a resolved value for interpolation.
func coerce(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}
