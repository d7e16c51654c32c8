package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Resolve rewrites every ${selector} occurrence inside a document against
// the context. Maps and slices are walked recursively; a string that is
// exactly one ${...} is replaced by the selector's value with its type
// preserved, while embedded occurrences substitute textually. Documents
// without template markers pass through unchanged, so resolving twice is a
// no-op.
func Resolve(doc any, ctx map[string]any) (any, error) {
	switch v := doc.(type) {
	case string:
		return resolveString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := Resolve(item, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := Resolve(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return doc, nil
	}
}

func resolveString(s string, ctx map[string]any) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	// Whole-string selector: the replacement keeps its native type.
	if strings.HasPrefix(s, "${") {
		if end := matchBrace(s, 2); end == len(s)-1 {
			return Eval(s[2:end], ctx)
		}
	}

	var sb strings.Builder
	for i := 0; i < len(s); {
		if i+1 < len(s) && s[i] == '$' && s[i+1] == '{' {
			end := matchBrace(s, i+2)
			if end < 0 {
				return nil, &Error{Selector: s[i:], Reason: "unterminated ${...}"}
			}
			v, err := Eval(s[i+2:end], ctx)
			if err != nil {
				return nil, err
			}
			sb.WriteString(stringify(v))
			i = end + 1
			continue
		}
		sb.WriteByte(s[i])
		i++
	}
	return sb.String(), nil
}

// matchBrace returns the index of the '}' closing the selector that starts
// at from, accounting for braces inside the selector itself.
func matchBrace(s string, from int) int {
	depth := 1
	for i := from; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return "null"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
