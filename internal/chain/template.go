package chain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// tokenPattern matches ${a.b.c} path templates inside parameter values.
var tokenPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Substitute recursively replaces ${path} tokens in a parameter value with
// values resolved from the output map. A string that is exactly one token
// takes the resolved value with its original type; tokens embedded in larger
// strings are interpolated as text. Unresolvable tokens are left verbatim.
func Substitute(value any, outputs map[string]any) any {
	switch v := value.(type) {
	case string:
		return substituteString(v, outputs)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Substitute(item, outputs)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Substitute(item, outputs)
		}
		return out
	default:
		return value
	}
}

func substituteString(s string, outputs map[string]any) any {
	// A whole-string token keeps the resolved value's type.
	if m := tokenPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		if resolved, ok := ResolvePath(m[1], outputs); ok {
			return resolved
		}
		return s
	}

	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		path := token[2 : len(token)-1]
		resolved, ok := ResolvePath(path, outputs)
		if !ok {
			return token
		}
		return Stringify(resolved)
	})
}

// ResolvePath walks a dotted path through nested maps and arrays. Numeric
// segments index into arrays.
func ResolvePath(path string, outputs map[string]any) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = outputs
	for _, seg := range segments {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Stringify renders a resolved value for string interpolation.
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
