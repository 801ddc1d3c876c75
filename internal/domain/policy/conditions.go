package policy

import (
	"fmt"
	"regexp"
	"strconv"
)

// conditionMatches reports whether a single condition holds for the given
// argument map. Absent parameters and invalid regular expressions fail
// closed.
func conditionMatches(c Condition, args map[string]any) bool {
	val, ok := args[c.Param]
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEq:
		return coerceString(val) == coerceString(c.Value)
	case OpNeq:
		return coerceString(val) != coerceString(c.Value)
	case OpIn:
		members, ok := asSlice(c.Value)
		if !ok {
			return false
		}
		want := coerceString(val)
		for _, m := range members {
			if coerceString(m) == want {
				return true
			}
		}
		return false
	case OpRegex:
		re, err := regexp.Compile(coerceString(c.Value))
		if err != nil {
			return false
		}
		return re.MatchString(coerceString(val))
	default:
		return false
	}
}

// coerceString renders a value the way argument comparison expects:
// numbers without exponent noise, booleans as true/false, everything else
// via fmt.
func coerceString(v any) string {
	switch t := v.(type) {
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
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// asSlice normalizes the value of an OpIn condition to a []any.
func asSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}
