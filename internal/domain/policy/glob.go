package policy

import "strings"

// globMatch applies the gateway's glob dialect: "*" matches everything,
// "PREFIX*" is a prefix match, "*SUFFIX" is a suffix match, anything else is
// exact equality. An empty pattern counts as "*".
func globMatch(pattern, s string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(s, pattern[:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(s, pattern[1:])
	default:
		return pattern == s
	}
}
