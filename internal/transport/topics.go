package transport

import "strings"

// Wildcard is the trailing multi-level wildcard marker accepted in patterns.
const Wildcard = ">"

// Matches reports whether topic is selected by pattern.
//
// A pattern matches its own exact text. A pattern ending in Wildcard matches
// every topic that starts with the text before the marker, separator
// included: "rates/>" matches "rates/" and "rates/us10y" but not "rates".
// Wildcards elsewhere in the pattern are literal characters.
func Matches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	prefix, ok := strings.CutSuffix(pattern, Wildcard)
	if !ok {
		return false
	}
	return strings.HasPrefix(topic, prefix)
}

// IsWildcard reports whether pattern ends in the wildcard marker.
func IsWildcard(pattern string) bool {
	return strings.HasSuffix(pattern, Wildcard)
}

// TranslateWildcard rewrites a trailing wildcard into a backend's native
// multi-level token for a hierarchy split on sep. The native token must cover
// a whole level, so the prefix is cut back to its last separator: with sep
// "." and native "#", "orders.>" becomes "orders.#", "orders.eu>" becomes
// "orders.#" and "rates/>" becomes "#". The result can be broader than the
// pattern; callers filter deliveries with Matches.
func TranslateWildcard(pattern, sep, native string) string {
	prefix, ok := strings.CutSuffix(pattern, Wildcard)
	if !ok {
		return pattern
	}
	i := strings.LastIndex(prefix, sep)
	if i < 0 {
		return native
	}
	return prefix[:i+len(sep)] + native
}
