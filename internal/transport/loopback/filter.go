package loopback

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrBadFilter is returned for a content filter outside the supported subset.
var ErrBadFilter = errors.New("loopback: unsupported filter expression")

// predicate reports whether a decoded payload satisfies a filter.
type predicate func(data any) bool

func matchAll(any) bool { return true }

var (
	clausePattern = regexp.MustCompile(`^/([A-Za-z0-9_/]+)\s*(=|!=|>=|<=|>|<)\s*(.+)$`)
	andPattern    = regexp.MustCompile(`(?i)\s+and\s+`)
)

// parseFilter compiles the AMPS-style filter subset the loopback broker
// understands: clauses of the form /path OP literal joined by AND, where OP
// is one of = != > < >= <= and literal is a quoted string, a number, true or
// false. "" and "1=1" match everything.
func parseFilter(expr string) (predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "1=1" {
		return matchAll, nil
	}

	var clauses []predicate
	for _, part := range andPattern.Split(expr, -1) {
		p, err := parseClause(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, p)
	}
	return func(data any) bool {
		for _, p := range clauses {
			if !p(data) {
				return false
			}
		}
		return true
	}, nil
}

func parseClause(s string) (predicate, error) {
	m := clausePattern.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrBadFilter, s)
	}
	path := strings.Split(m[1], "/")
	op := m[2]
	want, err := parseLiteral(strings.TrimSpace(m[3]))
	if err != nil {
		return nil, err
	}

	return func(data any) bool {
		got, ok := lookup(data, path)
		if !ok {
			return op == "!="
		}
		c, ok := compare(got, want)
		if !ok {
			return op == "!="
		}
		switch op {
		case "=":
			return c == 0
		case "!=":
			return c != 0
		case ">":
			return c > 0
		case "<":
			return c < 0
		case ">=":
			return c >= 0
		default:
			return c <= 0
		}
	}, nil
}

func parseLiteral(s string) (any, error) {
	switch {
	case len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0]:
		return s[1 : len(s)-1], nil
	case s == "true":
		return true, nil
	case s == "false":
		return false, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: literal %q", ErrBadFilter, s)
	}
	return f, nil
}

func lookup(data any, path []string) (any, bool) {
	cur := data
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// compare orders got against want. ok is false when the types differ.
func compare(got, want any) (int, bool) {
	switch w := want.(type) {
	case float64:
		g, ok := got.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case g < w:
			return -1, true
		case g > w:
			return 1, true
		}
		return 0, true
	case string:
		g, ok := got.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(g, w), true
	case bool:
		g, ok := got.(bool)
		if !ok || g != w {
			return 1, ok
		}
		return 0, true
	}
	return 0, false
}
