package recipe

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// ErrUnboundParam is returned when rendering lacks a value for a placeholder.
var ErrUnboundParam = errors.New("recipe: unbound parameter")

// ErrParamValue is returned when a substituted value violates its bounds.
var ErrParamValue = errors.New("recipe: illegal parameter value")

// Template is a parsed placeholder template. A placeholder is {name} with
// the name restricted to [a-zA-Z0-9_]. Braces that do not form a
// placeholder are literal text, so JSON body templates parse naturally.
type Template struct {
	raw      string
	segments []segment
}

type segment struct {
	text  string
	param string // non-empty for placeholder segments
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// ParseTemplate parses raw into a Template.
func ParseTemplate(raw string) (*Template, error) {
	t := &Template{raw: raw}
	locs := placeholderRe.FindAllStringSubmatchIndex(raw, -1)
	prev := 0
	for _, loc := range locs {
		if loc[0] > prev {
			t.segments = append(t.segments, segment{text: raw[prev:loc[0]]})
		}
		t.segments = append(t.segments, segment{param: raw[loc[2]:loc[3]]})
		prev = loc[1]
	}
	if prev < len(raw) {
		t.segments = append(t.segments, segment{text: raw[prev:]})
	}
	return t, nil
}

// Raw returns the original template text.
func (t *Template) Raw() string { return t.raw }

// Names returns the distinct placeholder names in order of first use.
func (t *Template) Names() []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range t.segments {
		if s.param != "" && !seen[s.param] {
			seen[s.param] = true
			names = append(names, s.param)
		}
	}
	return names
}

// Render substitutes values into the template. Values are query-escaped
// when escape is true (URL rendering) and inserted verbatim otherwise
// (header and body rendering). Every value is rejected if it contains a
// line break — substitution must never be able to split a request.
func (t *Template) Render(values map[string]string, escape bool) (string, error) {
	var b strings.Builder
	b.Grow(len(t.raw))
	for _, s := range t.segments {
		if s.param == "" {
			b.WriteString(s.text)
			continue
		}
		v, ok := values[s.param]
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrUnboundParam, s.param)
		}
		if strings.ContainsAny(v, "\r\n") {
			return "", fmt.Errorf("%w: %q contains a line break", ErrParamValue, s.param)
		}
		if escape {
			v = url.QueryEscape(v)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

// CheckValue enforces a parameter's type and constraints on a value.
// Callers run this before any substitution.
func (p *Parameter) CheckValue(v string) error {
	if strings.ContainsAny(v, "\r\n") {
		return fmt.Errorf("%w: %q contains a line break", ErrParamValue, p.Name)
	}
	maxLen := p.Constraints.MaxLen
	if maxLen <= 0 {
		maxLen = defaultParamMaxLen
	}
	if len(v) > maxLen {
		return fmt.Errorf("%w: %q exceeds %d bytes", ErrParamValue, p.Name, maxLen)
	}
	switch p.Type {
	case TypeInt:
		if !isInteger(v) {
			return fmt.Errorf("%w: %q is not an integer", ErrParamValue, p.Name)
		}
	case TypeBool:
		if v != "true" && v != "false" {
			return fmt.Errorf("%w: %q is not a boolean", ErrParamValue, p.Name)
		}
	}
	if len(p.Constraints.Enum) > 0 {
		ok := false
		for _, e := range p.Constraints.Enum {
			if v == e {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: %q not in enum", ErrParamValue, p.Name)
		}
	}
	if p.Constraints.Pattern != "" {
		re, err := compiledPattern(p.Constraints.Pattern)
		if err != nil {
			return fmt.Errorf("%w: bad pattern for %q: %v", ErrParamValue, p.Name, err)
		}
		if !re.MatchString(v) {
			return fmt.Errorf("%w: %q does not match pattern", ErrParamValue, p.Name)
		}
	}
	return nil
}

const defaultParamMaxLen = 4096

// patternCache memoizes compiled constraint patterns. Patterns are always
// matched anchored.
var patternCache sync.Map

func compiledPattern(p string) (*regexp.Regexp, error) {
	if v, ok := patternCache.Load(p); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("^(?:" + p + ")$")
	if err != nil {
		return nil, err
	}
	patternCache.Store(p, re)
	return re, nil
}

func validParamName(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

func isInteger(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
