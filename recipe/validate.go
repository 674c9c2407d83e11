package recipe

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hazyhaar/recette/egress"
)

// ValidateConfig configures the validator.
type ValidateConfig struct {
	// AllowMutating permits POST/PUT/PATCH/DELETE methods. Off by default:
	// a learned recipe that mutates remote state needs a human to say so.
	AllowMutating bool
	// AllowedPorts is the set of permitted explicit ports. Default:
	// 80, 443, 8080, 8443.
	AllowedPorts map[int]bool
	// ExtraHeaders extends the built-in header allowlist (lowercase names).
	ExtraHeaders map[string]bool
}

func (c *ValidateConfig) defaults() {
	if c.AllowedPorts == nil {
		c.AllowedPorts = map[int]bool{80: true, 443: true, 8080: true, 8443: true}
	}
}

// headerAllowlist is the set of headers a recipe may carry. Transport-control
// headers (host, content-length, connection, transfer-encoding, cookies,
// accept-encoding) are owned by the transport layer and never by a recipe.
var headerAllowlist = map[string]bool{
	"accept":           true,
	"accept-language":  true,
	"authorization":    true,
	"content-type":     true,
	"origin":           true,
	"referer":          true,
	"user-agent":       true,
	"x-api-key":        true,
	"x-requested-with": true,
}

var safeMethods = map[string]bool{"GET": true, "HEAD": true}

var mutatingMethods = map[string]bool{
	"POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// Validate canonicalizes and safety-checks a draft definition in place.
// All analyzer output — heuristic or model-assisted — passes through here
// before anything is persisted or executed. Every rejection wraps
// ErrValidation so the pipeline can route to the next candidate.
func Validate(d *Definition, cfg ValidateConfig) error {
	cfg.defaults()

	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}

	tpl, err := ParseTemplate(d.Request.URLTemplate)
	if err != nil {
		return fmt.Errorf("%w: url template: %v", ErrValidation, err)
	}

	normalized, host, err := normalizeURLTemplate(tpl, cfg)
	if err != nil {
		return err
	}
	d.Request.URLTemplate = normalized

	// The allowed-domain set is derived from the request's own host.
	// No wildcards, no analyzer-supplied additions.
	d.Request.AllowedDomains = []string{host}

	method := strings.ToUpper(strings.TrimSpace(d.Request.Method))
	if method == "" {
		method = "GET"
	}
	switch {
	case safeMethods[method]:
	case mutatingMethods[method]:
		if !cfg.AllowMutating {
			return fmt.Errorf("%w: method %s requires mutating opt-in", ErrValidation, method)
		}
	default:
		return fmt.Errorf("%w: method %q not allowed", ErrValidation, method)
	}
	d.Request.Method = method

	cleaned := make(map[string]string, len(d.Request.Headers))
	for name, value := range d.Request.Headers {
		lower := strings.ToLower(strings.TrimSpace(name))
		if !headerAllowlist[lower] && !cfg.ExtraHeaders[lower] {
			return fmt.Errorf("%w: header %q not in allowlist", ErrValidation, name)
		}
		if strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("%w: header %q contains a line break", ErrValidation, name)
		}
		if _, err := ParseTemplate(value); err != nil {
			return fmt.Errorf("%w: header %q: %v", ErrValidation, name, err)
		}
		cleaned[lower] = value
	}
	d.Request.Headers = cleaned

	if d.Request.BodyTemplate != "" {
		if _, err := ParseTemplate(d.Request.BodyTemplate); err != nil {
			return fmt.Errorf("%w: body template: %v", ErrValidation, err)
		}
	}

	switch d.Request.ResponseKind {
	case ResponseJSON, ResponseHTML, ResponseText, ResponseOther:
	case "":
		d.Request.ResponseKind = ResponseOther
	default:
		return fmt.Errorf("%w: unknown response kind %q", ErrValidation, d.Request.ResponseKind)
	}

	if err := validateParams(d, tpl); err != nil {
		return err
	}
	return nil
}

// normalizeURLTemplate canonicalizes the scheme://host prefix of a template
// while leaving placeholders in path and query untouched. Placeholders are
// forbidden anywhere before the path: a parameterized host would defeat the
// allowed-domain derivation.
func normalizeURLTemplate(tpl *Template, cfg ValidateConfig) (normalized, host string, err error) {
	raw := tpl.Raw()
	schemeEnd := strings.Index(raw, "://")
	if schemeEnd < 0 {
		return "", "", fmt.Errorf("%w: url template missing scheme", ErrValidation)
	}
	hostEnd := len(raw)
	for i := schemeEnd + 3; i < len(raw); i++ {
		if raw[i] == '/' || raw[i] == '?' || raw[i] == '#' {
			hostEnd = i
			break
		}
	}
	prefix := raw[:hostEnd]
	if strings.ContainsAny(prefix, "{}") {
		return "", "", fmt.Errorf("%w: placeholder in scheme or host", ErrValidation)
	}

	canon, err := egress.Canonicalize(prefix)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	// Canonicalize adds a trailing "/" to a bare prefix; drop it, the
	// remainder carries the real path.
	canon = strings.TrimSuffix(canon, "/")

	hostPart := canon[strings.Index(canon, "://")+3:]
	if _, p, ok := strings.Cut(hostPart, ":"); ok && !strings.HasPrefix(hostPart, "[") {
		port, err := strconv.Atoi(p)
		if err != nil || !cfg.AllowedPorts[port] {
			return "", "", fmt.Errorf("%w: port %q not allowed", ErrValidation, p)
		}
	}

	rest := raw[hostEnd:]
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		rest = "/"
	}
	host = hostPart
	if h, _, ok := strings.Cut(hostPart, ":"); ok && !strings.HasPrefix(hostPart, "[") {
		host = h
	}
	return canon + rest, host, nil
}

// validateParams cross-checks declared parameters against template usage.
func validateParams(d *Definition, urlTpl *Template) error {
	declared := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		if p.Name == "" || !validParamName(p.Name) {
			return fmt.Errorf("%w: bad parameter name %q", ErrValidation, p.Name)
		}
		if declared[p.Name] {
			return fmt.Errorf("%w: duplicate parameter %q", ErrValidation, p.Name)
		}
		declared[p.Name] = true

		switch p.Source {
		case SourceCaller, SourceSession, SourcePage, SourceConstant:
		default:
			return fmt.Errorf("%w: parameter %q has unknown source %q", ErrValidation, p.Name, p.Source)
		}
		switch p.Type {
		case TypeString, TypeInt, TypeBool, TypeOther:
		case "":
			return fmt.Errorf("%w: parameter %q has no type", ErrValidation, p.Name)
		default:
			return fmt.Errorf("%w: parameter %q has unknown type %q", ErrValidation, p.Name, p.Type)
		}
		if p.Source == SourceConstant {
			if err := p.CheckValue(p.Constraints.Value); err != nil {
				return fmt.Errorf("%w: constant %q: %v", ErrValidation, p.Name, err)
			}
		}
	}

	used := make(map[string]bool)
	for _, n := range urlTpl.Names() {
		used[n] = true
	}
	for _, v := range d.Request.Headers {
		if t, err := ParseTemplate(v); err == nil {
			for _, n := range t.Names() {
				used[n] = true
			}
		}
	}
	if d.Request.BodyTemplate != "" {
		if t, err := ParseTemplate(d.Request.BodyTemplate); err == nil {
			for _, n := range t.Names() {
				used[n] = true
			}
		}
	}

	for n := range used {
		if !declared[n] {
			return fmt.Errorf("%w: placeholder %q has no declared parameter", ErrValidation, n)
		}
	}
	for n := range declared {
		if !used[n] {
			return fmt.Errorf("%w: parameter %q is never used", ErrValidation, n)
		}
	}
	return nil
}
