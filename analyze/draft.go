package analyze

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/hazyhaar/recette/candidate"
	"github.com/hazyhaar/recette/recipe"
)

// buildDraft turns one selected candidate into an unvalidated recipe
// draft: query values that echo the task text become caller parameters,
// everything else stays constant in the template.
func buildDraft(c *candidate.Candidate, taskText, extraction string) (recipe.Definition, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return recipe.Definition{}, fmt.Errorf("parse url: %w", err)
	}

	params, tpl := parameterize(u, taskText)

	d := recipe.Definition{
		Name:        slugFor(u),
		Description: fmt.Sprintf("%s %s", c.Method, c.Endpoint),
		Request: recipe.RequestTemplate{
			URLTemplate:  tpl,
			Method:       c.Method,
			Headers:      map[string]string{"accept": acceptFor(c.ContentClass)},
			ResponseKind: responseKindFor(c.ContentClass),
			Extraction:   extraction,
		},
		Params: params,
		Status: recipe.StatusDraft,
	}
	return d, nil
}

// parameterize rewrites query values that appear in the task text as
// {key} placeholders. The value echoed the caller's intent once; it will
// again.
func parameterize(u *url.URL, taskText string) ([]recipe.Parameter, string) {
	lowerTask := strings.ToLower(taskText)

	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var params []recipe.Parameter
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := q.Get(k)
		name := paramName(k)
		if name != "" && len(v) >= 3 && !strings.Contains(v, "{") &&
			strings.Contains(lowerTask, strings.ToLower(v)) {
			params = append(params, recipe.Parameter{
				Name:   name,
				Type:   recipe.TypeString,
				Source: recipe.SourceCaller,
			})
			parts = append(parts, url.QueryEscape(k)+"={"+name+"}")
			continue
		}
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
	}

	base := u.Scheme + "://" + u.Host + u.EscapedPath()
	if len(parts) > 0 {
		base += "?" + strings.Join(parts, "&")
	}
	return params, base
}

// ExampleParams recovers observed parameter values from the candidate URL
// a draft was derived from. They seed the first validation replay and the
// minimizer's probes; a second distinct set must come from a second
// example.
func ExampleParams(d *recipe.Definition, rawURL string) map[string]string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	q := u.Query()
	out := make(map[string]string)
	for _, p := range d.Params {
		if p.Source == recipe.SourceConstant {
			continue
		}
		for k := range q {
			if paramName(k) == p.Name {
				out[p.Name] = q.Get(k)
				break
			}
		}
	}
	return out
}

// paramName sanitizes a query key into a placeholder name.
func paramName(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// slugFor derives a stable human-readable recipe name from the endpoint.
func slugFor(u *url.URL) string {
	host := strings.ReplaceAll(strings.ToLower(u.Hostname()), ".", "-")
	segs := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(segs) > 0 {
		return host + "-" + strings.ToLower(segs[len(segs)-1])
	}
	return host
}

func acceptFor(class string) string {
	switch class {
	case "structured":
		return "application/json"
	case "markup":
		return "text/html"
	default:
		return "*/*"
	}
}

func responseKindFor(class string) recipe.ResponseKind {
	switch class {
	case "structured":
		return recipe.ResponseJSON
	case "markup":
		return recipe.ResponseHTML
	case "text":
		return recipe.ResponseText
	default:
		return recipe.ResponseOther
	}
}
