package recipe

import (
	"errors"
	"strings"
	"testing"
)

func draftForTest() *Definition {
	return &Definition{
		Name: "example-search",
		Request: RequestTemplate{
			URLTemplate:  "HTTPS://API.Example.COM:443/search?q={query}",
			Method:       "get",
			Headers:      map[string]string{"Accept": "application/json"},
			ResponseKind: ResponseJSON,
			Extraction:   "results.#.title",
		},
		Params: []Parameter{
			{Name: "query", Type: TypeString, Source: SourceCaller},
		},
		Status: StatusDraft,
	}
}

func TestValidate_Normalizes(t *testing.T) {
	d := draftForTest()
	if err := Validate(d, ValidateConfig{}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if d.Request.URLTemplate != "https://api.example.com/search?q={query}" {
		t.Errorf("url template: got %q", d.Request.URLTemplate)
	}
	if d.Request.Method != "GET" {
		t.Errorf("method: got %q", d.Request.Method)
	}
	if len(d.Request.AllowedDomains) != 1 || d.Request.AllowedDomains[0] != "api.example.com" {
		t.Errorf("allowed domains: got %v", d.Request.AllowedDomains)
	}
	if _, ok := d.Request.Headers["accept"]; !ok {
		t.Errorf("headers not lowercased: %v", d.Request.Headers)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"credentials in url", func(d *Definition) {
			d.Request.URLTemplate = "https://u:p@api.example.com/x?q={query}"
		}},
		{"placeholder in host", func(d *Definition) {
			d.Request.URLTemplate = "https://{host}/x?q={query}"
		}},
		{"disallowed port", func(d *Definition) {
			d.Request.URLTemplate = "https://api.example.com:6379/x?q={query}"
		}},
		{"mutating method without opt-in", func(d *Definition) {
			d.Request.Method = "POST"
		}},
		{"unknown method", func(d *Definition) {
			d.Request.Method = "TRACE"
		}},
		{"transport-control header", func(d *Definition) {
			d.Request.Headers["Transfer-Encoding"] = "chunked"
		}},
		{"cookie header", func(d *Definition) {
			d.Request.Headers["Cookie"] = "session=abc"
		}},
		{"header with newline", func(d *Definition) {
			d.Request.Headers["Accept"] = "a\r\nX-Evil: 1"
		}},
		{"undeclared placeholder", func(d *Definition) {
			d.Request.URLTemplate = "https://api.example.com/x?q={query}&r={other}"
		}},
		{"unused parameter", func(d *Definition) {
			d.Params = append(d.Params, Parameter{Name: "spare", Type: TypeString, Source: SourceCaller})
		}},
		{"unknown source", func(d *Definition) {
			d.Params[0].Source = "oracle"
		}},
		{"scheme not http", func(d *Definition) {
			d.Request.URLTemplate = "ftp://api.example.com/x?q={query}"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := draftForTest()
			tt.mutate(d)
			err := Validate(d, ValidateConfig{})
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("got %v, want ErrValidation", err)
			}
		})
	}
}

func TestValidate_MutatingOptIn(t *testing.T) {
	d := draftForTest()
	d.Request.Method = "POST"
	d.Request.BodyTemplate = `{"q": "{query}"}`
	if err := Validate(d, ValidateConfig{AllowMutating: true}); err != nil {
		t.Fatalf("validate with opt-in: %v", err)
	}
	if d.Request.Method != "POST" {
		t.Errorf("method: got %q", d.Request.Method)
	}
}

func TestValidate_NoWildcardDomains(t *testing.T) {
	// WHAT: The allowed-domain set is exactly the template's own host,
	// even when the draft arrives with analyzer-supplied extras.
	d := draftForTest()
	d.Request.AllowedDomains = []string{"*.example.com", "evil.example.org"}
	if err := Validate(d, ValidateConfig{}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(d.Request.AllowedDomains) != 1 || d.Request.AllowedDomains[0] != "api.example.com" {
		t.Errorf("allowed domains: got %v", d.Request.AllowedDomains)
	}
	for _, dom := range d.Request.AllowedDomains {
		if strings.Contains(dom, "*") {
			t.Errorf("wildcard survived: %q", dom)
		}
	}
}
