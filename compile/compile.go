// Package compile turns validated recipe definitions into an immutable
// execution form: parsed templates, a checked extraction expression, and
// the canonical allowed-domain set. Compiled recipes are keyed by the
// content hash of the definition, so a stored document that changed under
// a cached entry can never be executed stale.
package compile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	gocache "github.com/patrickmn/go-cache"

	"github.com/hazyhaar/recette/recipe"
)

// Compiled is the immutable execution form of one definition. Safe for
// concurrent use; nothing in it mutates after Compile returns.
type Compiled struct {
	// Hash is the hex content hash of the canonical definition.
	Hash string

	// Def is the definition the compile was taken from.
	Def *recipe.Definition

	// URL is the parsed URL template.
	URL *recipe.Template

	// Body is the parsed body template, nil when the recipe has no body.
	Body *recipe.Template

	// Extraction is the checked extraction expression ("" = whole body):
	// a gjson path for JSON responses, a CSS selector for HTML.
	Extraction string

	// Selector is the compiled CSS selector for HTML extraction, nil
	// otherwise.
	Selector cascadia.Selector

	// AllowedDomains is the canonical lowercase host set.
	AllowedDomains map[string]bool
}

// Config configures the Compiler.
type Config struct {
	// CacheTTL bounds how long a compiled entry may be reused.
	// Default: 10m.
	CacheTTL time.Duration
	// CacheMax bounds the number of cached entries. Default: 1024.
	CacheMax int
	Logger   *slog.Logger
}

func (c *Config) defaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Minute
	}
	if c.CacheMax <= 0 {
		c.CacheMax = 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Compiler compiles definitions with a bounded content-addressed cache.
type Compiler struct {
	cfg   Config
	cache *gocache.Cache
}

// New creates a Compiler.
func New(cfg Config) *Compiler {
	cfg.defaults()
	return &Compiler{
		cfg:   cfg,
		cache: gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}
}

// Hash computes the content hash of d's canonical serialization.
func Hash(d *recipe.Definition) (string, error) {
	canon, err := d.MarshalCanonical()
	if err != nil {
		return "", fmt.Errorf("compile: canonical form: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Compile returns the execution form of d, reusing the cached entry only
// when its content hash matches the definition as it is now.
func (c *Compiler) Compile(d *recipe.Definition) (*Compiled, bool, error) {
	hash, err := Hash(d)
	if err != nil {
		return nil, false, err
	}

	if v, ok := c.cache.Get(d.Name); ok {
		entry := v.(*Compiled)
		if entry.Hash == hash {
			return entry, true, nil
		}
		// The stored definition changed under this name; the old compile
		// is now a lie.
		c.cache.Delete(d.Name)
		c.cfg.Logger.Info("compile: cache invalidated", "recipe", d.Name, "hash", hash[:12])
	}

	entry, err := build(d, hash)
	if err != nil {
		return nil, false, err
	}
	if c.cache.ItemCount() < c.cfg.CacheMax {
		c.cache.SetDefault(d.Name, entry)
	}
	return entry, false, nil
}

func build(d *recipe.Definition, hash string) (*Compiled, error) {
	urlTpl, err := recipe.ParseTemplate(d.Request.URLTemplate)
	if err != nil {
		return nil, fmt.Errorf("compile: url template: %w", err)
	}

	var bodyTpl *recipe.Template
	if d.Request.BodyTemplate != "" {
		bodyTpl, err = recipe.ParseTemplate(d.Request.BodyTemplate)
		if err != nil {
			return nil, fmt.Errorf("compile: body template: %w", err)
		}
	}

	selector, err := checkExtraction(d.Request.ResponseKind, d.Request.Extraction)
	if err != nil {
		return nil, err
	}

	domains := make(map[string]bool, len(d.Request.AllowedDomains))
	for _, dom := range d.Request.AllowedDomains {
		domains[strings.ToLower(dom)] = true
	}

	return &Compiled{
		Hash:           hash,
		Def:            d,
		URL:            urlTpl,
		Body:           bodyTpl,
		Extraction:     d.Request.Extraction,
		Selector:       selector,
		AllowedDomains: domains,
	}, nil
}

// checkExtraction restricts extraction to plain selection expressions per
// response kind: a gjson path without modifiers or queries for JSON, a
// parseable CSS selector for HTML. An expression is a pointer into the
// response, not a program.
func checkExtraction(kind recipe.ResponseKind, path string) (cascadia.Selector, error) {
	if path == "" {
		return nil, nil
	}
	switch kind {
	case recipe.ResponseJSON:
		for _, r := range path {
			if r <= ' ' || r == 0x7f {
				return nil, fmt.Errorf("compile: extraction %q: whitespace or control character", path)
			}
		}
		if strings.Contains(path, "@") {
			return nil, fmt.Errorf("compile: extraction %q: modifiers not allowed", path)
		}
		if strings.Contains(path, "#(") {
			return nil, fmt.Errorf("compile: extraction %q: queries not allowed", path)
		}
		if strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") || strings.Contains(path, "..") {
			return nil, fmt.Errorf("compile: extraction %q: empty path segment", path)
		}
		return nil, nil
	case recipe.ResponseHTML:
		sel, err := cascadia.Compile(path)
		if err != nil {
			return nil, fmt.Errorf("compile: extraction %q: bad selector: %v", path, err)
		}
		return sel, nil
	default:
		return nil, fmt.Errorf("compile: extraction set on %s response", kind)
	}
}
