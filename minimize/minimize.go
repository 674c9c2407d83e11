// Package minimize strips a recipe draft down to the request that still
// works: every header and constant query key is removed one at a time,
// the reduced draft is replayed, and the removal sticks only when the
// probe succeeds with a matching response fingerprint. Fewer moving parts
// means fewer ways for the recipe to rot.
package minimize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/hazyhaar/recette/fingerprint"
	"github.com/hazyhaar/recette/recipe"
	"github.com/hazyhaar/recette/runner"
)

// SchemaVersion tags persisted minimization reports.
const SchemaVersion = 1

// Executor replays a candidate draft. Satisfied by runner.Runner.
type Executor interface {
	Execute(ctx context.Context, def *recipe.Definition, params map[string]string, opts runner.Options) *recipe.ExecutionResult
}

// Config configures the Minimizer.
type Config struct {
	// MaxProbes caps replay probes per minimization. Default: 32.
	MaxProbes int
	// Budget caps wall-clock time per minimization. Default: 2m.
	Budget time.Duration
	// ProbeTTL bounds reuse of cached probe outcomes. Default: 5m.
	ProbeTTL time.Duration
	// Pace is the delay between live probes against the target host.
	// Default: 500ms.
	Pace   time.Duration
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxProbes <= 0 {
		c.MaxProbes = 32
	}
	if c.Budget <= 0 {
		c.Budget = 2 * time.Minute
	}
	if c.ProbeTTL <= 0 {
		c.ProbeTTL = 5 * time.Minute
	}
	if c.Pace <= 0 {
		c.Pace = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Report is the persisted outcome of one minimization.
type Report struct {
	Schema         int               `json:"schema"`
	Minimized      recipe.Definition `json:"minimized"`
	RemovedHeaders []string          `json:"removed_headers,omitempty"`
	RemovedQuery   []string          `json:"removed_query,omitempty"`
	Probes         int               `json:"probes"`
	CachedProbes   int               `json:"cached_probes"`
	// Exhausted is set when the probe or time budget ran out before every
	// removal was tried. The draft kept at that point is still valid.
	Exhausted bool          `json:"exhausted,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Minimizer runs single-pass reduction with cached probes.
type Minimizer struct {
	cfg   Config
	exec  Executor
	cache *gocache.Cache
}

// New creates a Minimizer over exec.
func New(exec Executor, cfg Config) *Minimizer {
	cfg.defaults()
	return &Minimizer{
		cfg:   cfg,
		exec:  exec,
		cache: gocache.New(cfg.ProbeTTL, 2*cfg.ProbeTTL),
	}
}

// Minimize reduces draft against baseline using params as the replay
// input. It returns the report with the reduced draft; the input draft is
// never mutated.
func (m *Minimizer) Minimize(ctx context.Context, draft *recipe.Definition, params map[string]string, baseline *fingerprint.Fingerprint) (*Report, error) {
	start := time.Now()
	deadline := start.Add(m.cfg.Budget)

	kept := cloneDef(draft)
	report := &Report{Schema: SchemaVersion}

	// Fingerprints only exist for JSON responses, so a reduction against
	// any other kind can never hold. Keep the draft whole instead of
	// burning probes against the live target.
	if draft.Request.ResponseKind != recipe.ResponseJSON {
		report.Minimized = *kept
		report.Elapsed = time.Since(start)
		m.cfg.Logger.Info("minimize: skipped",
			"recipe", draft.Name, "response_kind", draft.Request.ResponseKind)
		return report, nil
	}

	// Headers first: they are the usual dead weight. Sorted for a
	// deterministic probe order.
	names := make([]string, 0, len(kept.Request.Headers))
	for name := range kept.Request.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if m.spent(report, deadline) {
			break
		}
		candidate := cloneDef(kept)
		delete(candidate.Request.Headers, name)
		if m.probe(ctx, candidate, params, baseline, report) {
			kept = candidate
			report.RemovedHeaders = append(report.RemovedHeaders, name)
		}
	}

	// Then constant query keys. Keys bound to declared parameters carry
	// the recipe's inputs and are not candidates.
	for _, key := range constantQueryKeys(kept) {
		if m.spent(report, deadline) {
			break
		}
		candidate := cloneDef(kept)
		candidate.Request.URLTemplate = dropQueryKey(candidate.Request.URLTemplate, key)
		if m.probe(ctx, candidate, params, baseline, report) {
			kept = candidate
			report.RemovedQuery = append(report.RemovedQuery, key)
		}
	}

	report.Minimized = *kept
	report.Elapsed = time.Since(start)
	m.cfg.Logger.Info("minimize: done",
		"recipe", draft.Name,
		"removed_headers", len(report.RemovedHeaders),
		"removed_query", len(report.RemovedQuery),
		"probes", report.Probes, "cached", report.CachedProbes,
		"exhausted", report.Exhausted)
	return report, nil
}

func (m *Minimizer) spent(report *Report, deadline time.Time) bool {
	if report.Probes >= m.cfg.MaxProbes || time.Now().After(deadline) {
		report.Exhausted = true
		return true
	}
	return false
}

// probe replays candidate and reports whether the reduction held. Probe
// outcomes are cached by request signature so a repeated shape is never
// re-sent to the target.
func (m *Minimizer) probe(ctx context.Context, candidate *recipe.Definition, params map[string]string, baseline *fingerprint.Fingerprint, report *Report) bool {
	sig := requestSignature(candidate, params)
	if v, ok := m.cache.Get(sig); ok {
		report.CachedProbes++
		return v.(bool)
	}

	if report.Probes > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.cfg.Pace):
		}
	}
	report.Probes++

	res := m.exec.Execute(ctx, candidate, params, runner.Options{Baseline: baseline})
	held := res.OK && res.FingerprintMatch != nil && *res.FingerprintMatch
	m.cache.SetDefault(sig, held)
	return held
}

// constantQueryKeys lists query keys whose value carries no placeholder,
// in template order.
func constantQueryKeys(d *recipe.Definition) []string {
	_, query, ok := strings.Cut(d.Request.URLTemplate, "?")
	if !ok {
		return nil
	}
	var keys []string
	for _, part := range strings.Split(query, "&") {
		key, value, _ := strings.Cut(part, "=")
		if key == "" || strings.Contains(value, "{") {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// dropQueryKey removes key from the template's query string textually,
// preserving placeholder syntax everywhere else.
func dropQueryKey(tpl, key string) string {
	base, query, ok := strings.Cut(tpl, "?")
	if !ok {
		return tpl
	}
	parts := strings.Split(query, "&")
	remaining := parts[:0]
	for _, part := range parts {
		k, _, _ := strings.Cut(part, "=")
		if k != key {
			remaining = append(remaining, part)
		}
	}
	if len(remaining) == 0 {
		return base
	}
	return base + "?" + strings.Join(remaining, "&")
}

func cloneDef(d *recipe.Definition) *recipe.Definition {
	out := *d
	if d.Request.Headers != nil {
		out.Request.Headers = make(map[string]string, len(d.Request.Headers))
		for k, v := range d.Request.Headers {
			out.Request.Headers[k] = v
		}
	}
	out.Params = append([]recipe.Parameter(nil), d.Params...)
	out.Request.AllowedDomains = append([]string(nil), d.Request.AllowedDomains...)
	return &out
}

// requestSignature digests the shape of the candidate request plus its
// replay input. Two probes with the same signature would hit the target
// identically.
func requestSignature(d *recipe.Definition, params map[string]string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", d.Request.Method, d.Request.URLTemplate, d.Request.BodyTemplate)

	hdr := make([]string, 0, len(d.Request.Headers))
	for k, v := range d.Request.Headers {
		hdr = append(hdr, k+":"+v)
	}
	sort.Strings(hdr)
	for _, kv := range hdr {
		fmt.Fprintf(h, "%s\x00", kv)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x00", k, params[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
