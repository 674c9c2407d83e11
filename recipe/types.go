// Package recipe defines the data model of the replay engine: the persisted
// recipe definition, its parameters and lifecycle status, the closed error
// kinds, URL templates, and the validator that turns untrusted analyzer
// output into a safe draft.
package recipe

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a recipe. Transitions are owned
// exclusively by the verifier.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusVerified   Status = "verified"
	StatusDeprecated Status = "deprecated"
)

// TransportKind names one of the three HTTP execution tiers, in ascending
// order of risk.
type TransportKind string

const (
	// TransportDirect is session-free plain HTTP.
	TransportDirect TransportKind = "direct"
	// TransportSession is HTTP reusing a browser session's cookie state,
	// without script execution.
	TransportSession TransportKind = "session"
	// TransportInPage executes the call inside a live page. Last resort,
	// for true DOM/script dependencies only.
	TransportInPage TransportKind = "in_page"
)

// ParamSource declares where a parameter's value comes from. The source
// constrains which transports may run the recipe: session-derived values
// need the session tier, page-derived values need the in-page tier.
type ParamSource string

const (
	SourceCaller   ParamSource = "caller"
	SourceSession  ParamSource = "session"
	SourcePage     ParamSource = "page"
	SourceConstant ParamSource = "constant"
)

// ParamType is the declared value type of a parameter.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
	TypeBool   ParamType = "bool"
	// TypeOther marks values the learner could not classify. They are
	// treated as opaque strings with constraints still enforced.
	TypeOther ParamType = "other"
)

// Constraints bound the legal values of a parameter.
type Constraints struct {
	// Pattern is an optional anchored regular expression.
	Pattern string `json:"pattern,omitempty"`
	// Enum restricts the value to a fixed set.
	Enum []string `json:"enum,omitempty"`
	// MaxLen caps the value length in bytes. 0 means the default cap.
	MaxLen int `json:"max_len,omitempty"`
	// Value is the fixed value for constant-source parameters.
	Value string `json:"value,omitempty"`
}

// Parameter is one typed slot in a recipe's request template.
type Parameter struct {
	Name        string      `json:"name"`
	Type        ParamType   `json:"type"`
	Source      ParamSource `json:"source"`
	Constraints Constraints `json:"constraints,omitzero"`
}

// ResponseKind declares how a response body is interpreted.
type ResponseKind string

const (
	ResponseJSON ResponseKind = "json"
	ResponseHTML ResponseKind = "html"
	ResponseText ResponseKind = "text"
	// ResponseOther covers bodies the learner could not classify. They are
	// returned truncated and raw, never extracted from.
	ResponseOther ResponseKind = "other"
)

// RequestTemplate is the parameterized HTTP call at the heart of a recipe.
type RequestTemplate struct {
	// URLTemplate holds {name} placeholders for parameters. Placeholders
	// are legal in the path, query, headers, and body — never in the host.
	URLTemplate string `json:"url_template"`
	Method      string `json:"method"`
	// Headers is the minimal header set that survived minimization.
	// Values may contain placeholders.
	Headers map[string]string `json:"headers,omitempty"`
	// BodyTemplate is the optional request body with placeholders.
	BodyTemplate string       `json:"body_template,omitempty"`
	ResponseKind ResponseKind `json:"response_kind"`
	// Extraction is an optional expression evaluated against the response:
	// a gjson path for JSON, a CSS selector for HTML.
	Extraction string `json:"extraction,omitempty"`
	// AllowedDomains is the canonical set of hosts this recipe may contact,
	// derived from the template's own host. No wildcards.
	AllowedDomains []string `json:"allowed_domains"`
}

// Verification travels with a definition once the verifier has promoted it.
type Verification struct {
	FingerprintDigest string        `json:"fingerprint_digest"`
	AlgorithmVersion  int           `json:"algorithm_version"`
	VerifiedAt        time.Time     `json:"verified_at"`
	TransportHint     TransportKind `json:"transport_hint"`
	RequiresSession   bool          `json:"requires_session"`
}

// Definition is the immutable persisted form of a recipe — the source of
// truth. Mutable run-state counters live in a separate record (RunState).
type Definition struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Request      RequestTemplate `json:"request"`
	Params       []Parameter     `json:"params,omitempty"`
	Status       Status          `json:"status"`
	Verification *Verification   `json:"verification,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Param returns the named parameter, or nil.
func (d *Definition) Param(name string) *Parameter {
	for i := range d.Params {
		if d.Params[i].Name == name {
			return &d.Params[i]
		}
	}
	return nil
}

// RequiresSession reports whether any parameter source forces a
// session-carrying transport.
func (d *Definition) RequiresSession() bool {
	for _, p := range d.Params {
		if p.Source == SourceSession || p.Source == SourcePage {
			return true
		}
	}
	return false
}

// MarshalCanonical renders the definition as deterministic JSON. Content
// hashes (compiled-cache keys, artifact digests) are computed over this
// form so that semantically equal definitions hash equal.
func (d *Definition) MarshalCanonical() ([]byte, error) {
	// encoding/json sorts map keys and struct fields are in declaration
	// order, so a plain marshal is already deterministic.
	return json.Marshal(d)
}

// RunState is the mutable health record of one recipe, stored separately
// from the definition and never required to reconstruct it.
type RunState struct {
	Name            string    `json:"name"`
	SuccessStreak   int       `json:"success_streak"`
	FailureStreak   int       `json:"failure_streak"`
	LastUsedAt      time.Time `json:"last_used_at"`
	LastFingerprint string    `json:"last_fingerprint,omitempty"`
	// Outcomes is the last-N execution outcome window consumed by the
	// verifier's demotion rule. true = success.
	Outcomes []bool `json:"outcomes,omitempty"`
}

// Timings records per-stage durations of one execution.
type Timings struct {
	Compile  time.Duration `json:"compile"`
	Validate time.Duration `json:"validate"`
	Execute  time.Duration `json:"execute"`
	Extract  time.Duration `json:"extract"`
	Total    time.Duration `json:"total"`
}

// ExecutionResult is the envelope every external call returns.
type ExecutionResult struct {
	OK bool `json:"ok"`
	// Value is the extracted value when extraction succeeded: JSON text
	// for JSON responses, selected node text for HTML.
	Value string `json:"value,omitempty"`
	// Raw is the truncated raw payload when no extraction applies.
	Raw        []byte `json:"raw,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`

	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	// Reasons carries machine-readable reason codes for structured errors.
	Reasons []string `json:"reasons,omitempty"`
	// Retryable is computed only by the runner, never by analyzer output.
	Retryable bool   `json:"retryable"`
	Stage     string `json:"stage,omitempty"`

	Transport        TransportKind `json:"transport,omitempty"`
	RedirectHops     int           `json:"redirect_hops"`
	CacheHit         bool          `json:"cache_hit"`
	FingerprintMatch *bool         `json:"fingerprint_match,omitempty"`
	IdempotentReplay bool          `json:"idempotent_replay,omitempty"`
	Timings          Timings       `json:"timings"`
}
