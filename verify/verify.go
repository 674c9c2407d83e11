// Package verify owns the recipe lifecycle. Nothing else moves a recipe
// between draft, verified, and deprecated: promotion takes consecutive
// matching replays (and, for parameterized recipes, proof across distinct
// parameter sets), demotion is immediate on fingerprint mismatch and
// deliberate on a run of failures. Deprecated is not a grave — a recipe
// that starts working again can be re-verified.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/recette/fingerprint"
	"github.com/hazyhaar/recette/recipe"
	"github.com/hazyhaar/recette/runner"
)

// SchemaVersion tags persisted verification reports.
const SchemaVersion = 1

// Executor replays a recipe. Satisfied by runner.Runner.
type Executor interface {
	Execute(ctx context.Context, def *recipe.Definition, params map[string]string, opts runner.Options) *recipe.ExecutionResult
}

// Config configures the Verifier.
type Config struct {
	// Replays is the number of consecutive matching replays required to
	// promote a parameterless recipe. Default: 2.
	Replays int
	// FailureRun is the consecutive-failure count that deprecates a
	// verified recipe. Default: 3.
	FailureRun int
	// OutcomeWindow is the last-N outcome history kept per recipe.
	// Default: 20.
	OutcomeWindow int
	// Pace is the delay between verification replays. Default: 500ms.
	Pace   time.Duration
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Replays <= 0 {
		c.Replays = 2
	}
	if c.FailureRun <= 0 {
		c.FailureRun = 3
	}
	if c.OutcomeWindow <= 0 {
		c.OutcomeWindow = 20
	}
	if c.Pace <= 0 {
		c.Pace = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Report is the persisted outcome of one verification attempt.
type Report struct {
	Schema int           `json:"schema"`
	Recipe string        `json:"recipe"`
	Status recipe.Status `json:"status"`
	// NeedsSecondExample is set when a parameterized recipe was offered
	// fewer than two distinct parameter sets. The status stays draft.
	NeedsSecondExample bool `json:"needs_second_example,omitempty"`
	Replays            int  `json:"replays"`
	// FailureKind records why a replay run failed, when it did.
	FailureKind recipe.ErrorKind `json:"failure_kind,omitempty"`
}

// Verifier is the single writer of recipe status.
type Verifier struct {
	cfg  Config
	exec Executor
	mu   sync.Mutex
}

// New creates a Verifier over exec.
func New(exec Executor, cfg Config) *Verifier {
	cfg.defaults()
	return &Verifier{cfg: cfg, exec: exec}
}

// Verify attempts to promote def to verified. Drafts and deprecated
// recipes are both eligible; re-verifying a deprecated recipe is how the
// engine self-heals. The replays and their pacing run unlocked so
// Observe is never parked behind an in-flight verification; the lock
// covers only the status read and the final transition.
func (v *Verifier) Verify(ctx context.Context, def *recipe.Definition, paramSets []map[string]string, baseline *fingerprint.Fingerprint, hint recipe.TransportKind) (*Report, error) {
	v.mu.Lock()
	status := def.Status
	v.mu.Unlock()

	if status == recipe.StatusVerified {
		return nil, fmt.Errorf("verify: %s is already verified", def.Name)
	}
	report := &Report{Schema: SchemaVersion, Recipe: def.Name, Status: status}

	if parameterized(def) {
		distinct := distinctSets(paramSets)
		if len(distinct) < 2 {
			report.NeedsSecondExample = true
			v.cfg.Logger.Info("verify: needs second example", "recipe", def.Name, "sets", len(distinct))
			return report, nil
		}
		paramSets = distinct
	} else {
		// Parameterless: the same call, replayed.
		paramSets = make([]map[string]string, v.cfg.Replays)
	}

	for i, params := range paramSets {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(v.cfg.Pace):
			}
		}
		res := v.exec.Execute(ctx, def, params, runner.Options{
			Baseline:  baseline,
			Transport: hint,
		})
		report.Replays++

		if authFailure(res.StatusCode) {
			report.FailureKind = recipe.KindValidationRejected
			v.cfg.Logger.Warn("verify: auth failure signal", "recipe", def.Name, "status", res.StatusCode)
			return report, nil
		}
		if !res.OK || res.FingerprintMatch == nil || !*res.FingerprintMatch {
			report.FailureKind = res.ErrorKind
			if report.FailureKind == "" {
				report.FailureKind = recipe.KindSchemaMismatch
			}
			v.cfg.Logger.Info("verify: replay did not hold",
				"recipe", def.Name, "replay", report.Replays, "kind", report.FailureKind)
			return report, nil
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if def.Status == recipe.StatusVerified {
		return nil, fmt.Errorf("verify: %s is already verified", def.Name)
	}
	def.Status = recipe.StatusVerified
	def.Verification = &recipe.Verification{
		FingerprintDigest: baseline.Digest(),
		AlgorithmVersion:  fingerprint.AlgorithmVersion,
		VerifiedAt:        time.Now().UTC(),
		TransportHint:     hint,
		RequiresSession:   def.RequiresSession(),
	}
	report.Status = recipe.StatusVerified
	v.cfg.Logger.Info("verify: promoted", "recipe", def.Name, "replays", report.Replays)
	return report, nil
}

// Observe applies one execution outcome to a verified recipe's run state
// and demotes when the rules trip: straight back to draft on a
// fingerprint mismatch (the endpoint answered, with a different shape),
// deprecated after a consecutive-failure run (the endpoint stopped
// answering usefully). Returns true when the status changed.
func (v *Verifier) Observe(def *recipe.Definition, state *recipe.RunState, res *recipe.ExecutionResult) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	state.Name = def.Name
	state.LastUsedAt = time.Now().UTC()
	state.Outcomes = append(state.Outcomes, res.OK)
	if n := len(state.Outcomes) - v.cfg.OutcomeWindow; n > 0 {
		state.Outcomes = state.Outcomes[n:]
	}
	if res.OK {
		state.SuccessStreak++
		state.FailureStreak = 0
	} else {
		state.FailureStreak++
		state.SuccessStreak = 0
	}

	if def.Status != recipe.StatusVerified {
		return false
	}

	if res.FingerprintMatch != nil && !*res.FingerprintMatch {
		def.Status = recipe.StatusDraft
		v.cfg.Logger.Warn("verify: demoted to draft on fingerprint mismatch", "recipe", def.Name)
		return true
	}
	if !res.OK && state.FailureStreak >= v.cfg.FailureRun {
		def.Status = recipe.StatusDeprecated
		v.cfg.Logger.Warn("verify: deprecated after failure run",
			"recipe", def.Name, "failures", state.FailureStreak)
		return true
	}
	return false
}

// parameterized reports whether the recipe takes caller or session/page
// input. Constant-only recipes verify by plain replay.
func parameterized(def *recipe.Definition) bool {
	for _, p := range def.Params {
		if p.Source != recipe.SourceConstant {
			return true
		}
	}
	return false
}

// distinctSets deduplicates parameter sets by content.
func distinctSets(sets []map[string]string) []map[string]string {
	seen := make(map[string]bool)
	var out []map[string]string
	for _, s := range sets {
		key := fmt.Sprintf("%v", sortedPairs(s))
		if !seen[key] {
			seen[key] = true
			out = append(out, s)
		}
	}
	return out
}

func sortedPairs(m map[string]string) []string {
	pairs := make([]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}

func authFailure(status int) bool {
	return status == http.StatusUnauthorized ||
		status == http.StatusForbidden ||
		status == http.StatusProxyAuthRequired
}
