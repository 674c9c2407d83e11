// Package analyze turns a ranked candidate shortlist into a recipe draft.
//
// Two strategies emit one schema. The heuristic path runs when the top
// candidate clears a confidence threshold with a clear margin over the
// runner-up — no external call. Otherwise the model-assisted path asks a
// language model to pick one candidate by id and choose among pre-computed
// extraction expressions: classification, not generation. Output from
// either path is untrusted and must pass recipe.Validate before anything
// executes or persists.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/recette/candidate"
	"github.com/hazyhaar/recette/recipe"
)

// SchemaVersion tags persisted analysis artifacts.
const SchemaVersion = 1

// Strategy names the path that produced an analysis.
type Strategy string

const (
	StrategyHeuristic Strategy = "heuristic"
	StrategyModel     Strategy = "model"
)

// ErrNoCandidates is returned for an empty candidate set.
var ErrNoCandidates = errors.New("analyze: no candidates")

// ErrNeedsManualSelection is returned when neither strategy produced a
// usable selection. The pipeline turns this into a terminal
// needs-manual-selection outcome, never a silent failure.
var ErrNeedsManualSelection = errors.New("analyze: needs manual selection")

// Analysis is the single output schema of both strategies.
type Analysis struct {
	Schema     int      `json:"schema"`
	TaskID     string   `json:"task_id"`
	Strategy   Strategy `json:"strategy"`
	ExchangeID string   `json:"exchange_id"`
	// Draft is the unvalidated recipe draft. Nothing trusts it until
	// recipe.Validate has run.
	Draft recipe.Definition `json:"draft"`
	// ModelOutcome records how the model behaved (model strategy only).
	ModelOutcome ModelOutcome `json:"model_outcome,omitempty"`
}

// Config configures the Analyzer.
type Config struct {
	// MinScore is the absolute score the top candidate needs for the
	// heuristic path. Default: 6.0.
	MinScore float64
	// MinMargin is the required lead over the runner-up. Default: 2.0.
	MinMargin float64
	// PromptVersion tags model prompts so stored analyses are comparable.
	PromptVersion string
	Logger        *slog.Logger
}

func (c *Config) defaults() {
	if c.MinScore == 0 {
		c.MinScore = 6.0
	}
	if c.MinMargin == 0 {
		c.MinMargin = 2.0
	}
	if c.PromptVersion == "" {
		c.PromptVersion = "recette-analyze-v1"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Analyzer selects and parameterizes the money request.
type Analyzer struct {
	cfg   Config
	model Model
}

// New creates an Analyzer. model may be nil; the heuristic path then is
// the only strategy and everything below the confidence bar routes to
// manual selection.
func New(model Model, cfg Config) *Analyzer {
	cfg.defaults()
	return &Analyzer{cfg: cfg, model: model}
}

// Analyze produces a draft from the shortlist.
func (a *Analyzer) Analyze(ctx context.Context, taskText string, set *candidate.Set) (*Analysis, error) {
	if set == nil || len(set.Candidates) == 0 {
		return nil, ErrNoCandidates
	}

	if a.confident(set) {
		top := set.Top()
		draft, err := buildDraft(top, taskText, bestExtraction(top.Sample))
		if err != nil {
			return nil, fmt.Errorf("analyze: heuristic draft: %w", err)
		}
		a.cfg.Logger.Info("analyze: heuristic selection",
			"task", set.TaskID, "exchange", top.ExchangeID, "score", top.Score)
		return &Analysis{
			Schema:     SchemaVersion,
			TaskID:     set.TaskID,
			Strategy:   StrategyHeuristic,
			ExchangeID: top.ExchangeID,
			Draft:      draft,
		}, nil
	}

	if a.model == nil {
		return nil, ErrNeedsManualSelection
	}
	return a.analyzeWithModel(ctx, taskText, set)
}

// confident reports whether the top candidate clears the threshold with
// the required margin over the runner-up.
func (a *Analyzer) confident(set *candidate.Set) bool {
	top := set.Top()
	if top.Score < a.cfg.MinScore {
		return false
	}
	if len(set.Candidates) == 1 {
		return true
	}
	return top.Score-set.Candidates[1].Score >= a.cfg.MinMargin
}
