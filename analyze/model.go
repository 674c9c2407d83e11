package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/recette/candidate"
)

// Model is the language-model collaborator. It receives a prompt built
// from the bounded candidate set — never the raw recording — and returns
// text the engine treats as untrusted.
type Model interface {
	Complete(ctx context.Context, promptVersion, prompt string) (string, error)
}

// ModelOutcome tags how the model behaved on one call.
type ModelOutcome string

const (
	OutcomeWellFormed ModelOutcome = "well_formed"
	OutcomeMalformed  ModelOutcome = "malformed"
	OutcomeRefused    ModelOutcome = "refused"
)

// modelSelection is the only shape the model may answer with.
type modelSelection struct {
	CandidateID string `json:"candidate_id"`
	// Extraction is an index into the pre-computed extraction candidates
	// for the chosen exchange. -1 means no extraction.
	Extraction int `json:"extraction"`
	// Refused is set by models that decline the task.
	Refused bool   `json:"refused,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// analyzeWithModel runs the model-assisted path: classification over the
// shortlist, then the same draft construction as the heuristic path.
// A malformed or refused answer degrades to manual selection, never to a
// fatal pipeline error.
func (a *Analyzer) analyzeWithModel(ctx context.Context, taskText string, set *candidate.Set) (*Analysis, error) {
	prompt := buildPrompt(taskText, set)

	raw, err := a.model.Complete(ctx, a.cfg.PromptVersion, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: model call failed: %v", ErrNeedsManualSelection, err)
	}

	sel, outcome := parseSelection(raw)
	switch outcome {
	case OutcomeRefused:
		a.cfg.Logger.Warn("analyze: model refused", "task", set.TaskID, "reason", sel.Reason)
		return nil, fmt.Errorf("%w: model refused", ErrNeedsManualSelection)
	case OutcomeMalformed:
		a.cfg.Logger.Warn("analyze: malformed model output", "task", set.TaskID)
		return nil, fmt.Errorf("%w: malformed model output", ErrNeedsManualSelection)
	}

	chosen := set.ByID(sel.CandidateID)
	if chosen == nil {
		a.cfg.Logger.Warn("analyze: model chose unknown candidate",
			"task", set.TaskID, "candidate", sel.CandidateID)
		return nil, fmt.Errorf("%w: unknown candidate %q", ErrNeedsManualSelection, sel.CandidateID)
	}

	cands := ExtractionCandidates(chosen.Sample)
	extraction := ""
	if sel.Extraction >= 0 && sel.Extraction < len(cands) {
		extraction = cands[sel.Extraction]
	}

	draft, err := buildDraft(chosen, taskText, extraction)
	if err != nil {
		return nil, fmt.Errorf("analyze: model draft: %w", err)
	}
	a.cfg.Logger.Info("analyze: model selection",
		"task", set.TaskID, "exchange", chosen.ExchangeID, "extraction", extraction)
	return &Analysis{
		Schema:       SchemaVersion,
		TaskID:       set.TaskID,
		Strategy:     StrategyModel,
		ExchangeID:   chosen.ExchangeID,
		Draft:        draft,
		ModelOutcome: OutcomeWellFormed,
	}, nil
}

// buildPrompt renders the bounded shortlist for classification. Samples
// are already redacted and size-capped by the recording stage.
func buildPrompt(taskText string, set *candidate.Set) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(taskText)
	b.WriteString("\n\nPick the one request that carried the task's data.\n")
	b.WriteString("Answer with JSON only: {\"candidate_id\": \"...\", \"extraction\": N}\n")
	b.WriteString("where extraction indexes the listed expressions (-1 for none).\n\n")
	for _, c := range set.Candidates {
		fmt.Fprintf(&b, "id=%s %s %s status=%d type=%s size=%d\n",
			c.ExchangeID, c.Method, c.URL, c.Status, c.ContentClass, c.BodySize)
		for i, e := range ExtractionCandidates(c.Sample) {
			if e == "" {
				continue
			}
			fmt.Fprintf(&b, "  extraction[%d] = %s\n", i, e)
		}
		if c.Sample != "" {
			fmt.Fprintf(&b, "  sample: %s\n", firstLine(c.Sample, 200))
		}
	}
	return b.String()
}

// parseSelection classifies raw model output into the tagged outcome.
// It tolerates code fences and leading prose around the JSON object.
func parseSelection(raw string) (modelSelection, ModelOutcome) {
	var sel modelSelection

	text := strings.TrimSpace(raw)
	if start := strings.IndexByte(text, '{'); start >= 0 {
		if end := strings.LastIndexByte(text, '}'); end > start {
			text = text[start : end+1]
		}
	}
	if err := json.Unmarshal([]byte(text), &sel); err != nil {
		return sel, OutcomeMalformed
	}
	if sel.Refused {
		return sel, OutcomeRefused
	}
	if sel.CandidateID == "" {
		return sel, OutcomeMalformed
	}
	return sel, OutcomeWellFormed
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max]
	}
	return s
}
