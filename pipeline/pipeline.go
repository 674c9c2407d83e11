// Package pipeline runs the offline learning sequence: drive the browser
// agent once, distill the recording into a ranked candidate set, analyze,
// validate, take a baseline fingerprint from a real replay, minimize, and
// hand the draft to the verifier. Every stage emits one immutable,
// schema-tagged artifact; a failed or low-confidence stage short-circuits
// into one of three terminal outcomes instead of degrading silently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/recette/analyze"
	"github.com/hazyhaar/recette/candidate"
	"github.com/hazyhaar/recette/fingerprint"
	"github.com/hazyhaar/recette/idgen"
	"github.com/hazyhaar/recette/minimize"
	"github.com/hazyhaar/recette/recipe"
	"github.com/hazyhaar/recette/recording"
	"github.com/hazyhaar/recette/runner"
	"github.com/hazyhaar/recette/store"
	"github.com/hazyhaar/recette/verify"
)

// Outcome is the terminal state of one learning run.
type Outcome string

const (
	// OutcomeSavedDraft: a working recipe was persisted (possibly already
	// promoted to verified by the closing verification pass).
	OutcomeSavedDraft Outcome = "saved-draft"
	// OutcomeNeedsManualSelection: neither analysis strategy produced a
	// usable selection; a human must pick the candidate.
	OutcomeNeedsManualSelection Outcome = "needs-manual-selection"
	// OutcomeNotRecipeAble: the task's traffic does not reduce to a
	// replayable request.
	OutcomeNotRecipeAble Outcome = "not-recipe-able"
)

// BrowserAgent is the external automation collaborator. It receives the
// task text plus optional recipe hints and returns the answer text, the
// captured traffic, and the final page URL. Everything it returns is
// untrusted input.
type BrowserAgent interface {
	Run(ctx context.Context, taskText string, hints []string) (*AgentResult, error)
}

// AgentResult is what one browser run hands back.
type AgentResult struct {
	Answer    string
	FinalURL  string
	StartedAt time.Time
	Exchanges []recording.RawExchange
}

// Executor replays drafts during learning. Satisfied by runner.Runner.
type Executor interface {
	Execute(ctx context.Context, def *recipe.Definition, params map[string]string, opts runner.Options) *recipe.ExecutionResult
}

// Task is one learning request.
type Task struct {
	// ID is assigned when empty. Re-running with an existing ID resumes
	// from the stored recording artifact instead of driving the browser
	// again.
	ID    string
	Text  string
	Hints []string
	// ExtraParamSets are additional example parameter sets, used by the
	// verifier to prove a parameterization across distinct inputs.
	ExtraParamSets []map[string]string
}

// Result is the terminal report of one learning run.
type Result struct {
	TaskID  string
	Outcome Outcome
	// Recipe is the persisted definition, nil unless the outcome saved one.
	Recipe  *recipe.Definition
	Reasons []string
	Verify  *verify.Report
}

// Config configures the Pipeline.
type Config struct {
	// ArtifactDir is the root of per-task artifact directories.
	ArtifactDir string
	// CandidateAttempts caps how many candidates are tried when the
	// validator rejects a draft. Default: 3.
	CandidateAttempts int
	Recording         recording.Config
	Candidate         candidate.Config
	Validate          recipe.ValidateConfig
	Fingerprint       fingerprint.Config
	Logger            *slog.Logger
}

func (c *Config) defaults() {
	if c.ArtifactDir == "" {
		c.ArtifactDir = "artifacts"
	}
	if c.CandidateAttempts <= 0 {
		c.CandidateAttempts = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pipeline wires the learning stages together.
type Pipeline struct {
	cfg       Config
	agent     BrowserAgent
	analyzer  *analyze.Analyzer
	exec      Executor
	minimizer *minimize.Minimizer
	verifier  *verify.Verifier
	store     *store.Store
	artifacts *artifacts
	newTaskID idgen.Generator
}

// New creates a Pipeline. agent and the analyzer's model are the only
// external collaborators; everything else is in-process.
func New(agent BrowserAgent, analyzer *analyze.Analyzer, exec Executor,
	minimizer *minimize.Minimizer, verifier *verify.Verifier, st *store.Store, cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{
		cfg:       cfg,
		agent:     agent,
		analyzer:  analyzer,
		exec:      exec,
		minimizer: minimizer,
		verifier:  verifier,
		store:     st,
		artifacts: &artifacts{dir: cfg.ArtifactDir, store: st, logger: cfg.Logger},
		newTaskID: idgen.Task,
	}
}

// recordingDoc is the recording-stage artifact payload. The answer text
// travels with the recording so a resumed task can re-rank candidates.
type recordingDoc struct {
	Recording *recording.Recording `json:"recording"`
	Answer    string               `json:"answer"`
}

// Learn runs the full learning sequence for one task. It returns an error
// only for infrastructure failures (agent, disk, store); every learning
// failure is a terminal Result.
func (p *Pipeline) Learn(ctx context.Context, task Task) (*Result, error) {
	if task.ID == "" {
		task.ID = p.newTaskID()
	}
	log := p.cfg.Logger.With("task", task.ID)
	res := &Result{TaskID: task.ID}

	// Stage: recording. The browser run is the expensive, unrepeatable
	// part; an existing artifact is resumed instead of re-driven.
	doc, err := p.record(ctx, task, log)
	if err != nil {
		return nil, err
	}

	// Stage: candidates.
	set := candidate.Rank(doc.Recording, task.Text, doc.Answer, p.cfg.Candidate)
	if err := p.artifacts.write(ctx, task.ID, StageCandidates, 1, candidate.SchemaVersion, set); err != nil {
		return nil, err
	}
	if len(set.Candidates) == 0 {
		return p.terminal(res, OutcomeNotRecipeAble, "no candidate exchanges in recording"), nil
	}

	// Stage: analysis + validation, routing to the next candidate when
	// the validator rejects a draft.
	draft, cand, terminalRes := p.analyzeAndValidate(ctx, task, set, res, log)
	if terminalRes != nil {
		return terminalRes, nil
	}
	if err := p.artifacts.write(ctx, task.ID, StageDraft, 1, analyze.SchemaVersion, draft); err != nil {
		return nil, err
	}

	// Stage: baseline. One real replay proves the draft executes before
	// anything persists, and its response shape becomes the baseline.
	params := analyze.ExampleParams(draft, cand.URL)
	baseline, execRes := p.takeBaseline(ctx, draft, params)
	if baseline == nil {
		return p.terminal(res, OutcomeNotRecipeAble,
			fmt.Sprintf("draft replay failed: %s (%s)", execRes.ErrorKind, execRes.ErrorMessage)), nil
	}
	if err := p.artifacts.write(ctx, task.ID, StageBaseline, 1, fingerprint.AlgorithmVersion, baseline); err != nil {
		return nil, err
	}

	// Stage: minimize. A budget-exhausted or failed minimization keeps the
	// unminimized draft; it is larger, not wrong.
	if p.minimizer != nil {
		report, err := p.minimizer.Minimize(ctx, draft, params, baseline)
		if err != nil {
			log.Warn("pipeline: minimize failed, keeping full draft", "error", err)
		} else {
			*draft = report.Minimized
			if err := p.artifacts.write(ctx, task.ID, StageMinimize, 1, minimize.SchemaVersion, report); err != nil {
				return nil, err
			}
		}
	}

	// Persist: the draft earned it with a successful replay.
	if err := p.store.PutDefinition(ctx, draft); err != nil {
		return nil, err
	}
	res.Recipe = draft
	res.Outcome = OutcomeSavedDraft

	// Stage: verify. Promotion failure is not a learning failure; the
	// draft stays saved either way.
	paramSets := append([]map[string]string{params}, task.ExtraParamSets...)
	report, err := p.verifier.Verify(ctx, draft, paramSets, baseline, transportHint(draft))
	if err != nil {
		log.Warn("pipeline: verification pass failed", "error", err)
		return res, nil
	}
	res.Verify = report
	if err := p.artifacts.write(ctx, task.ID, StageVerify, 1, verify.SchemaVersion, report); err != nil {
		return nil, err
	}
	if report.Status == recipe.StatusVerified {
		if err := p.store.PutDefinition(ctx, draft); err != nil {
			return nil, err
		}
	}
	if report.NeedsSecondExample {
		res.Reasons = append(res.Reasons, "needs-second-example")
	}
	log.Info("pipeline: learned", "recipe", draft.Name, "status", draft.Status,
		"outcome", res.Outcome)
	return res, nil
}

// record drives the browser agent, or resumes the stored recording for a
// task that already has one. A stored artifact with a different schema
// fails explicitly.
func (p *Pipeline) record(ctx context.Context, task Task, log *slog.Logger) (*recordingDoc, error) {
	if p.artifacts.has(task.ID, StageRecording, 1) {
		var doc recordingDoc
		if err := p.artifacts.load(task.ID, StageRecording, 1, recording.SchemaVersion, &doc); err != nil {
			return nil, err
		}
		log.Info("pipeline: resumed from stored recording")
		return &doc, nil
	}

	agentRes, err := p.agent.Run(ctx, task.Text, task.Hints)
	if err != nil {
		return nil, fmt.Errorf("pipeline: browser agent: %w", err)
	}
	rec := recording.New(task.ID, agentRes.FinalURL, agentRes.StartedAt, agentRes.Exchanges, p.cfg.Recording)
	doc := &recordingDoc{Recording: rec, Answer: agentRes.Answer}
	if err := p.artifacts.write(ctx, task.ID, StageRecording, 1, recording.SchemaVersion, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// analyzeAndValidate runs the analyzer and validator, dropping the
// selected candidate and retrying on a validation rejection. Returns the
// validated draft and its source candidate, or a terminal result.
func (p *Pipeline) analyzeAndValidate(ctx context.Context, task Task, set *candidate.Set, res *Result, log *slog.Logger) (*recipe.Definition, *candidate.Candidate, *Result) {
	for attempt := 1; attempt <= p.cfg.CandidateAttempts; attempt++ {
		analysis, err := p.analyzer.Analyze(ctx, task.Text, set)
		switch {
		case errors.Is(err, analyze.ErrNeedsManualSelection):
			return nil, nil, p.terminal(res, OutcomeNeedsManualSelection, err.Error())
		case errors.Is(err, analyze.ErrNoCandidates):
			return nil, nil, p.terminal(res, OutcomeNotRecipeAble, "candidates exhausted")
		case err != nil:
			return nil, nil, p.terminal(res, OutcomeNotRecipeAble, err.Error())
		}
		if werr := p.artifacts.write(ctx, task.ID, StageAnalysis, attempt, analyze.SchemaVersion, analysis); werr != nil {
			log.Warn("pipeline: analysis artifact write failed", "error", werr)
		}

		draft := analysis.Draft
		if verr := recipe.Validate(&draft, p.cfg.Validate); verr != nil {
			log.Info("pipeline: draft rejected, trying next candidate",
				"attempt", attempt, "exchange", analysis.ExchangeID, "error", verr)
			res.Reasons = append(res.Reasons, verr.Error())
			set = dropCandidate(set, analysis.ExchangeID)
			continue
		}
		return &draft, set.ByID(analysis.ExchangeID), nil
	}
	return nil, nil, p.terminal(res, OutcomeNotRecipeAble, "no candidate survived validation")
}

// takeBaseline replays the draft once without extraction so the baseline
// fingerprint covers the full response shape.
func (p *Pipeline) takeBaseline(ctx context.Context, draft *recipe.Definition, params map[string]string) (*fingerprint.Fingerprint, *recipe.ExecutionResult) {
	probe := *draft
	probe.Request.Extraction = ""
	execRes := p.exec.Execute(ctx, &probe, params, runner.Options{})
	if !execRes.OK {
		return nil, execRes
	}
	body := []byte(execRes.Value)
	if len(body) == 0 {
		body = execRes.Raw
	}
	return fingerprint.Take(body, p.cfg.Fingerprint), execRes
}

func (p *Pipeline) terminal(res *Result, outcome Outcome, reason string) *Result {
	res.Outcome = outcome
	if reason != "" {
		res.Reasons = append(res.Reasons, recording.Scrub(reason))
	}
	p.cfg.Logger.Info("pipeline: terminal outcome",
		"task", res.TaskID, "outcome", outcome, "reason", reason)
	return res
}

// transportHint picks the verification transport from the draft's
// parameter sources: the cheapest tier the sources allow.
func transportHint(def *recipe.Definition) recipe.TransportKind {
	hint := recipe.TransportDirect
	for _, p := range def.Params {
		switch p.Source {
		case recipe.SourcePage:
			return recipe.TransportInPage
		case recipe.SourceSession:
			hint = recipe.TransportSession
		}
	}
	return hint
}

// dropCandidate returns a copy of set without the named exchange.
func dropCandidate(set *candidate.Set, exchangeID string) *candidate.Set {
	out := &candidate.Set{Schema: set.Schema, TaskID: set.TaskID}
	for _, c := range set.Candidates {
		if c.ExchangeID != exchangeID {
			out.Candidates = append(out.Candidates, c)
		}
	}
	return out
}
