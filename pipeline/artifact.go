package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/recette/store"
)

// Stage names; one artifact per stage per attempt.
const (
	StageRecording  = "recording"
	StageCandidates = "candidates"
	StageAnalysis   = "analysis"
	StageDraft      = "draft"
	StageBaseline   = "baseline"
	StageMinimize   = "minimize"
	StageVerify     = "verify"
)

// ErrSchemaMismatch is returned when a stored artifact carries a schema
// version other than the one the current code writes. Resume fails
// explicitly instead of reinterpreting stale data.
var ErrSchemaMismatch = errors.New("pipeline: artifact schema mismatch")

// ErrNoArtifact is returned when the requested stage artifact does not
// exist for the task.
var ErrNoArtifact = errors.New("pipeline: no artifact")

// envelope wraps every persisted stage payload with its provenance.
type envelope struct {
	Schema    int             `json:"schema"`
	Stage     string          `json:"stage"`
	TaskID    string          `json:"task_id"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// artifacts writes stage documents atomically under dir/<task-id>/ with
// owner-only permissions and records each in the store's artifact index.
type artifacts struct {
	dir    string
	store  *store.Store
	logger *slog.Logger
}

func (a *artifacts) path(taskID, stage string, attempt int) string {
	return filepath.Join(a.dir, taskID, fmt.Sprintf("%s_%d.json", stage, attempt))
}

// write persists one stage payload: temp file in the same directory, then
// rename, so a crash never leaves a half-written artifact behind.
func (a *artifacts) write(ctx context.Context, taskID, stage string, attempt, schema int, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pipeline: marshal %s payload: %w", stage, err)
	}
	doc, err := json.Marshal(envelope{
		Schema:    schema,
		Stage:     stage,
		TaskID:    taskID,
		Attempt:   attempt,
		CreatedAt: time.Now().UTC(),
		Payload:   raw,
	})
	if err != nil {
		return fmt.Errorf("pipeline: marshal %s envelope: %w", stage, err)
	}

	dst := a.path(taskID, stage, attempt)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fmt.Errorf("pipeline: artifact dir: %w", err)
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o600); err != nil {
		return fmt.Errorf("pipeline: write %s: %w", stage, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("pipeline: rename %s: %w", stage, err)
	}

	digest := sha256.Sum256(doc)
	if a.store != nil {
		if err := a.store.PutArtifact(ctx, &store.ArtifactRef{
			TaskID:    taskID,
			Stage:     stage,
			Attempt:   attempt,
			SchemaVer: schema,
			Digest:    hex.EncodeToString(digest[:]),
			Path:      dst,
		}); err != nil {
			return err
		}
	}
	a.logger.Debug("pipeline: artifact written", "task", taskID, "stage", stage, "attempt", attempt)
	return nil
}

// load reads one stage artifact and unmarshals its payload into out after
// the schema check.
func (a *artifacts) load(taskID, stage string, attempt, wantSchema int, out any) error {
	doc, err := os.ReadFile(a.path(taskID, stage, attempt))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s/%s attempt %d", ErrNoArtifact, taskID, stage, attempt)
	}
	if err != nil {
		return fmt.Errorf("pipeline: read %s: %w", stage, err)
	}

	var env envelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return fmt.Errorf("pipeline: decode %s envelope: %w", stage, err)
	}
	if env.Schema != wantSchema {
		return fmt.Errorf("%w: %s artifact is schema %d, this build reads %d; re-run the task instead of resuming",
			ErrSchemaMismatch, stage, env.Schema, wantSchema)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("pipeline: decode %s payload: %w", stage, err)
	}
	return nil
}

// has reports whether a stage artifact exists on disk.
func (a *artifacts) has(taskID, stage string, attempt int) bool {
	_, err := os.Stat(a.path(taskID, stage, attempt))
	return err == nil
}
