// Package store is the SQLite persistence layer: recipe definitions,
// their mutable run state, and the index of pipeline artifacts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/recette/compile"
	"github.com/hazyhaar/recette/dbopen"
	"github.com/hazyhaar/recette/recipe"
)

// Store is the recipe database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the recipe SQLite database at path with the
// standard pragmas and schema applied.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

const putRecipeSQL = `
	INSERT INTO recipes (name, status, content, hash, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		status = excluded.status,
		content = excluded.content,
		hash = excluded.hash,
		updated_at = excluded.updated_at`

const putRunStateSQL = `
	INSERT INTO run_state (name, success_streak, failure_streak, last_used_at, last_fingerprint, outcomes)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		success_streak = excluded.success_streak,
		failure_streak = excluded.failure_streak,
		last_used_at = excluded.last_used_at,
		last_fingerprint = excluded.last_fingerprint,
		outcomes = excluded.outcomes`

// definitionArgs prepares the upsert arguments for def.
func definitionArgs(def *recipe.Definition) ([]any, error) {
	content, err := def.MarshalCanonical()
	if err != nil {
		return nil, fmt.Errorf("store: marshal %s: %w", def.Name, err)
	}
	hash, err := compile.Hash(def)
	if err != nil {
		return nil, fmt.Errorf("store: hash %s: %w", def.Name, err)
	}
	now := time.Now().Unix()
	return []any{def.Name, string(def.Status), string(content), hash, now, now}, nil
}

func runStateArgs(state *recipe.RunState) ([]any, error) {
	outcomes, err := json.Marshal(state.Outcomes)
	if err != nil {
		return nil, fmt.Errorf("store: marshal outcomes: %w", err)
	}
	return []any{state.Name, state.SuccessStreak, state.FailureStreak,
		state.LastUsedAt.Unix(), state.LastFingerprint, string(outcomes)}, nil
}

// PutDefinition stores def as a JSON document keyed by name, replacing
// any previous version. The stored content hash lets readers detect a
// changed document without unmarshalling it.
func (s *Store) PutDefinition(ctx context.Context, def *recipe.Definition) error {
	args, err := definitionArgs(def)
	if err != nil {
		return err
	}
	if _, err := dbopen.Exec(ctx, s.DB, putRecipeSQL, args...); err != nil {
		return fmt.Errorf("store: put %s: %w", def.Name, err)
	}
	return nil
}

// PutDefinitionWithState writes a definition and its run state in one
// transaction. Demotions rewrite both; a crash between the two writes
// must not leave a demoted recipe with a stale health record.
func (s *Store) PutDefinitionWithState(ctx context.Context, def *recipe.Definition, state *recipe.RunState) error {
	defArgs, err := definitionArgs(def)
	if err != nil {
		return err
	}
	stateArgs, err := runStateArgs(state)
	if err != nil {
		return err
	}
	err = dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, putRecipeSQL, defArgs...); err != nil {
			return fmt.Errorf("store: put %s: %w", def.Name, err)
		}
		if _, err := tx.ExecContext(ctx, putRunStateSQL, stateArgs...); err != nil {
			return fmt.Errorf("store: put run state %s: %w", state.Name, err)
		}
		return nil
	})
	return err
}

// GetDefinition loads the named definition.
func (s *Store) GetDefinition(ctx context.Context, name string) (*recipe.Definition, error) {
	var content string
	err := s.DB.QueryRowContext(ctx,
		`SELECT content FROM recipes WHERE name = ?`, name).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", recipe.ErrNoSuchRecipe, name)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", name, err)
	}

	var def recipe.Definition
	if err := json.Unmarshal([]byte(content), &def); err != nil {
		return nil, fmt.Errorf("store: unmarshal %s: %w", name, err)
	}
	return &def, nil
}

// ListDefinitions returns definitions, filtered by status when status is
// non-empty, ordered by name.
func (s *Store) ListDefinitions(ctx context.Context, status recipe.Status) ([]*recipe.Definition, error) {
	query := `SELECT content FROM recipes ORDER BY name`
	args := []any{}
	if status != "" {
		query = `SELECT content FROM recipes WHERE status = ? ORDER BY name`
		args = append(args, string(status))
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []*recipe.Definition
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		var def recipe.Definition
		if err := json.Unmarshal([]byte(content), &def); err != nil {
			return nil, fmt.Errorf("store: list unmarshal: %w", err)
		}
		out = append(out, &def)
	}
	return out, rows.Err()
}

// DeleteDefinition removes the named recipe and its run state.
func (s *Store) DeleteDefinition(ctx context.Context, name string) error {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM recipes WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", recipe.ErrNoSuchRecipe, name)
	}
	return nil
}

// PutRunState upserts the mutable health record of a recipe.
func (s *Store) PutRunState(ctx context.Context, state *recipe.RunState) error {
	args, err := runStateArgs(state)
	if err != nil {
		return err
	}
	if _, err := dbopen.Exec(ctx, s.DB, putRunStateSQL, args...); err != nil {
		return fmt.Errorf("store: put run state %s: %w", state.Name, err)
	}
	return nil
}

// GetRunState loads the run state for name. A recipe that has never run
// gets a zero-valued state, not an error.
func (s *Store) GetRunState(ctx context.Context, name string) (*recipe.RunState, error) {
	state := &recipe.RunState{Name: name}
	var lastUsed int64
	var outcomes string
	err := s.DB.QueryRowContext(ctx, `
		SELECT success_streak, failure_streak, last_used_at, last_fingerprint, outcomes
		FROM run_state WHERE name = ?`, name).
		Scan(&state.SuccessStreak, &state.FailureStreak, &lastUsed, &state.LastFingerprint, &outcomes)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run state %s: %w", name, err)
	}
	if lastUsed > 0 {
		state.LastUsedAt = time.Unix(lastUsed, 0).UTC()
	}
	if err := json.Unmarshal([]byte(outcomes), &state.Outcomes); err != nil {
		return nil, fmt.Errorf("store: unmarshal outcomes %s: %w", name, err)
	}
	return state, nil
}

// ArtifactRef indexes one pipeline artifact on disk.
type ArtifactRef struct {
	TaskID    string
	Stage     string
	Attempt   int
	SchemaVer int
	Digest    string
	Path      string
	CreatedAt time.Time
}

// PutArtifact records one artifact in the index.
func (s *Store) PutArtifact(ctx context.Context, ref *ArtifactRef) error {
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO artifacts (task_id, stage, attempt, schema_ver, digest, path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, stage, attempt) DO UPDATE SET
			schema_ver = excluded.schema_ver,
			digest = excluded.digest,
			path = excluded.path,
			created_at = excluded.created_at`,
		ref.TaskID, ref.Stage, ref.Attempt, ref.SchemaVer, ref.Digest, ref.Path,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: put artifact %s/%s: %w", ref.TaskID, ref.Stage, err)
	}
	return nil
}

// ListArtifacts returns the indexed artifacts of a task in creation order.
func (s *Store) ListArtifacts(ctx context.Context, taskID string) ([]*ArtifactRef, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT task_id, stage, attempt, schema_ver, digest, path, created_at
		FROM artifacts WHERE task_id = ? ORDER BY created_at, stage`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*ArtifactRef
	for rows.Next() {
		ref := &ArtifactRef{}
		var created int64
		if err := rows.Scan(&ref.TaskID, &ref.Stage, &ref.Attempt, &ref.SchemaVer,
			&ref.Digest, &ref.Path, &created); err != nil {
			return nil, fmt.Errorf("store: artifact scan: %w", err)
		}
		ref.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, ref)
	}
	return out, rows.Err()
}
