package store

// Schema contains the complete DDL for the recipe store.
//
// Definitions are immutable JSON documents and the source of truth;
// run-state counters are mutable and never required to reconstruct a
// definition, so they live in their own table. The artifacts table is an
// index over pipeline artifacts on disk, not the artifacts themselves.
const Schema = `
CREATE TABLE IF NOT EXISTS recipes (
    name        TEXT PRIMARY KEY,
    status      TEXT NOT NULL DEFAULT 'draft',
    content     TEXT NOT NULL,
    hash        TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recipes_status ON recipes(status);

CREATE TABLE IF NOT EXISTS run_state (
    name             TEXT PRIMARY KEY REFERENCES recipes(name) ON DELETE CASCADE,
    success_streak   INTEGER NOT NULL DEFAULT 0,
    failure_streak   INTEGER NOT NULL DEFAULT 0,
    last_used_at     INTEGER NOT NULL DEFAULT 0,
    last_fingerprint TEXT NOT NULL DEFAULT '',
    outcomes         TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS artifacts (
    task_id     TEXT NOT NULL,
    stage       TEXT NOT NULL,
    attempt     INTEGER NOT NULL,
    schema_ver  INTEGER NOT NULL,
    digest      TEXT NOT NULL,
    path        TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    PRIMARY KEY (task_id, stage, attempt)
);
CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id, created_at);
`
