// Package db stores build and run records plus the step layer cache in a
// local sqlite database.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	conn *sql.DB
}

const schema = `
	CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		image TEXT NOT NULL,
		digest TEXT,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		steps INTEGER NOT NULL,
		cache_hits INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT
	);
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		image TEXT NOT NULL,
		entrypoint TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		stdout TEXT,
		stderr TEXT
	);
	CREATE TABLE IF NOT EXISTS layer_cache (
		step_digest TEXT PRIMARY KEY,
		layer_digest TEXT NOT NULL,
		instruction TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
`

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init db schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

// BuildRecord is one build attempt, successful or not.
type BuildRecord struct {
	ID         string
	Image      string
	Digest     string
	StartedAt  time.Time
	DurationMs int64
	Steps      int
	CacheHits  int
	Status     string
	Error      string
}

// RunRecord is one entry-process execution.
type RunRecord struct {
	ID         int64
	Image      string
	Entrypoint string
	StartedAt  time.Time
	DurationMs int64
	ExitCode   int
	Stdout     string
	Stderr     string
}

func (d *DB) LogBuild(b BuildRecord) error {
	_, err := d.conn.Exec(`
		INSERT INTO builds (id, image, digest, started_at, duration_ms, steps, cache_hits, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.Image, b.Digest, b.StartedAt, b.DurationMs, b.Steps, b.CacheHits, b.Status, b.Error)
	return err
}

func (d *DB) LogRun(r RunRecord) error {
	_, err := d.conn.Exec(`
		INSERT INTO runs (image, entrypoint, started_at, duration_ms, exit_code, stdout, stderr)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.Image, r.Entrypoint, r.StartedAt, r.DurationMs, r.ExitCode, r.Stdout, r.Stderr)
	return err
}

// CachedLayer looks up the committed layer for a step digest chain.
func (d *DB) CachedLayer(stepDigest string) (string, bool, error) {
	var layerDigest string
	err := d.conn.QueryRow(`
		SELECT layer_digest FROM layer_cache WHERE step_digest = ?
	`, stepDigest).Scan(&layerDigest)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return layerDigest, true, nil
}

func (d *DB) SaveLayer(stepDigest, layerDigest, instruction string) error {
	_, err := d.conn.Exec(`
		INSERT OR REPLACE INTO layer_cache (step_digest, layer_digest, instruction, created_at)
		VALUES (?, ?, ?, ?)
	`, stepDigest, layerDigest, instruction, time.Now().UTC())
	return err
}

func (d *DB) Builds(limit int) ([]BuildRecord, error) {
	rows, err := d.conn.Query(`
		SELECT id, image, digest, started_at, duration_ms, steps, cache_hits, status, error
		FROM builds ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BuildRecord
	for rows.Next() {
		var b BuildRecord
		if err := rows.Scan(&b.ID, &b.Image, &b.Digest, &b.StartedAt, &b.DurationMs, &b.Steps, &b.CacheHits, &b.Status, &b.Error); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (d *DB) Runs(limit int) ([]RunRecord, error) {
	rows, err := d.conn.Query(`
		SELECT id, image, entrypoint, started_at, duration_ms, exit_code, stdout, stderr
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.Image, &r.Entrypoint, &r.StartedAt, &r.DurationMs, &r.ExitCode, &r.Stdout, &r.Stderr); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
