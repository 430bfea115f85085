// Package archive persists finished research runs and their sources to a
// relational database for later lookup.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	// Supported drivers.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fathomlabs/fathom/internal/config"
	"github.com/fathomlabs/fathom/internal/research"
)

// RunRecord is one archived run.
type RunRecord struct {
	RunID           string    `db:"run_id"`
	Topic           string    `db:"topic"`
	Status          string    `db:"status"`
	FinalText       string    `db:"final_text"`
	LoopCount       int       `db:"loop_count"`
	Queries         int       `db:"queries"`
	PartialFailures int       `db:"partial_failures"`
	StartedAt       time.Time `db:"started_at"`
	FinishedAt      time.Time `db:"finished_at"`
}

// SourceRecord is one archived source reference.
type SourceRecord struct {
	RunID    string `db:"run_id"`
	Label    string `db:"label"`
	URI      string `db:"uri"`
	ShortRef string `db:"short_ref"`
}

// Archive wraps the database handle.
type Archive struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New connects to the configured database and ensures the schema exists.
func New(cfg config.ArchiveConfig, logger *zap.Logger) (*Archive, error) {
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect archive database: %w", err)
	}
	a := &Archive{db: db, logger: logger}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Archive {
	return &Archive{db: db, logger: logger}
}

func (a *Archive) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS research_runs (
	run_id           TEXT PRIMARY KEY,
	topic            TEXT NOT NULL,
	status           TEXT NOT NULL,
	final_text       TEXT NOT NULL,
	loop_count       INTEGER NOT NULL,
	queries          INTEGER NOT NULL,
	partial_failures INTEGER NOT NULL,
	started_at       TIMESTAMP NOT NULL,
	finished_at      TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS research_run_sources (
	run_id    TEXT NOT NULL,
	label     TEXT NOT NULL,
	uri       TEXT NOT NULL,
	short_ref TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_sources_run_id ON research_run_sources (run_id);`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate archive schema: %w", err)
	}
	return nil
}

// SaveRun writes a run and its sources in one transaction.
func (a *Archive) SaveRun(ctx context.Context, result *research.Result, state *research.State) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
INSERT INTO research_runs
	(run_id, topic, status, final_text, loop_count, queries, partial_failures, started_at, finished_at)
VALUES
	(:run_id, :topic, :status, :final_text, :loop_count, :queries, :partial_failures, :started_at, :finished_at)`,
		RunRecord{
			RunID:           result.RunID,
			Topic:           state.Topic,
			Status:          string(result.Status),
			FinalText:       result.FinalText,
			LoopCount:       result.LoopCount,
			Queries:         result.Queries,
			PartialFailures: state.PartialFailures,
			StartedAt:       result.StartedAt,
			FinishedAt:      result.FinishedAt,
		})
	if err != nil {
		return fmt.Errorf("insert run %s: %w", result.RunID, err)
	}

	for _, src := range result.Sources {
		_, err = tx.NamedExecContext(ctx, `
INSERT INTO research_run_sources (run_id, label, uri, short_ref)
VALUES (:run_id, :label, :uri, :short_ref)`,
			SourceRecord{
				RunID:    result.RunID,
				Label:    src.Label,
				URI:      src.URI,
				ShortRef: src.ShortRef,
			})
		if err != nil {
			return fmt.Errorf("insert source for run %s: %w", result.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}

// GetRun loads one archived run with its sources.
func (a *Archive) GetRun(ctx context.Context, runID string) (*RunRecord, []SourceRecord, error) {
	var run RunRecord
	err := a.db.GetContext(ctx, &run,
		`SELECT run_id, topic, status, final_text, loop_count, queries, partial_failures, started_at, finished_at
		 FROM research_runs WHERE run_id = $1`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	var sources []SourceRecord
	err = a.db.SelectContext(ctx, &sources,
		`SELECT run_id, label, uri, short_ref FROM research_run_sources WHERE run_id = $1`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("load sources for %s: %w", runID, err)
	}
	return &run, sources, nil
}

// RecentRuns lists the newest archived runs.
func (a *Archive) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	var runs []RunRecord
	err := a.db.SelectContext(ctx, &runs,
		`SELECT run_id, topic, status, final_text, loop_count, queries, partial_failures, started_at, finished_at
		 FROM research_runs ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	return runs, nil
}

// Close releases the database handle.
// Ping reports whether the database is reachable.
func (a *Archive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *Archive) Close() error { return a.db.Close() }
