// Package storage persists per-trial results and run manifests in an
// embedded SQLite database. Results are content-addressed by the run
// fingerprint (configuration + seed hash), so re-running an identical
// pipeline resumes from the completed trial set instead of recomputing
// hours of hypervolume fits.
package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"traitspace/domain/core"
	"traitspace/domain/space"
	"traitspace/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS trials (
    fingerprint TEXT    NOT NULL,
    model       TEXT    NOT NULL,
    trial       INTEGER NOT NULL,
    value       REAL    NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    fail_reason TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (fingerprint, model, trial)
);

CREATE TABLE IF NOT EXISTS manifests (
    run_id        TEXT PRIMARY KEY,
    fingerprint   TEXT    NOT NULL,
    seed          INTEGER NOT NULL,
    ensemble_size INTEGER NOT NULL,
    components    INTEGER NOT NULL,
    null_trials   INTEGER NOT NULL,
    failed_trials INTEGER NOT NULL,
    runtime_ms    INTEGER NOT NULL,
    created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trials_fp ON trials(fingerprint, model);
`

// SQLiteStore implements ports.TrialStore over a single SQLite file
// (":memory:" works for tests).
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

type trialRow struct {
	Fingerprint string  `db:"fingerprint"`
	Model       string  `db:"model"`
	Trial       int     `db:"trial"`
	Value       float64 `db:"value"`
	Failed      int     `db:"failed"`
	FailReason  string  `db:"fail_reason"`
}

// SaveTrial upserts a single trial result.
func (s *SQLiteStore) SaveTrial(ctx context.Context, rec ports.TrialRecord) error {
	failed := 0
	if rec.Failed {
		failed = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trials (fingerprint, model, trial, value, failed, fail_reason)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint, model, trial) DO UPDATE SET
			value       = excluded.value,
			failed      = excluded.failed,
			fail_reason = excluded.fail_reason
	`, rec.Fingerprint.String(), rec.Model, rec.Trial, rec.Value, failed, rec.FailReason)
	if err != nil {
		return fmt.Errorf("storage.SaveTrial: upsert %s/%s/%d: %w", rec.Fingerprint, rec.Model, rec.Trial, err)
	}
	return nil
}

// CompletedTrials returns every stored trial for (fingerprint, model),
// failed ones included, keyed by trial index.
func (s *SQLiteStore) CompletedTrials(ctx context.Context, fp core.Fingerprint, model string) (map[int]ports.TrialRecord, error) {
	var rows []trialRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT fingerprint, model, trial, value, failed, fail_reason
		FROM trials WHERE fingerprint = ? AND model = ?
	`, fp.String(), model)
	if err != nil {
		return nil, fmt.Errorf("storage.CompletedTrials: query: %w", err)
	}

	out := make(map[int]ports.TrialRecord, len(rows))
	for _, r := range rows {
		out[r.Trial] = ports.TrialRecord{
			Fingerprint: core.Fingerprint(r.Fingerprint),
			Model:       r.Model,
			Trial:       r.Trial,
			Value:       r.Value,
			Failed:      r.Failed == 1,
			FailReason:  r.FailReason,
		}
	}
	return out, nil
}

// Values returns the successful trial values in trial order plus the count
// of failed trials excluded from the distribution.
func (s *SQLiteStore) Values(ctx context.Context, fp core.Fingerprint, model string) ([]float64, int, error) {
	var rows []trialRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT fingerprint, model, trial, value, failed, fail_reason
		FROM trials WHERE fingerprint = ? AND model = ?
		ORDER BY trial ASC
	`, fp.String(), model)
	if err != nil {
		return nil, 0, fmt.Errorf("storage.Values: query: %w", err)
	}

	var values []float64
	failed := 0
	for _, r := range rows {
		if r.Failed == 1 {
			failed++
			continue
		}
		values = append(values, r.Value)
	}
	return values, failed, nil
}

// SaveManifest persists the run manifest.
func (s *SQLiteStore) SaveManifest(ctx context.Context, m space.RunManifest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manifests
			(run_id, fingerprint, seed, ensemble_size, components,
			 null_trials, failed_trials, runtime_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			failed_trials = excluded.failed_trials,
			runtime_ms    = excluded.runtime_ms
	`, m.RunID.String(), m.Fingerprint.String(), m.Seed, m.EnsembleSize, m.Components,
		m.NullTrials, m.FailedTrials, m.RuntimeMs, m.CreatedAt.Time())
	if err != nil {
		return fmt.Errorf("storage.SaveManifest: upsert %s: %w", m.RunID, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
