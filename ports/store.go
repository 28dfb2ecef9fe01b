package ports

import (
	"context"

	"traitspace/domain/core"
	"traitspace/domain/space"
)

// TrialRecord is one persisted trial result: a single volume (or other scalar
// statistic) under a named model, keyed by the run fingerprint.
type TrialRecord struct {
	Fingerprint core.Fingerprint
	Model       string // e.g. "column-shuffle", "extinction", "random-removal"
	Trial       int
	Value       float64
	Failed      bool
	FailReason  string
}

// TrialStore checkpoints per-trial results to stable storage so an
// interrupted run resumes without recomputing completed trials, and a re-run
// with an identical fingerprint is a lookup rather than hours of computation.
type TrialStore interface {
	// SaveTrial upserts a single trial result.
	SaveTrial(ctx context.Context, rec TrialRecord) error

	// CompletedTrials returns the set of trial indices already stored for
	// (fingerprint, model), including failed ones.
	CompletedTrials(ctx context.Context, fp core.Fingerprint, model string) (map[int]TrialRecord, error)

	// Values returns the successful trial values for (fingerprint, model) in
	// trial order, plus the count of failed trials excluded.
	Values(ctx context.Context, fp core.Fingerprint, model string) ([]float64, int, error)

	// SaveManifest persists the run manifest.
	SaveManifest(ctx context.Context, m space.RunManifest) error

	Close() error
}
