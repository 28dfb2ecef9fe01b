package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Fatal configuration errors: the pipeline cannot run at all.
	ErrColumnAllMissing  = errors.New("trait column entirely missing for group")
	ErrDegenerateMatrix  = errors.New("degenerate trait matrix")
	ErrZeroVarianceTrait = errors.New("zero-variance trait column")
	ErrTooFewTrials      = errors.New("trial count must be >= 1")
	ErrUnknownNullModel  = errors.New("unknown null model mode")

	// Lookup errors
	ErrNotFound        = errors.New("resource not found")
	ErrSpeciesNotFound = fmt.Errorf("%w: species", ErrNotFound)
	ErrTraitNotFound   = fmt.Errorf("%w: trait", ErrNotFound)
	ErrRunNotFound     = fmt.Errorf("%w: run", ErrNotFound)

	// Determinism errors
	ErrSeedMismatch = errors.New("seed mismatch")
	ErrHashMismatch = errors.New("fingerprint mismatch")
)

// StageError annotates a failure with the pipeline stage, the trial index
// (negative when not trial-scoped) and the offending input shape, so batch
// failures are attributable without re-running anything.
type StageError struct {
	Stage string
	Trial int
	Shape string
	Err   error
}

func (e *StageError) Error() string {
	if e.Trial >= 0 {
		return fmt.Sprintf("%s: trial %d (%s): %v", e.Stage, e.Trial, e.Shape, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.Shape, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err with stage context. Shape describes the input that
// triggered the failure, e.g. "218x7" or "column body_mass".
func NewStageError(stage string, trial int, shape string, err error) *StageError {
	return &StageError{Stage: stage, Trial: trial, Shape: shape, Err: err}
}

// IsFatalConfig reports whether err is an unrecoverable configuration error
// rather than a per-trial failure.
func IsFatalConfig(err error) bool {
	return errors.Is(err, ErrColumnAllMissing) ||
		errors.Is(err, ErrDegenerateMatrix) ||
		errors.Is(err, ErrZeroVarianceTrait) ||
		errors.Is(err, ErrTooFewTrials) ||
		errors.Is(err, ErrUnknownNullModel)
}

// IsNotFoundError reports whether err is any of the lookup errors.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}
