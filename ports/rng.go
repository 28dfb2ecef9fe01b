package ports

import (
	"context"
	"math/rand"
)

// RNG hands out seeded random number generators for deterministic stages.
// Every unit of parallel work gets its own stream derived from the base seed
// and the unit index, so results are reproducible regardless of scheduling
// order.
type RNG interface {
	// SeededStream creates a deterministic generator for a named operation.
	SeededStream(ctx context.Context, name string, seed int64) (*rand.Rand, error)

	// TrialStream creates the generator for one trial of a named stage:
	// seed = base seed + trial index, namespaced by the stage name.
	TrialStream(ctx context.Context, stage string, baseSeed int64, trial int) (*rand.Rand, error)
}
