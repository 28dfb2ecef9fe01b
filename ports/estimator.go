package ports

import (
	"traitspace/domain/traits"
)

// VolumeEstimator abstracts the hypervolume fit so trial runners (null model
// batches, extinction scenarios) can recompute volumes without depending on a
// concrete boundary implementation.
type VolumeEstimator interface {
	// Volume fits a boundary over the standardized matrix and returns its
	// Monte-Carlo volume estimate. seed controls the random point cloud.
	Volume(m *traits.TraitMatrix, seed int64) (float64, error)
}
