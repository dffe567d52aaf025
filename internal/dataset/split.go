package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

// Split shuffles a copy of the samples with the given seed and returns the
// train and test partitions. The same seed always yields the same split.
func Split(samples []Sample, testFraction float64, seed uint64) ([]Sample, []Sample, error) {
	if testFraction < 0 || testFraction >= 1 {
		return nil, nil, fmt.Errorf("test fraction must be in [0, 1), got %v", testFraction)
	}

	shuffled := slices.Clone(samples)
	rng := rand.New(rand.NewPCG(seed, seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	nTest := int(math.Round(float64(len(shuffled)) * testFraction))
	return shuffled[nTest:], shuffled[:nTest], nil
}
