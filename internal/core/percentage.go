package core

import "github.com/twmb/murmur3"

// MaxPercentage is the exclusive upper bound of a percentage bucket.
const MaxPercentage = 1_000_000

type PercentageCalculator interface {
	Percentage(key, featureID string) int
}

// PercentageFunc adapts a plain function to PercentageCalculator.
type PercentageFunc func(key, featureID string) int

func (f PercentageFunc) Percentage(key, featureID string) int {
	return f(key, featureID)
}

// Murmur3Calculator buckets key+featureID with a seed-0 murmur3 32-bit hash.
// The bucket must agree with every other client evaluating the same identity.
type Murmur3Calculator struct{}

func (Murmur3Calculator) Percentage(key, featureID string) int {
	h := murmur3.Sum32([]byte(key + featureID))
	return int(float64(h) / (1 << 32) * MaxPercentage)
}
