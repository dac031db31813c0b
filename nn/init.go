package nn

import "math/rand"

// weightRand draws every initial weight. Not safe for concurrent use.
var weightRand = rand.New(rand.NewSource(1))

// SeedWeights makes subsequent layer initialization reproducible.
func SeedWeights(seed int64) {
	weightRand = rand.New(rand.NewSource(seed))
}
