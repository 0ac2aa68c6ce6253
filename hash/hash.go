// Package hash implements the deterministic bounded-hash primitive that
// underlies every targeting and bucketing decision: a MurmurHash3-32 digest
// of a string, rescaled into [0, 1].
package hash

import (
	"github.com/spaolacci/murmur3"
)

// BaseSeed is the fixed seed used to hash a target's id into a per-target
// seed before deriving the rollout and bucketing hashes for a user.
const BaseSeed uint32 = 1

// MaxHashValue is 2^32-1, the divisor that rescales a 32-bit murmur3 digest
// into the [0, 1] unit interval (the largest digest maps to exactly 1.0).
const MaxHashValue = float64(4294967295)

// Murmur32 returns the raw MurmurHash3 x86_32 digest of input under seed.
func Murmur32(input string, seed uint32) uint32 {
	return murmur3.Sum32WithSeed([]byte(input), seed)
}

// Bounded hashes input under seed and rescales the digest into [0, 1].
func Bounded(input string, seed uint32) float64 {
	return float64(Murmur32(input, seed)) / MaxHashValue
}

// Bounded32 holds the two hashes derived for a given (bucketing value,
// target) pair: one used to decide rollout-stage membership, one used to
// walk a variation's cumulative distribution.
type Bounded32 struct {
	RolloutHash   float64
	BucketingHash float64
}

// Generate derives the rollout and bucketing hashes for bucketingValue under
// targetID: targetID is hashed first (seed BaseSeed) to obtain a per-target
// seed, which then seeds the two value hashes.
func Generate(bucketingValue, targetID string) Bounded32 {
	targetSeed := Murmur32(targetID, BaseSeed)
	return Bounded32{
		RolloutHash:   Bounded(bucketingValue+"_rollout", targetSeed),
		BucketingHash: Bounded(bucketingValue, targetSeed),
	}
}
