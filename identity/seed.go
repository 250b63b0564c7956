package identity

import (
	"crypto/sha256"
	"encoding/binary"
)

// RandomSeed derives the deterministic random seed for an invocation
// from its id. Every attempt of the same invocation sees the same seed,
// so handler-side pseudo-randomness replays identically.
func RandomSeed(invocationID []byte) uint64 {
	sum := sha256.Sum256(invocationID)
	return binary.BigEndian.Uint64(sum[:8])
}
