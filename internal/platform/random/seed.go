// Package random seeds math/rand sources from crypto/rand. Randomized
// outcomes (the face-off coin flip) take a seeded *rand.Rand, so
// production draws a high-entropy seed here while tests inject a fixed
// one for reproducible picks.
package random

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
)

// NewSeed draws a fresh seed from crypto/rand.
func NewSeed() (int64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}

	return int64(binary.LittleEndian.Uint64(b[:])), nil
}
