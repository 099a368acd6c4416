// Package antispam implements a hashcash-like proof of work: the SHA-256 of
// the data followed by the work must start with a given number of zero bits.
package antispam

import (
	"encoding/binary"
	"math/bits"

	"github.com/minio/sha256-simd"
)

// MaxDifficulty is the highest accepted difficulty.
const MaxDifficulty = 64

// Solve returns the smallest work for data with the given difficulty. It
// takes about 2^difficulty hashes.
func Solve(data []byte, difficulty int) uint64 {
	for w := uint64(0); ; w++ {
		if Verify(data, w, difficulty) {
			return w
		}
	}
}

// Verify returns true if work is a solution for data.
func Verify(data []byte, work uint64, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if difficulty > MaxDifficulty {
		return false
	}
	return leadingZeros(hash(data, work)) >= difficulty
}

func hash(data []byte, work uint64) [sha256.Size]byte {
	buf := make([]byte, len(data)+8)
	copy(buf, data)
	binary.BigEndian.PutUint64(buf[len(data):], work)
	return sha256.Sum256(buf)
}

func leadingZeros(h [sha256.Size]byte) int {
	n := 0
	for _, b := range h {
		if b != 0 {
			return n + bits.LeadingZeros8(b)
		}
		n += 8
	}
	return n
}
