package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// GenesisHashSeed seeds the chain before the first logged command.
const GenesisHashSeed = "TroveLedger:genesis:v1"

// StateHasher chains a hash over every logged command:
//
//	hash[n] = SHA-256(hash[n-1] || LE64(n) || digest[n])
//
// Replay recomputes the chain and must land on the logged hashes.
type StateHasher struct {
	tip [32]byte
	buf []byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash extends the chain with one command and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	h.buf = append(h.buf[:0], h.tip[:]...)
	h.buf = binary.LittleEndian.AppendUint64(h.buf, uint64(sequence))
	h.buf = append(h.buf, stateDigest...)
	h.tip = sha256.Sum256(h.buf)
	return h.tip
}

// GetPrevHash returns the chain tip.
func (h *StateHasher) GetPrevHash() [32]byte { return h.tip }

// SetPrevHash resumes the chain from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) { h.tip = hash }
