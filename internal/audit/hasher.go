package audit

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/google/uuid"
)

const genesisHashSeed = "ChallengeEngine:audit:genesis:v1"

// ChainHasher maintains one challenge's tamper-evident hash chain.
// Each event's StateHash commits to the previous hash, the sequence, the
// kind, and the payload bytes, so any later modification of the log breaks
// the chain at the altered event.
type ChainHasher struct {
	tip [32]byte
}

// NewChainHasher seeds the chain for a fresh challenge. The genesis hash
// binds the chain to the challenge identity.
func NewChainHasher(challengeID uuid.UUID) *ChainHasher {
	h := sha256.New()
	h.Write([]byte(genesisHashSeed))
	h.Write(challengeID[:])
	var tip [32]byte
	copy(tip[:], h.Sum(nil))
	return &ChainHasher{tip: tip}
}

// ResumeChainHasher continues a persisted chain from its stored tip.
func ResumeChainHasher(tip [32]byte) *ChainHasher {
	return &ChainHasher{tip: tip}
}

// Advance computes the next chain hash and moves the tip forward.
func (h *ChainHasher) Advance(sequence int64, kind Kind, payload []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.tip[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(sequence))
	hasher.Write(buf[:])

	var kindBuf [4]byte
	binary.LittleEndian.PutUint32(kindBuf[:], uint32(kind))
	hasher.Write(kindBuf[:])

	hasher.Write(payload)

	copy(h.tip[:], hasher.Sum(nil))
	return h.tip
}

// Tip returns the current chain tip.
func (h *ChainHasher) Tip() [32]byte {
	return h.tip
}

// VerifyChain recomputes the hash chain over an ordered event sequence and
// reports the first event whose stored hashes do not match, or -1 when the
// chain is intact. Events must be the complete sequence from the start.
func VerifyChain(challengeID uuid.UUID, events []Event) int {
	h := NewChainHasher(challengeID)
	for i, e := range events {
		if e.PrevHash != h.Tip() {
			return i
		}
		if got := h.Advance(e.Sequence, e.Kind, e.Payload); got != e.StateHash {
			return i
		}
	}
	return -1
}
