package agent

import (
	"crypto/sha256"

	"github.com/anoncore/smp-core/agentstore"
)

// IntegrityResult classifies one received message against the receiver's
// hash chain (§4.4 "Integrity checks on receive"). SkippedFrom/SkippedTo
// are only meaningful when Status is agentstore.IntegritySkipped.
type IntegrityResult struct {
	Status      agentstore.IntegrityStatus
	SkippedFrom uint64
	SkippedTo   uint64
}

// CheckIntegrity implements the exact four-way classification from §4.4:
// an in-order message with a matching previous-hash is Ok; a seq ahead of
// expected is Skipped over the gap; a seq at or behind the last accepted
// one is BadId; an in-order seq whose previous-hash doesn't match the
// receiver's chain is BadHash. Grounded on crypto/replay_protection.go's
// sequence tracking, generalized from binary replay-or-not to this
// four-way classification.
func CheckIntegrity(lastExternalSndID uint64, lastRecvHash [32]byte, seqID uint64, prevHash [32]byte) IntegrityResult {
	switch {
	case seqID == lastExternalSndID+1 && prevHash == lastRecvHash:
		return IntegrityResult{Status: agentstore.IntegrityOk}
	case seqID > lastExternalSndID+1:
		return IntegrityResult{Status: agentstore.IntegritySkipped, SkippedFrom: lastExternalSndID + 1, SkippedTo: seqID - 1}
	case seqID <= lastExternalSndID:
		return IntegrityResult{Status: agentstore.IntegrityBadID}
	default:
		return IntegrityResult{Status: agentstore.IntegrityBadHash}
	}
}

// NextRecvHash computes the hash-chain value a successfully accepted
// message advances the receiver's state to (§4.4 "The hash is updated to
// sha(body) on every accepted message").
func NextRecvHash(body []byte) [32]byte {
	return sha256.Sum256(body)
}
