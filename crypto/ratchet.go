package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrRatchetState indicates persisted ratchet bytes could not be parsed.
var ErrRatchetState = errors.New("invalid ratchet state")

const ratchetStateSize = 32 + 32 + 8 + 8 // sendChain + recvChain + sendN + recvN

// Ratchet is a symmetric-key forward-secure schedule: every Step derives a
// fresh per-message key from the current chain key and advances the chain
// key so the old one cannot be recovered from the new one. The agent
// package treats the serialized form as an opaque blob (§3.1); only this
// package interprets it.
type Ratchet struct {
	sendChain [32]byte
	recvChain [32]byte
	sendN     uint64
	recvN     uint64
}

// NewRatchet seeds a fresh ratchet from the shared secret established
// during duplex pairing. Send and receive chains start from the same
// secret but are domain-separated so the two directions never share a
// message key.
func NewRatchet(shared [32]byte) *Ratchet {
	return &Ratchet{
		sendChain: kdf(shared, "send-chain"),
		recvChain: kdf(shared, "recv-chain"),
	}
}

// NewRatchetMirrored seeds a ratchet for the recipient side of a
// unidirectional queue: Seal always uses sendChain and Open always uses
// recvChain (see below), so the party who only ever receives on a queue
// needs its recvChain seeded with the label the sender's sendChain uses,
// and vice versa. Both parties derive the same shared secret via ECDH;
// which constructor a side calls is decided by its fixed protocol role
// (sender or recipient of that particular queue), not by anything
// negotiated over the wire.
func NewRatchetMirrored(shared [32]byte) *Ratchet {
	return &Ratchet{
		sendChain: kdf(shared, "recv-chain"),
		recvChain: kdf(shared, "send-chain"),
	}
}

// LoadRatchet reconstructs a Ratchet from its opaque persisted form.
func LoadRatchet(blob []byte) (*Ratchet, error) {
	if len(blob) != ratchetStateSize {
		return nil, ErrRatchetState
	}
	r := &Ratchet{}
	copy(r.sendChain[:], blob[0:32])
	copy(r.recvChain[:], blob[32:64])
	r.sendN = binary.BigEndian.Uint64(blob[64:72])
	r.recvN = binary.BigEndian.Uint64(blob[72:80])
	return r, nil
}

// Bytes serializes the ratchet to its opaque persisted form. The caller
// (agent state store) is responsible for committing this atomically with
// whatever message the step produced or consumed (§3.2 "ratchet step is
// atomic with respect to writing the produced message").
func (r *Ratchet) Bytes() []byte {
	out := make([]byte, ratchetStateSize)
	copy(out[0:32], r.sendChain[:])
	copy(out[32:64], r.recvChain[:])
	binary.BigEndian.PutUint64(out[64:72], r.sendN)
	binary.BigEndian.PutUint64(out[72:80], r.recvN)
	return out
}

// StepSend advances the send chain and returns a fresh message key plus
// the message number it corresponds to. It must be called exactly once
// per outbound message, in order.
func (r *Ratchet) StepSend() (key [32]byte, n uint64) {
	key, r.sendChain = chainStep(r.sendChain)
	n = r.sendN
	r.sendN++
	return key, n
}

// StepRecv advances the receive chain the same way, for the symmetric
// case where messages are never skipped. Connections needing out-of-order
// tolerance should instead cache skipped message keys (§4.3 "skipped
// message keys keyed by header-key × message-number") rather than calling
// this repeatedly to catch up, since that would also leak timing of the
// gap to anyone observing CPU behavior.
func (r *Ratchet) StepRecv() (key [32]byte, n uint64) {
	key, r.recvChain = chainStep(r.recvChain)
	n = r.recvN
	r.recvN++
	return key, n
}

// Seal encrypts plaintext under a freshly stepped send key.
func (r *Ratchet) Seal(plaintext []byte) (ciphertext []byte, msgN uint64, err error) {
	key, n := r.StepSend()
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, 0, fmt.Errorf("seal: %w", err)
	}
	out := secretbox.Seal(nonce[:], plaintext, (*[24]byte)(&nonce), &key)
	return out, n, nil
}

// Open decrypts a message sealed with Seal, stepping the receive chain.
// The caller must already have established that msgN is the expected next
// receive sequence number (the hash-chain integrity check in the agent
// package handles that); Open itself only verifies the AEAD tag.
func (r *Ratchet) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 24 {
		return nil, errors.New("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	key, _ := r.StepRecv()
	out, ok := secretbox.Open(nil, ciphertext[24:], &nonce, &key)
	if !ok {
		return nil, errors.New("ratchet: authentication failed")
	}
	return out, nil
}

// chainStep derives (messageKey, nextChainKey) from chainKey using
// domain-separated BLAKE2b, the same one-way-function-chain construction
// double-ratchet-style designs use for their symmetric-key ratchet.
func chainStep(chainKey [32]byte) (messageKey, nextChainKey [32]byte) {
	return kdf(chainKey, "msg"), kdf(chainKey, "chain")
}

func kdf(key [32]byte, label string) [32]byte {
	h, _ := blake2b.New256(key[:])
	h.Write([]byte(label))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
