package agent

import (
	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
)

// ratchetPairSize is the on-disk size of a persisted ratchetPair: two
// fixed-size crypto.Ratchet blobs back to back, each preceded by a
// presence flag since a connection can have one leg established before
// the other (B's HELLO can arrive before A has paired toward Qb, and
// vice versa).
const ratchetBlobSize = 80 // crypto.Ratchet.Bytes() length: 32+32+8+8
const ratchetPairSize = 2 * (1 + ratchetBlobSize)

// ratchetPair bundles the two independent ratchets a duplex connection
// runs: one for the locally-owned queue (this side is recipient there,
// so Open uses it) and one for the peer's queue (this side is sender
// there, so Seal uses it). agentstore.Store persists one ratchet blob
// per connection id, so this package concatenates the pair into a single
// opaque blob rather than asking Store to track two.
type ratchetPair struct {
	recv *crypto.Ratchet // for Local: this side subscribes and Opens
	send *crypto.Ratchet // for Remote: this side Seals and SENDs
}

func encodeRatchetPair(p *ratchetPair) []byte {
	out := make([]byte, ratchetPairSize)
	off := 0
	if p.recv != nil {
		out[off] = 1
		copy(out[off+1:off+1+ratchetBlobSize], p.recv.Bytes())
	}
	off += 1 + ratchetBlobSize
	if p.send != nil {
		out[off] = 1
		copy(out[off+1:off+1+ratchetBlobSize], p.send.Bytes())
	}
	return out
}

func decodeRatchetPair(blob []byte) (*ratchetPair, error) {
	if len(blob) != ratchetPairSize {
		return nil, errs.New(errs.KindAgent, "decodeRatchetPair", "ratchet pair blob has unexpected length")
	}
	p := &ratchetPair{}
	off := 0
	if blob[off] == 1 {
		r, err := crypto.LoadRatchet(blob[off+1 : off+1+ratchetBlobSize])
		if err != nil {
			return nil, errs.Wrap(errs.KindAgent, "decodeRatchetPair", err)
		}
		p.recv = r
	}
	off += 1 + ratchetBlobSize
	if blob[off] == 1 {
		r, err := crypto.LoadRatchet(blob[off+1 : off+1+ratchetBlobSize])
		if err != nil {
			return nil, errs.Wrap(errs.KindAgent, "decodeRatchetPair", err)
		}
		p.send = r
	}
	return p, nil
}
