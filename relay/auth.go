// Package relay implements the relay server side of the protocol: the
// session accept loop, the NEW/SUB/KEY/NKEY/OFF/DEL/SEND/ACK/PING
// command table, and per-command authentication against the queue store.
package relay

import (
	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
	"github.com/anoncore/smp-core/queue"
)

// Role identifies which of a queue's three verification keys a command
// is signed against, per the command table in §4.2. It's the same
// namespace queue.Store.Get indexes by, since a command's signing role
// and the id index it must be looked up under always coincide.
type Role = queue.Role

const (
	// RoleRecipient signs SUB, KEY, NKEY, OFF, DEL, ACK.
	RoleRecipient = queue.RoleRecipient
	// RoleSender signs SEND.
	RoleSender = queue.RoleSender
	// RoleNotifier signs NSUB (push-token subscription).
	RoleNotifier = queue.RoleNotifier
)

// verificationKey returns the public key a queue expects for role, or
// false if the queue has no key bound for that role yet (an unsecured
// queue has no sender key; a queue with no notifier has no notifier key).
func verificationKey(q *queue.Queue, role Role) ([32]byte, bool) {
	switch role {
	case RoleRecipient:
		return q.RecipientKey, true
	case RoleSender:
		if !q.Secured() {
			return [32]byte{}, false
		}
		return q.SenderKey, true
	case RoleNotifier:
		if q.NotifierID.IsZero() {
			return [32]byte{}, false
		}
		return q.NotifierKey, true
	default:
		return [32]byte{}, false
	}
}

// Authenticator verifies command signatures against a queue store and
// replay-protects the one command the protocol allows unsigned: the
// confirmation SEND a sender issues before it has been bound to a queue
// (§4.2 Authentication). Grounded on crypto/ed25519.go's Sign/Verify pair
// and crypto/replay_protection.go's NonceStore.
type Authenticator struct {
	store    *queue.Store
	unsigned *crypto.NonceStore
}

// NewAuthenticator builds an Authenticator. unsignedNonces may be nil,
// in which case the one-unsigned-SEND exception is refused outright
// (useful for a relay deployment that requires senders always arrive
// pre-secured).
func NewAuthenticator(store *queue.Store, unsignedNonces *crypto.NonceStore) *Authenticator {
	return &Authenticator{store: store, unsigned: unsignedNonces}
}

// Verify checks signature over message for rid under role, looking up
// the queue and selecting the matching verification key. It returns a
// KindAuth error for every failure mode: unknown queue, no key bound for
// the role yet, or a signature mismatch.
func (a *Authenticator) Verify(rid crypto.ID, role Role, message []byte, sig crypto.Signature) error {
	q, err := a.store.Get(rid, role)
	if err != nil {
		return err
	}
	key, ok := verificationKey(q, role)
	if !ok {
		return errs.New(errs.KindAuth, "Authenticator.Verify", "no verification key bound for role")
	}
	valid, err := crypto.Verify(message, sig, key)
	if err != nil {
		return errs.Wrap(errs.KindAuth, "Authenticator.Verify", err)
	}
	if !valid {
		return errs.New(errs.KindAuth, "Authenticator.Verify", "signature mismatch")
	}
	return nil
}

// VerifyUnsignedSend authorizes an unsigned SEND: allowed only when the
// queue has no sender key bound yet (the sender's first, confirmatory
// message, per §4.4 step 2), and only once per nonce to prevent a dropped
// connection from letting an attacker replay the same confirmation frame.
func (a *Authenticator) VerifyUnsignedSend(rid crypto.ID, nonce [32]byte, timestamp int64) error {
	q, err := a.store.Get(rid, RoleSender)
	if err != nil {
		return err
	}
	if q.Secured() {
		return errs.New(errs.KindAuth, "Authenticator.VerifyUnsignedSend",
			"queue already secured, unsigned SEND no longer permitted")
	}
	if a.unsigned == nil {
		return errs.New(errs.KindAuth, "Authenticator.VerifyUnsignedSend",
			"unsigned SEND not permitted on this relay")
	}
	if !a.unsigned.CheckAndStore(nonce, timestamp) {
		return errs.New(errs.KindAuth, "Authenticator.VerifyUnsignedSend", "replayed confirmation nonce")
	}
	return nil
}
