package agent

import (
	stded25519 "crypto/ed25519"
	"crypto/rand"

	"github.com/anoncore/smp-core/errs"
)

// ed25519PublicFromSeed derives the Ed25519 verification key for a 32-byte
// seed, matching how crypto.Sign/crypto.Verify treat their [32]byte key
// arguments as seeds rather than raw keypair halves.
func ed25519PublicFromSeed(seed [32]byte) [32]byte {
	priv := stded25519.NewKeyFromSeed(seed[:])
	var pub [32]byte
	copy(pub[:], priv.Public().(stded25519.PublicKey))
	return pub
}

func newSigningSeed() ([32]byte, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return seed, errs.Wrap(errs.KindCrypto, "newSigningSeed", err)
	}
	return seed, nil
}

func newNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, errs.Wrap(errs.KindCrypto, "newNonce", err)
	}
	return nonce, nil
}
