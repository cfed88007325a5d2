package xftp

import (
	stded25519 "crypto/ed25519"
	"crypto/rand"

	"github.com/anoncore/smp-core/errs"
)

// ed25519PublicFromSeed and newSigningSeed duplicate agent/keys.go's
// helpers of the same name: xftp and agent are sibling packages (one
// handles messaging connections, the other file transfer) with no
// natural import direction between them, so this small convention is
// repeated here rather than factored into a shared dependency.
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

// randomKey32 generates a fresh random 32-byte value, used for a file's
// symmetric content key (as distinct from newSigningSeed's ed25519 seeds,
// which happen to share the same width but a different purpose).
func randomKey32() ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, errs.Wrap(errs.KindCrypto, "randomKey32", err)
	}
	return key, nil
}
