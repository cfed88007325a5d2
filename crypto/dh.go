package crypto

import (
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// DeriveQueueSecret computes the symmetric secret shared between a relay
// and a queue's recipient, used to encrypt push-notification payloads
// (§3.1 recipient_dh_secret). It is a thin name for DeriveSharedSecret so
// call sites read as queue-domain operations rather than generic ECDH.
func DeriveQueueSecret(recipientDH [32]byte, serverPrivate [32]byte) ([32]byte, error) {
	secret, err := DeriveSharedSecret(recipientDH, serverPrivate)
	if err != nil {
		return [32]byte{}, fmt.Errorf("derive queue secret: %w", err)
	}
	return secret, nil
}

// GenerateEphemeralDH generates a fresh X25519 keypair for use as the
// ephemeral DH key published in a connection invitation, or as the
// per-handshake key a joiner generates when responding to one.
func GenerateEphemeralDH() (*KeyPair, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral dh key: %w", err)
	}
	return kp, nil
}

// PublicFromPrivate derives the X25519 public key for a private scalar,
// used when loading a persisted private key that was stored without its
// public half.
func PublicFromPrivate(private [32]byte) [32]byte {
	var public [32]byte
	curve25519.ScalarBaseMult(&public, &private)
	return public
}
