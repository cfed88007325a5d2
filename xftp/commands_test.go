package xftp

import (
	"testing"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/wire"
)

func signedXftpCmd(t *testing.T, token string, seed [32]byte, args ...[]byte) (*wire.Command, *crypto.Signature) {
	t.Helper()
	cmd := &wire.Command{Token: token, Args: args}
	encoded, err := cmd.Encode()
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	sig, err := crypto.Sign(encoded, seed)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	return cmd, &sig
}

func TestDispatcherFNewCreatesChunkSlot(t *testing.T) {
	d := NewDispatcher(NewStore())
	senderSeed := [32]byte{1, 2, 3}
	recipSeed := [32]byte{4, 5, 6}

	resp, err := d.Dispatch(crypto.ID{}, &wire.Command{Token: "FNEW", Args: [][]byte{ed25519PublicFromSeed(senderSeed)[:], ed25519PublicFromSeed(recipSeed)[:]}}, nil)
	if err != nil {
		t.Fatalf("Dispatch(FNEW) error: %v", err)
	}
	if resp.Token != "FIDS" || len(resp.Args) != 2 {
		t.Fatalf("Dispatch(FNEW) = %+v, want FIDS with 2 args", resp)
	}
}

func TestDispatcherFNewWithoutSignatureStillSucceeds(t *testing.T) {
	d := NewDispatcher(NewStore())
	senderSeed := [32]byte{1}
	recipSeed := [32]byte{2}
	resp, err := d.Dispatch(crypto.ID{}, &wire.Command{Token: "FNEW", Args: [][]byte{ed25519PublicFromSeed(senderSeed)[:], ed25519PublicFromSeed(recipSeed)[:]}}, nil)
	if err != nil || resp.Token != "FIDS" {
		t.Fatalf("Dispatch(FNEW) = %+v, %v, want FIDS, nil", resp, err)
	}
}

func TestDispatcherFPutRequiresSignature(t *testing.T) {
	d := NewDispatcher(NewStore())
	senderSeed := [32]byte{1}
	recipSeed := [32]byte{2}
	idsResp, err := d.Dispatch(crypto.ID{}, &wire.Command{Token: "FNEW", Args: [][]byte{ed25519PublicFromSeed(senderSeed)[:], ed25519PublicFromSeed(recipSeed)[:]}}, nil)
	if err != nil {
		t.Fatalf("Dispatch(FNEW) error: %v", err)
	}
	var sid crypto.ID
	copy(sid[:], idsResp.Args[0])

	if _, err := d.Dispatch(sid, &wire.Command{Token: "FPUT", Args: [][]byte{[]byte("body")}}, nil); err == nil {
		t.Fatal("Dispatch(FPUT) without a signature error = nil, want non-nil")
	}

	cmd, sig := signedXftpCmd(t, "FPUT", senderSeed, []byte("body"))
	resp, err := d.Dispatch(sid, cmd, sig)
	if err != nil {
		t.Fatalf("Dispatch(FPUT) error: %v", err)
	}
	if resp.Token != "OK" {
		t.Fatalf("Dispatch(FPUT) = %+v, want OK", resp)
	}
}

func TestDispatcherFGetReturnsPendingBeforeFPut(t *testing.T) {
	d := NewDispatcher(NewStore())
	senderSeed := [32]byte{1}
	recipSeed := [32]byte{2}
	idsResp, err := d.Dispatch(crypto.ID{}, &wire.Command{Token: "FNEW", Args: [][]byte{ed25519PublicFromSeed(senderSeed)[:], ed25519PublicFromSeed(recipSeed)[:]}}, nil)
	if err != nil {
		t.Fatalf("Dispatch(FNEW) error: %v", err)
	}
	var rid crypto.ID
	copy(rid[:], idsResp.Args[1])

	kp, err := crypto.GenerateEphemeralDH()
	if err != nil {
		t.Fatalf("GenerateEphemeralDH() error: %v", err)
	}
	cmd, sig := signedXftpCmd(t, "FGET", recipSeed, kp.Public[:])
	resp, err := d.Dispatch(rid, cmd, sig)
	if err != nil {
		t.Fatalf("Dispatch(FGET) error: %v", err)
	}
	if resp.Token != "PENDING" {
		t.Fatalf("Dispatch(FGET) before FPUT = %+v, want PENDING", resp)
	}
}

func TestDispatcherFGetAfterFPutReturnsChunk(t *testing.T) {
	d := NewDispatcher(NewStore())
	senderSeed := [32]byte{1}
	recipSeed := [32]byte{2}
	idsResp, err := d.Dispatch(crypto.ID{}, &wire.Command{Token: "FNEW", Args: [][]byte{ed25519PublicFromSeed(senderSeed)[:], ed25519PublicFromSeed(recipSeed)[:]}}, nil)
	if err != nil {
		t.Fatalf("Dispatch(FNEW) error: %v", err)
	}
	var sid, rid crypto.ID
	copy(sid[:], idsResp.Args[0])
	copy(rid[:], idsResp.Args[1])

	putCmd, putSig := signedXftpCmd(t, "FPUT", senderSeed, []byte("ciphertext"))
	if _, err := d.Dispatch(sid, putCmd, putSig); err != nil {
		t.Fatalf("Dispatch(FPUT) error: %v", err)
	}

	kp, err := crypto.GenerateEphemeralDH()
	if err != nil {
		t.Fatalf("GenerateEphemeralDH() error: %v", err)
	}
	getCmd, getSig := signedXftpCmd(t, "FGET", recipSeed, kp.Public[:])
	resp, err := d.Dispatch(rid, getCmd, getSig)
	if err != nil {
		t.Fatalf("Dispatch(FGET) error: %v", err)
	}
	if resp.Token != "FCHUNK" || len(resp.Args) != 3 {
		t.Fatalf("Dispatch(FGET) = %+v, want FCHUNK with 3 args", resp)
	}

	var serverDH [32]byte
	copy(serverDH[:], resp.Args[0])
	var nonce crypto.Nonce
	copy(nonce[:], resp.Args[1])
	secret, err := crypto.DeriveSharedSecret(serverDH, kp.Private)
	if err != nil {
		t.Fatalf("DeriveSharedSecret() error: %v", err)
	}
	plain, err := crypto.DecryptSymmetric(resp.Args[2], nonce, secret)
	if err != nil {
		t.Fatalf("DecryptSymmetric() error: %v", err)
	}
	if string(plain) != "ciphertext" {
		t.Errorf("recovered chunk = %q, want %q", plain, "ciphertext")
	}

	ackCmd, ackSig := signedXftpCmd(t, "FACK", recipSeed)
	ackResp, err := d.Dispatch(rid, ackCmd, ackSig)
	if err != nil {
		t.Fatalf("Dispatch(FACK) error: %v", err)
	}
	if ackResp.Token != "OK" {
		t.Fatalf("Dispatch(FACK) = %+v, want OK", ackResp)
	}
}

func TestDispatcherFDelRemovesChunk(t *testing.T) {
	d := NewDispatcher(NewStore())
	senderSeed := [32]byte{1}
	recipSeed := [32]byte{2}
	idsResp, err := d.Dispatch(crypto.ID{}, &wire.Command{Token: "FNEW", Args: [][]byte{ed25519PublicFromSeed(senderSeed)[:], ed25519PublicFromSeed(recipSeed)[:]}}, nil)
	if err != nil {
		t.Fatalf("Dispatch(FNEW) error: %v", err)
	}
	var sid crypto.ID
	copy(sid[:], idsResp.Args[0])

	delCmd, delSig := signedXftpCmd(t, "FDEL", senderSeed)
	resp, err := d.Dispatch(sid, delCmd, delSig)
	if err != nil {
		t.Fatalf("Dispatch(FDEL) error: %v", err)
	}
	if resp.Token != "OK" {
		t.Fatalf("Dispatch(FDEL) = %+v, want OK", resp)
	}

	putCmd, putSig := signedXftpCmd(t, "FPUT", senderSeed, []byte("too late"))
	if _, err := d.Dispatch(sid, putCmd, putSig); err == nil {
		t.Fatal("Dispatch(FPUT) after FDEL error = nil, want non-nil")
	}
}

func TestDispatcherUnknownCommandErrors(t *testing.T) {
	d := NewDispatcher(NewStore())
	if _, err := d.Dispatch(crypto.ID{}, &wire.Command{Token: "BOGUS"}, nil); err == nil {
		t.Error("Dispatch() with unknown token should error")
	}
}
