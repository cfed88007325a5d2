package agent

import (
	"bytes"
	"testing"
	"time"

	"github.com/anoncore/smp-core/crypto"
)

func TestEnvelopeRoundTripHello(t *testing.T) {
	e := &Envelope{
		SeqID:      3,
		Time:       time.Unix(1700000000, 0).UTC(),
		PrevHash:   [32]byte{1, 2, 3},
		Kind:       KindHello,
		HelloVK:    [32]byte{9, 9, 9},
		HelloFlags: 1,
	}
	padded, err := EncodeEnvelope(e)
	if err != nil {
		t.Fatalf("EncodeEnvelope() error: %v", err)
	}

	got, err := DecodeEnvelope(padded)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error: %v", err)
	}
	if got.SeqID != e.SeqID || !got.Time.Equal(e.Time) || got.PrevHash != e.PrevHash {
		t.Fatalf("header round trip = %+v, want %+v", got, e)
	}
	if got.Kind != KindHello || got.HelloVK != e.HelloVK || got.HelloFlags != e.HelloFlags {
		t.Fatalf("HELLO payload round trip = %+v, want %+v", got, e)
	}
}

func TestEnvelopeRoundTripMsg(t *testing.T) {
	e := &Envelope{
		SeqID:    42,
		Time:     time.Unix(1700000001, 0).UTC(),
		PrevHash: [32]byte{4, 5, 6},
		Kind:     KindMsg,
		MsgBody:  []byte("hello there, this is a test message body"),
	}
	padded, err := EncodeEnvelope(e)
	if err != nil {
		t.Fatalf("EncodeEnvelope() error: %v", err)
	}
	if len(padded) != envelopeSizeSmall {
		t.Fatalf("padded length = %d, want bucket %d", len(padded), envelopeSizeSmall)
	}

	got, err := DecodeEnvelope(padded)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error: %v", err)
	}
	if !bytes.Equal(got.MsgBody, e.MsgBody) {
		t.Fatalf("MsgBody = %q, want %q", got.MsgBody, e.MsgBody)
	}
}

func TestEnvelopeRoundTripAck(t *testing.T) {
	id, err := crypto.NewID()
	if err != nil {
		t.Fatalf("NewID() error: %v", err)
	}
	e := &Envelope{
		SeqID:     1,
		Time:      time.Unix(1700000002, 0).UTC(),
		Kind:      KindAck,
		AckID:     id,
		AckStatus: AckIntegrityFailed,
	}
	padded, err := EncodeEnvelope(e)
	if err != nil {
		t.Fatalf("EncodeEnvelope() error: %v", err)
	}
	got, err := DecodeEnvelope(padded)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error: %v", err)
	}
	if got.AckID != e.AckID || got.AckStatus != e.AckStatus {
		t.Fatalf("ACK payload round trip = %+v, want %+v", got, e)
	}
}

func TestEnvelopeRoundTripDel(t *testing.T) {
	e := &Envelope{SeqID: 2, Time: time.Unix(1700000003, 0).UTC(), Kind: KindDel}
	padded, err := EncodeEnvelope(e)
	if err != nil {
		t.Fatalf("EncodeEnvelope() error: %v", err)
	}
	got, err := DecodeEnvelope(padded)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error: %v", err)
	}
	if got.Kind != KindDel {
		t.Fatalf("Kind = %v, want KindDel", got.Kind)
	}
}

func TestEnvelopeSizeBucketsAtBoundary(t *testing.T) {
	// A MSG body that lands the raw payload exactly at the small bucket's
	// usable capacity must still fit in that bucket, not spill to medium.
	body := bytes.Repeat([]byte("a"), envelopeSizeSmall-lengthPrefixSize-49-4)
	e := &Envelope{SeqID: 1, Time: time.Unix(1700000004, 0).UTC(), Kind: KindMsg, MsgBody: body}
	padded, err := EncodeEnvelope(e)
	if err != nil {
		t.Fatalf("EncodeEnvelope() error: %v", err)
	}
	if len(padded) != envelopeSizeSmall {
		t.Fatalf("padded length = %d, want %d", len(padded), envelopeSizeSmall)
	}
}

func TestEnvelopeTooLargeRejected(t *testing.T) {
	body := bytes.Repeat([]byte("a"), envelopeSizeMax)
	e := &Envelope{SeqID: 1, Kind: KindMsg, MsgBody: body}
	if _, err := EncodeEnvelope(e); err == nil {
		t.Fatal("EncodeEnvelope() with oversized body error = nil, want non-nil")
	}
}
