package agent

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
)

// MsgKind tags which agent_msg variant an Envelope carries (§4.4
// "agent_msg ∈ {HELLO | REPLY | MSG | ACK | DEL}").
type MsgKind byte

const (
	KindHello MsgKind = iota
	KindReply
	KindMsg
	KindAck
	KindDel
)

// AckStatus is the small status code an ACK agent_msg carries back to
// the sender of the message it acknowledges.
type AckStatus byte

const (
	AckOk AckStatus = iota
	AckIntegrityFailed
)

// Envelope is the message envelope carried inside a relay SEND body
// (§4.4 "Message envelope inside a relay message body"): a header the
// receiver uses for the hash-chain integrity check, followed by exactly
// one agent_msg variant. Which fields of the variant union are populated
// is determined by Kind; the others are zero.
type Envelope struct {
	SeqID    uint64
	Time     time.Time
	PrevHash [32]byte

	Kind MsgKind

	HelloVK    [32]byte
	HelloFlags byte

	ReplyInvitation []byte // encoded Invitation, see pairing.go

	MsgBody []byte

	AckID     crypto.ID
	AckStatus AckStatus
}

// envelopeSizeSmall/Medium/Large/Max are the standard size buckets an
// encoded envelope is padded to, so an observer of ciphertext length
// learns nothing finer than which bucket a message fell in. Grounded on
// async/message_padding.go's bucket scheme, reused here for the relay
// message envelope instead of async-message delivery.
const (
	envelopeSizeSmall  = 256
	envelopeSizeMedium = 1024
	envelopeSizeLarge  = 4096
	envelopeSizeMax    = 16384

	lengthPrefixSize = 4
)

// EncodeEnvelope serializes e and pads the result to the smallest
// standard bucket it fits in.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	raw := encodeEnvelopeFields(e)
	if len(raw) > envelopeSizeMax-lengthPrefixSize {
		return nil, errs.New(errs.KindAgent, "EncodeEnvelope", "envelope exceeds maximum padded size")
	}

	var target int
	switch {
	case len(raw) <= envelopeSizeSmall-lengthPrefixSize:
		target = envelopeSizeSmall
	case len(raw) <= envelopeSizeMedium-lengthPrefixSize:
		target = envelopeSizeMedium
	case len(raw) <= envelopeSizeLarge-lengthPrefixSize:
		target = envelopeSizeLarge
	default:
		target = envelopeSizeMax
	}

	out := make([]byte, target)
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(len(raw)))
	copy(out[lengthPrefixSize:], raw)
	if target > len(raw)+lengthPrefixSize {
		if _, err := rand.Read(out[lengthPrefixSize+len(raw):]); err != nil {
			return nil, errs.Wrap(errs.KindCrypto, "EncodeEnvelope", err)
		}
	}
	return out, nil
}

// DecodeEnvelope reverses EncodeEnvelope, discarding the padding.
func DecodeEnvelope(padded []byte) (*Envelope, error) {
	if len(padded) < lengthPrefixSize {
		return nil, errs.New(errs.KindAgent, "DecodeEnvelope", "padded envelope shorter than length prefix")
	}
	n := binary.BigEndian.Uint32(padded[:lengthPrefixSize])
	if int(n) > len(padded)-lengthPrefixSize {
		return nil, errs.New(errs.KindAgent, "DecodeEnvelope", "length prefix exceeds padded buffer")
	}
	return decodeEnvelopeFields(padded[lengthPrefixSize : lengthPrefixSize+n])
}

func encodeEnvelopeFields(e *Envelope) []byte {
	buf := make([]byte, 0, 64+len(e.MsgBody)+len(e.ReplyInvitation))
	var hdr [8 + 8 + 32]byte
	binary.BigEndian.PutUint64(hdr[0:8], e.SeqID)
	binary.BigEndian.PutUint64(hdr[8:16], uint64(e.Time.Unix()))
	copy(hdr[16:48], e.PrevHash[:])
	buf = append(buf, hdr[:]...)
	buf = append(buf, byte(e.Kind))

	switch e.Kind {
	case KindHello:
		buf = append(buf, e.HelloVK[:]...)
		buf = append(buf, e.HelloFlags)
	case KindReply:
		buf = appendLenPrefixed(buf, e.ReplyInvitation)
	case KindMsg:
		buf = appendLenPrefixed(buf, e.MsgBody)
	case KindAck:
		buf = append(buf, e.AckID[:]...)
		buf = append(buf, byte(e.AckStatus))
	case KindDel:
		// no payload
	}
	return buf
}

func decodeEnvelopeFields(raw []byte) (*Envelope, error) {
	if len(raw) < 48+1 {
		return nil, errs.New(errs.KindAgent, "decodeEnvelopeFields", "envelope shorter than fixed header")
	}
	e := &Envelope{
		SeqID: binary.BigEndian.Uint64(raw[0:8]),
		Time:  time.Unix(int64(binary.BigEndian.Uint64(raw[8:16])), 0).UTC(),
	}
	copy(e.PrevHash[:], raw[16:48])
	e.Kind = MsgKind(raw[48])
	rest := raw[49:]

	switch e.Kind {
	case KindHello:
		if len(rest) < 33 {
			return nil, errs.New(errs.KindAgent, "decodeEnvelopeFields", "HELLO payload too short")
		}
		copy(e.HelloVK[:], rest[:32])
		e.HelloFlags = rest[32]
	case KindReply:
		body, err := readLenPrefixed(rest)
		if err != nil {
			return nil, err
		}
		e.ReplyInvitation = body
	case KindMsg:
		body, err := readLenPrefixed(rest)
		if err != nil {
			return nil, err
		}
		e.MsgBody = body
	case KindAck:
		if len(rest) < crypto.IDSize+1 {
			return nil, errs.New(errs.KindAgent, "decodeEnvelopeFields", "ACK payload too short")
		}
		copy(e.AckID[:], rest[:crypto.IDSize])
		e.AckStatus = AckStatus(rest[crypto.IDSize])
	case KindDel:
		// no payload
	default:
		return nil, errs.New(errs.KindAgent, "decodeEnvelopeFields", fmt.Sprintf("unknown agent_msg kind %d", e.Kind))
	}
	return e, nil
}

func appendLenPrefixed(buf, data []byte) []byte {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(data)))
	buf = append(buf, lenBytes[:]...)
	return append(buf, data...)
}

func readLenPrefixed(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errs.New(errs.KindAgent, "readLenPrefixed", "missing length prefix")
	}
	n := binary.BigEndian.Uint32(data[:4])
	if int(n) > len(data)-4 {
		return nil, errs.New(errs.KindAgent, "readLenPrefixed", "length prefix exceeds buffer")
	}
	return data[4 : 4+n], nil
}
