package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
)

// DefaultBlockSize is the fixed block size every frame is padded to unless
// a session negotiates a different value during the handshake.
const DefaultBlockSize = 16 * 1024

// headerSize is the fixed-width transport_header: version(2) + session_id(16) + payload_len(2).
const headerSize = 2 + 16 + 2

// Frame is a single wire transmission: {session_id, correlation_id,
// entity_id, command_or_response}, carried in a fixed-size block.
// Each Frame is encoded into a block of its own: several frames are
// never batched into one block, and a payload larger than the block is
// rejected by Encode rather than split across blocks (xftp sizes its
// blocks with BlockSizeFor so that a whole chunk fits in one).
type Frame struct {
	SessionID     uuid.UUID
	CorrelationID string
	EntityID      crypto.ID
	Command       []byte // cmd_bytes: the ABNF-style token plus its length-prefixed body
}

// Encode serializes f into a single block of exactly blockSize bytes,
// padding the remainder with zeros. It fails with a KindCommand error
// (LARGE) if the payload does not fit.
func (f *Frame) Encode(version Version, blockSize int) ([]byte, error) {
	payload := encodePayload(f.CorrelationID, f.EntityID, f.Command)
	if headerSize+len(payload) > blockSize {
		return nil, errs.New(errs.KindCommand, "Frame.Encode",
			fmt.Sprintf("payload %d bytes exceeds block size %d", len(payload), blockSize))
	}

	block := make([]byte, blockSize)
	binary.BigEndian.PutUint16(block[0:2], uint16(version))
	copy(block[2:18], f.SessionID[:])
	binary.BigEndian.PutUint16(block[18:20], uint16(len(payload)))
	copy(block[headerSize:], payload)
	return block, nil
}

// DecodeFrame parses a single block back into a Frame and the version it
// was sent with.
func DecodeFrame(block []byte) (*Frame, Version, error) {
	if len(block) < headerSize {
		return nil, 0, errs.New(errs.KindCommand, "DecodeFrame", "block shorter than transport header")
	}
	version := Version(binary.BigEndian.Uint16(block[0:2]))
	var session uuid.UUID
	copy(session[:], block[2:18])
	payloadLen := int(binary.BigEndian.Uint16(block[18:20]))
	if headerSize+payloadLen > len(block) {
		return nil, 0, errs.New(errs.KindCommand, "DecodeFrame", "payload_len exceeds block bounds")
	}

	corrID, entityID, cmd, err := decodePayload(block[headerSize : headerSize+payloadLen])
	if err != nil {
		return nil, 0, err
	}
	return &Frame{
		SessionID:     session,
		CorrelationID: corrID,
		EntityID:      entityID,
		Command:       cmd,
	}, version, nil
}

// encodePayload builds `corr_id SP entity_id SP cmd_bytes`, with corr_id
// and entity_id written as their fixed-width hex forms so the separators
// are unambiguous regardless of cmd_bytes content.
func encodePayload(corrID string, entityID crypto.ID, cmd []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(corrID)
	buf.WriteByte(' ')
	buf.WriteString(entityID.String())
	buf.WriteByte(' ')
	buf.Write(cmd)
	return buf.Bytes()
}

func decodePayload(payload []byte) (corrID string, entityID crypto.ID, cmd []byte, err error) {
	first := bytes.IndexByte(payload, ' ')
	if first < 0 {
		return "", crypto.ID{}, nil, errs.New(errs.KindCommand, "decodePayload", "missing correlation id separator")
	}
	rest := payload[first+1:]
	second := bytes.IndexByte(rest, ' ')
	if second < 0 {
		return "", crypto.ID{}, nil, errs.New(errs.KindCommand, "decodePayload", "missing entity id separator")
	}

	corrID = string(payload[:first])
	entityID, parseErr := crypto.IDFromHex(string(rest[:second]))
	if parseErr != nil {
		return "", crypto.ID{}, nil, errs.Wrap(errs.KindCommand, "decodePayload", parseErr)
	}
	cmd = rest[second+1:]
	return corrID, entityID, cmd, nil
}
