package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/anoncore/smp-core/errs"
)

// Command is a decoded command or response: a token (NEW, SUB, SEND, OK,
// MSG, ...) followed by zero or more length-prefixed opaque argument
// fields, e.g. SEND's (flags, body) or NEW's (rkey, dhkey, auth).
type Command struct {
	Token string
	Args  [][]byte
}

// maxArgs bounds the number of fields a single command may carry; this is
// a sanity ceiling against a corrupted length prefix, not a protocol limit.
const maxArgs = 16

// Encode serializes c as `token SP argc(1) [len(4) data]*`, the
// length-prefixed opaque-body encoding referenced by the wire frame format.
func (c *Command) Encode() ([]byte, error) {
	if len(c.Args) > maxArgs {
		return nil, errs.New(errs.KindCommand, "Command.Encode", fmt.Sprintf("%d args exceeds limit %d", len(c.Args), maxArgs))
	}

	var buf bytes.Buffer
	buf.WriteString(c.Token)
	buf.WriteByte(' ')
	buf.WriteByte(byte(len(c.Args)))
	for _, arg := range c.Args {
		var lenBytes [4]byte
		binary.BigEndian.PutUint32(lenBytes[:], uint32(len(arg)))
		buf.Write(lenBytes[:])
		buf.Write(arg)
	}
	return buf.Bytes(), nil
}

// DecodeCommand parses the cmd_bytes portion of a frame's payload.
func DecodeCommand(data []byte) (*Command, error) {
	sp := bytes.IndexByte(data, ' ')
	if sp < 0 {
		return nil, errs.New(errs.KindCommand, "DecodeCommand", "missing token separator")
	}
	token := string(data[:sp])
	rest := data[sp+1:]
	if len(rest) < 1 {
		return nil, errs.New(errs.KindCommand, "DecodeCommand", "missing arg count")
	}
	argc := int(rest[0])
	if argc > maxArgs {
		return nil, errs.New(errs.KindCommand, "DecodeCommand", fmt.Sprintf("%d args exceeds limit %d", argc, maxArgs))
	}
	rest = rest[1:]

	args := make([][]byte, 0, argc)
	for i := 0; i < argc; i++ {
		if len(rest) < 4 {
			return nil, errs.New(errs.KindCommand, "DecodeCommand", "truncated argument length")
		}
		n := int(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if n < 0 || n > len(rest) {
			return nil, errs.New(errs.KindCommand, "DecodeCommand", "argument length exceeds remaining buffer")
		}
		args = append(args, rest[:n])
		rest = rest[n:]
	}

	return &Command{Token: token, Args: args}, nil
}
