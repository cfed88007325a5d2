package xftp

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
	"github.com/anoncore/smp-core/transport"
	"github.com/anoncore/smp-core/wire"
)

// Client is one connection to a file relay. Grounded on
// agent/client.go's RelayClient and its signed request/response
// convention, simplified: an xftp relay never pushes an unsolicited
// frame, so a single goroutine can write a request and read its
// response in line rather than demultiplexing a background read loop.
// One Client handles one request at a time; Manager dials a fresh Client
// per concurrent chunk worker rather than sharing one across goroutines.
type Client struct {
	conn      transport.Conn
	blockSize int
	mu        sync.Mutex
}

// Dial opens a connection to the file relay at addr. blockSize must be
// at least BlockSizeFor the largest chunk this client will transfer.
func Dial(ctx context.Context, trans transport.Transport, addr string, blockSize int) (*Client, error) {
	conn, err := trans.Dial(ctx, addr)
	if err != nil {
		return nil, errs.Wrap(errs.KindBroker, "xftp.Dial", err)
	}
	return &Client{conn: conn, blockSize: blockSize}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Request signs and sends a command for entityID and blocks for the
// relay's response. signKey is nil only for FNEW; every other command
// must supply the private key matching the credential the relay issued
// (the chunk's sender key for FPUT/FDEL, a recipient key for FGET/FACK).
func (c *Client) Request(entityID crypto.ID, token string, signKey *[32]byte, args ...[]byte) (*wire.Command, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inner := &wire.Command{Token: token, Args: args}
	encoded, err := inner.Encode()
	if err != nil {
		return nil, err
	}

	sigBytes := []byte{}
	if signKey != nil {
		sig, err := crypto.Sign(encoded, *signKey)
		if err != nil {
			return nil, errs.Wrap(errs.KindCrypto, "Client.Request", err)
		}
		sigBytes = sig[:]
	}

	outer := &wire.Command{Token: token, Args: append([][]byte{sigBytes}, args...)}
	outerEncoded, err := outer.Encode()
	if err != nil {
		return nil, err
	}

	block, err := (&wire.Frame{
		SessionID:     uuid.New(),
		CorrelationID: uuid.NewString(),
		EntityID:      entityID,
		Command:       outerEncoded,
	}).Encode(wire.MaxVersion, c.blockSize)
	if err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(block); err != nil {
		return nil, errs.Wrap(errs.KindBroker, "Client.Request", err)
	}

	respBlock, err := readBlock(c.conn, c.blockSize)
	if err != nil {
		return nil, err
	}
	frame, _, err := wire.DecodeFrame(respBlock)
	if err != nil {
		return nil, err
	}
	return wire.DecodeCommand(frame.Command)
}
