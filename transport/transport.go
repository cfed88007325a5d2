// Package transport provides the abstract byte-oriented transport the
// relay and its clients exchange fixed-size wire blocks over. The core
// only depends on this interface; TLS/HTTP2 framing and connection
// pooling are external collaborators (§1).
package transport

import (
	"context"
	"net"
)

// Conn is a single sequenced, reliable byte-stream connection: exactly
// what a relay session or a client dial needs to exchange fixed-size
// wire blocks. Grounded on the teacher's TCPTransport connection
// lifecycle (opd-ai-toxcore/transport/tcp.go), generalized from
// packet-oriented Send/RegisterHandler to a stream Read/Write pair
// since SMP frames are fixed-size blocks, not discrete UDP datagrams.
type Conn interface {
	// Read reads up to len(buf) bytes and, like net.Conn, may return
	// fewer; callers loop until a whole block has arrived.
	Read(buf []byte) (int, error)
	// Write sends buf as-is; callers pass exactly one encoded block.
	Write(buf []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
}

// Transport accepts inbound connections and dials outbound ones.
type Transport interface {
	// Accept blocks until a client connects or ctx is cancelled.
	Accept(ctx context.Context) (Conn, error)
	// Dial opens a connection to a relay at addr.
	Dial(ctx context.Context, addr string) (Conn, error)
	// LocalAddr returns the address this transport listens on, if any.
	LocalAddr() net.Addr
	Close() error
}
