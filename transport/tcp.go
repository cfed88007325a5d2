package transport

import (
	"context"
	"net"

	"github.com/anoncore/smp-core/errs"
)

// TCPTransport is the reference Transport implementation: a plain TCP
// listener plus net.Dial for outbound connections. Grounded on the
// teacher's NewTCPTransport/acceptConnections lifecycle, stripped of its
// packet-handler dispatch table since framing now lives in wire.Frame.
type TCPTransport struct {
	listener net.Listener
}

// ListenTCP starts a TCPTransport bound to addr (e.g. ":5223").
func ListenTCP(addr string) (*TCPTransport, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.KindBroker, "ListenTCP", err)
	}
	return &TCPTransport{listener: l}, nil
}

// Accept waits for the next inbound connection on a background
// goroutine and returns early with an error once ctx is done. The
// listener's pending Accept call is not cancelled: it keeps running in
// that goroutine until a connection arrives or the listener is closed.
func (t *TCPTransport) Accept(ctx context.Context) (Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := t.listener.Accept()
		ch <- result{c, err}
	}()

	select {
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindBroker, "TCPTransport.Accept", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, errs.Wrap(errs.KindBroker, "TCPTransport.Accept", r.err)
		}
		return r.conn, nil
	}
}

// Dial opens an outbound TCP connection to addr.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.KindBroker, "TCPTransport.Dial", err)
	}
	return c, nil
}

// LocalAddr returns the listener's bound address.
func (t *TCPTransport) LocalAddr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Close shuts down the listener. In-flight connections are unaffected.
func (t *TCPTransport) Close() error {
	if t.listener == nil {
		return nil
	}
	if err := t.listener.Close(); err != nil {
		return errs.Wrap(errs.KindBroker, "TCPTransport.Close", err)
	}
	return nil
}
