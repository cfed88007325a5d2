package relay

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/transport"
	"github.com/anoncore/smp-core/wire"
)

// testClient wraps a raw transport.Conn with the request/response framing a
// real SMP client would use: every request carries a signature slot as its
// first wire.Command argument (empty for the commands the protocol allows
// unsigned), and every response is a plain, unwrapped wire.Command.
type testClient struct {
	t    *testing.T
	conn transport.Conn
}

func dialTestClient(t *testing.T, trans transport.Transport) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := trans.Dial(ctx, trans.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) request(rid crypto.ID, token string, seed *[32]byte, args ...[]byte) *wire.Command {
	c.t.Helper()
	inner := &wire.Command{Token: token, Args: args}
	encoded, err := inner.Encode()
	if err != nil {
		c.t.Fatalf("Encode() error: %v", err)
	}

	sigBytes := []byte{}
	if seed != nil {
		sig, err := crypto.Sign(encoded, *seed)
		if err != nil {
			c.t.Fatalf("Sign() error: %v", err)
		}
		sigBytes = sig[:]
	}

	outer := &wire.Command{Token: token, Args: append([][]byte{sigBytes}, args...)}
	outerEncoded, err := outer.Encode()
	if err != nil {
		c.t.Fatalf("Encode() error: %v", err)
	}

	block, err := (&wire.Frame{SessionID: uuid.New(), EntityID: rid, Command: outerEncoded}).Encode(wire.MaxVersion, wire.DefaultBlockSize)
	if err != nil {
		c.t.Fatalf("Frame.Encode() error: %v", err)
	}
	if _, err := c.conn.Write(block); err != nil {
		c.t.Fatalf("Write() error: %v", err)
	}

	return c.readResponse()
}

func (c *testClient) readResponse() *wire.Command {
	c.t.Helper()
	block := c.readBlock()
	frame, _, err := wire.DecodeFrame(block)
	if err != nil {
		c.t.Fatalf("DecodeFrame() error: %v", err)
	}
	cmd, err := wire.DecodeCommand(frame.Command)
	if err != nil {
		c.t.Fatalf("DecodeCommand() error: %v", err)
	}
	return cmd
}

// readPushed waits up to a short timeout for a server-initiated push frame
// (MSG or END), distinct from a direct response to a request.
func (c *testClient) readPushed(timeout time.Duration) (*wire.Command, error) {
	type result struct {
		block []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, wire.DefaultBlockSize)
		n := 0
		for n < len(buf) {
			m, err := c.conn.Read(buf[n:])
			if err != nil {
				ch <- result{nil, err}
				return
			}
			n += m
		}
		ch <- result{buf, nil}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		frame, _, err := wire.DecodeFrame(r.block)
		if err != nil {
			return nil, err
		}
		return wire.DecodeCommand(frame.Command)
	case <-time.After(timeout):
		c.t.Fatal("timed out waiting for pushed frame")
		return nil, nil
	}
}

func (c *testClient) readBlock() []byte {
	c.t.Helper()
	buf := make([]byte, wire.DefaultBlockSize)
	n := 0
	for n < len(buf) {
		m, err := c.conn.Read(buf[n:])
		if err != nil {
			c.t.Fatalf("Read() error: %v", err)
		}
		n += m
	}
	return buf
}

func idFromBytes(b []byte) crypto.ID {
	var id crypto.ID
	copy(id[:], b)
	return id
}

// TestServerFullRoundTrip exercises NEW, KEY binding, a subscribed
// recipient receiving an asynchronously pushed message after a sender's
// SEND, and a final ACK, end to end over a real TCP connection.
func TestServerFullRoundTrip(t *testing.T) {
	store := newTestStore(t)
	auth := NewAuthenticator(store, newNonceStoreForTest(t))
	dispatcher := NewDispatcher(store, auth, nil)

	trans, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP() error: %v", err)
	}
	t.Cleanup(func() { trans.Close() })

	server := NewServer(trans, store, dispatcher)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Serve(ctx)

	recipSeed := [32]byte{1, 2, 3}
	senderSeed := [32]byte{4, 5, 6}
	kp, err := crypto.GenerateEphemeralDH()
	if err != nil {
		t.Fatalf("GenerateEphemeralDH() error: %v", err)
	}

	setup := dialTestClient(t, trans)
	idsResp := setup.request(crypto.ID{}, "NEW", nil, rawPub(recipSeed)[:], kp.Public[:])
	if idsResp.Token != "IDS" {
		t.Fatalf("NEW response = %+v, want IDS", idsResp)
	}
	rid := idFromBytes(idsResp.Args[0])
	sid := idFromBytes(idsResp.Args[1])

	recipClient := dialTestClient(t, trans)
	subResp := recipClient.request(rid, "SUB", &recipSeed)
	if subResp.Token != "OK" {
		t.Fatalf("SUB response = %+v, want OK (no message yet)", subResp)
	}

	keyResp := recipClient.request(rid, "KEY", &recipSeed, rawPub(senderSeed)[:])
	if keyResp.Token != "OK" {
		t.Fatalf("KEY response = %+v, want OK", keyResp)
	}

	senderClient := dialTestClient(t, trans)
	sendResp := senderClient.request(sid, "SEND", &senderSeed, []byte{0}, []byte("hello there"))
	if sendResp.Token != "OK" {
		t.Fatalf("SEND response = %+v, want OK", sendResp)
	}

	pushed, err := recipClient.readPushed(2 * time.Second)
	if err != nil {
		t.Fatalf("readPushed() error: %v", err)
	}
	if pushed.Token != "MSG" || string(pushed.Args[3]) != "hello there" {
		t.Fatalf("pushed frame = %+v, want MSG carrying 'hello there'", pushed)
	}

	mid := pushed.Args[0]
	ackResp := recipClient.request(rid, "ACK", &recipSeed, mid)
	if ackResp.Token != "OK" {
		t.Fatalf("ACK response = %+v, want OK", ackResp)
	}
}

// TestServerSubscriberSwitchEvictsPrior confirms that a second SUB on the
// same queue evicts the first subscriber with an END frame, per the
// exactly-one-subscriber invariant.
func TestServerSubscriberSwitchEvictsPrior(t *testing.T) {
	store := newTestStore(t)
	auth := NewAuthenticator(store, newNonceStoreForTest(t))
	dispatcher := NewDispatcher(store, auth, nil)

	trans, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP() error: %v", err)
	}
	t.Cleanup(func() { trans.Close() })

	server := NewServer(trans, store, dispatcher)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Serve(ctx)

	recipSeed := [32]byte{1, 2, 3}
	kp, _ := crypto.GenerateEphemeralDH()

	setup := dialTestClient(t, trans)
	idsResp := setup.request(crypto.ID{}, "NEW", nil, rawPub(recipSeed)[:], kp.Public[:])
	rid := idFromBytes(idsResp.Args[0])

	first := dialTestClient(t, trans)
	if resp := first.request(rid, "SUB", &recipSeed); resp.Token != "OK" {
		t.Fatalf("first SUB response = %+v, want OK", resp)
	}

	second := dialTestClient(t, trans)
	if resp := second.request(rid, "SUB", &recipSeed); resp.Token != "OK" {
		t.Fatalf("second SUB response = %+v, want OK", resp)
	}

	end, err := first.readPushed(2 * time.Second)
	if err != nil {
		t.Fatalf("readPushed() error: %v", err)
	}
	if end.Token != "END" {
		t.Fatalf("evicted subscriber received %+v, want END", end)
	}
}

// TestServerIdleSessionGetsPingedThenDropped confirms the idle-session
// watchdog proactively PINGs a quiet connection and then drops it if it
// stays quiet.
func TestServerIdleSessionGetsPingedThenDropped(t *testing.T) {
	store := newTestStore(t)
	auth := NewAuthenticator(store, newNonceStoreForTest(t))
	dispatcher := NewDispatcher(store, auth, nil)

	trans, err := transport.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP() error: %v", err)
	}
	t.Cleanup(func() { trans.Close() })

	server := NewServer(trans, store, dispatcher)
	server.SetIdleTimeout(100 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Serve(ctx)

	client := dialTestClient(t, trans)

	pinged, err := client.readPushed(2 * time.Second)
	if err != nil {
		t.Fatalf("readPushed() error: %v", err)
	}
	if pinged.Token != "PING" {
		t.Fatalf("idle session received %+v, want a server-initiated PING", pinged)
	}

	// The client stays silent after the warning PING; the server should
	// drop the connection one more idle interval later.
	buf := make([]byte, 1)
	client.conn.(interface{ SetReadDeadline(time.Time) error }).SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.conn.Read(buf); err == nil {
		t.Error("Read() should observe the server closing an idle connection")
	}
}
