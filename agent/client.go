// Package agent implements the connection agent (§4.4): pairing two
// unidirectional relay queues into a duplex channel, running the
// symmetric ratchet per message, and persisting connection state through
// an agentstore.Store. It is the relay's only caller outside relay's own
// tests, so it owns the one production relay client in the tree.
package agent

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
	"github.com/anoncore/smp-core/transport"
	"github.com/anoncore/smp-core/wire"
)

// PushedFrame is a relay-initiated frame the client never requested: a
// newly delivered MSG on a subscribed queue, or an END when another
// session has taken over the subscription (§4.3 exactly-one-subscriber).
type PushedFrame struct {
	EntityID crypto.ID
	Command  *wire.Command
}

// RelayClient is one connection to a relay, speaking the signed
// request/response convention relay/session.go's parseSignedCommand
// expects: every request's first argument is a signature, or an empty
// argument for a command sent unsigned (NEW, PING, or the pairing
// confirmation SEND, §4.4 step 2); every response is a plain
// wire.Command. One background goroutine owns the read side and
// demultiplexes by correlation id and token: a MSG or END frame with no
// correlation id is an asynchronous push delivered on Pushed(); anything
// else, including a MSG answering SUB, answers the single outstanding
// Request call. Grounded on relay/server_test.go's testClient, generalized from
// test scaffolding into a client callers outside the relay package can
// use, and made safe for a pairing loop that both sends requests and
// waits on pushes concurrently.
type RelayClient struct {
	conn      transport.Conn
	blockSize int

	reqMu sync.Mutex // one outstanding Request at a time; this agent never pipelines

	mu      sync.Mutex
	waiting chan *wire.Command

	pushed chan PushedFrame

	closeOnce sync.Once
	done      chan struct{}
}

// DialRelay opens a connection to a relay at addr over trans.
func DialRelay(ctx context.Context, trans transport.Transport, addr string) (*RelayClient, error) {
	conn, err := trans.Dial(ctx, addr)
	if err != nil {
		return nil, errs.Wrap(errs.KindBroker, "DialRelay", err)
	}
	c := &RelayClient{
		conn:      conn,
		blockSize: wire.DefaultBlockSize,
		pushed:    make(chan PushedFrame, 16),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Pushed returns the channel asynchronous MSG/END frames arrive on. A
// push that arrives faster than the caller drains it is dropped rather
// than blocking the read loop; the connection agent re-learns a dropped
// MSG on its next SUB and a dropped END simply delays noticing eviction.
func (c *RelayClient) Pushed() <-chan PushedFrame { return c.pushed }

// Done is closed when the underlying connection has ended, so callers
// selecting alongside Pushed() can notice a dead connection.
func (c *RelayClient) Done() <-chan struct{} { return c.done }

// Request signs and sends a command for rid and blocks for the relay's
// response. signKey is nil for NEW and PING, which the relay does not
// authenticate, and for the one unsigned SEND the protocol allows; every
// other command must supply the private key matching the
// queue role the command requires (RoleRecipient for SUB/KEY/NKEY/OFF/DEL/ACK,
// RoleSender for a secured SEND).
func (c *RelayClient) Request(rid crypto.ID, token string, signKey *[32]byte, args ...[]byte) (*wire.Command, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	inner := &wire.Command{Token: token, Args: args}
	encoded, err := inner.Encode()
	if err != nil {
		return nil, err
	}

	sigBytes := []byte{}
	if signKey != nil {
		sig, err := crypto.Sign(encoded, *signKey)
		if err != nil {
			return nil, errs.Wrap(errs.KindCrypto, "RelayClient.Request", err)
		}
		sigBytes = sig[:]
	}

	outer := &wire.Command{Token: token, Args: append([][]byte{sigBytes}, args...)}
	outerEncoded, err := outer.Encode()
	if err != nil {
		return nil, err
	}

	waitCh := make(chan *wire.Command, 1)
	c.mu.Lock()
	c.waiting = waitCh
	c.mu.Unlock()

	block, err := (&wire.Frame{
		SessionID:     uuid.New(),
		CorrelationID: uuid.NewString(),
		EntityID:      rid,
		Command:       outerEncoded,
	}).Encode(wire.MaxVersion, c.blockSize)
	if err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(block); err != nil {
		return nil, errs.Wrap(errs.KindBroker, "RelayClient.Request", err)
	}

	select {
	case resp := <-waitCh:
		return resp, nil
	case <-c.done:
		return nil, errs.New(errs.KindBroker, "RelayClient.Request", "connection closed before response")
	}
}

// readLoop reads one block per iteration into a fresh buffer; frame.Command
// aliases that buffer, so a buffer reused across iterations would let the
// next read corrupt a command still being decoded by a slower consumer.
func (c *RelayClient) readLoop() {
	log := logrus.WithFields(logrus.Fields{"function": "RelayClient.readLoop"})
	defer close(c.done)
	for {
		buf := make([]byte, c.blockSize)
		n := 0
		for n < len(buf) {
			m, err := c.conn.Read(buf[n:])
			if err != nil {
				log.WithError(err).Debug("relay connection read ended")
				return
			}
			n += m
		}

		frame, _, err := wire.DecodeFrame(buf)
		if err != nil {
			log.WithError(err).Warn("failed to decode frame")
			continue
		}
		cmd, err := wire.DecodeCommand(frame.Command)
		if err != nil {
			log.WithError(err).Warn("failed to decode command")
			continue
		}

		if frame.CorrelationID == "" && (cmd.Token == "MSG" || cmd.Token == "END") {
			select {
			case c.pushed <- PushedFrame{EntityID: frame.EntityID, Command: cmd}:
			default:
				log.Warn("dropped pushed frame, consumer too slow")
			}
			continue
		}

		c.mu.Lock()
		ch := c.waiting
		c.waiting = nil
		c.mu.Unlock()
		if ch == nil {
			log.WithField("token", cmd.Token).Warn("response with no outstanding request")
			continue
		}
		ch <- cmd
	}
}

// Close tears down the underlying connection. Safe to call more than once.
func (c *RelayClient) Close() error {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
	return nil
}
