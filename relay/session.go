package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
	"github.com/anoncore/smp-core/queue"
	"github.com/anoncore/smp-core/transport"
	"github.com/anoncore/smp-core/wire"
)

// Session is one client connection's command loop: read a block, decode
// it, dispatch the command, write the response block, repeat. A session
// tracks at most one active subscription (§4.3) and is woken by the
// server when another session's SEND lands on that queue. sub is written
// by the run loop's goroutine and read by the push loop's, so it's guarded
// by subMu rather than left a plain field.
type Session struct {
	id        uuid.UUID
	conn      transport.Conn
	version   wire.Version
	blockSize int
	server    *Server

	subMu     sync.Mutex
	sub       crypto.ID
	wakeCh    chan struct{}
	evictedCh chan struct{}
	doneCh    chan struct{}

	versionSet bool

	// activityMu guards the idle-watchdog bookkeeping: lastActivity is
	// bumped on every inbound read and outbound push, pinged records
	// whether the watchdog has already sent its one warning PING for the
	// current idle stretch.
	activityMu   sync.Mutex
	lastActivity time.Time
	pinged       bool

	// writeMu serializes block writes: run's response writes and
	// pushLoop's async MSG/END writes both land on the same conn from
	// different goroutines, and net.Conn gives concurrent Write calls
	// no interleaving guarantee.
	writeMu sync.Mutex
}

func (sess *Session) getSub() crypto.ID {
	sess.subMu.Lock()
	defer sess.subMu.Unlock()
	return sess.sub
}

func newSession(conn transport.Conn, server *Server) *Session {
	return &Session{
		id:           uuid.New(),
		conn:         conn,
		version:      wire.MaxVersion,
		blockSize:    server.blockSize,
		server:       server,
		wakeCh:       make(chan struct{}, 1),
		evictedCh:    make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// touch records inbound or outbound traffic, clearing any pending idle
// warning since the session is no longer quiet.
func (sess *Session) touch() {
	sess.activityMu.Lock()
	sess.lastActivity = time.Now()
	sess.pinged = false
	sess.activityMu.Unlock()
}

func (sess *Session) idleFor() time.Duration {
	sess.activityMu.Lock()
	defer sess.activityMu.Unlock()
	return time.Since(sess.lastActivity)
}

func (sess *Session) hasPinged() bool {
	sess.activityMu.Lock()
	defer sess.activityMu.Unlock()
	return sess.pinged
}

func (sess *Session) markPinged() {
	sess.activityMu.Lock()
	sess.pinged = true
	sess.activityMu.Unlock()
}

// run drives the command loop until the connection errors out or the
// client closes it. It also starts the push-delivery goroutine that
// forwards newly queued messages to an active subscriber without the
// client having to poll with repeated SUBs.
func (sess *Session) run(ctx context.Context) {
	log := logrus.WithFields(logrus.Fields{"function": "Session.run", "session_id": sess.id.String()})

	pushDone := make(chan struct{})
	go func() {
		defer close(pushDone)
		sess.pushLoop(ctx)
	}()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		sess.idleWatch(ctx)
	}()
	defer func() {
		close(sess.doneCh)
		<-pushDone
		<-watchDone
		sess.cleanup()
		sess.conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		block, err := sess.readBlock()
		if err != nil {
			log.WithError(err).Debug("session read ended")
			return
		}
		sess.touch()

		frame, version, err := wire.DecodeFrame(block)
		if err != nil {
			log.WithError(err).Warn("failed to decode frame")
			return
		}
		if !sess.versionSet {
			negotiated, nerr := wire.NegotiateVersion(version, version)
			if nerr != nil {
				log.WithError(nerr).Debug("rejecting unsupported protocol version")
				_ = sess.writeFrame(&wire.Frame{
					SessionID: frame.SessionID, CorrelationID: frame.CorrelationID,
					EntityID: frame.EntityID, Command: mustEncode(&wire.Command{Token: "VERSION"}),
				})
				return
			}
			sess.version = negotiated
			sess.versionSet = true
		}

		cmd, sig, perr := parseSignedCommand(frame.Command)
		var resp *wire.Command
		if perr != nil {
			resp = errResponse(perr)
		} else {
			sess.subMu.Lock()
			resp, _, err = sess.server.dispatcher.Dispatch(frame.EntityID, cmd, sig, &sess.sub)
			sess.subMu.Unlock()
			if err != nil {
				resp = errResponse(err)
			}
		}

		if err := sess.writeFrame(&wire.Frame{
			SessionID: frame.SessionID, CorrelationID: frame.CorrelationID,
			EntityID: frame.EntityID, Command: mustEncode(resp),
		}); err != nil {
			log.WithError(err).Debug("failed to write response")
			return
		}

		if perr == nil {
			sess.afterDispatch(cmd, resp, frame.EntityID)
		}
	}
}

// afterDispatch applies the side effects Dispatch itself can't: updating
// the server's subscriber registry on SUB, and waking the current
// subscriber after a successful SEND.
func (sess *Session) afterDispatch(cmd, resp *wire.Command, rid crypto.ID) {
	switch cmd.Token {
	case "SUB":
		if sub := sess.getSub(); !sub.IsZero() {
			sess.server.subscribe(sub, sess)
		}
	case "SEND":
		if resp.Token == "OK" {
			if q, err := sess.server.store.Get(rid, queue.RoleSender); err == nil {
				sess.server.wake(q.RecipientID)
			}
		}
	}
}

// pushLoop waits for wake signals and eviction notices, delivering the
// next pending message to the client or an END frame when this session's
// subscription has been taken over by another one. It keeps running across
// eviction so a session that later issues a fresh SUB still gets live push
// delivery for its new subscription.
func (sess *Session) pushLoop(ctx context.Context) {
	log := logrus.WithFields(logrus.Fields{"function": "Session.pushLoop", "session_id": sess.id.String()})
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.doneCh:
			return
		case <-sess.evictedCh:
			if sub := sess.getSub(); !sub.IsZero() {
				if err := sess.pushEnd(sub); err != nil {
					log.WithError(err).Debug("failed to send END")
					return
				}
			}
		case <-sess.wakeCh:
			rid := sess.getSub()
			if rid.IsZero() {
				continue
			}
			msg, err := sess.server.store.Peek(rid)
			if err != nil {
				if err != queue.ErrNoMessage {
					log.WithError(err).Warn("push peek failed")
				}
				continue
			}
			if err := sess.pushMessage(rid, msg); err != nil {
				log.WithError(err).Debug("push delivery failed")
				return
			}
		}
	}
}

// idleWatch proactively PINGs a session that has gone quiet for the
// server's idle timeout, and drops it if it is still quiet one more
// check interval after that PING. It never fires during an active
// session, since touch() keeps resetting the clock on both inbound reads
// and outbound pushes.
func (sess *Session) idleWatch(ctx context.Context) {
	timeout := sess.server.idleTimeout
	if timeout <= 0 {
		return
	}
	interval := timeout / 4
	if interval <= 0 {
		interval = timeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.doneCh:
			return
		case <-ticker.C:
			if sess.idleFor() < timeout {
				continue
			}
			if !sess.hasPinged() {
				if err := sess.writeFrame(&wire.Frame{SessionID: sess.id, Command: mustEncode(&wire.Command{Token: "PING"})}); err != nil {
					return
				}
				sess.markPinged()
				continue
			}
			sess.conn.Close()
			return
		}
	}
}

// cleanup drops this session's subscription registration, if any, so a
// dropped connection doesn't permanently block future SUBs on the queue.
func (sess *Session) cleanup() {
	if sub := sess.getSub(); !sub.IsZero() {
		sess.server.unsubscribe(sub, sess)
	}
}

// wakeup signals the push-delivery goroutine that a new message may have
// landed on sess's subscribed queue. Non-blocking: a session mid-delivery
// of an earlier wake coalesces the signal rather than blocking the sender.
func (sess *Session) wakeup() {
	select {
	case sess.wakeCh <- struct{}{}:
	default:
	}
}

// evict tells sess that another session has taken over its subscription;
// the push loop responds by sending an END frame for it. Non-blocking,
// like wakeup: a pending eviction notice coalesces with a new one.
func (sess *Session) evict() {
	select {
	case sess.evictedCh <- struct{}{}:
	default:
	}
}

func (sess *Session) readBlock() ([]byte, error) {
	buf := make([]byte, sess.blockSize)
	n := 0
	for n < len(buf) {
		m, err := sess.conn.Read(buf[n:])
		if err != nil {
			return nil, errs.Wrap(errs.KindBroker, "Session.readBlock", err)
		}
		n += m
	}
	return buf, nil
}

func (sess *Session) writeFrame(f *wire.Frame) error {
	block, err := f.Encode(sess.version, sess.blockSize)
	if err != nil {
		return err
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if _, err := sess.conn.Write(block); err != nil {
		return errs.Wrap(errs.KindBroker, "Session.writeFrame", err)
	}
	return nil
}

func (sess *Session) pushMessage(rid crypto.ID, m *queue.Message) error {
	err := sess.writeFrame(&wire.Frame{SessionID: sess.id, EntityID: rid, Command: mustEncode(messageResponse(m))})
	if err == nil {
		sess.touch()
	}
	return err
}

func (sess *Session) pushEnd(rid crypto.ID) error {
	return sess.writeFrame(&wire.Frame{SessionID: sess.id, EntityID: rid, Command: mustEncode(&wire.Command{Token: "END"})})
}

// mustEncode encodes cmd, falling back to a bare ERR token in the
// unreachable case that a server-constructed response itself fails to
// encode (e.g. too many args), so a bug here degrades to a visible
// protocol error instead of a panic mid-session.
func mustEncode(cmd *wire.Command) []byte {
	b, err := cmd.Encode()
	if err != nil {
		b, _ = (&wire.Command{Token: "ERR", Args: [][]byte{[]byte("internal"), []byte("response encode failed")}}).Encode()
	}
	return b
}

// parseSignedCommand splits the wire-level command into its verification
// signature and the underlying command the signature was computed over.
// By convention the first argument of every command frame is the
// signature (crypto.SignatureSize bytes) or an empty argument for a
// command sent unsigned (NEW, PING, or the pairing confirmation SEND);
// the remaining arguments are the command's real argument list.
func parseSignedCommand(raw []byte) (*wire.Command, *crypto.Signature, error) {
	outer, err := wire.DecodeCommand(raw)
	if err != nil {
		return nil, nil, err
	}
	if len(outer.Args) < 1 {
		return nil, nil, errs.New(errs.KindCommand, "parseSignedCommand", "missing signature slot")
	}
	sigBytes := outer.Args[0]
	inner := &wire.Command{Token: outer.Token, Args: outer.Args[1:]}

	if len(sigBytes) == 0 {
		return inner, nil, nil
	}
	if len(sigBytes) != crypto.SignatureSize {
		return nil, nil, errs.New(errs.KindCommand, "parseSignedCommand", "malformed signature length")
	}
	var sig crypto.Signature
	copy(sig[:], sigBytes)
	return inner, &sig, nil
}
