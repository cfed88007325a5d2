package agent

import (
	"context"
	"time"

	"github.com/anoncore/smp-core/agentstore"
	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
	"github.com/anoncore/smp-core/wire"
)

func decodeMsgArgs(cmd *wire.Command) (crypto.ID, []byte, error) {
	if len(cmd.Args) < 4 || len(cmd.Args[0]) != crypto.IDSize {
		return crypto.ID{}, nil, errs.New(errs.KindAgent, "decodeMsgArgs", "malformed MSG command")
	}
	var id crypto.ID
	copy(id[:], cmd.Args[0])
	return id, cmd.Args[3], nil
}

// waitForMessage subscribes (or resubscribes) to rid and returns the next
// MSG delivered, whether it arrives inline on the SUB response (the
// message was already sitting in the queue) or later as an asynchronous
// push. It returns errs.KindBroker if another session evicts this one's
// subscription (an END push) before a message arrives.
func (a *Agent) waitForMessage(ctx context.Context, client *RelayClient, rid crypto.ID, signKey [32]byte) (crypto.ID, []byte, error) {
	resp, err := client.Request(rid, "SUB", &signKey)
	if err != nil {
		return crypto.ID{}, nil, err
	}
	if resp.Token == "MSG" {
		return decodeMsgArgs(resp)
	}
	if resp.Token != "OK" {
		return crypto.ID{}, nil, errs.New(errs.KindBroker, "Agent.waitForMessage", "unexpected SUB response "+resp.Token)
	}

	for {
		select {
		case <-ctx.Done():
			return crypto.ID{}, nil, ctx.Err()
		case <-client.Done():
			return crypto.ID{}, nil, errs.New(errs.KindBroker, "Agent.waitForMessage", "relay connection closed")
		case pushed := <-client.Pushed():
			if pushed.EntityID != rid {
				continue
			}
			if pushed.Command.Token == "END" {
				return crypto.ID{}, nil, errs.New(errs.KindBroker, "Agent.waitForMessage", "subscription evicted by another session")
			}
			if pushed.Command.Token == "MSG" {
				return decodeMsgArgs(pushed.Command)
			}
		}
	}
}

// receiveEnvelope waits for the next message on conn's Local queue,
// opens it under the persisted receive ratchet, integrity-checks it
// against the hash chain (§4.4 "Integrity checks on receive"), and
// acknowledges it to the relay so the queue frees the slot regardless of
// the integrity verdict — a bad or skipped message still has to be
// drained, or the queue never delivers anything after it.
func (a *Agent) receiveEnvelope(ctx context.Context, connID crypto.ID) (*Envelope, IntegrityResult, error) {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		return nil, IntegrityResult{}, err
	}
	client, err := a.relayClient(ctx, conn.Local.RelayAddr)
	if err != nil {
		return nil, IntegrityResult{}, err
	}

	msgID, body, err := a.waitForMessage(ctx, client, conn.Local.RecipientID, conn.Local.PrivateKey)
	if err != nil {
		return nil, IntegrityResult{}, err
	}

	blob, err := a.store.LoadRatchet(connID)
	if err != nil {
		return nil, IntegrityResult{}, err
	}
	pair, err := decodeRatchetPair(blob)
	if err != nil {
		return nil, IntegrityResult{}, err
	}
	if pair.recv == nil {
		return nil, IntegrityResult{}, errs.New(errs.KindAgent, "Agent.receiveEnvelope", "receive ratchet not yet established")
	}

	plaintext, err := pair.recv.Open(body)
	if err != nil {
		return nil, IntegrityResult{}, errs.Wrap(errs.KindCrypto, "Agent.receiveEnvelope", err)
	}
	env, err := DecodeEnvelope(plaintext)
	if err != nil {
		return nil, IntegrityResult{}, err
	}

	result := CheckIntegrity(conn.LastExternalSndID, conn.LastRecvHash, env.SeqID, env.PrevHash)
	canon := encodeEnvelopeFields(env)
	hash := NextRecvHash(canon)

	if err := a.store.SaveRatchet(connID, encodeRatchetPair(pair)); err != nil {
		return nil, IntegrityResult{}, err
	}
	if result.Status == agentstore.IntegrityOk || result.Status == agentstore.IntegritySkipped {
		if err := a.store.AdvanceRecvSeq(connID, env.SeqID, hash); err != nil {
			return nil, IntegrityResult{}, err
		}
		if err := a.store.InsertReceived(connID, &agentstore.ReceivedMessage{
			InternalID:      env.SeqID,
			ServerID:        msgID,
			ServerTimestamp: time.Now(),
			SenderSeq:       env.SeqID,
			SenderTimestamp: env.Time,
			Integrity:       result.Status,
			Body:            env.MsgBody,
		}); err != nil {
			return nil, IntegrityResult{}, err
		}
	}

	if _, err := client.Request(conn.Local.RecipientID, "ACK", &conn.Local.PrivateKey, idArgBytes(msgID)); err != nil {
		return nil, IntegrityResult{}, err
	}

	conn.UpdatedAt = time.Now()
	if err := a.store.UpdateConnection(conn); err != nil {
		return nil, IntegrityResult{}, err
	}
	return env, result, nil
}

// Receive implements the steady-state half of subscribe(conn_id): it
// blocks for the next user-facing MSG envelope, transparently absorbing
// and ACKing any stray HELLO/REPLY/DEL control envelopes that still
// arrive after pairing completes (a retried HELLO the peer sent before
// seeing our own reply, for instance). A DEL control envelope marks the
// connection deleted and is surfaced as an errs.KindAgent error
// ("connection deleted by peer") rather than a message.
func (a *Agent) Receive(ctx context.Context, connID crypto.ID) (*agentstore.ReceivedMessage, error) {
	for {
		env, result, err := a.receiveEnvelope(ctx, connID)
		if err != nil {
			return nil, err
		}
		switch env.Kind {
		case KindMsg:
			return &agentstore.ReceivedMessage{
				InternalID:      env.SeqID,
				SenderSeq:       env.SeqID,
				SenderTimestamp: env.Time,
				Integrity:       result.Status,
				Body:            env.MsgBody,
			}, nil
		case KindDel:
			conn, err := a.store.GetConnection(connID)
			if err != nil {
				return nil, err
			}
			conn.Status = agentstore.StatusDeleted
			conn.UpdatedAt = time.Now()
			if err := a.store.UpdateConnection(conn); err != nil {
				return nil, err
			}
			return nil, errs.New(errs.KindAgent, "Agent.Receive", "connection deleted by peer")
		default:
			continue
		}
	}
}

// Ack implements ack(conn_id, internal_msg_id): marking a received
// message consumed. The relay-level ACK already fired at receive time
// (receiveEnvelope drains the queue slot unconditionally), so this call
// exists for API completeness with §4.4's operation list; this Store
// doesn't expose a query surface over previously inserted
// ReceivedMessage rows to mark individually consumed, so the consuming
// application is expected to track its own read cursor from what Receive
// returns.
func (a *Agent) Ack(ctx context.Context, connID crypto.ID, internalMsgID uint64) error {
	_, err := a.store.GetConnection(connID)
	return err
}

// sendEnvelope is the shared core behind Send and the pairing flow's
// control sends (HELLO/REPLY): it assigns e its sequence number and
// previous-hash from conn's send-side bookkeeping, seals it under the
// connection's send ratchet, and submits it. Only KindMsg envelopes are
// staged as resumable pending sends; a HELLO or REPLY that fails to
// submit is simply retried by the pairing loop with a freshly-assigned
// sequence number, since pairing control envelopes aren't meant to
// survive a process restart independently of the pairing state machine
// that produced them.
func (a *Agent) sendEnvelope(ctx context.Context, connID crypto.ID, e *Envelope) (uint64, error) {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		return 0, err
	}
	if conn.Remote.SenderID.IsZero() {
		return 0, errs.New(errs.KindAgent, "Agent.sendEnvelope", "remote queue not yet established")
	}

	blob, err := a.store.LoadRatchet(connID)
	if err != nil {
		return 0, err
	}
	pair, err := decodeRatchetPair(blob)
	if err != nil {
		return 0, err
	}
	if pair.send == nil {
		return 0, errs.New(errs.KindAgent, "Agent.sendEnvelope", "send ratchet not yet established")
	}

	seq, err := a.store.AdvanceSendSeq(connID)
	if err != nil {
		return 0, err
	}
	e.SeqID = seq
	e.Time = time.Now()
	e.PrevHash = conn.LastSentHash

	cipher, err := sealEnvelope(pair.send, e)
	if err != nil {
		return 0, err
	}

	if e.Kind == KindMsg {
		if err := a.store.InsertPending(connID, &agentstore.PendingMessage{
			InternalID: seq, Body: cipher, NextRetry: time.Now(),
		}); err != nil {
			return 0, err
		}
	}
	if err := a.store.SaveRatchet(connID, encodeRatchetPair(pair)); err != nil {
		return 0, err
	}

	if err := a.submitPending(ctx, conn, seq, cipher); err != nil {
		return seq, err
	}
	conn.LastSentHash = NextRecvHash(encodeEnvelopeFields(e))
	conn.UpdatedAt = time.Now()
	if err := a.store.UpdateConnection(conn); err != nil {
		return seq, err
	}
	return seq, nil
}

// Send implements send(conn_id, body): ratchets a fresh MSG envelope,
// persists it as pending before attempting delivery so a crash between
// sealing and a confirmed SEND can resubmit the same ciphertext without
// re-ratcheting, then submits it.
func (a *Agent) Send(ctx context.Context, connID crypto.ID, body []byte) (uint64, error) {
	return a.sendEnvelope(ctx, connID, &Envelope{Kind: KindMsg, MsgBody: body})
}

// sealEnvelope pads and ratchet-seals e under send, the one place both
// Send and the pairing flow's HELLO/REPLY sends build wire-ready bodies.
func sealEnvelope(send *crypto.Ratchet, e *Envelope) ([]byte, error) {
	padded, err := EncodeEnvelope(e)
	if err != nil {
		return nil, err
	}
	cipher, _, err := send.Seal(padded)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "sealEnvelope", err)
	}
	return cipher, nil
}

func (a *Agent) submitPending(ctx context.Context, conn *agentstore.Connection, seq uint64, cipher []byte) error {
	client, err := a.relayClient(ctx, conn.Remote.RelayAddr)
	if err != nil {
		return err
	}
	resp, err := client.Request(conn.Remote.SenderID, "SEND", &conn.Remote.PrivateKey, []byte{0}, cipher)
	if err != nil {
		return err
	}
	if resp.Token != "OK" {
		return errs.New(errs.KindBroker, "Agent.submitPending", "SEND rejected: "+resp.Token)
	}
	return a.store.AckPending(conn.ConnID, seq)
}

// ResendPending resubmits every still-unconfirmed outbound message on
// connID using its already-ratcheted ciphertext, for a connection that
// reconnected after a crash or relay outage (§4.4 "Retries").
func (a *Agent) ResendPending(ctx context.Context, connID crypto.ID) error {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		return err
	}
	pending, err := a.store.ListPending(connID)
	if err != nil {
		return err
	}
	for _, p := range pending {
		if err := a.submitPending(ctx, conn, p.InternalID, p.Body); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe implements subscribe(conn_id): it establishes the relay
// subscription for Local without waiting for a message, useful for
// warming a connection back up after a restart before calling Receive.
func (a *Agent) Subscribe(ctx context.Context, connID crypto.ID) error {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		return err
	}
	client, err := a.relayClient(ctx, conn.Local.RelayAddr)
	if err != nil {
		return err
	}
	resp, err := client.Request(conn.Local.RecipientID, "SUB", &conn.Local.PrivateKey)
	if err != nil {
		return err
	}
	if resp.Token != "OK" && resp.Token != "MSG" {
		return errs.New(errs.KindBroker, "Agent.Subscribe", "unexpected SUB response "+resp.Token)
	}
	return nil
}

// Suspend implements suspend(conn_id): OFF on the local queue, after
// which the relay refuses further SEND to it while messages already
// queued can still be received. There is no operation that resumes it.
func (a *Agent) Suspend(ctx context.Context, connID crypto.ID) error {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		return err
	}
	client, err := a.relayClient(ctx, conn.Local.RelayAddr)
	if err != nil {
		return err
	}
	if _, err := client.Request(conn.Local.RecipientID, "OFF", &conn.Local.PrivateKey); err != nil {
		return err
	}
	conn.Status = agentstore.StatusSuspended
	conn.UpdatedAt = time.Now()
	return a.store.UpdateConnection(conn)
}

// Delete implements delete(conn_id): DEL on the local queue, then drops
// the local record. The peer learns of the deletion when its next SEND
// to this queue is refused, not via an explicit control message; §4.4
// names DEL only as an agent_msg a peer may choose to send proactively
// (handled as a normal inbound envelope in receiveEnvelope/Receive).
func (a *Agent) Delete(ctx context.Context, connID crypto.ID) error {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		return err
	}
	client, err := a.relayClient(ctx, conn.Local.RelayAddr)
	if err != nil {
		return err
	}
	if _, err := client.Request(conn.Local.RecipientID, "DEL", &conn.Local.PrivateKey); err != nil {
		return err
	}
	return a.store.DeleteConnection(connID)
}

func idArgBytes(id crypto.ID) []byte {
	b := make([]byte, crypto.IDSize)
	copy(b, id[:])
	return b
}
