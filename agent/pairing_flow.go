package agent

import (
	"context"
	"time"

	"github.com/anoncore/smp-core/agentstore"
	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
	"github.com/anoncore/smp-core/wire"
)

// Confirmation is the unsigned pairing confirmation a joiner sends before
// its sender key is bound (§4.4 step 2), staged by WaitConfirmation until
// the application calls AllowConn with it.
type Confirmation struct {
	ID       crypto.ID // the relay message id; also allow_conn's confirmation_id
	SenderVK [32]byte
	DHPub    [32]byte
}

// secureRemoteQueue performs the joiner's half of securing a peer's queue
// (§4.4 step 2): generate a fresh sender signing key and a pairing DH
// keypair separate from the queue's own push-notification DH, derive the
// shared secret from the peer's published pairing DH public key, and
// send the one unsigned SEND the protocol allows. Grounded on
// crypto/shared_secret.go's ECDH and the ratchet role convention in
// crypto/ratchet.go: the joiner is always the sender on the queue it's
// securing, so it seeds a plain (non-mirrored) send ratchet.
func secureRemoteQueue(client *RelayClient, inv *Invitation) (agentstore.QueueRef, *crypto.Ratchet, error) {
	senderSeed, err := newSigningSeed()
	if err != nil {
		return agentstore.QueueRef{}, nil, err
	}
	pairDH, err := crypto.GenerateEphemeralDH()
	if err != nil {
		return agentstore.QueueRef{}, nil, errs.Wrap(errs.KindCrypto, "secureRemoteQueue", err)
	}
	shared, err := crypto.DeriveSharedSecret(inv.PairingDHPub, pairDH.Private)
	if err != nil {
		return agentstore.QueueRef{}, nil, errs.Wrap(errs.KindCrypto, "secureRemoteQueue", err)
	}
	nonce, err := newNonce()
	if err != nil {
		return agentstore.QueueRef{}, nil, err
	}
	confirm := &pairingConfirm{SenderVK: ed25519PublicFromSeed(senderSeed), DHPub: pairDH.Public, Nonce: nonce}

	resp, err := client.Request(inv.SenderID, "SEND", nil, []byte{0}, encodePairingConfirm(confirm), nonce[:])
	if err != nil {
		return agentstore.QueueRef{}, nil, err
	}
	if resp.Token != "OK" {
		return agentstore.QueueRef{}, nil, errs.New(errs.KindBroker, "secureRemoteQueue", "confirmation SEND rejected: "+resp.Token)
	}

	ref := agentstore.QueueRef{
		RelayAddr:  inv.RelayAddr,
		SenderID:   inv.SenderID,
		PrivateKey: senderSeed,
		DHPrivate:  pairDH.Private,
	}
	return ref, crypto.NewRatchet(shared), nil
}

// JoinConn implements join_conn: it learns inv, optionally creates its
// own recipient queue (reply == ReplyDuplex), and secures inv's queue by
// sending the pairing confirmation. Call CompleteJoin afterward to drive
// the HELLO retry loop and, for a duplex connection, send REPLY.
func (a *Agent) JoinConn(ctx context.Context, inv *Invitation, reply ReplyMode, replyRelayAddr string) (*agentstore.Connection, error) {
	remoteClient, err := a.relayClient(ctx, inv.RelayAddr)
	if err != nil {
		return nil, err
	}

	var local agentstore.QueueRef
	if reply == ReplyDuplex {
		if replyRelayAddr == "" {
			replyRelayAddr = inv.RelayAddr
		}
		localClient, err := a.relayClient(ctx, replyRelayAddr)
		if err != nil {
			return nil, err
		}
		q, err := newLocalQueue(localClient, replyRelayAddr)
		if err != nil {
			return nil, err
		}
		local = q.ref
	}

	remote, sendRatchet, err := secureRemoteQueue(remoteClient, inv)
	if err != nil {
		return nil, err
	}

	connID, err := crypto.NewID()
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "Agent.JoinConn", err)
	}
	conn := &agentstore.Connection{
		ConnID:       connID,
		Mode:         agentstore.ModeContact,
		Status:       agentstore.StatusJoined,
		Local:        local,
		Remote:       remote,
		HelloTimeout: defaultHelloTimeout,
		UpdatedAt:    time.Now(),
	}
	if err := a.store.CreateConnection(conn); err != nil {
		return nil, err
	}
	if err := a.store.SaveRatchet(connID, encodeRatchetPair(&ratchetPair{send: sendRatchet})); err != nil {
		return nil, err
	}
	return conn, nil
}

// sendHelloUntilSecured retries a signed HELLO on conn's Remote queue
// until the relay accepts it, proving the peer has bound our sender key
// via KEY (§4.4 step 3). It emits CON by advancing Status to
// StatusActive the moment that happens: "both sides emit CON to their
// application when their own HELLO on the reply queue succeeds" holds
// symmetrically here, since each side always retries HELLO on whichever
// queue it is the sender of.
func (a *Agent) sendHelloUntilSecured(ctx context.Context, connID crypto.ID) error {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		return err
	}
	vk := ed25519PublicFromSeed(conn.Remote.PrivateKey)

	retry := NewRetryState(ProfileFast)
	deadline := time.Now().Add(conn.HelloTimeout)
	for {
		_, err := a.sendEnvelope(ctx, connID, &Envelope{Kind: KindHello, HelloVK: vk, HelloFlags: 0})
		if err == nil {
			break
		}
		if !errs.Is(err, errs.KindAuth) && !errs.Is(err, errs.KindBroker) {
			return err
		}
		if retry.Exhausted() || time.Now().After(deadline) {
			return errs.New(errs.KindAgent, "Agent.sendHelloUntilSecured", "NOT_ACCEPTED: hello-timeout exceeded")
		}
		delay := retry.Next()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	conn, err = a.store.GetConnection(connID)
	if err != nil {
		return err
	}
	conn.Status = agentstore.StatusActive
	conn.UpdatedAt = time.Now()
	return a.store.UpdateConnection(conn)
}

// CompleteJoin drives a joiner's side of pairing to completion: retry
// HELLO on the queue it just secured, then (for a duplex connection)
// send REPLY carrying its own invitation so the peer can join back, and
// finally secure that own queue against the peer's confirmation exactly
// as WaitConfirmation/AllowConn do for the initiator — Local here is
// just this side's recipient queue, so the same two calls establish its
// receive ratchet regardless of which party created it.
func (a *Agent) CompleteJoin(ctx context.Context, connID crypto.ID) error {
	if err := a.sendHelloUntilSecured(ctx, connID); err != nil {
		return err
	}
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		return err
	}
	if conn.Local.RecipientID.IsZero() {
		return nil
	}
	inv := &Invitation{
		RelayAddr:    conn.Local.RelayAddr,
		SenderID:     conn.Local.SenderID,
		PairingDHPub: crypto.PublicFromPrivate(conn.Local.DHPrivate),
		MinVersion:   wire.MinVersion,
		MaxVersion:   wire.MaxVersion,
	}
	if _, err := a.sendEnvelope(ctx, connID, &Envelope{Kind: KindReply, ReplyInvitation: []byte(inv.Encode())}); err != nil {
		return err
	}

	conf, err := a.WaitConfirmation(ctx, connID)
	if err != nil {
		return err
	}
	return a.AllowConn(ctx, connID, conf.ID, nil)
}

// WaitConfirmation implements the receiving half of §4.4 step 2: block
// for the unsigned pairing confirmation a joiner sends to this
// connection's Local queue, and stage it for AllowConn. It does not bind
// the joiner's key itself — that's AllowConn's job — so an application
// that wants to inspect or gate new connections can do so in between.
func (a *Agent) WaitConfirmation(ctx context.Context, connID crypto.ID) (*Confirmation, error) {
	conn, err := a.store.GetConnection(connID)
	if err != nil {
		return nil, err
	}
	client, err := a.relayClient(ctx, conn.Local.RelayAddr)
	if err != nil {
		return nil, err
	}
	msgID, body, err := a.waitForMessage(ctx, client, conn.Local.RecipientID, conn.Local.PrivateKey)
	if err != nil {
		return nil, err
	}
	pc, err := decodePairingConfirm(body)
	if err != nil {
		return nil, err
	}

	// The confirmation occupies the head of the queue; ACK it now so a
	// HELLO the joiner sends right behind it isn't stuck waiting for a
	// slot AllowConn (which may run much later, pending application
	// approval) has no reason to hold open.
	if _, err := client.Request(conn.Local.RecipientID, "ACK", &conn.Local.PrivateKey, idArgBytes(msgID)); err != nil {
		return nil, err
	}

	a.pendingMu.Lock()
	a.pending[msgID] = pc
	a.pendingMu.Unlock()

	return &Confirmation{ID: msgID, SenderVK: pc.SenderVK, DHPub: pc.DHPub}, nil
}

// AllowConn implements allow_conn: it binds the joiner's sender key via
// KEY, derives the shared secret from the staged confirmation's DH half,
// and stores the resulting receive ratchet. info is accepted for parity
// with §4.4's signature but isn't otherwise interpreted by this package;
// an application layer can use it to record why the connection was
// allowed.
func (a *Agent) AllowConn(ctx context.Context, connID crypto.ID, confirmationID crypto.ID, info []byte) error {
	a.pendingMu.Lock()
	pc, ok := a.pending[confirmationID]
	if ok {
		delete(a.pending, confirmationID)
	}
	a.pendingMu.Unlock()
	if !ok {
		return errs.New(errs.KindAgent, "Agent.AllowConn", "no staged confirmation for this id")
	}

	conn, err := a.store.GetConnection(connID)
	if err != nil {
		return err
	}
	client, err := a.relayClient(ctx, conn.Local.RelayAddr)
	if err != nil {
		return err
	}

	shared, err := crypto.DeriveSharedSecret(pc.DHPub, conn.Local.DHPrivate)
	if err != nil {
		return errs.Wrap(errs.KindCrypto, "Agent.AllowConn", err)
	}
	if _, err := client.Request(conn.Local.RecipientID, "KEY", &conn.Local.PrivateKey, pc.SenderVK[:]); err != nil {
		return err
	}

	blob, err := a.store.LoadRatchet(connID)
	if err != nil {
		return err
	}
	pair, err := decodeRatchetPair(blob)
	if err != nil {
		return err
	}
	pair.recv = crypto.NewRatchetMirrored(shared)
	if err := a.store.SaveRatchet(connID, encodeRatchetPair(pair)); err != nil {
		return err
	}

	// A joiner reaching this point (CompleteJoin securing its own reply
	// queue) has already reached StatusActive via its own
	// sendHelloUntilSecured; only bump status for the initiator, who is
	// still at StatusNew at this point in the handshake.
	if conn.Status == agentstore.StatusNew {
		conn.Status = agentstore.StatusJoined
	}
	conn.UpdatedAt = time.Now()
	return a.store.UpdateConnection(conn)
}

// WaitPeerHello blocks for the peer's HELLO on Local (§4.4 step 3's
// counterpart on the recipient side) and records that pairing has
// progressed to StatusConfirmed.
func (a *Agent) WaitPeerHello(ctx context.Context, connID crypto.ID) error {
	for {
		env, _, err := a.receiveEnvelope(ctx, connID)
		if err != nil {
			return err
		}
		if env.Kind != KindHello {
			continue
		}
		conn, err := a.store.GetConnection(connID)
		if err != nil {
			return err
		}
		conn.Status = agentstore.StatusConfirmed
		conn.UpdatedAt = time.Now()
		return a.store.UpdateConnection(conn)
	}
}

// WaitPeerReplyAndJoin blocks for the peer's REPLY on Local (§4.4 step
// 4), then performs the symmetric joiner steps toward the invitation it
// carries and retries HELLO there until this side's own CON fires.
func (a *Agent) WaitPeerReplyAndJoin(ctx context.Context, connID crypto.ID) error {
	var invRaw []byte
	for {
		env, _, err := a.receiveEnvelope(ctx, connID)
		if err != nil {
			return err
		}
		if env.Kind != KindReply {
			continue
		}
		invRaw = env.ReplyInvitation
		break
	}

	inv, err := ParseInvitation(string(invRaw))
	if err != nil {
		return err
	}
	client, err := a.relayClient(ctx, inv.RelayAddr)
	if err != nil {
		return err
	}
	remote, sendRatchet, err := secureRemoteQueue(client, inv)
	if err != nil {
		return err
	}

	conn, err := a.store.GetConnection(connID)
	if err != nil {
		return err
	}
	conn.Remote = remote
	conn.UpdatedAt = time.Now()
	if err := a.store.UpdateConnection(conn); err != nil {
		return err
	}

	blob, err := a.store.LoadRatchet(connID)
	if err != nil {
		return err
	}
	pair, err := decodeRatchetPair(blob)
	if err != nil {
		return err
	}
	pair.send = sendRatchet
	if err := a.store.SaveRatchet(connID, encodeRatchetPair(pair)); err != nil {
		return err
	}

	return a.sendHelloUntilSecured(ctx, connID)
}
