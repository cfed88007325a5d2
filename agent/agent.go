package agent

import (
	"context"
	"sync"
	"time"

	"github.com/anoncore/smp-core/agentstore"
	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
	"github.com/anoncore/smp-core/transport"
	"github.com/anoncore/smp-core/wire"
)

// defaultHelloTimeout bounds how long a connection retries its pairing
// HELLO before §4.4's "hello-timeout" fails it with NOT_ACCEPTED.
const defaultHelloTimeout = 2 * time.Minute

// Agent is the connection agent (§4.4): it owns no transport state of its
// own beyond a small pool of relay connections, keeping all durable state
// in the agentstore.Store it's constructed with so a process restart picks
// up exactly where pairing or message delivery left off.
type Agent struct {
	store agentstore.Store
	trans transport.Transport

	mu      sync.Mutex
	clients map[string]*RelayClient

	pendingMu sync.Mutex
	pending   map[crypto.ID]*pairingConfirm // confirmation id -> staged confirm, see allow_conn
}

// NewAgent builds a connection agent over store, dialing relays through trans.
func NewAgent(store agentstore.Store, trans transport.Transport) *Agent {
	return &Agent{
		store:   store,
		trans:   trans,
		clients: make(map[string]*RelayClient),
		pending: make(map[crypto.ID]*pairingConfirm),
	}
}

// relayClient returns a cached connection to addr, dialing a fresh one if
// none exists yet or the cached one has died.
func (a *Agent) relayClient(ctx context.Context, addr string) (*RelayClient, error) {
	a.mu.Lock()
	if c, ok := a.clients[addr]; ok {
		select {
		case <-c.Done():
			delete(a.clients, addr)
		default:
			a.mu.Unlock()
			return c, nil
		}
	}
	a.mu.Unlock()

	c, err := DialRelay(ctx, a.trans, addr)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.clients[addr] = c
	a.mu.Unlock()
	return c, nil
}

// localQueue is the result of creating one recipient queue on a relay: the
// persistable QueueRef plus the pairing DH public half that goes into an
// Invitation (the private half lives only in the QueueRef).
type localQueue struct {
	ref   agentstore.QueueRef
	pairDHPub [32]byte
}

// newLocalQueue issues NEW on client and returns the fresh recipient
// queue's persistable state. The queue's push-notification DH keypair
// (crypto.GenerateEphemeralDH, the dhkey argument to NEW) is generated
// and discarded after the call: this agent doesn't implement push
// notifications, so nothing needs that private half to survive past the
// NEW round trip. The pairing DH keypair is a separate key entirely
// (QueueRef.DHPrivate) — the relay never sees its public half, since a
// connection's end-to-end secret must not be derivable by the relay that
// merely forwards the pairing confirmation.
func newLocalQueue(client *RelayClient, relayAddr string) (*localQueue, error) {
	seed, err := newSigningSeed()
	if err != nil {
		return nil, err
	}
	rpub := ed25519PublicFromSeed(seed)

	pushDH, err := crypto.GenerateEphemeralDH()
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "newLocalQueue", err)
	}
	pairDH, err := crypto.GenerateEphemeralDH()
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "newLocalQueue", err)
	}

	resp, err := client.Request(crypto.ID{}, "NEW", nil, rpub[:], pushDH.Public[:])
	if err != nil {
		return nil, err
	}
	if resp.Token != "IDS" || len(resp.Args) < 2 {
		return nil, errs.New(errs.KindBroker, "newLocalQueue", "NEW did not return IDS")
	}
	var rid, sid crypto.ID
	copy(rid[:], resp.Args[0])
	copy(sid[:], resp.Args[1])

	return &localQueue{
		ref: agentstore.QueueRef{
			RelayAddr:   relayAddr,
			RecipientID: rid,
			SenderID:    sid,
			PrivateKey:  seed,
			DHPrivate:   pairDH.Private,
		},
		pairDHPub: pairDH.Public,
	}, nil
}

// NewConn implements new_conn: it creates a fresh recipient queue on
// relayAddr and returns the connection record plus the out-of-band
// invitation a peer uses to join it. serverKeyHash is the relay's
// published fingerprint, opaque to this package (§6); pass the zero
// value if the relay publishes none.
func (a *Agent) NewConn(ctx context.Context, relayAddr string, serverKeyHash [32]byte) (*agentstore.Connection, *Invitation, error) {
	client, err := a.relayClient(ctx, relayAddr)
	if err != nil {
		return nil, nil, err
	}
	q, err := newLocalQueue(client, relayAddr)
	if err != nil {
		return nil, nil, err
	}

	connID, err := crypto.NewID()
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindCrypto, "Agent.NewConn", err)
	}
	conn := &agentstore.Connection{
		ConnID:       connID,
		Mode:         agentstore.ModeInvitation,
		Status:       agentstore.StatusNew,
		Local:        q.ref,
		HelloTimeout: defaultHelloTimeout,
		UpdatedAt:    time.Now(),
	}
	if err := a.store.CreateConnection(conn); err != nil {
		return nil, nil, err
	}

	inv := &Invitation{
		RelayAddr:     relayAddr,
		ServerKeyHash: serverKeyHash,
		SenderID:      q.ref.SenderID,
		PairingDHPub:  q.pairDHPub,
		MinVersion:    wire.MinVersion,
		MaxVersion:    wire.MaxVersion,
	}
	return conn, inv, nil
}
