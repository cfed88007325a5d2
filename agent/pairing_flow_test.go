package agent

import (
	"context"
	"time"

	"testing"

	"github.com/anoncore/smp-core/agentstore"
)

// TestAgentPairingRoundTrip exercises the full duplex pairing handshake
// (§4.4) between two agents A (initiator) and B (joiner) over a single
// real relay, then a message in each direction, matching the shape of
// client_test.go's full round trip but driven through the Agent API
// instead of raw RelayClient calls.
func TestAgentPairingRoundTrip(t *testing.T) {
	trans := startTestRelay(t)

	storeA := agentstore.NewMemStore()
	storeB := agentstore.NewMemStore()
	a := NewAgent(storeA, trans)
	b := NewAgent(storeB, trans)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relayAddr := trans.LocalAddr().String()

	connA, inv, err := a.NewConn(ctx, relayAddr, [32]byte{})
	if err != nil {
		t.Fatalf("NewConn() error: %v", err)
	}

	connB, err := b.JoinConn(ctx, inv, ReplyDuplex, relayAddr)
	if err != nil {
		t.Fatalf("JoinConn() error: %v", err)
	}

	// B's CompleteJoin and A's side of the handshake each block waiting
	// on the other (B's own reply-queue confirmation only arrives once
	// A reaches WaitPeerReplyAndJoin), so they must run concurrently
	// rather than one fully finishing before the other starts.
	doneA := make(chan error, 1)
	doneB := make(chan error, 1)

	go func() { doneB <- b.CompleteJoin(ctx, connB.ConnID) }()
	go func() {
		conf, err := a.WaitConfirmation(ctx, connA.ConnID)
		if err != nil {
			doneA <- err
			return
		}
		if err := a.AllowConn(ctx, connA.ConnID, conf.ID, nil); err != nil {
			doneA <- err
			return
		}
		if err := a.WaitPeerHello(ctx, connA.ConnID); err != nil {
			doneA <- err
			return
		}
		doneA <- a.WaitPeerReplyAndJoin(ctx, connA.ConnID)
	}()

	if err := <-doneA; err != nil {
		t.Fatalf("A pairing flow error: %v", err)
	}
	if err := <-doneB; err != nil {
		t.Fatalf("CompleteJoin() error: %v", err)
	}

	refreshedA, err := storeA.GetConnection(connA.ConnID)
	if err != nil {
		t.Fatalf("GetConnection(A) error: %v", err)
	}
	if refreshedA.Status != agentstore.StatusActive {
		t.Fatalf("A status = %v, want StatusActive", refreshedA.Status)
	}
	refreshedB, err := storeB.GetConnection(connB.ConnID)
	if err != nil {
		t.Fatalf("GetConnection(B) error: %v", err)
	}
	if refreshedB.Status != agentstore.StatusActive {
		t.Fatalf("B status = %v, want StatusActive", refreshedB.Status)
	}

	if _, err := a.Send(ctx, connA.ConnID, []byte("hello from A")); err != nil {
		t.Fatalf("A.Send() error: %v", err)
	}
	msg, err := b.Receive(ctx, connB.ConnID)
	if err != nil {
		t.Fatalf("B.Receive() error: %v", err)
	}
	if string(msg.Body) != "hello from A" {
		t.Fatalf("B received body = %q, want %q", msg.Body, "hello from A")
	}

	if _, err := b.Send(ctx, connB.ConnID, []byte("hello from B")); err != nil {
		t.Fatalf("B.Send() error: %v", err)
	}
	msg, err = a.Receive(ctx, connA.ConnID)
	if err != nil {
		t.Fatalf("A.Receive() error: %v", err)
	}
	if string(msg.Body) != "hello from B" {
		t.Fatalf("A received body = %q, want %q", msg.Body, "hello from B")
	}
}

// TestAgentPairingOneWayReply confirms a connection created with
// ReplyNone never blocks CompleteJoin on sending a REPLY it has no
// queue to describe.
func TestAgentPairingOneWayReply(t *testing.T) {
	trans := startTestRelay(t)
	storeA := agentstore.NewMemStore()
	storeB := agentstore.NewMemStore()
	a := NewAgent(storeA, trans)
	b := NewAgent(storeB, trans)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	relayAddr := trans.LocalAddr().String()

	connA, inv, err := a.NewConn(ctx, relayAddr, [32]byte{})
	if err != nil {
		t.Fatalf("NewConn() error: %v", err)
	}
	connB, err := b.JoinConn(ctx, inv, ReplyNone, "")
	if err != nil {
		t.Fatalf("JoinConn() error: %v", err)
	}
	if !connB.Local.RecipientID.IsZero() {
		t.Fatalf("ReplyNone join created a Local queue, want none")
	}

	done := make(chan error, 1)
	go func() { done <- b.CompleteJoin(ctx, connB.ConnID) }()

	conf, err := a.WaitConfirmation(ctx, connA.ConnID)
	if err != nil {
		t.Fatalf("WaitConfirmation() error: %v", err)
	}
	if err := a.AllowConn(ctx, connA.ConnID, conf.ID, nil); err != nil {
		t.Fatalf("AllowConn() error: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("CompleteJoin() error: %v", err)
	}

	if err := a.WaitPeerHello(ctx, connA.ConnID); err != nil {
		t.Fatalf("WaitPeerHello() error: %v", err)
	}

	if _, err := b.Send(ctx, connB.ConnID, []byte("one way message")); err != nil {
		t.Fatalf("B.Send() error: %v", err)
	}
	msg, err := a.Receive(ctx, connA.ConnID)
	if err != nil {
		t.Fatalf("A.Receive() error: %v", err)
	}
	if string(msg.Body) != "one way message" {
		t.Fatalf("A received body = %q, want %q", msg.Body, "one way message")
	}
}
