// Package agentstore is the abstract persistence port for connection
// agent state: connections, ratchet blobs, skipped-message keys, and the
// received/pending message tables a connection agent needs to survive a
// restart. The agent depends only on the Store interface; which concrete
// backend is wired in (an in-memory map for tests, an encrypted-at-rest
// file store for production) is a deployment decision, never an import
// the agent package itself makes.
package agentstore

import (
	"time"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
)

// ConnectionMode distinguishes the two ways a connection can be created.
type ConnectionMode int

const (
	ModeInvitation ConnectionMode = iota
	ModeContact
)

// ConnectionStatus is a connection's lifecycle stage (§3.3).
type ConnectionStatus int

const (
	StatusNew ConnectionStatus = iota
	StatusJoined
	StatusConfirmed
	StatusActive
	StatusSuspended
	StatusDeleted
)

// IntegrityStatus classifies a received message against the sender's
// hash chain, per the receive-side integrity check.
type IntegrityStatus int

const (
	IntegrityOk IntegrityStatus = iota
	IntegritySkipped
	IntegrityBadID
	IntegrityBadHash
)

// QueueRef is one half of a connection's duplex pair: the queue's id on
// the relay plus the local key material the agent needs to act on it.
type QueueRef struct {
	RelayAddr   string
	RecipientID crypto.ID // recipient id, as seen from this side
	SenderID    crypto.ID // sender id, as seen from this side
	PrivateKey  [32]byte  // local signing key for this queue's role
	DHPrivate   [32]byte  // local ephemeral DH private key for secret derivation
}

// Connection is an agent-side duplex connection: a local receiving queue
// paired with a foreign sending queue, plus the ratchet and hash-chain
// bookkeeping the agent advances on every message (§3.1 "Connection").
type Connection struct {
	ConnID crypto.ID
	Mode   ConnectionMode
	Status ConnectionStatus

	Local  QueueRef // owned locally; the agent subscribes here
	Remote QueueRef // the peer's queue; the agent sends here

	LastInternalSendID uint64
	LastInternalRecvID uint64
	LastExternalSndID  uint64
	LastRecvHash       [32]byte
	LastSentHash       [32]byte

	HelloTimeout time.Duration
	UpdatedAt    time.Time
}

// ReceivedMessage is one inbound agent message, recorded with the
// metadata the integrity check and the application's read cursor need.
type ReceivedMessage struct {
	InternalID      uint64
	ServerID        crypto.ID
	ServerTimestamp time.Time
	SenderSeq       uint64
	SenderTimestamp time.Time
	Integrity       IntegrityStatus
	Body            []byte
}

// PendingMessage is an outbound agent message the agent has ratcheted and
// persisted but not yet had SEND confirmed for, so it can be resubmitted
// after a crash or a connection retry without re-ratcheting.
type PendingMessage struct {
	InternalID uint64
	Body       []byte
	Attempts   int
	NextRetry  time.Time
}

// Store is the abstract persistence port named in §1: every operation is
// atomic and a reader observes a consistent snapshot of the record it asks
// for, so the agent never has to reason about partial writes.
type Store interface {
	CreateConnection(conn *Connection) error
	GetConnection(id crypto.ID) (*Connection, error)
	UpdateConnection(conn *Connection) error
	DeleteConnection(id crypto.ID) error
	ListConnections() ([]crypto.ID, error)

	// AdvanceSendSeq returns the next internal send sequence number for
	// id, persisting the increment before returning it.
	AdvanceSendSeq(id crypto.ID) (uint64, error)
	// AdvanceRecvSeq records that a message with hash chain value hash was
	// accepted from the peer, advancing the last-external-send id to
	// externalSeq.
	AdvanceRecvSeq(id crypto.ID, externalSeq uint64, hash [32]byte) error

	InsertReceived(id crypto.ID, msg *ReceivedMessage) error
	InsertPending(id crypto.ID, msg *PendingMessage) error
	AckPending(id crypto.ID, internalID uint64) error
	ListPending(id crypto.ID) ([]*PendingMessage, error)

	SaveRatchet(id crypto.ID, state []byte) error
	LoadRatchet(id crypto.ID) ([]byte, error)

	SaveSkippedKey(id crypto.ID, headerKey [32]byte, msgNum uint64, key [32]byte) error
	LoadSkippedKey(id crypto.ID, headerKey [32]byte, msgNum uint64) ([32]byte, bool, error)
	DeleteSkippedKey(id crypto.ID, headerKey [32]byte, msgNum uint64) error

	Close() error
}

// ErrNotFound is returned by GetConnection, LoadRatchet and related reads
// when no record exists for the given id. Compared by identity so callers
// can distinguish "not there yet" from a genuine storage failure.
var ErrNotFound = errs.New(errs.KindStore, "agentstore", "record not found")

// ErrExists is returned by CreateConnection when the id is already taken.
var ErrExists = errs.New(errs.KindStore, "agentstore", "connection already exists")
