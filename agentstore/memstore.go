package agentstore

import (
	"sync"

	"github.com/anoncore/smp-core/crypto"
)

type skippedKeyID struct {
	headerKey [32]byte
	msgNum    uint64
}

type connRecord struct {
	conn     Connection
	ratchet  []byte
	pending  map[uint64]*PendingMessage
	received []ReceivedMessage
	skipped  map[skippedKeyID][32]byte
}

// MemStore is an in-memory Store, suitable for tests and for agents that
// don't need state to survive a process restart. All operations copy in
// and out of the map under a single mutex, giving callers the same
// snapshot-isolation guarantee the interface promises without requiring a
// real transaction log.
type MemStore struct {
	mu    sync.Mutex
	conns map[crypto.ID]*connRecord
}

// NewMemStore builds an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{conns: make(map[crypto.ID]*connRecord)}
}

func (m *MemStore) CreateConnection(conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[conn.ConnID]; ok {
		return ErrExists
	}
	cp := *conn
	m.conns[conn.ConnID] = &connRecord{
		conn:    cp,
		pending: make(map[uint64]*PendingMessage),
		skipped: make(map[skippedKeyID][32]byte),
	}
	return nil
}

func (m *MemStore) GetConnection(id crypto.ID) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := rec.conn
	return &cp, nil
}

func (m *MemStore) UpdateConnection(conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[conn.ConnID]
	if !ok {
		return ErrNotFound
	}
	rec.conn = *conn
	return nil
}

func (m *MemStore) DeleteConnection(id crypto.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; !ok {
		return ErrNotFound
	}
	delete(m.conns, id)
	return nil
}

func (m *MemStore) ListConnections() ([]crypto.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]crypto.ID, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemStore) AdvanceSendSeq(id crypto.ID) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return 0, ErrNotFound
	}
	rec.conn.LastInternalSendID++
	return rec.conn.LastInternalSendID, nil
}

func (m *MemStore) AdvanceRecvSeq(id crypto.ID, externalSeq uint64, hash [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return ErrNotFound
	}
	rec.conn.LastExternalSndID = externalSeq
	rec.conn.LastRecvHash = hash
	return nil
}

func (m *MemStore) InsertReceived(id crypto.ID, msg *ReceivedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return ErrNotFound
	}
	rec.received = append(rec.received, *msg)
	rec.conn.LastInternalRecvID = msg.InternalID
	return nil
}

func (m *MemStore) InsertPending(id crypto.ID, msg *PendingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return ErrNotFound
	}
	cp := *msg
	rec.pending[msg.InternalID] = &cp
	return nil
}

func (m *MemStore) AckPending(id crypto.ID, internalID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return ErrNotFound
	}
	delete(rec.pending, internalID)
	return nil
}

func (m *MemStore) ListPending(id crypto.ID) ([]*PendingMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*PendingMessage, 0, len(rec.pending))
	for _, p := range rec.pending {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemStore) SaveRatchet(id crypto.ID, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return ErrNotFound
	}
	rec.ratchet = append([]byte(nil), state...)
	return nil
}

func (m *MemStore) LoadRatchet(id crypto.ID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), rec.ratchet...), nil
}

func (m *MemStore) SaveSkippedKey(id crypto.ID, headerKey [32]byte, msgNum uint64, key [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return ErrNotFound
	}
	rec.skipped[skippedKeyID{headerKey, msgNum}] = key
	return nil
}

func (m *MemStore) LoadSkippedKey(id crypto.ID, headerKey [32]byte, msgNum uint64) ([32]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return [32]byte{}, false, ErrNotFound
	}
	key, found := rec.skipped[skippedKeyID{headerKey, msgNum}]
	return key, found, nil
}

func (m *MemStore) DeleteSkippedKey(id crypto.ID, headerKey [32]byte, msgNum uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conns[id]
	if !ok {
		return ErrNotFound
	}
	delete(rec.skipped, skippedKeyID{headerKey, msgNum})
	return nil
}

func (m *MemStore) Close() error { return nil }
