package agentstore

import (
	"testing"

	"github.com/anoncore/smp-core/crypto"
)

func newConnID(t *testing.T) crypto.ID {
	t.Helper()
	id, err := crypto.NewID()
	if err != nil {
		t.Fatalf("NewID() error: %v", err)
	}
	return id
}

// storeTestSuite runs the same behavioral checks against any Store
// implementation, so MemStore and FileStore are held to one contract.
func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateThenGet", func(t *testing.T) {
		s := newStore(t)
		id := newConnID(t)
		conn := &Connection{ConnID: id, Mode: ModeInvitation, Status: StatusNew}
		if err := s.CreateConnection(conn); err != nil {
			t.Fatalf("CreateConnection() error: %v", err)
		}
		got, err := s.GetConnection(id)
		if err != nil {
			t.Fatalf("GetConnection() error: %v", err)
		}
		if got.Mode != ModeInvitation || got.Status != StatusNew {
			t.Fatalf("GetConnection() = %+v, want Mode=Invitation Status=New", got)
		}
	})

	t.Run("CreateDuplicateFails", func(t *testing.T) {
		s := newStore(t)
		id := newConnID(t)
		conn := &Connection{ConnID: id}
		if err := s.CreateConnection(conn); err != nil {
			t.Fatalf("CreateConnection() error: %v", err)
		}
		if err := s.CreateConnection(conn); err != ErrExists {
			t.Fatalf("second CreateConnection() error = %v, want ErrExists", err)
		}
	})

	t.Run("GetMissingReturnsNotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetConnection(newConnID(t)); err != ErrNotFound {
			t.Fatalf("GetConnection() on missing id error = %v, want ErrNotFound", err)
		}
	})

	t.Run("UpdateConnectionPersists", func(t *testing.T) {
		s := newStore(t)
		id := newConnID(t)
		if err := s.CreateConnection(&Connection{ConnID: id, Status: StatusNew}); err != nil {
			t.Fatalf("CreateConnection() error: %v", err)
		}
		if err := s.UpdateConnection(&Connection{ConnID: id, Status: StatusActive}); err != nil {
			t.Fatalf("UpdateConnection() error: %v", err)
		}
		got, err := s.GetConnection(id)
		if err != nil {
			t.Fatalf("GetConnection() error: %v", err)
		}
		if got.Status != StatusActive {
			t.Fatalf("Status = %v, want Active", got.Status)
		}
	})

	t.Run("DeleteConnectionRemovesIt", func(t *testing.T) {
		s := newStore(t)
		id := newConnID(t)
		if err := s.CreateConnection(&Connection{ConnID: id}); err != nil {
			t.Fatalf("CreateConnection() error: %v", err)
		}
		if err := s.DeleteConnection(id); err != nil {
			t.Fatalf("DeleteConnection() error: %v", err)
		}
		if _, err := s.GetConnection(id); err != ErrNotFound {
			t.Fatalf("GetConnection() after delete error = %v, want ErrNotFound", err)
		}
	})

	t.Run("AdvanceSendSeqIncrements", func(t *testing.T) {
		s := newStore(t)
		id := newConnID(t)
		if err := s.CreateConnection(&Connection{ConnID: id}); err != nil {
			t.Fatalf("CreateConnection() error: %v", err)
		}
		first, err := s.AdvanceSendSeq(id)
		if err != nil {
			t.Fatalf("AdvanceSendSeq() error: %v", err)
		}
		second, err := s.AdvanceSendSeq(id)
		if err != nil {
			t.Fatalf("AdvanceSendSeq() error: %v", err)
		}
		if first != 1 || second != 2 {
			t.Fatalf("AdvanceSendSeq() sequence = %d, %d, want 1, 2", first, second)
		}
	})

	t.Run("AdvanceRecvSeqUpdatesHashChain", func(t *testing.T) {
		s := newStore(t)
		id := newConnID(t)
		if err := s.CreateConnection(&Connection{ConnID: id}); err != nil {
			t.Fatalf("CreateConnection() error: %v", err)
		}
		var hash [32]byte
		hash[0] = 0xaa
		if err := s.AdvanceRecvSeq(id, 5, hash); err != nil {
			t.Fatalf("AdvanceRecvSeq() error: %v", err)
		}
		got, err := s.GetConnection(id)
		if err != nil {
			t.Fatalf("GetConnection() error: %v", err)
		}
		if got.LastExternalSndID != 5 || got.LastRecvHash != hash {
			t.Fatalf("GetConnection() after AdvanceRecvSeq = %+v, want seq=5 hash=%x", got, hash)
		}
	})

	t.Run("PendingMessagesInsertAndAck", func(t *testing.T) {
		s := newStore(t)
		id := newConnID(t)
		if err := s.CreateConnection(&Connection{ConnID: id}); err != nil {
			t.Fatalf("CreateConnection() error: %v", err)
		}
		if err := s.InsertPending(id, &PendingMessage{InternalID: 1, Body: []byte("a")}); err != nil {
			t.Fatalf("InsertPending() error: %v", err)
		}
		if err := s.InsertPending(id, &PendingMessage{InternalID: 2, Body: []byte("b")}); err != nil {
			t.Fatalf("InsertPending() error: %v", err)
		}
		pending, err := s.ListPending(id)
		if err != nil {
			t.Fatalf("ListPending() error: %v", err)
		}
		if len(pending) != 2 {
			t.Fatalf("ListPending() = %d entries, want 2", len(pending))
		}
		if err := s.AckPending(id, 1); err != nil {
			t.Fatalf("AckPending() error: %v", err)
		}
		pending, err = s.ListPending(id)
		if err != nil {
			t.Fatalf("ListPending() error: %v", err)
		}
		if len(pending) != 1 || pending[0].InternalID != 2 {
			t.Fatalf("ListPending() after ack = %+v, want only InternalID=2", pending)
		}
	})

	t.Run("RatchetSaveLoadRoundTrips", func(t *testing.T) {
		s := newStore(t)
		id := newConnID(t)
		if err := s.CreateConnection(&Connection{ConnID: id}); err != nil {
			t.Fatalf("CreateConnection() error: %v", err)
		}
		blob := []byte("opaque ratchet state")
		if err := s.SaveRatchet(id, blob); err != nil {
			t.Fatalf("SaveRatchet() error: %v", err)
		}
		got, err := s.LoadRatchet(id)
		if err != nil {
			t.Fatalf("LoadRatchet() error: %v", err)
		}
		if string(got) != string(blob) {
			t.Fatalf("LoadRatchet() = %q, want %q", got, blob)
		}
	})

	t.Run("SkippedKeySaveLoadDelete", func(t *testing.T) {
		s := newStore(t)
		id := newConnID(t)
		if err := s.CreateConnection(&Connection{ConnID: id}); err != nil {
			t.Fatalf("CreateConnection() error: %v", err)
		}
		var headerKey, key [32]byte
		headerKey[0] = 1
		key[0] = 2
		if err := s.SaveSkippedKey(id, headerKey, 7, key); err != nil {
			t.Fatalf("SaveSkippedKey() error: %v", err)
		}
		got, found, err := s.LoadSkippedKey(id, headerKey, 7)
		if err != nil {
			t.Fatalf("LoadSkippedKey() error: %v", err)
		}
		if !found || got != key {
			t.Fatalf("LoadSkippedKey() = %x, %v, want %x, true", got, found, key)
		}
		if err := s.DeleteSkippedKey(id, headerKey, 7); err != nil {
			t.Fatalf("DeleteSkippedKey() error: %v", err)
		}
		_, found, err = s.LoadSkippedKey(id, headerKey, 7)
		if err != nil {
			t.Fatalf("LoadSkippedKey() after delete error: %v", err)
		}
		if found {
			t.Error("LoadSkippedKey() after delete found = true, want false")
		}
	})
}

func TestMemStore(t *testing.T) {
	storeTestSuite(t, func(t *testing.T) Store { return NewMemStore() })
}
