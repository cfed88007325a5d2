package xftp

import (
	"sync"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
)

// ErrNotFound is returned when a sender or recipient id has no chunk
// registered, and ErrNotReady when a recipient fetches before the
// sender's FPUT has landed. Grounded on queue/store.go's ErrNoMessage /
// not-found split, generalized from a message's delivery lifecycle to a
// chunk's upload-then-fetch one.
var (
	ErrNotFound = errs.New(errs.KindStore, "xftp", "chunk not found")
	ErrNotReady = errs.New(errs.KindFile, "xftp", "chunk not yet uploaded")
)

type recipientSlot struct {
	id  crypto.ID
	key [32]byte
}

// chunkRecord is one relay's bookkeeping for a single FNEW/FPUT pair:
// the sender's own credential, the body once uploaded, and the set of
// recipients allowed to FGET/FACK it. Grounded on queue/record.go's
// Queue record, generalized from a FIFO log to a write-once blob with
// independent per-recipient read/ack state.
type chunkRecord struct {
	mu         sync.Mutex
	senderID   crypto.ID
	senderKey  [32]byte
	recipients []recipientSlot
	body       []byte
	acked      map[crypto.ID]bool
}

// Store holds uploaded chunks in memory, keyed by both the sender id
// (used by FPUT/FDEL) and each recipient id (used by FGET/FACK).
// Grounded on queue/store.go's Store: the same random-id-keyed map
// shape, generalized from queued messages to fetched blobs.
type Store struct {
	mu          sync.Mutex
	bySender    map[crypto.ID]*chunkRecord
	byRecipient map[crypto.ID]*chunkRecord
}

// NewStore builds an empty in-memory chunk store.
func NewStore() *Store {
	return &Store{
		bySender:    make(map[crypto.ID]*chunkRecord),
		byRecipient: make(map[crypto.ID]*chunkRecord),
	}
}

// Create implements FNEW: it registers a fresh chunk slot under a new
// sender id and mints one recipient id per key in recipientKeys, so the
// sender can hand each recipient a distinct credential for that chunk.
func (s *Store) Create(senderKey [32]byte, recipientKeys [][32]byte) (crypto.ID, []crypto.ID, error) {
	sid, err := crypto.NewID()
	if err != nil {
		return crypto.ID{}, nil, errs.Wrap(errs.KindCrypto, "Store.Create", err)
	}
	slots := make([]recipientSlot, len(recipientKeys))
	ids := make([]crypto.ID, len(recipientKeys))
	for i, k := range recipientKeys {
		rid, err := crypto.NewID()
		if err != nil {
			return crypto.ID{}, nil, errs.Wrap(errs.KindCrypto, "Store.Create", err)
		}
		slots[i] = recipientSlot{id: rid, key: k}
		ids[i] = rid
	}

	rec := &chunkRecord{senderID: sid, senderKey: senderKey, recipients: slots, acked: make(map[crypto.ID]bool)}

	s.mu.Lock()
	s.bySender[sid] = rec
	for _, slot := range slots {
		s.byRecipient[slot.id] = rec
	}
	s.mu.Unlock()

	return sid, ids, nil
}

// SenderKey returns the verification key FPUT/FDEL must be signed
// against for sid.
func (s *Store) SenderKey(sid crypto.ID) ([32]byte, error) {
	s.mu.Lock()
	rec, ok := s.bySender[sid]
	s.mu.Unlock()
	if !ok {
		return [32]byte{}, ErrNotFound
	}
	return rec.senderKey, nil
}

// RecipientKey returns the verification key FGET/FACK must be signed
// against for rid.
func (s *Store) RecipientKey(rid crypto.ID) ([32]byte, error) {
	s.mu.Lock()
	rec, ok := s.byRecipient[rid]
	s.mu.Unlock()
	if !ok {
		return [32]byte{}, ErrNotFound
	}
	for _, slot := range rec.recipients {
		if slot.id == rid {
			return slot.key, nil
		}
	}
	return [32]byte{}, ErrNotFound
}

// Put implements FPUT: it stores body against sid. A chunk accepts
// exactly one FPUT; a retried upload after a transient failure must
// register a fresh chunk via FNEW rather than overwrite this one, so a
// recipient who already fetched the first body never observes it change
// under them.
func (s *Store) Put(sid crypto.ID, body []byte) error {
	s.mu.Lock()
	rec, ok := s.bySender[sid]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.body != nil {
		return errs.New(errs.KindFile, "Store.Put", "chunk already uploaded")
	}
	rec.body = append([]byte(nil), body...)
	return nil
}

// Get implements the read half of FGET: it returns the uploaded body for
// rid, or ErrNotReady if the sender hasn't FPUT yet.
func (s *Store) Get(rid crypto.ID) ([]byte, error) {
	s.mu.Lock()
	rec, ok := s.byRecipient[rid]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.body == nil {
		return nil, ErrNotReady
	}
	return rec.body, nil
}

// Ack implements FACK: it records that rid has fetched its chunk.
func (s *Store) Ack(rid crypto.ID) error {
	s.mu.Lock()
	rec, ok := s.byRecipient[rid]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	rec.acked[rid] = true
	rec.mu.Unlock()
	return nil
}

// Delete implements FDEL: it removes sid's chunk and every recipient
// slot registered against it, called once the sender's upload fails
// permanently or the application explicitly deletes the file.
func (s *Store) Delete(sid crypto.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bySender[sid]
	if !ok {
		return ErrNotFound
	}
	delete(s.bySender, sid)
	for _, slot := range rec.recipients {
		delete(s.byRecipient, slot.id)
	}
	return nil
}
