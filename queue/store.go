package queue

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
)

// Status is a queue's lifecycle state.
type Status int

const (
	StatusActive Status = iota
	StatusSuspended
	StatusDeleted
)

// Role selects which of a queue's ids Get indexes by. The three ids are
// globally unique and unrelated (§3.1), so a lookup must be told which
// namespace to search rather than guessing from the id's bytes.
type Role int

const (
	// RoleRecipient looks up by the queue's own id (SUB, KEY, NKEY, OFF, DEL, ACK).
	RoleRecipient Role = iota
	// RoleSender looks up by the id handed to whoever sends into the queue (SEND).
	RoleSender
	// RoleNotifier looks up by the id handed to the push notifier (NSUB).
	RoleNotifier
)

// Queue is one unidirectional message channel: a recipient identity that
// owns it, an optional sender identity once secured, an optional
// notifier identity for push, and the append-only log backing it.
// Per-entity mutual exclusion (§5) is this struct's own mutex.
type Queue struct {
	mu sync.Mutex

	RecipientID  crypto.ID
	SenderID     crypto.ID
	RecipientKey [32]byte
	RecipientDH  [32]byte
	ServerDHPriv [32]byte
	SenderKey    [32]byte
	NotifierID   crypto.ID
	NotifierKey  [32]byte
	NotifierDH   [32]byte
	Status       Status
	Log          *MessageLog
}

// Secured reports whether a sender key has been bound to the queue.
func (q *Queue) Secured() bool { return q.SenderKey != ([32]byte{}) }

// NotificationSecret derives the symmetric secret used to encrypt push
// tokens for this queue, per §3.1's recipient_dh_secret.
func (q *Queue) NotificationSecret() ([32]byte, error) {
	return crypto.DeriveQueueSecret(q.RecipientDH, q.ServerDHPriv)
}

// Store is the relay's queue index: the store-log write-ahead journal
// plus an in-memory map of active queues, each with its own message log.
// Grounded on async.MessageStorage's mutex-guarded maps, generalized
// from an in-memory-only store to one backed by a replayable journal.
type Store struct {
	mu            sync.RWMutex
	journal       *Journal
	journalPath   string
	baseDir       string
	queues        map[crypto.ID]*Queue
	bySender      map[crypto.ID]*Queue
	byNotifier    map[crypto.ID]*Queue
	quotas        *quotaState
	defaultQuota  Quota
	maxMsgCount   int
	maxStateLines int
	maxBackups    int
}

// DefaultMaxMsgCount and DefaultMaxStateLines bound a single message
// journal file's length and the per-queue state log's length before
// rollover/compaction respectively.
const (
	DefaultMaxMsgCount   = 10000
	DefaultMaxStateLines = 1000
	DefaultMaxBackups    = 2
)

// NewStore opens (or creates) the store-log at journalPath and the
// sharded message-journal tree under baseDir, replaying prior state.
func NewStore(baseDir, journalPath string, defaultQuota Quota) (*Store, error) {
	j, err := OpenJournal(journalPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "NewStore", err)
	}

	s := &Store{
		journal:       j,
		journalPath:   journalPath,
		baseDir:       baseDir,
		queues:        make(map[crypto.ID]*Queue),
		bySender:      make(map[crypto.ID]*Queue),
		byNotifier:    make(map[crypto.ID]*Queue),
		quotas:        newQuotaState(),
		defaultQuota:  defaultQuota,
		maxMsgCount:   DefaultMaxMsgCount,
		maxStateLines: DefaultMaxStateLines,
		maxBackups:    DefaultMaxBackups,
	}

	if err := s.replay(); err != nil {
		j.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) replay() error {
	log := logrus.WithFields(logrus.Fields{"function": "Store.replay"})
	count := 0
	err := s.journal.Replay(func(r *Record) error {
		count++
		return s.apply(r)
	})
	if err != nil {
		return errs.Wrap(errs.KindStore, "Store.replay", err)
	}
	log.WithFields(logrus.Fields{"records": count, "active_queues": len(s.queues)}).
		Info("store-log replay complete")
	return nil
}

// apply folds one journal record into the in-memory index, used both
// during startup replay and (implicitly) as the authoritative state
// transition each mutating operation performs before appending.
func (s *Store) apply(r *Record) error {
	switch r.Kind {
	case RecordCreate:
		ml, err := OpenMessageLog(s.baseDir, r.RecipientID, s.maxMsgCount, s.maxStateLines)
		if err != nil {
			return err
		}
		q := &Queue{
			RecipientID:  r.RecipientID,
			SenderID:     r.SenderID,
			RecipientKey: r.RecipientKey,
			RecipientDH:  r.RecipientDH,
			ServerDHPriv: r.ServerDHPriv,
			Log:          ml,
		}
		s.queues[r.RecipientID] = q
		s.bySender[r.SenderID] = q
	case RecordSecure:
		if q, ok := s.queues[r.RecipientID]; ok {
			q.SenderKey = r.SenderKey
		}
	case RecordNotifier:
		if q, ok := s.queues[r.RecipientID]; ok {
			if !q.NotifierID.IsZero() {
				delete(s.byNotifier, q.NotifierID)
			}
			q.NotifierID = r.NotifierID
			q.NotifierKey = r.NotifierKey
			q.NotifierDH = r.NotifierDH
			s.byNotifier[r.NotifierID] = q
		}
	case RecordNDelete:
		if q, ok := s.queues[r.RecipientID]; ok {
			delete(s.byNotifier, q.NotifierID)
			q.NotifierID = crypto.ID{}
			q.NotifierKey = [32]byte{}
			q.NotifierDH = [32]byte{}
		}
	case RecordSuspend:
		if q, ok := s.queues[r.RecipientID]; ok {
			q.Status = StatusSuspended
		}
	case RecordDelete:
		if q, ok := s.queues[r.RecipientID]; ok {
			q.Log.Close()
			delete(s.queues, r.RecipientID)
			delete(s.bySender, q.SenderID)
			if !q.NotifierID.IsZero() {
				delete(s.byNotifier, q.NotifierID)
			}
		}
	case RecordTime:
		// Liveness/clock marker only; no state to fold.
	}
	return nil
}

// Create provisions a fresh recipient queue, returning it along with the
// server's ephemeral DH public key (srv_dh in the NEW response).
func (s *Store) Create(recipientKey, recipientDH [32]byte) (*Queue, [32]byte, error) {
	rid, err := crypto.NewID()
	if err != nil {
		return nil, [32]byte{}, errs.Wrap(errs.KindStore, "Store.Create", err)
	}
	sid, err := crypto.NewID()
	if err != nil {
		return nil, [32]byte{}, errs.Wrap(errs.KindStore, "Store.Create", err)
	}
	serverDH, err := crypto.GenerateEphemeralDH()
	if err != nil {
		return nil, [32]byte{}, errs.Wrap(errs.KindStore, "Store.Create", err)
	}

	rec := &Record{
		Kind: RecordCreate, RecipientID: rid, SenderID: sid,
		RecipientKey: recipientKey, RecipientDH: recipientDH, ServerDHPriv: serverDH.Private,
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.journal.Append(rec); err != nil {
		return nil, [32]byte{}, err
	}
	if err := s.apply(rec); err != nil {
		return nil, [32]byte{}, err
	}
	return s.queues[rid], serverDH.Public, nil
}

// Get looks up a queue by id under the given role's namespace: a
// recipient id resolves against the queue's own id, a sender id against
// the id handed to whoever sends into it, a notifier id against the id
// handed to its push notifier.
func (s *Store) Get(id crypto.ID, role Role) (*Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var q *Queue
	var ok bool
	switch role {
	case RoleSender:
		q, ok = s.bySender[id]
	case RoleNotifier:
		q, ok = s.byNotifier[id]
	default:
		q, ok = s.queues[id]
	}
	if !ok {
		return nil, errs.New(errs.KindAuth, "Store.Get", "queue not found")
	}
	return q, nil
}

// Secure binds a sender key to a queue. Calling it twice with the same
// key has the same effect as calling it once (§8 idempotence).
func (s *Store) Secure(rid crypto.ID, senderKey [32]byte) error {
	return s.mutate(&Record{Kind: RecordSecure, RecipientID: rid, SenderKey: senderKey})
}

// AddNotifier binds a push notifier to a queue, returning the assigned
// notifier id and the server's notifier DH public key (srv_ndh).
func (s *Store) AddNotifier(rid crypto.ID, notifierKey, notifierDH [32]byte) (crypto.ID, [32]byte, error) {
	nid, err := crypto.NewID()
	if err != nil {
		return crypto.ID{}, [32]byte{}, errs.Wrap(errs.KindStore, "Store.AddNotifier", err)
	}
	serverNDH, err := crypto.GenerateEphemeralDH()
	if err != nil {
		return crypto.ID{}, [32]byte{}, errs.Wrap(errs.KindStore, "Store.AddNotifier", err)
	}
	if err := s.mutate(&Record{
		Kind: RecordNotifier, RecipientID: rid, NotifierID: nid,
		NotifierKey: notifierKey, NotifierDH: notifierDH,
	}); err != nil {
		return crypto.ID{}, [32]byte{}, err
	}
	return nid, serverNDH.Public, nil
}

// Suspend marks a queue as off without deleting it: Send refuses new
// messages, while messages already queued can still be read and acked.
func (s *Store) Suspend(rid crypto.ID) error {
	return s.mutate(&Record{Kind: RecordSuspend, RecipientID: rid})
}

// Delete removes a queue permanently.
func (s *Store) Delete(rid crypto.ID) error {
	return s.mutate(&Record{Kind: RecordDelete, RecipientID: rid})
}

// DeleteNotifier unbinds rid's push notifier without otherwise disturbing
// the queue, per §4.1's delete_notifier(rid).
func (s *Store) DeleteNotifier(rid crypto.ID) error {
	return s.mutate(&Record{Kind: RecordNDelete, RecipientID: rid})
}

func (s *Store) mutate(rec *Record) error {
	rec.Timestamp = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[rec.RecipientID]; !ok && rec.Kind != RecordCreate {
		return errs.New(errs.KindAuth, "Store.mutate", "queue not found")
	}
	if err := s.journal.Append(rec); err != nil {
		return err
	}
	return s.apply(rec)
}

// ErrQuotaExceeded is returned by Send once a queue's message quota is
// full, whether or not this call is the one that appended the marker
// message. Callers distinguish it from other store errors by identity.
var ErrQuotaExceeded = errs.New(errs.KindStore, "Store.Send", "quota exceeded")

// Send appends a message to the log of the queue whose sender id is rid
// if quota allows, or the quota-exhausted marker the first time quota is
// exceeded. A suspended queue refuses every send.
func (s *Store) Send(rid crypto.ID, flags byte, body []byte) (crypto.ID, error) {
	q, err := s.Get(rid, RoleSender)
	if err != nil {
		return crypto.ID{}, err
	}
	s.mu.RLock()
	suspended := q.Status == StatusSuspended
	s.mu.RUnlock()
	if suspended {
		return crypto.ID{}, errs.New(errs.KindAuth, "Store.Send", "queue is suspended")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	ok, appendMarker := s.quotas.reserve(q.RecipientID, s.queueQuota())
	if !ok && !appendMarker {
		return crypto.ID{}, ErrQuotaExceeded
	}

	id, err := crypto.NewID()
	if err != nil {
		return crypto.ID{}, errs.Wrap(errs.KindStore, "Store.Send", err)
	}
	msg := &Message{ID: id, Timestamp: time.Now(), Flags: flags, Body: body, Quota: appendMarker}
	if appendMarker {
		msg.Body = nil
	}
	if err := q.Log.Append(msg); err != nil {
		return crypto.ID{}, err
	}
	if appendMarker {
		return crypto.ID{}, ErrQuotaExceeded
	}
	return id, nil
}

func (s *Store) queueQuota() Quota { return s.defaultQuota }

// Peek returns the next undelivered message for rid without consuming it.
func (s *Store) Peek(rid crypto.ID) (*Message, error) {
	q, err := s.Get(rid, RoleRecipient)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Log.Peek()
}

// Ack consumes the currently peeked message for rid, if mid matches it.
func (s *Store) Ack(rid crypto.ID, mid crypto.ID) error {
	q, err := s.Get(rid, RoleRecipient)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	peeked, err := q.Log.Peek()
	if err != nil {
		return errs.New(errs.KindCommand, "Store.Ack", "no message to ack")
	}
	if peeked.ID != mid {
		return errs.New(errs.KindCommand, "Store.Ack", "ack id does not match peeked message")
	}
	if err := q.Log.Advance(); err != nil {
		return err
	}
	s.quotas.release(rid)
	return nil
}

// ActiveRecipientIDs lists every queue currently in the store.
func (s *Store) ActiveRecipientIDs() []crypto.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]crypto.ID, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	return ids
}

// expireOlderThan drops every message at the head of rid's log older
// than cutoff, returning how many were removed.
func (s *Store) expireOlderThan(rid crypto.ID, cutoff time.Time) (int, error) {
	q, err := s.Get(rid, RoleRecipient)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for {
		dropped, err := q.Log.DropIfOlderThan(cutoff)
		if err != nil {
			return n, err
		}
		if !dropped {
			return n, nil
		}
		n++
	}
}

// Compact rewrites the store-log to a snapshot of currently active
// queues, per §4.1's compaction policy.
func (s *Store) Compact() error {
	s.mu.RLock()
	active := make([]*Record, 0, len(s.queues))
	for _, q := range s.queues {
		active = append(active, &Record{
			Kind: RecordCreate, RecipientID: q.RecipientID, SenderID: q.SenderID,
			RecipientKey: q.RecipientKey, RecipientDH: q.RecipientDH, ServerDHPriv: q.ServerDHPriv,
			Timestamp: time.Now(),
		})
		if q.Secured() {
			active = append(active, &Record{Kind: RecordSecure, RecipientID: q.RecipientID, SenderKey: q.SenderKey, Timestamp: time.Now()})
		}
		if !q.NotifierID.IsZero() {
			active = append(active, &Record{
				Kind: RecordNotifier, RecipientID: q.RecipientID, NotifierID: q.NotifierID,
				NotifierKey: q.NotifierKey, NotifierDH: q.NotifierDH, Timestamp: time.Now(),
			})
		}
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.journal.Close(); err != nil {
		return errs.Wrap(errs.KindStore, "Store.Compact", err)
	}
	if err := Compact(s.journalPath, active, s.maxBackups); err != nil {
		return err
	}
	j, err := OpenJournal(s.journalPath)
	if err != nil {
		return errs.Wrap(errs.KindStore, "Store.Compact", err)
	}
	s.journal = j
	return nil
}

// Close releases the store-log and every open message log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		q.Log.Close()
	}
	return s.journal.Close()
}

// StateDir returns the sharded message-journal root for rid, primarily
// for diagnostics and tests.
func (s *Store) StateDir(rid crypto.ID) string {
	shard := rid.ShardPath()
	return filepath.Join(append([]string{s.baseDir}, shard[:]...)...)
}
