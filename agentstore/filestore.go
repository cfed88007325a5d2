package agentstore

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
)

// FileStore is the encrypted-at-rest reference Store: each connection's
// full record (connection fields, ratchet blob, pending/received
// messages, skipped-message keys) is serialized as one JSON document and
// written through crypto.EncryptedKeyStore, the teacher's AES-GCM,
// PBKDF2-keyed file encryption used here for connection state instead of
// keypair files. A single file per connection keeps updates atomic via
// EncryptedKeyStore's own temp-file-plus-rename write.
type FileStore struct {
	mu      sync.Mutex
	ks      *crypto.EncryptedKeyStore
	dataDir string
}

// NewFileStore opens (or creates) an encrypted agent state store rooted
// at dataDir, deriving its encryption key from masterPassword.
func NewFileStore(dataDir string, masterPassword []byte) (*FileStore, error) {
	ks, err := crypto.NewEncryptedKeyStore(dataDir, masterPassword)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "NewFileStore", err)
	}
	return &FileStore{ks: ks, dataDir: dataDir}, nil
}

// record is the on-disk shape of one connection's full state.
type record struct {
	Conn     Connection
	Ratchet  []byte
	Pending  map[uint64]*PendingMessage
	Received []ReceivedMessage
	Skipped  map[string][32]byte // key is headerKey-hex + "/" + msgNum, json map keys must be strings
}

func skippedMapKey(headerKey [32]byte, msgNum uint64) string {
	b := make([]byte, 0, 72)
	b = append(b, []byte(hexEncode(headerKey[:]))...)
	b = append(b, '/')
	b = appendUint(b, msgNum)
	return string(b)
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xf]
	}
	return string(out)
}

func appendUint(b []byte, n uint64) []byte {
	if n == 0 {
		return append(b, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte('0' + n%10)
		n /= 10
	}
	return append(b, tmp[i:]...)
}

func filename(id crypto.ID) string { return id.String() + ".json" }

func (fs *FileStore) load(id crypto.ID) (*record, error) {
	data, err := fs.ks.ReadEncrypted(filename(id))
	if err != nil {
		return nil, ErrNotFound
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errs.Wrap(errs.KindStore, "FileStore.load", err)
	}
	if rec.Pending == nil {
		rec.Pending = make(map[uint64]*PendingMessage)
	}
	if rec.Skipped == nil {
		rec.Skipped = make(map[string][32]byte)
	}
	return &rec, nil
}

func (fs *FileStore) save(id crypto.ID, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.KindStore, "FileStore.save", err)
	}
	if err := fs.ks.WriteEncrypted(filename(id), data); err != nil {
		return errs.Wrap(errs.KindStore, "FileStore.save", err)
	}
	return nil
}

func (fs *FileStore) CreateConnection(conn *Connection) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.load(conn.ConnID); err == nil {
		return ErrExists
	}
	rec := &record{Conn: *conn, Pending: make(map[uint64]*PendingMessage), Skipped: make(map[string][32]byte)}
	return fs.save(conn.ConnID, rec)
}

func (fs *FileStore) GetConnection(id crypto.ID) (*Connection, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(id)
	if err != nil {
		return nil, err
	}
	cp := rec.Conn
	return &cp, nil
}

func (fs *FileStore) UpdateConnection(conn *Connection) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(conn.ConnID)
	if err != nil {
		return err
	}
	rec.Conn = *conn
	return fs.save(conn.ConnID, rec)
}

func (fs *FileStore) DeleteConnection(id crypto.ID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.load(id); err != nil {
		return err
	}
	if err := fs.ks.DeleteEncrypted(filename(id)); err != nil {
		return errs.Wrap(errs.KindStore, "FileStore.DeleteConnection", err)
	}
	return nil
}

// ListConnections scans dataDir for connection record files rather than
// relying on an in-memory index, so it reflects state written in a prior
// process lifetime after a restart.
func (fs *FileStore) ListConnections() ([]crypto.ID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	matches, err := filepath.Glob(filepath.Join(fs.dataDir, "*.json"))
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "FileStore.ListConnections", err)
	}
	ids := make([]crypto.ID, 0, len(matches))
	for _, m := range matches {
		hexName := strings.TrimSuffix(filepath.Base(m), ".json")
		id, err := crypto.IDFromHex(hexName)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (fs *FileStore) AdvanceSendSeq(id crypto.ID) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(id)
	if err != nil {
		return 0, err
	}
	rec.Conn.LastInternalSendID++
	if err := fs.save(id, rec); err != nil {
		return 0, err
	}
	return rec.Conn.LastInternalSendID, nil
}

func (fs *FileStore) AdvanceRecvSeq(id crypto.ID, externalSeq uint64, hash [32]byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(id)
	if err != nil {
		return err
	}
	rec.Conn.LastExternalSndID = externalSeq
	rec.Conn.LastRecvHash = hash
	return fs.save(id, rec)
}

func (fs *FileStore) InsertReceived(id crypto.ID, msg *ReceivedMessage) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(id)
	if err != nil {
		return err
	}
	rec.Received = append(rec.Received, *msg)
	rec.Conn.LastInternalRecvID = msg.InternalID
	return fs.save(id, rec)
}

func (fs *FileStore) InsertPending(id crypto.ID, msg *PendingMessage) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(id)
	if err != nil {
		return err
	}
	cp := *msg
	rec.Pending[msg.InternalID] = &cp
	return fs.save(id, rec)
}

func (fs *FileStore) AckPending(id crypto.ID, internalID uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(id)
	if err != nil {
		return err
	}
	delete(rec.Pending, internalID)
	return fs.save(id, rec)
}

func (fs *FileStore) ListPending(id crypto.ID) ([]*PendingMessage, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(id)
	if err != nil {
		return nil, err
	}
	out := make([]*PendingMessage, 0, len(rec.Pending))
	for _, p := range rec.Pending {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (fs *FileStore) SaveRatchet(id crypto.ID, state []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(id)
	if err != nil {
		return err
	}
	rec.Ratchet = append([]byte(nil), state...)
	return fs.save(id, rec)
}

func (fs *FileStore) LoadRatchet(id crypto.ID) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(id)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), rec.Ratchet...), nil
}

func (fs *FileStore) SaveSkippedKey(id crypto.ID, headerKey [32]byte, msgNum uint64, key [32]byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(id)
	if err != nil {
		return err
	}
	rec.Skipped[skippedMapKey(headerKey, msgNum)] = key
	return fs.save(id, rec)
}

func (fs *FileStore) LoadSkippedKey(id crypto.ID, headerKey [32]byte, msgNum uint64) ([32]byte, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(id)
	if err != nil {
		return [32]byte{}, false, err
	}
	key, found := rec.Skipped[skippedMapKey(headerKey, msgNum)]
	return key, found, nil
}

func (fs *FileStore) DeleteSkippedKey(id crypto.ID, headerKey [32]byte, msgNum uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.load(id)
	if err != nil {
		return err
	}
	delete(rec.Skipped, skippedMapKey(headerKey, msgNum))
	return fs.save(id, rec)
}

func (fs *FileStore) Close() error {
	if err := fs.ks.Close(); err != nil {
		return errs.Wrap(errs.KindStore, "FileStore.Close", err)
	}
	return nil
}
