package queue

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
)

// Message is one entry in a queue's message journal. A message carrying
// a nil Body and Quota set is the distinguishable quota-exhausted marker
// (§3.1): "only msg_id and ts".
type Message struct {
	ID        crypto.ID
	Timestamp time.Time
	Flags     byte
	Body      []byte
	Quota     bool
}

// FlagNotify marks a message as eligible for push-notification fan-out.
const FlagNotify byte = 1 << 0

// logPosition is {journal_id, msg_pos, msg_count, byte_pos} from §4.1.
type logPosition struct {
	JournalID crypto.ID
	MsgPos    int
	MsgCount  int
	BytePos   int64
}

// MessageLog is a single queue's chunked append-only message journal: a
// sharded directory tree keyed by the recipient id's hex path, a current
// write journal file, and write/read position pointers persisted in a
// per-queue state log. Grounded on the sharded on-disk layout in §6 and
// the teacher's storage-capacity accounting in async/storage_limits.go,
// generalized from an in-memory map to files since the teacher keeps no
// message journal of its own.
type MessageLog struct {
	mu            sync.Mutex
	dir           string
	maxMsgCount   int
	maxStateLines int
	write         logPosition
	read          logPosition
	stateFile     *os.File
	stateLines    int
}

// ErrNoMessage indicates the read position has caught up with the write
// position: there is nothing left to peek.
var ErrNoMessage = errs.New(errs.KindStore, "MessageLog.Peek", "no message available")

// OpenMessageLog opens or creates the message journal for a queue under
// baseDir, recovering write/read state from the per-queue state log.
func OpenMessageLog(baseDir string, rid crypto.ID, maxMsgCount, maxStateLines int) (*MessageLog, error) {
	shard := rid.ShardPath()
	dir := filepath.Join(append([]string{baseDir}, shard[:]...)...)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindStore, "OpenMessageLog", err)
	}

	ml := &MessageLog{dir: dir, maxMsgCount: maxMsgCount, maxStateLines: maxStateLines}

	statePath := filepath.Join(dir, "queue_state.log")
	f, err := os.OpenFile(statePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "OpenMessageLog", err)
	}
	ml.stateFile = f

	if err := ml.loadState(); err != nil {
		f.Close()
		return nil, err
	}
	if ml.write.JournalID.IsZero() {
		jid, err := crypto.NewID()
		if err != nil {
			f.Close()
			return nil, errs.Wrap(errs.KindStore, "OpenMessageLog", err)
		}
		ml.write.JournalID = jid
		ml.read.JournalID = jid
	}
	return ml, nil
}

// loadState replays the state log's lines, keeping only the latest write/
// read line of each kind (earlier lines are superseded, same as the
// store-log's replay-then-latest-wins semantics).
func (ml *MessageLog) loadState() error {
	if _, err := ml.stateFile.Seek(0, 0); err != nil {
		return errs.Wrap(errs.KindStore, "loadState", err)
	}
	defer ml.stateFile.Seek(0, 2) //nolint:errcheck

	scanner := bufio.NewScanner(ml.stateFile)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pos, isWrite, err := parseStateLine(line)
		if err != nil {
			continue // torn tail; drop
		}
		if isWrite {
			ml.write = pos
		} else {
			ml.read = pos
		}
		ml.stateLines++
	}
	return nil
}

func parseStateLine(line string) (logPosition, bool, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 {
		return logPosition{}, false, errs.New(errs.KindStore, "parseStateLine", "malformed state line")
	}
	isWrite := fields[0] == "write"
	jid, err := crypto.IDFromHex(fields[1])
	if err != nil {
		return logPosition{}, false, err
	}
	msgPos, err1 := strconv.Atoi(fields[2])
	msgCount, err2 := strconv.Atoi(fields[3])
	bytePos, err3 := strconv.ParseInt(fields[4], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return logPosition{}, false, errs.New(errs.KindStore, "parseStateLine", "malformed state numeric field")
	}
	return logPosition{JournalID: jid, MsgPos: msgPos, MsgCount: msgCount, BytePos: bytePos}, isWrite, nil
}

func (p logPosition) encode(kind string) string {
	return fmt.Sprintf("%s %s %d %d %d\n", kind, p.JournalID.String(), p.MsgPos, p.MsgCount, p.BytePos)
}

func (ml *MessageLog) appendStateLine(kind string, pos logPosition) error {
	if _, err := ml.stateFile.WriteString(pos.encode(kind)); err != nil {
		return errs.Wrap(errs.KindStore, "appendStateLine", err)
	}
	if err := ml.stateFile.Sync(); err != nil {
		return errs.Wrap(errs.KindStore, "appendStateLine", err)
	}
	ml.stateLines++
	if ml.stateLines > ml.maxStateLines {
		return ml.compactState()
	}
	return nil
}

// compactState rewrites the state log with just the current write/read
// lines, mirroring the store-log's own compaction strategy.
func (ml *MessageLog) compactState() error {
	path := filepath.Join(ml.dir, "queue_state.log")
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errs.Wrap(errs.KindStore, "compactState", err)
	}
	if _, err := f.WriteString(ml.write.encode("write")); err != nil {
		f.Close()
		return errs.Wrap(errs.KindStore, "compactState", err)
	}
	if _, err := f.WriteString(ml.read.encode("read")); err != nil {
		f.Close()
		return errs.Wrap(errs.KindStore, "compactState", err)
	}
	f.Close()

	ml.stateFile.Close()
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.KindStore, "compactState", err)
	}
	nf, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return errs.Wrap(errs.KindStore, "compactState", err)
	}
	ml.stateFile = nf
	ml.stateLines = 2
	return nil
}

func (ml *MessageLog) journalPath(jid crypto.ID) string {
	return filepath.Join(ml.dir, "messages."+jid.String()+".log")
}

// Append writes msg to the current write journal, rolling over to a
// fresh journal file if this journal has reached maxMsgCount.
func (ml *MessageLog) Append(msg *Message) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if ml.write.MsgPos >= ml.maxMsgCount {
		jid, err := crypto.NewID()
		if err != nil {
			return errs.Wrap(errs.KindStore, "MessageLog.Append", err)
		}
		ml.write = logPosition{JournalID: jid}
	}

	f, err := os.OpenFile(ml.journalPath(ml.write.JournalID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return errs.Wrap(errs.KindStore, "MessageLog.Append", err)
	}
	defer f.Close()

	buf := encodeMessage(msg)
	n, err := f.Write(buf)
	if err != nil {
		return errs.Wrap(errs.KindStore, "MessageLog.Append", err)
	}
	if err := f.Sync(); err != nil {
		return errs.Wrap(errs.KindStore, "MessageLog.Append", err)
	}

	ml.write.MsgPos++
	ml.write.MsgCount++
	ml.write.BytePos += int64(n)
	return ml.appendStateLine("write", ml.write)
}

// Peek returns the message at the current read position without
// advancing it, rolling the read pointer forward to the next journal if
// the current one has been fully drained and the writer has moved on.
func (ml *MessageLog) Peek() (*Message, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if ml.read.JournalID != ml.write.JournalID && ml.read.MsgPos >= ml.maxMsgCount {
		ml.read = logPosition{JournalID: nextJournalAfter(ml.dir, ml.read.JournalID)}
	}
	if ml.read.JournalID == ml.write.JournalID && ml.read.MsgPos >= ml.write.MsgPos {
		return nil, ErrNoMessage
	}

	f, err := os.Open(ml.journalPath(ml.read.JournalID))
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "MessageLog.Peek", err)
	}
	defer f.Close()

	if _, err := f.Seek(ml.read.BytePos, 0); err != nil {
		return nil, errs.Wrap(errs.KindStore, "MessageLog.Peek", err)
	}
	msg, _, err := decodeMessage(f)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "MessageLog.Peek", err)
	}
	return msg, nil
}

// Advance consumes the peeked message, persisting the new read position.
func (ml *MessageLog) Advance() error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	f, err := os.Open(ml.journalPath(ml.read.JournalID))
	if err != nil {
		return errs.Wrap(errs.KindStore, "MessageLog.Advance", err)
	}
	defer f.Close()

	if _, err := f.Seek(ml.read.BytePos, 0); err != nil {
		return errs.Wrap(errs.KindStore, "MessageLog.Advance", err)
	}
	_, n, err := decodeMessage(f)
	if err != nil {
		return errs.Wrap(errs.KindStore, "MessageLog.Advance", err)
	}

	ml.read.MsgPos++
	ml.read.MsgCount++
	ml.read.BytePos += int64(n)
	return ml.appendStateLine("read", ml.read)
}

// DropIfOlderThan consumes the peeked message without delivering it if
// it is older than cutoff, reporting whether anything was dropped. Used
// by the background expiration scan (§4.2) to trim stale entries from
// the head of the log.
func (ml *MessageLog) DropIfOlderThan(cutoff time.Time) (bool, error) {
	msg, err := ml.Peek()
	if err == ErrNoMessage {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !msg.Timestamp.Before(cutoff) {
		return false, nil
	}
	if err := ml.Advance(); err != nil {
		return false, err
	}
	return true, nil
}

// nextJournalAfter finds the lexically-next journal file after `after`
// in dir; if none is found the caller's original id is kept (the writer
// has not rolled over yet).
func nextJournalAfter(dir string, after crypto.ID) crypto.ID {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return after
	}
	prefix, suffix := "messages.", ".log"
	var candidates []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix) {
			candidates = append(candidates, name[len(prefix):len(name)-len(suffix)])
		}
	}
	for _, hex := range candidates {
		if hex == after.String() {
			continue
		}
		if id, err := crypto.IDFromHex(hex); err == nil {
			return id
		}
	}
	return after
}

// Close releases the state log's file handle.
func (ml *MessageLog) Close() error {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return ml.stateFile.Close()
}

// encodeMessage serializes a Message as
// id(24) ts(8) flags(1) quota(1) bodyLen(4) body.
func encodeMessage(m *Message) []byte {
	buf := make([]byte, crypto.IDSize+8+1+1+4+len(m.Body))
	off := 0
	copy(buf[off:], m.ID[:])
	off += crypto.IDSize
	binary.BigEndian.PutUint64(buf[off:], uint64(m.Timestamp.UnixNano()))
	off += 8
	buf[off] = m.Flags
	off++
	if m.Quota {
		buf[off] = 1
	}
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(len(m.Body)))
	off += 4
	copy(buf[off:], m.Body)
	return buf
}

// decodeMessage reads one encoded message from r, returning it and the
// number of bytes consumed.
func decodeMessage(r io.Reader) (*Message, int, error) {
	header := make([]byte, crypto.IDSize+8+1+1+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, err
	}
	off := 0
	var id crypto.ID
	copy(id[:], header[off:off+crypto.IDSize])
	off += crypto.IDSize
	ts := int64(binary.BigEndian.Uint64(header[off:]))
	off += 8
	flags := header[off]
	off++
	quota := header[off] == 1
	off++
	bodyLen := binary.BigEndian.Uint32(header[off:])

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, 0, err
		}
	}
	if quota {
		body = nil
	}
	return &Message{ID: id, Timestamp: time.Unix(0, ts), Flags: flags, Body: body, Quota: quota},
		len(header) + int(bodyLen), nil
}
