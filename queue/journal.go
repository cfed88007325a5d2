package queue

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anoncore/smp-core/errs"
)

// Journal is the relay's store-log: an append-only text file of Records,
// replayed in order on startup and compacted on demand into a snapshot
// of currently active queues. Modeled on the teacher's storage-limits
// style of explicit os/filepath calls plus logrus field logging, since
// the teacher keeps no on-disk write-ahead log of its own.
type Journal struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

const markerSuffix = ".compacting"

// OpenJournal opens (creating if absent) the store-log at path, resuming
// a previously interrupted compaction if a marker file is present.
func OpenJournal(path string) (*Journal, error) {
	log := logrus.WithFields(logrus.Fields{"function": "OpenJournal", "path": path})

	if _, err := os.Stat(path + markerSuffix); err == nil {
		log.Warn("found compaction marker, recovering from temp snapshot")
		if err := recoverCompaction(path); err != nil {
			return nil, errs.Wrap(errs.KindStore, "OpenJournal", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "OpenJournal", err)
	}
	return &Journal{path: path, f: f}, nil
}

// recoverCompaction finishes an in-progress compaction: the temp
// snapshot becomes primary, the marker is removed. Presence of the temp
// file without the marker, or vice versa, is treated as "not in
// progress" by the caller checking the marker first.
func recoverCompaction(path string) error {
	tmp := path + ".tmp"
	if _, err := os.Stat(tmp); err != nil {
		return os.Remove(path + markerSuffix)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("recover compaction: %w", err)
	}
	return os.Remove(path + markerSuffix)
}

// Append writes one record to the journal. Callers must hold the
// relevant per-queue lock; the journal itself only serializes the
// physical write.
func (j *Journal) Append(r *Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	line := r.Encode() + "\n"
	if _, err := j.f.WriteString(line); err != nil {
		return errs.Wrap(errs.KindStore, "Journal.Append", err)
	}
	return j.f.Sync()
}

// Replay reads every record in the journal in order, calling fn for each.
// A torn tail (a final line truncated by a crash mid-write) is dropped
// rather than treated as an error.
func (j *Journal) Replay(fn func(*Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.f.Seek(0, 0); err != nil {
		return errs.Wrap(errs.KindStore, "Journal.Replay", err)
	}
	defer j.f.Seek(0, 2) //nolint:errcheck // best effort return to append position

	scanner := bufio.NewScanner(j.f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Journal.Replay", "line": line, "error": err.Error(),
			}).Warn("dropping torn or malformed store-log line")
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// Compact writes a fresh snapshot of active (non-deleted) queues as a run
// of CREATE/SECURE/NOTIFIER records, marks the rename as in-progress via
// a marker file, then atomically swaps the compacted log in for the
// primary and retains the prior log as a timestamped backup, trimming to
// maxBackups.
func Compact(path string, active []*Record, maxBackups int) error {
	log := logrus.WithFields(logrus.Fields{"function": "Compact", "path": path})

	tmp := path + ".tmp"
	marker := path + markerSuffix

	out, err := os.Create(tmp)
	if err != nil {
		return errs.Wrap(errs.KindStore, "Compact", err)
	}
	w := bufio.NewWriter(out)
	for _, r := range active {
		if _, err := w.WriteString(r.Encode() + "\n"); err != nil {
			out.Close()
			return errs.Wrap(errs.KindStore, "Compact", err)
		}
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return errs.Wrap(errs.KindStore, "Compact", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return errs.Wrap(errs.KindStore, "Compact", err)
	}
	out.Close()

	if err := os.WriteFile(marker, []byte{}, 0o600); err != nil {
		return errs.Wrap(errs.KindStore, "Compact", err)
	}

	backup := fmt.Sprintf("%s.%d.bak", path, time.Now().UnixNano())
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, backup); err != nil {
			return errs.Wrap(errs.KindStore, "Compact", err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.KindStore, "Compact", err)
	}
	if err := os.Remove(marker); err != nil {
		return errs.Wrap(errs.KindStore, "Compact", err)
	}

	log.Debug("compaction complete")
	return pruneBackups(path, maxBackups)
}

// pruneBackups keeps at most maxBackups of the newest timestamped
// backups produced by Compact, deleting older ones.
func pruneBackups(path string, maxBackups int) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	matches, err := filepath.Glob(filepath.Join(dir, base+".*.bak"))
	if err != nil {
		return errs.Wrap(errs.KindStore, "pruneBackups", err)
	}
	if len(matches) <= maxBackups {
		return nil
	}
	// Lexical sort on the unix-nano-named files is also chronological.
	sort.Strings(matches)
	for _, stale := range matches[:len(matches)-maxBackups] {
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.KindStore, "pruneBackups", err)
		}
	}
	return nil
}
