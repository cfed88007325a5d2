package queue

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
)

// Quota bounds how many messages a single queue may hold before further
// sends are refused and the quota-exhausted marker is appended.
type Quota struct {
	MaxMessages int
}

// DefaultQuota matches the teacher's per-recipient message ceiling
// (async.MaxMessagesPerRecipient), reused here as the per-queue default.
const DefaultQuota = 100

// quotaState tracks, per queue, how many messages are currently held and
// whether the quota marker has already been appended once.
type quotaState struct {
	mu           sync.Mutex
	held         map[crypto.ID]int
	markerQueued map[crypto.ID]bool
}

func newQuotaState() *quotaState {
	return &quotaState{held: make(map[crypto.ID]int), markerQueued: make(map[crypto.ID]bool)}
}

// reserve attempts to account for one more message against q's quota. It
// returns (true, false) when the send should proceed normally, (false,
// true) the first time the quota is exceeded (the caller must append the
// quota marker instead), and (false, false) on every subsequent refusal.
func (s *quotaState) reserve(rid crypto.ID, q Quota) (ok bool, appendMarker bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held[rid] < q.MaxMessages {
		s.held[rid]++
		return true, false
	}
	if !s.markerQueued[rid] {
		s.markerQueued[rid] = true
		return false, true
	}
	return false, false
}

// release accounts for a consumed (acked) message, freeing quota room.
func (s *quotaState) release(rid crypto.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[rid] > 0 {
		s.held[rid]--
	}
	if s.held[rid] < 0 {
		s.held[rid] = 0
	}
}

// DiskUsage reports the bytes available on the filesystem backing path,
// used to refuse queue creation when the relay's storage volume itself
// is nearly full. Grounded on async/storage_limits.go's GetStorageInfo,
// generalized from Tox's single-node storage accounting to a relay-wide
// disk check.
func DiskUsage(path string) (availableBytes uint64, err error) {
	log := logrus.WithFields(logrus.Fields{"function": "DiskUsage", "path": path})

	dir := filepath.Dir(path)
	if runtime.GOOS == "windows" {
		log.Debug("disk usage probing is unix-only; assuming unlimited")
		return ^uint64(0), nil
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, errs.Wrap(errs.KindStore, "DiskUsage", fmt.Errorf("statfs %s: %w", dir, err))
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
