package queue

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Expirer periodically scans queues and deletes messages older than ttl.
// The start/stop-channel loop mirrors async.RetrievalScheduler's
// lifecycle, generalized from a randomized client-side retrieval
// schedule to a fixed-interval server-side expiration sweep.
type Expirer struct {
	mu            sync.Mutex
	store         *Store
	checkInterval time.Duration
	ttl           time.Duration
	running       bool
	stopChan      chan struct{}
}

// NewExpirer creates an Expirer bound to store, scanning every
// checkInterval and deleting messages older than ttl.
func NewExpirer(store *Store, checkInterval, ttl time.Duration) *Expirer {
	return &Expirer{store: store, checkInterval: checkInterval, ttl: ttl}
}

// Start begins the background expiration scan in its own goroutine.
func (e *Expirer) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopChan = make(chan struct{})
	go e.loop()
}

// Stop halts the background scan; safe to call even if never started.
func (e *Expirer) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	close(e.stopChan)
}

func (e *Expirer) loop() {
	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.scan()
		case <-e.stopChan:
			return
		}
	}
}

// scan walks every active queue, dropping messages at the head of its
// log older than ttl. Expiration is strictly a forward-consuming drop of
// the oldest unread messages; it never touches unread-but-fresh entries
// that sit behind an expired one.
func (e *Expirer) scan() {
	log := logrus.WithFields(logrus.Fields{"function": "Expirer.scan"})
	cutoff := time.Now().Add(-e.ttl)

	ids := e.store.ActiveRecipientIDs()
	expired := 0
	for _, rid := range ids {
		n, err := e.store.expireOlderThan(rid, cutoff)
		if err != nil {
			log.WithFields(logrus.Fields{"recipient_id": rid.String(), "error": err.Error()}).
				Warn("expiration scan failed for queue")
			continue
		}
		expired += n
	}
	if expired > 0 {
		log.WithFields(logrus.Fields{"expired": expired}).Debug("expiration scan removed messages")
	}
}
