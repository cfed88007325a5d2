package relay

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/queue"
	"github.com/anoncore/smp-core/transport"
	"github.com/anoncore/smp-core/wire"
)

// DefaultIdleTimeout is how long a session may go without sending or
// receiving a frame before the server proactively PINGs it, per §4.2's
// liveness note. A session still idle one more check interval after that
// PING is dropped.
const DefaultIdleTimeout = 2 * time.Minute

// Server accepts connections over a transport.Transport and runs one
// Session per connection, routing each to the shared Dispatcher and queue
// Store. Grounded on the teacher's ConnectionMultiplexer Start/Stop
// lifecycle and per-connection map, generalized from UDP packet routing
// to one goroutine per TCP-style stream connection.
type Server struct {
	trans       transport.Transport
	store       *queue.Store
	dispatcher  *Dispatcher
	blockSize   int
	idleTimeout time.Duration

	mu          sync.Mutex
	subscribers map[crypto.ID]*Session
}

// NewServer builds a relay Server over trans, dispatching commands against
// store via dispatcher.
func NewServer(trans transport.Transport, store *queue.Store, dispatcher *Dispatcher) *Server {
	return &Server{
		trans:       trans,
		store:       store,
		dispatcher:  dispatcher,
		blockSize:   wire.DefaultBlockSize,
		idleTimeout: DefaultIdleTimeout,
		subscribers: make(map[crypto.ID]*Session),
	}
}

// SetIdleTimeout overrides the idle-session watchdog interval. A
// non-positive value disables the watchdog entirely.
func (s *Server) SetIdleTimeout(d time.Duration) { s.idleTimeout = d }

// Serve accepts connections until ctx is cancelled or the transport closes,
// spawning a Session goroutine per accepted connection.
func (s *Server) Serve(ctx context.Context) error {
	log := logrus.WithFields(logrus.Fields{"function": "Server.Serve"})
	for {
		conn, err := s.trans.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("accept failed")
			continue
		}
		sess := newSession(conn, s)
		go sess.run(ctx)
	}
}

// subscribe registers sess as the sole subscriber of rid, evicting and
// notifying any prior subscriber (§4.3: exactly one subscriber per queue;
// the old one receives END).
func (s *Server) subscribe(rid crypto.ID, sess *Session) {
	s.mu.Lock()
	prior := s.subscribers[rid]
	s.subscribers[rid] = sess
	s.mu.Unlock()

	if prior != nil && prior != sess {
		prior.evict()
	}
}

// unsubscribe removes sess as rid's subscriber if it is still the current
// one (a DEL or connection close calls this; a session evicted by a newer
// SUB must not clear the newer subscriber's registration).
func (s *Server) unsubscribe(rid crypto.ID, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers[rid] == sess {
		delete(s.subscribers, rid)
	}
}

// wake signals rid's current subscriber, if any, that a new message may be
// available, called after every successful Send.
func (s *Server) wake(rid crypto.ID) {
	s.mu.Lock()
	sess := s.subscribers[rid]
	s.mu.Unlock()
	if sess != nil {
		sess.wakeup()
	}
}
