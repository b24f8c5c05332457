package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/loom-mesh/mesh/pkg/substrate"
)

// selfWriteTracker suppresses the watch callback for a write the Link just
// applied locally on behalf of its peer, so that write does not get
// forwarded straight back out over the same connection. Same mark-before/
// consume-on-callback shape as pkg/sync's tracker, scoped to one Link.
type selfWriteTracker struct {
	mu    sync.Mutex
	marks map[string]int
}

func newSelfWriteTracker() selfWriteTracker {
	return selfWriteTracker{marks: make(map[string]int)}
}

func (t *selfWriteTracker) mark(key string) {
	t.mu.Lock()
	t.marks[key]++
	t.mu.Unlock()
}

func (t *selfWriteTracker) consume(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.marks[key]
	if !ok || n <= 0 {
		return false
	}
	if n == 1 {
		delete(t.marks, key)
	} else {
		t.marks[key] = n - 1
	}
	return true
}

// Link bridges one peer connection to a local substrate.Substrate: writes
// the local substrate observes on nodes/edges/actors are forwarded out as
// envelopes, and envelopes read off the connection are applied locally.
// Close tears down the connection and stops both pumps; it satisfies
// io.Closer so a Link can be returned directly from a Dialer.
type Link struct {
	conn     *websocket.Conn
	sub      substrate.Substrate
	localID  string
	peerID   string
	logger   zerolog.Logger
	selfPuts selfWriteTracker

	writeMu sync.Mutex // gorilla/websocket allows only one concurrent writer

	cancel context.CancelFunc
	unsubs []substrate.Unsubscribe
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// newLink registers the watches that forward local writes to the peer and
// starts the read pump goroutine over an already handshaken connection.
// The watches are in place on return; the read pump is started but not
// waited for.
func newLink(conn *websocket.Conn, sub substrate.Substrate, localID, peerID string, logger zerolog.Logger) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		conn:     conn,
		sub:      sub,
		localID:  localID,
		peerID:   peerID,
		logger:   logger.With().Str("peer", peerID).Logger(),
		selfPuts: newSelfWriteTracker(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	for _, path := range rootSubtrees {
		path := path
		unsub, err := sub.Watch(ctx, path, l.forward)
		if err != nil {
			l.logger.Warn().Err(err).Strs("path", path).Msg("link: watch failed, subtree will not replicate to peer")
			continue
		}
		l.unsubs = append(l.unsubs, unsub)
	}

	go l.readPump()
	l.logger.Info().Msg("link established")
	return l
}

// forward is the substrate.WatchFunc registered on every root subtree. It
// ships local writes to the peer, skipping writes the Link itself just
// applied on the peer's behalf.
func (l *Link) forward(value any, key substrate.Path) {
	if l.selfPuts.consume(key.String()) {
		return
	}
	env := Envelope{Path: key, Value: value, Origin: l.localID}
	l.writeMu.Lock()
	err := l.conn.WriteJSON(env)
	l.writeMu.Unlock()
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key.String()).Msg("link: forward write failed")
	}
}

// readPump decodes envelopes off the connection and applies them locally
// until the connection errs or Close runs.
func (l *Link) readPump() {
	defer close(l.done)
	for {
		var env Envelope
		if err := l.conn.ReadJSON(&env); err != nil {
			l.logger.Info().Err(err).Msg("link: read pump stopped")
			return
		}
		if env.Origin == l.localID {
			continue // our own write, looped back by a relaying peer
		}

		l.selfPuts.mark(env.Path.String())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := l.sub.Put(ctx, env.Path, env.Value)
		cancel()
		if err != nil {
			l.logger.Warn().Err(err).Str("key", env.Path.String()).Msg("link: apply remote write failed")
		}
	}
}

// PeerID returns the node id the peer announced during the handshake.
func (l *Link) PeerID() string {
	return l.peerID
}

// Close stops both pumps and closes the underlying connection. Safe to
// call more than once.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		for _, u := range l.unsubs {
			u()
		}
		l.closeErr = l.conn.Close()
		<-l.done
	})
	return l.closeErr
}
