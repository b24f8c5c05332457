package service

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loom-mesh/mesh/pkg/substrate"
)

// Dialer establishes connectivity to one peer endpoint as part of Start's
// peer-dialing phase. pkg/transport's peer link satisfies this interface
// for real clustering; tests and single-node embeddings can supply a
// stub. The returned io.Closer is kept open for the life of the Service
// and closed on Stop.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (io.Closer, error)
}

// SubstrateReceiver is an optional capability a Dialer implements when it
// needs the local substrate before dialing - pkg/transport's ClientDialer
// does, to link each peer connection it dials to it. If cfg.Dialer
// implements this, Start calls SetSubstrate once s.sub is ready (after
// storage bring-up, before the first dial).
type SubstrateReceiver interface {
	SetSubstrate(sub substrate.Substrate)
}

// websocketDialer dials a peer's WebSocket endpoint directly, matching
// WebSocketConfig's scheme. It is the default Dialer; a real deployment
// wires pkg/transport's authenticated link in its place via Config.Dialer.
type websocketDialer struct {
	dialer websocket.Dialer
}

func newWebSocketDialer() *websocketDialer {
	return &websocketDialer{dialer: websocket.Dialer{}}
}

func (d *websocketDialer) Dial(ctx context.Context, endpoint string) (io.Closer, error) {
	conn, _, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// peerStatus tracks one configured peer's connection outcome.
type peerStatus struct {
	endpoint  string
	connected bool
	closer    io.Closer
}

// peerSet tracks every configured peer's status, read by GetHealth and
// GetMetrics while dialPeers updates it concurrently from one goroutine
// per endpoint.
type peerSet struct {
	mu    sync.Mutex
	byKey map[string]*peerStatus
}

func newPeerSet(endpoints []string) *peerSet {
	s := &peerSet{byKey: make(map[string]*peerStatus, len(endpoints))}
	for _, ep := range endpoints {
		s.byKey[ep] = &peerStatus{endpoint: ep}
	}
	return s
}

func (s *peerSet) setConnected(endpoint string, closer io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.byKey[endpoint]; ok {
		st.connected = true
		st.closer = closer
	}
}

func (s *peerSet) setDisconnected(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.byKey[endpoint]; ok {
		st.connected = false
	}
}

func (s *peerSet) counts() (total, connected int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total = len(s.byKey)
	for _, st := range s.byKey {
		if st.connected {
			connected++
		}
	}
	return total, connected
}

func (s *Service) peerCounts() (total, connected int) {
	if s.peers == nil {
		return 0, 0
	}
	return s.peers.counts()
}

// dialPeers dials every configured endpoint concurrently, each with its
// own exponential backoff up to Peers.MaxRetries. A peer that exhausts its
// retries is left disconnected and counted in errorCount; per spec.md §7
// this is reflected in health and metrics but does not fail Start. dialPeers
// itself only returns an error if ctx is already done before dialing begins.
func (s *Service) dialPeers(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.peers = newPeerSet(s.cfg.Peers.Endpoints)
	if len(s.cfg.Peers.Endpoints) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, endpoint := range s.cfg.Peers.Endpoints {
		endpoint := endpoint
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dialPeerWithBackoff(ctx, endpoint)
		}()
	}
	wg.Wait()
	return nil
}

func (s *Service) dialPeerWithBackoff(ctx context.Context, endpoint string) {
	delay := s.cfg.Peers.RetryDelay
	for attempt := 0; attempt <= s.cfg.Peers.MaxRetries; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.Peers.Timeout)
		closer, err := s.dialer.Dial(dialCtx, endpoint)
		cancel()
		if err == nil {
			s.peers.setConnected(endpoint, closer)
			s.addCleanup(func() { _ = closer.Close() })
			return
		}

		s.logger.Warn().Str("peer", endpoint).Int("attempt", attempt+1).Err(err).Msg("peer dial failed")
		if attempt == s.cfg.Peers.MaxRetries {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.peers.setDisconnected(endpoint)
			return
		}
		delay *= 2
	}

	s.peers.setDisconnected(endpoint)
	s.errorCount.Add(1)
	s.logger.Warn().Str("peer", endpoint).Msg("peer dial exhausted retries, marking disconnected")
}
