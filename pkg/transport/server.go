package transport

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/loom-mesh/mesh/pkg/substrate"
)

// Server accepts inbound peer connections and links each one to sub. It is
// an http.Handler; Service opens no listener itself, and cmd/meshd serve
// mounts a Server at /peers when webSocket.enabled is set.
type Server struct {
	NodeID        string
	ClusterSecret []byte
	Logger        zerolog.Logger

	sub      substrate.Substrate
	upgrader websocket.Upgrader

	mu    sync.Mutex
	links map[*Link]struct{}
}

// NewServer constructs a Server that links every accepted connection to
// sub after a successful handshake against secret.
func NewServer(nodeID string, secret []byte, sub substrate.Substrate, logger zerolog.Logger) *Server {
	return &Server{
		NodeID:        nodeID,
		ClusterSecret: secret,
		Logger:        logger.With().Str("component", "transport").Logger(),
		sub:           sub,
		upgrader:      websocket.Upgrader{},
		links:         make(map[*Link]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket, runs the responder side
// of the handshake, and on success starts a Link for the connection's
// lifetime. Handshake failures close the connection without starting a
// Link.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("transport: upgrade failed")
		return
	}

	peerID, err := handshake(conn, s.NodeID, s.ClusterSecret, false)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("transport: inbound handshake failed")
		_ = conn.Close()
		return
	}

	link := newLink(conn, s.sub, s.NodeID, peerID, s.Logger)
	s.mu.Lock()
	s.links[link] = struct{}{}
	s.mu.Unlock()
}

// Close closes every Link the Server has accepted.
func (s *Server) Close() error {
	s.mu.Lock()
	links := make([]*Link, 0, len(s.links))
	for l := range s.links {
		links = append(links, l)
	}
	s.links = make(map[*Link]struct{})
	s.mu.Unlock()

	var first error
	for _, l := range links {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
