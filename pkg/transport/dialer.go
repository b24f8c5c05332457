package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/loom-mesh/mesh/pkg/substrate"
)

// ClientDialer satisfies pkg/service's Dialer interface, dialing a peer's
// WebSocket endpoint, running the initiator side of the cluster-secret
// handshake, and linking the resulting connection to sub. Wire it into
// Config.Dialer in place of the default unauthenticated dialer for a real
// deployment.
type ClientDialer struct {
	NodeID        string
	ClusterSecret []byte
	Substrate     substrate.Substrate
	Logger        zerolog.Logger
}

// SetSubstrate implements service.SubstrateReceiver, letting a caller
// construct a ClientDialer before the Service (and its substrate) exist
// and have Service fill Substrate in once it's ready, right before
// dialing begins.
func (d *ClientDialer) SetSubstrate(sub substrate.Substrate) {
	d.Substrate = sub
}

// Dial implements service.Dialer.
func (d *ClientDialer) Dial(ctx context.Context, endpoint string) (io.Closer, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}

	peerID, err := handshake(conn, d.NodeID, d.ClusterSecret, true)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: handshake with %s: %w", endpoint, err)
	}

	logger := d.Logger.With().Str("component", "transport").Logger()
	return newLink(conn, d.Substrate, d.NodeID, peerID, logger), nil
}
