package transport

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/hkdf"

	"github.com/loom-mesh/mesh/pkg/mesherr"
)

const handshakeInfo = "mesh-transport-handshake"

// handshakeHello is the first message exchanged on a new connection: each
// side announces its node id and a fresh nonce.
type handshakeHello struct {
	NodeID string `json:"nodeId"`
	Nonce  []byte `json:"nonce"`
}

// handshakeConfirm proves possession of the cluster secret without ever
// sending it: each side derives the same key from the secret plus both
// nonces and MACs its own node id.
type handshakeConfirm struct {
	MAC []byte `json:"mac"`
}

func newNonce() ([]byte, error) {
	n := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, n); err != nil {
		return nil, fmt.Errorf("transport: generate nonce: %w", err)
	}
	return n, nil
}

// handshake confirms conn's peer was configured with the same secret as
// this node before any substrate traffic is exchanged over it. isInitiator
// fixes message order (the dialing side goes first) so both ends agree
// on a single sequential exchange over the same full-duplex connection.
// Returns the peer's announced node id once the exchange verifies.
func handshake(conn *websocket.Conn, localNodeID string, secret []byte, isInitiator bool) (string, error) {
	localNonce, err := newNonce()
	if err != nil {
		return "", err
	}
	local := handshakeHello{NodeID: localNodeID, Nonce: localNonce}

	var peer handshakeHello
	if isInitiator {
		if err := conn.WriteJSON(local); err != nil {
			return "", fmt.Errorf("transport: send hello: %w", err)
		}
		if err := conn.ReadJSON(&peer); err != nil {
			return "", fmt.Errorf("transport: receive hello: %w", err)
		}
	} else {
		if err := conn.ReadJSON(&peer); err != nil {
			return "", fmt.Errorf("transport: receive hello: %w", err)
		}
		if err := conn.WriteJSON(local); err != nil {
			return "", fmt.Errorf("transport: send hello: %w", err)
		}
	}

	clientNonce, serverNonce := localNonce, peer.Nonce
	if !isInitiator {
		clientNonce, serverNonce = peer.Nonce, localNonce
	}
	salt := append(append([]byte{}, clientNonce...), serverNonce...)
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(handshakeInfo)), key); err != nil {
		return "", fmt.Errorf("transport: derive handshake key: %w", err)
	}

	localConfirm := handshakeConfirm{MAC: macOf(key, localNodeID)}
	var peerConfirm handshakeConfirm
	if isInitiator {
		if err := conn.WriteJSON(localConfirm); err != nil {
			return "", fmt.Errorf("transport: send confirm: %w", err)
		}
		if err := conn.ReadJSON(&peerConfirm); err != nil {
			return "", fmt.Errorf("transport: receive confirm: %w", err)
		}
	} else {
		if err := conn.ReadJSON(&peerConfirm); err != nil {
			return "", fmt.Errorf("transport: receive confirm: %w", err)
		}
		if err := conn.WriteJSON(localConfirm); err != nil {
			return "", fmt.Errorf("transport: send confirm: %w", err)
		}
	}

	if !hmac.Equal(peerConfirm.MAC, macOf(key, peer.NodeID)) {
		return "", fmt.Errorf("%w: node %s", mesherr.ErrHandshakeFailed, peer.NodeID)
	}
	return peer.NodeID, nil
}

func macOf(key []byte, nodeID string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(nodeID))
	return mac.Sum(nil)
}
