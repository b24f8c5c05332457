package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/loom-mesh/mesh/pkg/substrate"
)

func toWS(url string) string {
	return "ws" + strings.TrimPrefix(url, "http")
}

// TestLink_RoundTripsSubstrateWritesBothWays exercises the full handshake
// and forwarding path: a Server accepts one connection, a ClientDialer
// dials it, and a write on either side's substrate is observed on the
// other's.
func TestLink_RoundTripsSubstrateWritesBothWays(t *testing.T) {
	secret := []byte("cluster-secret")
	serverSub := substrate.NewMemoryBus()
	clientSub := substrate.NewMemoryBus()

	server := NewServer("node-server", secret, serverSub, zerolog.Nop())
	httpSrv := httptest.NewServer(server)
	defer httpSrv.Close()

	dialer := &ClientDialer{
		NodeID:        "node-client",
		ClusterSecret: secret,
		Substrate:     clientSub,
		Logger:        zerolog.Nop(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	closer, err := dialer.Dial(ctx, toWS(httpSrv.URL))
	require.NoError(t, err)
	defer closer.Close()

	link, ok := closer.(*Link)
	require.True(t, ok)
	require.Equal(t, "node-server", link.PeerID())

	require.NoError(t, clientSub.Put(ctx, substrate.Path{"nodes", "n1"}, "client-wrote-this"))
	require.Eventually(t, func() bool {
		v, ok, _ := serverSub.Get(ctx, substrate.Path{"nodes", "n1"})
		return ok && v == "client-wrote-this"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, serverSub.Put(ctx, substrate.Path{"edges", "e1"}, "server-wrote-this"))
	require.Eventually(t, func() bool {
		v, ok, _ := clientSub.Get(ctx, substrate.Path{"edges", "e1"})
		return ok && v == "server-wrote-this"
	}, 2*time.Second, 10*time.Millisecond)
}

// TestLink_DoesNotLoopBackSelfWrites checks that a write applied locally
// by a Link on the peer's behalf is not re-forwarded out, which would
// otherwise surface as a second local watch firing for the same write.
func TestLink_DoesNotLoopBackSelfWrites(t *testing.T) {
	secret := []byte("cluster-secret")
	serverSub := substrate.NewMemoryBus()
	clientSub := substrate.NewMemoryBus()

	server := NewServer("node-server", secret, serverSub, zerolog.Nop())
	httpSrv := httptest.NewServer(server)
	defer httpSrv.Close()

	dialer := &ClientDialer{
		NodeID:        "node-client",
		ClusterSecret: secret,
		Substrate:     clientSub,
		Logger:        zerolog.Nop(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	closer, err := dialer.Dial(ctx, toWS(httpSrv.URL))
	require.NoError(t, err)
	defer closer.Close()

	var echoes int
	_, err = clientSub.Watch(ctx, substrate.Path{"actors"}, func(value any, key substrate.Path) {
		echoes++
	})
	require.NoError(t, err)

	require.NoError(t, clientSub.Put(ctx, substrate.Path{"actors", "a1"}, "v1"))

	require.Eventually(t, func() bool {
		v, ok, _ := serverSub.Get(ctx, substrate.Path{"actors", "a1"})
		return ok && v == "v1"
	}, 2*time.Second, 10*time.Millisecond)

	// Give any erroneous echo time to arrive; the watch above should have
	// fired exactly once, for the original local write, never again for a
	// write the Link looped back from the server.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, echoes)
}

func TestClientDialer_SetSubstrateOverridesFieldBeforeDial(t *testing.T) {
	dialer := &ClientDialer{NodeID: "node-client", ClusterSecret: []byte("s")}
	require.Nil(t, dialer.Substrate)

	sub := substrate.NewMemoryBus()
	dialer.SetSubstrate(sub)
	require.Same(t, sub, dialer.Substrate)
}

func TestHandshake_MismatchedSecretsFail(t *testing.T) {
	serverSub := substrate.NewMemoryBus()
	server := NewServer("node-server", []byte("secret-a"), serverSub, zerolog.Nop())
	httpSrv := httptest.NewServer(server)
	defer httpSrv.Close()

	dialer := &ClientDialer{
		NodeID:        "node-client",
		ClusterSecret: []byte("secret-b"),
		Substrate:     substrate.NewMemoryBus(),
		Logger:        zerolog.Nop(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := dialer.Dial(ctx, toWS(httpSrv.URL))
	require.Error(t, err)
}
