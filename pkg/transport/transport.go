// Package transport carries substrate.Put/Watch traffic between mesh nodes
// over a gorilla/websocket connection. It is the one place in the mesh core
// that knows about a wire format; everything above it (pkg/sync and up)
// depends only on substrate.Substrate and never imports this package
// directly.
//
// A Link bridges one peer connection to a local substrate.Substrate: local
// writes on the watched subtrees are forwarded out as envelopes, and
// envelopes arriving from the peer are applied as local Put calls. Before a
// Link is established, both ends run a short handshake that confirms they
// were configured with the same cluster secret. That check answers "is this
// peer part of my mesh" - it is not user authentication or authorization,
// which remain out of scope for the core.
package transport

import (
	"github.com/loom-mesh/mesh/pkg/substrate"
)

// Envelope is the wire shape exchanged over a peer connection once the
// handshake succeeds. Value carries whatever substrate.Put accepted
// locally; Origin identifies the node that issued the original write so a
// Link can drop echoes of its own writes coming back around the mesh.
type Envelope struct {
	Path   substrate.Path `json:"path"`
	Value  any            `json:"value"`
	Origin string         `json:"origin"`
}

// rootSubtrees are the paths a Link watches and forwards. Replicated state
// lives entirely under these three prefixes (pkg/state, pkg/graph).
var rootSubtrees = []substrate.Path{
	{"nodes"},
	{"edges"},
	{"actors"},
}
