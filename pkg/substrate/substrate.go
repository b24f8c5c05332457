// Package substrate defines the replication substrate interface required by
// the mesh core, plus two implementations: an in-process MemoryBus for
// embedding and tests, and a Badger-backed store for single-node
// persistence with in-process fan-out.
//
// The core treats the substrate purely as an interface. It imposes no
// dependency on any particular gossip library; an implementation may back
// it with any CRDT-capable or last-write-wins KV store that exposes subtree
// subscription. See pkg/transport for the peer-to-peer link that carries
// Put/Watch traffic between nodes running a Substrate implementation.
package substrate

import (
	"context"
	"strings"
)

// Path is a sequence of string segments addressing a location in the
// substrate's hierarchical keyspace, e.g. []string{"actors", "c"}.
type Path []string

// String renders a Path as a "/"-joined key, the form used for map keys
// and log messages.
func (p Path) String() string {
	return strings.Join(p, "/")
}

// HasPrefix reports whether p is prefixed by other (segment-wise).
func (p Path) HasPrefix(other Path) bool {
	if len(other) > len(p) {
		return false
	}
	for i := range other {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// WatchFunc is invoked for every write seen under a watched subtree,
// local or remote. key is the full path that changed.
type WatchFunc func(value any, key Path)

// Unsubscribe cancels a Watch subscription.
type Unsubscribe func()

// Substrate is the abstract key-addressed, subtree-subscribable replicated
// store every other mesh component is built on.
//
// Values MUST be scalars (string/number/bool/nil) or maps of scalars;
// nested structures are encoded as JSON strings in leaf keys by the caller
// (see pkg/state and pkg/graph) because the substrate's own nested-write
// semantics are unreliable inside subscription callbacks.
type Substrate interface {
	// Put writes value at path, best-effort eventually convergent across
	// peers. Returns once the local substrate has acknowledged the write;
	// ctx governs how long the caller is willing to wait.
	Put(ctx context.Context, path Path, value any) error

	// Get performs a one-shot read of the local view at path.
	Get(ctx context.Context, path Path) (value any, ok bool, err error)

	// Watch delivers every write seen under the subtree rooted at path,
	// local or remote, until the returned Unsubscribe is called or ctx is
	// cancelled.
	Watch(ctx context.Context, path Path, fn WatchFunc) (Unsubscribe, error)
}

// PrefixScanner is an optional capability a Substrate implementation may
// provide for enumerating the immediate children of a path, one key
// segment past prefix. MemoryBus and BadgerSubstrate both implement it;
// index listings in pkg/state and pkg/graph type-assert for it rather than
// requiring it of every conceivable Substrate (a pure gossip-log substrate
// may have no efficient way to answer it).
type PrefixScanner interface {
	ScanPrefix(ctx context.Context, prefix Path) (map[string]any, error)
}

// Deleter is an optional capability a Substrate implementation may provide
// for removing a key outright, rather than overwriting it with a tombstone
// value. MemoryBus and BadgerSubstrate both implement it; pkg/graph type-
// asserts for it so DeleteNode/DeleteEdge and a node's re-typed PutNode can
// strip secondary-index entries the same way the storage engines this
// substrate replaces removed them: a literal delete, not a flag.
type Deleter interface {
	Delete(ctx context.Context, path Path) error
}
