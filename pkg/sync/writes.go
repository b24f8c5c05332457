package sync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loom-mesh/mesh/pkg/graph"
)

// PutNode writes a node through the local store, short-circuited by the
// node's circuit breaker. The id is assigned up front (rather than left to
// the store) so the self-write suppression mark is in place before the
// substrate fan-out the store call triggers.
func (s *Synchronizer) PutNode(node *graph.Node) (*graph.Node, error) {
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	key := nodePath(node.ID)

	var out *graph.Node
	err := s.guard(key, func() error {
		s.selfWrites.mark(key)
		result, err := s.graph.PutNode(node)
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	return out, err
}

// DeleteNode deletes a node through the local store, short-circuited by the
// node's circuit breaker.
func (s *Synchronizer) DeleteNode(id string) (bool, error) {
	key := nodePath(id)
	var out bool
	err := s.guard(key, func() error {
		s.selfWrites.mark(key)
		result, err := s.graph.DeleteNode(id)
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	return out, err
}

// PutEdge writes an edge through the local store, short-circuited by the
// edge's circuit breaker.
func (s *Synchronizer) PutEdge(edge *graph.Edge) (*graph.Edge, error) {
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	key := edgePath(edge.ID)

	var out *graph.Edge
	err := s.guard(key, func() error {
		s.selfWrites.mark(key)
		result, err := s.graph.PutEdge(edge)
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	return out, err
}

// DeleteEdge deletes an edge through the local store, short-circuited by
// the edge's circuit breaker.
func (s *Synchronizer) DeleteEdge(id string) (bool, error) {
	key := edgePath(id)
	var out bool
	err := s.guard(key, func() error {
		s.selfWrites.mark(key)
		result, err := s.graph.DeleteEdge(id)
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	return out, err
}

// BroadcastStateChange writes an actor's state through the local store, but
// coalesces successive calls for the same actorId within the debounce
// window into a single underlying write carrying only the last value.
func (s *Synchronizer) BroadcastStateChange(actorID string, partial map[string]any) {
	s.debouncer.schedule(actorPath(actorID), s.cfg.DebounceWindow, func() {
		s.applyStateChange(actorID, partial)
	})
}

// BroadcastImmediate writes an actor's state through the local store
// without debouncing, bypassing the coalescing window entirely.
func (s *Synchronizer) BroadcastImmediate(actorID string, partial map[string]any) error {
	return s.applyStateChangeErr(actorID, partial)
}

func (s *Synchronizer) applyStateChange(actorID string, partial map[string]any) {
	if err := s.applyStateChangeErr(actorID, partial); err != nil {
		s.emitError(actorID, err)
	}
}

func (s *Synchronizer) applyStateChangeErr(actorID string, partial map[string]any) error {
	key := actorPath(actorID)
	return s.guard(key, func() error {
		s.selfWrites.mark(key)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		actor, err := s.state.Set(ctx, actorID, partial)
		if err != nil {
			return err
		}
		s.actors.set(actorID, localRecord{version: actor.Version, lastModified: actor.LastModified})
		return nil
	})
}
