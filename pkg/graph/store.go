package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loom-mesh/mesh/pkg/mesherr"
	"github.com/loom-mesh/mesh/pkg/substrate"
)

// SubstrateStore is the Store implementation backed by a substrate.Substrate,
// maintaining the six secondary indexes of spec.md §3 synchronously within
// each put/delete, the way the teacher's BadgerEngine maintains its type and
// label indexes inline with every CreateNode/CreateEdge call.
type SubstrateStore struct {
	sub substrate.Substrate
	ctx context.Context

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSubstrateStore constructs a Graph Store over the given substrate. ctx
// bounds every substrate call the store issues; pass context.Background()
// for a store with no deadline.
func NewSubstrateStore(ctx context.Context, sub substrate.Substrate) *SubstrateStore {
	return &SubstrateStore{sub: sub, ctx: ctx, locks: make(map[string]*sync.Mutex)}
}

func (s *SubstrateStore) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func nodePath(id string) substrate.Path  { return substrate.Path{"nodes", id} }
func edgePath(id string) substrate.Path  { return substrate.Path{"edges", id} }

func nodeByTypeIndex(nodeType, id string) substrate.Path {
	return substrate.Path{"index", "nodes", "by_type", nodeType, id}
}
func nodeByLabelIndex(label, id string) substrate.Path {
	return substrate.Path{"index", "nodes", "by_label", label, id}
}
func edgeOutAllIndex(from, id string) substrate.Path {
	return substrate.Path{"index", "edges", "out", "all", from, id}
}
func edgeOutTypedIndex(from, edgeType, id string) substrate.Path {
	return substrate.Path{"index", "edges", "out", "typed", from, edgeType, id}
}
func edgeInAllIndex(to, id string) substrate.Path {
	return substrate.Path{"index", "edges", "in", "all", to, id}
}
func edgeInTypedIndex(to, edgeType, id string) substrate.Path {
	return substrate.Path{"index", "edges", "in", "typed", to, edgeType, id}
}
func edgeByTypeIndex(edgeType, id string) substrate.Path {
	return substrate.Path{"index", "edges", "by_type", edgeType, id}
}
func allNodesIndex(id string) substrate.Path { return substrate.Path{"index", "nodes", "all", id} }
func allEdgesIndex(id string) substrate.Path { return substrate.Path{"index", "edges", "all", id} }

func (s *SubstrateStore) scanner() (substrate.PrefixScanner, bool) {
	scanner, ok := s.sub.(substrate.PrefixScanner)
	return scanner, ok
}

// deleteKeys removes every path outright, the way the teacher's
// map-backed engine dropped index entries with delete(m, key) instead of
// overwriting them. Requires the substrate to implement substrate.Deleter;
// both MemoryBus and BadgerSubstrate do.
func (s *SubstrateStore) deleteKeys(paths ...substrate.Path) error {
	del, ok := s.sub.(substrate.Deleter)
	if !ok {
		return fmt.Errorf("graph: substrate does not support deletion")
	}
	for _, p := range paths {
		if err := del.Delete(s.ctx, p); err != nil {
			return fmt.Errorf("%w: %v", mesherr.ErrWriteTimeout, err)
		}
	}
	return nil
}

// PutNode validates and persists node, stamping UpdatedAt and maintaining
// the by-type and by-label indexes.
func (s *SubstrateStore) PutNode(node *Node) (*Node, error) {
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	if node.Type == "" {
		return nil, fmt.Errorf("%w: node.type is required", mesherr.ErrInvalid)
	}
	if node.Properties == nil {
		node.Properties = map[string]any{}
	}

	lock := s.lockFor("node:" + node.ID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	existing, _ := s.GetNode(node.ID)
	if existing != nil {
		node.CreatedAt = existing.CreatedAt
		node.Version = existing.Version + 1
	} else {
		node.CreatedAt = now
		node.Version = 1
	}
	node.UpdatedAt = now

	if err := s.sub.Put(s.ctx, nodePath(node.ID), encode(node)); err != nil {
		return nil, fmt.Errorf("%w: %v", mesherr.ErrWriteTimeout, err)
	}
	if existing != nil && existing.Type != node.Type {
		if err := s.deleteKeys(nodeByTypeIndex(existing.Type, node.ID)); err != nil {
			return nil, err
		}
	}
	if err := s.sub.Put(s.ctx, allNodesIndex(node.ID), true); err != nil {
		return nil, fmt.Errorf("%w: %v", mesherr.ErrWriteTimeout, err)
	}
	if err := s.sub.Put(s.ctx, nodeByTypeIndex(node.Type, node.ID), true); err != nil {
		return nil, fmt.Errorf("%w: %v", mesherr.ErrWriteTimeout, err)
	}
	for _, label := range node.Labels {
		if err := s.sub.Put(s.ctx, nodeByLabelIndex(label, node.ID), true); err != nil {
			return nil, fmt.Errorf("%w: %v", mesherr.ErrWriteTimeout, err)
		}
	}
	return node, nil
}

func (s *SubstrateStore) GetNode(id string) (*Node, error) {
	val, ok, err := s.sub.Get(s.ctx, nodePath(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mesherr.ErrReplicationUnavailable, err)
	}
	if !ok {
		return nil, nil
	}
	var n Node
	if err := decodeInto(val, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", mesherr.ErrCorrupt, err)
	}
	if n.Deleted {
		return nil, nil
	}
	return &n, nil
}

// DeleteNode removes the node and cascades to every edge touching it. The
// cascade is not wrapped in a transaction: per spec.md §9 this is
// preserved from the source behavior, so concurrent readers may briefly
// observe partial removal while the cascade is in flight.
func (s *SubstrateStore) DeleteNode(id string) (bool, error) {
	lock := s.lockFor("node:" + id)
	lock.Lock()
	node, err := s.GetNode(id)
	if err != nil {
		lock.Unlock()
		return false, err
	}
	if node == nil {
		lock.Unlock()
		return false, nil
	}

	node.Deleted = true
	node.UpdatedAt = time.Now()
	if err := s.sub.Put(s.ctx, nodePath(id), encode(node)); err != nil {
		lock.Unlock()
		return false, fmt.Errorf("%w: %v", mesherr.ErrWriteTimeout, err)
	}

	dels := []substrate.Path{allNodesIndex(id), nodeByTypeIndex(node.Type, id)}
	for _, label := range node.Labels {
		dels = append(dels, nodeByLabelIndex(label, id))
	}
	if err := s.deleteKeys(dels...); err != nil {
		lock.Unlock()
		return false, err
	}
	lock.Unlock()

	out, err := s.GetOutgoingEdges(id, "")
	if err != nil {
		return false, err
	}
	in, err := s.GetIncomingEdges(id, "")
	if err != nil {
		return false, err
	}
	for _, e := range out {
		if _, err := s.DeleteEdge(e.ID); err != nil {
			return false, err
		}
	}
	for _, e := range in {
		if _, err := s.DeleteEdge(e.ID); err != nil {
			return false, err
		}
	}
	return true, nil
}

// PutEdge validates and persists edge, maintaining all six index entries.
func (s *SubstrateStore) PutEdge(edge *Edge) (*Edge, error) {
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	if edge.From == "" || edge.To == "" || edge.Type == "" {
		return nil, fmt.Errorf("%w: edge.from, edge.to, and edge.type are required", mesherr.ErrInvalid)
	}
	edge.Weight = defaultWeight(edge.Weight)

	lock := s.lockFor("edge:" + edge.ID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	if existing, _ := s.GetEdge(edge.ID); existing != nil {
		edge.CreatedAt = existing.CreatedAt
	} else {
		edge.CreatedAt = now
	}
	edge.UpdatedAt = now

	if err := s.sub.Put(s.ctx, edgePath(edge.ID), encode(edge)); err != nil {
		return nil, fmt.Errorf("%w: %v", mesherr.ErrWriteTimeout, err)
	}
	puts := []struct {
		path  substrate.Path
		value any
	}{
		{allEdgesIndex(edge.ID), true},
		{edgeOutAllIndex(edge.From, edge.ID), true},
		{edgeOutTypedIndex(edge.From, edge.Type, edge.ID), true},
		{edgeInAllIndex(edge.To, edge.ID), true},
		{edgeInTypedIndex(edge.To, edge.Type, edge.ID), true},
		{edgeByTypeIndex(edge.Type, edge.ID), true},
	}
	for _, p := range puts {
		if err := s.sub.Put(s.ctx, p.path, p.value); err != nil {
			return nil, fmt.Errorf("%w: %v", mesherr.ErrWriteTimeout, err)
		}
	}
	return edge, nil
}

func (s *SubstrateStore) GetEdge(id string) (*Edge, error) {
	val, ok, err := s.sub.Get(s.ctx, edgePath(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mesherr.ErrReplicationUnavailable, err)
	}
	if !ok {
		return nil, nil
	}
	var e Edge
	if err := decodeInto(val, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", mesherr.ErrCorrupt, err)
	}
	if e.Deleted {
		return nil, nil
	}
	return &e, nil
}

func (s *SubstrateStore) DeleteEdge(id string) (bool, error) {
	lock := s.lockFor("edge:" + id)
	lock.Lock()
	defer lock.Unlock()

	edge, err := s.GetEdge(id)
	if err != nil {
		return false, err
	}
	if edge == nil {
		return false, nil
	}
	edge.Deleted = true
	edge.UpdatedAt = time.Now()
	if err := s.sub.Put(s.ctx, edgePath(id), encode(edge)); err != nil {
		return false, fmt.Errorf("%w: %v", mesherr.ErrWriteTimeout, err)
	}

	if err := s.deleteKeys(
		allEdgesIndex(id),
		edgeOutAllIndex(edge.From, id),
		edgeOutTypedIndex(edge.From, edge.Type, id),
		edgeInAllIndex(edge.To, id),
		edgeInTypedIndex(edge.To, edge.Type, id),
		edgeByTypeIndex(edge.Type, id),
	); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SubstrateStore) edgesFromIndex(prefix substrate.Path) ([]*Edge, error) {
	scanner, ok := s.scanner()
	if !ok {
		return nil, fmt.Errorf("graph: substrate does not support scanning")
	}
	entries, err := scanner.ScanPrefix(s.ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*Edge
	for _, id := range ids {
		e, err := s.GetEdge(id)
		if err != nil || e == nil {
			continue // dangling index entry from a racing delete
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SubstrateStore) GetOutgoingEdges(nodeID, edgeType string) ([]*Edge, error) {
	if edgeType != "" {
		return s.edgesFromIndex(substrate.Path{"index", "edges", "out", "typed", nodeID, edgeType})
	}
	return s.edgesFromIndex(substrate.Path{"index", "edges", "out", "all", nodeID})
}

func (s *SubstrateStore) GetIncomingEdges(nodeID, edgeType string) ([]*Edge, error) {
	if edgeType != "" {
		return s.edgesFromIndex(substrate.Path{"index", "edges", "in", "typed", nodeID, edgeType})
	}
	return s.edgesFromIndex(substrate.Path{"index", "edges", "in", "all", nodeID})
}

func (s *SubstrateStore) allNodeIDs() ([]string, error) {
	scanner, ok := s.scanner()
	if !ok {
		return nil, fmt.Errorf("graph: substrate does not support listing")
	}
	entries, err := scanner.ScanPrefix(s.ctx, substrate.Path{"index", "nodes", "all"})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// QueryNodes uses the by-type index when filter.Type is set (the most
// selective index available), otherwise falls back to a full scan of the
// all-nodes index, per spec.md §4.2's query-order rule.
func (s *SubstrateStore) QueryNodes(filter NodeFilter) ([]*Node, error) {
	var ids []string
	var err error
	if filter.Type != "" {
		scanner, ok := s.scanner()
		if !ok {
			return nil, fmt.Errorf("graph: substrate does not support scanning")
		}
		entries, serr := scanner.ScanPrefix(s.ctx, substrate.Path{"index", "nodes", "by_type", filter.Type})
		if serr != nil {
			return nil, serr
		}
		for id := range entries {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	} else {
		ids, err = s.allNodeIDs()
		if err != nil {
			return nil, err
		}
	}

	var out []*Node
	for _, id := range ids {
		n, err := s.GetNode(id)
		if err != nil || n == nil {
			continue
		}
		if !matchesNode(n, filter) {
			continue
		}
		out = append(out, n)
	}
	return paginateNodes(out, filter.Offset, filter.Limit), nil
}

func matchesNode(n *Node, f NodeFilter) bool {
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if len(f.Labels) > 0 && !anyLabelMatch(n.Labels, f.Labels) {
		return false
	}
	for k, v := range f.Properties {
		if n.Properties[k] != v {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && !n.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !n.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

func anyLabelMatch(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, l := range have {
		set[l] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

func paginateNodes(nodes []*Node, offset, limit int) []*Node {
	if offset > len(nodes) {
		offset = len(nodes)
	}
	end := len(nodes)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return nodes[offset:end]
}

// QueryEdges uses the most selective index available (from, to, or type,
// in that preference order), otherwise scans every edge.
func (s *SubstrateStore) QueryEdges(filter EdgeFilter) ([]*Edge, error) {
	var candidates []*Edge
	var err error
	switch {
	case filter.From != "":
		candidates, err = s.GetOutgoingEdges(filter.From, filter.Type)
	case filter.To != "":
		candidates, err = s.GetIncomingEdges(filter.To, filter.Type)
	case filter.Type != "":
		candidates, err = s.edgesFromIndex(substrate.Path{"index", "edges", "by_type", filter.Type})
	default:
		candidates, err = s.allEdges()
	}
	if err != nil {
		return nil, err
	}

	var out []*Edge
	for _, e := range candidates {
		if !matchesEdge(e, filter) {
			continue
		}
		out = append(out, e)
	}
	return paginateEdges(out, filter.Offset, filter.Limit), nil
}

func (s *SubstrateStore) allEdges() ([]*Edge, error) {
	scanner, ok := s.scanner()
	if !ok {
		return nil, fmt.Errorf("graph: substrate does not support listing")
	}
	entries, err := scanner.ScanPrefix(s.ctx, substrate.Path{"index", "edges", "all"})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*Edge
	for _, id := range ids {
		e, err := s.GetEdge(id)
		if err != nil || e == nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func matchesEdge(e *Edge, f EdgeFilter) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.From != "" && e.From != f.From {
		return false
	}
	if f.To != "" && e.To != f.To {
		return false
	}
	if len(f.Labels) > 0 && !anyLabelMatch(e.Labels, f.Labels) {
		return false
	}
	if f.HasWeightBounds && (e.Weight < f.MinWeight || e.Weight > f.MaxWeight) {
		return false
	}
	return true
}

func paginateEdges(edges []*Edge, offset, limit int) []*Edge {
	if offset > len(edges) {
		offset = len(edges)
	}
	end := len(edges)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return edges[offset:end]
}
