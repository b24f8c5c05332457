// Package txn implements the Transaction Manager: buffered, snapshot-
// isolated write batches against a graph.Store, with before-image capture
// for rollback.
package txn

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loom-mesh/mesh/pkg/graph"
	"github.com/loom-mesh/mesh/pkg/mesherr"
)

// Status is a transaction's position in its ACTIVE → COMMITTED |
// ROLLED_BACK | FAILED state machine.
type Status string

const (
	StatusActive     Status = "active"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
	StatusFailed     Status = "failed"
)

type opKind string

const (
	opPutNode    opKind = "put_node"
	opDeleteNode opKind = "delete_node"
	opPutEdge    opKind = "put_edge"
	opDeleteEdge opKind = "delete_edge"
)

type operation struct {
	kind opKind
	node *graph.Node
	edge *graph.Edge
	id   string
}

// beforeImage is the captured prior value of an entity touched by the
// transaction, or an explicit "did not exist" marker, so rollback can
// restore absence correctly instead of writing back a zero value.
type beforeImage struct {
	node    *graph.Node
	edge    *graph.Edge
	existed bool
}

// Options configures a Transaction at Begin time.
type Options struct {
	// MaxOperations caps the number of buffered operations. Zero uses the
	// default of 1000.
	MaxOperations int
	// AutoCommit applies the buffered operations to the store once
	// MaxOperations is reached, instead of rejecting further operations.
	// The transaction stays ACTIVE afterwards.
	AutoCommit bool
}

func (o Options) withDefaults() Options {
	if o.MaxOperations <= 0 {
		o.MaxOperations = 1000
	}
	return o
}

// Manager begins transactions against a single graph.Store.
type Manager struct {
	store graph.Store
}

// NewManager constructs a Manager bound to store.
func NewManager(store graph.Store) *Manager {
	return &Manager{store: store}
}

// Begin starts a new ACTIVE transaction.
func (m *Manager) Begin(opts Options) *Transaction {
	return &Transaction{
		id:        uuid.NewString(),
		store:     m.store,
		opts:      opts.withDefaults(),
		status:    StatusActive,
		startedAt: time.Now(),
		before:    make(map[string]*beforeImage),
	}
}

// Execute begins a transaction, runs fn, commits on a nil return and rolls
// back on any error fn returns (or that it raises by returning it).
func (m *Manager) Execute(ctx context.Context, opts Options, fn func(tx *Transaction) error) error {
	tx := m.Begin(opts)
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Transaction is a buffered, snapshot-isolated batch of graph writes.
// Operations are rejected once the transaction leaves ACTIVE.
type Transaction struct {
	mu sync.Mutex

	id        string
	store     graph.Store
	opts      Options
	status    Status
	startedAt time.Time

	operations []operation
	before     map[string]*beforeImage
	Metadata   map[string]any
}

func (tx *Transaction) ID() string     { return tx.id }
func (tx *Transaction) Status() Status { return tx.status }

func (tx *Transaction) captureNodeBefore(id string) error {
	key := "node:" + id
	if _, ok := tx.before[key]; ok {
		return nil
	}
	n, err := tx.store.GetNode(id)
	if err != nil {
		return err
	}
	tx.before[key] = &beforeImage{node: n, existed: n != nil}
	return nil
}

func (tx *Transaction) captureEdgeBefore(id string) error {
	key := "edge:" + id
	if _, ok := tx.before[key]; ok {
		return nil
	}
	e, err := tx.store.GetEdge(id)
	if err != nil {
		return err
	}
	tx.before[key] = &beforeImage{edge: e, existed: e != nil}
	return nil
}

func (tx *Transaction) enqueue(op operation) error {
	tx.mu.Lock()

	if tx.status != StatusActive {
		tx.mu.Unlock()
		return fmt.Errorf("%w: transaction %s is %s", mesherr.ErrInvalid, tx.id, tx.status)
	}

	tx.operations = append(tx.operations, op)
	var flushed []operation
	if !tx.opts.AutoCommit && len(tx.operations) > tx.opts.MaxOperations {
		tx.operations = tx.operations[:len(tx.operations)-1]
		tx.mu.Unlock()
		return fmt.Errorf("%w: transaction %s exceeded max operations (%d)", mesherr.ErrInvalid, tx.id, tx.opts.MaxOperations)
	}
	if tx.opts.AutoCommit && len(tx.operations) >= tx.opts.MaxOperations {
		flushed = tx.operations
		tx.operations = nil
	}
	tx.mu.Unlock()

	if flushed != nil {
		return tx.applyAll(flushed)
	}
	return nil
}

// PutNode enqueues a node write, capturing its prior value the first time
// this id is touched in the transaction.
func (tx *Transaction) PutNode(node *graph.Node) error {
	if err := tx.captureNodeBefore(node.ID); err != nil {
		return err
	}
	return tx.enqueue(operation{kind: opPutNode, node: node})
}

// DeleteNode enqueues a node delete, capturing before-images for the node
// and every edge it cascades to.
func (tx *Transaction) DeleteNode(id string) error {
	if err := tx.captureNodeBefore(id); err != nil {
		return err
	}
	out, err := tx.store.GetOutgoingEdges(id, "")
	if err != nil {
		return err
	}
	in, err := tx.store.GetIncomingEdges(id, "")
	if err != nil {
		return err
	}
	for _, e := range append(out, in...) {
		if err := tx.captureEdgeBefore(e.ID); err != nil {
			return err
		}
	}
	return tx.enqueue(operation{kind: opDeleteNode, id: id})
}

// PutEdge enqueues an edge write.
func (tx *Transaction) PutEdge(edge *graph.Edge) error {
	if err := tx.captureEdgeBefore(edge.ID); err != nil {
		return err
	}
	return tx.enqueue(operation{kind: opPutEdge, edge: edge})
}

// DeleteEdge enqueues an edge delete.
func (tx *Transaction) DeleteEdge(id string) error {
	if err := tx.captureEdgeBefore(id); err != nil {
		return err
	}
	return tx.enqueue(operation{kind: opDeleteEdge, id: id})
}

func (tx *Transaction) applyAll(ops []operation) error {
	for _, op := range ops {
		var err error
		switch op.kind {
		case opPutNode:
			_, err = tx.store.PutNode(op.node)
		case opDeleteNode:
			_, err = tx.store.DeleteNode(op.id)
		case opPutEdge:
			_, err = tx.store.PutEdge(op.edge)
		case opDeleteEdge:
			_, err = tx.store.DeleteEdge(op.id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Commit applies every queued operation, in issue order, against the
// Graph Store. Any operation error transitions the transaction to FAILED
// and rolls it back before surfacing a TransactionError wrapping the
// cause.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	if tx.status != StatusActive {
		tx.mu.Unlock()
		return fmt.Errorf("%w: transaction %s is %s", mesherr.ErrInvalid, tx.id, tx.status)
	}
	ops := tx.operations
	tx.mu.Unlock()

	if len(tx.Metadata) > 0 {
		log.Printf("txn: committing %s with metadata %v", tx.id, tx.Metadata)
	}

	if err := tx.applyAll(ops); err != nil {
		tx.mu.Lock()
		tx.status = StatusFailed
		tx.mu.Unlock()
		_ = tx.restoreBeforeImages()
		return mesherr.NewTransactionError("commit", err)
	}

	tx.mu.Lock()
	tx.status = StatusCommitted
	tx.mu.Unlock()
	return nil
}

// Rollback restores every captured before-image. Idempotent once
// ROLLED_BACK; fails CannotRollbackCommitted against a COMMITTED
// transaction.
func (tx *Transaction) Rollback() error {
	tx.mu.Lock()
	if tx.status == StatusRolledBack {
		tx.mu.Unlock()
		return nil
	}
	if tx.status == StatusCommitted {
		tx.mu.Unlock()
		return mesherr.ErrCannotRollbackCommitted
	}
	tx.status = StatusRolledBack
	tx.mu.Unlock()

	return tx.restoreBeforeImages()
}

func (tx *Transaction) restoreBeforeImages() error {
	for key, img := range tx.before {
		if len(key) > 5 && key[:5] == "node:" {
			id := key[5:]
			if img.existed {
				if _, err := tx.store.PutNode(img.node); err != nil {
					return err
				}
			} else {
				if _, err := tx.store.DeleteNode(id); err != nil {
					return err
				}
			}
			continue
		}
		id := key[5:]
		if img.existed {
			if _, err := tx.store.PutEdge(img.edge); err != nil {
				return err
			}
		} else {
			if _, err := tx.store.DeleteEdge(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// OperationCount reports the number of operations currently buffered.
func (tx *Transaction) OperationCount() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.operations)
}
