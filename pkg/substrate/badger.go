package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BadgerSubstrate persists the mesh's logical keyspace (spec.md §6) to
// BadgerDB and fans Watch callbacks out in-process, the same way the
// teacher's BadgerEngine persists the graph keyspace to the same database
// family. Peer-to-peer propagation of remote writes into a node's
// BadgerSubstrate is carried by pkg/transport; BadgerSubstrate itself only
// guarantees the local Put/Get/Watch contract.
type BadgerSubstrate struct {
	db *badger.DB

	mu        sync.RWMutex
	listeners map[string][]*subscription
	seq       uint64
}

// BadgerSubstrateOptions configures the on-disk substrate.
type BadgerSubstrateOptions struct {
	// DataDir is the directory BadgerDB stores files under. Required
	// unless InMemory is set.
	DataDir string
	// InMemory runs Badger with no on-disk persistence, for tests.
	InMemory bool
}

// OpenBadgerSubstrate opens (creating if absent) a BadgerDB-backed
// substrate at the given options.
func OpenBadgerSubstrate(opts BadgerSubstrateOptions) (*BadgerSubstrate, error) {
	bo := badger.DefaultOptions(opts.DataDir)
	bo = bo.WithLogger(nil)
	if opts.InMemory {
		bo = bo.WithInMemory(true)
	}
	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("substrate: open badger: %w", err)
	}
	return &BadgerSubstrate{
		db:        db,
		listeners: make(map[string][]*subscription),
	}, nil
}

// Close releases the underlying BadgerDB handle.
func (b *BadgerSubstrate) Close() error {
	return b.db.Close()
}

func (b *BadgerSubstrate) Put(ctx context.Context, path Path, value any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("substrate: encode %s: %w", path, err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(path.String()), encoded)
	})
	if err != nil {
		return fmt.Errorf("substrate: put %s: %w", path, err)
	}

	b.mu.RLock()
	var fire []*subscription
	for prefix, subs := range b.listeners {
		if path.HasPrefix(splitKey(prefix)) {
			fire = append(fire, subs...)
		}
	}
	b.mu.RUnlock()

	for _, s := range fire {
		s.fn(value, path)
	}
	return nil
}

func (b *BadgerSubstrate) Get(ctx context.Context, path Path) (any, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	default:
	}

	var value any
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path.String()))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(raw []byte) error {
			return json.Unmarshal(raw, &value)
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("substrate: get %s: %w", path, err)
	}
	return value, found, nil
}

// ScanPrefix returns, for every key under prefix, the single path segment
// immediately following prefix mapped to that key's value, using Badger's
// iterator to seek directly to the prefix range.
func (b *BadgerSubstrate) ScanPrefix(ctx context.Context, prefix Path) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	prefixBytes := []byte(prefix.String() + "/")
	out := make(map[string]any)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixBytes
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			p := splitKey(string(item.KeyCopy(nil)))
			if len(p) <= len(prefix) {
				continue
			}
			var value any
			if err := item.Value(func(raw []byte) error {
				return json.Unmarshal(raw, &value)
			}); err != nil {
				return err
			}
			out[p[len(prefix)]] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("substrate: scan %s: %w", prefix, err)
	}
	return out, nil
}

// Delete removes path's key outright, via Badger's transactional delete.
// Like MemoryBus.Delete, it fires no watch callbacks.
func (b *BadgerSubstrate) Delete(ctx context.Context, path Path) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(path.String()))
	})
	if err != nil {
		return fmt.Errorf("substrate: delete %s: %w", path, err)
	}
	return nil
}

func (b *BadgerSubstrate) Watch(ctx context.Context, path Path, fn WatchFunc) (Unsubscribe, error) {
	b.mu.Lock()
	b.seq++
	sub := &subscription{id: b.seq, path: path, fn: fn}
	key := path.String()
	b.listeners[key] = append(b.listeners[key], sub)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.listeners[key]
		for i, s := range subs {
			if s.id == sub.id {
				b.listeners[key] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	go func() {
		<-ctx.Done()
		unsub()
	}()

	return unsub, nil
}
