package service

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/loom-mesh/mesh/pkg/substrate"
)

// initSubstrate constructs the in-process or adapter-backed substrate.
// Disk storage defers substrate construction to prepareStorage, since
// opening Badger and creating its directory are the same operation; see
// prepareStorage for the probe-write-delete spec.md §6 requires of the
// directory before it's handed to Badger.
func (s *Service) initSubstrate() error {
	switch s.cfg.Storage.Type {
	case StorageMemory:
		s.sub = substrate.NewMemoryBus()
	case StorageCustom:
		s.sub = s.cfg.Storage.Adapter
	case StorageDisk:
		// handled in prepareStorage
	}
	return nil
}

// prepareStorage creates the storage directory and confirms it is
// writable by probing a write-then-delete, per spec.md §6's "Persistent
// file layout": "the core requires only that mkdir(path) and one
// probe-write-delete on that path succeed during start." For disk storage
// it then opens the BadgerSubstrate rooted there.
func (s *Service) prepareStorage() error {
	if s.cfg.Storage.Type != StorageDisk {
		return nil
	}

	path := s.cfg.Storage.Path
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("service: create storage directory %s: %w", path, err)
	}

	probe := filepath.Join(path, ".mesh-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("service: probe-write storage directory %s: %w", path, err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("service: probe-delete storage directory %s: %w", path, err)
	}

	sub, err := substrate.OpenBadgerSubstrate(substrate.BadgerSubstrateOptions{DataDir: path})
	if err != nil {
		return fmt.Errorf("service: open substrate at %s: %w", path, err)
	}
	s.sub = sub
	s.addCleanup(func() { _ = sub.Close() })
	return nil
}

// diskUsage sums file sizes under the storage directory. Zero for memory
// and custom storage, whose footprint this Service doesn't own.
func (s *Service) diskUsage() int64 {
	if s.cfg.Storage.Type != StorageDisk || s.cfg.Storage.Path == "" {
		return 0
	}
	var total int64
	_ = filepath.WalkDir(s.cfg.Storage.Path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}
