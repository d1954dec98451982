package index

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/klingon-exchange/ord-index/pkg/logging"
)

// Store owns the embedded transactional database: all tables listed in
// schema.go live inside a single bbolt file. Only the driver mutates it;
// sub-updaters receive bucket handles scoped to one write transaction and
// never hold them across a commit (§9 "borrow-graph of table handles").
type Store struct {
	db      *bbolt.DB
	path    string
	savedir string
	log     *logging.Logger
}

// OpenStore opens (creating if necessary) the index database at
// <dataDir>/index.db and ensures every bucket in schema.go exists.
func OpenStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	path := filepath.Join(dataDir, "index.db")
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}

	savedir := filepath.Join(dataDir, "savepoints")
	if err := os.MkdirAll(savedir, 0700); err != nil {
		db.Close()
		return nil, fmt.Errorf("create savepoint directory: %w", err)
	}

	s := &Store{db: db, path: path, savedir: savedir, log: logging.GetDefault().Component("store")}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs fn inside a single all-or-nothing write transaction, wrapping
// bbolt's *bbolt.Tx in a Tables handle aggregate (§9).
func (s *Store) Update(fn func(*Tables) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(newTables(tx))
	})
}

// View runs fn inside a snapshot-isolated read transaction.
func (s *Store) View(fn func(*Tables) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(newTables(tx))
	})
}

// Height returns the highest contiguously indexed block height, or -1 if
// the store is empty.
func (s *Store) Height() (int64, error) {
	height := int64(-1)
	err := s.View(func(t *Tables) error {
		c := t.heightToBlockHash.Cursor()
		k, _ := c.Last()
		if k == nil {
			return nil
		}
		height = int64(binary.BigEndian.Uint32(k))
		return nil
	})
	return height, err
}

// BlockHash returns the hash stored for height, or nil if not present.
func (s *Store) BlockHash(height uint32) (*[32]byte, error) {
	var hash *[32]byte
	err := s.View(func(t *Tables) error {
		v := t.heightToBlockHash.Get(heightKey(height))
		if v == nil {
			return nil
		}
		var h [32]byte
		copy(h[:], v)
		hash = &h
		return nil
	})
	return hash, err
}

func heightKey(height uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, height)
	return buf
}

// ============================================================================
// Savepoints (C6) — hot-backup snapshots of the whole database, capped at a
// fixed count. bbolt exposes a consistent point-in-time copy via Tx.CopyFile
// inside a read transaction, which is exactly the "cheap if the embedded
// store exposes them" case §9 calls out.
// ============================================================================

// Savepoint names one on-disk snapshot taken at a given height.
type Savepoint struct {
	Height uint32
	Path   string
}

// Snapshot writes a new savepoint for the current database state at height,
// then prunes old savepoints down to limit, dropping the oldest.
func (s *Store) Snapshot(height uint32, limit int) error {
	name := filepath.Join(s.savedir, fmt.Sprintf("%010d.db", height))

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(name, 0600)
	})
	if err != nil {
		return fmt.Errorf("write savepoint at height %d: %w", height, err)
	}

	points, err := s.Savepoints()
	if err != nil {
		return err
	}
	if len(points) <= limit {
		return nil
	}
	for _, p := range points[:len(points)-limit] {
		if err := os.Remove(p.Path); err != nil {
			s.log.Warn("failed to prune savepoint", "path", p.Path, "error", err)
		}
	}
	return nil
}

// Savepoints lists surviving savepoints, oldest first.
func (s *Store) Savepoints() ([]Savepoint, error) {
	entries, err := os.ReadDir(s.savedir)
	if err != nil {
		return nil, err
	}
	points := make([]Savepoint, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var height uint32
		if _, err := fmt.Sscanf(e.Name(), "%010d.db", &height); err != nil {
			continue
		}
		points = append(points, Savepoint{Height: height, Path: filepath.Join(s.savedir, e.Name())})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Height < points[j].Height })
	return points, nil
}

// Restore replaces the live database with the snapshot at p. The caller
// must have closed any outstanding transactions; Restore itself reopens the
// database handle.
func (s *Store) Restore(p Savepoint) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database before restore: %w", err)
	}

	data, err := os.ReadFile(p.Path)
	if err != nil {
		return fmt.Errorf("read savepoint: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write restored database: %w", err)
	}

	db, err := bbolt.Open(s.path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("reopen restored database: %w", err)
	}
	s.db = db
	return nil
}
