// Package store provides the disk-backed persistence the consensus engine
// treats as an external collaborator: a low-level key/value store for the
// round-status record and finalized-block index, plus the block database
// export/import file formats used to move finalized history between nodes.
package store

import (
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/cockroachdb/pebble/vfs"
)

// KVStore is the minimal key/value API the consensus engine's persistence
// layer needs: point reads/writes, a range iterator, and atomic batches.
type KVStore interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error

	NewIterator(start, end []byte) Iterator
	NewBatch() BatchWriter

	Close() error
}

// BatchWriter is a set of mutations applied atomically on Commit.
type BatchWriter interface {
	Set(key, value []byte) error
	Commit() error
	Cancel()
}

// Iterator scans a range of keys in ascending order.
type Iterator interface {
	Next()
	Key() []byte
	Value() ([]byte, error)
	Valid() bool
	Close()
}

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = pebble.ErrNotFound

// PebbleStore implements KVStore over cockroachdb/pebble, mirroring
// algorand-go-algorand's util/kvstore PebbleDB adapter.
type PebbleStore struct {
	db *pebble.DB
	wo *pebble.WriteOptions
}

// OpenPebbleStore opens (creating if absent) a pebble database at dir. When
// inMem is true the database lives entirely in memory, the configuration
// the store and consensus package tests use to avoid touching the
// filesystem.
func OpenPebbleStore(dir string, inMem bool) (*PebbleStore, error) {
	cache := pebble.NewCache(1 << 30)
	defer cache.Unref()
	opts := &pebble.Options{
		Cache:                       cache,
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       1000,
		LBaseMaxBytes:               64 << 20,
		Levels:                      make([]pebble.LevelOptions, 7),
		MaxConcurrentCompactions:    func() int { return 3 },
		MemTableSize:                64 << 20,
		MemTableStopWritesThreshold: 4,
	}
	opts.FlushDelayDeleteRange = 10 * time.Second
	opts.TargetByteDeletionRate = 128 << 20
	opts.Experimental.ReadSamplingMultiplier = -1
	for i := 0; i < len(opts.Levels); i++ {
		l := &opts.Levels[i]
		l.BlockSize = 32 << 10
		l.IndexBlockSize = 256 << 10
		l.FilterPolicy = bloom.FilterPolicy(10)
		l.FilterType = pebble.TableFilter
		if i > 0 {
			l.TargetFileSize = opts.Levels[i-1].TargetFileSize * 2
		}
		l.EnsureDefaults()
	}
	opts.Levels[6].FilterPolicy = nil
	if inMem {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db, wo: &pebble.WriteOptions{Sync: true}}, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error { return s.db.Close() }

// Get looks up key, returning ErrNotFound when absent.
func (s *PebbleStore) Get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	ret := make([]byte, len(v))
	copy(ret, v)
	closer.Close()
	return ret, nil
}

// Set writes key/value synchronously (spec.md §3: "Written synchronously to
// stable storage before any message derived from an advanced round is
// released").
func (s *PebbleStore) Set(key, value []byte) error { return s.db.Set(key, value, s.wo) }

type pebbleBatch struct {
	wb *pebble.Batch
	wo *pebble.WriteOptions
}

// NewBatch creates an atomic batch writer.
func (s *PebbleStore) NewBatch() BatchWriter { return &pebbleBatch{wb: s.db.NewBatch(), wo: s.wo} }

func (b *pebbleBatch) Set(key, value []byte) error { return b.wb.Set(key, value, b.wo) }
func (b *pebbleBatch) Commit() error               { return b.wb.Commit(b.wo) }
func (b *pebbleBatch) Cancel()                     { b.wb.Close() }

type pebbleIterator struct {
	iter *pebble.Iterator
}

// NewIterator scans [start, end); either bound may be nil.
func (s *PebbleStore) NewIterator(start, end []byte) Iterator {
	iter := s.db.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	iter.First()
	return &pebbleIterator{iter: iter}
}

func (i *pebbleIterator) Next()       { i.iter.Next() }
func (i *pebbleIterator) Valid() bool { return i.iter.Valid() }
func (i *pebbleIterator) Close()      { i.iter.Close() }
func (i *pebbleIterator) Key() []byte {
	k := i.iter.Key()
	ret := make([]byte, len(k))
	copy(ret, k)
	return ret
}
func (i *pebbleIterator) Value() ([]byte, error) {
	v := i.iter.Value()
	ret := make([]byte, len(v))
	copy(ret, v)
	return ret, nil
}
