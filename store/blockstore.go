package store

import (
	"encoding/binary"

	"github.com/solacechain/konsensus/types"
)

// Finalized blocks are addressed by height (primary) and by hash
// (secondary index), per spec.md §6 "Persisted state layout". A "latest
// finalization entry" key points at the QC pair that last advanced
// finality.
var (
	finalizedByHeightPrefix = []byte("fb/h/")
	finalizedByHashPrefix   = []byte("fb/x/")
	latestHeightKey         = []byte("fb/latest-height")
	latestFinalizationKey   = []byte("fb/latest-finalization")
)

func heightKey(height uint64) []byte {
	key := make([]byte, len(finalizedByHeightPrefix)+8)
	copy(key, finalizedByHeightPrefix)
	binary.BigEndian.PutUint64(key[len(finalizedByHeightPrefix):], height)
	return key
}

func hashKey(hash types.BlockHash) []byte {
	key := make([]byte, len(finalizedByHashPrefix)+len(hash))
	copy(key, finalizedByHashPrefix)
	copy(key[len(finalizedByHashPrefix):], hash[:])
	return key
}

// PutFinalizedBlock indexes block at height by both height and hash,
// atomically, and advances the latest-height marker if height is new.
func PutFinalizedBlock(kv KVStore, height uint64, hash types.BlockHash, block *types.Block) error {
	encoded, err := encode(block)
	if err != nil {
		return err
	}
	batch := kv.NewBatch()
	if err := batch.Set(heightKey(height), encoded); err != nil {
		batch.Cancel()
		return err
	}
	heightBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(heightBytes, height)
	if err := batch.Set(hashKey(hash), heightBytes); err != nil {
		batch.Cancel()
		return err
	}
	latest, haveLatest, err := LatestFinalizedHeight(kv)
	if err != nil {
		batch.Cancel()
		return err
	}
	if !haveLatest || height > latest {
		if err := batch.Set(latestHeightKey, heightBytes); err != nil {
			batch.Cancel()
			return err
		}
	}
	return batch.Commit()
}

// GetFinalizedBlockByHeight returns the finalized block at height, if any.
func GetFinalizedBlockByHeight(kv KVStore, height uint64) (*types.Block, error) {
	raw, err := kv.Get(heightKey(height))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var b types.Block
	if err := decode(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetFinalizedBlockByHash returns the finalized block with the given hash,
// if any, via the secondary hash index.
func GetFinalizedBlockByHash(kv KVStore, hash types.BlockHash) (*types.Block, error) {
	raw, err := kv.Get(hashKey(hash))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	height := binary.BigEndian.Uint64(raw)
	return GetFinalizedBlockByHeight(kv, height)
}

// GetFinalizedHeightByHash returns the height of the finalized block with
// the given hash, if any, via the secondary hash index.
func GetFinalizedHeightByHash(kv KVStore, hash types.BlockHash) (height uint64, ok bool, err error) {
	raw, err := kv.Get(hashKey(hash))
	if err == ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// LatestFinalizedHeight returns the highest height ever passed to
// PutFinalizedBlock, or ok=false if none has been written yet.
func LatestFinalizedHeight(kv KVStore) (height uint64, ok bool, err error) {
	raw, err := kv.Get(latestHeightKey)
	if err == ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// SaveLatestFinalizationEntry records the finalization entry that most
// recently advanced the last-finalized pointer.
func SaveLatestFinalizationEntry(kv KVStore, fe *types.FinalizationEntry) error {
	encoded, err := encode(fe)
	if err != nil {
		return err
	}
	return kv.Set(latestFinalizationKey, encoded)
}

// LoadLatestFinalizationEntry returns the most recently saved finalization
// entry, or nil if none has been recorded.
func LoadLatestFinalizationEntry(kv KVStore) (*types.FinalizationEntry, error) {
	raw, err := kv.Get(latestFinalizationKey)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var fe types.FinalizationEntry
	if err := decode(raw, &fe); err != nil {
		return nil, err
	}
	return &fe, nil
}
