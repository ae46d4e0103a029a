package store

import (
	"github.com/solacechain/konsensus/types"
)

// roundStatusKey is the single key the round-status record lives under
// (spec.md §6 "The round status is stored as a single key in a low-level
// key-value store, written atomically").
var roundStatusKey = []byte("round-status")

// SaveRoundStatus writes rs synchronously, overwriting any prior value.
// Callers (consensus/roundstatus.go) must call this before releasing any
// message that names the new round (spec.md §5 "Round-status persistence
// happens-before...").
func SaveRoundStatus(kv KVStore, rs *types.RoundStatus) error {
	encoded, err := encode(rs)
	if err != nil {
		return err
	}
	return kv.Set(roundStatusKey, encoded)
}

// LoadRoundStatus reads the persisted round status, or returns
// (nil, nil) if none has ever been written (a fresh node at genesis).
func LoadRoundStatus(kv KVStore) (*types.RoundStatus, error) {
	raw, err := kv.Get(roundStatusKey)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rs types.RoundStatus
	if err := decode(raw, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}
