// Package types holds the data model shared by the consensus, catchup, and
// store packages: rounds, epochs, blocks, certificates, and the wire/result
// vocabulary the engine speaks.
package types

import (
	"encoding/hex"
)

// Round is a monotone numbered attempt to certify one block.
type Round uint64

// Epoch is a longer-lived committee term spanning many rounds.
type Epoch uint64

// FinalizerIndex is a seat in the finalization committee for an epoch.
type FinalizerIndex uint32

// BakerId identifies a persistent participant across epochs.
type BakerId string

// Duration is a protocol duration expressed in milliseconds.
type Duration uint64

// MinDuration is the floor below which a timeout duration may never shrink.
const MinDuration Duration = 1

// BlockHash is a 32-byte block digest produced by crypto.HashBlock.
type BlockHash [32]byte

// IsZero reports whether h is the zero hash (used as a "no hash" sentinel).
func (h BlockHash) IsZero() bool {
	return h == BlockHash{}
}

// String renders the hash as lowercase hex, matching the teacher's
// getHashAsString convention.
func (h BlockHash) String() string {
	return hex.EncodeToString(h[:])
}

// BlockHashFromBytes copies b into a BlockHash; b must be exactly 32 bytes.
func BlockHashFromBytes(b []byte) BlockHash {
	var h BlockHash
	copy(h[:], b)
	return h
}

// FinalizerSet is a bitmask over the committee seats of an epoch, one bit
// per FinalizerIndex, used as the signer set embedded in a QC or TC.
type FinalizerSet struct {
	bits map[FinalizerIndex]struct{}
}

// NewFinalizerSet returns an empty signer set.
func NewFinalizerSet() *FinalizerSet {
	return &FinalizerSet{bits: make(map[FinalizerIndex]struct{})}
}

// Add marks idx as a signer.
func (s *FinalizerSet) Add(idx FinalizerIndex) {
	s.bits[idx] = struct{}{}
}

// Contains reports whether idx signed.
func (s *FinalizerSet) Contains(idx FinalizerIndex) bool {
	_, ok := s.bits[idx]
	return ok
}

// Len returns the number of signers.
func (s *FinalizerSet) Len() int {
	return len(s.bits)
}

// Members returns the signer indices in no particular order.
func (s *FinalizerSet) Members() []FinalizerIndex {
	out := make([]FinalizerIndex, 0, len(s.bits))
	for idx := range s.bits {
		out = append(out, idx)
	}
	return out
}

// Union returns a new set containing the members of both s and other.
func (s *FinalizerSet) Union(other *FinalizerSet) *FinalizerSet {
	out := NewFinalizerSet()
	for idx := range s.bits {
		out.Add(idx)
	}
	if other != nil {
		for idx := range other.bits {
			out.Add(idx)
		}
	}
	return out
}

// ResultCode is the wire-visible outcome of submitting a message to the
// engine (spec.md §6).
type ResultCode int

const (
	ResultSuccess ResultCode = iota
	ResultDuplicate
	ResultStale
	ResultInvalid
	ResultPendingBlock
	ResultPendingFinalization
	ResultEarlyBlock
	ResultConsensusShutDown
	ResultUnverifiable
)

func (r ResultCode) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultDuplicate:
		return "Duplicate"
	case ResultStale:
		return "Stale"
	case ResultInvalid:
		return "Invalid"
	case ResultPendingBlock:
		return "PendingBlock"
	case ResultPendingFinalization:
		return "PendingFinalization"
	case ResultEarlyBlock:
		return "EarlyBlock"
	case ResultConsensusShutDown:
		return "ConsensusShutDown"
	case ResultUnverifiable:
		return "Unverifiable"
	default:
		return "Unknown"
	}
}

// BlockStatus is the lifecycle state of a block hash as observed by the
// tree (spec.md §3 Lifecycle, §4.2).
type BlockStatus int

const (
	StatusUnknown BlockStatus = iota
	StatusPending
	StatusAlive
	StatusFinalized
	StatusDead
)

func (s BlockStatus) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusAlive:
		return "Alive"
	case StatusFinalized:
		return "Finalized"
	case StatusDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// RecentBlockStatus is the result of getRecentBlockStatus: either a plain
// BlockStatus, or a marker that the block is finalized but old enough that
// the in-memory tree no longer holds details about it.
type RecentBlockStatus struct {
	OldFinalized bool
	Status       BlockStatus
}
