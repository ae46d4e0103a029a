// Package catchup holds the C8 catch-up protocol's wire vocabulary: the
// status summary peers exchange, the request/response message shapes, and
// the terminal data a response ends with (spec.md §4.8). The handlers that
// build and consume these types live on consensus.Engine, since the
// algorithm needs the same tree/round-status/vote-pool access the rest of
// the engine has under its single lock.
package catchup

import (
	"github.com/solacechain/konsensus/types"
)

// TimeoutSetSummary summarizes one side's two-epoch timeout window for the
// alignment comparison in isCatchUpRequired/handleCatchUpRequest.
type TimeoutSetSummary struct {
	FirstEpoch types.Epoch
	// FirstEpochSigners and SecondEpochSigners are the signer indices with a
	// stored message in each bucket.
	FirstEpochSigners  []types.FinalizerIndex
	SecondEpochSigners []types.FinalizerIndex
}

// PerBlockQuorumSigners summarizes the quorum signatures held for one block
// in the current round.
type PerBlockQuorumSigners struct {
	Block   types.BlockHash
	Signers []types.FinalizerIndex
}

// Status is the CatchUpStatus record spec.md §4.8 calls a status summary.
type Status struct {
	LastFinalizedHash  types.BlockHash
	LastFinalizedRound types.Round

	// Leaves are alive blocks with no alive child; Branches are alive
	// non-leaf non-finalized blocks.
	Leaves   []types.BlockHash
	Branches []types.BlockHash

	CurrentRound types.Round

	PerBlockQuorumSigners []PerBlockQuorumSigners
	TimeoutSet            *TimeoutSetSummary
}

// RequestMessage is a peer's request to be caught up, carrying its own
// status summary.
type RequestMessage struct {
	Status Status
}

// TerminalData is the fixed-order record handleCatchUpRequest's stream
// ends with (spec.md §4.8).
type TerminalData struct {
	HighestQC *types.QuorumCertificate

	// FinalizingQC is the QC that last caused finalization, if distinct
	// from HighestQC.
	FinalizingQC *types.QuorumCertificate

	// PreviousRoundTC is present iff the peer's current round < ours.
	PreviousRoundTC *types.TimeoutCertificate

	QuorumMessages  []*types.QuorumMessage
	TimeoutMessages []*types.TimeoutMessage
}

// ResponseBlock is one streamed block in a catch-up response.
type ResponseBlock struct {
	Block *types.Block
}

// ResponseMessage is the full (non-lazy, wire-level) form of a catch-up
// response: the streamed blocks followed by the terminal data. A real
// transport may stream ResponseBlock values incrementally and deliver
// TerminalData last; this struct is the assembled equivalent used once a
// response completes.
type ResponseMessage struct {
	Blocks   []ResponseBlock
	Terminal TerminalData
}

// TerminalDataResult is the outcome of processing a ResponseMessage's
// terminal data (spec.md §4.8 processCatchUpTerminalData).
type TerminalDataResult int

const (
	TerminalDataResultOK TerminalDataResult = iota
	TerminalDataResultInvalid
)
