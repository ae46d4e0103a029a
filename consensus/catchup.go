package consensus

import (
	"github.com/solacechain/konsensus/catchup"
	"github.com/solacechain/konsensus/crypto"
	"github.com/solacechain/konsensus/store"
	"github.com/solacechain/konsensus/types"
)

// CatchUpStatus implements spec.md §4.8's status summary for this engine's
// current view.
func (e *Engine) CatchUpStatus() catchup.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	lastFinalized := e.tree.LastFinalized()

	leaves := e.tree.Leaves()
	branches := e.tree.Branches()
	leafHashes := make([]types.BlockHash, len(leaves))
	for i, bp := range leaves {
		leafHashes[i] = bp.Hash
	}
	branchHashes := make([]types.BlockHash, len(branches))
	for i, bp := range branches {
		branchHashes[i] = bp.Hash
	}

	var perBlock []catchup.PerBlockQuorumSigners
	for block, acc := range e.quorumPool.byBlock {
		perBlock = append(perBlock, catchup.PerBlockQuorumSigners{Block: block, Signers: acc.signers.Members()})
	}

	var timeoutSet *catchup.TimeoutSetSummary
	if w := e.timeoutPool.window; w.Initialized() {
		timeoutSet = &catchup.TimeoutSetSummary{
			FirstEpoch:         w.FirstEpoch,
			FirstEpochSigners:  signerIndices(w.FirstEpochTimeouts),
			SecondEpochSigners: signerIndices(w.SecondEpochTimeouts),
		}
	}

	return catchup.Status{
		LastFinalizedHash:     lastFinalized.Hash,
		LastFinalizedRound:    lastFinalized.Round(),
		Leaves:                leafHashes,
		Branches:              branchHashes,
		CurrentRound:          e.roundStatus.CurrentRound,
		PerBlockQuorumSigners: perBlock,
		TimeoutSet:            timeoutSet,
	}
}

func signerIndices(m map[types.FinalizerIndex]*types.TimeoutMessage) []types.FinalizerIndex {
	out := make([]types.FinalizerIndex, 0, len(m))
	for idx := range m {
		out = append(out, idx)
	}
	return out
}

// IsCatchUpRequired implements spec.md §4.8's isCatchUpRequired(theirStatus,
// myState).
func (e *Engine) IsCatchUpRequired(theirs catchup.Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	lastFinalized := e.tree.LastFinalized()

	if theirs.CurrentRound > e.roundStatus.CurrentRound {
		return true
	}
	if theirs.LastFinalizedRound > lastFinalized.Round() {
		return true
	}
	if theirs.CurrentRound <= lastFinalized.Round() {
		return false
	}

	for _, leaf := range theirs.Leaves {
		status := e.tree.GetRecentBlockStatus(leaf)
		if status.Status == types.StatusUnknown || status.Status == types.StatusPending {
			return true
		}
	}

	if theirs.CurrentRound == e.roundStatus.CurrentRound {
		mine := make(map[types.BlockHash]map[types.FinalizerIndex]bool)
		for block, acc := range e.quorumPool.byBlock {
			set := make(map[types.FinalizerIndex]bool)
			for _, idx := range acc.signers.Members() {
				set[idx] = true
			}
			mine[block] = set
		}
		for _, pb := range theirs.PerBlockQuorumSigners {
			have := mine[pb.Block]
			for _, idx := range pb.Signers {
				if !have[idx] {
					return true
				}
			}
		}

		if theirs.TimeoutSet != nil && e.relevantTimeoutSignersMissing(theirs.TimeoutSet) {
			return true
		}
	}

	return false
}

// relevantTimeoutSignersMissing reports whether theirs names a timeout
// signer, in an epoch overlapping our own window, that we do not have.
func (e *Engine) relevantTimeoutSignersMissing(theirs *catchup.TimeoutSetSummary) bool {
	w := e.timeoutPool.window
	if !w.Initialized() {
		return len(theirs.FirstEpochSigners) > 0 || len(theirs.SecondEpochSigners) > 0
	}
	check := func(epoch types.Epoch, signers []types.FinalizerIndex) bool {
		bucket := e.timeoutPool.bucketFor(epoch)
		for _, idx := range signers {
			if bucket == nil || bucket[idx] == nil {
				return true
			}
		}
		return false
	}
	if check(theirs.FirstEpoch, theirs.FirstEpochSigners) {
		return true
	}
	if check(theirs.FirstEpoch+1, theirs.SecondEpochSigners) {
		return true
	}
	return false
}

// HandleCatchUpRequest implements spec.md §4.8's handleCatchUpRequest
// (theirStatus, mySnapshot): a non-lazy assembly of the stream a real
// transport would send incrementally, bounded by cfg.CatchUpBlockBatchSize.
func (e *Engine) HandleCatchUpRequest(theirs catchup.Status) catchup.ResponseMessage {
	e.mu.Lock()
	defer e.mu.Unlock()

	theirStatus := e.getRecentBlockStatus(theirs.LastFinalizedHash)
	if theirStatus.Status != types.StatusFinalized && !theirStatus.OldFinalized {
		return catchup.ResponseMessage{}
	}

	var blocks []catchup.ResponseBlock
	budget := e.cfg.CatchUpBlockBatchSize
	if budget <= 0 {
		budget = 64
	}

	skip := make(map[types.BlockHash]bool)
	for _, h := range theirs.Leaves {
		skip[h] = true
	}
	for _, h := range theirs.Branches {
		skip[h] = true
	}
	skip[theirs.LastFinalizedHash] = true

	myLastFinalized := e.tree.LastFinalized()
	if theirs.LastFinalizedRound < myLastFinalized.Round() {
		latest, ok, err := store.LatestFinalizedHeight(e.kv)
		theirHeight, ok2, err2 := store.GetFinalizedHeightByHash(e.kv, theirs.LastFinalizedHash)
		if err == nil && ok && err2 == nil && ok2 {
			for h := theirHeight + 1; h <= latest && len(blocks) < budget; h++ {
				block, err := store.GetFinalizedBlockByHeight(e.kv, h)
				if err != nil || block == nil {
					continue
				}
				if hash, ok := hashOfBlock(block); ok && skip[hash] {
					continue
				}
				blocks = append(blocks, catchup.ResponseBlock{Block: block})
			}
		}
	}

	if maxHeight, ok := e.tree.MaxAliveHeight(); ok {
		unknownSeen := false
	heightLoop:
		for h := uint64(0); h <= maxHeight; h++ {
			for _, bp := range e.tree.AliveAtHeight(h) {
				if len(blocks) >= budget {
					break heightLoop
				}
				if !unknownSeen {
					if skip[bp.Hash] {
						continue
					}
					unknownSeen = true
				}
				blocks = append(blocks, catchup.ResponseBlock{Block: &types.Block{Signed: bp.Block}})
			}
		}
	}

	terminal := e.buildTerminalData(theirs)
	return catchup.ResponseMessage{Blocks: blocks, Terminal: terminal}
}

func hashOfBlock(block *types.Block) (types.BlockHash, bool) {
	if block.Genesis != nil {
		return block.Genesis.Hash, true
	}
	if block.Signed != nil {
		if h, err := crypto.HashBlock(block.Signed); err == nil {
			return h, true
		}
	}
	return types.BlockHash{}, false
}

// buildTerminalData implements spec.md §4.8's terminal-data contents: the
// highest QC; if distinct, the QC that last caused finalization; the TC for
// the previous round iff their current round < mine; quorum messages for
// the current round they are missing; timeout messages similarly filtered.
func (e *Engine) buildTerminalData(theirs catchup.Status) catchup.TerminalData {
	td := catchup.TerminalData{HighestQC: e.highestQC()}

	if fe, err := store.LoadLatestFinalizationEntry(e.kv); err == nil && fe != nil {
		if td.HighestQC == nil || !fe.SuccessorQC.Equal(td.HighestQC) {
			td.FinalizingQC = fe.SuccessorQC
		}
	}

	if theirs.CurrentRound < e.roundStatus.CurrentRound {
		if pr := e.roundStatus.PreviousRoundTimeout; pr != nil {
			td.PreviousRoundTC = pr.TC
		}
	}

	if theirs.CurrentRound == e.roundStatus.CurrentRound {
		have := make(map[types.BlockHash]map[types.FinalizerIndex]bool)
		for block, acc := range e.quorumPool.byBlock {
			set := make(map[types.FinalizerIndex]bool)
			for _, idx := range acc.signers.Members() {
				set[idx] = true
			}
			have[block] = set
		}
		theirByBlock := make(map[types.BlockHash]map[types.FinalizerIndex]bool)
		for _, pb := range theirs.PerBlockQuorumSigners {
			set := make(map[types.FinalizerIndex]bool)
			for _, idx := range pb.Signers {
				set[idx] = true
			}
			theirByBlock[pb.Block] = set
		}
		for block, signers := range have {
			theirSet := theirByBlock[block]
			for idx := range signers {
				if theirSet == nil || !theirSet[idx] {
					if qm := e.findQuorumMessage(block, idx); qm != nil {
						td.QuorumMessages = append(td.QuorumMessages, qm)
					}
				}
			}
		}

		if theirs.TimeoutSet != nil {
			td.TimeoutMessages = e.missingTimeoutMessages(theirs.TimeoutSet)
		} else if w := e.timeoutPool.window; w.Initialized() {
			for _, tm := range w.FirstEpochTimeouts {
				td.TimeoutMessages = append(td.TimeoutMessages, tm)
			}
			for _, tm := range w.SecondEpochTimeouts {
				td.TimeoutMessages = append(td.TimeoutMessages, tm)
			}
		}
	}

	return td
}

func (e *Engine) findQuorumMessage(block types.BlockHash, signer types.FinalizerIndex) *types.QuorumMessage {
	qm, ok := e.quorumPool.bySigner[signer]
	if !ok || qm.Block != block {
		return nil
	}
	return qm
}

// missingTimeoutMessages filters our timeout window down to the messages
// theirs does not have, across whichever of the four epoch-window
// alignments applies between our firstEpoch and theirs.
func (e *Engine) missingTimeoutMessages(theirs *catchup.TimeoutSetSummary) []*types.TimeoutMessage {
	w := e.timeoutPool.window
	if !w.Initialized() {
		return nil
	}
	theirHave := func(epoch types.Epoch, signer types.FinalizerIndex) bool {
		var signers []types.FinalizerIndex
		switch epoch {
		case theirs.FirstEpoch:
			signers = theirs.FirstEpochSigners
		case theirs.FirstEpoch + 1:
			signers = theirs.SecondEpochSigners
		default:
			return true // outside their window; nothing to send for it here
		}
		for _, idx := range signers {
			if idx == signer {
				return true
			}
		}
		return false
	}

	var out []*types.TimeoutMessage
	for signer, tm := range w.FirstEpochTimeouts {
		if !theirHave(w.FirstEpoch, signer) {
			out = append(out, tm)
		}
	}
	for signer, tm := range w.SecondEpochTimeouts {
		if !theirHave(w.FirstEpoch+1, signer) {
			out = append(out, tm)
		}
	}
	return out
}

// ProcessCatchUpTerminalData implements spec.md §4.8's
// processCatchUpTerminalData: process QCs, then optional TC, then quorum
// messages, then timeout messages, in that order, invoking maybeMakeBlock
// exactly once at the end regardless of how many phases advanced the round.
func (e *Engine) ProcessCatchUpTerminalData(td catchup.TerminalData) catchup.TerminalDataResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, qc := range []*types.QuorumCertificate{td.HighestQC, td.FinalizingQC} {
		if qc == nil {
			continue
		}
		if !e.verifyQCAgainstCommittee(qc) || !e.qcMeetsThreshold(qc) {
			return catchup.TerminalDataResultInvalid
		}
		e.checkFinality(qc)
		e.recordHighestQC(qc)
		if e.roundStatus.CurrentRound <= qc.Round {
			e.roundStatus.CurrentRound = qc.Round + 1
		}
	}

	if td.PreviousRoundTC != nil {
		if !crypto.VerifyTimeoutCertificate(td.PreviousRoundTC, e.blsKeyLookup) {
			return catchup.TerminalDataResultInvalid
		}
		if e.roundStatus.CurrentRound <= td.PreviousRoundTC.Round {
			e.roundStatus.CurrentRound = td.PreviousRoundTC.Round + 1
		}
	}

	for _, qm := range td.QuorumMessages {
		res := e.receiveQuorumMessage(qm)
		if res.Reason == types.QuorumRejectInvalidSignature {
			return catchup.TerminalDataResultInvalid
		}
	}

	for _, tm := range td.TimeoutMessages {
		res := e.receiveTimeoutMessage(tm)
		if res.Reason == types.TimeoutRejectInvalidSignature || res.Reason == types.TimeoutRejectInvalidBLSSignature {
			return catchup.TerminalDataResultInvalid
		}
		if res.Verified != nil {
			e.executeTimeoutMessage(res.Verified)
		}
	}

	if err := e.persistRoundStatus(); err != nil {
		e.logger.Error("failed to persist round status after catch-up terminal data", "error", err)
	}
	e.maybeMakeBlock(e.roundStatus.CurrentRound, e.roundStatus.CurrentEpoch)

	return catchup.TerminalDataResultOK
}
