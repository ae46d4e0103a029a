package consensus

import (
	"context"
	"crypto/ed25519"
	"time"

	"go.dedis.ch/kyber/v3"

	"github.com/solacechain/konsensus/crypto"
	"github.com/solacechain/konsensus/types"
)

// ReceiveBlock implements spec.md §4.7's receiveBlock(pb) pipeline.
func (e *Engine) ReceiveBlock(pb *types.SignedBlock) types.ResultCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receiveBlock(pb)
}

func (e *Engine) receiveBlock(pb *types.SignedBlock) types.ResultCode {
	if e.shutdown {
		return types.ResultConsensusShutDown
	}

	now := time.Now()
	if ahead := time.Duration(pb.Timestamp-now.UnixMilli()) * time.Millisecond; ahead > time.Duration(e.cfg.EarlyBlockThreshold)*time.Millisecond {
		return types.ResultEarlyBlock
	}

	hash, err := crypto.HashBlock(pb)
	if err != nil {
		e.logger.Error("failed to hash incoming block", "error", err)
		return types.ResultInvalid
	}

	status := e.getRecentBlockStatus(hash)
	if status.Status != types.StatusUnknown || status.OldFinalized {
		return types.ResultDuplicate
	}

	lastFinalized := e.tree.LastFinalized()
	if pb.Round <= lastFinalized.Round() {
		e.tree.MarkDead(hash)
		return types.ResultStale
	}

	parent, parentAlive := e.tree.GetByHash(pb.ParentHash)
	if !parentAlive {
		if !e.cheapPreChecks(pb) {
			e.tree.MarkDead(hash)
			return types.ResultInvalid
		}
		e.tree.AddPendingBlock(hash, pb)
		return types.ResultPendingBlock
	}

	return e.verifyAndAdmit(hash, pb, parent, now)
}

// cheapPreChecks implements spec.md §4.7 step 5's pre-checks run when the
// parent is still pending or unknown: baker exists, signature matches the
// claimed key, leader-election proof verifies against a predicted
// leadership nonce (the nonce for the block's own claimed epoch, since the
// block's true parent epoch is not yet resolvable until the parent itself
// is known).
func (e *Engine) cheapPreChecks(pb *types.SignedBlock) bool {
	committee, ok := e.committeeFor(pb.Epoch)
	if !ok {
		return false
	}
	idx, ok := committee.IndexOf(pb.Baker)
	if !ok {
		return false
	}
	info, ok := committee.Get(idx)
	if !ok || !bytesEqual(info.EdKey, pb.BakerSignKey) {
		return false
	}
	if !crypto.VerifyBlockSignature(pb.BakerSignKey, pb) {
		return false
	}
	nonce := e.nonceForEpoch(pb.Epoch)
	return verifyLeaderElection(info, committee, nonce, pb.Round, pb.Nonce, pb.NonceProof)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// verifyAndAdmit implements spec.md §4.7 steps 6-9: full verification
// against a known parent, execution, insertion as alive, and draining
// pending children.
func (e *Engine) verifyAndAdmit(hash types.BlockHash, pb *types.SignedBlock, parent *BlockPointer, arriveTime time.Time) types.ResultCode {
	if !e.verifyPendingBlock(pb, parent) {
		e.tree.MarkDead(hash)
		return types.ResultInvalid
	}

	newState, outcomes, err := e.executor.ExecuteBlock(context.Background(), parent.StateHash, pb.Transactions)
	if err != nil {
		e.logger.Error("block execution failed", "hash", hash, "round", pb.Round, "error", err)
		e.tree.MarkDead(hash)
		return types.ResultInvalid
	}
	if newState != pb.StateHash || outcomes != pb.OutcomesHash {
		e.tree.MarkDead(hash)
		return types.ResultInvalid
	}

	bp := e.tree.MakeLive(hash, pb, parent, newState, arriveTime)

	if pb.FinalizationEntry != nil {
		e.advanceEpoch(parent.Epoch()+1, pb.FinalizationEntry)
	}

	e.onBlock(bp)
	e.drainPendingChildren(bp)
	return types.ResultSuccess
}

// verifyPendingBlock implements spec.md §4.7 step 6's full verification
// against a resolved (alive or finalized) parent.
func (e *Engine) verifyPendingBlock(pb *types.SignedBlock, parent *BlockPointer) bool {
	if pb.Round <= parent.Round() {
		return false
	}
	wantParentQC := &types.QuorumCertificate{Block: parent.Hash, Round: parent.Round(), Epoch: parent.Epoch()}
	if pb.ParentQC == nil || !pb.ParentQC.Equal(wantParentQC) {
		return false
	}

	wantEpoch := parent.Epoch()
	if pb.EpochAdvances() {
		wantEpoch++
	}
	if pb.Epoch != wantEpoch {
		return false
	}

	committee, ok := e.committeeFor(pb.Epoch)
	if !ok {
		return false
	}
	idx, ok := committee.IndexOf(pb.Baker)
	if !ok {
		return false
	}
	info, ok := committee.Get(idx)
	if !ok || !bytesEqual(info.EdKey, pb.BakerSignKey) {
		return false
	}
	if !crypto.VerifyBlockSignature(pb.BakerSignKey, pb) {
		return false
	}

	nonce := e.nonceForEpoch(pb.Epoch)
	if !verifyLeaderElection(info, committee, nonce, pb.Round, pb.Nonce, pb.NonceProof) {
		return false
	}

	if pb.TimeoutCertificate != nil {
		if !pb.TimeoutCertificate.RelevantTo(pb.Round) {
			return false
		}
		if !crypto.VerifyTimeoutCertificate(pb.TimeoutCertificate, e.blsKeyLookup) {
			return false
		}
	}

	if pb.FinalizationEntry != nil {
		if !pb.FinalizationEntry.Valid() {
			return false
		}
		if parent.Parent == nil || pb.FinalizationEntry.BlockQC.Block != parent.Parent.Hash {
			return false
		}
		if pb.FinalizationEntry.SuccessorQC.Block != pb.ParentHash {
			return false
		}
	}

	return true
}

// blsKeyLookup resolves a finalizer's individual BLS public key for a given
// epoch's committee, the callback crypto.VerifyTimeoutCertificate needs.
func (e *Engine) blsKeyLookup(epoch types.Epoch, signer types.FinalizerIndex) kyber.Point {
	committee, ok := e.committeeFor(epoch)
	if !ok {
		return nil
	}
	info, ok := committee.Get(signer)
	if !ok {
		return nil
	}
	return info.BLSKey
}

// onBlock records per-block bookkeeping once a block becomes alive (spec.md
// §4.7 step 8 "update branches and statistics, call onBlock"). Branch/height
// indexing is tree.MakeLive's responsibility; this hook is where future
// statistics (e.g. propagation latency) would be recorded.
func (e *Engine) onBlock(bp *BlockPointer) {
	e.logger.Debug("block alive", "hash", bp.Hash, "round", bp.Round(), "epoch", bp.Epoch(), "height", bp.Height)
}

// drainPendingChildren implements spec.md §4.7 step 9: re-enters step 6 for
// every pending block whose parent is now bp.
func (e *Engine) drainPendingChildren(bp *BlockPointer) {
	children := e.tree.TakePendingChildren(bp.Hash)
	for _, child := range children {
		hash, err := crypto.HashBlock(child)
		if err != nil {
			e.logger.Error("failed to hash drained pending child", "error", err)
			continue
		}
		e.verifyAndAdmit(hash, child, bp, time.Now())
	}
}

// maybeMakeBlock implements the block-production hook spec.md §4.3's
// advanceRound invokes: if the local identity wins the leader-election
// lottery for (round, epoch), build, sign, execute, and broadcast a new
// block extending the highest certified block.
func (e *Engine) maybeMakeBlock(round types.Round, epoch types.Epoch) {
	if !e.localIsSeated || e.cfg.LocalEdPrivate == nil {
		return
	}
	elected, output, proof := e.localElection(round, epoch)
	if !elected {
		return
	}

	parent, ok := e.tree.GetByHash(e.roundStatus.HighestCertifiedBlock)
	if !ok {
		return
	}
	parentQC := e.highestQC()
	if parentQC == nil {
		return
	}

	var tc *types.TimeoutCertificate
	if pr := e.roundStatus.PreviousRoundTimeout; pr != nil && pr.TC.RelevantTo(round) {
		tc = pr.TC
	}

	blockEpoch := parent.Epoch()
	var fe *types.FinalizationEntry
	if grandparentQC := parentBlockQC(parent); grandparentQC != nil && grandparentQC.Round+1 == parent.Round() && grandparentQC.Epoch == parent.Epoch() {
		fe = &types.FinalizationEntry{BlockQC: grandparentQC, SuccessorQC: parentQC}
		blockEpoch++
	}

	pub, ok := e.cfg.LocalEdPrivate.Public().(ed25519.PublicKey)
	if !ok {
		e.logger.Error("local Ed25519 key has unexpected type")
		return
	}

	pb := &types.SignedBlock{
		Round:              round,
		Epoch:              blockEpoch,
		Timestamp:          time.Now().UnixMilli(),
		Baker:              e.cfg.LocalBaker,
		BakerSignKey:       pub,
		Nonce:              output,
		NonceProof:         proof,
		ParentHash:         parent.Hash,
		ParentQC:           parentQC,
		TimeoutCertificate: tc,
		FinalizationEntry:  fe,
	}

	e.proposeBlock(pb, parent)
}

// parentBlockQC returns the QC the block at bp itself embeds (naming bp's
// own parent), or nil for genesis.
func parentBlockQC(bp *BlockPointer) *types.QuorumCertificate {
	if bp.Block == nil {
		return nil
	}
	return bp.Block.ParentQC
}

func (e *Engine) proposeBlock(pb *types.SignedBlock, parent *BlockPointer) {
	newState, outcomes, err := e.executor.ExecuteBlock(context.Background(), parent.StateHash, pb.Transactions)
	if err != nil {
		e.logger.Error("local block execution failed", "round", pb.Round, "error", err)
		return
	}
	pb.StateHash = newState
	pb.OutcomesHash = outcomes

	sig, err := crypto.SignBlock(e.cfg.LocalEdPrivate, pb)
	if err != nil {
		e.logger.Error("failed to sign produced block", "round", pb.Round, "error", err)
		return
	}
	pb.Signature = sig

	hash, err := crypto.HashBlock(pb)
	if err != nil {
		e.logger.Error("failed to hash produced block", "round", pb.Round, "error", err)
		return
	}

	bp := e.tree.MakeLive(hash, pb, parent, newState, time.Now())
	if pb.FinalizationEntry != nil {
		e.advanceEpoch(parent.Epoch()+1, pb.FinalizationEntry)
	}
	e.onBlock(bp)
	e.broadcaster.BroadcastBlock(pb)
	e.drainPendingChildren(bp)
}
