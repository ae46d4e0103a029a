package consensus

import (
	"bytes"
	"fmt"

	"github.com/solacechain/konsensus/config"
	"github.com/solacechain/konsensus/crypto"
	"github.com/solacechain/konsensus/types"
)

// blockAccumulator is the mutable per-(round, block) aggregate signature
// state the quorum module owns (spec.md §9 "Aggregate signatures as
// incremental state"): threshold detection is a weight comparison after
// each insert, never a from-scratch recomputation.
type blockAccumulator struct {
	weight   uint64
	partials [][]byte
	signers  *types.FinalizerSet
	qcFormed bool
}

// quorumPool is the current round's quorum vote pool (spec.md §3
// "Current-round vote pools"): one message per signer, plus a per-block
// accumulator index.
type quorumPool struct {
	bySigner map[types.FinalizerIndex]*types.QuorumMessage
	byBlock  map[types.BlockHash]*blockAccumulator
}

func newQuorumPool() *quorumPool {
	p := &quorumPool{}
	p.reset()
	return p
}

func (p *quorumPool) reset() {
	p.bySigner = make(map[types.FinalizerIndex]*types.QuorumMessage)
	p.byBlock = make(map[types.BlockHash]*blockAccumulator)
}

// QuorumReceiveResult is the outcome of ReceiveQuorumMessage.
type QuorumReceiveResult struct {
	Reason types.QuorumRejectReason

	// CatchupRequired is set instead of Reason when the message names a
	// round ahead of ours.
	CatchupRequired bool
	Duplicate       bool

	// Accepted is true when the message was validated and fed into
	// processQuorumMessage.
	Accepted bool
}

// ReceiveQuorumMessage implements spec.md §4.4's receiveQuorumMessage,
// followed immediately by processQuorumMessage on success.
func (e *Engine) ReceiveQuorumMessage(qm *types.QuorumMessage) QuorumReceiveResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receiveQuorumMessage(qm)
}

// receiveQuorumMessage is ReceiveQuorumMessage without the lock, for callers
// (catch-up terminal-data processing) that already hold e.mu.
func (e *Engine) receiveQuorumMessage(qm *types.QuorumMessage) QuorumReceiveResult {
	if e.shutdown {
		return QuorumReceiveResult{Reason: types.QuorumRejectNone}
	}

	if qm.Round < e.roundStatus.CurrentRound {
		return QuorumReceiveResult{Reason: types.QuorumRejectObsoleteRound}
	}
	if qm.Round > e.roundStatus.CurrentRound {
		return QuorumReceiveResult{CatchupRequired: true}
	}

	committee, ok := e.committeeFor(qm.Epoch)
	if !ok {
		return QuorumReceiveResult{CatchupRequired: true}
	}
	info, ok := committee.Get(qm.Signer)
	if !ok {
		return QuorumReceiveResult{Reason: types.QuorumRejectNotAFinalizer}
	}

	if !crypto.VerifyQuorumEnvelope(info.EdKey, qm) {
		return QuorumReceiveResult{Reason: types.QuorumRejectInvalidSignature}
	}

	if prior, seen := e.quorumPool.bySigner[qm.Signer]; seen {
		if sameQuorumMessage(prior, qm) {
			return QuorumReceiveResult{Duplicate: true}
		}
		e.evidence.Flag("double-vote-quorum", fmt.Sprintf("signer=%d round=%d", qm.Signer, qm.Round))
		return QuorumReceiveResult{Reason: types.QuorumRejectDoubleVote}
	}

	// The envelope check above catches a forged signer attribution; the BLS
	// partial itself is not separately verifiable against the signer's share
	// without the committee's full polynomial evaluation (sign_tools exposes
	// no single-share verify), so a malformed partial is only caught once
	// AssembleQuorumCertificate / VerifyQuorumCertificate runs over the
	// combined signature at threshold time.
	e.quorumPool.bySigner[qm.Signer] = qm
	e.processQuorumMessage(qm, info.Weight, committee)
	return QuorumReceiveResult{Accepted: true}
}

func sameQuorumMessage(a, b *types.QuorumMessage) bool {
	return a.Block == b.Block && a.Round == b.Round && a.Epoch == b.Epoch && bytes.Equal(a.Signature, b.Signature)
}

// processQuorumMessage implements spec.md §4.4's processQuorumMessage:
// accumulate, and when weight crosses threshold for some block, form the
// QC, run finality detection, and advance the round.
func (e *Engine) processQuorumMessage(qm *types.QuorumMessage, weight uint64, committee *config.Committee) {
	acc, ok := e.quorumPool.byBlock[qm.Block]
	if !ok {
		acc = &blockAccumulator{signers: types.NewFinalizerSet()}
		e.quorumPool.byBlock[qm.Block] = acc
	}
	if acc.qcFormed || acc.signers.Contains(qm.Signer) {
		return
	}
	acc.weight += weight
	acc.partials = append(acc.partials, qm.Signature)
	acc.signers.Add(qm.Signer)

	if !meetsThreshold(acc.weight, committee.TotalWeight(), e.cfg.Threshold.Numerator, e.cfg.Threshold.Denominator) {
		return
	}

	sig, err := crypto.AssembleQuorumCertificate(
		acc.partials, committee.ThresholdPublicKey, e.cfg.GenesisHash, qm.Block, qm.Round, qm.Epoch,
		thresholdCount(committee, e.cfg.Threshold), len(committee.Members),
	)
	if err != nil {
		e.logger.Error("failed to assemble quorum certificate", "block", qm.Block, "round", qm.Round, "error", err)
		return
	}

	qc := &types.QuorumCertificate{
		Block:     qm.Block,
		Round:     qm.Round,
		Epoch:     qm.Epoch,
		Signature: sig,
		Signers:   acc.signers,
	}
	acc.qcFormed = true

	e.checkFinality(qc)
	e.recordHighestQC(qc)
	if err := e.persistRoundStatus(); err != nil {
		e.logger.Error("failed to persist round status after QC formation", "error", err)
	}
	if err := e.advanceRound(qc.Round+1, qc, nil, nil); err != nil {
		e.logger.Error("failed to advance round after QC formation", "error", err)
	}
}

// thresholdCount converts a weight-rational threshold into the nearest
// equivalent share count sign_tools.AssembleIntactTSPartial expects, since
// the teacher's threshold signing library is parameterized by a fixed
// quorum share count rather than a weight fraction.
func thresholdCount(committee *config.Committee, threshold config.Threshold) int {
	n := len(committee.Members)
	if threshold.Denominator == 0 {
		return n
	}
	count := (n*int(threshold.Numerator) + int(threshold.Denominator) - 1) / int(threshold.Denominator)
	if count < 1 {
		count = 1
	}
	if count > n {
		count = n
	}
	return count
}
