package consensus

import (
	"bytes"
	"fmt"

	"github.com/solacechain/konsensus/config"
	"github.com/solacechain/konsensus/crypto"
	"github.com/solacechain/konsensus/types"
)

// timeoutPool wraps the two-epoch sliding window of spec.md §3/§4.5.
type timeoutPool struct {
	window *types.TimeoutMessages
}

func newTimeoutPool() *timeoutPool {
	return &timeoutPool{window: types.NewTimeoutMessages()}
}

func (p *timeoutPool) reset() {
	p.window = types.NewTimeoutMessages()
}

// dropBefore clears the window once its epoch span can no longer overlap
// newEpoch (spec.md §4.3 advanceEpoch: "clears current-round vote pools
// whose epoch window no longer overlaps").
func (p *timeoutPool) dropBefore(newEpoch types.Epoch) {
	if !p.window.Initialized() {
		return
	}
	if p.window.FirstEpoch+1 < newEpoch {
		p.reset()
	}
}

// bucketFor returns the bucket map for epoch, or nil if epoch is outside
// the current two-epoch window.
func (p *timeoutPool) bucketFor(epoch types.Epoch) map[types.FinalizerIndex]*types.TimeoutMessage {
	w := p.window
	switch {
	case !w.Initialized():
		return nil
	case epoch == w.FirstEpoch:
		return w.FirstEpochTimeouts
	case epoch == w.FirstEpoch+1:
		return w.SecondEpochTimeouts
	default:
		return nil
	}
}

// PartiallyVerifiedTimeoutMessage is the outcome of a successful
// ReceiveTimeoutMessage (spec.md §4.5): the caller must invoke
// ExecuteTimeoutMessage immediately, without intervening state mutation.
type PartiallyVerifiedTimeoutMessage struct {
	TM          *types.TimeoutMessage
	QCCommittee *config.Committee
}

// TimeoutReceiveResult is the outcome of ReceiveTimeoutMessage.
type TimeoutReceiveResult struct {
	Reason          types.TimeoutRejectReason
	CatchupRequired bool
	Duplicate       bool
	Verified        *PartiallyVerifiedTimeoutMessage
}

// ReceiveTimeoutMessage implements spec.md §4.5's rejection taxonomy, in
// the exact order the table specifies (later conditions assume earlier
// ones held).
func (e *Engine) ReceiveTimeoutMessage(tm *types.TimeoutMessage) TimeoutReceiveResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receiveTimeoutMessage(tm)
}

// receiveTimeoutMessage is ReceiveTimeoutMessage without the lock, for
// callers (catch-up terminal-data processing) that already hold e.mu.
func (e *Engine) receiveTimeoutMessage(tm *types.TimeoutMessage) TimeoutReceiveResult {
	if e.shutdown {
		return TimeoutReceiveResult{}
	}
	if tm.QC == nil {
		return TimeoutReceiveResult{Reason: types.TimeoutRejectObsoleteQC}
	}

	if tm.Round < e.roundStatus.CurrentRound {
		return TimeoutReceiveResult{Reason: types.TimeoutRejectObsoleteRound}
	}

	lastFinalized := e.tree.LastFinalized()
	if tm.QC.Round < lastFinalized.Round() || tm.QC.Epoch < lastFinalized.Epoch() {
		return TimeoutReceiveResult{Reason: types.TimeoutRejectObsoleteQC}
	}

	qcStatus := e.tree.GetRecentBlockStatus(tm.QC.Block)
	qcUnresolved := qcStatus.Status == types.StatusPending || qcStatus.Status == types.StatusUnknown
	if tm.Epoch > e.roundStatus.CurrentEpoch || qcUnresolved || (tm.Round > e.roundStatus.CurrentRound && tm.QC.Round < tm.Round-1) {
		return TimeoutReceiveResult{CatchupRequired: true}
	}

	committee, ok := e.committeeFor(tm.Epoch)
	if !ok {
		return TimeoutReceiveResult{CatchupRequired: true}
	}
	info, ok := committee.Get(tm.Signer)
	if !ok {
		return TimeoutReceiveResult{Reason: types.TimeoutRejectNotAFinalizer}
	}

	if !crypto.VerifyTimeoutEnvelope(info.EdKey, tm) {
		return TimeoutReceiveResult{Reason: types.TimeoutRejectInvalidSignature}
	}

	bucket := e.timeoutPool.bucketFor(tm.Epoch)
	var prior *types.TimeoutMessage
	if bucket != nil {
		prior = bucket[tm.Signer]
	}
	isDuplicate := false
	if prior != nil && prior.Round == tm.Round {
		if bytes.Equal(prior.Signature, tm.Signature) {
			isDuplicate = true
		} else {
			e.evidence.Flag("double-signing-timeout", fmt.Sprintf("signer=%d round=%d", tm.Signer, tm.Round))
			return TimeoutReceiveResult{Reason: types.TimeoutRejectDoubleSigning}
		}
	}

	if qcBlock, ok := e.tree.GetByHash(tm.QC.Block); ok && qcBlock.Finalized && qcBlock.Height < lastFinalized.Height {
		return TimeoutReceiveResult{Reason: types.TimeoutRejectObsoleteQCPointer}
	}
	if e.tree.IsDead(tm.QC.Block) {
		return TimeoutReceiveResult{Reason: types.TimeoutRejectDeadQCPointer}
	}

	qcCommittee, ok := e.committeeFor(tm.QC.Epoch)
	if !ok {
		return TimeoutReceiveResult{CatchupRequired: true}
	}
	qcInfo, ok := qcCommittee.Get(tm.Signer)
	if !ok || !crypto.VerifyTimeoutMessageSignature(qcInfo.BLSKey, tm) {
		return TimeoutReceiveResult{Reason: types.TimeoutRejectInvalidBLSSignature}
	}

	if isDuplicate {
		return TimeoutReceiveResult{Duplicate: true}
	}

	return TimeoutReceiveResult{Verified: &PartiallyVerifiedTimeoutMessage{TM: tm, QCCommittee: qcCommittee}}
}

// ExecuteTimeoutMessage implements spec.md §4.5's executeTimeoutMessage.
// Call it immediately after a successful ReceiveTimeoutMessage, with no
// other engine call in between. It acquires e.mu itself, so it must not be
// called with e.mu held; code that already holds e.mu (catch-up terminal
// data processing) calls the unlocked executeTimeoutMessage instead.
func (e *Engine) ExecuteTimeoutMessage(pv *PartiallyVerifiedTimeoutMessage) types.ExecuteTimeoutResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executeTimeoutMessage(pv)
}

func (e *Engine) executeTimeoutMessage(pv *PartiallyVerifiedTimeoutMessage) types.ExecuteTimeoutResult {
	tm := pv.TM
	qc := tm.QC

	if qc.Round > e.roundStatus.HighestCertifiedRound || e.roundStatus.HighestCertifiedBlock.IsZero() {
		if !e.verifyQCAgainstCommitteeUsing(pv.QCCommittee, qc) || !qcMeetsThresholdFor(pv.QCCommittee, qc, e.cfg.Threshold) {
			e.evidence.Flag("invalid-qc-in-timeout", fmt.Sprintf("signer=%d round=%d", tm.Signer, tm.Round))
			return types.ExecuteTimeoutInvalidQC
		}
		e.checkFinality(qc)
		e.recordHighestQC(qc)
		if e.roundStatus.CurrentRound <= qc.Round {
			if err := e.advanceRound(qc.Round+1, qc, nil, nil); err != nil {
				e.logger.Error("failed to advance round from timeout-embedded QC", "error", err)
			}
		}
	} else if qc.Round == e.roundStatus.HighestCertifiedRound && qc.Epoch != e.roundStatus.HighestCertifiedEpoch {
		return types.ExecuteTimeoutInvalidQCEpoch
	}

	e.processTimeout(tm)
	return types.ExecuteTimeoutOK
}

// verifyQCAgainstCommitteeUsing is verifyQCAgainstCommittee with an
// already-resolved committee, for the timeout path where the QC's epoch
// committee was resolved during ReceiveTimeoutMessage.
func (e *Engine) verifyQCAgainstCommitteeUsing(committee *config.Committee, qc *types.QuorumCertificate) bool {
	if committee == nil || committee.ThresholdPublicKey == nil {
		return false
	}
	return crypto.VerifyQuorumCertificate(e.cfg.GenesisHash, committee.ThresholdPublicKey, qc)
}

func qcMeetsThresholdFor(committee *config.Committee, qc *types.QuorumCertificate, threshold config.Threshold) bool {
	if committee == nil || qc.Signers == nil {
		return false
	}
	var weight uint64
	for _, idx := range qc.Signers.Members() {
		if info, ok := committee.Get(idx); ok {
			weight += info.Weight
		}
	}
	return meetsThreshold(weight, committee.TotalWeight(), threshold.Numerator, threshold.Denominator)
}

// processTimeout implements spec.md §4.5's processTimeout(tm): maintains
// the two-epoch sliding window, then checks whether the stored messages for
// tm's round now cross threshold.
func (e *Engine) processTimeout(tm *types.TimeoutMessage) {
	w := e.timeoutPool.window

	switch {
	case !w.Initialized():
		w.FirstEpoch = tm.Epoch
		w.FirstEpochTimeouts[tm.Signer] = tm
		w.MarkInitialized()

	case tm.Epoch == w.FirstEpoch:
		w.FirstEpochTimeouts[tm.Signer] = tm

	case tm.Epoch == w.FirstEpoch+1:
		w.SecondEpochTimeouts[tm.Signer] = tm

	case tm.Epoch == w.FirstEpoch+2 && len(w.SecondEpochTimeouts) > 0:
		w.FirstEpoch = w.FirstEpoch + 1
		w.FirstEpochTimeouts = w.SecondEpochTimeouts
		w.SecondEpochTimeouts = map[types.FinalizerIndex]*types.TimeoutMessage{tm.Signer: tm}

	case tm.Epoch+1 == w.FirstEpoch && len(w.SecondEpochTimeouts) == 0:
		w.SecondEpochTimeouts = w.FirstEpochTimeouts
		w.FirstEpoch = tm.Epoch
		w.FirstEpochTimeouts = map[types.FinalizerIndex]*types.TimeoutMessage{tm.Signer: tm}

	case tm.Epoch >= w.FirstEpoch+2:
		w.FirstEpoch = tm.Epoch
		w.FirstEpochTimeouts = map[types.FinalizerIndex]*types.TimeoutMessage{tm.Signer: tm}
		w.SecondEpochTimeouts = map[types.FinalizerIndex]*types.TimeoutMessage{}

	default:
		// tm.epoch < firstEpoch-1, or tm.epoch == firstEpoch-1 while the
		// second bucket is non-empty: does not fit the window, leave state
		// unchanged.
		return
	}

	e.tryFormTimeoutCertificate(tm.Round, tm.QC.Epoch)
}

// tryFormTimeoutCertificate computes the union of signer weight across both
// window buckets for entries naming round, restricted to qcEpoch's
// committee, and forms a TC once it crosses threshold.
func (e *Engine) tryFormTimeoutCertificate(round types.Round, qcEpoch types.Epoch) {
	committee, ok := e.committeeFor(qcEpoch)
	if !ok {
		return
	}

	w := e.timeoutPool.window
	type bucketEntries struct {
		epoch    types.Epoch
		messages map[types.FinalizerIndex]*types.TimeoutMessage
	}
	buckets := []bucketEntries{
		{w.FirstEpoch, w.FirstEpochTimeouts},
		{w.FirstEpoch + 1, w.SecondEpochTimeouts},
	}

	var weight uint64
	seen := types.NewFinalizerSet()
	var sigs [][]byte
	firstBySigners := make(map[types.Round]*types.FinalizerSet)
	secondBySigners := make(map[types.Round]*types.FinalizerSet)
	var maxRound = round
	maxEpoch := w.FirstEpoch

	for _, b := range buckets {
		for signer, msg := range b.messages {
			if msg.Round != round || seen.Contains(signer) {
				continue
			}
			info, ok := committee.Get(signer)
			if !ok {
				continue
			}
			seen.Add(signer)
			weight += info.Weight
			sigs = append(sigs, msg.Signature)

			target := firstBySigners
			if b.epoch == w.FirstEpoch+1 {
				target = secondBySigners
			}
			set, ok := target[msg.QC.Round]
			if !ok {
				set = types.NewFinalizerSet()
				target[msg.QC.Round] = set
			}
			set.Add(signer)

			if msg.QC.Round > maxRound {
				maxRound = msg.QC.Round
			}
			if b.epoch > maxEpoch {
				maxEpoch = b.epoch
			}
		}
	}

	if !meetsThreshold(weight, committee.TotalWeight(), e.cfg.Threshold.Numerator, e.cfg.Threshold.Denominator) {
		return
	}

	sig, err := crypto.AssembleTimeoutCertificateSignature(sigs)
	if err != nil {
		e.logger.Error("failed to assemble timeout certificate signature", "round", round, "error", err)
		return
	}

	tc := &types.TimeoutCertificate{
		Round:              round,
		MinEpoch:           w.FirstEpoch,
		FirstEpochSigners:  firstBySigners,
		SecondEpochSigners: secondBySigners,
		Signature:          sig,
		MaxRound:           maxRound,
		MaxEpoch:           maxEpoch,
	}

	highestQC := e.highestQC()
	if err := e.advanceRound(e.roundStatus.CurrentRound+1, nil, tc, highestQC); err != nil {
		e.logger.Error("failed to advance round after TC formation", "round", round, "error", err)
	}
}

// highestQC reconstructs a QuorumCertificate pointer value from the
// round-status highest-certified slot, for embedding in PreviousRoundTimeout.
func (e *Engine) highestQC() *types.QuorumCertificate {
	if e.roundStatus.HighestCertifiedBlock.IsZero() {
		return nil
	}
	return &types.QuorumCertificate{
		Block: e.roundStatus.HighestCertifiedBlock,
		Round: e.roundStatus.HighestCertifiedRound,
		Epoch: e.roundStatus.HighestCertifiedEpoch,
	}
}

// uponTimeoutEvent implements spec.md §4.5's local-timer handler: grows the
// timeout, signs a timeout message for the current round and the highest
// known QC, persists and broadcasts it, then loops it back through
// processTimeout.
func (e *Engine) uponTimeoutEvent() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shutdown || !e.localIsSeated {
		return
	}

	e.growTimeout()

	highestQC := e.highestQC()
	if highestQC == nil {
		return
	}

	committee, ok := e.committeeFor(e.roundStatus.CurrentEpoch)
	if !ok {
		return
	}
	if _, ok := committee.Get(e.localIndex); !ok {
		return
	}

	sig, err := crypto.SignTimeoutMessage(e.cfg.LocalBLSPrivate, e.roundStatus.CurrentRound, highestQC)
	if err != nil {
		e.logger.Error("failed to sign timeout message", "round", e.roundStatus.CurrentRound, "error", err)
		return
	}

	tm := &types.TimeoutMessage{
		Signer:    e.localIndex,
		Round:     e.roundStatus.CurrentRound,
		Epoch:     e.roundStatus.CurrentEpoch,
		QC:        highestQC,
		Signature: sig,
	}
	envelope, err := crypto.SignTimeoutEnvelope(e.cfg.LocalEdPrivate, tm)
	if err != nil {
		e.logger.Error("failed to sign timeout envelope", "round", tm.Round, "error", err)
		return
	}
	tm.Envelope = envelope

	e.roundStatus.LastSignedTimeoutMessage = tm
	if err := e.persistRoundStatus(); err != nil {
		e.logger.Error("failed to persist last signed timeout message", "error", err)
		return
	}

	e.broadcaster.BroadcastTimeoutMessage(tm)
	e.processTimeout(tm)
}
