package consensus

import (
	"github.com/solacechain/konsensus/store"
	"github.com/solacechain/konsensus/types"
)

// persistRoundStatus writes e.roundStatus synchronously before returning,
// the invariant spec.md §5 calls "Round-status persistence happens-before
// any outgoing message that names the new round". Callers must hold e.mu.
func (e *Engine) persistRoundStatus() error {
	return store.SaveRoundStatus(e.kv, e.roundStatus)
}

// growTimeout multiplies the current timeout by the chain's timeoutIncrease
// rational, floored at types.MinDuration (spec.md §4.3 "Timeout duration").
func (e *Engine) growTimeout() types.Duration {
	grown := e.cfg.TimeoutIncrease.Apply(e.roundStatus.CurrentTimeoutDuration)
	e.roundStatus.CurrentTimeoutDuration = grown
	return grown
}

// advanceRound implements spec.md §4.3's advanceRound(newRound, cause).
// Exactly one of qc (the Right(QC) cause) or tc (the Left(TC, highestQC)
// cause) is non-nil; highestQC accompanies a TC cause. Callers must hold
// e.mu and must not be in the middle of another mutation.
func (e *Engine) advanceRound(newRound types.Round, qc *types.QuorumCertificate, tc *types.TimeoutCertificate, highestQC *types.QuorumCertificate) error {
	if newRound <= e.roundStatus.CurrentRound {
		return nil // a round only ever advances forward
	}

	e.roundStatus.CurrentRound = newRound
	e.quorumPool.reset()

	if tc != nil {
		e.growTimeout()
		e.roundStatus.PreviousRoundTimeout = &types.PreviousRoundTimeout{
			TC: tc,
		}
		if highestQC != nil {
			e.roundStatus.PreviousRoundTimeout.HighestCertified = highestQC.Block
			e.roundStatus.PreviousRoundTimeout.HighestCertRound = highestQC.Round
			e.roundStatus.PreviousRoundTimeout.HighestCertEpoch = highestQC.Epoch
		}
	}

	if err := e.persistRoundStatus(); err != nil {
		return err
	}

	if e.localIsSeated {
		e.timer.ResetRoundTimer(e.roundStatus.CurrentTimeoutDuration)
	}

	e.maybeMakeBlock(newRound, e.roundStatus.CurrentEpoch)
	return nil
}

// recordHighestQC updates the round status's highest-certified-block slot
// if qc's round strictly exceeds the one already recorded (spec.md §4.4
// "record the QC in the round-status highest-QC slot if its round strictly
// exceeds the previous highest").
func (e *Engine) recordHighestQC(qc *types.QuorumCertificate) {
	if qc.Round <= e.roundStatus.HighestCertifiedRound && !e.roundStatus.HighestCertifiedBlock.IsZero() {
		return
	}
	e.roundStatus.HighestCertifiedBlock = qc.Block
	e.roundStatus.HighestCertifiedRound = qc.Round
	e.roundStatus.HighestCertifiedEpoch = qc.Epoch
}

// advanceEpoch implements spec.md §4.3's advanceEpoch(newEpoch,
// finalizationEntry): updates the current epoch, recomputes the local
// committee seat, and clears current-round vote pools whose epoch window no
// longer overlaps the new epoch.
func (e *Engine) advanceEpoch(newEpoch types.Epoch, fe *types.FinalizationEntry) {
	if newEpoch <= e.roundStatus.CurrentEpoch {
		return
	}
	e.roundStatus.CurrentEpoch = newEpoch
	if fe != nil {
		e.recomputeEpochNonce(newEpoch, fe)
	}
	e.refreshLocalSeat()
	e.quorumPool.reset()
	e.timeoutPool.dropBefore(newEpoch)
}
