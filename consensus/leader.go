package consensus

import (
	"github.com/solacechain/konsensus/config"
	"github.com/solacechain/konsensus/crypto"
	"github.com/solacechain/konsensus/types"
)

// nonceForEpoch returns the leadership-election nonce for epoch, falling
// back to the genesis hash for epoch 0 (no finalization entry precedes it).
func (e *Engine) nonceForEpoch(epoch types.Epoch) []byte {
	if nonce, ok := e.epochNonce[epoch]; ok {
		return nonce
	}
	return e.cfg.GenesisHash[:]
}

// recomputeEpochNonce implements the nonce half of spec.md §4.3's
// advanceEpoch: the epoch opened by fe draws its leadership nonce from fe.
func (e *Engine) recomputeEpochNonce(epoch types.Epoch, fe *types.FinalizationEntry) {
	if e.epochNonce == nil {
		e.epochNonce = make(map[types.Epoch][]byte)
	}
	e.epochNonce[epoch] = crypto.DeriveEpochNonce(fe)
}

// verifyLeaderElection checks that info was legitimately elected leader for
// (round, epoch) against nonce, combining the VRF proof check with the
// stake-weighted sortition threshold (spec.md §4.1 verifyVrfLeaderElection,
// §4.7 step 6 "leader election VRF proof valid").
func verifyLeaderElection(info config.FinalizerInfo, committee *config.Committee, nonce []byte, round types.Round, vrfOutput, vrfProof []byte) bool {
	if info.VRFKey == nil {
		return false
	}
	if !crypto.VerifyVrfLeaderElection(info.VRFKey, nonce, uint64(round), vrfOutput, vrfProof) {
		return false
	}
	return crypto.ElectionThresholdMet(vrfOutput, info.Weight, committee.TotalWeight())
}

// localElection runs the local identity's own VRF lottery for (round,
// epoch), returning the winning output/proof when elected.
func (e *Engine) localElection(round types.Round, epoch types.Epoch) (elected bool, output, proof []byte) {
	if e.cfg.LocalVrfPrivate == nil || !e.localIsSeated {
		return false, nil, nil
	}
	committee, ok := e.committeeFor(epoch)
	if !ok {
		return false, nil, nil
	}
	info, ok := committee.Get(e.localIndex)
	if !ok {
		return false, nil, nil
	}
	nonce := e.nonceForEpoch(epoch)
	out, prf, err := crypto.ProveVrfLeaderElection(e.cfg.LocalVrfPrivate, nonce, uint64(round))
	if err != nil {
		e.logger.Error("failed to produce VRF leader-election proof", "round", round, "error", err)
		return false, nil, nil
	}
	if !crypto.ElectionThresholdMet(out, info.Weight, committee.TotalWeight()) {
		return false, nil, nil
	}
	return true, out, prf
}
