package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solacechain/konsensus/crypto"
	"github.com/solacechain/konsensus/types"
)

func TestReceiveQuorumMessageFormsQCAndAdvancesRound(t *testing.T) {
	f := buildFixture(4, 3, []uint64{1, 1, 1, 1})
	e, _, _ := f.newEngine(-1)

	block := types.BlockHash{0x42}
	for i := 0; i < 2; i++ {
		res := e.ReceiveQuorumMessage(f.signQuorum(i, block, 1, 0))
		require.True(t, res.Accepted, "vote %d: expected Accepted, got %+v", i, res)
	}
	require.EqualValues(t, 1, e.roundStatus.CurrentRound, "round should still be 1 before threshold")

	res := e.ReceiveQuorumMessage(f.signQuorum(2, block, 1, 0))
	require.True(t, res.Accepted, "expected the third vote to be accepted, got %+v", res)
	require.EqualValues(t, 2, e.roundStatus.CurrentRound, "round should advance to 2 once threshold is crossed")

	// advanceRound clears the round-1 vote pool, so the formed QC is
	// observed through the round status's highest-certified slot.
	require.Equal(t, block, e.roundStatus.HighestCertifiedBlock, "expected the formed QC to be recorded as the highest certified block")
	require.EqualValues(t, 1, e.roundStatus.HighestCertifiedRound, "expected the highest certified round to be the QC's round")
}

func TestReceiveQuorumMessageRejectsDoubleVote(t *testing.T) {
	f := buildFixture(4, 3, []uint64{1, 1, 1, 1})
	e, _, _ := f.newEngine(-1)

	blockA := types.BlockHash{0xa}
	blockB := types.BlockHash{0xb}

	first := e.ReceiveQuorumMessage(f.signQuorum(0, blockA, 1, 0))
	require.True(t, first.Accepted)

	res := e.ReceiveQuorumMessage(f.signQuorum(0, blockB, 1, 0))
	require.Equal(t, types.QuorumRejectDoubleVote, res.Reason)

	dup := e.ReceiveQuorumMessage(f.signQuorum(0, blockA, 1, 0))
	require.True(t, dup.Duplicate, "expected the identical repeated vote to be flagged as a duplicate")
}

func TestReceiveTimeoutMessageFormsTCAndAdvancesRound(t *testing.T) {
	f := buildFixture(4, 3, []uint64{1, 1, 1, 1})
	e, _, _ := f.newEngine(-1)

	genesisQC := &types.QuorumCertificate{Block: f.genesis, Round: 0, Epoch: 0}

	advance := func(i int) types.ExecuteTimeoutResult {
		tm := f.signTimeout(i, 1, 0, genesisQC)
		res := e.ReceiveTimeoutMessage(tm)
		require.NotNil(t, res.Verified, "signer %d: expected a verified timeout message, got %+v", i, res)
		return e.ExecuteTimeoutMessage(res.Verified)
	}

	for i := 0; i < 2; i++ {
		require.Equal(t, types.ExecuteTimeoutOK, advance(i), "signer %d", i)
	}
	require.EqualValues(t, 1, e.roundStatus.CurrentRound, "round should still be 1 before timeout threshold")

	require.Equal(t, types.ExecuteTimeoutOK, advance(2), "expected the threshold-crossing vote to succeed")
	require.EqualValues(t, 2, e.roundStatus.CurrentRound, "round should advance to 2 once the timeout certificate forms")
	require.NotNil(t, e.roundStatus.PreviousRoundTimeout, "expected PreviousRoundTimeout to be recorded after a TC forms")
}

func TestReceiveBlockAdmitsValidChild(t *testing.T) {
	f := buildFixture(1, 1, []uint64{10})
	e, _, _ := f.newEngine(0)

	pb := f.signBlockExtending(0, f.genesis, 0, 0, f.genesis, 1)

	res := e.ReceiveBlock(pb)
	require.Equal(t, types.ResultSuccess, res)

	hash, err := crypto.HashBlock(pb)
	require.NoError(t, err)

	status := e.GetRecentBlockStatus(hash)
	require.Equal(t, types.StatusAlive, status.Status)
}

func TestReceiveBlockRejectsWrongLeader(t *testing.T) {
	f := buildFixture(1, 1, []uint64{10})
	e, _, _ := f.newEngine(0)

	output, proof, err := crypto.ProveVrfLeaderElection(f.idents[0].vrf.Private, f.genesis[:], 1)
	require.NoError(t, err)
	output[0] ^= 0xff // mismatches the proof, so VerifyVrfLeaderElection must fail

	stateHash, outcomesHash, err := stubExecutor{}.ExecuteBlock(context.Background(), f.genesis, nil)
	require.NoError(t, err)

	pb := &types.SignedBlock{
		Round:        1,
		Timestamp:    time.Now().UnixMilli(),
		Baker:        f.committee.Members[0].Baker,
		BakerSignKey: f.idents[0].edPub,
		Nonce:        output,
		NonceProof:   proof,
		ParentHash:   f.genesis,
		ParentQC:     &types.QuorumCertificate{Block: f.genesis, Round: 0, Epoch: 0},
		StateHash:    stateHash,
		OutcomesHash: outcomesHash,
	}
	sig, err := crypto.SignBlock(f.idents[0].edPriv, pb)
	require.NoError(t, err)
	pb.Signature = sig

	res := e.ReceiveBlock(pb)
	require.Equal(t, types.ResultInvalid, res, "expected a mismatched VRF output/proof to be rejected")
}

func TestMaybeMakeBlockProducesAndBroadcasts(t *testing.T) {
	f := buildFixture(1, 1, []uint64{10})
	e, broadcaster, timer := f.newEngine(0)

	e.maybeMakeBlock(e.roundStatus.CurrentRound, e.roundStatus.CurrentEpoch)

	require.Len(t, broadcaster.blocks, 1)
	produced := broadcaster.blocks[0]
	require.Equal(t, f.genesis, produced.ParentHash, "expected the produced block to extend genesis")
	_ = timer
}

func TestUponTimeoutEventSignsAndBroadcasts(t *testing.T) {
	f := buildFixture(1, 1, []uint64{10})
	e, broadcaster, _ := f.newEngine(0)

	e.uponTimeoutEvent()

	require.Len(t, broadcaster.timeouts, 1)
	tm := broadcaster.timeouts[0]
	require.EqualValues(t, 1, tm.Round)
	require.Same(t, tm, e.roundStatus.LastSignedTimeoutMessage, "expected LastSignedTimeoutMessage to record the broadcast timeout")
}

func TestCheckFinalityAdvancesLastFinalized(t *testing.T) {
	f := buildFixture(1, 1, []uint64{10})
	e, _, _ := f.newEngine(0)

	genesis := e.tree.Genesis()
	block1 := f.signBlockExtending(0, f.genesis, 0, 0, f.genesis, 1)
	bp1 := e.tree.MakeLive(mustHash(t, block1), block1, genesis, types.BlockHash{}, time.Now())

	block2 := f.signBlockExtending(0, bp1.Hash, 1, 0, types.BlockHash{}, 2)
	bp2 := e.tree.MakeLive(mustHash(t, block2), block2, bp1, types.BlockHash{}, time.Now())

	qc2 := &types.QuorumCertificate{Block: bp2.Hash, Round: 2, Epoch: 0}
	e.checkFinality(qc2)

	require.Same(t, bp1, e.tree.LastFinalized(), "expected checkFinality to finalize the grandparent-qualifying block")
}

func TestShutdownPutsEngineIntoQueryOnlyMode(t *testing.T) {
	f := buildFixture(1, 1, []uint64{10})
	e, _, _ := f.newEngine(0)

	pb := f.signBlockExtending(0, f.genesis, 0, 0, f.genesis, 1)
	require.Equal(t, types.ResultSuccess, e.ReceiveBlock(pb), "the block should be admitted before shutdown")

	e.Shutdown()
	require.True(t, e.IsShutDown())

	blocked := f.signBlockExtending(0, f.genesis, 0, 0, f.genesis, 2)
	require.Equal(t, types.ResultConsensusShutDown, e.ReceiveBlock(blocked))

	qm := f.signQuorum(0, types.BlockHash{0x1}, 1, 0)
	qmRes := e.ReceiveQuorumMessage(qm)
	require.False(t, qmRes.Accepted, "a shut-down engine must not accept new quorum votes")

	tm := f.signTimeout(0, 1, 0, &types.QuorumCertificate{Block: f.genesis, Round: 0, Epoch: 0})
	tmRes := e.ReceiveTimeoutMessage(tm)
	require.Nil(t, tmRes.Verified, "a shut-down engine must not verify new timeout votes")

	hash, err := crypto.HashBlock(pb)
	require.NoError(t, err)
	status := e.GetRecentBlockStatus(hash)
	require.Equal(t, types.StatusAlive, status.Status, "queries remain servable after shutdown")
}

func mustHash(t *testing.T, pb *types.SignedBlock) types.BlockHash {
	t.Helper()
	h, err := crypto.HashBlock(pb)
	require.NoError(t, err)
	return h
}
