package consensus

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"time"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"

	"github.com/solacechain/konsensus/config"
	"github.com/solacechain/konsensus/crypto"
	"github.com/solacechain/konsensus/store"
	"github.com/solacechain/konsensus/types"
)

// testSuite mirrors crypto's unexported bn256 suite; bn256.NewSuite()
// always yields the same curve parameters, so keys minted here verify
// against crypto's own signing/verification functions.
var testSuite = bn256.NewSuite()

// finalizerIdentity is everything a test needs to act as one seat: the
// committee-visible public keys plus the private halves only that seat
// would hold.
type finalizerIdentity struct {
	edPriv  ed25519.PrivateKey
	edPub   ed25519.PublicKey
	blsPriv kyber.Scalar
	blsPub  kyber.Point
	vrf     crypto.VrfKeyPair
}

type testFixture struct {
	committee *config.Committee
	idents    []finalizerIdentity
	shares    []*share.PriShare
	pubPoly   *share.PubPoly
	quorum    int
	genesis   types.BlockHash
	kv        store.KVStore
}

func buildFixture(n, quorum int, weights []uint64) *testFixture {
	shares, pubPoly := crypto.GenerateThresholdKeys(quorum, n)

	idents := make([]finalizerIdentity, n)
	members := make(map[types.FinalizerIndex]config.FinalizerInfo, n)
	for i := 0; i < n; i++ {
		edPriv, edPub := crypto.GenerateEd25519Keys()
		blsPriv, blsPub := bls.NewKeyPair(testSuite, testSuite.RandomStream())
		vrf := crypto.GenerateVrfKeyPair()
		idents[i] = finalizerIdentity{edPriv: edPriv, edPub: edPub, blsPriv: blsPriv, blsPub: blsPub, vrf: vrf}
		members[types.FinalizerIndex(i)] = config.FinalizerInfo{
			Baker:  types.BakerId(byte('a' + i)),
			EdKey:  edPub,
			BLSKey: blsPub,
			VRFKey: vrf.Public,
			Weight: weights[i],
		}
	}

	committee := &config.Committee{Epoch: 0, Members: members, ThresholdPublicKey: pubPoly}

	kv, err := store.OpenPebbleStore("", true)
	if err != nil {
		panic(err)
	}

	return &testFixture{
		committee: committee,
		idents:    idents,
		shares:    shares,
		pubPoly:   pubPoly,
		quorum:    quorum,
		genesis:   types.BlockHash{0xaa},
		kv:        kv,
	}
}

// assembleQC aggregates partial signatures from the given signer indices
// into a fully-formed, independently verifiable QuorumCertificate, for
// tests that need to hand the engine an externally-arrived QC (e.g. via
// catch-up terminal data) without driving ReceiveQuorumMessage directly.
func (f *testFixture) assembleQC(block types.BlockHash, round types.Round, epoch types.Epoch, signers []int) *types.QuorumCertificate {
	var partials [][]byte
	set := types.NewFinalizerSet()
	for _, i := range signers {
		sig, err := crypto.SignQuorumMessage(f.shares[i], f.genesis, block, round, epoch)
		if err != nil {
			panic(err)
		}
		partials = append(partials, sig)
		set.Add(types.FinalizerIndex(i))
	}
	agg, err := crypto.AssembleQuorumCertificate(partials, f.pubPoly, f.genesis, block, round, epoch, f.quorum, len(f.idents))
	if err != nil {
		panic(err)
	}
	return &types.QuorumCertificate{Block: block, Round: round, Epoch: epoch, Signature: agg, Signers: set}
}

func (f *testFixture) committeeProvider() CommitteeProvider {
	return func(epoch types.Epoch) (*config.Committee, bool) {
		return f.committee, true
	}
}

// stubExecutor is a deterministic, side-effect-free BlockExecutor: the state
// hash folds in the parent state and transactions, the outcomes hash folds
// in just the transactions, so the two never accidentally collide.
type stubExecutor struct{}

func (stubExecutor) ExecuteBlock(ctx context.Context, parentState types.BlockHash, txs [][]byte) (types.BlockHash, types.BlockHash, error) {
	state := sha256.New()
	state.Write(parentState[:])
	for _, tx := range txs {
		state.Write(tx)
	}
	outcomes := sha256.New()
	outcomes.Write([]byte("outcomes"))
	for _, tx := range txs {
		outcomes.Write(tx)
	}
	var stateHash, outcomesHash types.BlockHash
	copy(stateHash[:], state.Sum(nil))
	copy(outcomesHash[:], outcomes.Sum(nil))
	return stateHash, outcomesHash, nil
}

// recordingBroadcaster captures everything broadcast for assertions.
type recordingBroadcaster struct {
	blocks   []*types.SignedBlock
	quorums  []*types.QuorumMessage
	timeouts []*types.TimeoutMessage
}

func (b *recordingBroadcaster) BroadcastBlock(blk *types.SignedBlock)          { b.blocks = append(b.blocks, blk) }
func (b *recordingBroadcaster) BroadcastQuorumMessage(qm *types.QuorumMessage) { b.quorums = append(b.quorums, qm) }
func (b *recordingBroadcaster) BroadcastTimeoutMessage(tm *types.TimeoutMessage) {
	b.timeouts = append(b.timeouts, tm)
}

// recordingTimer captures every timer reset for assertions.
type recordingTimer struct {
	resets []types.Duration
}

func (t *recordingTimer) ResetRoundTimer(d types.Duration) { t.resets = append(t.resets, d) }

func (f *testFixture) newEngine(localIdx int) (*Engine, *recordingBroadcaster, *recordingTimer) {
	cfg := &config.Config{
		GenesisHash:           f.genesis,
		Threshold:             config.DefaultThreshold,
		TimeoutIncrease:       config.Rational{Numerator: 3, Denominator: 2},
		InitialTimeout:        1000,
		EarlyBlockThreshold:   60000,
		DeadCacheCapacity:     16,
		CatchUpBlockBatchSize: 8,
	}
	if localIdx >= 0 {
		cfg.LocalBaker = f.committee.Members[types.FinalizerIndex(localIdx)].Baker
		cfg.LocalEdPrivate = f.idents[localIdx].edPriv
		cfg.LocalVrfPrivate = f.idents[localIdx].vrf.Private
		cfg.LocalTSPrivate = nil
		cfg.LocalBLSPrivate = f.idents[localIdx].blsPriv
	}

	broadcaster := &recordingBroadcaster{}
	timer := &recordingTimer{}
	e, err := New(cfg, f.kv, f.committeeProvider(), stubExecutor{}, broadcaster, timer, nil, nil)
	if err != nil {
		panic(err)
	}
	return e, broadcaster, timer
}

// signQuorum produces a fully-signed vote from signer i for (block, round,
// epoch) against the fixture's threshold shares and envelope key.
func (f *testFixture) signQuorum(i int, block types.BlockHash, round types.Round, epoch types.Epoch) *types.QuorumMessage {
	sig, err := crypto.SignQuorumMessage(f.shares[i], f.genesis, block, round, epoch)
	if err != nil {
		panic(err)
	}
	qm := &types.QuorumMessage{Signer: types.FinalizerIndex(i), Block: block, Round: round, Epoch: epoch, Signature: sig}
	env, err := crypto.SignQuorumEnvelope(f.idents[i].edPriv, qm)
	if err != nil {
		panic(err)
	}
	qm.Envelope = env
	return qm
}

// signBlockExtending mints a validly-elected, validly-signed block from
// signer i extending parentHash (at parentRound/parentEpoch/parentState)
// into round, within parentEpoch (no finalization entry, so the epoch never
// advances). The state/outcomes hashes are computed the same way stubExecutor
// would, so the block passes receiveBlock's post-execution hash check.
func (f *testFixture) signBlockExtending(i int, parentHash types.BlockHash, parentRound types.Round, parentEpoch types.Epoch, parentState types.BlockHash, round types.Round) *types.SignedBlock {
	output, proof, err := crypto.ProveVrfLeaderElection(f.idents[i].vrf.Private, f.genesis[:], uint64(round))
	if err != nil {
		panic(err)
	}
	stateHash, outcomesHash, err := stubExecutor{}.ExecuteBlock(context.Background(), parentState, nil)
	if err != nil {
		panic(err)
	}
	pb := &types.SignedBlock{
		Round:        round,
		Epoch:        parentEpoch,
		Timestamp:    time.Now().UnixMilli(),
		Baker:        f.committee.Members[types.FinalizerIndex(i)].Baker,
		BakerSignKey: f.idents[i].edPub,
		Nonce:        output,
		NonceProof:   proof,
		ParentHash:   parentHash,
		ParentQC:     &types.QuorumCertificate{Block: parentHash, Round: parentRound, Epoch: parentEpoch},
		StateHash:    stateHash,
		OutcomesHash: outcomesHash,
	}
	sig, err := crypto.SignBlock(f.idents[i].edPriv, pb)
	if err != nil {
		panic(err)
	}
	pb.Signature = sig
	return pb
}

// signTimeout produces a fully-signed timeout vote from signer i abandoning
// round against qc.
func (f *testFixture) signTimeout(i int, round types.Round, epoch types.Epoch, qc *types.QuorumCertificate) *types.TimeoutMessage {
	sig, err := crypto.SignTimeoutMessage(f.idents[i].blsPriv, round, qc)
	if err != nil {
		panic(err)
	}
	tm := &types.TimeoutMessage{Signer: types.FinalizerIndex(i), Round: round, Epoch: epoch, QC: qc, Signature: sig}
	env, err := crypto.SignTimeoutEnvelope(f.idents[i].edPriv, tm)
	if err != nil {
		panic(err)
	}
	tm.Envelope = env
	return tm
}
