package crypto

import (
	"testing"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/bls"

	"github.com/solacechain/konsensus/types"
)

func sampleBlock() *types.SignedBlock {
	_, pub := GenerateEd25519Keys()
	return &types.SignedBlock{
		Round:        3,
		Epoch:        1,
		Timestamp:    1000,
		Baker:        "baker-0",
		BakerSignKey: pub,
		Nonce:        []byte("nonce"),
		NonceProof:   []byte("proof"),
		ParentHash:   types.BlockHash{1, 2, 3},
		Transactions: [][]byte{[]byte("tx1"), []byte("tx2")},
		StateHash:    types.BlockHash{4, 5, 6},
		OutcomesHash: types.BlockHash{7, 8, 9},
	}
}

func TestHashBlockDeterministic(t *testing.T) {
	b := sampleBlock()
	h1, err := HashBlock(b)
	if err != nil {
		t.Fatalf("HashBlock: %v", err)
	}
	h2, err := HashBlock(b)
	if err != nil {
		t.Fatalf("HashBlock: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected deterministic hash, got %v vs %v", h1, h2)
	}
}

func TestHashBlockChangesWithOutcomesHash(t *testing.T) {
	b := sampleBlock()
	h1, err := HashBlock(b)
	if err != nil {
		t.Fatalf("HashBlock: %v", err)
	}
	b.OutcomesHash = types.BlockHash{9, 9, 9}
	h2, err := HashBlock(b)
	if err != nil {
		t.Fatalf("HashBlock: %v", err)
	}
	if h1 == h2 {
		t.Fatal("expected hash to change when OutcomesHash changes")
	}
}

func TestSignBlockRoundTrip(t *testing.T) {
	priv, pub := GenerateEd25519Keys()
	b := sampleBlock()
	b.BakerSignKey = pub

	sig, err := SignBlock(priv, b)
	if err != nil {
		t.Fatalf("SignBlock: %v", err)
	}
	b.Signature = sig

	if !VerifyBlockSignature(pub, b) {
		t.Fatal("expected signature to verify")
	}

	b.Timestamp++
	if VerifyBlockSignature(pub, b) {
		t.Fatal("expected signature to fail after mutation")
	}
}

func TestQuorumEnvelopeRoundTrip(t *testing.T) {
	priv, pub := GenerateEd25519Keys()
	qm := &types.QuorumMessage{
		Signer:    2,
		Block:     types.BlockHash{1},
		Round:     5,
		Epoch:     1,
		Signature: []byte("partial"),
	}
	env, err := SignQuorumEnvelope(priv, qm)
	if err != nil {
		t.Fatalf("SignQuorumEnvelope: %v", err)
	}
	qm.Envelope = env

	if !VerifyQuorumEnvelope(pub, qm) {
		t.Fatal("expected envelope to verify")
	}

	qm.Round++
	if VerifyQuorumEnvelope(pub, qm) {
		t.Fatal("expected envelope to fail after round mutation")
	}
}

func TestTimeoutEnvelopeRoundTrip(t *testing.T) {
	priv, pub := GenerateEd25519Keys()
	tm := &types.TimeoutMessage{
		Signer: 1,
		Round:  7,
		Epoch:  2,
		QC:     &types.QuorumCertificate{Block: types.BlockHash{9}, Round: 6, Epoch: 2},
	}
	env, err := SignTimeoutEnvelope(priv, tm)
	if err != nil {
		t.Fatalf("SignTimeoutEnvelope: %v", err)
	}
	tm.Envelope = env

	if !VerifyTimeoutEnvelope(pub, tm) {
		t.Fatal("expected timeout envelope to verify")
	}

	tm.Signer++
	if VerifyTimeoutEnvelope(pub, tm) {
		t.Fatal("expected timeout envelope to fail after signer mutation")
	}
}

func TestQuorumCertificateAssembleAndVerify(t *testing.T) {
	const quorum, nodes = 3, 4
	shares, pubPoly := GenerateThresholdKeys(quorum, nodes)

	genesis := types.BlockHash{1}
	block := types.BlockHash{2}
	var round types.Round = 10
	var epoch types.Epoch = 0

	partials := make([][]byte, 0, quorum)
	for i := 0; i < quorum; i++ {
		sig, err := SignQuorumMessage(shares[i], genesis, block, round, epoch)
		if err != nil {
			t.Fatalf("SignQuorumMessage: %v", err)
		}
		partials = append(partials, sig)
	}

	agg, err := AssembleQuorumCertificate(partials, pubPoly, genesis, block, round, epoch, quorum, nodes)
	if err != nil {
		t.Fatalf("AssembleQuorumCertificate: %v", err)
	}

	qc := &types.QuorumCertificate{Block: block, Round: round, Epoch: epoch, Signature: agg}
	if !VerifyQuorumCertificate(genesis, pubPoly, qc) {
		t.Fatal("expected QC to verify")
	}

	qc.Round++
	if VerifyQuorumCertificate(genesis, pubPoly, qc) {
		t.Fatal("expected QC verification to fail for wrong round")
	}
}

func TestTimeoutCertificateAssembleAndVerify(t *testing.T) {
	privA, pubA := bls.NewKeyPair(suite, suite.RandomStream())
	privB, pubB := bls.NewKeyPair(suite, suite.RandomStream())

	qcA := &types.QuorumCertificate{Round: 4, Epoch: 1}
	qcB := &types.QuorumCertificate{Round: 5, Epoch: 1}

	sigA, err := SignTimeoutMessage(privA, 6, qcA)
	if err != nil {
		t.Fatalf("SignTimeoutMessage A: %v", err)
	}
	sigB, err := SignTimeoutMessage(privB, 6, qcB)
	if err != nil {
		t.Fatalf("SignTimeoutMessage B: %v", err)
	}

	agg, err := AssembleTimeoutCertificateSignature([][]byte{sigA, sigB})
	if err != nil {
		t.Fatalf("AssembleTimeoutCertificateSignature: %v", err)
	}

	firstEpochSigners := map[types.Round]*types.FinalizerSet{
		4: setOf(0),
		5: setOf(1),
	}
	tc := &types.TimeoutCertificate{
		Round:             6,
		MinEpoch:          1,
		FirstEpochSigners: firstEpochSigners,
		Signature:         agg,
	}

	keys := func(epoch types.Epoch, signer types.FinalizerIndex) kyber.Point {
		switch signer {
		case 0:
			return pubA
		case 1:
			return pubB
		default:
			return nil
		}
	}
	if !VerifyTimeoutCertificate(tc, keys) {
		t.Fatal("expected TC to verify")
	}

	tc.Round++
	if VerifyTimeoutCertificate(tc, keys) {
		t.Fatal("expected TC verification to fail after round mutation")
	}
}

func TestVerifyTimeoutMessageSignatureIndividual(t *testing.T) {
	priv, pub := bls.NewKeyPair(suite, suite.RandomStream())
	qc := &types.QuorumCertificate{Round: 2, Epoch: 0}
	sig, err := SignTimeoutMessage(priv, 3, qc)
	if err != nil {
		t.Fatalf("SignTimeoutMessage: %v", err)
	}
	tm := &types.TimeoutMessage{Round: 3, QC: qc, Signature: sig}
	if !VerifyTimeoutMessageSignature(pub, tm) {
		t.Fatal("expected individual timeout signature to verify")
	}

	tm.Round++
	if VerifyTimeoutMessageSignature(pub, tm) {
		t.Fatal("expected verification to fail after round mutation")
	}
}

func TestVrfLeaderElectionRoundTrip(t *testing.T) {
	kp := GenerateVrfKeyPair()
	nonce := []byte("epoch-nonce")
	var slot uint64 = 42

	output, proof, err := ProveVrfLeaderElection(kp.Private, nonce, slot)
	if err != nil {
		t.Fatalf("ProveVrfLeaderElection: %v", err)
	}
	if !VerifyVrfLeaderElection(kp.Public, nonce, slot, output, proof) {
		t.Fatal("expected VRF proof to verify")
	}

	if VerifyVrfLeaderElection(kp.Public, nonce, slot+1, output, proof) {
		t.Fatal("expected VRF proof to fail for a different slot")
	}
}

func TestElectionThresholdMet(t *testing.T) {
	if ElectionThresholdMet([]byte{0, 0, 0}, 1, 0) {
		t.Fatal("expected false when totalWeight is zero")
	}

	zero := make([]byte, 32)
	if !ElectionThresholdMet(zero, 1, 100) {
		t.Fatal("expected the zero output to always win with nonzero power")
	}

	maxed := make([]byte, 32)
	for i := range maxed {
		maxed[i] = 0xff
	}
	if ElectionThresholdMet(maxed, 1, 100) {
		t.Fatal("expected the maximal output to never win")
	}
}

func setOf(idxs ...types.FinalizerIndex) *types.FinalizerSet {
	s := types.NewFinalizerSet()
	for _, idx := range idxs {
		s.Add(idx)
	}
	return s
}
