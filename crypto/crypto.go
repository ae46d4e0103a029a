// Package crypto is the C1 crypto boundary: pure, stateless verification
// and production of the signatures, proofs, and hashes the consensus core
// consumes. Nothing here touches the tree, round status, or any other
// mutable consensus state.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"

	hclog "github.com/hashicorp/go-hclog"
	msgpack "github.com/hashicorp/go-msgpack/codec"
	"github.com/seafooler/sign_tools"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"

	"github.com/solacechain/konsensus/types"
)

// suite is the pairing group sign_tools' threshold signatures are drawn
// over; bn256 is kyber's pairing-friendly curve and the one the threshold
// sharing types (share.PubPoly/share.PriShare) are generated against in the
// teacher's setup (sign.GenTSKeys).
var suite = bn256.NewSuite()

var log = hclog.New(&hclog.LoggerOptions{Name: "konsensus-crypto"})

// encode mirrors the teacher's fork1/tools.go encode helper, generalized to
// msgpack so the same routine backs in-memory hashing and durable storage.
func encode(v interface{}) ([]byte, error) {
	var buf []byte
	enc := msgpack.NewEncoderBytes(&buf, &msgpack.MsgpackHandle{})
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

// hashableBlock is the subset of SignedBlock fields that are hashed and
// signed; the Signature field itself is excluded.
type hashableBlock struct {
	Round              types.Round
	Epoch              types.Epoch
	Timestamp          int64
	Baker              types.BakerId
	BakerSignKey       []byte
	Nonce              []byte
	NonceProof         []byte
	ParentHash         types.BlockHash
	ParentQC           *types.QuorumCertificate
	TimeoutCertificate *types.TimeoutCertificate
	FinalizationEntry  *types.FinalizationEntry
	Transactions       [][]byte
	StateHash          types.BlockHash
	OutcomesHash       types.BlockHash
}

func toHashable(b *types.SignedBlock) hashableBlock {
	return hashableBlock{
		Round:              b.Round,
		Epoch:              b.Epoch,
		Timestamp:          b.Timestamp,
		Baker:              b.Baker,
		BakerSignKey:       []byte(b.BakerSignKey),
		Nonce:              b.Nonce,
		NonceProof:         b.NonceProof,
		ParentHash:         b.ParentHash,
		ParentQC:           b.ParentQC,
		TimeoutCertificate: b.TimeoutCertificate,
		FinalizationEntry:  b.FinalizationEntry,
		Transactions:       b.Transactions,
		StateHash:          b.StateHash,
		OutcomesHash:       b.OutcomesHash,
	}
}

// HashBlock computes the block's canonical hash (spec.md §4.1 hashBlock).
func HashBlock(b *types.SignedBlock) (types.BlockHash, error) {
	encoded, err := encode(toHashable(b))
	if err != nil {
		return types.BlockHash{}, err
	}
	sum := sha256.Sum256(encoded)
	return sum, nil
}

// SignBlock produces the baker's Ed25519 signature over the block's
// canonical hash (spec.md §4.1 signBlock), mirroring the teacher's
// sign.SignEd25519(privateKey, data) call sites.
func SignBlock(priv ed25519.PrivateKey, b *types.SignedBlock) ([]byte, error) {
	hash, err := HashBlock(b)
	if err != nil {
		return nil, err
	}
	return sign_tools.SignEd25519(priv, hash[:]), nil
}

// VerifyBlockSignature verifies a baker's Ed25519 signature over a block
// (spec.md §4.1 verifyBlockSignature).
func VerifyBlockSignature(pub ed25519.PublicKey, b *types.SignedBlock) bool {
	hash, err := HashBlock(b)
	if err != nil {
		log.Error("failed to hash block for signature verification", "error", err)
		return false
	}
	ok, err := sign_tools.VerifySignEd25519(pub, hash[:], b.Signature)
	if err != nil {
		log.Error("ed25519 verification error", "error", err)
		return false
	}
	return ok
}

// envelopeQuorumPayload is the portion of a QuorumMessage the Ed25519
// envelope signature covers: everything except the envelope itself.
type envelopeQuorumPayload struct {
	Signer    types.FinalizerIndex
	Block     types.BlockHash
	Round     types.Round
	Epoch     types.Epoch
	Signature []byte
}

// SignQuorumEnvelope produces the Ed25519 envelope signature a finalizer
// wraps its BLS partial in (spec.md §4.4's pre-check before the BLS check).
func SignQuorumEnvelope(priv ed25519.PrivateKey, qm *types.QuorumMessage) ([]byte, error) {
	payload, err := encode(envelopeQuorumPayload{qm.Signer, qm.Block, qm.Round, qm.Epoch, qm.Signature})
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(payload)
	return sign_tools.SignEd25519(priv, sum[:]), nil
}

// VerifyQuorumEnvelope verifies a QuorumMessage's Ed25519 envelope.
func VerifyQuorumEnvelope(pub ed25519.PublicKey, qm *types.QuorumMessage) bool {
	payload, err := encode(envelopeQuorumPayload{qm.Signer, qm.Block, qm.Round, qm.Epoch, qm.Signature})
	if err != nil {
		log.Error("failed to encode quorum envelope payload", "error", err)
		return false
	}
	sum := sha256.Sum256(payload)
	ok, err := sign_tools.VerifySignEd25519(pub, sum[:], qm.Envelope)
	if err != nil {
		log.Error("quorum envelope verification error", "error", err)
		return false
	}
	return ok
}

// envelopeTimeoutPayload is the portion of a TimeoutMessage the Ed25519
// envelope signature covers.
type envelopeTimeoutPayload struct {
	Signer    types.FinalizerIndex
	Round     types.Round
	Epoch     types.Epoch
	QCRound   types.Round
	QCEpoch   types.Epoch
	QCBlock   types.BlockHash
	Signature []byte
}

func toEnvelopeTimeoutPayload(tm *types.TimeoutMessage) envelopeTimeoutPayload {
	p := envelopeTimeoutPayload{Signer: tm.Signer, Round: tm.Round, Epoch: tm.Epoch, Signature: tm.Signature}
	if tm.QC != nil {
		p.QCRound, p.QCEpoch, p.QCBlock = tm.QC.Round, tm.QC.Epoch, tm.QC.Block
	}
	return p
}

// SignTimeoutEnvelope produces the Ed25519 envelope signature a finalizer
// wraps its BLS timeout signature in.
func SignTimeoutEnvelope(priv ed25519.PrivateKey, tm *types.TimeoutMessage) ([]byte, error) {
	payload, err := encode(toEnvelopeTimeoutPayload(tm))
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(payload)
	return sign_tools.SignEd25519(priv, sum[:]), nil
}

// VerifyTimeoutEnvelope verifies a TimeoutMessage's Ed25519 envelope.
func VerifyTimeoutEnvelope(pub ed25519.PublicKey, tm *types.TimeoutMessage) bool {
	payload, err := encode(toEnvelopeTimeoutPayload(tm))
	if err != nil {
		log.Error("failed to encode timeout envelope payload", "error", err)
		return false
	}
	sum := sha256.Sum256(payload)
	ok, err := sign_tools.VerifySignEd25519(pub, sum[:], tm.Envelope)
	if err != nil {
		log.Error("timeout envelope verification error", "error", err)
		return false
	}
	return ok
}

// VerifyTimeoutMessageSignature verifies a single finalizer's individual
// BLS timeout signature directly (unlike quorum partials, timeout votes use
// plain per-signer BLS keys, so each one is independently verifiable before
// aggregation; spec.md §4.5 "InvalidBLSSignature").
func VerifyTimeoutMessageSignature(pub kyber.Point, tm *types.TimeoutMessage) bool {
	if tm.QC == nil {
		return false
	}
	payload, err := encodeTimeoutPayload(tm.Round, tm.QC.Round, tm.QC.Epoch)
	if err != nil {
		log.Error("failed to encode timeout payload", "error", err)
		return false
	}
	if err := bls.Verify(suite, pub, payload, tm.Signature); err != nil {
		return false
	}
	return true
}

// quorumPayload is the exact tuple the QC signature is computed over:
// (genesis, block, round, epoch) (spec.md §3).
type quorumPayload struct {
	Genesis types.BlockHash
	Block   types.BlockHash
	Round   types.Round
	Epoch   types.Epoch
}

func encodeQuorumPayload(genesis, block types.BlockHash, round types.Round, epoch types.Epoch) ([]byte, error) {
	return encode(quorumPayload{Genesis: genesis, Block: block, Round: round, Epoch: epoch})
}

// SignQuorumMessage produces the finalizer's BLS partial signature for a
// quorum vote (spec.md §4.1 signQuorumMessage).
func SignQuorumMessage(share *share.PriShare, genesis, block types.BlockHash, round types.Round, epoch types.Epoch) ([]byte, error) {
	payload, err := encodeQuorumPayload(genesis, block, round, epoch)
	if err != nil {
		return nil, err
	}
	return sign_tools.SignTSPartial(share, payload), nil
}

// AssembleQuorumCertificate combines >= threshold partial signatures into a
// BLS aggregate signature for (genesis, block, round, epoch).
func AssembleQuorumCertificate(partials [][]byte, pub *share.PubPoly, genesis, block types.BlockHash, round types.Round, epoch types.Epoch, quorumNum, nodeNum int) ([]byte, error) {
	payload, err := encodeQuorumPayload(genesis, block, round, epoch)
	if err != nil {
		return nil, err
	}
	return sign_tools.AssembleIntactTSPartial(partials, pub, payload, quorumNum, nodeNum), nil
}

// VerifyQuorumCertificate verifies a QC's aggregate BLS signature against
// the committee's combined public key (spec.md §4.1 verifyQuorumCertificate).
// The caller is responsible for separately checking the signed weight
// against threshold (consensus/threshold.go); this function only checks the
// cryptography.
func VerifyQuorumCertificate(genesis types.BlockHash, pub *share.PubPoly, qc *types.QuorumCertificate) bool {
	payload, err := encodeQuorumPayload(genesis, qc.Block, qc.Round, qc.Epoch)
	if err != nil {
		log.Error("failed to encode QC payload", "error", err)
		return false
	}
	if err := bls.Verify(suite, pub.Commit(), payload, qc.Signature); err != nil {
		log.Error("failed to verify QC signature", "error", err)
		return false
	}
	return true
}

// timeoutPayload is the tuple a timeout partial signature covers: the
// failed round together with the signer's highest known QC round/epoch.
type timeoutPayload struct {
	Round   types.Round
	QCRound types.Round
	QCEpoch types.Epoch
}

func encodeTimeoutPayload(round, qcRound types.Round, qcEpoch types.Epoch) ([]byte, error) {
	return encode(timeoutPayload{Round: round, QCRound: qcRound, QCEpoch: qcEpoch})
}

// Unlike a quorum vote, a timeout vote's payload varies per signer (each
// reports its own highest QC round/epoch), so the signatures cannot be
// combined by Shamir/threshold recovery the way QC partials are: recovery
// requires every partial to be over the identical message. TC signing
// therefore uses a plain BLS keypair per finalizer and a real aggregate
// signature (sum of individual signatures), verified with kyber's
// multi-message batch pairing check.

// SignTimeoutMessage produces the finalizer's individual BLS signature for
// a timeout vote (spec.md §4.1 signTimeoutMessage).
func SignTimeoutMessage(priv kyber.Scalar, round types.Round, qc *types.QuorumCertificate) ([]byte, error) {
	payload, err := encodeTimeoutPayload(round, qc.Round, qc.Epoch)
	if err != nil {
		return nil, err
	}
	return bls.Sign(suite, priv, payload)
}

// AssembleTimeoutCertificateSignature combines individual BLS timeout
// signatures into the TC's aggregate signature.
func AssembleTimeoutCertificateSignature(sigs [][]byte) ([]byte, error) {
	return bls.AggregateSignatures(suite, sigs...)
}

// VerifyTimeoutCertificate verifies a TC's aggregate BLS signature: for
// every (epoch, qcRound, signerSet) triple recorded in the TC, each signer
// is expected to have signed (tc.Round, qcRound, epoch); keys looks up a
// signer's individual BLS public key (spec.md §4.1 verifyTimeoutCertificate).
func VerifyTimeoutCertificate(tc *types.TimeoutCertificate, keys func(epoch types.Epoch, signer types.FinalizerIndex) kyber.Point) bool {
	var publics []kyber.Point
	var msgs [][]byte
	add := func(epoch types.Epoch, bucket map[types.Round]*types.FinalizerSet) bool {
		for qcRound, signers := range bucket {
			payload, err := encodeTimeoutPayload(tc.Round, qcRound, epoch)
			if err != nil {
				log.Error("failed to encode TC payload", "error", err)
				return false
			}
			for _, signer := range signers.Members() {
				pub := keys(epoch, signer)
				if pub == nil {
					log.Error("unknown TC signer", "epoch", epoch, "signer", signer)
					return false
				}
				publics = append(publics, pub)
				msgs = append(msgs, payload)
			}
		}
		return true
	}
	if !add(tc.MinEpoch, tc.FirstEpochSigners) {
		return false
	}
	if !add(tc.MinEpoch+1, tc.SecondEpochSigners) {
		return false
	}
	if len(publics) == 0 {
		return false
	}
	if err := bls.BatchVerify(suite, publics, msgs, tc.Signature); err != nil {
		log.Error("failed to verify TC signature", "error", err)
		return false
	}
	return true
}
