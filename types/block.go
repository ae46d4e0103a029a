package types

import "crypto/ed25519"

// Block is either the fixed genesis block or a signed block proposed by a
// baker (spec.md §3).
type Block struct {
	Genesis *GenesisBlock  `msgpack:"genesis,omitempty"`
	Signed  *SignedBlock   `msgpack:"signed,omitempty"`
}

// IsGenesis reports whether this Block is the genesis block.
func (b *Block) IsGenesis() bool {
	return b.Genesis != nil
}

// Round returns the block's round, 0 for genesis.
func (b *Block) Round() Round {
	if b.Signed != nil {
		return b.Signed.Round
	}
	return 0
}

// Epoch returns the block's epoch, 0 for genesis.
func (b *Block) Epoch() Epoch {
	if b.Signed != nil {
		return b.Signed.Epoch
	}
	return 0
}

// ParentHash returns the hash of the block's parent. Genesis has no parent
// and returns the zero hash.
func (b *Block) ParentHash() BlockHash {
	if b.Signed != nil {
		return b.Signed.ParentHash
	}
	return BlockHash{}
}

// GenesisBlock is the fixed block at round 0, epoch 0.
type GenesisBlock struct {
	Hash      BlockHash `msgpack:"hash"`
	StateHash BlockHash `msgpack:"state_hash"`
}

// SignedBlock is a block proposed and signed by a baker (spec.md §3).
type SignedBlock struct {
	Round     Round  `msgpack:"round"`
	Epoch     Epoch  `msgpack:"epoch"`
	Timestamp int64  `msgpack:"timestamp"` // unix millis
	Baker     BakerId `msgpack:"baker"`

	// BakerSignKey is the Ed25519 public key the baker claims signed this
	// block; it must match the committee record for (Baker, Epoch).
	BakerSignKey ed25519.PublicKey `msgpack:"baker_sign_key"`

	// Nonce is the VRF output (block nonce) proving leader election for
	// (Round, Epoch).
	Nonce     []byte `msgpack:"nonce"`
	NonceProof []byte `msgpack:"nonce_proof"`

	ParentHash BlockHash          `msgpack:"parent_hash"`
	ParentQC   *QuorumCertificate `msgpack:"parent_qc"`

	// TimeoutCertificate is present iff the previous round timed out.
	TimeoutCertificate *TimeoutCertificate `msgpack:"timeout_certificate,omitempty"`

	// FinalizationEntry is present iff this block advances the epoch.
	FinalizationEntry *FinalizationEntry `msgpack:"finalization_entry,omitempty"`

	Transactions [][]byte  `msgpack:"transactions"`
	StateHash    BlockHash `msgpack:"state_hash"`

	// OutcomesHash digests the per-transaction execution outcomes (receipts)
	// the baker claims, checked alongside StateHash at execution time
	// (spec.md §4.7 step 7 "state-hash or outcomes-hash mismatch").
	OutcomesHash BlockHash `msgpack:"outcomes_hash"`

	// Signature is the Ed25519 signature over the block's canonical
	// encoding, produced by crypto.SignBlock.
	Signature []byte `msgpack:"signature"`
}

// EpochAdvances reports whether the block carries a finalization entry and
// therefore belongs to parentEpoch+1.
func (b *SignedBlock) EpochAdvances() bool {
	return b.FinalizationEntry != nil
}
