package types

// QuorumCertificate is an aggregate proof that >= threshold weight of
// finalizers voted for a block in a given round and epoch (spec.md §3).
//
// Signers is unexported-backed (*FinalizerSet wraps a private map) and so
// cannot be tagged for direct msgpack encoding; MarshalBinary/UnmarshalBinary
// below give the codec a wire form via the same bitmask SignersBits uses.
type QuorumCertificate struct {
	Block     BlockHash     `msgpack:"block"`
	Round     Round         `msgpack:"round"`
	Epoch     Epoch         `msgpack:"epoch"`
	Signature []byte        `msgpack:"signature"` // BLS aggregate signature
	Signers   *FinalizerSet `msgpack:"-"`          // see MarshalBinary
}

type wireQuorumCertificate struct {
	Block       BlockHash
	Round       Round
	Epoch       Epoch
	Signature   []byte
	SignersBits []byte
}

// MarshalBinary lets the msgpack codec (and anything else that honors
// encoding.BinaryMarshaler) serialize the signer set alongside the rest of
// the QC, since FinalizerSet's backing map is unexported.
func (qc *QuorumCertificate) MarshalBinary() ([]byte, error) {
	return encode(wireQuorumCertificate{
		Block:       qc.Block,
		Round:       qc.Round,
		Epoch:       qc.Epoch,
		Signature:   qc.Signature,
		SignersBits: qc.SignersBits(),
	})
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (qc *QuorumCertificate) UnmarshalBinary(data []byte) error {
	var w wireQuorumCertificate
	if err := decode(data, &w); err != nil {
		return err
	}
	qc.Block, qc.Round, qc.Epoch, qc.Signature = w.Block, w.Round, w.Epoch, w.Signature
	qc.SetSignersBits(w.SignersBits)
	return nil
}

// SignersBits returns the signer bitmask in a stable encoding for wire/disk
// use (one byte per 8 seats, little endian within the byte).
func (qc *QuorumCertificate) SignersBits() []byte {
	return encodeFinalizerSet(qc.Signers)
}

// SetSignersBits decodes a bitmask produced by SignersBits.
func (qc *QuorumCertificate) SetSignersBits(bits []byte) {
	qc.Signers = decodeFinalizerSet(bits)
}

// Equal reports whether two QCs name the same (block, round, epoch); QCs
// are otherwise immutable values once constructed (spec.md §3 Ownership).
func (qc *QuorumCertificate) Equal(other *QuorumCertificate) bool {
	if qc == nil || other == nil {
		return qc == other
	}
	return qc.Block == other.Block && qc.Round == other.Round && qc.Epoch == other.Epoch
}

// TimeoutCertificate is an aggregate proof that >= threshold weight of
// finalizers abandoned a round (spec.md §3).
type TimeoutCertificate struct {
	// Round is the round that failed.
	Round Round `msgpack:"round"`

	// MinEpoch is the older of the up-to-two epochs signatures are drawn
	// from.
	MinEpoch Epoch `msgpack:"min_epoch"`

	// FirstEpochSigners and SecondEpochSigners map a qcRound (the highest
	// QC round each signer reported) to the set of finalizers who reported
	// that round, one map for MinEpoch and one for MinEpoch+1. See
	// MarshalBinary for their wire form.
	FirstEpochSigners  map[Round]*FinalizerSet `msgpack:"-"`
	SecondEpochSigners map[Round]*FinalizerSet `msgpack:"-"`

	Signature []byte `msgpack:"signature"` // BLS aggregate signature

	MaxRound Round `msgpack:"max_round"`
	MaxEpoch Epoch `msgpack:"max_epoch"`
}

type wireTimeoutCertificate struct {
	Round              Round
	MinEpoch           Epoch
	FirstEpochSigners  map[Round][]byte
	SecondEpochSigners map[Round][]byte
	Signature          []byte
	MaxRound           Round
	MaxEpoch           Epoch
}

func encodeSignerBuckets(m map[Round]*FinalizerSet) map[Round][]byte {
	out := make(map[Round][]byte, len(m))
	for round, set := range m {
		out[round] = encodeFinalizerSet(set)
	}
	return out
}

func decodeSignerBuckets(m map[Round][]byte) map[Round]*FinalizerSet {
	out := make(map[Round]*FinalizerSet, len(m))
	for round, bits := range m {
		out[round] = decodeFinalizerSet(bits)
	}
	return out
}

// MarshalBinary gives the msgpack codec a wire form for the two signer-set
// maps, whose *FinalizerSet values wrap an unexported map.
func (tc *TimeoutCertificate) MarshalBinary() ([]byte, error) {
	return encode(wireTimeoutCertificate{
		Round:              tc.Round,
		MinEpoch:           tc.MinEpoch,
		FirstEpochSigners:  encodeSignerBuckets(tc.FirstEpochSigners),
		SecondEpochSigners: encodeSignerBuckets(tc.SecondEpochSigners),
		Signature:          tc.Signature,
		MaxRound:           tc.MaxRound,
		MaxEpoch:           tc.MaxEpoch,
	})
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (tc *TimeoutCertificate) UnmarshalBinary(data []byte) error {
	var w wireTimeoutCertificate
	if err := decode(data, &w); err != nil {
		return err
	}
	tc.Round, tc.MinEpoch, tc.Signature = w.Round, w.MinEpoch, w.Signature
	tc.MaxRound, tc.MaxEpoch = w.MaxRound, w.MaxEpoch
	tc.FirstEpochSigners = decodeSignerBuckets(w.FirstEpochSigners)
	tc.SecondEpochSigners = decodeSignerBuckets(w.SecondEpochSigners)
	return nil
}

// RelevantTo reports whether this TC is the one that justifies advancing
// past round r (spec.md §3: "A TC is relevant to round R iff tcRound = R-1").
func (tc *TimeoutCertificate) RelevantTo(r Round) bool {
	return tc != nil && tc.Round+1 == r
}

// FinalizationEntry witnesses that block B is irreversibly finalized: a QC
// for B and a QC for B's successor in the same epoch (spec.md §3).
type FinalizationEntry struct {
	BlockQC     *QuorumCertificate `msgpack:"block_qc"`
	SuccessorQC *QuorumCertificate `msgpack:"successor_qc"`
}

// Valid checks the structural shape described in spec.md §3: the successor
// QC must be for the immediately following round, same epoch, and the
// successor block's parent must be the entry's block. The parent hash
// check is the caller's responsibility since it requires the tree.
func (fe *FinalizationEntry) Valid() bool {
	if fe == nil || fe.BlockQC == nil || fe.SuccessorQC == nil {
		return false
	}
	return fe.SuccessorQC.Round == fe.BlockQC.Round+1 && fe.SuccessorQC.Epoch == fe.BlockQC.Epoch
}

func encodeFinalizerSet(s *FinalizerSet) []byte {
	if s == nil {
		return nil
	}
	var maxIdx FinalizerIndex
	for idx := range s.bits {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	out := make([]byte, maxIdx/8+1)
	for idx := range s.bits {
		out[idx/8] |= 1 << (idx % 8)
	}
	return out
}

func decodeFinalizerSet(bits []byte) *FinalizerSet {
	s := NewFinalizerSet()
	for byteIdx, b := range bits {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				s.Add(FinalizerIndex(byteIdx*8 + bit))
			}
		}
	}
	return s
}
