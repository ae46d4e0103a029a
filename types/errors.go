package types

// QuorumRejectReason enumerates why receiveQuorumMessage rejected or
// deferred a message (spec.md §4.4).
type QuorumRejectReason int

const (
	QuorumRejectNone QuorumRejectReason = iota
	QuorumRejectGenesisMismatch
	QuorumRejectObsoleteRound
	QuorumRejectCatchupRequired
	QuorumRejectNotAFinalizer
	QuorumRejectDoubleVote
	QuorumRejectInvalidSignature
)

func (r QuorumRejectReason) String() string {
	switch r {
	case QuorumRejectGenesisMismatch:
		return "GenesisMismatch"
	case QuorumRejectObsoleteRound:
		return "ObsoleteRound"
	case QuorumRejectCatchupRequired:
		return "CatchupRequired"
	case QuorumRejectNotAFinalizer:
		return "NotAFinalizer"
	case QuorumRejectDoubleVote:
		return "DoubleVote"
	case QuorumRejectInvalidSignature:
		return "InvalidSignature"
	default:
		return "None"
	}
}

// TimeoutRejectReason enumerates the rejection taxonomy of spec.md §4.5, in
// the order the table specifies (later conditions assume earlier ones held).
type TimeoutRejectReason int

const (
	TimeoutRejectNone TimeoutRejectReason = iota
	TimeoutRejectObsoleteRound
	TimeoutRejectObsoleteQC
	TimeoutRejectCatchupRequired
	TimeoutRejectNotAFinalizer
	TimeoutRejectInvalidSignature
	TimeoutRejectDoubleSigning
	TimeoutRejectObsoleteQCPointer
	TimeoutRejectDeadQCPointer
	TimeoutRejectInvalidBLSSignature
	TimeoutRejectDuplicate
)

func (r TimeoutRejectReason) String() string {
	switch r {
	case TimeoutRejectObsoleteRound:
		return "ObsoleteRound"
	case TimeoutRejectObsoleteQC:
		return "ObsoleteQC"
	case TimeoutRejectCatchupRequired:
		return "CatchupRequired"
	case TimeoutRejectNotAFinalizer:
		return "NotAFinalizer"
	case TimeoutRejectInvalidSignature:
		return "InvalidSignature"
	case TimeoutRejectDoubleSigning:
		return "DoubleSigning"
	case TimeoutRejectObsoleteQCPointer:
		return "ObsoleteQCPointer"
	case TimeoutRejectDeadQCPointer:
		return "DeadQCPointer"
	case TimeoutRejectInvalidBLSSignature:
		return "InvalidBLSSignature"
	case TimeoutRejectDuplicate:
		return "Duplicate"
	default:
		return "None"
	}
}

// ExecuteTimeoutResult is the outcome of executeTimeoutMessage (spec.md §4.5).
type ExecuteTimeoutResult int

const (
	ExecuteTimeoutOK ExecuteTimeoutResult = iota
	ExecuteTimeoutInvalidQC
	ExecuteTimeoutInvalidQCEpoch
)
