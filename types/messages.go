package types

// QuorumMessage is a single finalizer's vote for a block in a round
// (spec.md §3 "Current-round vote pools").
type QuorumMessage struct {
	Signer    FinalizerIndex `msgpack:"signer"`
	Block     BlockHash      `msgpack:"block"`
	Round     Round          `msgpack:"round"`
	Epoch     Epoch          `msgpack:"epoch"`
	Signature []byte         `msgpack:"signature"` // BLS partial signature

	// Envelope is the Ed25519 signature over the message above, verified
	// before the BLS partial signature (spec.md §4.4).
	Envelope []byte `msgpack:"envelope"`
}

// TimeoutMessage is a single finalizer's abandonment of a round, carrying
// the QC for the highest block it knows of (spec.md §3, §4.5).
type TimeoutMessage struct {
	Signer FinalizerIndex `msgpack:"signer"`
	Round  Round          `msgpack:"round"`
	Epoch  Epoch          `msgpack:"epoch"`

	// QC is the signer's highest known quorum certificate at the time of
	// timing out.
	QC *QuorumCertificate `msgpack:"qc"`

	Signature []byte `msgpack:"signature"` // BLS partial signature over (round, qc.round, qc.epoch)
	Envelope  []byte `msgpack:"envelope"`  // Ed25519 signature over the message
}

// TimeoutMessages is the two-epoch sliding window of per-round timeout
// messages (spec.md §3).
type TimeoutMessages struct {
	FirstEpoch          Epoch
	FirstEpochTimeouts  map[FinalizerIndex]*TimeoutMessage
	SecondEpochTimeouts map[FinalizerIndex]*TimeoutMessage
	initialized         bool
}

// NewTimeoutMessages returns an empty, uninitialized window.
func NewTimeoutMessages() *TimeoutMessages {
	return &TimeoutMessages{
		FirstEpochTimeouts:  make(map[FinalizerIndex]*TimeoutMessage),
		SecondEpochTimeouts: make(map[FinalizerIndex]*TimeoutMessage),
	}
}

// Initialized reports whether the window has ever received a message.
func (w *TimeoutMessages) Initialized() bool {
	return w.initialized
}

// MarkInitialized records that the window now has a defined FirstEpoch.
func (w *TimeoutMessages) MarkInitialized() {
	w.initialized = true
}
