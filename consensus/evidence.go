package consensus

import "sync"

// EvidenceRecord is one flagged piece of misbehavior.
type EvidenceRecord struct {
	Kind   string
	Detail string
}

// InMemoryEvidenceSink is the default EvidenceSink: it simply accumulates
// records for later inspection, the way a node without a slashing module
// wired in yet would still want double-votes and invalid signatures
// recorded rather than silently dropped (spec.md §7).
type InMemoryEvidenceSink struct {
	mu      sync.Mutex
	records []EvidenceRecord
}

// NewInMemoryEvidenceSink returns an empty sink.
func NewInMemoryEvidenceSink() *InMemoryEvidenceSink {
	return &InMemoryEvidenceSink{}
}

// Flag records kind/detail.
func (s *InMemoryEvidenceSink) Flag(kind string, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, EvidenceRecord{Kind: kind, Detail: detail})
}

// Records returns a snapshot of everything flagged so far.
func (s *InMemoryEvidenceSink) Records() []EvidenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EvidenceRecord, len(s.records))
	copy(out, s.records)
	return out
}
