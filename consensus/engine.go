package consensus

import (
	"context"
	"fmt"
	"sync"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/solacechain/konsensus/config"
	"github.com/solacechain/konsensus/crypto"
	"github.com/solacechain/konsensus/store"
	"github.com/solacechain/konsensus/types"
)

// BlockExecutor is the external state-transition function consensus treats
// as an opaque collaborator (spec.md §1 "invoked via an opaque 'execute
// block' function returning a new state hash"). It returns both the
// resulting state hash and a digest of the transactions' execution outcomes
// (spec.md §4.7 step 7 checks both against the block's claimed hashes).
type BlockExecutor interface {
	ExecuteBlock(ctx context.Context, parentState types.BlockHash, txs [][]byte) (newStateHash, outcomesHash types.BlockHash, err error)
}

// Broadcaster delivers locally-produced messages to the rest of the
// network. The consensus core never knows how; it only calls this
// capability (spec.md §9 "Capability polymorphism").
type Broadcaster interface {
	BroadcastBlock(b *types.SignedBlock)
	BroadcastQuorumMessage(qm *types.QuorumMessage)
	BroadcastTimeoutMessage(tm *types.TimeoutMessage)
}

// Timer arms the single per-round timeout timer (spec.md §5 "Per-round
// timeouts are driven by a single scheduled timer").
type Timer interface {
	ResetRoundTimer(d types.Duration)
}

// EvidenceSink receives flagged misbehavior (double votes, invalid
// signatures) for the flagging subsystem to persist for future slashing
// (spec.md §7 "may persist them for future slashing").
type EvidenceSink interface {
	Flag(kind string, detail string)
}

// CommitteeProvider resolves the finalization committee seated for an
// epoch. KonsensusV1 treats stake/committee formation as external to the
// consensus core (spec.md §1); the engine only consumes the result.
type CommitteeProvider func(epoch types.Epoch) (*config.Committee, bool)

// Engine is the KonsensusV1 consensus core: the process-wide singleton that
// owns the tree-state handle and round status for its lifetime (spec.md §9
// "Global state").
type Engine struct {
	mu sync.Mutex

	logger hclog.Logger
	cfg    *config.Config

	kv   store.KVStore
	tree *Tree

	roundStatus *types.RoundStatus

	quorumPool  *quorumPool
	timeoutPool *timeoutPool

	committees CommitteeProvider
	epochNonce map[types.Epoch][]byte

	executor    BlockExecutor
	broadcaster Broadcaster
	timer       Timer
	evidence    EvidenceSink

	localIndex    types.FinalizerIndex
	localIsSeated bool

	shutdown bool
}

// New constructs an Engine from its configuration and injected
// capabilities: it loads the persisted round status from kv (persisting a
// fresh round-1 status when none exists) and builds the tree rooted at the
// genesis block.
func New(cfg *config.Config, kv store.KVStore, committees CommitteeProvider, executor BlockExecutor, broadcaster Broadcaster, timer Timer, evidence EvidenceSink, logger hclog.Logger) (*Engine, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if evidence == nil {
		evidence = NewInMemoryEvidenceSink()
	}

	rs, err := store.LoadRoundStatus(kv)
	if err != nil {
		return nil, fmt.Errorf("load round status: %w", err)
	}
	if rs == nil {
		rs = &types.RoundStatus{
			CurrentRound:           1,
			CurrentEpoch:           0,
			CurrentTimeoutDuration: cfg.InitialTimeout,
			HighestCertifiedBlock:  cfg.GenesisHash,
		}
		if err := store.SaveRoundStatus(kv, rs); err != nil {
			return nil, fmt.Errorf("persist initial round status: %w", err)
		}
	}

	tree := NewTree(cfg.GenesisHash, cfg.GenesisHash, cfg.DeadCacheCapacity, logger)

	e := &Engine{
		logger:      logger.Named("consensus"),
		cfg:         cfg,
		kv:          kv,
		tree:        tree,
		roundStatus: rs,
		quorumPool:  newQuorumPool(),
		timeoutPool: newTimeoutPool(),
		committees:  committees,
		executor:    executor,
		broadcaster: broadcaster,
		timer:       timer,
		evidence:    evidence,
	}
	e.refreshLocalSeat()
	return e, nil
}

// Shutdown puts the engine into query-only mode (spec.md §5 "Cancellation
// and timeouts": "after doTerminateSkov the engine answers queries only").
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown = true
}

// IsShutDown reports whether the engine has been shut down.
func (e *Engine) IsShutDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

// GetRecentBlockStatus answers spec.md §4.2's non-blocking status query and
// remains available after Shutdown.
func (e *Engine) GetRecentBlockStatus(h types.BlockHash) types.RecentBlockStatus {
	return e.getRecentBlockStatus(h)
}

// getRecentBlockStatus augments the tree's in-memory view with a
// store-backed OldFinalized determination: the persistent finalized-block
// index is written for every finalized block regardless of whether the tree
// still holds its detail, so it is the only reliable way to tell a
// genuinely unknown hash apart from one that was finalized long ago.
func (e *Engine) getRecentBlockStatus(h types.BlockHash) types.RecentBlockStatus {
	status := e.tree.GetRecentBlockStatus(h)
	if status.Status != types.StatusUnknown {
		return status
	}
	if _, ok, err := store.GetFinalizedHeightByHash(e.kv, h); err == nil && ok {
		return types.RecentBlockStatus{OldFinalized: true, Status: types.StatusFinalized}
	}
	return status
}

// committeeFor resolves the committee for epoch, returning false when the caller (e.g. the stake module) has not yet supplied one.
func (e *Engine) committeeFor(epoch types.Epoch) (*config.Committee, bool) {
	if e.committees == nil {
		return nil, false
	}
	return e.committees(epoch)
}

// refreshLocalSeat recomputes whether, and at what index, this node's
// configured identity is seated in the current epoch's committee.
func (e *Engine) refreshLocalSeat() {
	e.localIsSeated = false
	if e.cfg.LocalBaker == "" {
		return
	}
	committee, ok := e.committeeFor(e.roundStatus.CurrentEpoch)
	if !ok {
		return
	}
	idx, ok := committee.IndexOf(e.cfg.LocalBaker)
	if !ok {
		return
	}
	e.localIndex = idx
	e.localIsSeated = true
}

// verifyQCAgainstCommittee is the shared C1 call site used by both the
// quorum and timeout modules to check a QC's cryptography once its epoch's
// committee is known.
func (e *Engine) verifyQCAgainstCommittee(qc *types.QuorumCertificate) bool {
	committee, ok := e.committeeFor(qc.Epoch)
	if !ok || committee.ThresholdPublicKey == nil {
		return false
	}
	return crypto.VerifyQuorumCertificate(e.cfg.GenesisHash, committee.ThresholdPublicKey, qc)
}

// qcMeetsThreshold checks a QC's signed weight against the genesis
// threshold for its epoch's committee, the shared inequality from
// threshold.go.
func (e *Engine) qcMeetsThreshold(qc *types.QuorumCertificate) bool {
	committee, ok := e.committeeFor(qc.Epoch)
	if !ok || qc.Signers == nil {
		return false
	}
	var weight uint64
	for _, idx := range qc.Signers.Members() {
		if info, ok := committee.Get(idx); ok {
			weight += info.Weight
		}
	}
	return meetsThreshold(weight, committee.TotalWeight(), e.cfg.Threshold.Numerator, e.cfg.Threshold.Denominator)
}
