package consensus

import (
	"github.com/solacechain/konsensus/store"
	"github.com/solacechain/konsensus/types"
)

// checkFinality implements spec.md §4.6's checkFinality(QC). Callers must
// hold e.mu.
func (e *Engine) checkFinality(qc *types.QuorumCertificate) {
	b, ok := e.tree.GetByHash(qc.Block)
	if !ok {
		return // the QC may become useful later, but cannot finalize now
	}
	if b.Parent == nil {
		return // b is genesis; nothing precedes it
	}

	lastFinalized := e.tree.LastFinalized()
	parent := b.Parent
	if !(b.Round() == parent.Round()+1 && b.Epoch() == parent.Epoch() && parent.Round() > lastFinalized.Round()) {
		return
	}

	// Collect the finalizing chain from parent down to (but not including)
	// the previous last-finalized block, then finalize in ascending height
	// order (spec.md §4.6 step 3).
	var chain []*BlockPointer
	for cur := parent; cur != nil && cur.Hash != lastFinalized.Hash; cur = cur.Parent {
		chain = append(chain, cur)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		e.finalizeBlock(chain[i])
	}

	// The finalization entry witnessing parent's finality: parent's own
	// certifying QC (embedded as b.ParentQC, since b was built atop it) and
	// the QC that just arrived for b itself.
	fe := &types.FinalizationEntry{BlockQC: b.Block.ParentQC, SuccessorQC: qc}
	if err := store.SaveLatestFinalizationEntry(e.kv, fe); err != nil {
		e.logger.Error("failed to persist latest finalization entry", "error", err)
	}

	newLastFinalized := e.tree.LastFinalized()
	e.pruneCompetingBranches(newLastFinalized)
	e.tree.DrainPendingUpTo(newLastFinalized.Round())

	if focus := e.tree.Focus(); !focus.DescendsFrom(newLastFinalized) {
		e.tree.SetFocus(newLastFinalized)
	}
}

// finalizeBlock marks bp finalized and indexes it in the persistent store.
func (e *Engine) finalizeBlock(bp *BlockPointer) {
	e.tree.MarkFinalized(bp)
	block := &types.Block{Signed: bp.Block}
	if bp.Block == nil {
		block = &types.Block{Genesis: &types.GenesisBlock{Hash: bp.Hash, StateHash: bp.StateHash}}
	}
	if err := store.PutFinalizedBlock(e.kv, bp.Height, bp.Hash, block); err != nil {
		e.logger.Error("failed to persist finalized block", "height", bp.Height, "hash", bp.Hash, "error", err)
	}
}

// pruneCompetingBranches implements spec.md §4.6 step 4: any alive block
// not descending from the new last-finalized block is dead.
func (e *Engine) pruneCompetingBranches(newLastFinalized *BlockPointer) {
	for _, bp := range e.tree.AliveDescendants() {
		if bp == newLastFinalized {
			continue
		}
		if !bp.DescendsFrom(newLastFinalized) {
			e.tree.MarkDead(bp.Hash)
		}
	}
}
