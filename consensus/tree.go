// Package consensus implements the KonsensusV1 engine: the in-memory block
// tree (C2), round status (C3), quorum module (C4), timeout module (C5),
// finality detector (C6), and block processing (C7). All mutation is
// single-threaded per the concurrency model in spec.md §5; every exported
// method on Engine must be called from that one logical execution context.
package consensus

import (
	"container/heap"
	"container/list"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/solacechain/konsensus/types"
)

// BlockPointer is an alive or finalized block together with the tree
// bookkeeping attached to it once it leaves the pending state (spec.md §3
// Lifecycle).
type BlockPointer struct {
	Hash       types.BlockHash
	Block      *types.SignedBlock // nil for genesis
	Parent     *BlockPointer      // nil for genesis
	Height     uint64
	StateHash  types.BlockHash
	ArriveTime time.Time
	Finalized  bool
}

// Round returns the block's round, 0 for genesis.
func (bp *BlockPointer) Round() types.Round {
	if bp.Block != nil {
		return bp.Block.Round
	}
	return 0
}

// Epoch returns the block's epoch, 0 for genesis.
func (bp *BlockPointer) Epoch() types.Epoch {
	if bp.Block != nil {
		return bp.Block.Epoch
	}
	return 0
}

// descendsFrom reports whether bp is a descendant of, or equal to, other
// (walking the parent chain).
func (bp *BlockPointer) descendsFrom(other *BlockPointer) bool {
	for cur := bp; cur != nil; cur = cur.Parent {
		if cur == other || cur.Hash == other.Hash {
			return true
		}
	}
	return false
}

// liveEntry is the value type of the live map: a block hash is either still
// pending (we only have the signed bytes) or alive (we have a BlockPointer).
type liveEntry struct {
	pending *types.SignedBlock
	alive   *BlockPointer
}

// pendingChild is a pending block together with the hash it will have once
// hashed and admitted, so the pending-by-parent table need not recompute or
// look up hashes itself.
type pendingChild struct {
	hash  types.BlockHash
	block *types.SignedBlock
}

// pendingQueueItem is one entry of the round-ordered min-heap described in
// spec.md §3 "Pending priority queue"; entries may be stale, which is why
// the pending-by-parent table, not the heap, is authoritative.
type pendingQueueItem struct {
	round  types.Round
	hash   types.BlockHash
	parent types.BlockHash
}

type pendingQueue []pendingQueueItem

func (q pendingQueue) Len() int            { return len(q) }
func (q pendingQueue) Less(i, j int) bool  { return q[i].round < q[j].round }
func (q pendingQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *pendingQueue) Push(x interface{}) { *q = append(*q, x.(pendingQueueItem)) }
func (q *pendingQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// deadCache is a bounded FIFO set. Unlike an LRU, membership never resets
// its position: a hash leaves only by falling off the back when the cache
// is over capacity (spec.md §3 "bounded FIFO set", §8 "Dead-cache
// monotonicity").
type deadCache struct {
	capacity int
	order    *list.List
	index    map[types.BlockHash]*list.Element
}

func newDeadCache(capacity int) *deadCache {
	return &deadCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[types.BlockHash]*list.Element),
	}
}

func (c *deadCache) Add(h types.BlockHash) {
	if _, ok := c.index[h]; ok {
		return
	}
	elem := c.order.PushBack(h)
	c.index[h] = elem
	for c.order.Len() > c.capacity {
		front := c.order.Front()
		c.order.Remove(front)
		delete(c.index, front.Value.(types.BlockHash))
	}
}

func (c *deadCache) Contains(h types.BlockHash) bool {
	_, ok := c.index[h]
	return ok
}

// Tree is the C2 tree state: the in-memory index of blocks by hash, the
// pending-block tables, the dead cache, and the finalization/focus
// pointers. All access is expected to come from the single-threaded
// consensus context (spec.md §5); the mutex guards the catch-up producer's
// read-only snapshot access, not concurrent writers.
type Tree struct {
	mu sync.RWMutex

	logger hclog.Logger

	genesis *BlockPointer

	live map[types.BlockHash]*liveEntry

	pendingByParent map[types.BlockHash][]pendingChild
	pendingQueue    pendingQueue

	dead *deadCache

	lastFinalized *BlockPointer
	focus         *BlockPointer

	// branches indexes every alive, non-finalized block by height, for
	// catch-up leaf/branch enumeration (spec.md §3 "Branches").
	branches map[uint64][]*BlockPointer
}

// NewTree constructs a Tree rooted at the fixed genesis block.
func NewTree(genesisHash types.BlockHash, genesisStateHash types.BlockHash, deadCacheCapacity int, logger hclog.Logger) *Tree {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	genesis := &BlockPointer{
		Hash:      genesisHash,
		Block:     nil,
		Parent:    nil,
		Height:    0,
		StateHash: genesisStateHash,
		Finalized: true,
	}
	t := &Tree{
		logger:          logger.Named("tree"),
		genesis:         genesis,
		live:            make(map[types.BlockHash]*liveEntry),
		pendingByParent: make(map[types.BlockHash][]pendingChild),
		dead:            newDeadCache(deadCacheCapacity),
		lastFinalized:   genesis,
		focus:           genesis,
		branches:        make(map[uint64][]*BlockPointer),
	}
	t.live[genesisHash] = &liveEntry{alive: genesis}
	heap.Init(&t.pendingQueue)
	return t
}

// Genesis returns the fixed genesis block pointer.
func (t *Tree) Genesis() *BlockPointer {
	return t.genesis
}

// LastFinalized returns the most recently finalized block pointer.
func (t *Tree) LastFinalized() *BlockPointer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastFinalized
}

// Focus returns the current focus block (spec.md §3 "Focus block").
func (t *Tree) Focus() *BlockPointer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.focus
}

// GetRecentBlockStatus implements spec.md §4.2's non-blocking status query.
func (t *Tree) GetRecentBlockStatus(h types.BlockHash) types.RecentBlockStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.recentBlockStatusLocked(h)
}

func (t *Tree) recentBlockStatusLocked(h types.BlockHash) types.RecentBlockStatus {
	if entry, ok := t.live[h]; ok {
		if entry.alive != nil {
			if entry.alive.Finalized {
				return types.RecentBlockStatus{Status: types.StatusFinalized}
			}
			return types.RecentBlockStatus{Status: types.StatusAlive}
		}
		return types.RecentBlockStatus{Status: types.StatusPending}
	}
	if t.dead.Contains(h) {
		return types.RecentBlockStatus{Status: types.StatusDead}
	}
	// Genuinely never seen by this in-memory index. The caller (Engine) is
	// responsible for the store-backed OldFinalized determination, since
	// Tree has no access to the persistent finalized-block index.
	return types.RecentBlockStatus{Status: types.StatusUnknown}
}

// GetByHash returns the alive/finalized block pointer for h, if any.
func (t *Tree) GetByHash(h types.BlockHash) (*BlockPointer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.live[h]
	if !ok || entry.alive == nil {
		return nil, false
	}
	return entry.alive, true
}

// GetPending returns the pending signed block for h, if any.
func (t *Tree) GetPending(h types.BlockHash) (*types.SignedBlock, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.live[h]
	if !ok || entry.pending == nil {
		return nil, false
	}
	return entry.pending, true
}

// AddPendingBlock inserts pb into the pending-by-parent table (prepended,
// per spec.md §4.2) and the pending priority queue.
func (t *Tree) AddPendingBlock(hash types.BlockHash, pb *types.SignedBlock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live[hash] = &liveEntry{pending: pb}
	t.pendingByParent[pb.ParentHash] = append([]pendingChild{{hash: hash, block: pb}}, t.pendingByParent[pb.ParentHash]...)
	heap.Push(&t.pendingQueue, pendingQueueItem{round: pb.Round, hash: hash, parent: pb.ParentHash})
}

// TakePendingChildren atomically removes and returns every pending block
// whose parent is parent (spec.md §4.2 takePendingChildren).
func (t *Tree) TakePendingChildren(parent types.BlockHash) []*types.SignedBlock {
	t.mu.Lock()
	defer t.mu.Unlock()
	children := t.pendingByParent[parent]
	delete(t.pendingByParent, parent)
	blocks := make([]*types.SignedBlock, len(children))
	for i, c := range children {
		blocks[i] = c.block
		delete(t.live, c.hash)
	}
	return blocks
}

// TakeNextPendingUntil pops the pending block with the smallest round <=
// targetRound whose presence is still witnessed by the pending-by-parent
// table, discarding stale heap entries along the way (spec.md §4.2
// takeNextPendingUntil).
func (t *Tree) TakeNextPendingUntil(targetRound types.Round) (*types.SignedBlock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.pendingQueue.Len() > 0 {
		top := t.pendingQueue[0]
		if top.round > targetRound {
			return nil, false
		}
		heap.Pop(&t.pendingQueue)
		pb := t.removeOnePendingLocked(top.parent, top.hash)
		if pb == nil {
			continue // stale entry; the pending-by-parent table is authoritative
		}
		delete(t.live, top.hash)
		return pb, true
	}
	return nil, false
}

func (t *Tree) removeOnePendingLocked(parent, hash types.BlockHash) *types.SignedBlock {
	list := t.pendingByParent[parent]
	for i, c := range list {
		if c.hash == hash {
			t.pendingByParent[parent] = append(list[:i], list[i+1:]...)
			if len(t.pendingByParent[parent]) == 0 {
				delete(t.pendingByParent, parent)
			}
			return c.block
		}
	}
	return nil
}

// MakeLive replaces a pending record with an alive pointer (spec.md §4.2
// makeLive).
func (t *Tree) MakeLive(hash types.BlockHash, pb *types.SignedBlock, parent *BlockPointer, stateHash types.BlockHash, arriveTime time.Time) *BlockPointer {
	t.mu.Lock()
	defer t.mu.Unlock()
	bp := &BlockPointer{
		Hash:       hash,
		Block:      pb,
		Parent:     parent,
		Height:     parent.Height + 1,
		StateHash:  stateHash,
		ArriveTime: arriveTime,
	}
	t.live[hash] = &liveEntry{alive: bp}
	t.branches[bp.Height] = append(t.branches[bp.Height], bp)
	return bp
}

// MarkDead removes h from the live map and records it in the dead cache
// (spec.md §4.2 markDead).
func (t *Tree) MarkDead(h types.BlockHash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markDeadLocked(h)
}

func (t *Tree) markDeadLocked(h types.BlockHash) {
	if entry, ok := t.live[h]; ok && entry.alive != nil {
		t.removeFromBranchesLocked(entry.alive)
	}
	delete(t.live, h)
	t.dead.Add(h)
}

// IsDead reports whether h is in the dead cache.
func (t *Tree) IsDead(h types.BlockHash) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dead.Contains(h)
}

// MarkFinalized flags bp as finalized and updates lastFinalized and the
// height index. Callers (finality.go) are responsible for calling this in
// ascending height order along the finalizing chain.
func (t *Tree) MarkFinalized(bp *BlockPointer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bp.Finalized = true
	t.lastFinalized = bp
	t.removeFromBranchesLocked(bp)
}

func (t *Tree) removeFromBranchesLocked(bp *BlockPointer) {
	list := t.branches[bp.Height]
	for i, other := range list {
		if other == bp {
			t.branches[bp.Height] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.branches[bp.Height]) == 0 {
		delete(t.branches, bp.Height)
	}
}

// AliveDescendants returns every currently-alive, non-finalized block
// pointer, used by finality.go's branch-pruning pass.
func (t *Tree) AliveDescendants() []*BlockPointer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*BlockPointer
	for _, entry := range t.live {
		if entry.alive != nil && !entry.alive.Finalized {
			out = append(out, entry.alive)
		}
	}
	return out
}

// SetFocus updates the focus block (spec.md §4.6 step 6).
func (t *Tree) SetFocus(bp *BlockPointer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.focus = bp
}

// DescendsFrom reports whether bp is bp itself or a descendant of ancestor.
func (bp *BlockPointer) DescendsFrom(ancestor *BlockPointer) bool {
	return bp.descendsFrom(ancestor)
}

// Leaves returns every alive, non-finalized block with no alive child
// (spec.md §4.8 "leaves are alive blocks with no alive child").
func (t *Tree) Leaves() []*BlockPointer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hasChild := make(map[types.BlockHash]bool)
	var alive []*BlockPointer
	for _, list := range t.branches {
		for _, bp := range list {
			alive = append(alive, bp)
			if bp.Parent != nil {
				hasChild[bp.Parent.Hash] = true
			}
		}
	}
	var leaves []*BlockPointer
	for _, bp := range alive {
		if !hasChild[bp.Hash] {
			leaves = append(leaves, bp)
		}
	}
	return leaves
}

// Branches returns every alive, non-finalized, non-leaf block (spec.md §4.8
// "branches are alive non-leaf non-finalized blocks").
func (t *Tree) Branches() []*BlockPointer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hasChild := make(map[types.BlockHash]bool)
	var alive []*BlockPointer
	for _, list := range t.branches {
		for _, bp := range list {
			alive = append(alive, bp)
			if bp.Parent != nil {
				hasChild[bp.Parent.Hash] = true
			}
		}
	}
	var branches []*BlockPointer
	for _, bp := range alive {
		if hasChild[bp.Hash] {
			branches = append(branches, bp)
		}
	}
	return branches
}

// AliveAtHeight returns every alive, non-finalized block at height.
func (t *Tree) AliveAtHeight(height uint64) []*BlockPointer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*BlockPointer(nil), t.branches[height]...)
}

// MaxAliveHeight returns the highest height with any alive, non-finalized
// block, and whether any exist.
func (t *Tree) MaxAliveHeight() (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var max uint64
	found := false
	for h := range t.branches {
		if !found || h > max {
			max = h
			found = true
		}
	}
	return max, found
}

// DrainPendingUpTo discards every pending-queue entry whose round is <=
// round, since such entries can never attach to a chain that still matters
// once finalization has passed their round (spec.md §4.6 step 5). Returns
// the hashes discarded so the caller can fold them into the dead cache.
func (t *Tree) DrainPendingUpTo(round types.Round) []types.BlockHash {
	t.mu.Lock()
	defer t.mu.Unlock()
	var drained []types.BlockHash
	for t.pendingQueue.Len() > 0 && t.pendingQueue[0].round <= round {
		top := heap.Pop(&t.pendingQueue).(pendingQueueItem)
		if t.removeOnePendingLocked(top.parent, top.hash) != nil {
			delete(t.live, top.hash)
			drained = append(drained, top.hash)
		}
	}
	return drained
}
