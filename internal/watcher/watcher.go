package watcher

import (
	"context"
	"slices"
	"sync"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/logger"
)

// maxDeferred bounds the candidates waiting for an unknown parent.
const maxDeferred = 1024

// EventKind distinguishes host-chain notifications.
type EventKind int

const (
	// EventBestBlock announces a new best host block.
	EventBestBlock EventKind = iota

	// EventFinalized announces a finalized host block.
	EventFinalized
)

// HostBlock is a host-chain block and the shard candidate it includes, if any.
type HostBlock struct {
	Hash       candidate.Hash       // Hash identifies the host block
	ParentHash candidate.Hash       // ParentHash is the previous host block
	Number     uint64               // Number is the host block height
	Candidate  *candidate.Candidate // Candidate is the included shard candidate, may be nil
}

// Event is one host-chain notification.
type Event struct {
	Kind  EventKind // Kind is best block or finalized
	Block HostBlock // Block is the announced block; only Hash and Number matter for finality
}

// Scheduler receives recovery requests. recovery.Scheduler implements it.
type Scheduler interface {
	Request(c *candidate.Candidate) bool
	Cancel(hash candidate.Hash) bool
	Rearm() int
	IsRecovering(hash candidate.Hash) bool
}

// ChainView answers whether a shard block is imported locally.
type ChainView interface {
	IsImported(hash candidate.Hash) bool
}

// PendingView answers whether a recovered block waits for import.
type PendingView interface {
	IsPending(hash candidate.Hash) bool
}

// Attestations checks backing attestations. backing.Verifier implements it.
type Attestations interface {
	Verify(c *candidate.Candidate) error
}

// deferredEntry is a candidate whose parent is not known yet.
type deferredEntry struct {
	cand *candidate.Candidate // cand is the waiting candidate
	host candidate.Hash       // host is the including host block
}

// Stats is a snapshot of the watcher for status reporting.
type Stats struct {
	Best            candidate.Hash // Best is the current best host block
	BestNumber      uint64         // BestNumber is its height
	Finalized       candidate.Hash // Finalized is the last finalized host block
	FinalizedNumber uint64         // FinalizedNumber is its height
	Blocks          int            // Blocks is the number of tracked host blocks
	Deferred        int            // Deferred is the number of candidates waiting for a parent
}

// Watcher follows the host chain and turns candidate inclusions into recovery requests.
// It cancels recoveries whose including block leaves the best chain.
type Watcher struct {
	sched   Scheduler    // sched receives requests and cancellations
	chain   ChainView    // chain answers local imports
	pending PendingView  // pending answers waiting imports, may be nil
	attest  Attestations // attest checks backing attestations, may be nil

	mu              sync.Mutex
	blocks          map[candidate.Hash]*HostBlock     // blocks holds unpruned host blocks
	best            candidate.Hash                    // best is the current best host block
	finalized       candidate.Hash                    // finalized is the last finalized host block
	finalizedNumber uint64                            // finalizedNumber is the height of finalized
	deferred        map[candidate.Hash]*deferredEntry // deferred candidates by candidate id
	deferredOrder   []candidate.Hash                  // deferredOrder keeps observation order
}

// New creates a Watcher. pending and attest may be nil.
func New(sched Scheduler, chain ChainView, pending PendingView, attest Attestations) *Watcher {
	return &Watcher{
		sched:    sched,
		chain:    chain,
		pending:  pending,
		attest:   attest,
		blocks:   make(map[candidate.Hash]*HostBlock),
		deferred: make(map[candidate.Hash]*deferredEntry),
	}
}

// Run handles events until ctx is done or events is closed.
func (w *Watcher) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			w.Handle(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Handle processes one notification.
func (w *Watcher) Handle(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch ev.Kind {
	case EventBestBlock:
		w.onBest(ev.Block)
	case EventFinalized:
		w.onFinalized(ev.Block.Hash, ev.Block.Number)
	default:
		logger.Warn("unknown host event", "kind", ev.Kind)
	}

	w.retryDeferred()
}

// Stats returns a snapshot of the watcher state.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Stats{
		Best:            w.best,
		Finalized:       w.finalized,
		FinalizedNumber: w.finalizedNumber,
		Blocks:          len(w.blocks),
		Deferred:        len(w.deferred),
	}

	if b, ok := w.blocks[w.best]; ok {
		s.BestNumber = b.Number
	}

	return s
}

// IsDeferred reports whether hash waits for its parent.
func (w *Watcher) IsDeferred(hash candidate.Hash) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, ok := w.deferred[hash]
	return ok
}

// onBest switches the best block and applies the tree route from the previous one.
func (w *Watcher) onBest(b HostBlock) {
	if b.Number <= w.finalizedNumber && !w.finalized.IsZero() {
		logger.Debug("ignoring best block below finality", "host", b.Hash.Short(), "number", b.Number)
		return
	}

	if b.Candidate != nil {
		b.Candidate.RelayParent = b.Hash
		b.Candidate.RelayNumber = b.Number
	}

	if _, known := w.blocks[b.Hash]; !known {
		blk := b
		w.blocks[b.Hash] = &blk
	}

	if b.Hash == w.best {
		return
	}

	retracted, enacted, ok := w.treeRoute(w.best, b.Hash)
	if !ok {
		if !w.best.IsZero() {
			logger.Warn("no route to new best block, retracting the old branch",
				"old", w.best.Short(), "new", b.Hash.Short())
		}

		retracted, enacted = w.unfinalizedAncestry(w.best), w.knownAncestry(b.Hash)
	}

	w.best = b.Hash

	if len(retracted) > 0 {
		logger.Info("host chain reorg", "retracted", len(retracted), "enacted", len(enacted), "best", b.Hash.Short())
	}

	w.retract(retracted, enacted)

	for _, blk := range enacted {
		if blk.Candidate != nil {
			w.evaluate(blk.Candidate, blk.Hash)
		}
	}
}

// retract cancels candidates included only in retracted blocks.
func (w *Watcher) retract(retracted, enacted []*HostBlock) {
	if len(retracted) == 0 {
		return
	}

	stillIncluded := make(map[candidate.Hash]bool, len(enacted))
	for _, blk := range enacted {
		if blk.Candidate != nil {
			stillIncluded[blk.Candidate.Hash] = true
		}
	}

	for _, blk := range retracted {
		c := blk.Candidate
		if c == nil || stillIncluded[c.Hash] {
			continue
		}

		w.dropDeferred(c.Hash)

		if w.sched.Cancel(c.Hash) {
			logger.Info("recovery cancelled by reorg", "candidate", c.Hash.Short(), "host", blk.Hash.Short())
		}
	}
}

// evaluate requests recovery of c when its parent is known, defers it otherwise.
func (w *Watcher) evaluate(c *candidate.Candidate, host candidate.Hash) {
	if w.known(c.Hash) {
		w.dropDeferred(c.Hash)
		return
	}

	if w.attest != nil {
		if err := w.attest.Verify(c); err != nil {
			logger.Warn("dropping candidate with invalid backing", "candidate", c.Hash.Short(), "error", err)
			w.dropDeferred(c.Hash)
			return
		}
	}

	if !w.known(c.ParentHash) {
		w.park(c, host)
		return
	}

	w.dropDeferred(c.Hash)

	if w.sched.Request(c) {
		logger.Debug("recovery requested", "candidate", c.Hash.Short(), "parent", c.ParentHash.Short(), "host", host.Short())
	}
}

// known reports whether hash is imported, recovering, or waiting for import.
func (w *Watcher) known(hash candidate.Hash) bool {
	if w.chain.IsImported(hash) || w.sched.IsRecovering(hash) {
		return true
	}

	return w.pending != nil && w.pending.IsPending(hash)
}

// park parks c until its parent becomes known.
func (w *Watcher) park(c *candidate.Candidate, host candidate.Hash) {
	if e, ok := w.deferred[c.Hash]; ok {
		e.host = host
		return
	}

	if len(w.deferredOrder) >= maxDeferred {
		oldest := w.deferredOrder[0]
		w.dropDeferred(oldest)
		logger.Warn("deferred candidates full, dropping oldest", "candidate", oldest.Short())
	}

	w.deferred[c.Hash] = &deferredEntry{cand: c, host: host}
	w.deferredOrder = append(w.deferredOrder, c.Hash)

	logger.Debug("candidate deferred, parent unknown", "candidate", c.Hash.Short(), "parent", c.ParentHash.Short())
}

// retryDeferred re-evaluates deferred candidates in observation order.
func (w *Watcher) retryDeferred() {
	for _, hash := range slices.Clone(w.deferredOrder) {
		if e, ok := w.deferred[hash]; ok {
			w.evaluate(e.cand, e.host)
		}
	}
}

// dropDeferred forgets a deferred candidate.
func (w *Watcher) dropDeferred(hash candidate.Hash) {
	if _, ok := w.deferred[hash]; !ok {
		return
	}

	delete(w.deferred, hash)
	w.deferredOrder = slices.DeleteFunc(w.deferredOrder, func(h candidate.Hash) bool { return h == hash })
}

// onFinalized prunes blocks that can no longer become canonical and re-arms failed recoveries.
func (w *Watcher) onFinalized(hash candidate.Hash, number uint64) {
	if number < w.finalizedNumber || hash == w.finalized {
		return
	}

	w.finalized = hash
	w.finalizedNumber = number

	w.prune()

	if n := w.sched.Rearm(); n > 0 {
		logger.Info("failed recoveries re-armed on finality", "count", n, "finalized", number)
	}
}

// prune drops host blocks at or below finality and blocks on forks that left the finalized chain.
// Candidates included only in dropped fork blocks are cancelled.
// The finalized block itself is kept as the root of the tree.
func (w *Watcher) prune() {
	fin, ok := w.blocks[w.finalized]
	if !ok {
		return
	}

	canonical := make(map[candidate.Hash]bool)
	for b := fin; b != nil; b = w.blocks[b.ParentHash] {
		canonical[b.Hash] = true
	}

	var orphans, dropped []*HostBlock

	// included holds candidates of canonical or still viable blocks
	included := make(map[candidate.Hash]bool)

	for h, b := range w.blocks {
		viable := h == fin.Hash || (b.Number > fin.Number && w.descendsFrom(b, fin))

		if b.Candidate != nil && (viable || canonical[h]) {
			included[b.Candidate.Hash] = true
		}

		if viable {
			continue
		}

		dropped = append(dropped, b)

		if !canonical[h] {
			orphans = append(orphans, b)
		}
	}

	for _, b := range dropped {
		delete(w.blocks, b.Hash)
	}

	for _, b := range orphans {
		c := b.Candidate
		if c == nil || included[c.Hash] {
			continue
		}

		w.dropDeferred(c.Hash)

		if w.sched.Cancel(c.Hash) {
			logger.Info("recovery cancelled, fork pruned by finality", "candidate", c.Hash.Short(), "host", b.Hash.Short())
		}
	}

	if len(dropped) > 0 {
		logger.Debug("host blocks pruned", "count", len(dropped), "finalized", fin.Number)
	}
}

// descendsFrom reports whether b has root among its ancestors.
func (w *Watcher) descendsFrom(b, root *HostBlock) bool {
	for cur := b; cur != nil && cur.Number >= root.Number; cur = w.blocks[cur.ParentHash] {
		if cur.Hash == root.Hash {
			return true
		}
	}

	return false
}

// treeRoute returns the blocks left and entered when moving the best block from from to to.
// enacted is in ascending order. ok is false when the two blocks share no known ancestor.
func (w *Watcher) treeRoute(from, to candidate.Hash) (retracted, enacted []*HostBlock, ok bool) {
	a, b := w.blocks[from], w.blocks[to]
	if a == nil || b == nil {
		return nil, nil, false
	}

	for a != b {
		if a.Number >= b.Number {
			retracted = append(retracted, a)
			a = w.blocks[a.ParentHash]
		} else {
			enacted = append(enacted, b)
			b = w.blocks[b.ParentHash]
		}

		if a == nil || b == nil {
			return nil, nil, false
		}
	}

	slices.Reverse(enacted)

	return retracted, enacted, true
}

// unfinalizedAncestry returns hash and its tracked ancestors above finality, newest first.
func (w *Watcher) unfinalizedAncestry(hash candidate.Hash) []*HostBlock {
	var chain []*HostBlock

	for b := w.blocks[hash]; b != nil && b.Hash != w.finalized; b = w.blocks[b.ParentHash] {
		if !w.finalized.IsZero() && b.Number <= w.finalizedNumber {
			break
		}

		chain = append(chain, b)
	}

	return chain
}

// knownAncestry returns hash and its tracked ancestors, ascending.
func (w *Watcher) knownAncestry(hash candidate.Hash) []*HostBlock {
	var chain []*HostBlock

	for b := w.blocks[hash]; b != nil; b = w.blocks[b.ParentHash] {
		chain = append(chain, b)
	}

	slices.Reverse(chain)

	return chain
}
