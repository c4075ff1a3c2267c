package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/logger"
)

const (
	// historySize bounds the memory of imported and rejected ids.
	historySize = 4096

	// errorBuffer is the capacity of the import error channel.
	errorBuffer = 64

	// recheckInterval is how often parked candidates are checked against the chain.
	recheckInterval = time.Second
)

// ErrImportRejected is reported when the pipeline refuses a body, or a body descends from one.
var ErrImportRejected = errors.New("import rejected")

// Pipeline imports block bodies into the local chain.
type Pipeline interface {
	// SubmitBlock imports body, returning an error if it is invalid.
	SubmitBlock(ctx context.Context, body []byte) error
}

// ChainView answers whether a block is present in the local chain.
type ChainView interface {
	IsImported(hash candidate.Hash) bool
}

// Observer receives import events.
type Observer interface {
	ImportSucceeded(hash candidate.Hash)
	ImportRejected(hash candidate.Hash, err error)
}

// nopObserver ignores every event.
type nopObserver struct{}

func (nopObserver) ImportSucceeded(candidate.Hash) {}
func (nopObserver) ImportRejected(candidate.Hash, error) {}

// entry is a recovered body waiting for import.
type entry struct {
	cand  *candidate.Candidate // cand is the recovered candidate
	body  []byte               // body is the verified block body
	added time.Time            // added is when the body arrived
}

// Sequencer holds recovered bodies until their parent is in the local chain and
// submits them one at a time, ancestors first.
type Sequencer struct {
	pipeline Pipeline  // pipeline receives the bodies
	chain    ChainView // chain answers parent presence
	obs      Observer  // obs receives import events

	mu       sync.Mutex
	pending  map[candidate.Hash]*entry           // pending bodies by candidate id
	children map[candidate.Hash][]candidate.Hash // children parks pending ids under their missing parent
	ready    []candidate.Hash                    // ready ids whose parent is present, FIFO
	imported *lru.Cache                          // imported remembers ids imported through us or notified
	rejected *lru.Cache                          // rejected remembers rejected ids and their descendants

	wake chan struct{} // wake signals Run that work is ready
	errs chan error    // errs reports rejected imports
}

// New creates a Sequencer. obs may be nil.
func New(pipeline Pipeline, chain ChainView, obs Observer) (*Sequencer, error) {
	imported, err := lru.New(historySize)
	if err != nil {
		return nil, fmt.Errorf("create imported cache:\n%w", err)
	}

	rejected, err := lru.New(historySize)
	if err != nil {
		return nil, fmt.Errorf("create rejected cache:\n%w", err)
	}

	if obs == nil {
		obs = nopObserver{}
	}

	return &Sequencer{
		pipeline: pipeline,
		chain:    chain,
		obs:      obs,
		pending:  make(map[candidate.Hash]*entry),
		children: make(map[candidate.Hash][]candidate.Hash),
		imported: imported,
		rejected: rejected,
		wake:     make(chan struct{}, 1),
		errs:     make(chan error, errorBuffer),
	}, nil
}

// Add queues a recovered body. It becomes ready as soon as its parent is present.
// Bodies descending from a rejected candidate are dropped and reported.
func (s *Sequencer) Add(c *candidate.Candidate, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[c.Hash]; ok {
		return
	}

	if s.imported.Contains(c.Hash) || s.rejected.Contains(c.Hash) || s.chain.IsImported(c.Hash) {
		return
	}

	if s.rejected.Contains(c.ParentHash) {
		s.rejected.Add(c.Hash, struct{}{})
		s.report(c.Hash, fmt.Errorf("%w: candidate %s descends from rejected %s",
			ErrImportRejected, c.Hash.Short(), c.ParentHash.Short()))
		return
	}

	s.pending[c.Hash] = &entry{cand: c, body: body, added: time.Now()}

	if s.parentPresent(c.ParentHash) {
		s.ready = append(s.ready, c.Hash)
		s.signal()
	} else {
		s.children[c.ParentHash] = append(s.children[c.ParentHash], c.Hash)
		logger.Debug("candidate waiting for parent", "candidate", c.Hash.Short(), "parent", c.ParentHash.Short())
	}
}

// Remove drops a pending candidate, used when a reorg cancels it.
func (s *Sequencer) Remove(hash candidate.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[hash]
	if !ok {
		return
	}

	delete(s.pending, hash)
	s.unpark(e.cand.ParentHash, hash)

	logger.Debug("pending import removed", "candidate", hash.Short())
}

// NotifyImported records a block imported outside the sequencer and releases its children.
func (s *Sequencer) NotifyImported(hash candidate.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.imported.Add(hash, struct{}{})
	s.release(hash)
}

// IsPending reports whether hash is waiting for import.
func (s *Sequencer) IsPending(hash candidate.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.pending[hash]
	return ok
}

// Pending returns the number of bodies waiting for import.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending)
}

// Errors returns the channel of import rejections.
func (s *Sequencer) Errors() <-chan error {
	return s.errs
}

// Run submits ready bodies until ctx is done.
// Exactly one submission is outstanding at a time.
func (s *Sequencer) Run(ctx context.Context) error {
	ticker := time.NewTicker(recheckInterval)
	defer ticker.Stop()

	for {
		e := s.next()
		if e == nil {
			select {
			case <-s.wake:
			case <-ticker.C:
				s.recheck()
			case <-ctx.Done():
				return ctx.Err()
			}

			continue
		}

		err := s.pipeline.SubmitBlock(ctx, e.body)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}

		s.complete(e, err)
	}
}

// next pops the first ready entry still pending.
func (s *Sequencer) next() *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.ready) > 0 {
		hash := s.ready[0]
		s.ready = s.ready[1:]

		if e, ok := s.pending[hash]; ok {
			return e
		}
	}

	return nil
}

// complete records the outcome of a submission.
func (s *Sequencer) complete(e *entry, err error) {
	hash := e.cand.Hash

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, hash)

	if err == nil {
		s.imported.Add(hash, struct{}{})
		s.obs.ImportSucceeded(hash)

		logger.Info("recovered block imported", "candidate", hash.Short(), "waited", time.Since(e.added).Round(time.Millisecond))

		s.release(hash)
		return
	}

	s.rejected.Add(hash, struct{}{})
	dropped := s.dropDescendants(hash)

	s.report(hash, fmt.Errorf("%w: candidate %s, %d descendants dropped:\n%w",
		ErrImportRejected, hash.Short(), dropped, err))
}

// release moves the children parked under parent to the ready queue.
func (s *Sequencer) release(parent candidate.Hash) {
	kids := s.children[parent]
	if len(kids) == 0 {
		return
	}

	delete(s.children, parent)
	s.ready = append(s.ready, kids...)
	s.signal()
}

// recheck releases parked children whose parent reached the chain by another path.
func (s *Sequencer) recheck() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for parent := range s.children {
		if s.chain.IsImported(parent) {
			s.release(parent)
		}
	}
}

// dropDescendants removes every pending descendant of hash and marks them rejected.
func (s *Sequencer) dropDescendants(hash candidate.Hash) int {
	dropped := 0
	stack := []candidate.Hash{hash}

	for len(stack) > 0 {
		parent := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, child := range s.children[parent] {
			if _, ok := s.pending[child]; !ok {
				continue
			}

			delete(s.pending, child)
			s.rejected.Add(child, struct{}{})
			s.obs.ImportRejected(child, ErrImportRejected)
			stack = append(stack, child)
			dropped++
		}

		delete(s.children, parent)
	}

	return dropped
}

// unpark removes hash from the children list of parent.
func (s *Sequencer) unpark(parent, hash candidate.Hash) {
	kids := s.children[parent]

	for i, k := range kids {
		if k == hash {
			kids = append(kids[:i], kids[i+1:]...)
			break
		}
	}

	if len(kids) == 0 {
		delete(s.children, parent)
	} else {
		s.children[parent] = kids
	}
}

// parentPresent reports whether parent is in the chain or was imported by us.
func (s *Sequencer) parentPresent(parent candidate.Hash) bool {
	return s.imported.Contains(parent) || s.chain.IsImported(parent)
}

// signal wakes Run without blocking.
func (s *Sequencer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// report records a rejection and publishes err without blocking.
func (s *Sequencer) report(hash candidate.Hash, err error) {
	s.obs.ImportRejected(hash, err)
	logger.Error("import rejected", "candidate", hash.Short(), "error", err)

	select {
	case s.errs <- err:
	default:
		logger.Warn("import error channel full, dropping", "error", err)
	}
}
