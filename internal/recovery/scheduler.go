package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/logger"
)

// errorBuffer is the capacity of the unrecoverable-candidate channel.
const errorBuffer = 64

// Scheduler runs a bounded number of recovery tasks and queues the rest FIFO.
// Requests are deduplicated by candidate id.
type Scheduler struct {
	cfg   Config   // cfg holds the recovery limits
	net   Network  // net is handed to every task
	sink  Sink     // sink receives recovered bodies
	obs   Observer // obs receives recovery events
	table *Table   // table holds the recovery state of active and failed candidates

	ctx    context.Context    // ctx is the parent of every task context
	cancel context.CancelFunc // cancel stops every task on Close
	wg     sync.WaitGroup     // wg tracks task goroutines

	mu        sync.Mutex
	queue     []*candidate.Candidate                  // queue holds requests waiting for a slot
	queued    map[candidate.Hash]struct{}             // queued indexes queue
	active    map[candidate.Hash]*activeTask          // active are the running tasks
	failed    map[candidate.Hash]*candidate.Candidate // failed are unrecoverable candidates awaiting Rearm
	completed *lru.Cache                              // completed maps recovered ids to their final Snapshot
	closed    bool                                    // closed is set by Close

	errs chan error // errs reports unrecoverable candidates
}

// activeTask is the scheduler's handle on a running task.
type activeTask struct {
	cand   *candidate.Candidate // cand is the candidate being recovered
	gen    uint64               // gen is the table generation of the task
	cancel context.CancelFunc   // cancel aborts the task
}

// NewScheduler creates a scheduler. sink and obs may be nil.
func NewScheduler(cfg Config, net Network, sink Sink, obs Observer) (*Scheduler, error) {
	cfg = cfg.withDefaults()

	completed, err := lru.New(cfg.CompletedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create completed cache:\n%w", err)
	}

	if obs == nil {
		obs = NopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cfg:       cfg,
		net:       net,
		sink:      sink,
		obs:       obs,
		table:     NewTable(),
		ctx:       ctx,
		cancel:    cancel,
		queued:    make(map[candidate.Hash]struct{}),
		active:    make(map[candidate.Hash]*activeTask),
		failed:    make(map[candidate.Hash]*candidate.Candidate),
		completed: completed,
		errs:      make(chan error, errorBuffer),
	}, nil
}

// Request asks for the recovery of c.
// Returns false if c is already queued, active, recovered or failed.
func (s *Scheduler) Request(c *candidate.Candidate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.knownLocked(c.Hash) {
		return false
	}

	if _, ok := s.failed[c.Hash]; ok {
		return false
	}

	s.queue = append(s.queue, c)
	s.queued[c.Hash] = struct{}{}

	logger.Debug("recovery requested", "candidate", c.Hash.Short(), "queued", len(s.queue))

	s.dispatch()

	return true
}

// Cancel tears down everything held for hash: running task, queue entry,
// failed or recovered record, and the pending import in the sink.
// Results of the cancelled task that arrive later are dropped.
func (s *Scheduler) Cancel(hash candidate.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false

	if a, ok := s.active[hash]; ok {
		a.cancel()
		delete(s.active, hash)
		found = true
	}

	if _, ok := s.queued[hash]; ok {
		s.dequeue(hash)
		found = true
	}

	if _, ok := s.failed[hash]; ok {
		delete(s.failed, hash)
		found = true
	}

	if s.completed.Contains(hash) {
		s.completed.Remove(hash)
		found = true
	}

	s.table.Remove(hash)

	if s.sink != nil {
		s.sink.Remove(hash)
	}

	if found {
		logger.Debug("recovery cancelled", "candidate", hash.Short())
	}

	s.dispatch()

	return found
}

// Rearm queues every failed candidate for one more recovery.
// Returns the number of candidates queued.
func (s *Scheduler) Rearm() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.failed) == 0 {
		return 0
	}

	retry := make([]*candidate.Candidate, 0, len(s.failed))
	for _, c := range s.failed {
		retry = append(retry, c)
	}

	// Keep host-chain order
	sort.Slice(retry, func(i, j int) bool {
		return retry[i].RelayNumber < retry[j].RelayNumber
	})

	for _, c := range retry {
		delete(s.failed, c.Hash)
		s.queue = append(s.queue, c)
		s.queued[c.Hash] = struct{}{}
	}

	logger.Info("rearmed failed recoveries", "count", len(retry))

	s.dispatch()

	return len(retry)
}

// IsRecovering reports whether hash is queued, active, or recovered and handed to the sink.
func (s *Scheduler) IsRecovering(hash candidate.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.knownLocked(hash)
}

// Status returns the recovery status of hash.
// Active and failed candidates are read from the table without taking the scheduler lock.
func (s *Scheduler) Status(hash candidate.Hash) (Snapshot, bool) {
	if snap, ok := s.table.Get(hash); ok {
		return snap, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queued[hash]; ok {
		return Snapshot{Candidate: hash, Status: StatusQueued}, true
	}

	if v, ok := s.completed.Peek(hash); ok {
		return v.(Snapshot), true
	}

	return Snapshot{}, false
}

// List returns the queued, active and failed recoveries.
func (s *Scheduler) List() []Snapshot {
	out := s.table.List()

	s.mu.Lock()
	for _, c := range s.queue {
		out = append(out, Snapshot{Candidate: c.Hash, Status: StatusQueued})
	}
	s.mu.Unlock()

	return out
}

// Counts returns the number of active, queued and failed candidates.
func (s *Scheduler) Counts() (active, queued, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.active), len(s.queue), len(s.failed)
}

// Errors returns the channel of unrecoverable-candidate errors.
func (s *Scheduler) Errors() <-chan error {
	return s.errs
}

// Close cancels every task and waits for them to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.queued = make(map[candidate.Hash]struct{})
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// dispatch starts queued tasks while slots are free. Caller holds s.mu.
func (s *Scheduler) dispatch() {
	for !s.closed && len(s.active) < s.cfg.MaxConcurrentRecoveries && len(s.queue) > 0 {
		c := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		delete(s.queued, c.Hash)

		s.start(c)
	}
}

// start launches the task for c. Caller holds s.mu.
func (s *Scheduler) start(c *candidate.Candidate) {
	task, err := NewTask(c, s.cfg, s.net, s.table, s.obs)
	if err != nil {
		logger.Warn("cannot start recovery", "candidate", c.Hash.Short(), "error", err)
		s.report(fmt.Errorf("%w: candidate %s:\n%w", ErrUnrecoverable, c.Hash.Short(), err))
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.active[c.Hash] = &activeTask{cand: c, gen: task.Generation(), cancel: cancel}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		body, err := task.Run(ctx)
		s.finish(c, task.Generation(), body, err)
	}()
}

// finish records the outcome of a task unless it was cancelled or superseded.
func (s *Scheduler) finish(c *candidate.Candidate, gen uint64, body []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.active[c.Hash]
	if !ok || a.gen != gen {
		return
	}

	a.cancel()
	delete(s.active, c.Hash)

	switch {
	case err == nil:
		snap, ok := s.table.Get(c.Hash)
		if !ok {
			snap = Snapshot{Candidate: c.Hash, Generation: gen}
		}

		snap.Status = StatusRecovered
		snap.Err = nil

		s.table.Remove(c.Hash)
		s.completed.Add(c.Hash, snap)

		if s.sink != nil {
			s.sink.Add(c, body)
		}

	case errors.Is(err, ErrCancelled):
		s.table.Remove(c.Hash)

	default:
		s.failed[c.Hash] = c
		logger.Error("candidate unrecoverable", "candidate", c.Hash.Short(), "error", err)
		s.report(fmt.Errorf("candidate %s:\n%w", c.Hash.Short(), err))
	}

	s.dispatch()
}

// report publishes err without blocking.
func (s *Scheduler) report(err error) {
	select {
	case s.errs <- err:
	default:
		logger.Warn("error channel full, dropping", "error", err)
	}
}

// knownLocked reports whether hash is queued, active or recovered. Caller holds s.mu.
func (s *Scheduler) knownLocked(hash candidate.Hash) bool {
	if _, ok := s.active[hash]; ok {
		return true
	}

	if _, ok := s.queued[hash]; ok {
		return true
	}

	return s.completed.Contains(hash)
}

// dequeue removes hash from the FIFO queue. Caller holds s.mu.
func (s *Scheduler) dequeue(hash candidate.Hash) {
	delete(s.queued, hash)

	kept := s.queue[:0]
	for _, c := range s.queue {
		if c.Hash != hash {
			kept = append(kept, c)
		}
	}

	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}

	s.queue = kept
}
