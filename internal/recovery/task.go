package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"time"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/erasure"
	"ShardRecovery/internal/logger"
)

// Task recovers the body of one candidate.
// Flow:
//  1. FastPath: ask every backer for the full body, first matching body wins
//  2. CollectingChunks: fetch verified chunks until k distinct ones are held
//  3. Reconstructing: decode the chunks
//  4. Verifying: compare the body hash to the candidate hash, on mismatch exclude
//     the sources used and go back to 2
type Task struct {
	cand  *candidate.Candidate // cand is the candidate to recover
	cfg   Config               // cfg holds the timeouts and limits
	net   Network              // net fetches bodies and chunks
	table *Table               // table holds the shared recovery state
	obs   Observer             // obs receives recovery events
	gen   uint64               // gen is the generation of our table entry
	k     int                  // k is the number of chunks needed
	log   *slog.Logger         // log is tagged with the candidate
}

// fetchResult is the outcome of one chunk request.
type fetchResult struct {
	index uint32         // index is the requested chunk index
	chunk *erasure.Chunk // chunk is the response, nil on error
	err   error          // err is the request error
}

// NewTask registers c in table and returns a task ready to run.
// Sources are ordered with a fresh random rendezvous nonce.
func NewTask(c *candidate.Candidate, cfg Config, net Network, table *Table, obs Observer) (*Task, error) {
	cfg = cfg.withDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid candidate %s:\n%w", c.Hash.Short(), err)
	}

	n := c.N()

	k := cfg.Threshold(n)
	if k <= 0 || k > n {
		return nil, fmt.Errorf("invalid threshold %d for %d validators", k, n)
	}

	if obs == nil {
		obs = NopObserver{}
	}

	initial := StatusCollectingChunks
	if !cfg.DisableFastPath && len(c.BackingGroup) > 0 {
		initial = StatusFastPath
	}

	gen, err := table.Insert(c.Hash, k, sourceOrder(newNonce(), c.Hash, c.Validators), initial)
	if err != nil {
		return nil, err
	}

	return &Task{
		cand:  c,
		cfg:   cfg,
		net:   net,
		table: table,
		obs:   obs,
		gen:   gen,
		k:     k,
		log:   logger.With("candidate", c.Hash.Short(), "gen", gen),
	}, nil
}

// Generation returns the table generation owned by the task.
func (t *Task) Generation() uint64 {
	return t.gen
}

// Run drives the state machine to Recovered or Failed.
// Returns ErrCancelled if ctx is cancelled or the table entry was removed or replaced.
func (t *Task) Run(ctx context.Context) ([]byte, error) {
	start := time.Now()

	t.obs.RecoveryStarted(t.cand.Hash)
	t.log.Debug("recovery started", "validators", t.cand.N(), "k", t.k, "backers", len(t.cand.BackingGroup))

	body, fast, err := t.run(ctx)

	switch {
	case err == nil:
		t.obs.RecoverySucceeded(t.cand.Hash, fast, time.Since(start))
		t.log.Info("candidate recovered", "fastPath", fast, "size", len(body), logger.Timed(start))

	case errors.Is(err, ErrCancelled) || ctx.Err() != nil:
		t.obs.RecoveryCancelled(t.cand.Hash)
		t.log.Debug("recovery cancelled")
		return nil, ErrCancelled

	default:
		t.markFailed(err)
		t.obs.RecoveryFailed(t.cand.Hash, err)

		if errors.Is(err, ErrReconstructionMismatch) {
			t.log.Warn("reconstruction attempts exhausted", "error", err)
		}
	}

	return body, err
}

// run executes the phases. The bool reports whether the fast path succeeded.
func (t *Task) run(ctx context.Context) ([]byte, bool, error) {
	if !t.cfg.DisableFastPath && len(t.cand.BackingGroup) > 0 {
		if err := t.setStatus(StatusFastPath); err != nil {
			return nil, false, err
		}

		body := t.fastPath(ctx)
		if ctx.Err() != nil {
			return nil, false, ErrCancelled
		}

		if body != nil {
			err := t.update(func(s *State) error {
				s.Status = StatusRecovered
				s.FastPath = true
				return nil
			})

			return body, true, err
		}

		t.log.Debug("fast path exhausted")
	}

	var lastErr error

	for attempt := 1; attempt <= t.cfg.MaxReconstructionAttempts; attempt++ {
		if err := t.collect(ctx); err != nil {
			if lastErr != nil && errors.Is(err, ErrUnrecoverable) {
				return nil, false, fmt.Errorf("%w\nprevious attempt:\n%w", err, lastErr)
			}

			return nil, false, err
		}

		body, err := t.reconstruct(ctx)
		if err == nil {
			return body, false, nil
		}

		if !errors.Is(err, ErrReconstructionMismatch) {
			return nil, false, err
		}

		lastErr = err
		t.log.Debug("reconstruction mismatch", "attempt", attempt, "error", err)
	}

	return nil, false, fmt.Errorf("%w: %d reconstruction attempts:\n%w",
		ErrUnrecoverable, t.cfg.MaxReconstructionAttempts, lastErr)
}

// fastPath requests the full body from every backer in parallel.
// Returns the first body whose hash matches the candidate, or nil.
func (t *Task) fastPath(ctx context.Context) []byte {
	fctx, cancel := context.WithTimeout(ctx, t.cfg.FastPathTimeout)
	defer cancel()

	backers := t.cand.BackingGroup
	results := make(chan []byte, len(backers))

	for _, v := range backers {
		go func(v candidate.ValidatorID) {
			body, err := t.net.GetFullBody(fctx, v, t.cand.Hash)
			if err != nil {
				t.log.Debug("fast path request failed", "validator", logger.Short(v), "error", err)
				results <- nil
				return
			}

			if candidate.HashBody(body) != t.cand.Hash {
				t.log.Debug("fast path body mismatch", "validator", logger.Short(v))
				results <- nil
				return
			}

			results <- body
		}(v)
	}

	for range backers {
		select {
		case body := <-results:
			if body != nil {
				return body
			}

		case <-fctx.Done():
			return nil
		}
	}

	return nil
}

// collect gathers verified chunks until k are held.
// At most min(MaxChunkRequests, k-held) requests are in flight, so once k chunks
// are held no further request is issued. Requests still in flight when the
// threshold is reached are abandoned and their sources go back to the pool.
func (t *Task) collect(ctx context.Context) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := t.setStatus(StatusCollectingChunks); err != nil {
		return err
	}

	results := make(chan fetchResult)
	inflight := make(map[uint32]struct{})

	defer t.requeue(inflight)

	for {
		var (
			launch    []uint32
			held      int
			remaining int
		)

		err := t.update(func(s *State) error {
			held = len(s.Chunks)

			for held+len(inflight)+len(launch) < t.k && len(inflight)+len(launch) < t.cfg.MaxChunkRequests {
				idx, ok := s.popSource()
				if !ok {
					break
				}

				req, ok := s.Requests[idx]
				if !ok {
					req = &ChunkRequest{
						Candidate: t.cand.Hash,
						Validator: t.cand.Validators[idx],
						Index:     idx,
					}
					s.Requests[idx] = req
				}

				req.Attempts++
				req.LastAttempt = time.Now()
				req.Status = ChunkPending

				launch = append(launch, idx)
			}

			remaining = len(s.Sources)
			return nil
		})
		if err != nil {
			return err
		}

		if held >= t.k {
			return nil
		}

		for _, idx := range launch {
			inflight[idx] = struct{}{}
			t.obs.ChunkRequested(t.cand.Hash)

			go t.fetch(cctx, idx, results)
		}

		if held+len(inflight)+remaining < t.k {
			return fmt.Errorf("%w: %d chunks held, %d in flight, %d sources left, need %d",
				ErrUnrecoverable, held, len(inflight), remaining, t.k)
		}

		select {
		case r := <-results:
			delete(inflight, r.index)

			if err := t.accept(r); err != nil {
				return err
			}

		case <-ctx.Done():
			return ErrCancelled
		}
	}
}

// fetch requests one chunk and delivers the result unless the collection is over.
func (t *Task) fetch(ctx context.Context, idx uint32, out chan<- fetchResult) {
	rctx, cancel := context.WithTimeout(ctx, t.cfg.ChunkRequestTimeout)
	defer cancel()

	chunk, err := t.net.GetChunk(rctx, t.cand.Validators[idx], t.cand.Hash, idx)

	if err != nil && ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrRequestTimeout) {
		err = fmt.Errorf("%w:\n%w", ErrRequestTimeout, err)
	}

	select {
	case out <- fetchResult{index: idx, chunk: chunk, err: err}:
	case <-ctx.Done():
	}
}

// accept verifies a chunk response and records it, or excludes its source.
// Only returns an error when the task was cancelled.
func (t *Task) accept(r fetchResult) error {
	err := r.err
	if err == nil {
		err = t.verify(r.index, r.chunk)
	}

	if err != nil {
		t.obs.ChunkRejected(t.cand.Hash, err)
		t.log.Debug("chunk rejected", "index", r.index, "error", err)

		return t.update(func(s *State) error {
			s.exclude(r.index, err)
			return nil
		})
	}

	t.obs.ChunkAccepted(t.cand.Hash)

	return t.update(func(s *State) error {
		s.addChunk(r.index, r.chunk.Data)
		return nil
	})
}

// verify checks that chunk is the one at idx under the candidate's erasure root.
func (t *Task) verify(idx uint32, chunk *erasure.Chunk) error {
	if chunk == nil {
		return fmt.Errorf("%w: empty response", ErrInvalidProof)
	}

	if chunk.Index != idx {
		return fmt.Errorf("%w: asked for chunk %d, got %d", ErrInvalidProof, idx, chunk.Index)
	}

	return erasure.VerifyChunk(t.cand.ErasureRoot, t.cand.N(), chunk)
}

// reconstruct decodes the held chunks and verifies the result.
// On mismatch every source used is excluded and the held chunks are dropped.
func (t *Task) reconstruct(ctx context.Context) ([]byte, error) {
	var chunks map[uint32][]byte

	err := t.update(func(s *State) error {
		if len(s.Chunks) < t.k {
			return fmt.Errorf("reconstruct with %d chunks, need %d", len(s.Chunks), t.k)
		}

		s.Status = StatusReconstructing
		s.Attempts++
		chunks = maps.Clone(s.Chunks)

		return nil
	})
	if err != nil {
		return nil, err
	}

	body, err := erasure.Reconstruct(chunks, t.cand.N(), t.k)
	if err != nil {
		err = fmt.Errorf("%w: decode:\n%w", ErrReconstructionMismatch, err)
	} else {
		if err := t.setStatus(StatusVerifying); err != nil {
			return nil, err
		}

		if candidate.HashBody(body) == t.cand.Hash {
			if ctx.Err() != nil {
				return nil, ErrCancelled
			}

			return body, t.setStatus(StatusRecovered)
		}

		err = ErrReconstructionMismatch
	}

	if uerr := t.update(func(s *State) error {
		for idx := range s.Chunks {
			s.exclude(idx, err)
		}

		s.Chunks = make(map[uint32][]byte)
		return nil
	}); uerr != nil {
		return nil, uerr
	}

	return nil, err
}

// requeue puts abandoned in-flight sources back at the head of the pool.
func (t *Task) requeue(inflight map[uint32]struct{}) {
	if len(inflight) == 0 {
		return
	}

	back := make([]uint32, 0, len(inflight))
	for idx := range inflight {
		back = append(back, idx)
	}

	sort.Slice(back, func(i, j int) bool { return back[i] < back[j] })

	_ = t.update(func(s *State) error {
		s.Sources = append(back, s.Sources...)
		return nil
	})
}

// markFailed records the terminal failure in the table.
func (t *Task) markFailed(cause error) {
	_ = t.update(func(s *State) error {
		s.Status = StatusFailed
		s.Err = cause
		return nil
	})
}

// setStatus moves the table entry to st.
func (t *Task) setStatus(st Status) error {
	return t.update(func(s *State) error {
		s.Status = st
		return nil
	})
}

// update applies fn to our table entry, failing with ErrCancelled if it is gone.
func (t *Task) update(fn func(*State) error) error {
	return t.table.Update(t.cand.Hash, t.gen, fn)
}
