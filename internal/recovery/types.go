package recovery

import (
	"context"
	"errors"
	"time"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/erasure"
)

var (
	// ErrRequestTimeout is returned by a Network when a validator does not answer in time.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrNotFound is returned by a Network when a validator does not hold the data.
	ErrNotFound = errors.New("not found")

	// ErrInvalidProof marks a chunk that does not match the candidate's erasure root.
	ErrInvalidProof = erasure.ErrInvalidProof

	// ErrReconstructionMismatch is returned when the decoded body does not hash to the candidate.
	ErrReconstructionMismatch = errors.New("reconstructed body does not match candidate hash")

	// ErrUnrecoverable is returned when every source or attempt has been spent.
	ErrUnrecoverable = errors.New("unrecoverable candidate")

	// ErrCancelled is returned when the recovery was cancelled or superseded.
	ErrCancelled = errors.New("recovery cancelled")

	// ErrAlreadyActive is returned when a candidate already has a live recovery state.
	ErrAlreadyActive = errors.New("recovery already active")
)

// Network fetches availability data from validators.
// Implementations must honour ctx and return ErrRequestTimeout or ErrNotFound where they apply.
type Network interface {
	// GetFullBody asks a backing validator for the complete candidate body.
	GetFullBody(ctx context.Context, from candidate.ValidatorID, hash candidate.Hash) ([]byte, error)

	// GetChunk asks a validator for one erasure chunk and its inclusion proof.
	GetChunk(ctx context.Context, from candidate.ValidatorID, hash candidate.Hash, index uint32) (*erasure.Chunk, error)
}

// Sink receives recovered bodies, normally the import sequencer.
type Sink interface {
	// Add hands over a verified body.
	Add(c *candidate.Candidate, body []byte)

	// Remove drops a candidate that is no longer wanted.
	Remove(hash candidate.Hash)
}

// Observer receives recovery events. Calls happen on task goroutines and must not block.
type Observer interface {
	RecoveryStarted(hash candidate.Hash)
	RecoverySucceeded(hash candidate.Hash, fastPath bool, elapsed time.Duration)
	RecoveryFailed(hash candidate.Hash, err error)
	RecoveryCancelled(hash candidate.Hash)
	ChunkRequested(hash candidate.Hash)
	ChunkAccepted(hash candidate.Hash)
	ChunkRejected(hash candidate.Hash, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) RecoveryStarted(candidate.Hash) {}
func (NopObserver) RecoverySucceeded(candidate.Hash, bool, time.Duration) {}
func (NopObserver) RecoveryFailed(candidate.Hash, error) {}
func (NopObserver) RecoveryCancelled(candidate.Hash) {}
func (NopObserver) ChunkRequested(candidate.Hash) {}
func (NopObserver) ChunkAccepted(candidate.Hash) {}
func (NopObserver) ChunkRejected(candidate.Hash, error) {}

// Config holds the recovery knobs.
type Config struct {
	DisableFastPath           bool            // DisableFastPath skips the backing-group body requests
	FastPathTimeout           time.Duration   // FastPathTimeout bounds the whole fast path round
	ChunkRequestTimeout       time.Duration   // ChunkRequestTimeout bounds a single chunk request
	MaxConcurrentRecoveries   int             // MaxConcurrentRecoveries caps active tasks
	MaxChunkRequests          int             // MaxChunkRequests caps in-flight chunk requests per task
	MaxReconstructionAttempts int             // MaxReconstructionAttempts caps decode+verify rounds
	CompletedCacheSize        int             // CompletedCacheSize is the dedup memory of recovered ids
	Threshold                 func(n int) int // Threshold returns k for n chunks
}

// DefaultConfig returns the default recovery configuration.
func DefaultConfig() Config {
	return Config{
		FastPathTimeout:           time.Second,
		ChunkRequestTimeout:       2 * time.Second,
		MaxConcurrentRecoveries:   10,
		MaxChunkRequests:          50,
		MaxReconstructionAttempts: 3,
		CompletedCacheSize:        4096,
		Threshold:                 erasure.RecoveryThreshold,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.FastPathTimeout <= 0 {
		c.FastPathTimeout = d.FastPathTimeout
	}

	if c.ChunkRequestTimeout <= 0 {
		c.ChunkRequestTimeout = d.ChunkRequestTimeout
	}

	if c.MaxConcurrentRecoveries <= 0 {
		c.MaxConcurrentRecoveries = d.MaxConcurrentRecoveries
	}

	if c.MaxChunkRequests <= 0 {
		c.MaxChunkRequests = d.MaxChunkRequests
	}

	if c.MaxReconstructionAttempts <= 0 {
		c.MaxReconstructionAttempts = d.MaxReconstructionAttempts
	}

	if c.CompletedCacheSize <= 0 {
		c.CompletedCacheSize = d.CompletedCacheSize
	}

	if c.Threshold == nil {
		c.Threshold = d.Threshold
	}

	return c
}

// Status is the phase of a candidate's recovery.
type Status int

const (
	StatusUnknown Status = iota
	StatusQueued
	StatusFastPath
	StatusCollectingChunks
	StatusReconstructing
	StatusVerifying
	StatusRecovered
	StatusFailed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusFastPath:
		return "fast_path"
	case StatusCollectingChunks:
		return "collecting_chunks"
	case StatusReconstructing:
		return "reconstructing"
	case StatusVerifying:
		return "verifying"
	case StatusRecovered:
		return "recovered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusRecovered || s == StatusFailed
}

// ChunkStatus is the outcome of a single chunk request.
type ChunkStatus int

const (
	ChunkPending ChunkStatus = iota
	ChunkFetched
	ChunkFailed
)

// String returns the chunk status name.
func (s ChunkStatus) String() string {
	switch s {
	case ChunkFetched:
		return "fetched"
	case ChunkFailed:
		return "failed"
	default:
		return "pending"
	}
}

// ChunkRequest tracks one chunk request to one validator.
type ChunkRequest struct {
	Candidate   candidate.Hash        // Candidate is the candidate being recovered
	Validator   candidate.ValidatorID // Validator is the chunk holder
	Index       uint32                // Index is the chunk index held by Validator
	Attempts    int                   // Attempts counts requests sent
	LastAttempt time.Time             // LastAttempt is when the last request was sent
	Status      ChunkStatus           // Status is the request outcome
}
