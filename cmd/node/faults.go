package main

import (
	"context"
	"sync"
)

// faults keeps the latest error reported by the scheduler and the sequencer.
// Both components log their errors; faults only surfaces them in /status.
type faults struct {
	mu       sync.Mutex
	recovery string // recovery is the latest unrecoverable candidate
	imports  string // imports is the latest rejected import
}

// LastErrors returns the latest unrecoverable candidate and rejected import.
func (f *faults) LastErrors() (recovery, imports string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.recovery, f.imports
}

// drain records errors from both channels until ctx is done.
func (f *faults) drain(ctx context.Context, recovery, imports <-chan error) {
	for {
		select {
		case err := <-recovery:
			f.mu.Lock()
			f.recovery = err.Error()
			f.mu.Unlock()
		case err := <-imports:
			f.mu.Lock()
			f.imports = err.Error()
			f.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}
