package network

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/zeebo/blake3"
)

const (
	// defaultDedupTTL is how long a message hash suppresses duplicates.
	defaultDedupTTL = 30 * time.Second

	// defaultDedupSize bounds the number of remembered hashes.
	defaultDedupSize = 8192
)

// Dedup drops uni-stream messages already seen within the TTL.
// Entries live in a bounded LRU so no cleanup goroutine is needed.
type Dedup struct {
	seen *lru.Cache    // seen maps blake3 message hash to first-seen time
	ttl  time.Duration // ttl is how long an entry suppresses duplicates
	mu   sync.Mutex    // mu makes check-then-add atomic
}

// NewDedup creates a tracker remembering up to size hashes for ttl.
func NewDedup(size int, ttl time.Duration) (*Dedup, error) {
	if size <= 0 {
		size = defaultDedupSize
	}

	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	seen, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache:\n%w", err)
	}

	return &Dedup{seen: seen, ttl: ttl}, nil
}

// Check returns true if data was not seen within the TTL, and records it.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.seen.Get(hash); ok && now.Sub(v.(time.Time)) < d.ttl {
		return false
	}

	d.seen.Add(hash, now)

	return true
}

// Len returns the number of remembered hashes.
func (d *Dedup) Len() int {
	return d.seen.Len()
}
