package fusion

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dyluth/drey/pkg/fleet"
)

// ErrPoolFull indicates the bounded cluster pool is at capacity. The
// submitting worker should retry after the next fusion pass drains it.
var ErrPoolFull = errors.New("cluster pool full")

// pooled is a cluster plus the stable intake ID used to remove exactly the
// clusters a pass consumed, even if the pool mutated mid-pass.
type pooled struct {
	id      uint64
	cluster *fleet.KnowledgeCluster
}

// Pool is the bounded holding area for knowledge clusters awaiting fusion.
// Submissions and pass consumption hold the pool's own mutex only; clusters
// arriving while a pass computes over its snapshot simply wait for the next
// pass.
type Pool struct {
	mu       sync.Mutex
	nextID   uint64
	clusters []pooled
	capacity int
}

// NewPool creates a pool bounded at capacity clusters.
func NewPool(capacity int) *Pool {
	return &Pool{capacity: capacity}
}

// Add appends a validated cluster to the pool.
// Returns ErrPoolFull at capacity.
func (p *Pool) Add(cluster *fleet.KnowledgeCluster) error {
	if err := cluster.Validate(); err != nil {
		return fmt.Errorf("invalid cluster: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.clusters) >= p.capacity {
		return fmt.Errorf("capacity %d reached: %w", p.capacity, ErrPoolFull)
	}

	p.nextID++
	p.clusters = append(p.clusters, pooled{id: p.nextID, cluster: cluster})
	return nil
}

// Size returns the number of clusters currently pooled.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clusters)
}

// Snapshot returns the pooled clusters in submission order. The returned
// slice is a copy; the pool can keep accepting submissions while a pass
// works on the snapshot.
func (p *Pool) Snapshot() []pooled {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]pooled, len(p.clusters))
	copy(out, p.clusters)
	return out
}

// Remove drops the clusters with the given intake IDs from the pool.
// IDs no longer present are ignored, so an interrupted pass can be retried
// idempotently over a fresh snapshot.
func (p *Pool) Remove(ids []uint64) {
	if len(ids) == 0 {
		return
	}

	drop := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.clusters[:0]
	for _, item := range p.clusters {
		if !drop[item.id] {
			kept = append(kept, item)
		}
	}
	p.clusters = kept
}
