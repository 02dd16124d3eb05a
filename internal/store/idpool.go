package store

import (
	"fmt"
	"sync"
)

// idPool allocates monotonically increasing ids within one table's
// namespace. Ids are never reused, even after the object they named is
// deleted.
type idPool struct {
	mu   sync.Mutex
	next map[string]uint64
}

func newIDPool() *idPool {
	return &idPool{next: map[string]uint64{}}
}

func (p *idPool) allocate(table string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.next[table] + 1
	p.next[table] = n
	return fmt.Sprintf("%s-%d", table, n)
}

// observe bumps the pool's counter for table so that a ever-allocated id
// loaded from disk is never handed out again by allocate.
func (p *idPool) observe(table string, n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.next[table] {
		p.next[table] = n
	}
}
