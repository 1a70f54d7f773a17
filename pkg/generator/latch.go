// Package generator provides the tenure-wide mutual exclusion primitive
// the coordinator holds for the length of a tenure, adapted from
// pkg/tbtc/node.go's protocolLatch/generator.ProtocolLatch usage: DKG,
// DKG-verification, and contract-call signing rounds never run
// concurrently within one signer process, since they all drive the
// same wsts executor and peer-bus channel set.
package generator

import "sync"

// ProtocolLatch serializes entry into the mutually exclusive rounds a
// tenure runs: at most one DKG, verification, or signing round holds
// the latch at a time. Unlike a plain sync.Mutex, callers can query
// whether the latch is currently held without blocking.
type ProtocolLatch struct {
	mu  sync.Mutex
	cmu sync.Mutex
	n   int
}

// NewProtocolLatch returns an unheld latch.
func NewProtocolLatch() *ProtocolLatch {
	return &ProtocolLatch{}
}

// Lock blocks until the latch is free and then holds it.
func (pl *ProtocolLatch) Lock() {
	pl.mu.Lock()
	pl.cmu.Lock()
	pl.n++
	pl.cmu.Unlock()
}

// Unlock releases the latch.
func (pl *ProtocolLatch) Unlock() {
	pl.cmu.Lock()
	pl.n--
	pl.cmu.Unlock()
	pl.mu.Unlock()
}

// CurrentLockCount reports how many holders the latch currently has:
// 1 while it is held, 0 while it is free.
func (pl *ProtocolLatch) CurrentLockCount() int {
	pl.cmu.Lock()
	defer pl.cmu.Unlock()
	return pl.n
}
