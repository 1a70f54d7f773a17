// Package signerstate holds the signer's shared, process-local view of
// chain tips, the peg configuration, and the current signer set. It is
// refreshed wholesale at the top of each tenure rather than mutated field
// by field, following the whole-value-swap discipline of spec §5/§9.
package signerstate

import (
	"sync/atomic"

	"github.com/keep-network/sbtc-signer/pkg/keys"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

// State is an immutable snapshot; callers never mutate a *State they've
// read, they replace it in the Cache.
type State struct {
	BitcoinChainTip  model.BitcoinBlock
	ContractChainTip model.ContractChainBlock
	SignerSet        model.SignerSetInfo
	Limits           model.SbtcLimits
	// SbtcBitcoinStartHeight is the first Bitcoin height the signer
	// needs to observe, lazily initialized from the Nakamoto activation
	// height the first time it's resolved (spec §C.3).
	SbtcBitcoinStartHeight uint64
	// ContractsDeployed reports whether this process has submitted the
	// bootstrap smart-contract deployments; it is set by
	// MarkContractsDeployed and is not checked against the contract chain.
	ContractsDeployed bool
}

// CurrentSigner reports whether pubkey is a member of the current signer
// set.
func (s *State) CurrentSigner(pubkey keys.PublicKey) bool {
	for _, k := range s.SignerSet.SignerSet {
		if k.Equal(pubkey) {
			return true
		}
	}
	return false
}

// Cache is a single shared-state handle with whole-value-swap semantics:
// readers call Load and get a consistent, possibly-stale snapshot;
// writers call Store with a freshly assembled *State, never mutate a
// field on the old one in place.
type Cache struct {
	v atomic.Value
}

// NewCache returns a Cache seeded with an empty State so Load never
// returns nil.
func NewCache() *Cache {
	c := &Cache{}
	c.v.Store(&State{})
	return c
}

// Load returns the current snapshot.
func (c *Cache) Load() *State {
	return c.v.Load().(*State)
}

// Store replaces the snapshot wholesale.
func (c *Cache) Store(s *State) {
	c.v.Store(s)
}

// UpdateBitcoinChainTip replaces just the BitcoinChainTip field by
// constructing a new State from the current one, keeping the
// whole-value-swap contract while avoiding forcing every caller to
// reassemble the entire snapshot on every block.
func (c *Cache) UpdateBitcoinChainTip(tip model.BitcoinBlock) {
	cur := c.Load()
	next := *cur
	next.BitcoinChainTip = tip
	c.Store(&next)
}

// UpdateContractChainTip replaces just the ContractChainTip field.
func (c *Cache) UpdateContractChainTip(tip model.ContractChainBlock) {
	cur := c.Load()
	next := *cur
	next.ContractChainTip = tip
	c.Store(&next)
}

// UpdateSignerSet replaces just the SignerSet field, e.g. after observing
// a rotate-keys event.
func (c *Cache) UpdateSignerSet(info model.SignerSetInfo) {
	cur := c.Load()
	next := *cur
	next.SignerSet = info
	c.Store(&next)
}

// UpdateLimits replaces just the Limits field, refreshed from the Emily
// gateway at the top of each tenure (spec §4.2 step 5).
func (c *Cache) UpdateLimits(limits model.SbtcLimits) {
	cur := c.Load()
	next := *cur
	next.Limits = limits
	c.Store(&next)
}

// MarkContractsDeployed flips ContractsDeployed once, idempotently.
func (c *Cache) MarkContractsDeployed() {
	cur := c.Load()
	if cur.ContractsDeployed {
		return
	}
	next := *cur
	next.ContractsDeployed = true
	c.Store(&next)
}

// EnsureStartHeight lazily resolves SbtcBitcoinStartHeight the first time
// it's needed, caching the result. resolve is only invoked once; later
// calls are served from the cached value, matching spec §C.3's "lazy
// initialization from Nakamoto activation height".
func (c *Cache) EnsureStartHeight(resolve func() (uint64, error)) (uint64, error) {
	cur := c.Load()
	if cur.SbtcBitcoinStartHeight != 0 {
		return cur.SbtcBitcoinStartHeight, nil
	}
	height, err := resolve()
	if err != nil {
		return 0, err
	}
	next := *cur
	next.SbtcBitcoinStartHeight = height
	c.Store(&next)
	return height, nil
}
