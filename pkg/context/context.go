// Package context bundles the capabilities every long-running signer
// component needs, grounded on signer/src/block_observer.rs's
// self.context.{get_storage_mut,get_bitcoin_client,get_stacks_client,
// get_emily_client,state,config,signal,get_termination_handle} calls:
// rather than wiring BlockObserver/RequestDecider/Coordinator/Signer
// together with direct references to each other (which would cycle,
// since the coordinator drives the signer and the signer reports back
// to storage the coordinator reads), every component is handed one
// Context value and talks to its neighbors only through it.
package context

import (
	"sync"

	"github.com/keep-network/sbtc-signer/pkg/chain"
	"github.com/keep-network/sbtc-signer/pkg/config"
	netpkg "github.com/keep-network/sbtc-signer/pkg/net"
	"github.com/keep-network/sbtc-signer/pkg/signerstate"
	"github.com/keep-network/sbtc-signer/pkg/storage"
)

// SignerEvent is a fact the rest of the cohort's components react to,
// broadcast on the signal bus returned by Context.Signal.
type SignerEvent int

const (
	// EventBitcoinBlockObserved fires once the block observer has
	// finished ingesting a new Bitcoin block and refreshing state.
	EventBitcoinBlockObserved SignerEvent = iota
	// EventStacksBlockObserved fires once the block observer has
	// finished a contract-chain ingestion pass without error.
	EventStacksBlockObserved
	// EventDkgShareVerified fires once a pending DKG round's shares
	// have been confirmed usable.
	EventDkgShareVerified
	// EventTenureCompleted fires once a coordinator tenure has run to
	// completion, whether or not this signer was the elected leader, so
	// other components (and tests) can await quiescence for a tip.
	EventTenureCompleted
)

// TerminationHandle lets a component learn that the process is
// shutting down without polling ctx.Err() directly, mirroring the
// Rust context's get_termination_handle/shutdown_signalled split.
type TerminationHandle struct {
	done <-chan struct{}
}

// ShutdownSignalled reports whether shutdown has been requested.
func (h TerminationHandle) ShutdownSignalled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done returns the channel closed at shutdown, for use in a select.
func (h TerminationHandle) Done() <-chan struct{} {
	return h.done
}

// Context is the capability bundle handed to every signer component.
type Context interface {
	Config() config.Config
	Storage() storage.Store
	State() *signerstate.Cache

	BitcoinClient() chain.BitcoinInteract
	StacksClient() chain.StacksInteract
	EmilyClient() chain.EmilyInteract

	NetProvider() netpkg.Provider

	// Signal broadcasts event to every subscriber registered via
	// Signals; it never blocks on a slow or absent subscriber.
	Signal(event SignerEvent)
	// Signals registers a new subscriber and returns its channel plus
	// an unsubscribe function.
	Signals() (<-chan SignerEvent, func())

	TerminationHandle() TerminationHandle
	// Shutdown signals every TerminationHandle and closes every
	// channel returned by Signals.
	Shutdown()
}

// signerContext is the concrete Context.
type signerContext struct {
	cfg     config.Config
	store   storage.Store
	state   *signerstate.Cache
	btc     chain.BitcoinInteract
	stx     chain.StacksInteract
	emily   chain.EmilyInteract
	netProv netpkg.Provider

	done chan struct{}

	mu          sync.Mutex
	subscribers map[chan SignerEvent]struct{}
}

// Deps bundles the capability implementations New wires into a
// Context; callers assemble these from config.Config before starting
// any component.
type Deps struct {
	Config  config.Config
	Store   storage.Store
	State   *signerstate.Cache
	Bitcoin chain.BitcoinInteract
	Stacks  chain.StacksInteract
	Emily   chain.EmilyInteract
	Net     netpkg.Provider
}

// New builds a Context from deps.
func New(deps Deps) Context {
	if deps.State == nil {
		deps.State = signerstate.NewCache()
	}
	return &signerContext{
		cfg:         deps.Config,
		store:       deps.Store,
		state:       deps.State,
		btc:         deps.Bitcoin,
		stx:         deps.Stacks,
		emily:       deps.Emily,
		netProv:     deps.Net,
		done:        make(chan struct{}),
		subscribers: make(map[chan SignerEvent]struct{}),
	}
}

var _ Context = (*signerContext)(nil)

func (c *signerContext) Config() config.Config        { return c.cfg }
func (c *signerContext) Storage() storage.Store        { return c.store }
func (c *signerContext) State() *signerstate.Cache     { return c.state }
func (c *signerContext) BitcoinClient() chain.BitcoinInteract { return c.btc }
func (c *signerContext) StacksClient() chain.StacksInteract   { return c.stx }
func (c *signerContext) EmilyClient() chain.EmilyInteract     { return c.emily }
func (c *signerContext) NetProvider() netpkg.Provider         { return c.netProv }

func (c *signerContext) Signal(event SignerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (c *signerContext) Signals() (<-chan SignerEvent, func()) {
	ch := make(chan SignerEvent, 16)
	c.mu.Lock()
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()

	unsubscribe := func() {
		c.mu.Lock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, unsubscribe
}

func (c *signerContext) TerminationHandle() TerminationHandle {
	return TerminationHandle{done: c.done}
}

func (c *signerContext) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	for ch := range c.subscribers {
		close(ch)
		delete(c.subscribers, ch)
	}
}
