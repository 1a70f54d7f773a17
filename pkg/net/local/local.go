// Package local provides an in-process net.Provider used by tests and
// single-binary simulations, adapted from the teacher's
// pkg/net/local/local_test.go expectations: a provider keyed by a
// static identity key, channels named and shared process-wide, and
// asynchronous fan-out delivery to every registered handler.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/keep-network/sbtc-signer/pkg/keys"
	netpkg "github.com/keep-network/sbtc-signer/pkg/net"
)

// registry is the process-wide set of named channels, so that two
// providers calling ChannelFor with the same name join the same topic.
var registry = struct {
	mu       sync.Mutex
	channels map[string]*localChannel
}{channels: make(map[string]*localChannel)}

type provider struct {
	identity keys.PublicKey
}

// ConnectWithKey returns a Provider whose channels tag outgoing
// messages with identity's public key.
func ConnectWithKey(identity keys.PublicKey) netpkg.Provider {
	return &provider{identity: identity}
}

func (p *provider) ChannelFor(name string) (netpkg.BroadcastChannel, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	ch, ok := registry.channels[name]
	if !ok {
		ch = &localChannel{
			name:         name,
			subscribers:  make(map[*localChannel]struct{}),
			unmarshalers: make(map[string]func() netpkg.TaggedUnmarshaler),
			handlers:     make(map[string][]netpkg.HandleMessageFunc),
		}
		registry.channels[name] = ch
	}

	member := &localChannel{
		name:         name,
		self:         p.identity,
		root:         ch,
		unmarshalers: make(map[string]func() netpkg.TaggedUnmarshaler),
		handlers:     make(map[string][]netpkg.HandleMessageFunc),
	}
	ch.mu.Lock()
	ch.subscribers[member] = struct{}{}
	ch.mu.Unlock()

	return member, nil
}

// localChannel is both the shared topic root (subscribers, tracked
// under registry.channels) and each member's per-identity handle
// returned from ChannelFor. root is nil on the shared root instance.
type localChannel struct {
	name string
	self keys.PublicKey
	root *localChannel

	mu           sync.Mutex
	subscribers  map[*localChannel]struct{}
	unmarshalers map[string]func() netpkg.TaggedUnmarshaler
	handlers     map[string][]netpkg.HandleMessageFunc
	sequence     uint64
}

func (c *localChannel) RegisterUnmarshaler(unmarshaler func() netpkg.TaggedUnmarshaler) {
	sample := unmarshaler()
	c.mu.Lock()
	c.unmarshalers[sample.Type()] = unmarshaler
	c.mu.Unlock()
}

func (c *localChannel) Recv(handler netpkg.HandleMessageFunc) error {
	c.mu.Lock()
	c.handlers[handler.Type] = append(c.handlers[handler.Type], handler)
	c.mu.Unlock()
	return nil
}

func (c *localChannel) UnregisterRecv(messageType string) error {
	c.mu.Lock()
	delete(c.handlers, messageType)
	c.mu.Unlock()
	return nil
}

func (c *localChannel) Send(ctx context.Context, msg netpkg.TaggedMarshaler) error {
	payloadBytes, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal outgoing message: [%w]", err)
	}

	root := c.root
	if root == nil {
		root = c
	}

	root.mu.Lock()
	c.sequence++
	seq := c.sequence
	subscribers := make([]*localChannel, 0, len(root.subscribers))
	for s := range root.subscribers {
		subscribers = append(subscribers, s)
	}
	root.mu.Unlock()

	envelope := &localMessage{
		messageType: msg.Type(),
		sender:      c.self.Bytes(),
		sequence:    seq,
		payload:     msg,
	}

	for _, sub := range subscribers {
		sub := sub
		sub.mu.Lock()
		ctor, ok := sub.unmarshalers[msg.Type()]
		handlers := append([]netpkg.HandleMessageFunc(nil), sub.handlers[msg.Type()]...)
		sub.mu.Unlock()
		if !ok || len(handlers) == 0 {
			continue
		}

		decoded := ctor()
		if err := decoded.Unmarshal(payloadBytes); err != nil {
			continue
		}
		delivered := &localMessage{
			messageType: envelope.messageType,
			sender:      envelope.sender,
			sequence:    envelope.sequence,
			payload:     decoded,
		}

		go func() {
			for _, h := range handlers {
				_ = h.Handler(delivered)
			}
		}()
	}

	_ = ctx
	return nil
}

type localMessage struct {
	messageType string
	sender      []byte
	sequence    uint64
	payload     interface{}
}

func (m *localMessage) Type() string            { return m.messageType }
func (m *localMessage) Payload() interface{}    { return m.payload }
func (m *localMessage) SenderPublicKey() []byte { return m.sender }
func (m *localMessage) Sequence() uint64        { return m.sequence }

var _ netpkg.Provider = (*provider)(nil)
var _ netpkg.BroadcastChannel = (*localChannel)(nil)
var _ netpkg.Message = (*localMessage)(nil)
