// Package net defines the peer bus the signer cohort broadcasts its
// round traffic over (spec §6 "Peer bus"): WSTS DKG/signing protocol
// messages, pre-sign and contract-call sign requests, and deposit/
// withdrawal vote decisions. The shapes here are adapted from
// pkg/net/local/local_test.go and pkg/net/libp2p/key.go's
// Provider/BroadcastChannel/TaggedUnmarshaler split, generalized from a
// single wallet-signing protocol to the handful of message kinds the
// coordinator and signer exchange.
package net

import (
	"context"
	"fmt"
	"sync"
)

// TaggedMarshaler is anything a BroadcastChannel can serialize and tag
// with a wire type so receivers can route it to the right unmarshaler.
type TaggedMarshaler interface {
	Type() string
	Marshal() ([]byte, error)
}

// TaggedUnmarshaler additionally knows how to parse its own wire bytes.
// Channels are given a constructor for each type they expect to receive
// via RegisterUnmarshaler, mirroring the teacher's local_test.go usage.
type TaggedUnmarshaler interface {
	TaggedMarshaler
	Unmarshal([]byte) error
}

// Message is a received, authenticated envelope: the sender's public
// key, a monotonic per-sender sequence number, and the decoded payload.
// Sequence numbers let a receiver tolerate reordering within a bounded
// window (spec §6) without accepting arbitrarily stale or replayed
// traffic.
type Message interface {
	Type() string
	Payload() interface{}
	SenderPublicKey() []byte
	Sequence() uint64
}

// HandleMessageFunc pairs a wire type with the callback invoked for
// every received Message of that type, exactly as the teacher's
// net.HandleMessageFunc does.
type HandleMessageFunc struct {
	Type    string
	Handler func(msg Message) error
}

// BroadcastChannel is a named pub/sub topic scoped to one DKG or
// signing round. Send fans the message out to every member currently
// subscribed to the channel, the sender included when it has registered
// a handler for the message's type; Recv registers a handler for
// one wire type, and UnregisterRecv removes it.
type BroadcastChannel interface {
	Send(ctx context.Context, msg TaggedMarshaler) error
	Recv(handler HandleMessageFunc) error
	UnregisterRecv(messageType string) error
	RegisterUnmarshaler(unmarshaler func() TaggedUnmarshaler)
}

// Provider resolves named channels, local or libp2p-backed.
type Provider interface {
	ChannelFor(name string) (BroadcastChannel, error)
}

// SequenceWindow tracks, per sender, the highest sequence number
// accepted and rejects anything too far behind it. It implements the
// bounded out-of-order tolerance spec §6 calls for: a message that
// arrives late because of ordinary network jitter is still accepted,
// but a wildly stale or replayed one is not.
type SequenceWindow struct {
	mu      sync.Mutex
	width   uint64
	highest map[string]uint64
}

// NewSequenceWindow builds a window that accepts any sequence number
// within width of the highest one seen so far for that sender.
func NewSequenceWindow(width uint64) *SequenceWindow {
	return &SequenceWindow{width: width, highest: make(map[string]uint64)}
}

// Accept reports whether seq from sender should be processed, and
// advances the window's high-water mark when it does.
func (w *SequenceWindow) Accept(sender string, seq uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	high, seen := w.highest[sender]
	if !seen {
		w.highest[sender] = seq
		return true
	}
	if seq > high {
		w.highest[sender] = seq
		return true
	}
	if high-seq <= w.width {
		return true
	}
	return false
}

// errUnknownType is returned when a channel receives a message whose
// type nothing registered an unmarshaler for.
func errUnknownType(messageType string) error {
	return fmt.Errorf("no unmarshaler registered for message type: [%s]", messageType)
}
