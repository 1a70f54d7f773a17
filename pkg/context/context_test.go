package context

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keep-network/sbtc-signer/pkg/storage"
)

func TestSignalDeliversToAllSubscribersWithoutBlocking(t *testing.T) {
	ctx := New(Deps{Store: storage.NewMemoryStore()})

	rx1, unsub1 := ctx.Signals()
	defer unsub1()
	rx2, unsub2 := ctx.Signals()
	defer unsub2()

	ctx.Signal(EventBitcoinBlockObserved)

	for _, rx := range []<-chan SignerEvent{rx1, rx2} {
		select {
		case evt := <-rx:
			require.Equal(t, EventBitcoinBlockObserved, evt)
		case <-time.After(time.Second):
			t.Fatal("expected signal to be delivered")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := New(Deps{Store: storage.NewMemoryStore()})

	rx, unsub := ctx.Signals()
	unsub()

	ctx.Signal(EventStacksBlockObserved)

	_, ok := <-rx
	require.False(t, ok, "channel should be closed after unsubscribe")
}

func TestShutdownSignalsTerminationHandleAndClosesSubscribers(t *testing.T) {
	ctx := New(Deps{Store: storage.NewMemoryStore()})
	handle := ctx.TerminationHandle()
	require.False(t, handle.ShutdownSignalled())

	rx, _ := ctx.Signals()

	ctx.Shutdown()

	require.True(t, handle.ShutdownSignalled())
	_, ok := <-rx
	require.False(t, ok)

	// Shutdown must be idempotent.
	require.NotPanics(t, func() { ctx.Shutdown() })
}
