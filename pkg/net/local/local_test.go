package local

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/keep-network/sbtc-signer/pkg/keys"
	netpkg "github.com/keep-network/sbtc-signer/pkg/net"
)

func newTestIdentity(t *testing.T) keys.PublicKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub, err := keys.ParsePublicKey(priv.PubKey().SerializeCompressed())
	require.NoError(t, err)
	return pub
}

func TestRegisterAndFireHandler(t *testing.T) {
	channelName := t.Name()
	provider := ConnectWithKey(newTestIdentity(t))
	channel, err := provider.ChannelFor(channelName)
	require.NoError(t, err)
	channel.RegisterUnmarshaler(func() netpkg.TaggedUnmarshaler { return &mockMessage{} })

	fired := make(chan struct{}, 1)
	require.NoError(t, channel.Recv(netpkg.HandleMessageFunc{
		Type: "mock_message",
		Handler: func(msg netpkg.Message) error {
			fired <- struct{}{}
			return nil
		},
	}))

	require.NoError(t, channel.Send(context.Background(), &mockMessage{Body: "hi"}))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected handler to be called")
	}
}

func TestUnregisterRecvStopsDelivery(t *testing.T) {
	channelName := t.Name()
	provider := ConnectWithKey(newTestIdentity(t))
	channel, err := provider.ChannelFor(channelName)
	require.NoError(t, err)
	channel.RegisterUnmarshaler(func() netpkg.TaggedUnmarshaler { return &mockMessage{} })

	fired := make(chan struct{}, 1)
	require.NoError(t, channel.Recv(netpkg.HandleMessageFunc{
		Type:    "mock_message",
		Handler: func(msg netpkg.Message) error { fired <- struct{}{}; return nil },
	}))
	require.NoError(t, channel.UnregisterRecv("mock_message"))
	require.NoError(t, channel.Send(context.Background(), &mockMessage{Body: "hi"}))

	select {
	case <-fired:
		t.Fatal("handler should not have been called after unregister")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendDeliversToEverySubscriberWithSenderIdentity(t *testing.T) {
	channelName := t.Name()
	sender := newTestIdentity(t)
	senderChannel, err := ConnectWithKey(sender).ChannelFor(channelName)
	require.NoError(t, err)
	senderChannel.RegisterUnmarshaler(func() netpkg.TaggedUnmarshaler { return &mockMessage{} })

	received := make(chan netpkg.Message, 2)
	for i := 0; i < 2; i++ {
		peerChannel, err := ConnectWithKey(newTestIdentity(t)).ChannelFor(channelName)
		require.NoError(t, err)
		peerChannel.RegisterUnmarshaler(func() netpkg.TaggedUnmarshaler { return &mockMessage{} })
		require.NoError(t, peerChannel.Recv(netpkg.HandleMessageFunc{
			Type:    "mock_message",
			Handler: func(msg netpkg.Message) error { received <- msg; return nil },
		}))
	}

	require.NoError(t, senderChannel.Send(context.Background(), &mockMessage{Body: "broadcast"}))

	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			require.Equal(t, sender.Bytes(), msg.SenderPublicKey())
			require.Equal(t, uint64(1), msg.Sequence())
			payload, ok := msg.Payload().(*mockMessage)
			require.True(t, ok)
			require.Equal(t, "broadcast", payload.Body)
		case <-time.After(time.Second):
			t.Fatal("expected delivery to subscriber")
		}
	}
}

type mockMessage struct {
	Body string
}

func (m *mockMessage) Type() string { return "mock_message" }

func (m *mockMessage) Marshal() ([]byte, error) {
	return []byte(m.Body), nil
}

func (m *mockMessage) Unmarshal(data []byte) error {
	m.Body = string(data)
	return nil
}
