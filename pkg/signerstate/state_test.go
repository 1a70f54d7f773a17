package signerstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

func TestCacheUpdatesAreIsolatedSnapshots(t *testing.T) {
	c := NewCache()
	first := c.Load()
	require.False(t, first.ContractsDeployed)

	c.UpdateBitcoinChainTip(model.BitcoinBlock{Height: 10})
	second := c.Load()

	require.Equal(t, uint64(0), first.BitcoinChainTip.Height, "earlier snapshot must not mutate")
	require.Equal(t, uint64(10), second.BitcoinChainTip.Height)
}

func TestEnsureStartHeightResolvesOnce(t *testing.T) {
	c := NewCache()
	calls := 0
	resolve := func() (uint64, error) {
		calls++
		return 42, nil
	}

	h1, err := c.EnsureStartHeight(resolve)
	require.NoError(t, err)
	require.Equal(t, uint64(42), h1)

	h2, err := c.EnsureStartHeight(resolve)
	require.NoError(t, err)
	require.Equal(t, uint64(42), h2)
	require.Equal(t, 1, calls, "resolve must only run once")
}

func TestMarkContractsDeployedIdempotent(t *testing.T) {
	c := NewCache()
	c.MarkContractsDeployed()
	c.MarkContractsDeployed()
	require.True(t, c.Load().ContractsDeployed)
}
