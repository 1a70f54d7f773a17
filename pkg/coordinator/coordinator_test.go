package coordinator

import (
	"context"
	"math"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	sbtcbitcoin "github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/chain"
	bitcoinchain "github.com/keep-network/sbtc-signer/pkg/chain/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/chain/emily"
	"github.com/keep-network/sbtc-signer/pkg/chain/stacks"
	"github.com/keep-network/sbtc-signer/pkg/config"
	sbtccontext "github.com/keep-network/sbtc-signer/pkg/context"
	"github.com/keep-network/sbtc-signer/pkg/keys"
	"github.com/keep-network/sbtc-signer/pkg/signerstate"
	"github.com/keep-network/sbtc-signer/pkg/storage"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
	"github.com/keep-network/sbtc-signer/pkg/wsts"
)

func testPublicKey(t *testing.T) keys.PublicKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub, err := keys.ParsePublicKey(priv.PubKey().SerializeCompressed())
	require.NoError(t, err)
	return pub
}

func hashOf(b byte) sbtcbitcoin.BlockHash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func newTestCoordinator(t *testing.T, cfg config.Config, identity keys.PublicKey, mock *wsts.MockExecutor) (*Coordinator, *bitcoinchain.Mock, *stacks.Mock, *emily.Mock, storage.Store, sbtccontext.Context) {
	t.Helper()
	btc := bitcoinchain.NewMock()
	stx := stacks.NewMock()
	emilyClient := emily.NewMock()
	store := storage.NewMemoryStore()

	ctx := sbtccontext.New(sbtccontext.Deps{
		Config:  cfg,
		Store:   store,
		Bitcoin: btc,
		Stacks:  stx,
		Emily:   emilyClient,
	})
	return New(ctx, identity, mock, mock), btc, stx, emilyClient, store, ctx
}

func TestElectIsDeterministicAndPicksTheSameWinnerEveryCall(t *testing.T) {
	signerSet := []keys.PublicKey{testPublicKey(t), testPublicKey(t), testPublicKey(t)}
	tip := hashOf(7)

	winner1, ok1 := Elect(tip, signerSet)
	winner2, ok2 := Elect(tip, signerSet)

	require.True(t, ok1)
	require.True(t, ok2)
	require.True(t, winner1.Equal(winner2))

	var winnerCount int
	for _, k := range signerSet {
		if IsElected(tip, signerSet, k) {
			winnerCount++
		}
	}
	require.Equal(t, 1, winnerCount)
}

func TestElectEmptySignerSet(t *testing.T) {
	_, ok := Elect(hashOf(1), nil)
	require.False(t, ok)
}

func TestEligibleDepositsFiltersBelowMinimumAboveCapAndOverHeadroom(t *testing.T) {
	limits := model.SbtcLimits{
		PerDepositMinimum: 1000,
		PerDepositCap:     100000,
		TotalCap:          1000000,
		WithdrawnTotal:    0,
		MaxMintable:       15000,
	}
	pending := []model.DepositRequest{
		{Key: model.DepositKey{OutputIndex: 0}, Amount: 500},    // below minimum
		{Key: model.DepositKey{OutputIndex: 1}, Amount: 200000}, // above cap
		{Key: model.DepositKey{OutputIndex: 2}, Amount: 10000},  // eligible
		{Key: model.DepositKey{OutputIndex: 3}, Amount: 10000},  // would exceed headroom
	}

	eligible := EligibleDeposits(pending, limits)

	require.Len(t, eligible, 1)
	require.Equal(t, uint32(2), eligible[0].Key.OutputIndex)
}

func TestEligibleDepositsUncappedConfigurationAllowsSweeping(t *testing.T) {
	limits := model.SbtcLimits{
		PerDepositMinimum: 1000,
		PerDepositCap:     100000,
		MaxMintable:       math.MaxUint64,
	}
	pending := []model.DepositRequest{
		{Key: model.DepositKey{OutputIndex: 0}, Amount: 10000},
	}

	eligible := EligibleDeposits(pending, limits)

	require.Len(t, eligible, 1)
}

func TestEligibleWithdrawalsFiltersDustCapAndExpiry(t *testing.T) {
	limits := model.SbtcLimits{PerWithdrawalCap: 50000, RollingWithdrawalCap: 1000000}
	tipHeight := uint64(2000)

	pending := []model.WithdrawalRequest{
		{Key: model.WithdrawalKey{RequestID: 1}, Amount: 100, BitcoinBlockHeight: 1990},     // dust
		{Key: model.WithdrawalKey{RequestID: 2}, Amount: 100000, BitcoinBlockHeight: 1990},  // over cap
		{Key: model.WithdrawalKey{RequestID: 3}, Amount: 10000, BitcoinBlockHeight: 1999},   // not yet confirmed
		{Key: model.WithdrawalKey{RequestID: 4}, Amount: 10000, BitcoinBlockHeight: 1},      // hard-expired
		{Key: model.WithdrawalKey{RequestID: 5}, Amount: 10000, BitcoinBlockHeight: 1990},   // eligible
	}

	eligible := EligibleWithdrawals(pending, limits, tipHeight, 0)

	require.Len(t, eligible, 1)
	require.Equal(t, uint64(5), eligible[0].Key.RequestID)
}

func TestEligibleWithdrawalsHonorsAlreadyWithdrawnRollingTotal(t *testing.T) {
	limits := model.SbtcLimits{
		PerWithdrawalCap:     50000,
		RollingWithdrawalCap: 100000,
		WithdrawnTotal:       90000,
	}
	tipHeight := uint64(2000)

	pending := []model.WithdrawalRequest{
		{Key: model.WithdrawalKey{RequestID: 1}, Amount: 20000, BitcoinBlockHeight: 1990}, // would push rolling total over cap
	}

	eligible := EligibleWithdrawals(pending, limits, tipHeight, 0)

	require.Len(t, eligible, 0)
}

func TestFingerprintIsStableUnderInputOutputReordering(t *testing.T) {
	tip := hashOf(3)
	inA := sbtcbitcoin.OutPoint{TxID: chainhash.HashH([]byte("a")), Index: 0}
	inB := sbtcbitcoin.OutPoint{TxID: chainhash.HashH([]byte("b")), Index: 1}
	outA := []byte("output-a")
	outB := []byte("output-b")

	f1 := Fingerprint(tip, []sbtcbitcoin.OutPoint{inA, inB}, [][]byte{outA, outB})
	f2 := Fingerprint(tip, []sbtcbitcoin.OutPoint{inB, inA}, [][]byte{outB, outA})

	require.Equal(t, f1, f2)
}

func TestFingerprintChangesWithDifferentTip(t *testing.T) {
	inA := sbtcbitcoin.OutPoint{TxID: chainhash.HashH([]byte("a")), Index: 0}
	f1 := Fingerprint(hashOf(1), []sbtcbitcoin.OutPoint{inA}, nil)
	f2 := Fingerprint(hashOf(2), []sbtcbitcoin.OutPoint{inA}, nil)
	require.NotEqual(t, f1, f2)
}

func TestRunTenureBootstrapsContractsBeforeAnythingElse(t *testing.T) {
	identity := testPublicKey(t)
	cfg := *config.Default()
	cfg.Signer.Deployer = "ST000SIGNER"

	mock := &wsts.MockExecutor{AggregateKey: identity}
	c, _, stx, _, _, sbtcCtx := newTestCoordinator(t, cfg, identity, mock)

	stx.Sortition.WonSortition = true
	stx.Accounts[cfg.Signer.Deployer] = chain.AccountInfo{Nonce: 0}

	state := &signerstate.State{
		BitcoinChainTip: model.BitcoinBlock{BlockHash: hashOf(1), Height: 100},
		SignerSet:       model.SignerSetInfo{SignerSet: []keys.PublicKey{identity}, SignaturesRequired: 1},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := c.RunTenure(ctx, state)
	require.NoError(t, err)
	require.Len(t, stx.Submitted, 5)
	require.True(t, sbtcCtx.State().Load().ContractsDeployed)
}

func TestRunTenureRunsDkgWhenNoSharesExistYet(t *testing.T) {
	identity := testPublicKey(t)
	cfg := *config.Default()
	cfg.Signer.Deployer = "ST000SIGNER"
	cfg.Signer.DkgTargetRounds = 1

	mock := &wsts.MockExecutor{AggregateKey: identity}
	c, _, stx, _, store, _ := newTestCoordinator(t, cfg, identity, mock)

	stx.Sortition.WonSortition = true
	stx.Accounts[cfg.Signer.Deployer] = chain.AccountInfo{Nonce: 0}

	state := &signerstate.State{
		BitcoinChainTip:   model.BitcoinBlock{BlockHash: hashOf(1), Height: 100},
		SignerSet:         model.SignerSetInfo{SignerSet: []keys.PublicKey{identity}, SignaturesRequired: 1},
		ContractsDeployed: true,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := c.RunTenure(ctx, state)
	require.NoError(t, err)

	latest, ok, err := store.LatestDkgShares(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, latest.AggregateKey.Equal(identity))
}
