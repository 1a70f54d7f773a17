package signer

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	sbtcbitcoin "github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/config"
	sbtccontext "github.com/keep-network/sbtc-signer/pkg/context"
	"github.com/keep-network/sbtc-signer/pkg/coordinator"
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
	var h sbtcbitcoin.BlockHash
	h[0] = b
	return h
}

func newTestSigner(t *testing.T, cfg config.Config, identity keys.PublicKey, mock *wsts.MockExecutor) (*Signer, storage.Store, sbtccontext.Context) {
	t.Helper()
	store := storage.NewMemoryStore()
	ctx := sbtccontext.New(sbtccontext.Deps{Config: cfg, Store: store})
	return New(ctx, identity, mock), store, ctx
}

func TestHandleBitcoinPreSignRequestSignsAnAgreedUponDonationSweep(t *testing.T) {
	identity := testPublicKey(t)
	aggregateKey := testPublicKey(t)
	cfg := *config.Default()

	mock := &wsts.MockExecutor{AggregateKey: aggregateKey}
	s, store, sbtcCtx := newTestSigner(t, cfg, identity, mock)

	tip := hashOf(1)
	require.NoError(t, store.WriteBitcoinBlock(context.Background(), model.BitcoinBlock{BlockHash: tip, Height: 100}))

	donationTxid := hashOf(0xd0)
	require.NoError(t, store.WriteSweepTransaction(context.Background(), donationTxid, tip, nil, []model.TxOutput{
		{Txid: donationTxid, OutputIndex: 0, Amount: 50000, OutputType: sbtcbitcoin.OutputDonation},
	}))

	sbtcCtx.State().Store(&signerstate.State{
		BitcoinChainTip: model.BitcoinBlock{BlockHash: tip, Height: 100},
		SignerSet:       model.SignerSetInfo{SignerSet: []keys.PublicKey{identity}, SignaturesRequired: 1, AggregateKey: aggregateKey},
	})

	utxo, err := store.SignerUTXO(context.Background(), tip)
	require.NoError(t, err)

	magic := sbtcbitcoin.Magic[cfg.Signer.Network]
	plan, err := coordinator.BuildSweepPlan(tip, utxo, nil, nil, aggregateKey, 1.0, magic)
	require.NoError(t, err)

	req := &coordinator.BitcoinPreSignRequest{Tip: tip, Fingerprint: plan.Fingerprint, FeeRate: 1.0}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = s.HandleBitcoinPreSignRequest(ctx, req)
	require.NoError(t, err)

	sighashes, err := coordinator.SweepSighashes(plan.Tx, plan.Inputs)
	require.NoError(t, err)
	require.Len(t, sighashes, 1)

	decision, found, err := store.GetSighashDecision(context.Background(), sighashes[0])
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, decision.WillSign)
}

func TestHandleBitcoinPreSignRequestDeclinesOnFingerprintMismatch(t *testing.T) {
	identity := testPublicKey(t)
	aggregateKey := testPublicKey(t)
	cfg := *config.Default()

	mock := &wsts.MockExecutor{AggregateKey: aggregateKey}
	s, store, sbtcCtx := newTestSigner(t, cfg, identity, mock)

	tip := hashOf(1)
	require.NoError(t, store.WriteBitcoinBlock(context.Background(), model.BitcoinBlock{BlockHash: tip, Height: 100}))

	donationTxid := hashOf(0xd0)
	require.NoError(t, store.WriteSweepTransaction(context.Background(), donationTxid, tip, nil, []model.TxOutput{
		{Txid: donationTxid, OutputIndex: 0, Amount: 50000, OutputType: sbtcbitcoin.OutputDonation},
	}))

	sbtcCtx.State().Store(&signerstate.State{
		BitcoinChainTip: model.BitcoinBlock{BlockHash: tip, Height: 100},
		SignerSet:       model.SignerSetInfo{SignerSet: []keys.PublicKey{identity}, SignaturesRequired: 1, AggregateKey: aggregateKey},
	})

	req := &coordinator.BitcoinPreSignRequest{Tip: tip, Fingerprint: [32]byte{0xff}, FeeRate: 1.0}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := s.HandleBitcoinPreSignRequest(ctx, req)
	require.NoError(t, err)

	utxo, err := store.SignerUTXO(context.Background(), tip)
	require.NoError(t, err)
	magic := sbtcbitcoin.Magic[cfg.Signer.Network]
	plan, err := coordinator.BuildSweepPlan(tip, utxo, nil, nil, aggregateKey, 1.0, magic)
	require.NoError(t, err)
	sighashes, err := coordinator.SweepSighashes(plan.Tx, plan.Inputs)
	require.NoError(t, err)

	_, found, err := store.GetSighashDecision(context.Background(), sighashes[0])
	require.NoError(t, err)
	require.False(t, found, "no decision should be recorded for a proposal this signer couldn't rebuild")
}
