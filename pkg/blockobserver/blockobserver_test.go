package blockobserver

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	sbtcbitcoin "github.com/keep-network/sbtc-signer/pkg/bitcoin"
	bitcoinchain "github.com/keep-network/sbtc-signer/pkg/chain/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/chain/emily"
	"github.com/keep-network/sbtc-signer/pkg/chain/stacks"
	"github.com/keep-network/sbtc-signer/pkg/config"
	sbtccontext "github.com/keep-network/sbtc-signer/pkg/context"
	"github.com/keep-network/sbtc-signer/pkg/keys"
	"github.com/keep-network/sbtc-signer/pkg/storage"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
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

func newTestObserver(t *testing.T, cfg config.Config) (*BlockObserver, *bitcoinchain.Mock, *stacks.Mock, *emily.Mock, storage.Store) {
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
	return New(ctx), btc, stx, emilyClient, store
}

func TestProcessBitcoinBlockExtractsSweepToBootstrapScriptPubKey(t *testing.T) {
	bootstrapKey := testPublicKey(t)
	bootstrapScriptPubKey, err := bootstrapKey.SignersScriptPubKey()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Signer.BootstrapAggregateKey = bootstrapKey.String()
	o, btc, stx, _, store := newTestObserver(t, *cfg)

	stx.PoxStart = 1

	block1 := hashOf(1)
	block0 := hashOf(0)
	txid1 := sbtcbitcoin.TxID(chainhash.HashH([]byte("sweep-tx")))

	btc.Headers[block1] = model.BitcoinBlock{BlockHash: block1, ParentHash: block0, Height: 1}
	btc.BlockTxs[block1] = []sbtcbitcoin.TxID{txid1}
	btc.TxInfos[txid1] = sbtcbitcoin.TxInfo{
		Txid: txid1,
		Vin: []sbtcbitcoin.TxVin{
			{PrevoutTxID: chainhash.HashH([]byte("unrelated")), PrevoutIndex: 0, PrevoutScriptPubKey: []byte("unrelated-script"), PrevoutAmount: 1000},
		},
		Vout: []sbtcbitcoin.TxVout{
			{ScriptPubKey: bootstrapScriptPubKey, Amount: 5000},
		},
	}

	ctx := context.Background()
	require.NoError(t, o.ProcessBitcoinBlocksUntil(ctx, block1))

	stored, err := store.GetBitcoinBlock(ctx, block1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stored.Height)

	tip := block1
	parent := block1
	for height := uint64(2); height <= 11; height++ {
		tip = hashOf(byte(height))
		require.NoError(t, store.WriteBitcoinBlock(ctx, model.BitcoinBlock{BlockHash: tip, ParentHash: parent, Height: height}))
		parent = tip
	}

	utxo, err := store.SignerUTXO(ctx, tip)
	require.NoError(t, err)
	require.Equal(t, txid1, utxo.Outpoint.TxID)
	require.Equal(t, uint32(0), utxo.Outpoint.Index)
	require.Equal(t, uint64(5000), utxo.Amount)
}

func TestCheckPendingDkgSharesExpiresUnverifiedRoundPastWindow(t *testing.T) {
	cfg := config.Default()
	cfg.Signer.DkgVerificationWindow = 10
	o, _, _, _, store := newTestObserver(t, *cfg)
	ctx := context.Background()

	aggregateKey := testPublicKey(t)
	require.NoError(t, store.WriteEncryptedDkgShares(ctx, model.EncryptedDkgShares{
		AggregateKey:                aggregateKey,
		Status:                      model.DkgSharesUnverified,
		StartedAtBitcoinBlockHeight: 5,
	}))

	tipHash := hashOf(16)
	require.NoError(t, store.WriteBitcoinBlock(ctx, model.BitcoinBlock{BlockHash: tipHash, Height: 16}))

	require.NoError(t, o.CheckPendingDkgShares(ctx, tipHash))

	shares, ok, err := store.DkgSharesByAggregateKey(ctx, aggregateKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.DkgSharesFailed, shares.Status)
}

func TestCheckPendingDkgSharesLeavesRoundAloneWithinWindow(t *testing.T) {
	cfg := config.Default()
	cfg.Signer.DkgVerificationWindow = 10
	o, _, _, _, store := newTestObserver(t, *cfg)
	ctx := context.Background()

	aggregateKey := testPublicKey(t)
	require.NoError(t, store.WriteEncryptedDkgShares(ctx, model.EncryptedDkgShares{
		AggregateKey:                aggregateKey,
		Status:                      model.DkgSharesUnverified,
		StartedAtBitcoinBlockHeight: 5,
	}))

	tipHash := hashOf(12)
	require.NoError(t, store.WriteBitcoinBlock(ctx, model.BitcoinBlock{BlockHash: tipHash, Height: 12}))

	require.NoError(t, o.CheckPendingDkgShares(ctx, tipHash))

	shares, ok, err := store.DkgSharesByAggregateKey(ctx, aggregateKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.DkgSharesUnverified, shares.Status)
}

func TestLoadRequestsConfirmsDepositOnceFundingTxIsConfirmed(t *testing.T) {
	cfg := config.Default()
	o, btc, _, _, store := newTestObserver(t, *cfg)
	ctx := context.Background()

	signerKey := testPublicKey(t)
	confirmingBlock := hashOf(1)
	require.NoError(t, store.WriteBitcoinBlock(ctx, model.BitcoinBlock{BlockHash: confirmingBlock, Height: 1}))

	depositTxid := sbtcbitcoin.TxID(chainhash.HashH([]byte("deposit-tx")))
	key := model.DepositKey{Txid: depositTxid, OutputIndex: 0}
	req := model.DepositRequest{
		Key:              key,
		Amount:           10000,
		SignersPublicKey: signerKey,
	}

	btc.Confirmations[depositTxid] = confirmingBlock

	require.NoError(t, o.LoadRequests(ctx, []model.DepositRequest{req}))

	report, err := store.DepositRequestReport(ctx, confirmingBlock, key, signerKey)
	require.NoError(t, err)
	require.Equal(t, model.DepositConfirmed, report.Status)
	require.Equal(t, confirmingBlock, report.ConfirmedHash)
}

func TestLoadRequestsSkipsUnconfirmedDeposits(t *testing.T) {
	cfg := config.Default()
	o, _, _, _, store := newTestObserver(t, *cfg)
	ctx := context.Background()

	key := model.DepositKey{Txid: sbtcbitcoin.TxID(chainhash.HashH([]byte("pending-deposit"))), OutputIndex: 0}
	req := model.DepositRequest{Key: key, Amount: 1000}

	require.NoError(t, o.LoadRequests(ctx, []model.DepositRequest{req}))

	_, err := store.GetDepositRequest(ctx, key)
	require.Error(t, err)
}
