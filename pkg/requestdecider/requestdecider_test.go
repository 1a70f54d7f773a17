package requestdecider

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	sbtcbitcoin "github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/blocklist"
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

func newTestDecider(t *testing.T, cfg config.Config, identity keys.PublicKey, checker blocklist.Checker) (*RequestDecider, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	ctx := sbtccontext.New(sbtccontext.Deps{
		Config:  cfg,
		Store:   store,
		Bitcoin: bitcoinchain.NewMock(),
		Stacks:  stacks.NewMock(),
		Emily:   emily.NewMock(),
	})
	return New(ctx, identity, checker), store
}

func writeTip(t *testing.T, store storage.Store, hash sbtcbitcoin.BlockHash, height uint64) {
	t.Helper()
	require.NoError(t, store.WriteBitcoinBlock(context.Background(), model.BitcoinBlock{BlockHash: hash, Height: height}))
}

func TestDecideDepositVotesCanAcceptFalseWhenSenderBlocked(t *testing.T) {
	identity := testPublicKey(t)
	checker := blocklist.NewMock()
	checker.Blocked["626164"] = true // hex("bad")

	cfg := config.Default()
	d, store := newTestDecider(t, *cfg, identity, checker)
	ctx := context.Background()

	tip := hashOf(1)
	writeTip(t, store, tip, 1)
	d.ctx.State().UpdateBitcoinChainTip(model.BitcoinBlock{BlockHash: tip, Height: 1})

	key := model.DepositKey{Txid: sbtcbitcoin.TxID(chainhash.HashH([]byte("dep"))), OutputIndex: 0}
	req := model.DepositRequest{
		Key:                 key,
		Amount:              1000,
		SignersPublicKey:    testPublicKey(t),
		SenderScriptPubKeys: [][]byte{[]byte("bad")},
	}
	require.NoError(t, store.WriteDepositRequest(ctx, req))
	require.NoError(t, store.ConfirmDepositRequest(ctx, key, tip))

	require.NoError(t, d.DecideAll(ctx))

	votes, err := store.DepositRequestReport(ctx, tip, key, identity)
	require.NoError(t, err)
	require.False(t, votes.CanAccept)
}

func TestDecideDepositVotesCanSignTrueWhenSignerInDkgSet(t *testing.T) {
	identity := testPublicKey(t)
	aggregateKey := testPublicKey(t)
	checker := blocklist.NewMock()

	cfg := config.Default()
	d, store := newTestDecider(t, *cfg, identity, checker)
	ctx := context.Background()

	require.NoError(t, store.WriteEncryptedDkgShares(ctx, model.EncryptedDkgShares{
		AggregateKey:        aggregateKey,
		Status:              model.DkgSharesVerified,
		SignerSetPublicKeys: []keys.PublicKey{identity},
	}))

	tip := hashOf(1)
	writeTip(t, store, tip, 1)
	d.ctx.State().UpdateBitcoinChainTip(model.BitcoinBlock{BlockHash: tip, Height: 1})

	key := model.DepositKey{Txid: sbtcbitcoin.TxID(chainhash.HashH([]byte("dep2"))), OutputIndex: 0}
	req := model.DepositRequest{
		Key:              key,
		Amount:           1000,
		SignersPublicKey: aggregateKey,
	}
	require.NoError(t, store.WriteDepositRequest(ctx, req))
	require.NoError(t, store.ConfirmDepositRequest(ctx, key, tip))

	require.NoError(t, d.DecideAll(ctx))

	report, err := store.DepositRequestReport(ctx, tip, key, identity)
	require.NoError(t, err)
	require.True(t, report.CanSign)
	require.True(t, report.CanAccept)
}

func TestDecideWithdrawalVotesIsAcceptedFalseWhenSenderBlocked(t *testing.T) {
	identity := testPublicKey(t)
	checker := blocklist.NewMock()
	checker.Blocked["SP_BAD_SENDER"] = true

	cfg := config.Default()
	d, store := newTestDecider(t, *cfg, identity, checker)
	ctx := context.Background()

	tip := hashOf(1)
	writeTip(t, store, tip, 1)

	contractTip := model.ContractChainBlock{BlockHash: [32]byte{1}, Height: 1, BitcoinAnchor: tip}
	require.NoError(t, store.WriteContractChainBlock(ctx, contractTip))
	d.ctx.State().UpdateBitcoinChainTip(model.BitcoinBlock{BlockHash: tip, Height: 1})
	d.ctx.State().UpdateContractChainTip(contractTip)

	key := model.WithdrawalKey{RequestID: 1, StacksBlockHash: contractTip.BlockHash}
	req := model.WithdrawalRequest{
		Key:                key,
		Amount:             500,
		SenderAddress:      "SP_BAD_SENDER",
		BitcoinBlockHeight: 1,
	}
	require.NoError(t, store.WriteWithdrawalRequest(ctx, req))

	require.NoError(t, d.DecideAll(ctx))

	report, err := store.WithdrawalRequestReport(ctx, tip, contractTip, key, identity)
	require.NoError(t, err)
	require.False(t, report.IsAccepted)
}

func TestDecideAllIsIdempotent(t *testing.T) {
	identity := testPublicKey(t)
	checker := blocklist.NewMock()

	cfg := config.Default()
	d, store := newTestDecider(t, *cfg, identity, checker)
	ctx := context.Background()

	tip := hashOf(1)
	writeTip(t, store, tip, 1)
	d.ctx.State().UpdateBitcoinChainTip(model.BitcoinBlock{BlockHash: tip, Height: 1})

	key := model.DepositKey{Txid: sbtcbitcoin.TxID(chainhash.HashH([]byte("dep3"))), OutputIndex: 0}
	req := model.DepositRequest{Key: key, Amount: 1000, SignersPublicKey: testPublicKey(t)}
	require.NoError(t, store.WriteDepositRequest(ctx, req))
	require.NoError(t, store.ConfirmDepositRequest(ctx, key, tip))

	require.NoError(t, d.DecideAll(ctx))
	require.NoError(t, d.DecideAll(ctx))

	pending, err := store.DepositRequestsAwaitingVote(ctx, tip, uint64(cfg.Signer.ContextWindow), identity)
	require.NoError(t, err)
	require.Empty(t, pending)
}
