package storage

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/keys"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

func hashFromByte(b byte) bitcoin.BlockHash {
	var h bitcoin.BlockHash
	h[0] = b
	return h
}

func chain(t *testing.T, s Store, n int) []bitcoin.BlockHash {
	t.Helper()
	var hashes []bitcoin.BlockHash
	var parent bitcoin.BlockHash
	for i := 1; i <= n; i++ {
		h := hashFromByte(byte(i))
		require.NoError(t, s.WriteBitcoinBlock(context.Background(), model.BitcoinBlock{
			BlockHash:  h,
			Height:     uint64(i),
			ParentHash: parent,
		}))
		hashes = append(hashes, h)
		parent = h
	}
	return hashes
}

func TestCanonicalBitcoinTipPicksGreatestHeight(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	blocks := chain(t, s, 5)

	tip, err := s.CanonicalBitcoinTip(ctx)
	require.NoError(t, err)
	require.Equal(t, blocks[len(blocks)-1], tip.BlockHash)
	require.Equal(t, uint64(5), tip.Height)
}

func TestCanonicalBitcoinTipNoBlocks(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.CanonicalBitcoinTip(context.Background())
	require.Error(t, err)
}

func TestInCanonicalBitcoinBlockchain(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	blocks := chain(t, s, 4)

	ok, err := s.InCanonicalBitcoinBlockchain(ctx, blocks[3], blocks[1])
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.InCanonicalBitcoinBlockchain(ctx, blocks[1], blocks[3])
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSignerUTXOFallsBackToDonation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	blocks := chain(t, s, 3)

	donationTxid := hashFromByte(0xd0)
	require.NoError(t, s.WriteSweepTransaction(ctx, donationTxid, blocks[0], nil, []model.TxOutput{
		{Txid: donationTxid, OutputIndex: 0, Amount: 50000, OutputType: bitcoin.OutputDonation},
	}))

	utxo, err := s.SignerUTXO(ctx, blocks[2])
	require.NoError(t, err)
	require.Equal(t, donationTxid, utxo.Outpoint.TxID)
	require.Equal(t, uint64(50000), utxo.Amount)
}

func TestSignerUTXONoneAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	chain(t, s, 2)

	_, err := s.SignerUTXO(ctx, hashFromByte(2))
	require.Error(t, err)
}

func TestSignerUTXOPrefersDeeplyConfirmedSweepOverSpentDonation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	blocks := chain(t, s, 15)

	donationTxid := hashFromByte(0xd0)
	require.NoError(t, s.WriteSweepTransaction(ctx, donationTxid, blocks[0], nil, []model.TxOutput{
		{Txid: donationTxid, OutputIndex: 0, Amount: 1000, OutputType: bitcoin.OutputDonation},
	}))

	sweepTxid := hashFromByte(0xa0)
	require.NoError(t, s.WriteSweepTransaction(ctx, sweepTxid, blocks[1], []model.TxPrevout{
		{Txid: sweepTxid, PrevoutTxid: donationTxid, PrevoutIndex: 0, PrevoutType: bitcoin.PrevoutSignersInput},
	}, []model.TxOutput{
		{Txid: sweepTxid, OutputIndex: 0, Amount: 900, OutputType: bitcoin.OutputSignersOutput},
	}))

	utxo, err := s.SignerUTXO(ctx, blocks[len(blocks)-1])
	require.NoError(t, err)
	require.Equal(t, sweepTxid, utxo.Outpoint.TxID)
	require.Equal(t, uint64(900), utxo.Amount)
}

func TestSignerUTXOChainsAcrossSuccessiveSweeps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	blocks := chain(t, s, 20)

	donationTxid := hashFromByte(0xd0)
	require.NoError(t, s.WriteSweepTransaction(ctx, donationTxid, blocks[0], nil, []model.TxOutput{
		{Txid: donationTxid, OutputIndex: 0, Amount: 1000, OutputType: bitcoin.OutputDonation},
	}))

	// First sweep is confirmed deep enough to anchor the scan.
	firstSweepTxid := hashFromByte(0xa0)
	require.NoError(t, s.WriteSweepTransaction(ctx, firstSweepTxid, blocks[1], []model.TxPrevout{
		{Txid: firstSweepTxid, PrevoutTxid: donationTxid, PrevoutIndex: 0, PrevoutType: bitcoin.PrevoutSignersInput},
	}, []model.TxOutput{
		{Txid: firstSweepTxid, OutputIndex: 0, Amount: 900, OutputType: bitcoin.OutputSignersOutput},
	}))

	// A second sweep spends the first sweep's output only two blocks
	// before the tip — well inside MaxReorgBlockCount — and must still be
	// selectable, otherwise the cohort could never chain sweeps.
	secondSweepTxid := hashFromByte(0xa1)
	require.NoError(t, s.WriteSweepTransaction(ctx, secondSweepTxid, blocks[17], []model.TxPrevout{
		{Txid: secondSweepTxid, PrevoutTxid: firstSweepTxid, PrevoutIndex: 0, PrevoutType: bitcoin.PrevoutSignersInput},
	}, []model.TxOutput{
		{Txid: secondSweepTxid, OutputIndex: 0, Amount: 800, OutputType: bitcoin.OutputSignersOutput},
	}))

	utxo, err := s.SignerUTXO(ctx, blocks[len(blocks)-1])
	require.NoError(t, err)
	require.Equal(t, secondSweepTxid, utxo.Outpoint.TxID)
	require.Equal(t, uint64(800), utxo.Amount)
}

func TestPendingAcceptedDepositRequestsWindowAndVotes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	blocks := chain(t, s, 20)

	depositTxid := hashFromByte(0xaa)
	depKey := model.DepositKey{Txid: depositTxid, OutputIndex: 0}
	require.NoError(t, s.WriteDepositRequest(ctx, model.DepositRequest{
		Key:      depKey,
		Amount:   100000,
		LockTime: 1000,
	}))
	require.NoError(t, s.ConfirmDepositRequest(ctx, depKey, blocks[18]))

	signer1, _ := keys.ParsePublicKey(testPubKeyBytes(1))
	signer2, _ := keys.ParsePublicKey(testPubKeyBytes(2))
	require.NoError(t, s.WriteDepositSignerVote(ctx, model.DepositSignerVote{Deposit: depKey, SignerPubKey: signer1, CanAccept: true, CanSign: true}))

	reqs, err := s.PendingAcceptedDepositRequests(ctx, blocks[19], 10, 2)
	require.NoError(t, err)
	require.Empty(t, reqs, "below vote threshold")

	require.NoError(t, s.WriteDepositSignerVote(ctx, model.DepositSignerVote{Deposit: depKey, SignerPubKey: signer2, CanAccept: true, CanSign: true}))
	reqs, err = s.PendingAcceptedDepositRequests(ctx, blocks[19], 10, 2)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, depKey, reqs[0].Key)
}

func TestIsWithdrawalActiveProtectsAgainstFork(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	blocks := chain(t, s, 5)

	wkey := model.WithdrawalKey{RequestID: 1}
	proposalTxid := hashFromByte(0xb0)
	require.NoError(t, s.WriteWithdrawalOutputDecision(ctx, model.BitcoinWithdrawalOutput{
		BitcoinTxid: proposalTxid,
		OutputIndex: 0,
		Withdrawal:  wkey,
		IsValidTx:   true,
	}))

	active, err := s.IsWithdrawalActive(ctx, wkey, blocks[4], 6)
	require.NoError(t, err)
	require.True(t, active, "no subsequent signer utxo confirmed since proposal")
}

func testPubKeyBytes(i byte) []byte {
	scalar := make([]byte, 32)
	scalar[31] = i
	_, pub := btcec.PrivKeyFromBytes(scalar)
	return pub.SerializeCompressed()
}
