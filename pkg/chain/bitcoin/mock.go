package bitcoin

import (
	"context"
	"sync"

	sbtcbitcoin "github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/chain"
	"github.com/keep-network/sbtc-signer/pkg/sbtcerr"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

// Mock is an in-memory chain.BitcoinInteract for tests: headers and raw
// transactions are registered directly rather than fetched over RPC.
type Mock struct {
	mu         sync.Mutex
	Headers    map[sbtcbitcoin.BlockHash]model.BitcoinBlock
	BlockTxs   map[sbtcbitcoin.BlockHash][]sbtcbitcoin.TxID
	RawTxs     map[sbtcbitcoin.TxID][]byte
	Mempool    []sbtcbitcoin.TxID
	Fee        chain.FeeEstimate
	Broadcasts [][]byte
	Tip        sbtcbitcoin.BlockHash
	TxInfos    map[sbtcbitcoin.TxID]sbtcbitcoin.TxInfo
	Confirmations map[sbtcbitcoin.TxID]sbtcbitcoin.BlockHash
}

// NewMock returns an empty Mock.
func NewMock() *Mock {
	return &Mock{
		Headers:  make(map[sbtcbitcoin.BlockHash]model.BitcoinBlock),
		BlockTxs: make(map[sbtcbitcoin.BlockHash][]sbtcbitcoin.TxID),
		RawTxs:   make(map[sbtcbitcoin.TxID][]byte),
		TxInfos:  make(map[sbtcbitcoin.TxID]sbtcbitcoin.TxInfo),
		Confirmations: make(map[sbtcbitcoin.TxID]sbtcbitcoin.BlockHash),
	}
}

var _ chain.BitcoinInteract = (*Mock)(nil)

func (m *Mock) GetBlockHeader(ctx context.Context, hash sbtcbitcoin.BlockHash) (model.BitcoinBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Headers[hash]
	if !ok {
		return model.BitcoinBlock{}, sbtcerr.ErrUnknownBitcoinBlock
	}
	return b, nil
}

func (m *Mock) GetBlock(ctx context.Context, hash sbtcbitcoin.BlockHash) ([]sbtcbitcoin.TxID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BlockTxs[hash], nil
}

func (m *Mock) GetRawTransaction(ctx context.Context, txid sbtcbitcoin.TxID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.RawTxs[txid]
	if !ok {
		return nil, sbtcerr.NotFound("raw transaction")
	}
	return raw, nil
}

func (m *Mock) GetTxInfo(ctx context.Context, txid sbtcbitcoin.TxID, blockHash sbtcbitcoin.BlockHash) (sbtcbitcoin.TxInfo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.TxInfos[txid]
	return info, ok, nil
}

func (m *Mock) GetTxConfirmingBlock(ctx context.Context, txid sbtcbitcoin.TxID) (sbtcbitcoin.BlockHash, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.Confirmations[txid]
	return hash, ok, nil
}

func (m *Mock) GetRawMempool(ctx context.Context) ([]sbtcbitcoin.TxID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Mempool, nil
}

func (m *Mock) EstimateSmartFee(ctx context.Context, confTarget int) (chain.FeeEstimate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Fee, nil
}

func (m *Mock) SendRawTransaction(ctx context.Context, raw []byte) (sbtcbitcoin.TxID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Broadcasts = append(m.Broadcasts, raw)
	return sbtcbitcoin.TxID{}, nil
}

func (m *Mock) BestBlockHash(ctx context.Context) (sbtcbitcoin.BlockHash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Tip, nil
}
