package stacks

import (
	"context"
	"sync"

	"github.com/keep-network/sbtc-signer/pkg/chain"
	"github.com/keep-network/sbtc-signer/pkg/keys"
	"github.com/keep-network/sbtc-signer/pkg/sbtcerr"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

// Mock is an in-memory chain.StacksInteract for tests.
type Mock struct {
	mu sync.Mutex

	Tenure       chain.TenureInfo
	Blocks       map[[32]byte]model.ContractChainBlock
	PoxStart     uint64
	Accounts     map[string]chain.AccountInfo
	Submitted    [][]byte
	AggregateKey keys.PublicKey
	SignerSet    model.SignerSetInfo
	Completed    map[model.DepositKey]bool
	WCompleted   map[model.WithdrawalKey]bool
	TotalSupply  uint64
	Sortition    chain.SortitionInfo
}

// NewMock returns an empty Mock.
func NewMock() *Mock {
	return &Mock{
		Blocks:     make(map[[32]byte]model.ContractChainBlock),
		Accounts:   make(map[string]chain.AccountInfo),
		Completed:  make(map[model.DepositKey]bool),
		WCompleted: make(map[model.WithdrawalKey]bool),
	}
}

var _ chain.StacksInteract = (*Mock)(nil)

func (m *Mock) GetTenureInfo(ctx context.Context) (chain.TenureInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Tenure, nil
}

func (m *Mock) GetBlock(ctx context.Context, blockID [32]byte) (model.ContractChainBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Blocks[blockID]
	if !ok {
		return model.ContractChainBlock{}, sbtcerr.NotFound("contract chain block")
	}
	return b, nil
}

func (m *Mock) GetTenure(ctx context.Context, tenureID [32]byte) ([]model.ContractChainBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ContractChainBlock
	for _, b := range m.Blocks {
		out = append(out, b)
	}
	return out, nil
}

func (m *Mock) GetPoxInfo(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PoxStart, nil
}

func (m *Mock) GetAccount(ctx context.Context, address string) (chain.AccountInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Accounts[address], nil
}

func (m *Mock) EstimateFees(ctx context.Context, txPayload []byte) (uint64, error) {
	return 1000, nil
}

func (m *Mock) SubmitTx(ctx context.Context, signedTx []byte) ([32]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Submitted = append(m.Submitted, signedTx)
	return [32]byte{}, nil
}

func (m *Mock) GetContractSource(ctx context.Context, address, name string) (string, error) {
	return "", sbtcerr.NotFound("contract source")
}

func (m *Mock) GetCurrentSignersAggregateKey(ctx context.Context) (keys.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.AggregateKey, nil
}

func (m *Mock) GetCurrentSignerSetInfo(ctx context.Context) (model.SignerSetInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SignerSet, nil
}

func (m *Mock) IsDepositCompleted(ctx context.Context, key model.DepositKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Completed[key], nil
}

func (m *Mock) IsWithdrawalCompleted(ctx context.Context, key model.WithdrawalKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.WCompleted[key], nil
}

func (m *Mock) GetSbtcTotalSupply(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TotalSupply, nil
}

func (m *Mock) GetSortitionInfo(ctx context.Context) (chain.SortitionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Sortition, nil
}
