package emily

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/keep-network/sbtc-signer/pkg/chain"
	"github.com/keep-network/sbtc-signer/pkg/sbtcerr"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

// Mock is an in-memory chain.EmilyInteract for tests.
type Mock struct {
	mu sync.Mutex

	Deposits    map[model.DepositKey]model.DepositRequest
	Withdrawals map[model.WithdrawalKey]model.WithdrawalRequest
	Limits      model.SbtcLimits
	ChainState  model.BitcoinBlock
}

// NewMock returns an empty Mock.
func NewMock() *Mock {
	return &Mock{
		Deposits:    make(map[model.DepositKey]model.DepositRequest),
		Withdrawals: make(map[model.WithdrawalKey]model.WithdrawalRequest),
	}
}

var _ chain.EmilyInteract = (*Mock)(nil)

func (m *Mock) GetDeposits(ctx context.Context) ([]model.DepositRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DepositRequest, 0, len(m.Deposits))
	for _, d := range m.Deposits {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Txid != out[j].Key.Txid {
			return out[i].Key.Txid.String() < out[j].Key.Txid.String()
		}
		return out[i].Key.OutputIndex < out[j].Key.OutputIndex
	})
	return out, nil
}

func (m *Mock) GetDeposit(ctx context.Context, key model.DepositKey) (model.DepositRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Deposits[key]
	if !ok {
		return model.DepositRequest{}, sbtcerr.NotFound("deposit")
	}
	return d, nil
}

func (m *Mock) GetDepositsByRecipient(ctx context.Context, recipient []byte) ([]model.DepositRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DepositRequest
	for _, d := range m.Deposits {
		if bytes.Equal(d.Recipient, recipient) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Mock) GetDepositsByReclaimPubkeys(ctx context.Context, fingerprint [32]byte) ([]model.DepositRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DepositRequest
	for _, d := range m.Deposits {
		xonly := make([][32]byte, 0, len(d.SenderScriptPubKeys))
		for _, k := range d.SenderScriptPubKeys {
			var x [32]byte
			copy(x[:], k)
			xonly = append(xonly, x)
		}
		if ReclaimPubkeysFingerprint(xonly) == fingerprint {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.OutputIndex < out[j].Key.OutputIndex
	})
	return out, nil
}

func (m *Mock) CreateDeposit(ctx context.Context, req model.DepositRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.Deposits[req.Key]; exists {
		return false, nil
	}
	m.Deposits[req.Key] = req
	return true, nil
}

func (m *Mock) UpdateDepositAsSigner(ctx context.Context, key model.DepositKey, status model.DepositStatus) error {
	return nil
}

func (m *Mock) GetWithdrawal(ctx context.Context, key model.WithdrawalKey) (model.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.Withdrawals[key]
	if !ok {
		return model.WithdrawalRequest{}, sbtcerr.NotFound("withdrawal")
	}
	return w, nil
}

func (m *Mock) CreateWithdrawal(ctx context.Context, req model.WithdrawalRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.Withdrawals[req.Key]; exists {
		return false, nil
	}
	m.Withdrawals[req.Key] = req
	return true, nil
}

func (m *Mock) UpdateWithdrawalAsSigner(ctx context.Context, key model.WithdrawalKey, status model.WithdrawalStatus) error {
	return nil
}

func (m *Mock) GetLimits(ctx context.Context) (model.SbtcLimits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Limits, nil
}

func (m *Mock) GetChainState(ctx context.Context) (model.BitcoinBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ChainState, nil
}
