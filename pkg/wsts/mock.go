package wsts

import (
	"context"

	"github.com/binance-chain/tss-lib/ecdsa/keygen"
	"github.com/binance-chain/tss-lib/tss"

	"github.com/keep-network/sbtc-signer/pkg/keys"
)

// MockExecutor is a fake DKGExecutor/SigningExecutor for tests: it skips
// the tss-lib state machine entirely and returns a fixed result, so
// coordinator/signer tests can exercise the surrounding bookkeeping
// (verification windows, nonce sequencing, vote gating) without running
// real threshold cryptography.
type MockExecutor struct {
	AggregateKey keys.PublicKey
	Signature    []byte
}

var _ interface {
	DKGExecutor
	SigningExecutor
} = (*MockExecutor)(nil)

func (m *MockExecutor) RunDKG(ctx context.Context, self *PartyID, parties []*PartyID, threshold int, incoming <-chan tss.Message, outgoing chan<- tss.Message) (*Result, error) {
	return &Result{AggregateKey: m.AggregateKey}, nil
}

func (m *MockExecutor) Sign(ctx context.Context, self *PartyID, parties []*PartyID, save keygen.LocalPartySaveData, sighash [32]byte, incoming <-chan tss.Message, outgoing chan<- tss.Message) (*SignedResult, error) {
	return &SignedResult{PublicKey: m.AggregateKey, Signature: m.Signature, ResultHash: sighash}, nil
}
