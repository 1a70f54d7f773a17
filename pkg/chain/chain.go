// Package chain defines the capability-set interfaces the signer core
// consumes to talk to the Bitcoin node, the contract-chain node, and the
// Emily gateway (spec §6, §9 "dynamic dispatch becomes a capability-set
// interface"). Real implementations live in the bitcoin/stacks/emily
// subpackages; tests substitute mocks assembled the same way the teacher's
// Chain interface is composed from sub-interfaces in pkg/tbtc/chain.go.
package chain

import (
	"context"

	"github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/keys"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

// FeeEstimate is the result of a fee-rate query, in sats/vbyte.
type FeeEstimate struct {
	SatsPerVByte float64
}

// BitcoinInteract is the subset of Bitcoin Core's JSON-RPC surface the
// signer core consumes (spec §6 "Bitcoin node").
type BitcoinInteract interface {
	GetBlockHeader(ctx context.Context, hash bitcoin.BlockHash) (model.BitcoinBlock, error)
	GetBlock(ctx context.Context, hash bitcoin.BlockHash) ([]bitcoin.TxID, error)
	GetRawTransaction(ctx context.Context, txid bitcoin.TxID) ([]byte, error)
	GetRawMempool(ctx context.Context) ([]bitcoin.TxID, error)
	// GetTxInfo resolves txid's inputs' prevouts and outputs; found is
	// false when bitcoin-core has no record of the transaction.
	GetTxInfo(ctx context.Context, txid bitcoin.TxID, blockHash bitcoin.BlockHash) (info bitcoin.TxInfo, found bool, err error)
	// GetTxConfirmingBlock reports the block a transaction has been
	// confirmed in, if any; confirmed is false while the transaction is
	// only known from the mempool (or not known at all).
	GetTxConfirmingBlock(ctx context.Context, txid bitcoin.TxID) (hash bitcoin.BlockHash, confirmed bool, err error)
	EstimateSmartFee(ctx context.Context, confTarget int) (FeeEstimate, error)
	SendRawTransaction(ctx context.Context, raw []byte) (bitcoin.TxID, error)
	BestBlockHash(ctx context.Context) (bitcoin.BlockHash, error)
}

// TenureInfo is a contract-chain tenure descriptor (spec §6
// "get_tenure_info").
type TenureInfo struct {
	ConsensusHash  [32]byte
	TenureBlockID  [32]byte
	ParentTenureID [32]byte
	BitcoinAnchor  bitcoin.BlockHash
}

// AccountInfo is a contract-chain account's nonce/balance (spec §6
// "get_account").
type AccountInfo struct {
	Nonce   uint64
	Balance uint64
}

// SortitionInfo reports whether the local signer won the current
// tenure's sortition (spec §6 "get_sortition_info").
type SortitionInfo struct {
	WonSortition bool
	BurnBlockHeight uint64
}

// StacksInteract is the subset of the contract-chain node's RPC surface
// the signer core consumes (spec §6 "Contract-chain node").
type StacksInteract interface {
	GetTenureInfo(ctx context.Context) (TenureInfo, error)
	GetBlock(ctx context.Context, blockID [32]byte) (model.ContractChainBlock, error)
	GetTenure(ctx context.Context, tenureID [32]byte) ([]model.ContractChainBlock, error)
	GetPoxInfo(ctx context.Context) (uint64, error)
	GetAccount(ctx context.Context, address string) (AccountInfo, error)
	EstimateFees(ctx context.Context, txPayload []byte) (uint64, error)
	SubmitTx(ctx context.Context, signedTx []byte) ([32]byte, error)
	GetContractSource(ctx context.Context, address, name string) (string, error)
	GetCurrentSignersAggregateKey(ctx context.Context) (keys.PublicKey, error)
	GetCurrentSignerSetInfo(ctx context.Context) (model.SignerSetInfo, error)
	IsDepositCompleted(ctx context.Context, key model.DepositKey) (bool, error)
	IsWithdrawalCompleted(ctx context.Context, key model.WithdrawalKey) (bool, error)
	GetSbtcTotalSupply(ctx context.Context) (uint64, error)
	GetSortitionInfo(ctx context.Context) (SortitionInfo, error)
}

// EmilyInteract is the Emily gateway's HTTP/JSON surface the signer core
// consumes (spec §6 "Gateway service").
type EmilyInteract interface {
	// GetDeposits lists every deposit Emily has recorded as pending,
	// regardless of recipient or reclaim key, for the block observer's
	// per-tenure sweep of new requests.
	GetDeposits(ctx context.Context) ([]model.DepositRequest, error)
	GetDeposit(ctx context.Context, key model.DepositKey) (model.DepositRequest, error)
	GetDepositsByRecipient(ctx context.Context, recipient []byte) ([]model.DepositRequest, error)
	// GetDepositsByReclaimPubkeys looks up deposits sharing a
	// reclaim-script pubkey set, keyed by the sha256-over-sorted-keys
	// fingerprint (spec §6 "dash-separated 32-byte hex x-only keys").
	GetDepositsByReclaimPubkeys(ctx context.Context, fingerprint [32]byte) ([]model.DepositRequest, error)
	// CreateDeposit reports created=false when the gateway recognized a
	// duplicate (spec §6 "returns 201 on new, 200 on duplicate").
	CreateDeposit(ctx context.Context, req model.DepositRequest) (created bool, err error)
	UpdateDepositAsSigner(ctx context.Context, key model.DepositKey, status model.DepositStatus) error

	GetWithdrawal(ctx context.Context, key model.WithdrawalKey) (model.WithdrawalRequest, error)
	CreateWithdrawal(ctx context.Context, req model.WithdrawalRequest) (created bool, err error)
	UpdateWithdrawalAsSigner(ctx context.Context, key model.WithdrawalKey, status model.WithdrawalStatus) error

	GetLimits(ctx context.Context) (model.SbtcLimits, error)
	GetChainState(ctx context.Context) (model.BitcoinBlock, error)
}
