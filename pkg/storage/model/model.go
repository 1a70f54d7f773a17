// Package model holds the persisted entities of spec §3. These are plain
// data types; the Store interfaces in pkg/storage define the operations
// over them.
package model

import (
	"time"

	"github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/keys"
)

// BitcoinBlock is a node in the Bitcoin block DAG (spec §3).
type BitcoinBlock struct {
	BlockHash  bitcoin.BlockHash
	Height     uint64
	ParentHash bitcoin.BlockHash
}

// ContractChainBlock anchors a contract-chain tenure to the Bitcoin block
// that started it (spec §3).
type ContractChainBlock struct {
	BlockHash     [32]byte
	Height        uint64
	ParentHash    [32]byte
	BitcoinAnchor bitcoin.BlockHash
}

// DepositKey is the unique key of a DepositRequest.
type DepositKey struct {
	Txid        bitcoin.TxID
	OutputIndex uint32
}

// DepositRequest is immutable once written (spec §3).
type DepositRequest struct {
	Key                 DepositKey
	Amount              uint64
	MaxFee              uint64
	LockTime            uint32
	Recipient           []byte
	SignersPublicKey    keys.PublicKey
	DepositScript       []byte
	ReclaimScript       []byte
	SenderScriptPubKeys [][]byte
}

// DepositSignerVote is insertion-only: one vote per (request, signer).
type DepositSignerVote struct {
	Deposit      DepositKey
	SignerPubKey keys.PublicKey
	CanAccept    bool
	CanSign      bool
}

// WithdrawalKey is the unique key of a WithdrawalRequest.
type WithdrawalKey struct {
	RequestID       uint64
	StacksBlockHash [32]byte
}

// WithdrawalRequest is immutable once written (spec §3).
type WithdrawalRequest struct {
	Key               WithdrawalKey
	Txid              [32]byte
	Recipient         []byte
	Amount            uint64
	MaxFee            uint64
	SenderAddress     string
	BitcoinBlockHeight uint64
}

// WithdrawalSignerVote is insertion-only.
type WithdrawalSignerVote struct {
	Withdrawal WithdrawalKey
	Signer     keys.PublicKey
	IsAccepted bool
}

// DkgSharesStatus is the lifecycle state of an EncryptedDkgShares row.
// Unverified -> Verified is terminal; Unverified -> Failed is terminal.
type DkgSharesStatus int

const (
	DkgSharesUnverified DkgSharesStatus = iota
	DkgSharesVerified
	DkgSharesFailed
)

func (s DkgSharesStatus) String() string {
	switch s {
	case DkgSharesVerified:
		return "verified"
	case DkgSharesFailed:
		return "failed"
	default:
		return "unverified"
	}
}

// Terminal reports whether the status can never change again.
func (s DkgSharesStatus) Terminal() bool {
	return s == DkgSharesVerified || s == DkgSharesFailed
}

// EncryptedDkgShares is keyed by aggregate_key (spec §3).
type EncryptedDkgShares struct {
	AggregateKey               keys.PublicKey
	TweakedAggregateKey        [32]byte
	ScriptPubKey               []byte
	EncryptedPrivateShares     []byte
	PublicShares               []byte
	SignerSetPublicKeys        []keys.PublicKey
	SignatureShareThreshold    uint32
	Status                     DkgSharesStatus
	StartedAtBitcoinBlockHash  bitcoin.BlockHash
	StartedAtBitcoinBlockHeight uint64
}

// KeyRotationEvent is the record of an observed rotate-keys contract call.
type KeyRotationEvent struct {
	Txid          [32]byte
	BlockHash     [32]byte
	Address       string
	AggregateKey  keys.PublicKey
	SignerSet     []keys.PublicKey
	SignaturesRequired uint32
}

// BitcoinTxSighash records a signer's irrevocable decision for one input
// under one chain tip (spec §3). A row is terminal once written.
type BitcoinTxSighash struct {
	Sighash          [32]byte
	Txid             bitcoin.TxID
	Prevout          bitcoin.OutPoint
	ChainTip         bitcoin.BlockHash
	PrevoutType      bitcoin.PrevoutType
	ValidationResult string
	IsValidTx        bool
	WillSign         bool
	AggregateKey     keys.PublicKey
}

// BitcoinWithdrawalOutput records a signer's decision to include a
// withdrawal in a proposed sweep, bound to a chain tip.
type BitcoinWithdrawalOutput struct {
	BitcoinTxid      bitcoin.TxID
	OutputIndex      uint32
	Withdrawal       WithdrawalKey
	ChainTip         bitcoin.BlockHash
	ValidationResult string
	IsValidTx        bool
}

// CompletedDepositEvent is parsed from the contract chain: authoritative
// "already finalized" signal for a deposit.
type CompletedDepositEvent struct {
	Deposit   DepositKey
	Txid      [32]byte
	BlockHash [32]byte
	SweepTxid bitcoin.TxID
}

// WithdrawalAcceptEvent is parsed from the contract chain.
type WithdrawalAcceptEvent struct {
	Withdrawal WithdrawalKey
	Txid       [32]byte
	BlockHash  [32]byte
	SweepTxid  bitcoin.TxID
}

// WithdrawalRejectEvent is parsed from the contract chain.
type WithdrawalRejectEvent struct {
	Withdrawal WithdrawalKey
	Txid       [32]byte
	BlockHash  [32]byte
}

// SignerUTXO is the current signer-controlled unspent output, the anchor
// for the next sweep transaction (spec §4.1 signer_utxo).
type SignerUTXO struct {
	Outpoint     bitcoin.OutPoint
	Amount       uint64
	ScriptPubKey []byte
	AggregateKey keys.PublicKey
}

// DepositStatus is the effective, derived status of a deposit request.
type DepositStatus int

const (
	DepositUnconfirmed DepositStatus = iota
	DepositConfirmed
	DepositSpent
)

// DepositReport is the result of Store.DepositRequestReport.
type DepositReport struct {
	Status           DepositStatus
	ConfirmedHeight  uint64
	ConfirmedHash    bitcoin.BlockHash
	SweepTxid        bitcoin.TxID
	CanSign          bool
	CanAccept        bool
	Amount           uint64
	MaxFee           uint64
	LockTime         uint32
	Outpoint         bitcoin.OutPoint
	DepositScript    []byte
	ReclaimScript    []byte
	SignersPublicKey keys.PublicKey
	DkgSharesStatus  DkgSharesStatus
}

// WithdrawalStatus is the effective, derived status of a withdrawal
// request.
type WithdrawalStatus int

const (
	WithdrawalUnconfirmed WithdrawalStatus = iota
	WithdrawalConfirmed
	WithdrawalFulfilled
)

// WithdrawalReport is the result of Store.WithdrawalRequestReport.
type WithdrawalReport struct {
	Status             WithdrawalStatus
	FulfillingTxid     bitcoin.TxID
	IsAccepted         bool
	Amount             uint64
	MaxFee             uint64
	Recipient          []byte
	BitcoinBlockHeight uint64
}

// TxPrevout and TxOutput alias the bitcoin package's sweep-transaction
// input/output records so storage call sites can refer to them under
// the model package without a second import.
type TxPrevout = bitcoin.TxPrevout
type TxOutput = bitcoin.TxOutput

// BitcoinTxRef pairs a txid with the block it was observed in.
type BitcoinTxRef struct {
	Txid      bitcoin.TxID
	BlockHash bitcoin.BlockHash
}

// SignerSetInfo is the registry's view of the current signer set (spec
// §4.7, "get_current_signer_set_info").
type SignerSetInfo struct {
	SignerSet          []keys.PublicKey
	SignaturesRequired uint32
	AggregateKey       keys.PublicKey
}

// SbtcLimits mirrors the peg-limit fields refreshed from the gateway
// (spec §6 / §4.2 step 5).
type SbtcLimits struct {
	TotalCap              uint64
	PerDepositMinimum     uint64
	PerDepositCap         uint64
	PerWithdrawalCap      uint64
	RollingWithdrawalBlocks uint32
	RollingWithdrawalCap  uint64
	WithdrawnTotal        uint64
	MaxMintable           uint64
}

// ObservedAt is a timestamp helper used by gateway-sourced records that
// need wall-clock time; it's threaded in explicitly by callers rather than
// sampled internally, keeping this package deterministic for tests.
type ObservedAt = time.Time
