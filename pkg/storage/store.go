// Package storage defines the persistence contract of spec §3/§4.1 and
// provides an in-memory implementation of it. The interface split
// (DbRead/DbWrite/Transactable) follows the keep-core convention of
// separating read and write surfaces so callers that only observe chain
// state (e.g. the request decider) don't import write methods by accident.
package storage

import (
	"context"

	"github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/keys"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

// DbRead is the read-only query surface every component depends on.
// Every method corresponds to a named query contract in spec §4.1.
type DbRead interface {
	// CanonicalBitcoinTip returns the (hash, height) maximizing
	// (height, hash) lexicographically, or sbtcerr.ErrNoChainTip.
	CanonicalBitcoinTip(ctx context.Context) (model.BitcoinBlock, error)

	// CanonicalContractTip walks Bitcoin ancestors from tip while joining
	// contract-chain blocks whose BitcoinAnchor is on the path, returning
	// the one of maximum (height, hash). ok is false if no anchored
	// contract block exists on the path.
	CanonicalContractTip(ctx context.Context, tip bitcoin.BlockHash) (block model.ContractChainBlock, ok bool, err error)

	// BitcoinBlockchainUntil returns the sequence of blocks from tip
	// walking parents while height >= minHeight, newest first.
	BitcoinBlockchainUntil(ctx context.Context, tip bitcoin.BlockHash, minHeight uint64) ([]model.BitcoinBlock, error)

	// GetBitcoinBlock looks up a single known block by hash.
	GetBitcoinBlock(ctx context.Context, hash bitcoin.BlockHash) (model.BitcoinBlock, error)

	// InCanonicalBitcoinBlockchain reports whether candidate lies on the
	// ancestor path of tip.
	InCanonicalBitcoinBlockchain(ctx context.Context, tip, candidate bitcoin.BlockHash) (bool, error)

	// GetDepositRequest returns the immutable request row.
	GetDepositRequest(ctx context.Context, key model.DepositKey) (model.DepositRequest, error)

	// DepositRequestsAwaitingVote returns confirmed deposits within
	// window blocks of tip that signer has not yet cast a vote on
	// (spec §4.3's "not-yet-voted... within a configured context
	// window").
	DepositRequestsAwaitingVote(ctx context.Context, tip bitcoin.BlockHash, window uint64, signer keys.PublicKey) ([]model.DepositRequest, error)

	// WithdrawalRequestsAwaitingVote returns withdrawals anchored on
	// contractTip's ancestor path, confirmed within window Bitcoin
	// blocks of tip, that signer has not yet cast a vote on.
	WithdrawalRequestsAwaitingVote(ctx context.Context, tip bitcoin.BlockHash, contractTip model.ContractChainBlock, window uint64, signer keys.PublicKey) ([]model.WithdrawalRequest, error)

	// PendingAcceptedDepositRequests implements spec §4.1's named query:
	// deposits confirmed within window blocks of tip, with >= threshold
	// votes carrying both can_accept and can_sign, satisfying the
	// lock-time buffer, and with no confirmed spending input.
	PendingAcceptedDepositRequests(ctx context.Context, tip bitcoin.BlockHash, window uint64, threshold uint32) ([]model.DepositRequest, error)

	// PendingAcceptedWithdrawalRequests implements spec §4.1's named
	// query over the contract chain.
	PendingAcceptedWithdrawalRequests(ctx context.Context, tip bitcoin.BlockHash, contractTip model.ContractChainBlock, minBitcoinHeight uint64, threshold uint32) ([]model.WithdrawalRequest, error)

	// PendingRejectedWithdrawalRequests returns withdrawals that have
	// cleared the is_withdrawal_active check and are not yet marked
	// rejected on the contract chain, candidates for reject-withdrawal.
	PendingRejectedWithdrawalRequests(ctx context.Context, tip bitcoin.BlockHash, contractTip model.ContractChainBlock, minConfirmations uint64) ([]model.WithdrawalRequest, error)

	// SignerUTXO implements spec §4.1's three-way fallback: the largest
	// unspent signers' output confirmed at or above the height of the
	// newest sweep that is at least MaxReorgBlockCount blocks deep (the
	// output itself may be shallower), else earliest donation UTXO, else
	// sbtcerr.KindNotFound.
	SignerUTXO(ctx context.Context, tip bitcoin.BlockHash) (model.SignerUTXO, error)

	// IsWithdrawalActive implements spec §4.1's fork-protection check.
	IsWithdrawalActive(ctx context.Context, id model.WithdrawalKey, tip bitcoin.BlockHash, minConfirmations uint64) (bool, error)

	// DepositRequestReport implements spec §4.1's status projection.
	DepositRequestReport(ctx context.Context, tip bitcoin.BlockHash, key model.DepositKey, signer keys.PublicKey) (model.DepositReport, error)

	// WithdrawalRequestReport implements spec §4.1's status projection.
	WithdrawalRequestReport(ctx context.Context, tip bitcoin.BlockHash, contractTip model.ContractChainBlock, id model.WithdrawalKey, signer keys.PublicKey) (model.WithdrawalReport, error)

	// LatestDkgShares returns the most recently started DKG round, if any.
	LatestDkgShares(ctx context.Context) (model.EncryptedDkgShares, bool, error)

	// DkgSharesByAggregateKey looks up one DKG round's shares.
	DkgSharesByAggregateKey(ctx context.Context, key keys.PublicKey) (model.EncryptedDkgShares, bool, error)

	// VerifiedAggregateKeys returns every aggregate key whose DKG shares
	// reached DkgSharesVerified, newest first.
	VerifiedAggregateKeys(ctx context.Context) ([]keys.PublicKey, error)

	// LatestKeyRotation returns the most recently observed rotate-keys
	// event, if any.
	LatestKeyRotation(ctx context.Context) (model.KeyRotationEvent, bool, error)

	// GetSighashDecision returns a previously recorded terminal decision
	// for this sighash, if one has been written.
	GetSighashDecision(ctx context.Context, sighash [32]byte) (model.BitcoinTxSighash, bool, error)

	// GetWithdrawalOutputDecision returns a previously recorded decision
	// for this (bitcoin_txid, output_index), if one has been written.
	GetWithdrawalOutputDecision(ctx context.Context, txid bitcoin.TxID, outputIndex uint32) (model.BitcoinWithdrawalOutput, bool, error)

	// CompletedDepositEvent reports whether the contract chain already
	// shows this deposit as finalized.
	CompletedDepositEvent(ctx context.Context, key model.DepositKey) (model.CompletedDepositEvent, bool, error)

	// WithdrawalAcceptEvent reports whether the contract chain already
	// shows this withdrawal as accepted.
	WithdrawalAcceptEvent(ctx context.Context, key model.WithdrawalKey) (model.WithdrawalAcceptEvent, bool, error)

	// WithdrawalRejectEvent reports whether the contract chain already
	// shows this withdrawal as rejected.
	WithdrawalRejectEvent(ctx context.Context, key model.WithdrawalKey) (model.WithdrawalRejectEvent, bool, error)
}

// DbWrite is the mutating surface. Every method is an insertion, except
// WriteBitcoinBlock/WriteContractChainBlock which upsert by primary key
// (re-observing the same block is idempotent) and UpdateDkgSharesStatus,
// which changes the status of an existing DKG round.
type DbWrite interface {
	WriteBitcoinBlock(ctx context.Context, block model.BitcoinBlock) error
	WriteContractChainBlock(ctx context.Context, block model.ContractChainBlock) error

	WriteDepositRequest(ctx context.Context, req model.DepositRequest) error
	WriteDepositSignerVote(ctx context.Context, vote model.DepositSignerVote) error
	// ConfirmDepositRequest records the Bitcoin block in which the
	// deposit-creating transaction was observed. This is distinct from
	// the deposit later being spent by a sweep (WriteSweepTransaction);
	// a deposit can sit confirmed-but-unswept for many blocks.
	ConfirmDepositRequest(ctx context.Context, key model.DepositKey, blockHash bitcoin.BlockHash) error

	WriteWithdrawalRequest(ctx context.Context, req model.WithdrawalRequest) error
	WriteWithdrawalSignerVote(ctx context.Context, vote model.WithdrawalSignerVote) error

	WriteSweepTransaction(ctx context.Context, txid bitcoin.TxID, blockHash bitcoin.BlockHash, prevouts []model.TxPrevout, outputs []model.TxOutput) error

	WriteEncryptedDkgShares(ctx context.Context, shares model.EncryptedDkgShares) error
	// UpdateDkgSharesStatus transitions a DKG round to a terminal status.
	// Returns sbtcerr.KindConsensus if the row is already terminal with a
	// different status.
	UpdateDkgSharesStatus(ctx context.Context, key keys.PublicKey, status model.DkgSharesStatus) error

	WriteKeyRotationEvent(ctx context.Context, event model.KeyRotationEvent) error

	// WriteSighashDecision is insertion-only: writing twice for the same
	// sighash with a differing WillSign is an sbtcerr.KindConsensus error.
	WriteSighashDecision(ctx context.Context, decision model.BitcoinTxSighash) error
	WriteWithdrawalOutputDecision(ctx context.Context, decision model.BitcoinWithdrawalOutput) error

	WriteCompletedDepositEvent(ctx context.Context, event model.CompletedDepositEvent) error
	WriteWithdrawalAcceptEvent(ctx context.Context, event model.WithdrawalAcceptEvent) error
	WriteWithdrawalRejectEvent(ctx context.Context, event model.WithdrawalRejectEvent) error
}

// Tx bundles DbRead and DbWrite over one atomic unit of work.
type Tx interface {
	DbRead
	DbWrite
}

// Transactable runs fn inside one atomic transaction, committing if fn
// returns nil and rolling back otherwise. fn's context is derived from the
// caller's and carries no transaction-specific value; the Tx argument is
// the only channel for transactional reads/writes.
type Transactable interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store is the full persistence surface components depend on: read and
// write outside a transaction for simple call sites, WithTransaction for
// multi-step operations that must be atomic (e.g. "read pending deposits,
// then write the votes cast against them").
type Store interface {
	DbRead
	DbWrite
	Transactable
}
