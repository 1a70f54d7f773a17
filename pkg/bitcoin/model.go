// Package bitcoin holds the Bitcoin-side block/transaction models and
// script recognizers shared by the block observer, coordinator, and
// signer. Script construction follows the idioms in
// pkg/tbtc/redemption.go's assembleRedemptionTransaction.
package bitcoin

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BlockHash identifies a Bitcoin block.
type BlockHash = chainhash.Hash

// TxID identifies a Bitcoin transaction.
type TxID = chainhash.Hash

// BlockHeader is the subset of a Bitcoin block header the signer cares
// about (spec §3 BitcoinBlock).
type BlockHeader struct {
	Hash       BlockHash
	ParentHash BlockHash
	Height     uint64
}

// OutPoint identifies a specific transaction output.
type OutPoint struct {
	TxID  TxID
	Index uint32
}

// PrevoutType classifies a sweep transaction input (spec §3
// SweepInput/Output).
type PrevoutType int

const (
	PrevoutSignersInput PrevoutType = iota
	PrevoutDeposit
)

// OutputType classifies a sweep transaction output.
type OutputType int

const (
	OutputSignersOutput OutputType = iota
	OutputWithdrawal
	OutputDonation
)

// TxPrevout records one matched sweep transaction input.
type TxPrevout struct {
	Txid        TxID
	PrevoutTxid TxID
	PrevoutIndex uint32
	Amount      uint64
	ScriptPubKey []byte
	PrevoutType PrevoutType
}

// TxOutput records one matched sweep transaction output.
type TxOutput struct {
	Txid         TxID
	OutputIndex  uint32
	ScriptPubKey []byte
	Amount       uint64
	OutputType   OutputType
}

// TxVin is one transaction input together with the prevout it spends,
// resolved the way the block observer's two-pass sBTC extraction needs:
// enough of the previous output to tell whether it paid the signers.
type TxVin struct {
	PrevoutTxID         TxID
	PrevoutIndex        uint32
	PrevoutScriptPubKey []byte
	PrevoutAmount       uint64
}

// TxVout is one transaction output.
type TxVout struct {
	ScriptPubKey []byte
	Amount       uint64
}

// TxInfo is a confirmed transaction with its inputs' prevouts resolved,
// the shape extract_sbtc_transactions needs to decide whether a
// transaction touches the signers' scriptPubKeys on either side.
type TxInfo struct {
	Txid       TxID
	Vin        []TxVin
	Vout       []TxVout
	IsCoinbase bool
}

// Magic bytes identifying sweep OP_RETURN outputs, one pair per network
// (spec §4.5 "two ASCII bytes identifying the network").
var Magic = map[string][2]byte{
	"mainnet": {'T', '3'},
	"testnet": {'T', '2'},
	"regtest": {'T', 'R'},
}
