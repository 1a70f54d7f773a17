package coordinator

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/keep-network/sbtc-signer/pkg/bitcoin"
)

// Channel names and wire types are exported: pkg/signer subscribes to
// both from the other side of the peer bus (spec §4.5/§4.7 name the
// coordinator as sender and every other signer as receiver).
const (
	PreSignChannel           = "bitcoin-pre-sign"
	StacksSignRequestChannel = "stacks-tx-sign"
)

const (
	BitcoinPreSignRequestType        = "bitcoin_pre_sign_request"
	StacksTransactionSignRequestType = "stacks_transaction_sign_request"
)

// BitcoinPreSignRequest is spec §4.5's BitcoinPreSignRequest: the
// coordinator names a proposed sweep package by (tip, fingerprint); each
// receiving signer rebuilds its own sweep plan for that tip and records a
// decision per input/output only if its plan's fingerprint matches.
type BitcoinPreSignRequest struct {
	Tip         bitcoin.BlockHash
	Fingerprint [32]byte
	FeeRate     float64
	LastFees    uint64
}

func (m *BitcoinPreSignRequest) Type() string { return BitcoinPreSignRequestType }

func (m *BitcoinPreSignRequest) Marshal() ([]byte, error) { return json.Marshal(m) }

func (m *BitcoinPreSignRequest) Unmarshal(data []byte) error { return json.Unmarshal(data, m) }

// StacksTransactionSignRequest asks co-signers for a threshold signature
// over one contract-chain call (spec §4.7). RequestID lets a signer's
// logs and the coordinator's own bookkeeping correlate one round's
// traffic without relying on the nonce, which is read from the wallet
// account and is the same for every call made before the previous one
// lands on the contract chain.
type StacksTransactionSignRequest struct {
	RequestID uuid.UUID
	Nonce     uint64
	Payload   []byte
}

func (m *StacksTransactionSignRequest) Type() string { return StacksTransactionSignRequestType }

func (m *StacksTransactionSignRequest) Marshal() ([]byte, error) { return json.Marshal(m) }

func (m *StacksTransactionSignRequest) Unmarshal(data []byte) error { return json.Unmarshal(data, m) }
