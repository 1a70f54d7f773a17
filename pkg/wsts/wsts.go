// Package wsts wraps the distributed-key-generation and threshold-signing
// round machinery the coordinator and signer drive, grounded on
// pkg/tbtc/dkg_submit.go's dkgResultSigner/dkgResultSubmitter split and
// pkg/tbtc/node.go's walletRegistry bookkeeping. The threshold-signature
// math itself is explicitly out of scope (it is load-bearing cryptography
// a from-scratch Go rewrite should not attempt); binance-chain/tss-lib, the
// library the keep-network org's own keep-ecdsa sibling repo depends on,
// plays that role here.
package wsts

import (
	"context"
	"crypto/elliptic"
	"fmt"
	"math/big"

	"github.com/binance-chain/tss-lib/common"
	"github.com/binance-chain/tss-lib/crypto"
	"github.com/binance-chain/tss-lib/ecdsa/keygen"
	"github.com/binance-chain/tss-lib/ecdsa/signing"
	"github.com/binance-chain/tss-lib/tss"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ipfs/go-log/v2"

	"github.com/keep-network/sbtc-signer/pkg/keys"
	"github.com/keep-network/sbtc-signer/pkg/sbtcerr"
)

var logger = log.Logger("wsts")

// Curve is the curve every DKG and signing round runs over: secp256k1, to
// match the taproot aggregate keys the signers' scriptPubKey derivation
// (pkg/keys) produces.
func Curve() elliptic.Curve { return tss.S256() }

// PartyID identifies one signer within a DKG or signing round.
type PartyID = tss.PartyID

// NewPartyID builds the party identity for signer at ordinal index within
// the round, keyed by its DKG-set public key.
func NewPartyID(index int, pubkey keys.PublicKey) *PartyID {
	return tss.NewPartyID(fmt.Sprintf("%d", index), pubkey.String(), new(big.Int).SetBytes(pubkey.Bytes()))
}

// SortParties orders parties the way tss.NewPeerContext requires.
func SortParties(parties []*PartyID) tss.SortedPartyIDs {
	return tss.SortPartyIDs(parties)
}

// Result is one signer's completed share of a DKG round: the resulting
// aggregate public key plus the opaque per-party save data handed to
// pkg/storage/model.EncryptedDkgShares once encrypted at rest.
type Result struct {
	AggregateKey keys.PublicKey
	SaveData     keygen.LocalPartySaveData
}

// SignedResult is a completed FROST/WSTS signing round over a sighash
// (spec §4.5/§4.6's per-input signing), mirroring dkg.SignedResult's
// PublicKey/Signature/ResultHash shape.
type SignedResult struct {
	PublicKey  keys.PublicKey
	Signature  []byte
	ResultHash [32]byte
}

// DKGExecutor runs one DKG round to completion or returns an error if the
// round doesn't reach SharesVerified before ctx is done.
type DKGExecutor interface {
	RunDKG(ctx context.Context, self *PartyID, parties []*PartyID, threshold int, incoming <-chan tss.Message, outgoing chan<- tss.Message) (*Result, error)
}

// SigningExecutor runs one threshold-signing round over a 32-byte sighash.
type SigningExecutor interface {
	Sign(ctx context.Context, self *PartyID, parties []*PartyID, save keygen.LocalPartySaveData, sighash [32]byte, incoming <-chan tss.Message, outgoing chan<- tss.Message) (*SignedResult, error)
}

// tssExecutor is the real DKGExecutor/SigningExecutor, driving
// binance-chain/tss-lib's local party state machines.
type tssExecutor struct{}

// NewExecutor returns the real tss-lib-backed executor.
func NewExecutor() interface {
	DKGExecutor
	SigningExecutor
} {
	return &tssExecutor{}
}

func (e *tssExecutor) RunDKG(ctx context.Context, self *PartyID, parties []*PartyID, threshold int, incoming <-chan tss.Message, outgoing chan<- tss.Message) (*Result, error) {
	sorted := SortParties(parties)
	peerCtx := tss.NewPeerContext(sorted)
	params := tss.NewParameters(Curve(), peerCtx, self, len(sorted), threshold)

	endCh := make(chan keygen.LocalPartySaveData, 1)
	party := keygen.NewLocalParty(params, outgoing, endCh)

	errCh := make(chan *tss.Error, 1)
	go func() {
		if err := party.Start(); err != nil {
			errCh <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, sbtcerr.Wrap(sbtcerr.KindTransient, "dkg round cancelled", ctx.Err())
		case err := <-errCh:
			return nil, sbtcerr.Wrap(sbtcerr.KindValidation, "dkg round failed", err)
		case msg, ok := <-incoming:
			if !ok {
				return nil, sbtcerr.New(sbtcerr.KindTransient, "dkg round peer channel closed")
			}
			fromBytes, _, err := msg.WireBytes()
			if err != nil {
				return nil, sbtcerr.Wrap(sbtcerr.KindValidation, "dkg message decode", err)
			}
			if _, err := party.UpdateFromBytes(fromBytes, msg.GetFrom(), msg.IsBroadcast()); err != nil {
				return nil, sbtcerr.Wrap(sbtcerr.KindValidation, "dkg message apply", err)
			}
		case save := <-endCh:
			aggregate, err := keys.ParsePublicKey(ellipticPointBytes(save.ECDSAPub))
			if err != nil {
				return nil, sbtcerr.Wrap(sbtcerr.KindInvariant, "dkg result public key", err)
			}
			logger.Infof("dkg round completed: [%v]", aggregate)
			return &Result{AggregateKey: aggregate, SaveData: save}, nil
		}
	}
}

func (e *tssExecutor) Sign(ctx context.Context, self *PartyID, parties []*PartyID, save keygen.LocalPartySaveData, sighash [32]byte, incoming <-chan tss.Message, outgoing chan<- tss.Message) (*SignedResult, error) {
	sorted := SortParties(parties)
	peerCtx := tss.NewPeerContext(sorted)
	params := tss.NewParameters(Curve(), peerCtx, self, len(sorted), len(sorted)-1)

	msg := new(big.Int).SetBytes(sighash[:])
	endCh := make(chan common.SignatureData, 1)
	party := signing.NewLocalParty(msg, params, save, outgoing, endCh)

	errCh := make(chan *tss.Error, 1)
	go func() {
		if err := party.Start(); err != nil {
			errCh <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, sbtcerr.Wrap(sbtcerr.KindTransient, "signing round cancelled", ctx.Err())
		case err := <-errCh:
			return nil, sbtcerr.Wrap(sbtcerr.KindValidation, "signing round failed", err)
		case m, ok := <-incoming:
			if !ok {
				return nil, sbtcerr.New(sbtcerr.KindTransient, "signing round peer channel closed")
			}
			fromBytes, _, err := m.WireBytes()
			if err != nil {
				return nil, sbtcerr.Wrap(sbtcerr.KindValidation, "signing message decode", err)
			}
			if _, err := party.UpdateFromBytes(fromBytes, m.GetFrom(), m.IsBroadcast()); err != nil {
				return nil, sbtcerr.Wrap(sbtcerr.KindValidation, "signing message apply", err)
			}
		case sig := <-endCh:
			aggregate, err := keys.ParsePublicKey(ellipticPointBytes(save.ECDSAPub))
			if err != nil {
				return nil, sbtcerr.Wrap(sbtcerr.KindInvariant, "signing result public key", err)
			}
			var hash [32]byte
			copy(hash[:], sighash[:])
			return &SignedResult{PublicKey: aggregate, Signature: sig.Signature, ResultHash: hash}, nil
		}
	}
}

// ellipticPointBytes serializes a tss-lib curve point to the compressed
// secp256k1 encoding pkg/keys.ParsePublicKey expects.
func ellipticPointBytes(point *crypto.ECPoint) []byte {
	var x, y btcec.FieldVal
	x.SetByteSlice(point.X().Bytes())
	y.SetByteSlice(point.Y().Bytes())
	pub := btcec.NewPublicKey(&x, &y)
	return pub.SerializeCompressed()
}
