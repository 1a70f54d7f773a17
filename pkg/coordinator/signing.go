package coordinator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"time"

	"github.com/binance-chain/tss-lib/tss"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/keep-network/sbtc-signer/pkg/keys"
	"github.com/keep-network/sbtc-signer/pkg/sbtcerr"
	"github.com/keep-network/sbtc-signer/pkg/wsts"
)

// runDkgExecutor drives c.dkg over process-local channels. Routing DKG
// round traffic to the rest of the cohort over the peer bus is left to
// a future wire-relay bridge; today this only completes against a test
// executor (wsts.MockExecutor) that doesn't need real peer messages.
func (c *Coordinator) runDkgExecutor(ctx context.Context, self *wsts.PartyID, parties []*wsts.PartyID, threshold int) (*wsts.Result, error) {
	incoming := make(chan tss.Message)
	outgoing := make(chan tss.Message)
	go drainOutgoing(ctx, outgoing)
	return c.dkg.RunDKG(ctx, self, parties, threshold, incoming, outgoing)
}

// runSigningExecutor drives c.signing over process-local channels the
// same way runDkgExecutor does, against this signer's current DKG save
// data.
func (c *Coordinator) runSigningExecutor(ctx context.Context, sighash [32]byte) (*wsts.SignedResult, error) {
	state := c.ctx.State().Load()
	self, parties := c.partyIDs(state)

	incoming := make(chan tss.Message)
	outgoing := make(chan tss.Message)
	go drainOutgoing(ctx, outgoing)
	return c.signing.Sign(ctx, self, parties, c.saveData, sighash, incoming, outgoing)
}

// drainOutgoing discards a round's outgoing peer traffic so the
// executor never blocks sending to a channel nothing reads, until ctx
// is done.
func drainOutgoing(ctx context.Context, outgoing <-chan tss.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-outgoing:
			if !ok {
				return
			}
		}
	}
}

// verificationMessage is the fixed, domain-separated message a freshly
// generated aggregate key signs over to prove every party holds a
// usable share of it (spec §4.4 step 3).
func verificationMessage(aggregateKey keys.PublicKey) [32]byte {
	return sha256.Sum256(append([]byte("sbtc-dkg-verification:"), aggregateKey.Bytes()...))
}

// contextWithTimeout bounds ctx by d, or just wraps it for cancellation
// if d is unset.
func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// SweepSighashes computes the taproot key-spend signature hash for
// every input of tx, given the full set of prevouts being spent (BIP341
// sighashes commit to every input's amount and scriptPubKey, not just
// the one being signed). Exported so pkg/signer can recompute the same
// sighash a proposed sweep package implies when independently
// validating a BitcoinPreSignRequest.
func SweepSighashes(tx *wire.MsgTx, inputs []PlannedInput) ([][32]byte, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range inputs {
		op := wire.OutPoint{Hash: in.Outpoint.TxID, Index: in.Outpoint.Index}
		fetcher.AddPrevOut(op, wire.NewTxOut(int64(in.Amount), in.ScriptPubKey))
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	out := make([][32]byte, len(inputs))
	for i := range inputs {
		hash, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, tx, i, fetcher)
		if err != nil {
			return nil, sbtcerr.Wrap(sbtcerr.KindInvariant, "compute sweep input sighash", err)
		}
		copy(out[i][:], hash)
	}
	return out, nil
}

// serializeTx encodes tx in wire format for broadcast.
func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, sbtcerr.Wrap(sbtcerr.KindInvariant, "serialize sweep transaction", err)
	}
	return buf.Bytes(), nil
}
