package signer

import (
	"context"

	"github.com/binance-chain/tss-lib/ecdsa/keygen"
	"github.com/binance-chain/tss-lib/tss"

	"github.com/keep-network/sbtc-signer/pkg/coordinator"
	"github.com/keep-network/sbtc-signer/pkg/wsts"
)

// runSigningExecutor drives s.signing over process-local channels, the
// same pattern pkg/coordinator/signing.go's runDkgExecutor/
// runSigningExecutor use: an unconsumed outgoing channel drained until
// ctx is done, since no peer-relay bridge exists yet (see the WSTS
// relay scoping note in DESIGN.md). save is always the zero value here
// rather than this signer's own DKG share, because no decryption path
// from model.EncryptedDkgShares.EncryptedPrivateShares exists; this
// only completes end-to-end against wsts.MockExecutor, which ignores
// both the channels and save data.
func (s *Signer) runSigningExecutor(ctx context.Context, sighash [32]byte) (*wsts.SignedResult, error) {
	state := s.ctx.State().Load()
	self, parties := coordinator.PartyIDs(s.identity, state)

	incoming := make(chan tss.Message)
	outgoing := make(chan tss.Message)
	go drainOutgoing(ctx, outgoing)
	return s.signing.Sign(ctx, self, parties, keygen.LocalPartySaveData{}, sighash, incoming, outgoing)
}

// drainOutgoing discards a round's outgoing peer traffic so the
// executor never blocks sending to a channel nothing reads.
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
