// Package signer implements the non-leader half of spec §4.2/§4.5: a
// signer never proposes a sweep package or a contract-chain call
// itself, but on receiving a coordinator's BitcoinPreSignRequest or
// StacksTransactionSignRequest it independently rebuilds its own view
// of what should be proposed, records a terminal per-input/per-output
// decision, and participates in the signing round for anything it
// agreed to. Grounded on pkg/requestdecider.RequestDecider's shape
// (signal-driven Run loop, identity-scoped DKG-set membership check)
// generalized from casting a vote to recording a sighash decision.
package signer

import (
	"bytes"
	"context"
	"crypto/sha256"

	"github.com/ipfs/go-log/v2"

	"github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/config"
	sbtccontext "github.com/keep-network/sbtc-signer/pkg/context"
	"github.com/keep-network/sbtc-signer/pkg/coordinator"
	"github.com/keep-network/sbtc-signer/pkg/keys"
	netpkg "github.com/keep-network/sbtc-signer/pkg/net"
	"github.com/keep-network/sbtc-signer/pkg/sbtcerr"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
	"github.com/keep-network/sbtc-signer/pkg/wsts"
)

var logger = log.Logger("signer")

// Signer validates and signs the coordinator's proposed sweep packages
// and contract-chain calls (spec §4.5's per-signer validation rules),
// never proposing either itself.
type Signer struct {
	ctx      sbtccontext.Context
	identity keys.PublicKey
	signing  wsts.SigningExecutor
}

// New builds a Signer. identity is this signer's own public key, the
// one DKG-set membership and recorded decisions are attributed to.
func New(ctx sbtccontext.Context, identity keys.PublicKey, signing wsts.SigningExecutor) *Signer {
	return &Signer{ctx: ctx, identity: identity, signing: signing}
}

// Run subscribes to the coordinator's pre-sign and contract-call
// sign-request channels and processes them until the termination
// handle fires or ctx is done.
func (s *Signer) Run(ctx context.Context) error {
	provider := s.ctx.NetProvider()
	if provider == nil {
		return sbtcerr.New(sbtcerr.KindInvariant, "signer requires a net provider")
	}

	preSign, err := provider.ChannelFor(coordinator.PreSignChannel)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "open bitcoin-pre-sign channel", err)
	}
	preSign.RegisterUnmarshaler(func() netpkg.TaggedUnmarshaler { return &coordinator.BitcoinPreSignRequest{} })
	if err := preSign.Recv(netpkg.HandleMessageFunc{
		Type: coordinator.BitcoinPreSignRequestType,
		Handler: func(msg netpkg.Message) error {
			req, ok := msg.Payload().(*coordinator.BitcoinPreSignRequest)
			if !ok {
				return sbtcerr.New(sbtcerr.KindInvariant, "unexpected bitcoin pre-sign request payload")
			}
			if err := s.HandleBitcoinPreSignRequest(ctx, req); err != nil {
				logger.Warnf("could not handle bitcoin pre-sign request: [%v]", err)
			}
			return nil
		},
	}); err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "register pre-sign handler", err)
	}
	defer preSign.UnregisterRecv(coordinator.BitcoinPreSignRequestType)

	signReq, err := provider.ChannelFor(coordinator.StacksSignRequestChannel)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "open stacks-tx-sign channel", err)
	}
	signReq.RegisterUnmarshaler(func() netpkg.TaggedUnmarshaler { return &coordinator.StacksTransactionSignRequest{} })
	if err := signReq.Recv(netpkg.HandleMessageFunc{
		Type: coordinator.StacksTransactionSignRequestType,
		Handler: func(msg netpkg.Message) error {
			req, ok := msg.Payload().(*coordinator.StacksTransactionSignRequest)
			if !ok {
				return sbtcerr.New(sbtcerr.KindInvariant, "unexpected stacks transaction sign request payload")
			}
			if err := s.HandleStacksTransactionSignRequest(ctx, req); err != nil {
				logger.Warnf("could not handle stacks transaction sign request: [%v]", err)
			}
			return nil
		},
	}); err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "register stacks sign-request handler", err)
	}
	defer signReq.UnregisterRecv(coordinator.StacksTransactionSignRequestType)

	term := s.ctx.TerminationHandle()
	select {
	case <-term.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleBitcoinPreSignRequest implements spec §4.5's per-signer
// validation: it rebuilds its own candidate sweep package from the
// same eligibility rules the coordinator used and, only if the result
// agrees with the coordinator's announced fingerprint, records one
// terminal BitcoinTxSighash row per input and one BitcoinWithdrawalOutput
// row per withdrawal output, signing every input it didn't decline.
func (s *Signer) HandleBitcoinPreSignRequest(ctx context.Context, req *coordinator.BitcoinPreSignRequest) error {
	tipBlock, err := s.ctx.Storage().GetBitcoinBlock(ctx, req.Tip)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "resolve pre-sign request tip", err)
	}
	state := s.ctx.State().Load()

	utxo, err := s.ctx.Storage().SignerUTXO(ctx, req.Tip)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "load signer utxo for pre-sign validation", err)
	}

	threshold := state.SignerSet.SignaturesRequired
	pendingDeposits, err := s.ctx.Storage().PendingAcceptedDepositRequests(ctx, req.Tip, uint64(config.MaxReorgBlockCount), threshold)
	if err != nil {
		return err
	}
	pendingWithdrawals, err := s.ctx.Storage().PendingAcceptedWithdrawalRequests(ctx, req.Tip, state.ContractChainTip, tipBlock.Height, threshold)
	if err != nil {
		return err
	}

	eligibleDeposits := coordinator.EligibleDeposits(pendingDeposits, state.Limits)
	eligibleWithdrawals := coordinator.EligibleWithdrawals(pendingWithdrawals, state.Limits, tipBlock.Height, config.WithdrawalExpiryBuffer)

	magic := bitcoin.Magic[s.ctx.Config().Signer.Network]
	plan, err := coordinator.BuildSweepPlan(req.Tip, utxo, eligibleDeposits, eligibleWithdrawals, state.SignerSet.AggregateKey, req.FeeRate, magic)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindValidation, "rebuild proposed sweep package", err)
	}
	if plan.Fingerprint != req.Fingerprint {
		logger.Warnf("proposed sweep fingerprint [%x] does not match independently rebuilt plan [%x], declining to sign", req.Fingerprint, plan.Fingerprint)
		return nil
	}

	sighashes, err := coordinator.SweepSighashes(plan.Tx, plan.Inputs)
	if err != nil {
		return err
	}

	for i, in := range plan.Inputs {
		if err := s.decideAndSignInput(ctx, plan, in, sighashes[i]); err != nil {
			logger.Warnf("could not record decision for sweep input [%v]: [%v]", in.Outpoint, err)
		}
	}
	for _, out := range plan.Outputs {
		if out.Withdrawal == nil {
			continue
		}
		if err := s.decideWithdrawalOutput(ctx, plan, *out.Withdrawal); err != nil {
			logger.Warnf("could not record decision for withdrawal output [%v]: [%v]", *out.Withdrawal, err)
		}
	}
	return nil
}

// decideAndSignInput validates one proposed input (spec §4.5: DKG-set
// membership of the signers_public_key, script match against the
// stored request, and peg limits), records the resulting terminal
// decision, and joins the per-input signing round if this signer
// agreed to sign.
func (s *Signer) decideAndSignInput(ctx context.Context, plan *coordinator.SweepPlan, in coordinator.PlannedInput, sighash [32]byte) error {
	decision := model.BitcoinTxSighash{
		Sighash:     sighash,
		Txid:        bitcoin.TxID(plan.Tx.TxHash()),
		Prevout:     in.Outpoint,
		ChainTip:    plan.Tip,
		PrevoutType: in.Type,
		WillSign:    true,
		IsValidTx:   true,
	}

	if in.Deposit != nil {
		report, err := s.ctx.Storage().DepositRequestReport(ctx, plan.Tip, *in.Deposit, s.identity)
		if err != nil {
			return sbtcerr.Wrap(sbtcerr.KindTransient, "load deposit report", err)
		}
		limits := s.ctx.State().Load().Limits
		decision.AggregateKey = report.SignersPublicKey
		switch {
		case !s.isMemberOfSignerSet(ctx, report.SignersPublicKey):
			decision.WillSign = false
			decision.ValidationResult = "signers_public_key is not a DKG set this signer shares"
		case !bytes.Equal(in.ScriptPubKey, report.DepositScript):
			decision.WillSign = false
			decision.ValidationResult = "input script does not match the stored deposit request"
		case report.Amount < limits.PerDepositMinimum || report.Amount > limits.PerDepositCap:
			decision.WillSign = false
			decision.ValidationResult = "deposit amount outside configured peg limits"
		}
	}

	existing, found, err := s.ctx.Storage().GetSighashDecision(ctx, sighash)
	if err != nil {
		return err
	}
	if found {
		decision = existing
	} else if err := s.ctx.Storage().WriteSighashDecision(ctx, decision); err != nil {
		return err
	}

	if !decision.WillSign {
		return nil
	}
	if _, err := s.runSigningExecutor(ctx, sighash); err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "sweep input signing round", err)
	}
	return nil
}

// decideWithdrawalOutput records this signer's terminal decision to
// include a withdrawal output in the proposed sweep, bound to the tip
// under which the proposal was received.
func (s *Signer) decideWithdrawalOutput(ctx context.Context, plan *coordinator.SweepPlan, withdrawal model.WithdrawalKey) error {
	decision := model.BitcoinWithdrawalOutput{
		BitcoinTxid: bitcoin.TxID(plan.Tx.TxHash()),
		Withdrawal:  withdrawal,
		ChainTip:    plan.Tip,
		IsValidTx:   true,
	}
	for i, out := range plan.Outputs {
		if out.Withdrawal != nil && *out.Withdrawal == withdrawal {
			decision.OutputIndex = uint32(i)
			break
		}
	}
	if _, found, err := s.ctx.Storage().GetWithdrawalOutputDecision(ctx, decision.BitcoinTxid, decision.OutputIndex); err != nil {
		return err
	} else if found {
		return nil
	}
	return s.ctx.Storage().WriteWithdrawalOutputDecision(ctx, decision)
}

// isMemberOfSignerSet reports whether this signer took part in the DKG
// round aggregateKey identifies, the same check
// pkg/requestdecider.RequestDecider.isMemberOfSignerSet runs before
// voting can_sign=true on a deposit.
func (s *Signer) isMemberOfSignerSet(ctx context.Context, aggregateKey keys.PublicKey) bool {
	shares, ok, err := s.ctx.Storage().DkgSharesByAggregateKey(ctx, aggregateKey)
	if err != nil {
		logger.Warnf("could not look up dkg shares for [%v]: [%v]", aggregateKey, err)
		return false
	}
	if !ok {
		return false
	}
	for _, k := range shares.SignerSetPublicKeys {
		if k.Equal(s.identity) {
			return true
		}
	}
	return false
}

// HandleStacksTransactionSignRequest participates in the threshold
// signing round over a proposed contract-chain call (spec §4.7). There
// is no modeled return channel for the resulting partial signature;
// see the WSTS relay scoping note in DESIGN.md for why
// this, like the coordinator's own signing rounds, only completes
// end-to-end against a test executor.
func (s *Signer) HandleStacksTransactionSignRequest(ctx context.Context, req *coordinator.StacksTransactionSignRequest) error {
	digest := sha256.Sum256(req.Payload)
	if _, err := s.runSigningExecutor(ctx, digest); err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "contract-call signing round participation", err)
	}
	logger.Infof("participated in signing round [%s] for contract call at nonce [%d]", req.RequestID, req.Nonce)
	return nil
}
