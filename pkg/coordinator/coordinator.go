package coordinator

import (
	"context"

	"github.com/ipfs/go-log/v2"
	"go.uber.org/zap"

	"github.com/binance-chain/tss-lib/ecdsa/keygen"

	"github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/config"
	sbtccontext "github.com/keep-network/sbtc-signer/pkg/context"
	"github.com/keep-network/sbtc-signer/pkg/generator"
	"github.com/keep-network/sbtc-signer/pkg/keys"
	"github.com/keep-network/sbtc-signer/pkg/sbtcerr"
	"github.com/keep-network/sbtc-signer/pkg/signerstate"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
	"github.com/keep-network/sbtc-signer/pkg/wsts"
)

var logger = log.Logger("coordinator")

// Coordinator drives one signer's participation in the elected-leader
// tenure (spec §4.4): DKG gating, sweep package construction, per-input
// signing, and contract-chain finalization.
type Coordinator struct {
	ctx      sbtccontext.Context
	identity keys.PublicKey
	dkg      wsts.DKGExecutor
	signing  wsts.SigningExecutor

	// saveData is this signer's share of the most recently completed DKG
	// round, kept in memory for the signing rounds that follow it within
	// the same process lifetime.
	saveData keygen.LocalPartySaveData

	// latch serializes DKG, DKG-verification, and contract-call/sweep
	// signing rounds against each other (spec §5): Run's own event loop
	// already processes tenures one at a time, but a latch held for the
	// duration of RunTenure keeps that guarantee even if something else
	// (an operator-invoked one-off tenure, a future concurrent trigger)
	// ever calls it directly.
	latch *generator.ProtocolLatch
}

// New builds a Coordinator. identity is this signer's own public key,
// the one the election compares against the rest of the signer set.
func New(ctx sbtccontext.Context, identity keys.PublicKey, dkg wsts.DKGExecutor, signing wsts.SigningExecutor) *Coordinator {
	return &Coordinator{ctx: ctx, identity: identity, dkg: dkg, signing: signing, latch: generator.NewProtocolLatch()}
}

// Run begins a tenure every time the block observer reports a new
// Bitcoin tip, until the termination handle fires. Once a Bitcoin tip is
// known, every node runs the election and, whether or not it won, signals
// EventTenureCompleted at the end so tests and other components can
// await quiescence (spec §4.4).
func (c *Coordinator) Run(ctx context.Context) error {
	signals, unsubscribe := c.ctx.Signals()
	defer unsubscribe()
	term := c.ctx.TerminationHandle()

	for {
		select {
		case <-term.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-signals:
			if !ok {
				return nil
			}
			if event != sbtccontext.EventBitcoinBlockObserved {
				continue
			}
			if err := c.MaybeRunTenure(ctx); err != nil {
				logger.Warnf("tenure failed: [%v]", err)
			}
		}
	}
}

// MaybeRunTenure runs the election for the current Bitcoin tip and, if
// this signer won, executes the tenure. When no Bitcoin tip is known yet
// it returns at once without signalling; otherwise every node signals
// EventTenureCompleted regardless of the outcome.
func (c *Coordinator) MaybeRunTenure(ctx context.Context) error {
	state := c.ctx.State().Load()
	tip := state.BitcoinChainTip.BlockHash
	if tip == (bitcoin.BlockHash{}) {
		return nil
	}
	defer c.ctx.Signal(sbtccontext.EventTenureCompleted)

	if !IsElected(tip, state.SignerSet.SignerSet, c.identity) {
		return nil
	}
	return c.RunTenure(ctx, state)
}

// RunTenure executes the seven-step tenure algorithm of spec §4.4.
func (c *Coordinator) RunTenure(ctx context.Context, state *signerstate.State) error {
	c.latch.Lock()
	defer c.latch.Unlock()

	tenureLogger := logger.With(
		zap.String("bitcoinTip", state.BitcoinChainTip.BlockHash.String()),
		zap.Uint64("bitcoinHeight", state.BitcoinChainTip.Height),
	)

	// Step 1: epoch-3 gating. Any known contract-chain tip, or a won
	// sortition for the current tenure, is
	// this module's signal that Nakamoto consensus covers it; without
	// either there is nothing to tenure over yet.
	sortitionInfo, err := c.ctx.StacksClient().GetSortitionInfo(ctx)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "resolve sortition info", err)
	}
	if !sortitionInfo.WonSortition && state.ContractChainTip == (model.ContractChainBlock{}) {
		tenureLogger.With(zap.String("step", "epochGate")).Debug("no sortition win or contract-chain tip yet, skipping tenure")
		return nil
	}

	// Step 2: smart-contract bootstrap.
	if !state.ContractsDeployed {
		tenureLogger.With(zap.String("step", "bootstrapContracts")).Info("contracts not yet deployed")
		return c.bootstrapContracts(ctx)
	}

	// Step 3: DKG gating.
	needed, err := c.dkgNeeded(ctx, state)
	if err != nil {
		return err
	}
	if needed {
		tenureLogger.With(zap.String("step", "dkg")).Info("dkg round due")
		return c.runDkgRound(ctx, state)
	}

	// Steps 4-6: normal path. Step 7 (EventTenureCompleted) is signaled
	// by MaybeRunTenure's deferred Signal call, regardless of how this
	// function returns.
	return c.runNormalPath(ctx, tenureLogger.With(zap.String("step", "normalPath")), state)
}

// bootstrapContracts submits the ordered sBTC contract-deployment
// transactions (spec §4.4 step 2), marks the contracts deployed in the
// in-memory signer state, and exits the tenure. RunTenure calls it while
// that flag is unset; the contract chain is not queried, so the flag says
// the deployments were submitted, not that they confirmed, and a
// restarted process starts with it unset.
func (c *Coordinator) bootstrapContracts(ctx context.Context) error {
	logger.Info("contracts not deployed, submitting bootstrap deployment calls")
	for _, contractName := range []string{"sbtc-registry", "sbtc-token", "sbtc-deposit", "sbtc-withdrawal", "sbtc-bootstrap-signers"} {
		call := struct{ Contract string }{Contract: contractName}
		if err := c.submitContractCall(ctx, call); err != nil {
			return sbtcerr.Wrap(sbtcerr.KindTransient, "submit contract deployment", err)
		}
	}
	c.ctx.State().MarkContractsDeployed()
	return nil
}

// dkgNeeded implements spec §4.4 step 3's gating rule: never while the
// latest round is still Unverified, always if none exists yet or the
// latest Verified round no longer matches the current signer set or
// threshold, and otherwise only until DkgTargetRounds distinct verified
// keys exist and the configured minimum height has been reached.
func (c *Coordinator) dkgNeeded(ctx context.Context, state *signerstate.State) (bool, error) {
	latest, ok, err := c.ctx.Storage().LatestDkgShares(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	if latest.Status == model.DkgSharesUnverified {
		return false, nil
	}
	if latest.Status == model.DkgSharesVerified {
		sameSet := sameSignerSet(latest.SignerSetPublicKeys, state.SignerSet.SignerSet)
		sameThreshold := latest.SignatureShareThreshold == state.SignerSet.SignaturesRequired
		if !sameSet || !sameThreshold {
			return true, nil
		}
	}

	verified, err := c.ctx.Storage().VerifiedAggregateKeys(ctx)
	if err != nil {
		return false, err
	}
	cfg := c.ctx.Config().Signer
	if uint32(len(verified)) < cfg.DkgTargetRounds && state.BitcoinChainTip.Height >= cfg.DkgMinBitcoinBlockHeight {
		return true, nil
	}
	return false, nil
}

func sameSignerSet(a, b []keys.PublicKey) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, k := range a {
		seen[k.String()] = true
	}
	for _, k := range b {
		if !seen[k.String()] {
			return false
		}
	}
	return true
}

// partyIDs builds this signer's PartyID together with the full round
// roster, self always at ordinal 0.
func (c *Coordinator) partyIDs(state *signerstate.State) (*wsts.PartyID, []*wsts.PartyID) {
	return PartyIDs(c.identity, state)
}

// PartyIDs builds identity's PartyID together with the full round
// roster drawn from state's signer set, identity always at ordinal 0.
// Exported so pkg/signer's signing-round participation builds the same
// roster shape as the coordinator does.
func PartyIDs(identity keys.PublicKey, state *signerstate.State) (*wsts.PartyID, []*wsts.PartyID) {
	self := wsts.NewPartyID(0, identity)
	parties := []*wsts.PartyID{self}
	for i, k := range state.SignerSet.SignerSet {
		if k.Equal(identity) {
			continue
		}
		parties = append(parties, wsts.NewPartyID(i+1, k))
	}
	return self, parties
}

// runDkgRound runs a DKG round to completion, then a bounded
// verification signing round; on success the round is marked Verified
// and a rotate-keys call is submitted (spec §4.4 step 3).
func (c *Coordinator) runDkgRound(ctx context.Context, state *signerstate.State) error {
	logger.Info("dkg round starting")

	self, parties := c.partyIDs(state)
	threshold := int(state.SignerSet.SignaturesRequired) - 1
	if threshold < 0 {
		threshold = 0
	}

	result, err := c.runDkgExecutor(ctx, self, parties, threshold)
	if err != nil {
		return err
	}
	c.saveData = result.SaveData

	scriptPubKey, err := result.AggregateKey.SignersScriptPubKey()
	if err != nil {
		return err
	}
	shares := model.EncryptedDkgShares{
		AggregateKey:                result.AggregateKey,
		TweakedAggregateKey:         result.AggregateKey.TweakedXOnly(),
		ScriptPubKey:                scriptPubKey,
		SignerSetPublicKeys:         state.SignerSet.SignerSet,
		SignatureShareThreshold:     state.SignerSet.SignaturesRequired,
		Status:                      model.DkgSharesUnverified,
		StartedAtBitcoinBlockHash:   state.BitcoinChainTip.BlockHash,
		StartedAtBitcoinBlockHeight: state.BitcoinChainTip.Height,
	}
	if err := c.ctx.Storage().WriteEncryptedDkgShares(ctx, shares); err != nil {
		return err
	}

	verified, err := c.runVerificationRound(ctx, result.AggregateKey)
	if err != nil {
		logger.Warnf("dkg verification round failed, leaving shares unverified until the window elapses: [%v]", err)
		return nil
	}
	if !verified {
		return nil
	}

	if err := c.ctx.Storage().UpdateDkgSharesStatus(ctx, result.AggregateKey, model.DkgSharesVerified); err != nil {
		return err
	}
	c.ctx.Signal(sbtccontext.EventDkgShareVerified)

	call := rotateKeysCall{
		SignerSet:          state.SignerSet.SignerSet,
		NewAggregateKey:    result.AggregateKey,
		SignaturesRequired: state.SignerSet.SignaturesRequired,
	}
	return c.submitContractCall(ctx, call)
}

// runVerificationRound runs a bounded threshold sign of a canonical
// verification message over the freshly generated aggregate key (spec
// §4.4 step 3). A timeout or signing failure leaves the round
// Unverified for the block observer's expiry check to later mark
// Failed.
func (c *Coordinator) runVerificationRound(ctx context.Context, aggregateKey keys.PublicKey) (bool, error) {
	deadline, cancel := contextWithTimeout(ctx, c.ctx.Config().Signer.DkgMaxDuration)
	defer cancel()

	message := verificationMessage(aggregateKey)
	result, err := c.runSigningExecutor(deadline, message)
	if err != nil {
		return false, nil
	}
	return result.PublicKey.Equal(aggregateKey), nil
}

// runNormalPath implements spec §4.4 steps 4-6.
func (c *Coordinator) runNormalPath(ctx context.Context, stepLogger *zap.SugaredLogger, state *signerstate.State) error {
	limits, err := c.ctx.EmilyClient().GetLimits(ctx)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "refresh peg limits", err)
	}
	c.ctx.State().UpdateLimits(limits)

	tip := state.BitcoinChainTip
	threshold := state.SignerSet.SignaturesRequired

	pendingDeposits, err := c.ctx.Storage().PendingAcceptedDepositRequests(ctx, tip.BlockHash, uint64(config.MaxReorgBlockCount), threshold)
	if err != nil {
		return err
	}
	pendingWithdrawals, err := c.ctx.Storage().PendingAcceptedWithdrawalRequests(ctx, tip.BlockHash, state.ContractChainTip, tip.Height, threshold)
	if err != nil {
		return err
	}

	eligibleDeposits := EligibleDeposits(pendingDeposits, limits)
	eligibleWithdrawals := EligibleWithdrawals(pendingWithdrawals, limits, tip.Height, config.WithdrawalExpiryBuffer)

	stepLogger.With(
		zap.Int("eligibleDeposits", len(eligibleDeposits)),
		zap.Int("eligibleWithdrawals", len(eligibleWithdrawals)),
	).Debug("normal path eligibility resolved")

	if len(eligibleDeposits) > 0 || len(eligibleWithdrawals) > 0 {
		if err := c.buildAndSignSweep(ctx, state, eligibleDeposits, eligibleWithdrawals); err != nil {
			logger.Warnf("sweep package build failed: [%v]", err)
		}
	}

	return c.finalizeContractChain(ctx, tip, state.ContractChainTip)
}

// buildAndSignSweep implements spec §4.5: builds the sweep package,
// broadcasts a bitcoin pre-sign request naming it, records this
// signer's own per-input/per-output validation decision, runs the
// per-input signing round, and broadcasts the finished transaction.
func (c *Coordinator) buildAndSignSweep(ctx context.Context, state *signerstate.State, deposits []model.DepositRequest, withdrawals []model.WithdrawalRequest) error {
	utxo, err := c.ctx.Storage().SignerUTXO(ctx, state.BitcoinChainTip.BlockHash)
	if err != nil {
		return err
	}
	feeEstimate, err := c.ctx.BitcoinClient().EstimateSmartFee(ctx, 6)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "estimate sweep fee rate", err)
	}

	magic := bitcoin.Magic[c.ctx.Config().Signer.Network]
	plan, err := BuildSweepPlan(state.BitcoinChainTip.BlockHash, utxo, deposits, withdrawals, state.SignerSet.AggregateKey, feeEstimate.SatsPerVByte, magic)
	if err != nil {
		return err
	}

	c.broadcastPreSignRequest(ctx, plan)

	sighashes, err := SweepSighashes(plan.Tx, plan.Inputs)
	if err != nil {
		return err
	}

	for i, in := range plan.Inputs {
		sighash := sighashes[i]
		decision := model.BitcoinTxSighash{
			Sighash:     sighash,
			Txid:        bitcoin.TxID(plan.Tx.TxHash()),
			Prevout:     in.Outpoint,
			ChainTip:    plan.Tip,
			PrevoutType: in.Type,
			WillSign:    true,
			IsValidTx:   true,
		}

		existing, found, err := c.ctx.Storage().GetSighashDecision(ctx, sighash)
		if err != nil {
			return err
		}
		if found {
			decision = existing
		} else if err := c.ctx.Storage().WriteSighashDecision(ctx, decision); err != nil {
			return err
		}
		if !decision.WillSign {
			return sbtcerr.New(sbtcerr.KindConsensus, "signer previously declined this input")
		}

		if _, err := c.runSigningExecutor(ctx, sighash); err != nil {
			return sbtcerr.Wrap(sbtcerr.KindTransient, "sweep input signing round", err)
		}
	}

	for _, out := range plan.Outputs {
		if out.Withdrawal == nil {
			continue
		}
		decision := model.BitcoinWithdrawalOutput{
			BitcoinTxid: bitcoin.TxID(plan.Tx.TxHash()),
			Withdrawal:  *out.Withdrawal,
			ChainTip:    plan.Tip,
			IsValidTx:   true,
		}
		if err := c.ctx.Storage().WriteWithdrawalOutputDecision(ctx, decision); err != nil {
			return err
		}
	}

	raw, err := serializeTx(plan.Tx)
	if err != nil {
		return err
	}
	if _, err := c.ctx.BitcoinClient().SendRawTransaction(ctx, raw); err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "broadcast sweep transaction", err)
	}
	logger.Infof("broadcast sweep transaction for tip [%v] fingerprint [%x] fee [%v]",
		plan.Tip, plan.Fingerprint, sweepFee(plan))
	return nil
}

func (c *Coordinator) broadcastPreSignRequest(ctx context.Context, plan *SweepPlan) {
	provider := c.ctx.NetProvider()
	if provider == nil {
		return
	}
	channel, err := provider.ChannelFor(PreSignChannel)
	if err != nil {
		logger.Warnf("could not open bitcoin-pre-sign channel: [%v]", err)
		return
	}
	msg := &BitcoinPreSignRequest{Tip: plan.Tip, Fingerprint: plan.Fingerprint, FeeRate: plan.FeeRate}
	if err := channel.Send(ctx, msg); err != nil {
		logger.Warnf("could not broadcast pre-sign request: [%v]", err)
	}
}
