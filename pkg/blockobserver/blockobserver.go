// Package blockobserver implements the component that keeps the local
// store current with both chains and wakes the rest of the cohort when
// it is (spec §4.2), grounded line-for-line on
// signer/src/block_observer.rs: next_headers_to_process's walk-back
// header fetch, process_bitcoin_block's single-block ingestion,
// extract_sbtc_transactions's two-pass sweep extraction,
// process_stacks_blocks' tenure ingestion, check_pending_dkg_shares'
// expiry sweep, and update_signer_state's per-tenure state refresh.
package blockobserver

import (
	"context"
	"math"

	"github.com/ipfs/go-log/v2"

	"github.com/keep-network/sbtc-signer/pkg/bitcoin"
	sbtccontext "github.com/keep-network/sbtc-signer/pkg/context"
	"github.com/keep-network/sbtc-signer/pkg/keys"
	"github.com/keep-network/sbtc-signer/pkg/sbtcerr"
	"github.com/keep-network/sbtc-signer/pkg/storage"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

var logger = log.Logger("blockobserver")

// BlockObserver drives one signer's view of both chains forward and
// signals the rest of the cohort once it has.
type BlockObserver struct {
	ctx sbtccontext.Context
}

// New builds a BlockObserver over ctx.
func New(ctx sbtccontext.Context) *BlockObserver {
	return &BlockObserver{ctx: ctx}
}

// Run drains blockHashes, processing each newly observed Bitcoin block
// to completion before moving on, until the termination handle fires or
// blockHashes closes.
func (o *BlockObserver) Run(ctx context.Context, blockHashes <-chan bitcoin.BlockHash) error {
	term := o.ctx.TerminationHandle()

	for {
		select {
		case <-term.Done():
			logger.Info("block observer has stopped")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case hash, ok := <-blockHashes:
			if !ok {
				return nil
			}
			logger.Infof("observed new bitcoin block: [%v]", hash)

			if err := o.ProcessBitcoinBlocksUntil(ctx, hash); err != nil {
				logger.Warnf("could not process bitcoin blocks: [%v]", err)
				continue
			}
			if err := o.ProcessStacksBlocks(ctx); err != nil {
				logger.Warnf("could not process stacks blocks: [%v]", err)
			} else {
				o.ctx.Signal(sbtccontext.EventStacksBlockObserved)
			}
			if err := o.CheckPendingDkgShares(ctx, hash); err != nil {
				logger.Warnf("could not check pending dkg shares: [%v]", err)
				continue
			}
			if err := o.UpdateSignerState(ctx, hash); err != nil {
				logger.Warnf("could not update signer state: [%v]", err)
				continue
			}
			if err := o.LoadLatestDepositRequests(ctx); err != nil {
				logger.Warnf("could not load latest deposit requests: [%v]", err)
			}

			o.ctx.Signal(sbtccontext.EventBitcoinBlockObserved)
		}
	}
}

// setSbtcBitcoinStartHeight resolves and caches the Bitcoin height at
// which the signer started caring about sBTC activity, lazily, from the
// contract chain's Nakamoto activation height.
func (o *BlockObserver) setSbtcBitcoinStartHeight(ctx context.Context) error {
	_, err := o.ctx.State().EnsureStartHeight(func() (uint64, error) {
		return o.ctx.StacksClient().GetPoxInfo(ctx)
	})
	return err
}

// NextHeadersToProcess walks backwards from blockHash, fetching headers
// until it reaches one already known to storage or one at or below the
// sBTC start height, returning them oldest-first.
func (o *BlockObserver) NextHeadersToProcess(ctx context.Context, blockHash bitcoin.BlockHash) ([]model.BitcoinBlock, error) {
	if err := o.setSbtcBitcoinStartHeight(ctx); err != nil {
		return nil, err
	}
	startHeight := o.ctx.State().Load().SbtcBitcoinStartHeight

	var headers []model.BitcoinBlock
	db := o.ctx.Storage()
	btc := o.ctx.BitcoinClient()

	current := blockHash
	for {
		if _, err := db.GetBitcoinBlock(ctx, current); err == nil {
			break
		} else if !sbtcerr.Is(err, sbtcerr.KindNotFound) {
			return nil, err
		}

		header, err := btc.GetBlockHeader(ctx, current)
		if err != nil {
			return nil, sbtcerr.Wrap(sbtcerr.KindTransient, "fetch block header", err)
		}

		if header.Height < startHeight {
			break
		}

		atStartHeight := header.Height == startHeight
		headers = append([]model.BitcoinBlock{header}, headers...)
		current = header.ParentHash

		if atStartHeight {
			break
		}
	}

	return headers, nil
}

// ProcessBitcoinBlocksUntil processes every unknown ancestor of
// blockHash, oldest first, so a partial crash mid-walk resumes cleanly
// on the next call.
func (o *BlockObserver) ProcessBitcoinBlocksUntil(ctx context.Context, blockHash bitcoin.BlockHash) error {
	headers, err := o.NextHeadersToProcess(ctx, blockHash)
	if err != nil {
		return err
	}
	for _, header := range headers {
		if err := o.ProcessBitcoinBlock(ctx, header); err != nil {
			return err
		}
	}
	return nil
}

// ProcessBitcoinBlock writes one Bitcoin block and every sBTC-relevant
// transaction in it to storage, inside one transaction.
func (o *BlockObserver) ProcessBitcoinBlock(ctx context.Context, header model.BitcoinBlock) error {
	txids, err := o.ctx.BitcoinClient().GetBlock(ctx, header.BlockHash)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "fetch block transactions", err)
	}

	var bootstrapScriptPubKey []byte
	if bsk := o.ctx.Config().Signer.BootstrapAggregateKey; bsk != "" {
		pub, err := keys.ParsePublicKeyHex(bsk)
		if err != nil {
			return sbtcerr.Wrap(sbtcerr.KindInvariant, "parse bootstrap aggregate key", err)
		}
		bootstrapScriptPubKey, err = pub.SignersScriptPubKey()
		if err != nil {
			return sbtcerr.Wrap(sbtcerr.KindInvariant, "derive bootstrap scriptPubKey", err)
		}
	}

	return o.ctx.Storage().WithTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.WriteBitcoinBlock(ctx, header); err != nil {
			return err
		}

		infos := make([]bitcoin.TxInfo, 0, len(txids))
		for _, txid := range txids {
			info, found, err := o.ctx.BitcoinClient().GetTxInfo(ctx, txid, header.BlockHash)
			if err != nil {
				return sbtcerr.Wrap(sbtcerr.KindTransient, "fetch transaction info", err)
			}
			if !found {
				continue
			}
			infos = append(infos, info)
		}

		return extractSbtcTransactions(ctx, tx, bootstrapScriptPubKey, header.BlockHash, infos)
	})
}

// extractSbtcTransactions writes every transaction in txs whose inputs
// or outputs touch a signers' scriptPubKey. It runs the same scan twice,
// as the Rust original's two-call site does. Both passes match against
// the scriptPubKey set read from storage (the bootstrap key plus every
// verified DKG key), and writing a transaction does not add to that set,
// so the second pass writes the same rows as the first. A transaction
// spending an output locked earlier in the same block is already matched
// in the first pass by its prevout scriptPubKey.
//
// A matched transaction's inputs are recorded as PrevoutSignersInput when
// the prevout is locked to a signers' scriptPubKey, or as PrevoutDeposit
// when the prevout is a stored deposit request; other inputs are skipped.
// Its signers' outputs are recorded as OutputDonation when the first
// input is not locked to a signers' scriptPubKey, else as
// OutputSignersOutput.
func extractSbtcTransactions(ctx context.Context, tx storage.Tx, bootstrapScriptPubKey []byte, blockHash bitcoin.BlockHash, txs []bitcoin.TxInfo) error {
	run := func() error {
		scriptPubKeys, err := signerScriptPubKeys(ctx, tx, bootstrapScriptPubKey)
		if err != nil {
			return err
		}

		for _, info := range txs {
			if info.IsCoinbase {
				continue
			}

			outputsSpentToSigners := false
			for _, out := range info.Vout {
				if _, ok := scriptPubKeys[string(out.ScriptPubKey)]; ok {
					outputsSpentToSigners = true
					break
				}
			}
			inputsSpentBySigners := false
			for _, in := range info.Vin {
				if _, ok := scriptPubKeys[string(in.PrevoutScriptPubKey)]; ok {
					inputsSpentBySigners = true
					break
				}
			}
			if !outputsSpentToSigners && !inputsSpentBySigners {
				continue
			}

			prevouts := make([]model.TxPrevout, 0, len(info.Vin))
			for _, in := range info.Vin {
				prevoutType := bitcoin.PrevoutSignersInput
				if _, ok := scriptPubKeys[string(in.PrevoutScriptPubKey)]; !ok {
					depositKey := model.DepositKey{Txid: in.PrevoutTxID, OutputIndex: in.PrevoutIndex}
					if _, err := tx.GetDepositRequest(ctx, depositKey); sbtcerr.Is(err, sbtcerr.KindNotFound) {
						continue
					} else if err != nil {
						return err
					}
					prevoutType = bitcoin.PrevoutDeposit
				}
				prevouts = append(prevouts, model.TxPrevout{
					Txid:         info.Txid,
					PrevoutTxid:  in.PrevoutTxID,
					PrevoutIndex: in.PrevoutIndex,
					Amount:       in.PrevoutAmount,
					ScriptPubKey: in.PrevoutScriptPubKey,
					PrevoutType:  prevoutType,
				})
			}

			outputType := bitcoin.OutputSignersOutput
			if len(info.Vin) > 0 {
				if _, ok := scriptPubKeys[string(info.Vin[0].PrevoutScriptPubKey)]; !ok {
					outputType = bitcoin.OutputDonation
				}
			}
			outputs := make([]model.TxOutput, 0, len(info.Vout))
			for i, out := range info.Vout {
				if _, ok := scriptPubKeys[string(out.ScriptPubKey)]; !ok {
					continue
				}
				outputs = append(outputs, model.TxOutput{
					Txid:         info.Txid,
					OutputIndex:  uint32(i),
					ScriptPubKey: out.ScriptPubKey,
					Amount:       out.Amount,
					OutputType:   outputType,
				})
			}

			if err := tx.WriteSweepTransaction(ctx, info.Txid, blockHash, prevouts, outputs); err != nil {
				return err
			}
		}
		return nil
	}

	if err := run(); err != nil {
		return err
	}
	return run()
}

// signerScriptPubKeys collects every scriptPubKey the signers have ever
// controlled: the bootstrap key (for a signer still catching up before
// its first verified DKG round) plus every verified DKG round's
// aggregate key.
func signerScriptPubKeys(ctx context.Context, db storage.DbRead, bootstrapScriptPubKey []byte) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(bootstrapScriptPubKey) > 0 {
		out[string(bootstrapScriptPubKey)] = struct{}{}
	}

	aggregateKeys, err := db.VerifiedAggregateKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range aggregateKeys {
		scriptPubKey, err := key.SignersScriptPubKey()
		if err != nil {
			return nil, sbtcerr.Wrap(sbtcerr.KindInvariant, "derive signer scriptPubKey", err)
		}
		out[string(scriptPubKey)] = struct{}{}
	}
	return out, nil
}

// ProcessStacksBlocks ingests the current contract-chain tenure.
func (o *BlockObserver) ProcessStacksBlocks(ctx context.Context) error {
	stacks := o.ctx.StacksClient()
	tenure, err := stacks.GetTenureInfo(ctx)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "fetch tenure info", err)
	}

	blocks, err := stacks.GetTenure(ctx, tenure.TenureBlockID)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "fetch tenure blocks", err)
	}

	db := o.ctx.Storage()
	for _, block := range blocks {
		if err := db.WriteContractChainBlock(ctx, block); err != nil {
			return err
		}
	}

	for _, block := range blocks {
		if block.BlockHash == tenure.TenureBlockID {
			o.ctx.State().UpdateContractChainTip(block)
			break
		}
	}

	return nil
}

// UpdateSignerState refreshes the cached sBTC limits, signer set, and
// Bitcoin chain tip, in that order, so the coordinator and signer never
// need to repeat these relatively expensive lookups mid-tenure.
func (o *BlockObserver) UpdateSignerState(ctx context.Context, chainTip bitcoin.BlockHash) error {
	if err := o.updateSbtcLimits(ctx); err != nil {
		return err
	}
	if err := o.setSignerSetInfo(ctx); err != nil {
		return err
	}
	return o.updateBitcoinChainTip(ctx, chainTip)
}

func (o *BlockObserver) updateSbtcLimits(ctx context.Context) error {
	limits, err := o.ctx.EmilyClient().GetLimits(ctx)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "fetch sbtc limits", err)
	}

	maxMintable := uint64(math.MaxUint64)
	if limits.TotalCap > 0 && o.ctx.State().Load().ContractsDeployed {
		supply, err := o.ctx.StacksClient().GetSbtcTotalSupply(ctx)
		if err != nil {
			return sbtcerr.Wrap(sbtcerr.KindTransient, "fetch sbtc total supply", err)
		}
		if limits.TotalCap > supply {
			maxMintable = limits.TotalCap - supply
		} else {
			maxMintable = 0
		}
	}
	limits.MaxMintable = maxMintable

	o.ctx.State().UpdateLimits(limits)
	return nil
}

func (o *BlockObserver) setSignerSetInfo(ctx context.Context) error {
	info, err := o.ctx.StacksClient().GetCurrentSignerSetInfo(ctx)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "fetch signer set info", err)
	}
	o.ctx.State().UpdateSignerSet(info)
	return nil
}

func (o *BlockObserver) updateBitcoinChainTip(ctx context.Context, chainTip bitcoin.BlockHash) error {
	block, err := o.ctx.Storage().GetBitcoinBlock(ctx, chainTip)
	if err != nil {
		return err
	}
	o.ctx.State().UpdateBitcoinChainTip(block)
	return nil
}

// CheckPendingDkgShares marks the latest DKG round failed if it is
// still unverified once its verification window has elapsed.
func (o *BlockObserver) CheckPendingDkgShares(ctx context.Context, chainTip bitcoin.BlockHash) error {
	db := o.ctx.Storage()
	lastDkg, ok, err := db.LatestDkgShares(ctx)
	if err != nil {
		return err
	}
	if !ok || lastDkg.Status != model.DkgSharesUnverified {
		return nil
	}

	tip, err := db.GetBitcoinBlock(ctx, chainTip)
	if err != nil {
		return err
	}

	verificationWindow := uint64(o.ctx.Config().Signer.DkgVerificationWindow)
	maxVerificationHeight := lastDkg.StartedAtBitcoinBlockHeight + verificationWindow

	if maxVerificationHeight < tip.Height {
		logger.Infof("dkg verification window expired for aggregate key [%v], marking failed", lastDkg.AggregateKey)
		return db.UpdateDkgSharesStatus(ctx, lastDkg.AggregateKey, model.DkgSharesFailed)
	}
	return nil
}

// LoadLatestDepositRequests fetches every deposit Emily knows about,
// validates each against bitcoin-core, and stores the ones that are
// confirmed.
func (o *BlockObserver) LoadLatestDepositRequests(ctx context.Context) error {
	requests, err := o.ctx.EmilyClient().GetDeposits(ctx)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "fetch deposits from gateway", err)
	}
	return o.LoadRequests(ctx, requests)
}

// LoadRequests validates and stores the given deposit requests. A
// request whose funding transaction isn't confirmed yet is silently
// skipped; it will be retried the next time this runs.
func (o *BlockObserver) LoadRequests(ctx context.Context, requests []model.DepositRequest) error {
	btc := o.ctx.BitcoinClient()
	db := o.ctx.Storage()

	for _, req := range requests {
		blockHash, confirmed, err := btc.GetTxConfirmingBlock(ctx, req.Key.Txid)
		if err != nil {
			logger.Warnf("could not check deposit confirmation: [%v]", err)
			continue
		}
		if !confirmed {
			continue
		}

		if err := o.ProcessBitcoinBlocksUntil(ctx, blockHash); err != nil {
			return err
		}

		if err := db.WriteDepositRequest(ctx, req); err != nil {
			return err
		}
		if err := db.ConfirmDepositRequest(ctx, req.Key, blockHash); err != nil {
			return err
		}
	}

	logger.Debug("finished processing deposit requests")
	return nil
}
