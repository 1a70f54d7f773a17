package coordinator

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/config"
	"github.com/keep-network/sbtc-signer/pkg/keys"
	"github.com/keep-network/sbtc-signer/pkg/sbtcerr"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

// completeDepositCall is spec §4.7's complete-deposit call arguments.
type completeDepositCall struct {
	Nonce           uint64
	Deposit         model.DepositKey
	Amount          uint64
	SweepBlockHash  bitcoin.BlockHash
	SweepBlockHeight uint64
	SweepTxid       bitcoin.TxID
	Fee             uint64
}

// acceptWithdrawalCall is spec §4.7's accept-withdrawal call arguments.
type acceptWithdrawalCall struct {
	Nonce           uint64
	RequestID       uint64
	SweepOutpoint   bitcoin.OutPoint
	Fee             uint64
	SweepBlockHash  bitcoin.BlockHash
	SweepBlockHeight uint64
	SweepTxid       bitcoin.TxID
	SignerBitmap    uint64
}

// rejectWithdrawalCall is spec §4.7's reject-withdrawal call arguments.
type rejectWithdrawalCall struct {
	Nonce        uint64
	RequestID    uint64
	SignerBitmap uint64
}

// rotateKeysCall is spec §4.7's rotate-keys call arguments.
type rotateKeysCall struct {
	Nonce              uint64
	SignerSet          []keys.PublicKey
	NewAggregateKey    keys.PublicKey
	SignaturesRequired uint32
}

// nextNonce resolves the next free nonce for the signer wallet account,
// the bound every contract call carries to avoid replays (spec §4.4
// "Idempotence").
func (c *Coordinator) nextNonce(ctx context.Context) (uint64, error) {
	account, err := c.ctx.StacksClient().GetAccount(ctx, c.walletAddress())
	if err != nil {
		return 0, sbtcerr.Wrap(sbtcerr.KindTransient, "resolve signer wallet nonce", err)
	}
	return account.Nonce, nil
}

// walletAddress is the contract-chain principal the signer wallet
// transacts as; deployment config names it so every coordinator call
// shares one account and thus one monotonic nonce sequence.
func (c *Coordinator) walletAddress() string {
	return c.ctx.Config().Signer.Deployer
}

// submitContractCall resolves the signer wallet nonce, broadcasts a
// StacksTransactionSignRequest for payload over the peer bus, and then
// submits the encoded payload at once. It does not wait for or collect
// signatures from the other signers. Submission failures are returned and
// left for the next tenure to retry (spec §4.7).
func (c *Coordinator) submitContractCall(ctx context.Context, payload interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindInvariant, "encode contract call payload", err)
	}

	nonce, err := c.nextNonce(ctx)
	if err != nil {
		return err
	}
	c.broadcastContractCallSignRequest(ctx, nonce, encoded)

	if _, err := c.ctx.StacksClient().SubmitTx(ctx, encoded); err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "submit contract-chain call", err)
	}
	return nil
}

func (c *Coordinator) broadcastContractCallSignRequest(ctx context.Context, nonce uint64, payload []byte) {
	provider := c.ctx.NetProvider()
	if provider == nil {
		return
	}
	channel, err := provider.ChannelFor(StacksSignRequestChannel)
	if err != nil {
		logger.Warnf("could not open stacks-tx-sign channel: [%v]", err)
		return
	}
	msg := &StacksTransactionSignRequest{RequestID: uuid.New(), Nonce: nonce, Payload: payload}
	if err := channel.Send(ctx, msg); err != nil {
		logger.Warnf("could not broadcast stacks transaction sign request [%s]: [%v]", msg.RequestID, err)
	}
}

// finalizeContractChain walks the contract-chain's view of recently
// confirmed sweeps and issues complete-deposit/accept-withdrawal/
// reject-withdrawal calls for anything not yet reflected there (spec
// §4.4 step 6). Each call is retried on the next tenure until the
// contract chain shows it, so a submission failure here is logged, not
// fatal to the tenure.
func (c *Coordinator) finalizeContractChain(ctx context.Context, tip model.BitcoinBlock, contractTip model.ContractChainBlock) error {
	store := c.ctx.Storage()
	window := uint64(config.MaxReorgBlockCount)
	threshold := c.ctx.State().Load().SignerSet.SignaturesRequired

	deposits, err := store.PendingAcceptedDepositRequests(ctx, tip.BlockHash, window, threshold)
	if err != nil {
		return err
	}
	for _, d := range deposits {
		completed, err := c.ctx.StacksClient().IsDepositCompleted(ctx, d.Key)
		if err != nil {
			logger.Warnf("could not check deposit completion for [%v]: [%v]", d.Key, err)
			continue
		}
		if completed {
			continue
		}
		report, err := store.DepositRequestReport(ctx, tip.BlockHash, d.Key, c.identity)
		if err != nil || report.Status != model.DepositSpent {
			continue
		}
		call := completeDepositCall{
			Deposit:          d.Key,
			Amount:           report.Amount,
			SweepBlockHash:   report.ConfirmedHash,
			SweepBlockHeight: report.ConfirmedHeight,
			SweepTxid:        report.SweepTxid,
			Fee:              report.MaxFee,
		}
		if err := c.submitContractCall(ctx, call); err != nil {
			logger.Warnf("could not submit complete-deposit for [%v]: [%v]", d.Key, err)
		}
	}

	withdrawals, err := store.PendingAcceptedWithdrawalRequests(ctx, tip.BlockHash, contractTip, tip.Height, threshold)
	if err != nil {
		return err
	}
	for _, w := range withdrawals {
		completed, err := c.ctx.StacksClient().IsWithdrawalCompleted(ctx, w.Key)
		if err != nil || completed {
			continue
		}
		report, err := store.WithdrawalRequestReport(ctx, tip.BlockHash, contractTip, w.Key, c.identity)
		if err != nil || report.Status != model.WithdrawalFulfilled {
			continue
		}
		call := acceptWithdrawalCall{
			RequestID:        w.Key.RequestID,
			Fee:              report.MaxFee,
			SweepTxid:        report.FulfillingTxid,
		}
		if err := c.submitContractCall(ctx, call); err != nil {
			logger.Warnf("could not submit accept-withdrawal for [%v]: [%v]", w.Key, err)
		}
	}

	rejects, err := store.PendingRejectedWithdrawalRequests(ctx, tip.BlockHash, contractTip, config.WithdrawalMinConfirmations)
	if err != nil {
		return err
	}
	for _, w := range rejects {
		call := rejectWithdrawalCall{RequestID: w.Key.RequestID}
		if err := c.submitContractCall(ctx, call); err != nil {
			logger.Warnf("could not submit reject-withdrawal for [%v]: [%v]", w.Key, err)
		}
	}
	return nil
}
