// Package requestdecider casts this signer's accept/sign votes on
// every pending deposit and withdrawal request (spec §4.2), grounded
// on spec §4.3 for the decision rules and on pkg/sortition's
// MonitorPool for the "react, log-and-continue on failure, never block
// the loop on one bad item" shape — adapted from a time.Ticker to the
// signal bus, since this component reacts to the block observer
// rather than polling a chain directly.
package requestdecider

import (
	"context"
	"encoding/hex"

	"github.com/ipfs/go-log/v2"

	"github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/blocklist"
	sbtccontext "github.com/keep-network/sbtc-signer/pkg/context"
	"github.com/keep-network/sbtc-signer/pkg/keys"
	netpkg "github.com/keep-network/sbtc-signer/pkg/net"
	"github.com/keep-network/sbtc-signer/pkg/sbtcerr"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

var logger = log.Logger("requestdecider")

// RequestDecider casts and broadcasts this signer's vote on every
// deposit/withdrawal request that enters the context window without
// one yet (spec §4.3).
type RequestDecider struct {
	ctx       sbtccontext.Context
	identity  keys.PublicKey
	blocklist blocklist.Checker
}

// New builds a RequestDecider. identity is this signer's own public
// key, the one votes are attributed to and DKG-set membership is
// checked against.
func New(ctx sbtccontext.Context, identity keys.PublicKey, checker blocklist.Checker) *RequestDecider {
	return &RequestDecider{ctx: ctx, identity: identity, blocklist: checker}
}

// Run casts votes every time the block observer reports a new Bitcoin
// block, until the termination handle fires.
func (d *RequestDecider) Run(ctx context.Context) error {
	signals, unsubscribe := d.ctx.Signals()
	defer unsubscribe()
	term := d.ctx.TerminationHandle()

	for {
		select {
		case <-term.Done():
			logger.Info("request decider has stopped")
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
			if err := d.DecideAll(ctx); err != nil {
				logger.Warnf("could not decide pending requests: [%v]", err)
			}
		}
	}
}

// DecideAll casts votes on every deposit and withdrawal request within
// the configured context window that this signer hasn't voted on yet.
func (d *RequestDecider) DecideAll(ctx context.Context) error {
	state := d.ctx.State().Load()
	tip := state.BitcoinChainTip.BlockHash
	if tip == (bitcoin.BlockHash{}) {
		return nil
	}

	if err := d.decideDeposits(ctx, tip); err != nil {
		return err
	}
	return d.decideWithdrawals(ctx, tip, state.ContractChainTip)
}

func (d *RequestDecider) decideDeposits(ctx context.Context, tip bitcoin.BlockHash) error {
	window := uint64(d.ctx.Config().Signer.ContextWindow)
	pending, err := d.ctx.Storage().DepositRequestsAwaitingVote(ctx, tip, window, d.identity)
	if err != nil {
		return err
	}

	for _, req := range pending {
		vote, err := d.decideDeposit(ctx, req)
		if err != nil {
			logger.Warnf("could not decide deposit [%v]: [%v]", req.Key, err)
			continue
		}
		if err := d.ctx.Storage().WriteDepositSignerVote(ctx, vote); err != nil {
			return err
		}
		d.broadcast(ctx, &depositVoteMessage{Vote: vote})
	}
	return nil
}

func (d *RequestDecider) decideDeposit(ctx context.Context, req model.DepositRequest) (model.DepositSignerVote, error) {
	canAccept := true
	for _, senderScriptPubKey := range req.SenderScriptPubKeys {
		blocked, err := d.blocklist.IsBlocked(ctx, hex.EncodeToString(senderScriptPubKey))
		if err != nil {
			return model.DepositSignerVote{}, sbtcerr.Wrap(sbtcerr.KindTransient, "check blocklist", err)
		}
		if blocked {
			canAccept = false
			break
		}
	}

	return model.DepositSignerVote{
		Deposit:      req.Key,
		SignerPubKey: d.identity,
		CanAccept:    canAccept,
		CanSign:      d.isMemberOfSignerSet(ctx, req.SignersPublicKey),
	}, nil
}

// isMemberOfSignerSet reports whether this signer took part in the DKG
// round req.SignersPublicKey identifies; a deposit whose aggregate key
// belongs to nobody we recognize never gets can_sign=true.
func (d *RequestDecider) isMemberOfSignerSet(ctx context.Context, aggregateKey keys.PublicKey) bool {
	shares, ok, err := d.ctx.Storage().DkgSharesByAggregateKey(ctx, aggregateKey)
	if err != nil {
		logger.Warnf("could not look up dkg shares for [%v]: [%v]", aggregateKey, err)
		return false
	}
	if !ok {
		return false
	}
	for _, k := range shares.SignerSetPublicKeys {
		if k.Equal(d.identity) {
			return true
		}
	}
	return false
}

func (d *RequestDecider) decideWithdrawals(ctx context.Context, tip bitcoin.BlockHash, contractTip model.ContractChainBlock) error {
	window := uint64(d.ctx.Config().Signer.ContextWindow)
	pending, err := d.ctx.Storage().WithdrawalRequestsAwaitingVote(ctx, tip, contractTip, window, d.identity)
	if err != nil {
		return err
	}

	for _, req := range pending {
		vote, err := d.decideWithdrawal(ctx, req)
		if err != nil {
			logger.Warnf("could not decide withdrawal [%v]: [%v]", req.Key, err)
			continue
		}
		if err := d.ctx.Storage().WriteWithdrawalSignerVote(ctx, vote); err != nil {
			return err
		}
		d.broadcast(ctx, &withdrawalVoteMessage{Vote: vote})
	}
	return nil
}

func (d *RequestDecider) decideWithdrawal(ctx context.Context, req model.WithdrawalRequest) (model.WithdrawalSignerVote, error) {
	isAccepted := true
	if req.SenderAddress != "" {
		blocked, err := d.blocklist.IsBlocked(ctx, req.SenderAddress)
		if err != nil {
			return model.WithdrawalSignerVote{}, sbtcerr.Wrap(sbtcerr.KindTransient, "check blocklist", err)
		}
		isAccepted = !blocked
	}
	return model.WithdrawalSignerVote{
		Withdrawal: req.Key,
		Signer:     d.identity,
		IsAccepted: isAccepted,
	}, nil
}

// broadcast fans a decided vote out to the rest of the cohort. A
// broadcast failure never unwinds the vote that's already durably
// written; it's only logged, since every other signer reaches the same
// decision independently from the same chain state.
func (d *RequestDecider) broadcast(ctx context.Context, msg netpkg.TaggedMarshaler) {
	provider := d.ctx.NetProvider()
	if provider == nil {
		return
	}
	channel, err := provider.ChannelFor(requestVotesChannel)
	if err != nil {
		logger.Warnf("could not open request-votes channel: [%v]", err)
		return
	}
	if err := channel.Send(ctx, msg); err != nil {
		logger.Warnf("could not broadcast vote: [%v]", err)
	}
}
