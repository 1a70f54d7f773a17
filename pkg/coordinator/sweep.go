// Package coordinator implements the elected-leader tenure: DKG gating,
// sweep package construction, per-input signing rounds, and
// contract-chain finalization calls (spec §4.4-§4.7), grounded on
// pkg/tbtcpg/moving_funds.go's proposal-construction/commitment-hash
// shape and pkg/tbtc/redemption.go's fee-distribution and
// proposal-validity-window style.
package coordinator

import (
	"bytes"
	"crypto/sha256"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/config"
	"github.com/keep-network/sbtc-signer/pkg/keys"
	"github.com/keep-network/sbtc-signer/pkg/sbtcerr"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

// errInsufficientFunds is returned when the proposed sweep's inputs
// cannot cover its withdrawal payouts plus the assessed fee; the build
// is abandoned for this tip rather than under-paying a withdrawal.
var errInsufficientFunds = sbtcerr.New(sbtcerr.KindValidation, "sweep inputs do not cover withdrawal outputs and fee")

// Output indices fixed by spec §4.5: the new signer UTXO always comes
// first, the network marker second, withdrawal payouts after.
const (
	outputIndexSignerUTXO = 0
	outputIndexOpReturn   = 1
	outputIndexFirstOut   = 2
)

// EligibleDeposits filters the pending-accepted deposits spec §4.6 names:
// amount within the peg's per-deposit bounds and the running sweep total
// not exceeding the remaining mint headroom.
func EligibleDeposits(pending []model.DepositRequest, limits model.SbtcLimits) []model.DepositRequest {
	headroom := limits.MaxMintable

	var out []model.DepositRequest
	var swept uint64
	for _, d := range pending {
		if d.Amount < limits.PerDepositMinimum || d.Amount > limits.PerDepositCap {
			continue
		}
		if swept+d.Amount > headroom {
			continue
		}
		swept += d.Amount
		out = append(out, d)
	}
	return out
}

// EligibleWithdrawals filters the pending-accepted withdrawals spec §4.6
// names: dust floor, per-request cap, rolling-window cap, the
// confirmation-range window, and hard/soft expiry.
func EligibleWithdrawals(pending []model.WithdrawalRequest, limits model.SbtcLimits, tipHeight uint64, expiryBuffer uint64) []model.WithdrawalRequest {
	var out []model.WithdrawalRequest
	rollingSwept := limits.WithdrawnTotal
	for _, w := range pending {
		if w.Amount < config.WithdrawalDustLimit {
			continue
		}
		if w.Amount > limits.PerWithdrawalCap {
			continue
		}
		if rollingSwept+w.Amount > limits.RollingWithdrawalCap {
			continue
		}
		if tipHeight < w.BitcoinBlockHeight || tipHeight-w.BitcoinBlockHeight < config.WithdrawalMinConfirmations {
			continue
		}
		if tipHeight-w.BitcoinBlockHeight >= config.WithdrawalBlocksExpiry {
			continue
		}
		if expiryBuffer > 0 && tipHeight-w.BitcoinBlockHeight >= config.WithdrawalBlocksExpiry-expiryBuffer {
			continue
		}
		rollingSwept += w.Amount
		out = append(out, w)
	}
	return out
}

// Fingerprint computes spec §4.5's
// H(tip_hash || sorted(input_outpoints) || sorted(output_descriptors)),
// the value other signers use to recognize a re-proposed sweep package
// as the same one (making a repeated build idempotent).
func Fingerprint(tip bitcoin.BlockHash, inputs []bitcoin.OutPoint, outputs [][]byte) [32]byte {
	sortedInputs := make([]bitcoin.OutPoint, len(inputs))
	copy(sortedInputs, inputs)
	sort.Slice(sortedInputs, func(i, j int) bool {
		c := bytes.Compare(sortedInputs[i].TxID[:], sortedInputs[j].TxID[:])
		if c != 0 {
			return c < 0
		}
		return sortedInputs[i].Index < sortedInputs[j].Index
	})

	sortedOutputs := make([][]byte, len(outputs))
	copy(sortedOutputs, outputs)
	sort.Slice(sortedOutputs, func(i, j int) bool {
		return bytes.Compare(sortedOutputs[i], sortedOutputs[j]) < 0
	})

	h := sha256.New()
	h.Write(tip[:])
	for _, in := range sortedInputs {
		h.Write(in.TxID[:])
		var idx [4]byte
		idx[0] = byte(in.Index)
		idx[1] = byte(in.Index >> 8)
		idx[2] = byte(in.Index >> 16)
		idx[3] = byte(in.Index >> 24)
		h.Write(idx[:])
	}
	for _, out := range sortedOutputs {
		h.Write(out)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// PlannedInput is one input of a proposed sweep package, not yet signed.
type PlannedInput struct {
	Outpoint     bitcoin.OutPoint
	Amount       uint64
	ScriptPubKey []byte
	Type         bitcoin.PrevoutType
	Deposit      *model.DepositKey
}

// PlannedOutput is one output of a proposed sweep package.
type PlannedOutput struct {
	ScriptPubKey []byte
	Amount       uint64
	Type         bitcoin.OutputType
	Withdrawal   *model.WithdrawalKey
}

// SweepPlan is a fully assembled, unsigned sweep package (spec §4.5).
type SweepPlan struct {
	Tip         bitcoin.BlockHash
	Fingerprint [32]byte
	Inputs      []PlannedInput
	Outputs     []PlannedOutput
	Tx          *wire.MsgTx
	FeeRate     float64
}

// BuildSweepPlan assembles the sweep transaction: input 0 is always the
// current signer UTXO; output 0 is the new signer UTXO locked by
// aggregateKey; output 1 is the network's OP_RETURN marker; eligible
// withdrawal payouts follow. The new signer output absorbs every
// deposit amount swept in, minus the assessed fee.
func BuildSweepPlan(
	tip bitcoin.BlockHash,
	utxo model.SignerUTXO,
	deposits []model.DepositRequest,
	withdrawals []model.WithdrawalRequest,
	aggregateKey keys.PublicKey,
	feeRate float64,
	magic [2]byte,
) (*SweepPlan, error) {
	signerScriptPubKey, err := aggregateKey.SignersScriptPubKey()
	if err != nil {
		return nil, err
	}

	inputs := []PlannedInput{{
		Outpoint:     utxo.Outpoint,
		Amount:       utxo.Amount,
		ScriptPubKey: utxo.ScriptPubKey,
		Type:         bitcoin.PrevoutSignersInput,
	}}
	var depositTotal uint64
	for i := range deposits {
		d := deposits[i]
		inputs = append(inputs, PlannedInput{
			Outpoint:     bitcoin.OutPoint{TxID: d.Key.Txid, Index: d.Key.OutputIndex},
			Amount:       d.Amount,
			ScriptPubKey: d.DepositScript,
			Type:         bitcoin.PrevoutDeposit,
			Deposit:      &d.Key,
		})
		depositTotal += d.Amount
	}

	opReturn, err := txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN).AddData(magic[:]).Script()
	if err != nil {
		return nil, err
	}

	outputs := []PlannedOutput{
		{ScriptPubKey: signerScriptPubKey, Type: bitcoin.OutputSignersOutput},
		{ScriptPubKey: opReturn, Amount: 0, Type: bitcoin.OutputDonation},
	}
	var withdrawalTotal uint64
	for i := range withdrawals {
		w := withdrawals[i]
		outputs = append(outputs, PlannedOutput{
			ScriptPubKey: w.Recipient,
			Amount:       w.Amount - w.MaxFee,
			Type:         bitcoin.OutputWithdrawal,
			Withdrawal:   &w.Key,
		})
		withdrawalTotal += w.Amount
	}

	estVsize := 70*len(inputs) + 40*len(outputs)
	fee := uint64(feeRate * float64(estVsize))
	if fee == 0 {
		fee = 1
	}

	inTotal := utxo.Amount + depositTotal
	if inTotal < withdrawalTotal+fee {
		return nil, errInsufficientFunds
	}
	outputs[0].Amount = inTotal - withdrawalTotal - fee

	var outpoints []bitcoin.OutPoint
	var descriptors [][]byte
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, in := range inputs {
		outpoints = append(outpoints, in.Outpoint)
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{Hash: in.Outpoint.TxID, Index: in.Outpoint.Index},
		})
	}
	for _, out := range outputs {
		descriptors = append(descriptors, append(append([]byte{}, out.ScriptPubKey...), encodeAmount(out.Amount)...))
		tx.AddTxOut(wire.NewTxOut(int64(out.Amount), out.ScriptPubKey))
	}

	return &SweepPlan{
		Tip:         tip,
		Fingerprint: Fingerprint(tip, outpoints, descriptors),
		Inputs:      inputs,
		Outputs:     outputs,
		Tx:          tx,
		FeeRate:     feeRate,
	}, nil
}

func encodeAmount(amount uint64) []byte {
	var b [8]byte
	for i := range b {
		b[i] = byte(amount >> (8 * i))
	}
	return b[:]
}

// sweepFee reports the assessed miner fee of a built plan in BTC-denominated
// form for logging, matching the btcutil.Amount.String display convention
// used throughout the btcsuite ecosystem instead of a raw satoshi integer.
func sweepFee(plan *SweepPlan) btcutil.Amount {
	var in, out int64
	for _, i := range plan.Inputs {
		in += int64(i.Amount)
	}
	for _, o := range plan.Outputs {
		out += int64(o.Amount)
	}
	return btcutil.Amount(in - out)
}
