package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/config"
	"github.com/keep-network/sbtc-signer/pkg/keys"
	"github.com/keep-network/sbtc-signer/pkg/sbtcerr"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

// withdrawalOutputKey is the composite key of a sweep's proposed
// withdrawal output decision.
type withdrawalOutputKey struct {
	txid  bitcoin.TxID
	index uint32
}

type sweepTx struct {
	blockHash bitcoin.BlockHash
	prevouts  []model.TxPrevout
	outputs   []model.TxOutput
}

// memoryStore is an in-memory, mutex-guarded implementation of Store. It
// plays the role the Rust original's storage::memory::Store test double
// plays: a faithful rendition of every query contract in spec §4.1 without
// a real database underneath, which is the right scope here since the
// Postgres schema itself is out of scope (see DESIGN.md).
type memoryStore struct {
	mu sync.Mutex

	blocks         map[bitcoin.BlockHash]model.BitcoinBlock
	contractBlocks map[[32]byte]model.ContractChainBlock

	deposits     map[model.DepositKey]model.DepositRequest
	depositBlock map[model.DepositKey]bitcoin.BlockHash
	depositVotes map[model.DepositKey][]model.DepositSignerVote

	withdrawals     map[model.WithdrawalKey]model.WithdrawalRequest
	withdrawalVotes map[model.WithdrawalKey][]model.WithdrawalSignerVote

	sweepTxs map[bitcoin.TxID]sweepTx

	dkgShares map[string]model.EncryptedDkgShares
	dkgOrder  []string

	keyRotations []model.KeyRotationEvent

	sighashDecisions          map[[32]byte]model.BitcoinTxSighash
	withdrawalOutputDecisions map[withdrawalOutputKey]model.BitcoinWithdrawalOutput

	completedDeposits  map[model.DepositKey]model.CompletedDepositEvent
	withdrawalAccepts  map[model.WithdrawalKey]model.WithdrawalAcceptEvent
	withdrawalRejects  map[model.WithdrawalKey]model.WithdrawalRejectEvent
}

// NewMemoryStore returns an empty Store.
func NewMemoryStore() Store {
	return &memoryStore{
		blocks:                    make(map[bitcoin.BlockHash]model.BitcoinBlock),
		contractBlocks:            make(map[[32]byte]model.ContractChainBlock),
		deposits:                  make(map[model.DepositKey]model.DepositRequest),
		depositBlock:              make(map[model.DepositKey]bitcoin.BlockHash),
		depositVotes:              make(map[model.DepositKey][]model.DepositSignerVote),
		withdrawals:               make(map[model.WithdrawalKey]model.WithdrawalRequest),
		withdrawalVotes:           make(map[model.WithdrawalKey][]model.WithdrawalSignerVote),
		sweepTxs:                  make(map[bitcoin.TxID]sweepTx),
		dkgShares:                 make(map[string]model.EncryptedDkgShares),
		sighashDecisions:          make(map[[32]byte]model.BitcoinTxSighash),
		withdrawalOutputDecisions: make(map[withdrawalOutputKey]model.BitcoinWithdrawalOutput),
		completedDeposits:         make(map[model.DepositKey]model.CompletedDepositEvent),
		withdrawalAccepts:         make(map[model.WithdrawalKey]model.WithdrawalAcceptEvent),
		withdrawalRejects:         make(map[model.WithdrawalKey]model.WithdrawalRejectEvent),
	}
}

func pubkeyKey(pk keys.PublicKey) string { return string(pk.Bytes()) }

// --- ancestry helpers -------------------------------------------------

// ancestorPath walks parent links from tip, newest first, stopping at a
// block whose parent is unknown (the genesis/checkpoint boundary).
func (s *memoryStore) ancestorPath(tip bitcoin.BlockHash) []model.BitcoinBlock {
	var path []model.BitcoinBlock
	cur := tip
	seen := make(map[bitcoin.BlockHash]bool)
	for {
		b, ok := s.blocks[cur]
		if !ok || seen[cur] {
			break
		}
		seen[cur] = true
		path = append(path, b)
		if b.ParentHash == (bitcoin.BlockHash{}) {
			break
		}
		cur = b.ParentHash
	}
	return path
}

func (s *memoryStore) isAncestorOrSelf(tip, candidate bitcoin.BlockHash) bool {
	for _, b := range s.ancestorPath(tip) {
		if b.BlockHash == candidate {
			return true
		}
	}
	return false
}

// contractAncestorPath walks the contract-chain parent links reachable
// from contractTip.
func (s *memoryStore) contractAncestorPath(contractTip model.ContractChainBlock) []model.ContractChainBlock {
	var path []model.ContractChainBlock
	cur := contractTip
	seen := make(map[[32]byte]bool)
	for {
		if seen[cur.BlockHash] {
			break
		}
		seen[cur.BlockHash] = true
		path = append(path, cur)
		parent, ok := s.contractBlocks[cur.ParentHash]
		if !ok {
			break
		}
		cur = parent
	}
	return path
}

// --- DbRead -------------------------------------------------------------

func (s *memoryStore) CanonicalBitcoinTip(ctx context.Context) (model.BitcoinBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best model.BitcoinBlock
	found := false
	for _, b := range s.blocks {
		if !found || b.Height > best.Height ||
			(b.Height == best.Height && greaterHash(b.BlockHash, best.BlockHash)) {
			best = b
			found = true
		}
	}
	if !found {
		return model.BitcoinBlock{}, sbtcerr.ErrNoChainTip
	}
	return best, nil
}

func greaterHash(a, b bitcoin.BlockHash) bool {
	return compareHash(a, b) > 0
}

func compareHash(a, b bitcoin.BlockHash) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] > b[i] {
				return 1
			}
			return -1
		}
	}
	return 0
}

func (s *memoryStore) CanonicalContractTip(ctx context.Context, tip bitcoin.BlockHash) (model.ContractChainBlock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ancestors := make(map[bitcoin.BlockHash]bool)
	for _, b := range s.ancestorPath(tip) {
		ancestors[b.BlockHash] = true
	}

	var best model.ContractChainBlock
	found := false
	for _, cb := range s.contractBlocks {
		if !ancestors[cb.BitcoinAnchor] {
			continue
		}
		if !found || cb.Height > best.Height ||
			(cb.Height == best.Height && bytesGreater(cb.BlockHash[:], best.BlockHash[:])) {
			best = cb
			found = true
		}
	}
	return best, found, nil
}

func bytesGreater(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

func (s *memoryStore) BitcoinBlockchainUntil(ctx context.Context, tip bitcoin.BlockHash, minHeight uint64) ([]model.BitcoinBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.BitcoinBlock
	for _, b := range s.ancestorPath(tip) {
		if b.Height < minHeight {
			break
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *memoryStore) GetBitcoinBlock(ctx context.Context, hash bitcoin.BlockHash) (model.BitcoinBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[hash]
	if !ok {
		return model.BitcoinBlock{}, sbtcerr.ErrUnknownBitcoinBlock
	}
	return b, nil
}

func (s *memoryStore) InCanonicalBitcoinBlockchain(ctx context.Context, tip, candidate bitcoin.BlockHash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAncestorOrSelf(tip, candidate), nil
}

func (s *memoryStore) GetDepositRequest(ctx context.Context, key model.DepositKey) (model.DepositRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deposits[key]
	if !ok {
		return model.DepositRequest{}, sbtcerr.NotFound("deposit request")
	}
	return d, nil
}

// spentDepositOutpoints returns the set of deposit outpoints consumed as
// PrevoutDeposit inputs by a sweep transaction confirmed on tip's
// ancestor path.
func (s *memoryStore) spentDepositOutpoints(tip bitcoin.BlockHash) map[bitcoin.OutPoint]bool {
	spent := make(map[bitcoin.OutPoint]bool)
	for _, tx := range s.sweepTxs {
		if !s.isAncestorOrSelf(tip, tx.blockHash) {
			continue
		}
		for _, p := range tx.prevouts {
			if p.PrevoutType != bitcoin.PrevoutDeposit {
				continue
			}
			spent[bitcoin.OutPoint{TxID: p.PrevoutTxid, Index: p.PrevoutIndex}] = true
		}
	}
	return spent
}

func hasVotedDeposit(votes []model.DepositSignerVote, signer keys.PublicKey) bool {
	for _, v := range votes {
		if v.SignerPubKey.Equal(signer) {
			return true
		}
	}
	return false
}

func hasVotedWithdrawal(votes []model.WithdrawalSignerVote, signer keys.PublicKey) bool {
	for _, v := range votes {
		if v.Signer.Equal(signer) {
			return true
		}
	}
	return false
}

func (s *memoryStore) DepositRequestsAwaitingVote(ctx context.Context, tip bitcoin.BlockHash, window uint64, signer keys.PublicKey) ([]model.DepositRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tipBlock, ok := s.blocks[tip]
	if !ok {
		return nil, sbtcerr.ErrUnknownBitcoinBlock
	}

	var out []model.DepositRequest
	for key, req := range s.deposits {
		confBlockHash, confirmed := s.depositBlock[key]
		if !confirmed || !s.isAncestorOrSelf(tip, confBlockHash) {
			continue
		}
		confBlock := s.blocks[confBlockHash]
		if tipBlock.Height-confBlock.Height >= window {
			continue
		}
		if hasVotedDeposit(s.depositVotes[key], signer) {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		return depositKeyLess(out[i].Key, out[j].Key)
	})
	return out, nil
}

func (s *memoryStore) WithdrawalRequestsAwaitingVote(ctx context.Context, tip bitcoin.BlockHash, contractTip model.ContractChainBlock, window uint64, signer keys.PublicKey) ([]model.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tipBlock, ok := s.blocks[tip]
	if !ok {
		return nil, sbtcerr.ErrUnknownBitcoinBlock
	}

	onContractChain := make(map[[32]byte]bool)
	for _, cb := range s.contractAncestorPath(contractTip) {
		onContractChain[cb.BlockHash] = true
	}

	var out []model.WithdrawalRequest
	for key, req := range s.withdrawals {
		if !onContractChain[key.StacksBlockHash] {
			continue
		}
		if tipBlock.Height < req.BitcoinBlockHeight || tipBlock.Height-req.BitcoinBlockHeight >= window {
			continue
		}
		if hasVotedWithdrawal(s.withdrawalVotes[key], signer) {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.RequestID < out[j].Key.RequestID })
	return out, nil
}

func (s *memoryStore) PendingAcceptedDepositRequests(ctx context.Context, tip bitcoin.BlockHash, window uint64, threshold uint32) ([]model.DepositRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tipBlock, ok := s.blocks[tip]
	if !ok {
		return nil, sbtcerr.ErrUnknownBitcoinBlock
	}
	spent := s.spentDepositOutpoints(tip)

	var out []model.DepositRequest
	for key, req := range s.deposits {
		confBlockHash, ok := s.depositBlock[key]
		if !ok || !s.isAncestorOrSelf(tip, confBlockHash) {
			continue
		}
		confBlock := s.blocks[confBlockHash]
		if tipBlock.Height-confBlock.Height >= window {
			continue
		}
		if confBlock.Height+uint64(req.LockTime) < tipBlock.Height+uint64(config.DepositLocktimeBlockBuffer)+1 {
			continue
		}
		if spent[bitcoin.OutPoint{TxID: key.Txid, Index: key.OutputIndex}] {
			continue
		}
		if countDepositAcceptVotes(s.depositVotes[key]) < threshold {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		return depositKeyLess(out[i].Key, out[j].Key)
	})
	return out, nil
}

func depositKeyLess(a, b model.DepositKey) bool {
	c := compareHash(a.Txid, b.Txid)
	if c != 0 {
		return c < 0
	}
	return a.OutputIndex < b.OutputIndex
}

func countDepositAcceptVotes(votes []model.DepositSignerVote) uint32 {
	seen := make(map[string]bool)
	var n uint32
	for _, v := range votes {
		if !v.CanAccept || !v.CanSign {
			continue
		}
		k := pubkeyKey(v.SignerPubKey)
		if seen[k] {
			continue
		}
		seen[k] = true
		n++
	}
	return n
}

func countWithdrawalAcceptVotes(votes []model.WithdrawalSignerVote) uint32 {
	seen := make(map[string]bool)
	var n uint32
	for _, v := range votes {
		if !v.IsAccepted {
			continue
		}
		k := pubkeyKey(v.Signer)
		if seen[k] {
			continue
		}
		seen[k] = true
		n++
	}
	return n
}

func (s *memoryStore) isWithdrawalSwept(tip bitcoin.BlockHash, key model.WithdrawalKey) bool {
	for wok, decision := range s.withdrawalOutputDecisions {
		if decision.Withdrawal != key || !decision.IsValidTx {
			continue
		}
		tx, ok := s.sweepTxs[wok.txid]
		if !ok {
			continue
		}
		if s.isAncestorOrSelf(tip, tx.blockHash) {
			return true
		}
	}
	return false
}

func (s *memoryStore) PendingAcceptedWithdrawalRequests(ctx context.Context, tip bitcoin.BlockHash, contractTip model.ContractChainBlock, minBitcoinHeight uint64, threshold uint32) ([]model.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	onContractChain := make(map[[32]byte]bool)
	for _, cb := range s.contractAncestorPath(contractTip) {
		onContractChain[cb.BlockHash] = true
	}

	var out []model.WithdrawalRequest
	for key, req := range s.withdrawals {
		if !onContractChain[key.StacksBlockHash] {
			continue
		}
		if req.BitcoinBlockHeight < minBitcoinHeight {
			continue
		}
		if _, rejected := s.withdrawalRejects[key]; rejected {
			continue
		}
		if s.isWithdrawalSwept(tip, key) {
			continue
		}
		if countWithdrawalAcceptVotes(s.withdrawalVotes[key]) < threshold {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.RequestID < out[j].Key.RequestID })
	return out, nil
}

func (s *memoryStore) PendingRejectedWithdrawalRequests(ctx context.Context, tip bitcoin.BlockHash, contractTip model.ContractChainBlock, minConfirmations uint64) ([]model.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	onContractChain := make(map[[32]byte]bool)
	for _, cb := range s.contractAncestorPath(contractTip) {
		onContractChain[cb.BlockHash] = true
	}

	var out []model.WithdrawalRequest
	tipBlock, ok := s.blocks[tip]
	if !ok {
		return nil, sbtcerr.ErrUnknownBitcoinBlock
	}
	for key, req := range s.withdrawals {
		if !onContractChain[key.StacksBlockHash] {
			continue
		}
		if _, rejected := s.withdrawalRejects[key]; rejected {
			continue
		}
		if _, accepted := s.withdrawalAccepts[key]; accepted {
			continue
		}
		if s.isWithdrawalSwept(tip, key) {
			continue
		}
		active := s.isWithdrawalActiveLocked(key, tip, minConfirmations)
		expired := tipBlock.Height >= req.BitcoinBlockHeight+uint64(config.WithdrawalBlocksExpiry)
		if !active && expired {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.RequestID < out[j].Key.RequestID })
	return out, nil
}

// spentSignerOutpoints returns every (txid,index) PrevoutSignersInput
// prevout consumed by a confirmed sweep on tip's ancestor path, i.e. the
// set of spent signer outputs.
func (s *memoryStore) spentSignerOutpoints(tip bitcoin.BlockHash) map[bitcoin.OutPoint]bool {
	spent := make(map[bitcoin.OutPoint]bool)
	for _, tx := range s.sweepTxs {
		if !s.isAncestorOrSelf(tip, tx.blockHash) {
			continue
		}
		for _, p := range tx.prevouts {
			if p.PrevoutType != bitcoin.PrevoutSignersInput {
				continue
			}
			spent[bitcoin.OutPoint{TxID: p.PrevoutTxid, Index: p.PrevoutIndex}] = true
		}
	}
	return spent
}

func (s *memoryStore) SignerUTXO(ctx context.Context, tip bitcoin.BlockHash) (model.SignerUTXO, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tipBlock, ok := s.blocks[tip]
	if !ok {
		return model.SignerUTXO{}, sbtcerr.ErrUnknownBitcoinBlock
	}

	spentSigner := s.spentSignerOutpoints(tip)

	// First, scan back through the chain of signer-input->signer-output
	// sweep transactions, bounded by the mempool-package window, to find
	// one confirmed at least MaxReorgBlockCount blocks deep: that block's
	// height is the anchor (spec §4.1 signer_utxo's "deeply confirmed"
	// bound). The anchor transaction's output need not still be unspent —
	// it may well have been consumed by a later, shallower sweep — it
	// only fixes the floor height to select the actual current UTXO from.
	var anchorHeight uint64
	anchorFound := false
	txsConsidered := 0
	maxTxs := int(config.MaxMempoolPackageTxCount)*int(config.MaxReorgBlockCount) + 1

ancestorSearch:
	for _, b := range s.ancestorPath(tip) {
		for _, tx := range s.sweepTxs {
			if tx.blockHash != b.BlockHash {
				continue
			}
			txsConsidered++
			if txsConsidered > maxTxs {
				break ancestorSearch
			}
			if tipBlock.Height-b.Height < uint64(config.MaxReorgBlockCount) {
				continue
			}
			for _, out := range tx.outputs {
				if out.OutputType != bitcoin.OutputSignersOutput {
					continue
				}
				anchorHeight = b.Height
				anchorFound = true
				break ancestorSearch
			}
		}
	}

	// Second, select the best unspent signer output from any block at or
	// above the anchor height — including shallow, freshly-confirmed
	// sweep outputs, which are valid candidates for the next sweep.
	if anchorFound {
		type candidate struct {
			out    model.TxOutput
			height uint64
		}
		var candidates []candidate
		for _, b := range s.ancestorPath(tip) {
			if b.Height < anchorHeight {
				continue
			}
			for _, tx := range s.sweepTxs {
				if tx.blockHash != b.BlockHash {
					continue
				}
				for _, out := range tx.outputs {
					if out.OutputType != bitcoin.OutputSignersOutput {
						continue
					}
					op := bitcoin.OutPoint{TxID: out.Txid, Index: out.OutputIndex}
					if spentSigner[op] {
						continue
					}
					candidates = append(candidates, candidate{out: out, height: b.Height})
				}
			}
		}

		if len(candidates) > 0 {
			best := candidates[0]
			for _, c := range candidates[1:] {
				if c.out.Amount > best.out.Amount {
					best = c
				}
			}
			return model.SignerUTXO{
				Outpoint:     bitcoin.OutPoint{TxID: best.out.Txid, Index: best.out.OutputIndex},
				Amount:       best.out.Amount,
				ScriptPubKey: best.out.ScriptPubKey,
			}, nil
		}
	}

	// No sweep is MaxReorgBlockCount blocks deep, or every signer output
	// at or above it is spent: fall back to the earliest donation UTXO on
	// the canonical chain.
	var donation *model.SignerUTXO
	var donationHeight uint64
	for _, b := range s.ancestorPath(tip) {
		for _, tx := range s.sweepTxs {
			if tx.blockHash != b.BlockHash {
				continue
			}
			for _, out := range tx.outputs {
				if out.OutputType != bitcoin.OutputDonation {
					continue
				}
				op := bitcoin.OutPoint{TxID: out.Txid, Index: out.OutputIndex}
				if spentSigner[op] {
					continue
				}
				if donation == nil || b.Height < donationHeight {
					donation = &model.SignerUTXO{
						Outpoint:     op,
						Amount:       out.Amount,
						ScriptPubKey: out.ScriptPubKey,
					}
					donationHeight = b.Height
				}
			}
		}
	}
	if donation != nil {
		return *donation, nil
	}
	return model.SignerUTXO{}, sbtcerr.NotFound("no signer utxo")
}

// isWithdrawalActiveLocked must be called with s.mu held.
func (s *memoryStore) isWithdrawalActiveLocked(id model.WithdrawalKey, tip bitcoin.BlockHash, minConfirmations uint64) bool {
	proposed := false
	for _, d := range s.withdrawalOutputDecisions {
		if d.Withdrawal == id && d.IsValidTx {
			proposed = true
			break
		}
	}
	if !proposed {
		return false
	}

	tipBlock, ok := s.blocks[tip]
	if !ok {
		return false
	}
	spentSigner := s.spentSignerOutpoints(tip)
	for _, b := range s.ancestorPath(tip) {
		for _, tx := range s.sweepTxs {
			if tx.blockHash != b.BlockHash {
				continue
			}
			for _, out := range tx.outputs {
				if out.OutputType != bitcoin.OutputSignersOutput {
					continue
				}
				op := bitcoin.OutPoint{TxID: out.Txid, Index: out.OutputIndex}
				if spentSigner[op] {
					continue
				}
				confirmations := tipBlock.Height - b.Height + 1
				if confirmations < minConfirmations {
					return true
				}
				return false
			}
		}
	}
	// No subsequent signer UTXO confirmed at all since the proposal.
	return true
}

func (s *memoryStore) IsWithdrawalActive(ctx context.Context, id model.WithdrawalKey, tip bitcoin.BlockHash, minConfirmations uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isWithdrawalActiveLocked(id, tip, minConfirmations), nil
}

func (s *memoryStore) DepositRequestReport(ctx context.Context, tip bitcoin.BlockHash, key model.DepositKey, signer keys.PublicKey) (model.DepositReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.deposits[key]
	if !ok {
		return model.DepositReport{}, sbtcerr.NotFound("deposit request")
	}

	report := model.DepositReport{
		Amount:           req.Amount,
		MaxFee:           req.MaxFee,
		LockTime:         req.LockTime,
		Outpoint:         bitcoin.OutPoint{TxID: key.Txid, Index: key.OutputIndex},
		DepositScript:    req.DepositScript,
		ReclaimScript:    req.ReclaimScript,
		SignersPublicKey: req.SignersPublicKey,
	}

	for _, v := range s.depositVotes[key] {
		if v.SignerPubKey.Equal(signer) {
			report.CanAccept = v.CanAccept
			report.CanSign = v.CanSign
		}
	}

	if shares, ok := s.dkgShares[pubkeyKey(req.SignersPublicKey)]; ok {
		report.DkgSharesStatus = shares.Status
	}

	confBlockHash, confirmed := s.depositBlock[key]
	switch {
	case !confirmed:
		report.Status = model.DepositUnconfirmed
	default:
		spent := s.spentDepositOutpoints(tip)
		if spent[bitcoin.OutPoint{TxID: key.Txid, Index: key.OutputIndex}] {
			report.Status = model.DepositSpent
			for txid, tx := range s.sweepTxs {
				for _, p := range tx.prevouts {
					if p.PrevoutTxid == key.Txid && p.PrevoutIndex == key.OutputIndex {
						report.SweepTxid = txid
					}
				}
			}
		} else {
			report.Status = model.DepositConfirmed
			report.ConfirmedHeight = s.blocks[confBlockHash].Height
			report.ConfirmedHash = confBlockHash
		}
	}

	return report, nil
}

func (s *memoryStore) WithdrawalRequestReport(ctx context.Context, tip bitcoin.BlockHash, contractTip model.ContractChainBlock, id model.WithdrawalKey, signer keys.PublicKey) (model.WithdrawalReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.withdrawals[id]
	if !ok {
		return model.WithdrawalReport{}, sbtcerr.NotFound("withdrawal request")
	}

	report := model.WithdrawalReport{
		Amount:             req.Amount,
		MaxFee:             req.MaxFee,
		Recipient:          req.Recipient,
		BitcoinBlockHeight: req.BitcoinBlockHeight,
	}
	for _, v := range s.withdrawalVotes[id] {
		if v.Signer.Equal(signer) {
			report.IsAccepted = v.IsAccepted
		}
	}

	if s.isWithdrawalSwept(tip, id) {
		report.Status = model.WithdrawalFulfilled
		for wok, decision := range s.withdrawalOutputDecisions {
			if decision.Withdrawal == id && decision.IsValidTx {
				report.FulfillingTxid = wok.txid
			}
		}
		return report, nil
	}
	if _, accepted := s.withdrawalAccepts[id]; accepted {
		report.Status = model.WithdrawalConfirmed
		return report, nil
	}
	report.Status = model.WithdrawalUnconfirmed
	return report, nil
}

func (s *memoryStore) LatestDkgShares(ctx context.Context) (model.EncryptedDkgShares, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.dkgOrder) == 0 {
		return model.EncryptedDkgShares{}, false, nil
	}
	return s.dkgShares[s.dkgOrder[len(s.dkgOrder)-1]], true, nil
}

func (s *memoryStore) DkgSharesByAggregateKey(ctx context.Context, key keys.PublicKey) (model.EncryptedDkgShares, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shares, ok := s.dkgShares[pubkeyKey(key)]
	return shares, ok, nil
}

func (s *memoryStore) VerifiedAggregateKeys(ctx context.Context) ([]keys.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []keys.PublicKey
	for i := len(s.dkgOrder) - 1; i >= 0; i-- {
		shares := s.dkgShares[s.dkgOrder[i]]
		if shares.Status == model.DkgSharesVerified {
			out = append(out, shares.AggregateKey)
		}
	}
	return out, nil
}

func (s *memoryStore) LatestKeyRotation(ctx context.Context) (model.KeyRotationEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.keyRotations) == 0 {
		return model.KeyRotationEvent{}, false, nil
	}
	return s.keyRotations[len(s.keyRotations)-1], true, nil
}

func (s *memoryStore) GetSighashDecision(ctx context.Context, sighash [32]byte) (model.BitcoinTxSighash, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.sighashDecisions[sighash]
	return d, ok, nil
}

func (s *memoryStore) GetWithdrawalOutputDecision(ctx context.Context, txid bitcoin.TxID, outputIndex uint32) (model.BitcoinWithdrawalOutput, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.withdrawalOutputDecisions[withdrawalOutputKey{txid: txid, index: outputIndex}]
	return d, ok, nil
}

func (s *memoryStore) CompletedDepositEvent(ctx context.Context, key model.DepositKey) (model.CompletedDepositEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.completedDeposits[key]
	return e, ok, nil
}

func (s *memoryStore) WithdrawalAcceptEvent(ctx context.Context, key model.WithdrawalKey) (model.WithdrawalAcceptEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.withdrawalAccepts[key]
	return e, ok, nil
}

func (s *memoryStore) WithdrawalRejectEvent(ctx context.Context, key model.WithdrawalKey) (model.WithdrawalRejectEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.withdrawalRejects[key]
	return e, ok, nil
}

// --- DbWrite -------------------------------------------------------------

func (s *memoryStore) WriteBitcoinBlock(ctx context.Context, block model.BitcoinBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[block.BlockHash] = block
	return nil
}

func (s *memoryStore) WriteContractChainBlock(ctx context.Context, block model.ContractChainBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contractBlocks[block.BlockHash] = block
	return nil
}

func (s *memoryStore) WriteDepositRequest(ctx context.Context, req model.DepositRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deposits[req.Key]; exists {
		return nil
	}
	s.deposits[req.Key] = req
	return nil
}

func (s *memoryStore) WriteDepositSignerVote(ctx context.Context, vote model.DepositSignerVote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depositVotes[vote.Deposit] = append(s.depositVotes[vote.Deposit], vote)
	return nil
}

func (s *memoryStore) WriteWithdrawalRequest(ctx context.Context, req model.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.withdrawals[req.Key]; exists {
		return nil
	}
	s.withdrawals[req.Key] = req
	return nil
}

func (s *memoryStore) WriteWithdrawalSignerVote(ctx context.Context, vote model.WithdrawalSignerVote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdrawalVotes[vote.Withdrawal] = append(s.withdrawalVotes[vote.Withdrawal], vote)
	return nil
}

func (s *memoryStore) WriteSweepTransaction(ctx context.Context, txid bitcoin.TxID, blockHash bitcoin.BlockHash, prevouts []model.TxPrevout, outputs []model.TxOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepTxs[txid] = sweepTx{blockHash: blockHash, prevouts: prevouts, outputs: outputs}
	return nil
}

func (s *memoryStore) ConfirmDepositRequest(ctx context.Context, key model.DepositKey, blockHash bitcoin.BlockHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.depositBlock[key]; !ok {
		s.depositBlock[key] = blockHash
	}
	return nil
}

func (s *memoryStore) WriteEncryptedDkgShares(ctx context.Context, shares model.EncryptedDkgShares) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pubkeyKey(shares.AggregateKey)
	if _, exists := s.dkgShares[key]; !exists {
		s.dkgOrder = append(s.dkgOrder, key)
	}
	s.dkgShares[key] = shares
	return nil
}

func (s *memoryStore) UpdateDkgSharesStatus(ctx context.Context, key keys.PublicKey, status model.DkgSharesStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := pubkeyKey(key)
	shares, ok := s.dkgShares[k]
	if !ok {
		return sbtcerr.NotFound("dkg shares")
	}
	if shares.Status.Terminal() && shares.Status != status {
		return sbtcerr.New(sbtcerr.KindConsensus, "dkg shares status already terminal")
	}
	shares.Status = status
	s.dkgShares[k] = shares
	return nil
}

func (s *memoryStore) WriteKeyRotationEvent(ctx context.Context, event model.KeyRotationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyRotations = append(s.keyRotations, event)
	return nil
}

func (s *memoryStore) WriteSighashDecision(ctx context.Context, decision model.BitcoinTxSighash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sighashDecisions[decision.Sighash]; ok {
		if existing.WillSign != decision.WillSign {
			return sbtcerr.New(sbtcerr.KindConsensus, "sighash decision already recorded with a different outcome")
		}
		return nil
	}
	s.sighashDecisions[decision.Sighash] = decision
	return nil
}

func (s *memoryStore) WriteWithdrawalOutputDecision(ctx context.Context, decision model.BitcoinWithdrawalOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := withdrawalOutputKey{txid: decision.BitcoinTxid, index: decision.OutputIndex}
	s.withdrawalOutputDecisions[key] = decision
	return nil
}

func (s *memoryStore) WriteCompletedDepositEvent(ctx context.Context, event model.CompletedDepositEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedDeposits[event.Deposit] = event
	return nil
}

func (s *memoryStore) WriteWithdrawalAcceptEvent(ctx context.Context, event model.WithdrawalAcceptEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdrawalAccepts[event.Withdrawal] = event
	return nil
}

func (s *memoryStore) WriteWithdrawalRejectEvent(ctx context.Context, event model.WithdrawalRejectEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdrawalRejects[event.Withdrawal] = event
	return nil
}

// --- Transactable --------------------------------------------------------

// snapshot is a shallow copy of every map/slice memoryStore holds, enough
// to roll back a failed WithTransaction: the store's process-local, single
// writer, so a bulk copy-and-restore is cheaper than a write-ahead log.
type snapshot struct {
	blocks                    map[bitcoin.BlockHash]model.BitcoinBlock
	contractBlocks            map[[32]byte]model.ContractChainBlock
	deposits                  map[model.DepositKey]model.DepositRequest
	depositBlock              map[model.DepositKey]bitcoin.BlockHash
	depositVotes              map[model.DepositKey][]model.DepositSignerVote
	withdrawals               map[model.WithdrawalKey]model.WithdrawalRequest
	withdrawalVotes           map[model.WithdrawalKey][]model.WithdrawalSignerVote
	sweepTxs                  map[bitcoin.TxID]sweepTx
	dkgShares                 map[string]model.EncryptedDkgShares
	dkgOrder                  []string
	keyRotations              []model.KeyRotationEvent
	sighashDecisions          map[[32]byte]model.BitcoinTxSighash
	withdrawalOutputDecisions map[withdrawalOutputKey]model.BitcoinWithdrawalOutput
	completedDeposits         map[model.DepositKey]model.CompletedDepositEvent
	withdrawalAccepts         map[model.WithdrawalKey]model.WithdrawalAcceptEvent
	withdrawalRejects         map[model.WithdrawalKey]model.WithdrawalRejectEvent
}

func (s *memoryStore) snapshotLocked() snapshot {
	sn := snapshot{
		blocks:                    make(map[bitcoin.BlockHash]model.BitcoinBlock, len(s.blocks)),
		contractBlocks:            make(map[[32]byte]model.ContractChainBlock, len(s.contractBlocks)),
		deposits:                  make(map[model.DepositKey]model.DepositRequest, len(s.deposits)),
		depositBlock:              make(map[model.DepositKey]bitcoin.BlockHash, len(s.depositBlock)),
		depositVotes:              make(map[model.DepositKey][]model.DepositSignerVote, len(s.depositVotes)),
		withdrawals:               make(map[model.WithdrawalKey]model.WithdrawalRequest, len(s.withdrawals)),
		withdrawalVotes:           make(map[model.WithdrawalKey][]model.WithdrawalSignerVote, len(s.withdrawalVotes)),
		sweepTxs:                  make(map[bitcoin.TxID]sweepTx, len(s.sweepTxs)),
		dkgShares:                 make(map[string]model.EncryptedDkgShares, len(s.dkgShares)),
		dkgOrder:                  append([]string(nil), s.dkgOrder...),
		keyRotations:              append([]model.KeyRotationEvent(nil), s.keyRotations...),
		sighashDecisions:          make(map[[32]byte]model.BitcoinTxSighash, len(s.sighashDecisions)),
		withdrawalOutputDecisions: make(map[withdrawalOutputKey]model.BitcoinWithdrawalOutput, len(s.withdrawalOutputDecisions)),
		completedDeposits:         make(map[model.DepositKey]model.CompletedDepositEvent, len(s.completedDeposits)),
		withdrawalAccepts:         make(map[model.WithdrawalKey]model.WithdrawalAcceptEvent, len(s.withdrawalAccepts)),
		withdrawalRejects:         make(map[model.WithdrawalKey]model.WithdrawalRejectEvent, len(s.withdrawalRejects)),
	}
	for k, v := range s.blocks {
		sn.blocks[k] = v
	}
	for k, v := range s.contractBlocks {
		sn.contractBlocks[k] = v
	}
	for k, v := range s.deposits {
		sn.deposits[k] = v
	}
	for k, v := range s.depositBlock {
		sn.depositBlock[k] = v
	}
	for k, v := range s.depositVotes {
		sn.depositVotes[k] = append([]model.DepositSignerVote(nil), v...)
	}
	for k, v := range s.withdrawals {
		sn.withdrawals[k] = v
	}
	for k, v := range s.withdrawalVotes {
		sn.withdrawalVotes[k] = append([]model.WithdrawalSignerVote(nil), v...)
	}
	for k, v := range s.sweepTxs {
		sn.sweepTxs[k] = v
	}
	for k, v := range s.dkgShares {
		sn.dkgShares[k] = v
	}
	for k, v := range s.sighashDecisions {
		sn.sighashDecisions[k] = v
	}
	for k, v := range s.withdrawalOutputDecisions {
		sn.withdrawalOutputDecisions[k] = v
	}
	for k, v := range s.completedDeposits {
		sn.completedDeposits[k] = v
	}
	for k, v := range s.withdrawalAccepts {
		sn.withdrawalAccepts[k] = v
	}
	for k, v := range s.withdrawalRejects {
		sn.withdrawalRejects[k] = v
	}
	return sn
}

func (s *memoryStore) restoreLocked(sn snapshot) {
	s.blocks = sn.blocks
	s.contractBlocks = sn.contractBlocks
	s.deposits = sn.deposits
	s.depositBlock = sn.depositBlock
	s.depositVotes = sn.depositVotes
	s.withdrawals = sn.withdrawals
	s.withdrawalVotes = sn.withdrawalVotes
	s.sweepTxs = sn.sweepTxs
	s.dkgShares = sn.dkgShares
	s.dkgOrder = sn.dkgOrder
	s.keyRotations = sn.keyRotations
	s.sighashDecisions = sn.sighashDecisions
	s.withdrawalOutputDecisions = sn.withdrawalOutputDecisions
	s.completedDeposits = sn.completedDeposits
	s.withdrawalAccepts = sn.withdrawalAccepts
	s.withdrawalRejects = sn.withdrawalRejects
}

// memoryTx is a Tx bound to the same underlying memoryStore; the
// WithTransaction caller already holds the commit/rollback guarantee via
// snapshot/restore, so Tx methods just forward to the store's own locking
// methods.
type memoryTx struct {
	*memoryStore
}

func (s *memoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	sn := s.snapshotLocked()
	s.mu.Unlock()

	err := fn(ctx, memoryTx{memoryStore: s})
	if err != nil {
		s.mu.Lock()
		s.restoreLocked(sn)
		s.mu.Unlock()
		return err
	}
	return nil
}
