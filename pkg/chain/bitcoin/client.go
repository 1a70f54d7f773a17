// Package bitcoin provides the real Bitcoin Core JSON-RPC-backed
// implementation of chain.BitcoinInteract, grounded on
// pkg/tbtc/chain.go's capability-interface style and btcsuite/btcd's
// rpcclient package, the library the teacher's own sibling repos
// (keep-ecdsa) pin for Bitcoin RPC access.
package bitcoin

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/ipfs/go-log/v2"

	sbtcbitcoin "github.com/keep-network/sbtc-signer/pkg/bitcoin"
	"github.com/keep-network/sbtc-signer/pkg/chain"
	"github.com/keep-network/sbtc-signer/pkg/sbtcerr"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

var logger = log.Logger("chain/bitcoin")

// Config holds the connection parameters for a Bitcoin Core RPC endpoint.
type Config struct {
	Host         string
	User         string
	Pass         string
	DisableTLS   bool
}

// Client is the real, rpcclient-backed chain.BitcoinInteract.
type Client struct {
	rpc *rpcclient.Client
}

// Dial connects to a Bitcoin Core node over JSON-RPC (HTTP POST mode, no
// websocket notifications). New tips reach the BlockObserver through
// cmd/sbtc-signer polling BestBlockHash; there is no ZMQ subscriber.
func Dial(cfg Config) (*Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}
	rpc, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bitcoin rpc: [%w]", err)
	}
	return &Client{rpc: rpc}, nil
}

var _ chain.BitcoinInteract = (*Client)(nil)

func (c *Client) GetBlockHeader(ctx context.Context, hash sbtcbitcoin.BlockHash) (model.BitcoinBlock, error) {
	h := chainhash.Hash(hash)
	verbose, err := c.rpc.GetBlockHeaderVerbose(&h)
	if err != nil {
		return model.BitcoinBlock{}, sbtcerr.Wrap(sbtcerr.KindTransient, "getblockheader", err)
	}
	var parent sbtcbitcoin.BlockHash
	if verbose.PreviousHash != "" {
		ph, err := chainhash.NewHashFromStr(verbose.PreviousHash)
		if err != nil {
			return model.BitcoinBlock{}, sbtcerr.Wrap(sbtcerr.KindInvariant, "parse previousblockhash", err)
		}
		parent = sbtcbitcoin.BlockHash(*ph)
	}
	return model.BitcoinBlock{
		BlockHash:  hash,
		ParentHash: parent,
		Height:     uint64(verbose.Height),
	}, nil
}

func (c *Client) GetBlock(ctx context.Context, hash sbtcbitcoin.BlockHash) ([]sbtcbitcoin.TxID, error) {
	h := chainhash.Hash(hash)
	block, err := c.rpc.GetBlock(&h)
	if err != nil {
		return nil, sbtcerr.Wrap(sbtcerr.KindTransient, "getblock", err)
	}
	txids := make([]sbtcbitcoin.TxID, len(block.Transactions))
	for i, tx := range block.Transactions {
		txids[i] = sbtcbitcoin.TxID(tx.TxHash())
	}
	return txids, nil
}

func (c *Client) GetRawTransaction(ctx context.Context, txid sbtcbitcoin.TxID) ([]byte, error) {
	h := chainhash.Hash(txid)
	tx, err := c.rpc.GetRawTransaction(&h)
	if err != nil {
		return nil, sbtcerr.Wrap(sbtcerr.KindTransient, "getrawtransaction", err)
	}
	var buf bytes.Buffer
	if err := tx.MsgTx().Serialize(&buf); err != nil {
		return nil, sbtcerr.Wrap(sbtcerr.KindInvariant, "serialize raw tx", err)
	}
	return buf.Bytes(), nil
}

func (c *Client) GetTxInfo(ctx context.Context, txid sbtcbitcoin.TxID, blockHash sbtcbitcoin.BlockHash) (sbtcbitcoin.TxInfo, bool, error) {
	h := chainhash.Hash(txid)
	tx, err := c.rpc.GetRawTransaction(&h)
	if err != nil {
		return sbtcbitcoin.TxInfo{}, false, nil
	}
	msgTx := tx.MsgTx()

	info := sbtcbitcoin.TxInfo{Txid: txid, IsCoinbase: blockchainIsCoinbase(msgTx)}
	for _, out := range msgTx.TxOut {
		info.Vout = append(info.Vout, sbtcbitcoin.TxVout{
			ScriptPubKey: out.PkScript,
			Amount:       uint64(out.Value),
		})
	}

	if !info.IsCoinbase {
		for _, in := range msgTx.TxIn {
			prevTx, err := c.rpc.GetRawTransaction(&in.PreviousOutPoint.Hash)
			if err != nil {
				return sbtcbitcoin.TxInfo{}, false, sbtcerr.Wrap(sbtcerr.KindTransient, "resolve prevout tx", err)
			}
			prevOut := prevTx.MsgTx().TxOut[in.PreviousOutPoint.Index]
			info.Vin = append(info.Vin, sbtcbitcoin.TxVin{
				PrevoutTxID:         sbtcbitcoin.TxID(in.PreviousOutPoint.Hash),
				PrevoutIndex:        in.PreviousOutPoint.Index,
				PrevoutScriptPubKey: prevOut.PkScript,
				PrevoutAmount:       uint64(prevOut.Value),
			})
		}
	}

	return info, true, nil
}

func blockchainIsCoinbase(tx *wire.MsgTx) bool {
	return len(tx.TxIn) == 1 && tx.TxIn[0].PreviousOutPoint.Index == wire.MaxPrevOutIndex
}

func (c *Client) GetTxConfirmingBlock(ctx context.Context, txid sbtcbitcoin.TxID) (sbtcbitcoin.BlockHash, bool, error) {
	h := chainhash.Hash(txid)
	verbose, err := c.rpc.GetRawTransactionVerbose(&h)
	if err != nil {
		return sbtcbitcoin.BlockHash{}, false, nil
	}
	if verbose.BlockHash == "" {
		return sbtcbitcoin.BlockHash{}, false, nil
	}
	blockHash, err := chainhash.NewHashFromStr(verbose.BlockHash)
	if err != nil {
		return sbtcbitcoin.BlockHash{}, false, sbtcerr.Wrap(sbtcerr.KindInvariant, "parse confirming block hash", err)
	}
	return sbtcbitcoin.BlockHash(*blockHash), true, nil
}

func (c *Client) GetRawMempool(ctx context.Context) ([]sbtcbitcoin.TxID, error) {
	hashes, err := c.rpc.GetRawMempool()
	if err != nil {
		return nil, sbtcerr.Wrap(sbtcerr.KindTransient, "getrawmempool", err)
	}
	out := make([]sbtcbitcoin.TxID, len(hashes))
	for i, h := range hashes {
		out[i] = sbtcbitcoin.TxID(*h)
	}
	return out, nil
}

func (c *Client) EstimateSmartFee(ctx context.Context, confTarget int) (chain.FeeEstimate, error) {
	mode := btcjson.EstimateModeConservative
	result, err := c.rpc.EstimateSmartFee(int64(confTarget), &mode)
	if err != nil {
		return chain.FeeEstimate{}, sbtcerr.Wrap(sbtcerr.KindTransient, "estimatesmartfee", err)
	}
	if result.FeeRate == nil {
		return chain.FeeEstimate{}, sbtcerr.New(sbtcerr.KindNotFound, "no fee estimate available")
	}
	// FeeRate is denominated in BTC/kB; convert to sats/vbyte.
	satsPerVByte := *result.FeeRate * 1e8 / 1000
	return chain.FeeEstimate{SatsPerVByte: satsPerVByte}, nil
}

func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (sbtcbitcoin.TxID, error) {
	tx, err := deserializeTx(raw)
	if err != nil {
		return sbtcbitcoin.TxID{}, sbtcerr.Wrap(sbtcerr.KindValidation, "deserialize raw tx", err)
	}
	hash, err := c.rpc.SendRawTransaction(tx, false)
	if err != nil {
		return sbtcbitcoin.TxID{}, sbtcerr.Wrap(sbtcerr.KindTransient, "sendrawtransaction", err)
	}
	logger.Infof("broadcast transaction: [%v]", hash)
	return sbtcbitcoin.TxID(*hash), nil
}

func deserializeTx(raw []byte) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

func (c *Client) BestBlockHash(ctx context.Context) (sbtcbitcoin.BlockHash, error) {
	hash, err := c.rpc.GetBestBlockHash()
	if err != nil {
		return sbtcbitcoin.BlockHash{}, sbtcerr.Wrap(sbtcerr.KindTransient, "getbestblockhash", err)
	}
	return sbtcbitcoin.BlockHash(*hash), nil
}
