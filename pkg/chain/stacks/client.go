// Package stacks provides the HTTP/JSON-backed implementation of
// chain.StacksInteract against a contract-chain node's RPC surface (spec
// §6 "Contract-chain node"). There is no pack library for this
// Stacks-specific RPC dialect, so a thin net/http client behind the
// capability interface is the correct minimal surface (see DESIGN.md).
package stacks

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ipfs/go-log/v2"

	"github.com/keep-network/sbtc-signer/pkg/chain"
	"github.com/keep-network/sbtc-signer/pkg/keys"
	"github.com/keep-network/sbtc-signer/pkg/sbtcerr"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

var logger = log.Logger("chain/stacks")

// Client is the real, HTTP-backed chain.StacksInteract.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client talking to the contract-chain node at baseURL
// (e.g. "http://localhost:20443").
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

var _ chain.StacksInteract = (*Client)(nil)

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindInvariant, "build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "stacks node unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return sbtcerr.NotFound(path)
	}
	if resp.StatusCode >= 500 {
		return sbtcerr.New(sbtcerr.KindTransient, fmt.Sprintf("%s: status %d", path, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return sbtcerr.New(sbtcerr.KindValidation, fmt.Sprintf("%s: status %d", path, resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "read response body", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return sbtcerr.Wrap(sbtcerr.KindInvariant, "decode response", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindInvariant, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindInvariant, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "stacks node unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return sbtcerr.New(sbtcerr.KindTransient, fmt.Sprintf("%s: status %d", path, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return sbtcerr.New(sbtcerr.KindValidation, fmt.Sprintf("%s: status %d", path, resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return sbtcerr.Wrap(sbtcerr.KindTransient, "read response body", err)
	}
	return json.Unmarshal(respBody, out)
}

type tenureInfoResponse struct {
	ConsensusHash  string `json:"consensus_hash"`
	TenureBlockID  string `json:"tenure_block_id"`
	ParentTenureID string `json:"parent_tenure_id"`
	BitcoinAnchor  string `json:"bitcoin_anchor_hash"`
}

func (c *Client) GetTenureInfo(ctx context.Context) (chain.TenureInfo, error) {
	var resp tenureInfoResponse
	if err := c.getJSON(ctx, "/v3/tenures/info", &resp); err != nil {
		return chain.TenureInfo{}, err
	}
	info := chain.TenureInfo{}
	if err := decodeHash32(resp.ConsensusHash, &info.ConsensusHash); err != nil {
		return chain.TenureInfo{}, err
	}
	if err := decodeHash32(resp.TenureBlockID, &info.TenureBlockID); err != nil {
		return chain.TenureInfo{}, err
	}
	if err := decodeHash32(resp.ParentTenureID, &info.ParentTenureID); err != nil {
		return chain.TenureInfo{}, err
	}
	if err := decodeHash32(resp.BitcoinAnchor, (*[32]byte)(&info.BitcoinAnchor)); err != nil {
		return chain.TenureInfo{}, err
	}
	return info, nil
}

func decodeHash32(s string, out *[32]byte) error {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return sbtcerr.Wrap(sbtcerr.KindInvariant, "decode 32-byte hash", err)
	}
	copy(out[:], b)
	return nil
}

func (c *Client) GetBlock(ctx context.Context, blockID [32]byte) (model.ContractChainBlock, error) {
	var block model.ContractChainBlock
	if err := c.getJSON(ctx, "/v3/blocks/"+hex.EncodeToString(blockID[:]), &block); err != nil {
		return model.ContractChainBlock{}, err
	}
	return block, nil
}

func (c *Client) GetTenure(ctx context.Context, tenureID [32]byte) ([]model.ContractChainBlock, error) {
	var blocks []model.ContractChainBlock
	if err := c.getJSON(ctx, "/v3/tenures/"+hex.EncodeToString(tenureID[:]), &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (c *Client) GetPoxInfo(ctx context.Context) (uint64, error) {
	var resp struct {
		NakamotoStartHeight uint64 `json:"first_nakamoto_burn_block_height"`
	}
	if err := c.getJSON(ctx, "/v2/pox", &resp); err != nil {
		return 0, err
	}
	return resp.NakamotoStartHeight, nil
}

func (c *Client) GetAccount(ctx context.Context, address string) (chain.AccountInfo, error) {
	var resp struct {
		Nonce   uint64 `json:"nonce"`
		Balance uint64 `json:"balance"`
	}
	if err := c.getJSON(ctx, "/v2/accounts/"+address, &resp); err != nil {
		return chain.AccountInfo{}, err
	}
	return chain.AccountInfo{Nonce: resp.Nonce, Balance: resp.Balance}, nil
}

func (c *Client) EstimateFees(ctx context.Context, txPayload []byte) (uint64, error) {
	var resp struct {
		Estimations []struct {
			Fee uint64 `json:"fee"`
		} `json:"estimations"`
	}
	req := struct {
		TransactionPayload string `json:"transaction_payload"`
	}{TransactionPayload: hex.EncodeToString(txPayload)}
	if err := c.postJSON(ctx, "/v2/fees/transaction", req, &resp); err != nil {
		return 0, err
	}
	if len(resp.Estimations) == 0 {
		return 0, sbtcerr.New(sbtcerr.KindNotFound, "no fee estimations returned")
	}
	return resp.Estimations[len(resp.Estimations)-1].Fee, nil
}

func (c *Client) SubmitTx(ctx context.Context, signedTx []byte) ([32]byte, error) {
	var resp string
	if err := c.postJSON(ctx, "/v2/transactions", signedTx, &resp); err != nil {
		return [32]byte{}, err
	}
	var txid [32]byte
	if err := decodeHash32(resp, &txid); err != nil {
		return [32]byte{}, err
	}
	logger.Infof("submitted contract-chain transaction: [%x]", txid)
	return txid, nil
}

func (c *Client) GetContractSource(ctx context.Context, address, name string) (string, error) {
	var resp struct {
		Source string `json:"source"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/v2/contracts/source/%s/%s", address, name), &resp); err != nil {
		return "", err
	}
	return resp.Source, nil
}

func (c *Client) GetCurrentSignersAggregateKey(ctx context.Context) (keys.PublicKey, error) {
	var resp struct {
		AggregateKey string `json:"aggregate_key"`
	}
	if err := c.getJSON(ctx, "/v2/contracts/call-read/signers/get-current-aggregate-key", &resp); err != nil {
		return keys.PublicKey{}, err
	}
	b, err := hex.DecodeString(resp.AggregateKey)
	if err != nil {
		return keys.PublicKey{}, sbtcerr.Wrap(sbtcerr.KindInvariant, "decode aggregate key", err)
	}
	return keys.ParsePublicKey(b)
}

func (c *Client) GetCurrentSignerSetInfo(ctx context.Context) (model.SignerSetInfo, error) {
	var resp struct {
		SignerSet          []string `json:"signer_set"`
		SignaturesRequired uint32   `json:"signatures_required"`
		AggregateKey       string   `json:"aggregate_key"`
	}
	if err := c.getJSON(ctx, "/v2/contracts/call-read/signers/get-current-signer-set-info", &resp); err != nil {
		return model.SignerSetInfo{}, err
	}
	info := model.SignerSetInfo{SignaturesRequired: resp.SignaturesRequired}
	for _, s := range resp.SignerSet {
		b, err := hex.DecodeString(s)
		if err != nil {
			return model.SignerSetInfo{}, sbtcerr.Wrap(sbtcerr.KindInvariant, "decode signer key", err)
		}
		pk, err := keys.ParsePublicKey(b)
		if err != nil {
			return model.SignerSetInfo{}, err
		}
		info.SignerSet = append(info.SignerSet, pk)
	}
	aggBytes, err := hex.DecodeString(resp.AggregateKey)
	if err != nil {
		return model.SignerSetInfo{}, sbtcerr.Wrap(sbtcerr.KindInvariant, "decode aggregate key", err)
	}
	info.AggregateKey, err = keys.ParsePublicKey(aggBytes)
	if err != nil {
		return model.SignerSetInfo{}, err
	}
	return info, nil
}

func (c *Client) IsDepositCompleted(ctx context.Context, key model.DepositKey) (bool, error) {
	var resp struct {
		Completed bool `json:"completed"`
	}
	path := fmt.Sprintf("/v2/contracts/call-read/sbtc-deposit/is-completed/%s/%d", key.Txid.String(), key.OutputIndex)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return false, err
	}
	return resp.Completed, nil
}

func (c *Client) IsWithdrawalCompleted(ctx context.Context, key model.WithdrawalKey) (bool, error) {
	var resp struct {
		Completed bool `json:"completed"`
	}
	path := fmt.Sprintf("/v2/contracts/call-read/sbtc-withdrawal/is-completed/%d", key.RequestID)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return false, err
	}
	return resp.Completed, nil
}

func (c *Client) GetSbtcTotalSupply(ctx context.Context) (uint64, error) {
	var resp struct {
		TotalSupply uint64 `json:"total_supply"`
	}
	if err := c.getJSON(ctx, "/v2/contracts/call-read/sbtc-token/get-total-supply", &resp); err != nil {
		return 0, err
	}
	return resp.TotalSupply, nil
}

func (c *Client) GetSortitionInfo(ctx context.Context) (chain.SortitionInfo, error) {
	var resp struct {
		WonSortition    bool   `json:"won_sortition"`
		BurnBlockHeight uint64 `json:"burn_block_height"`
	}
	if err := c.getJSON(ctx, "/v3/sortitions", &resp); err != nil {
		return chain.SortitionInfo{}, err
	}
	return chain.SortitionInfo{WonSortition: resp.WonSortition, BurnBlockHeight: resp.BurnBlockHeight}, nil
}
