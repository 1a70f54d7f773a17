// Package emily provides the HTTP/JSON gateway client implementing
// chain.EmilyInteract against the Emily service's deposit/withdrawal
// endpoints (spec §6 "Gateway service").
package emily

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/keep-network/sbtc-signer/pkg/chain"
	"github.com/keep-network/sbtc-signer/pkg/sbtcerr"
	"github.com/keep-network/sbtc-signer/pkg/storage/model"
)

// Client is the real, HTTP-backed chain.EmilyInteract.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New returns a Client talking to the Emily gateway at baseURL. When
// apiKey is non-empty it is sent as the X-Api-Key header on every request.
func New(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, http: httpClient}
}

var _ chain.EmilyInteract = (*Client)(nil)

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (status int, err error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, sbtcerr.Wrap(sbtcerr.KindInvariant, "encode request", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, sbtcerr.Wrap(sbtcerr.KindInvariant, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, sbtcerr.Wrap(sbtcerr.KindTransient, "emily gateway unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, sbtcerr.NotFound(path)
	case resp.StatusCode >= 500:
		return resp.StatusCode, sbtcerr.New(sbtcerr.KindTransient, fmt.Sprintf("%s: status %d", path, resp.StatusCode))
	case resp.StatusCode >= 400:
		return resp.StatusCode, sbtcerr.New(sbtcerr.KindValidation, fmt.Sprintf("%s: status %d", path, resp.StatusCode))
	}

	if out == nil {
		return resp.StatusCode, nil
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, sbtcerr.Wrap(sbtcerr.KindTransient, "read response body", err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return resp.StatusCode, sbtcerr.Wrap(sbtcerr.KindInvariant, "decode response", err)
	}
	return resp.StatusCode, nil
}

func (c *Client) GetDeposits(ctx context.Context) ([]model.DepositRequest, error) {
	var resp []model.DepositRequest
	_, err := c.do(ctx, http.MethodGet, "/deposit", nil, &resp)
	return resp, err
}

func (c *Client) GetDeposit(ctx context.Context, key model.DepositKey) (model.DepositRequest, error) {
	var resp model.DepositRequest
	path := fmt.Sprintf("/deposit/%s/%d", key.Txid.String(), key.OutputIndex)
	_, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

func (c *Client) GetDepositsByRecipient(ctx context.Context, recipient []byte) ([]model.DepositRequest, error) {
	var resp []model.DepositRequest
	path := "/deposit/recipient/" + hex.EncodeToString(recipient)
	_, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

func (c *Client) GetDepositsByReclaimPubkeys(ctx context.Context, fingerprint [32]byte) ([]model.DepositRequest, error) {
	var resp []model.DepositRequest
	path := "/deposit/reclaim-pubkeys/" + hex.EncodeToString(fingerprint[:])
	_, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

func (c *Client) CreateDeposit(ctx context.Context, req model.DepositRequest) (bool, error) {
	status, err := c.do(ctx, http.MethodPost, "/deposit", req, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusCreated, nil
}

func (c *Client) UpdateDepositAsSigner(ctx context.Context, key model.DepositKey, status model.DepositStatus) error {
	body := struct {
		Txid   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Status int    `json:"status"`
	}{Txid: key.Txid.String(), Vout: key.OutputIndex, Status: int(status)}
	_, err := c.do(ctx, http.MethodPut, "/deposit", body, nil)
	return err
}

func (c *Client) GetWithdrawal(ctx context.Context, key model.WithdrawalKey) (model.WithdrawalRequest, error) {
	var resp model.WithdrawalRequest
	path := fmt.Sprintf("/withdrawal/%d", key.RequestID)
	_, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

func (c *Client) CreateWithdrawal(ctx context.Context, req model.WithdrawalRequest) (bool, error) {
	status, err := c.do(ctx, http.MethodPost, "/withdrawal", req, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusCreated, nil
}

func (c *Client) UpdateWithdrawalAsSigner(ctx context.Context, key model.WithdrawalKey, status model.WithdrawalStatus) error {
	body := struct {
		RequestID uint64 `json:"request_id"`
		Status    int    `json:"status"`
	}{RequestID: key.RequestID, Status: int(status)}
	_, err := c.do(ctx, http.MethodPut, "/withdrawal", body, nil)
	return err
}

func (c *Client) GetLimits(ctx context.Context) (model.SbtcLimits, error) {
	var resp model.SbtcLimits
	_, err := c.do(ctx, http.MethodGet, "/limits", nil, &resp)
	return resp, err
}

func (c *Client) GetChainState(ctx context.Context) (model.BitcoinBlock, error) {
	var resp model.BitcoinBlock
	_, err := c.do(ctx, http.MethodGet, "/chainstate", nil, &resp)
	return resp, err
}

// ReclaimPubkeysFingerprint sorts and hashes a set of raw x-only pubkeys
// the same way the gateway derives its lookup key, so callers building a
// GetDepositsByReclaimPubkeys request don't duplicate the sort step.
func ReclaimPubkeysFingerprint(xonlyKeys [][32]byte) [32]byte {
	sorted := append([][32]byte(nil), xonlyKeys...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	var buf bytes.Buffer
	for _, k := range sorted {
		buf.Write(k[:])
	}
	return sha256.Sum256(buf.Bytes())
}
