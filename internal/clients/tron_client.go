package clients

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"settlement-backend/internal/config"
	"settlement-backend/internal/hdwallet"
	"settlement-backend/internal/metrics"
	"settlement-backend/internal/utils"
)

const maxResponseBytes = 8 << 20

// TronClient HTTP client for java-tron full nodes and the TronGrid v1 API.
// Reads and broadcasts fall back across FullNodes in order; each node is
// retried with capped exponential backoff first.
type TronClient struct {
	nodes    []string
	gridURL  string
	apiKey   string
	token    string
	feeLimit int64

	http    *http.Client
	limiter *rate.Limiter
	backoff utils.Backoff
	log     *logrus.Entry
}

func NewTronClient(cfg config.TronConfig, log *logrus.Logger) *TronClient {
	nodes := make([]string, 0, len(cfg.FullNodes))
	for _, n := range cfg.FullNodes {
		nodes = append(nodes, strings.TrimRight(n, "/"))
	}
	burst := int(cfg.RequestsPerSec)
	if burst < 1 {
		burst = 1
	}
	return &TronClient{
		nodes:    nodes,
		gridURL:  strings.TrimRight(cfg.TronGridURL, "/"),
		apiKey:   cfg.APIKey,
		token:    cfg.TokenContract,
		feeLimit: cfg.FeeLimit,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst),
		backoff:  utils.Backoff{Attempts: 3, Base: 500 * time.Millisecond, Max: 5 * time.Second},
		log:      log.WithField("component", "tron_client"),
	}
}

// TokenContract configured TRC20 contract address
func (c *TronClient) TokenContract() string {
	return c.token
}

// ===== transport =====

// doJSON performs one request and decodes a 200 response into out.
// Non-200 and malformed bodies are errors; 4xx responses are not retried.
func (c *TronClient) doJSON(ctx context.Context, method, endpoint string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return utils.Permanent(err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return utils.Permanent(fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return utils.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.apiKey)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	metrics.ChainRequestDuration.WithLabelValues(requestLabel(endpoint)).Observe(time.Since(started).Seconds())
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("node returned status %d: %s", resp.StatusCode, truncate(data))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return utils.Permanent(err)
		}
		return err
	}

	var ne nodeError
	if json.Unmarshal(data, &ne) == nil && ne.Error != "" {
		return utils.Permanent(fmt.Errorf("node error: %s", ne.Error))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("malformed response from %s: %w", endpoint, err)
	}
	return nil
}

func requestLabel(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "unknown"
	}
	if strings.HasPrefix(u.Path, "/v1/") {
		return "trongrid"
	}
	return u.Path
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// nodePost POSTs to path on each full node in turn until one answers.
func (c *TronClient) nodePost(ctx context.Context, path string, body, out interface{}) error {
	if len(c.nodes) == 0 {
		return errors.New("no tron full node configured")
	}
	var lastErr error
	for i, node := range c.nodes {
		err := utils.Retry(ctx, c.backoff, func(ctx context.Context) error {
			return c.doJSON(ctx, http.MethodPost, node+path, body, out)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		lastErr = err
		if i < len(c.nodes)-1 {
			c.log.WithError(err).WithField("node", node).Warn("⚠️ Tron node failed, falling back")
		}
	}
	return lastErr
}

// ===== reads =====

// TRXBalance balance of addr in sun
func (c *TronClient) TRXBalance(ctx context.Context, addr string) (int64, error) {
	var acc account
	if err := c.nodePost(ctx, "/wallet/getaccount", map[string]interface{}{"address": addr, "visible": true}, &acc); err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

func (c *TronClient) AccountResource(ctx context.Context, addr string) (*AccountResource, error) {
	var res AccountResource
	if err := c.nodePost(ctx, "/wallet/getaccountresource", map[string]interface{}{"address": addr, "visible": true}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DelegatableEnergySun staked TRX (sun) the owner can still delegate for energy.
// This is the real available amount, net of existing delegations and usage.
func (c *TronClient) DelegatableEnergySun(ctx context.Context, owner string) (int64, error) {
	var res delegatableResponse
	body := map[string]interface{}{"owner_address": owner, "type": 1, "visible": true}
	if err := c.nodePost(ctx, "/wallet/getcandelegatedmaxsize", body, &res); err != nil {
		return 0, err
	}
	return res.MaxSize, nil
}

// TransactionInfo returns ErrTxNotFound until the transaction is in a block.
func (c *TronClient) TransactionInfo(ctx context.Context, txID string) (*TxInfo, error) {
	var info TxInfo
	if err := c.nodePost(ctx, "/wallet/gettransactioninfobyid", map[string]interface{}{"value": txID}, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, ErrTxNotFound
	}
	return &info, nil
}

// WaitForReceipt polls TransactionInfo until found or ctx expires.
func (c *TronClient) WaitForReceipt(ctx context.Context, txID string, every time.Duration) (*TxInfo, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		info, err := c.TransactionInfo(ctx, txID)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, ErrTxNotFound) {
			c.log.WithError(err).WithField("tx_hash", txID).Debug("receipt lookup failed, polling again")
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for %s: %v", ErrUnknownOutcome, txID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// LatestConfirmedBlock head of the solidified chain
func (c *TronClient) LatestConfirmedBlock(ctx context.Context) (*BlockHeader, error) {
	var b BlockHeader
	if err := c.nodePost(ctx, "/walletsolidity/getnowblock", map[string]interface{}{}, &b); err != nil {
		return nil, err
	}
	if b.BlockID == "" {
		return nil, errors.New("malformed block: empty block id")
	}
	return &b, nil
}

// BlocksRange blocks [start, end), at most 100 per call.
func (c *TronClient) BlocksRange(ctx context.Context, start, end int64) ([]Block, error) {
	var list blockList
	body := map[string]interface{}{"startNum": start, "endNum": end}
	if err := c.nodePost(ctx, "/wallet/getblockbylimitnext", body, &list); err != nil {
		return nil, err
	}
	return list.Block, nil
}

// TransactionInfosByBlock receipts and logs of every transaction in block num.
func (c *TronClient) TransactionInfosByBlock(ctx context.Context, num int64) ([]TxInfo, error) {
	var infos txInfoList
	if err := c.nodePost(ctx, "/wallet/gettransactioninfobyblocknum", map[string]interface{}{"num": num}, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// ===== contract calls =====

func (c *TronClient) constantCall(ctx context.Context, owner, method string, args ...interface{}) ([]byte, error) {
	selector, params, err := packCall(method, args...)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"owner_address":     owner,
		"contract_address":  c.token,
		"function_selector": selector,
		"parameter":         params,
		"visible":           true,
	}
	var res triggerResponse
	if err := c.nodePost(ctx, "/wallet/triggerconstantcontract", body, &res); err != nil {
		return nil, err
	}
	if !res.Result.Result || len(res.ConstantResult) == 0 {
		return nil, fmt.Errorf("constant call %s failed: %s", method, decodeNodeMessage(res.Result.Message))
	}
	return hex.DecodeString(res.ConstantResult[0])
}

// TokenBalance TRC20 balance of owner in base units
func (c *TronClient) TokenBalance(ctx context.Context, owner string) (*big.Int, error) {
	ownerAddr, err := hdwallet.DecodeTronAddress(owner)
	if err != nil {
		return nil, err
	}
	out, err := c.constantCall(ctx, owner, "balanceOf", ownerAddr)
	if err != nil {
		return nil, err
	}
	return unpackUint(out, "balanceOf")
}

// Allowance TRC20 allowance granted by owner to spender
func (c *TronClient) Allowance(ctx context.Context, owner, spender string) (*big.Int, error) {
	ownerAddr, err := hdwallet.DecodeTronAddress(owner)
	if err != nil {
		return nil, err
	}
	spenderAddr, err := hdwallet.DecodeTronAddress(spender)
	if err != nil {
		return nil, err
	}
	out, err := c.constantCall(ctx, owner, "allowance", ownerAddr, spenderAddr)
	if err != nil {
		return nil, err
	}
	return unpackUint(out, "allowance")
}

// buildContractCall asks a node to build a signed-ready TRC20 call from key's account.
func (c *TronClient) buildContractCall(ctx context.Context, key *ecdsa.PrivateKey, method string, args ...interface{}) (*Transaction, error) {
	selector, params, err := packCall(method, args...)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"owner_address":     hdwallet.TronAddressFromKey(key),
		"contract_address":  c.token,
		"function_selector": selector,
		"parameter":         params,
		"fee_limit":         c.feeLimit,
		"call_value":        0,
		"visible":           true,
	}
	var res triggerResponse
	if err := c.nodePost(ctx, "/wallet/triggersmartcontract", body, &res); err != nil {
		return nil, err
	}
	if !res.Result.Result || res.Transaction == nil {
		msg := decodeNodeMessage(res.Result.Message)
		if isResourceMessage(msg) {
			return nil, fmt.Errorf("%w: %s", ErrResourceExhausted, msg)
		}
		return nil, fmt.Errorf("build %s: %s %s", method, res.Result.Code, msg)
	}
	return res.Transaction, nil
}

// PrepareTransfer builds and signs a TRC20 transfer without broadcasting it,
// so the caller can persist the transaction id first.
func (c *TronClient) PrepareTransfer(ctx context.Context, key *ecdsa.PrivateKey, to string, amount *big.Int) (*Transaction, error) {
	toAddr, err := hdwallet.DecodeTronAddress(to)
	if err != nil {
		return nil, err
	}
	tx, err := c.buildContractCall(ctx, key, "transfer", toAddr, amount)
	if err != nil {
		return nil, err
	}
	return tx, SignTransaction(tx, key)
}

// Transfer TRC20 transfer from key's account
func (c *TronClient) Transfer(ctx context.Context, key *ecdsa.PrivateKey, to string, amount *big.Int) (string, error) {
	tx, err := c.PrepareTransfer(ctx, key, to, amount)
	if err != nil {
		return "", err
	}
	return c.Broadcast(ctx, tx)
}

// Approve grants spender an allowance from key's account.
func (c *TronClient) Approve(ctx context.Context, key *ecdsa.PrivateKey, spender string, amount *big.Int) (string, error) {
	spenderAddr, err := hdwallet.DecodeTronAddress(spender)
	if err != nil {
		return "", err
	}
	tx, err := c.buildContractCall(ctx, key, "approve", spenderAddr, amount)
	if err != nil {
		return "", err
	}
	if err := SignTransaction(tx, key); err != nil {
		return "", err
	}
	return c.Broadcast(ctx, tx)
}

// TransferFrom moves amount from -> to using the allowance granted to key's account.
func (c *TronClient) TransferFrom(ctx context.Context, key *ecdsa.PrivateKey, from, to string, amount *big.Int) (string, error) {
	fromAddr, err := hdwallet.DecodeTronAddress(from)
	if err != nil {
		return "", err
	}
	toAddr, err := hdwallet.DecodeTronAddress(to)
	if err != nil {
		return "", err
	}
	tx, err := c.buildContractCall(ctx, key, "transferFrom", fromAddr, toAddr, amount)
	if err != nil {
		return "", err
	}
	if err := SignTransaction(tx, key); err != nil {
		return "", err
	}
	return c.Broadcast(ctx, tx)
}

// ===== native transactions =====

func (c *TronClient) buildNative(ctx context.Context, path string, body map[string]interface{}) (*Transaction, error) {
	var tx Transaction
	if err := c.nodePost(ctx, path, body, &tx); err != nil {
		msg := err.Error()
		if isResourceMessage(msg) {
			return nil, fmt.Errorf("%w: %s", ErrResourceExhausted, msg)
		}
		return nil, err
	}
	if tx.TxID == "" {
		return nil, fmt.Errorf("build %s: empty transaction", path)
	}
	return &tx, nil
}

// SendTRX plain TRX transfer; memo lands in raw_data.data.
func (c *TronClient) SendTRX(ctx context.Context, key *ecdsa.PrivateKey, to string, amountSun int64, memo string) (string, error) {
	body := map[string]interface{}{
		"owner_address": hdwallet.TronAddressFromKey(key),
		"to_address":    to,
		"amount":        amountSun,
		"visible":       true,
	}
	if memo != "" {
		body["extra_data"] = hex.EncodeToString([]byte(memo))
	}
	tx, err := c.buildNative(ctx, "/wallet/createtransaction", body)
	if err != nil {
		return "", err
	}
	if err := SignTransaction(tx, key); err != nil {
		return "", err
	}
	return c.Broadcast(ctx, tx)
}

// DelegateEnergy delegates balanceSun of staked TRX worth of energy to receiver.
func (c *TronClient) DelegateEnergy(ctx context.Context, key *ecdsa.PrivateKey, receiver string, balanceSun int64) (string, error) {
	return c.resourceTx(ctx, "/wallet/delegateresource", key, receiver, balanceSun)
}

// UndelegateEnergy returns previously delegated energy to the provider.
func (c *TronClient) UndelegateEnergy(ctx context.Context, key *ecdsa.PrivateKey, receiver string, balanceSun int64) (string, error) {
	return c.resourceTx(ctx, "/wallet/undelegateresource", key, receiver, balanceSun)
}

func (c *TronClient) resourceTx(ctx context.Context, path string, key *ecdsa.PrivateKey, receiver string, balanceSun int64) (string, error) {
	body := map[string]interface{}{
		"owner_address":    hdwallet.TronAddressFromKey(key),
		"receiver_address": receiver,
		"balance":          balanceSun,
		"resource":         "ENERGY",
		"lock":             false,
		"visible":          true,
	}
	tx, err := c.buildNative(ctx, path, body)
	if err != nil {
		return "", err
	}
	if err := SignTransaction(tx, key); err != nil {
		return "", err
	}
	return c.Broadcast(ctx, tx)
}

// ===== signing and broadcast =====

// SignTransaction verifies txID = sha256(raw_data_hex) and appends a
// secp256k1 signature over it.
func SignTransaction(tx *Transaction, key *ecdsa.PrivateKey) error {
	raw, err := hex.DecodeString(tx.RawDataHex)
	if err != nil {
		return fmt.Errorf("decode raw data: %w", err)
	}
	digest := sha256.Sum256(raw)
	if !strings.EqualFold(hex.EncodeToString(digest[:]), tx.TxID) {
		return ErrTxIDMismatch
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	tx.Signature = append(tx.Signature, hex.EncodeToString(sig))
	return nil
}

// Broadcast submits a signed transaction. Resubmitting the same transaction
// to another node is harmless: duplicates are reported as success. If any
// attempt timed out and none succeeded, the result is ErrUnknownOutcome.
func (c *TronClient) Broadcast(ctx context.Context, tx *Transaction) (string, error) {
	var (
		lastErr  error
		timedOut bool
	)
	for _, node := range c.nodes {
		var res broadcastResponse
		err := utils.Retry(ctx, c.backoff, func(ctx context.Context) error {
			err := c.doJSON(ctx, http.MethodPost, node+"/wallet/broadcasttransaction", tx, &res)
			if err != nil && isTimeout(err) {
				timedOut = true
			}
			if err == nil && !res.Result && res.Code == "SERVER_BUSY" {
				return errors.New("SERVER_BUSY")
			}
			return err
		})
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if res.Result || res.Code == "DUP_TRANSACTION_ERROR" {
			metrics.ChainBroadcasts.WithLabelValues("accepted").Inc()
			return tx.TxID, nil
		}

		msg := decodeNodeMessage(res.Message)
		metrics.ChainBroadcasts.WithLabelValues("rejected").Inc()
		if res.Code == "BANDWITH_ERROR" || isResourceMessage(msg) {
			return "", fmt.Errorf("%w: %s %s", ErrResourceExhausted, res.Code, msg)
		}
		return "", fmt.Errorf("%w: %s %s", ErrBroadcastRejected, res.Code, msg)
	}

	metrics.ChainBroadcasts.WithLabelValues("error").Inc()
	if timedOut {
		return "", fmt.Errorf("%w: %v", ErrUnknownOutcome, lastErr)
	}
	return "", lastErr
}

// ===== TronGrid =====

const gridPageLimit = 200

// TRC20Transfers confirmed inbound token transfers to addr in [minTs, maxTs] (ms).
func (c *TronClient) TRC20Transfers(ctx context.Context, addr string, minTs, maxTs int64) ([]InboundTransfer, error) {
	var out []InboundTransfer
	fingerprint := ""
	for {
		q := url.Values{}
		q.Set("only_confirmed", "true")
		q.Set("only_to", "true")
		q.Set("limit", strconv.Itoa(gridPageLimit))
		q.Set("contract_address", c.token)
		q.Set("min_timestamp", strconv.FormatInt(minTs, 10))
		q.Set("max_timestamp", strconv.FormatInt(maxTs, 10))
		q.Set("order_by", "block_timestamp,asc")
		if fingerprint != "" {
			q.Set("fingerprint", fingerprint)
		}
		endpoint := fmt.Sprintf("%s/v1/accounts/%s/transactions/trc20?%s", c.gridURL, addr, q.Encode())

		var page gridTRC20Page
		err := utils.Retry(ctx, c.backoff, func(ctx context.Context) error {
			return c.doJSON(ctx, http.MethodGet, endpoint, nil, &page)
		})
		if err != nil {
			return nil, err
		}
		if !page.Success {
			return nil, fmt.Errorf("trongrid error: %s", page.Error)
		}

		for _, t := range page.Data {
			if t.Type != "Transfer" || t.To != addr || t.TokenInfo.Address != c.token {
				continue
			}
			out = append(out, InboundTransfer{
				TxHash:    t.TransactionID,
				From:      t.From,
				To:        t.To,
				Amount:    t.Value,
				BlockTime: t.BlockTimestamp,
			})
		}

		if page.Meta.Fingerprint == "" || len(page.Data) < gridPageLimit {
			return out, nil
		}
		fingerprint = page.Meta.Fingerprint
	}
}

// TRXTransfers confirmed inbound native transfers to addr in [minTs, maxTs] (ms).
func (c *TronClient) TRXTransfers(ctx context.Context, addr string, minTs, maxTs int64) ([]InboundTransfer, error) {
	var out []InboundTransfer
	fingerprint := ""
	for {
		q := url.Values{}
		q.Set("only_confirmed", "true")
		q.Set("only_to", "true")
		q.Set("limit", strconv.Itoa(gridPageLimit))
		q.Set("min_timestamp", strconv.FormatInt(minTs, 10))
		q.Set("max_timestamp", strconv.FormatInt(maxTs, 10))
		q.Set("order_by", "block_timestamp,asc")
		q.Set("search_internal", "false")
		if fingerprint != "" {
			q.Set("fingerprint", fingerprint)
		}
		endpoint := fmt.Sprintf("%s/v1/accounts/%s/transactions?%s", c.gridURL, addr, q.Encode())

		var page gridNativePage
		err := utils.Retry(ctx, c.backoff, func(ctx context.Context) error {
			return c.doJSON(ctx, http.MethodGet, endpoint, nil, &page)
		})
		if err != nil {
			return nil, err
		}
		if !page.Success {
			return nil, fmt.Errorf("trongrid error: %s", page.Error)
		}

		for _, tx := range page.Data {
			if len(tx.Ret) == 0 || tx.Ret[0].ContractRet != "SUCCESS" || len(tx.RawData.Contract) == 0 {
				continue
			}
			contract := tx.RawData.Contract[0]
			if contract.Type != "TransferContract" {
				continue
			}
			to, err := hdwallet.TronHexToBase58(contract.Parameter.Value.ToAddress)
			if err != nil || to != addr {
				continue
			}
			from, _ := hdwallet.TronHexToBase58(contract.Parameter.Value.OwnerAddress)
			out = append(out, InboundTransfer{
				TxHash:      tx.TxID,
				From:        from,
				To:          to,
				Amount:      strconv.FormatInt(contract.Parameter.Value.Amount, 10),
				BlockNumber: tx.BlockNumber,
				BlockTime:   tx.BlockTimestamp,
			})
		}

		if page.Meta.Fingerprint == "" || len(page.Data) < gridPageLimit {
			return out, nil
		}
		fingerprint = page.Meta.Fingerprint
	}
}
