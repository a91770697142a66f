package clients

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"settlement-backend/internal/hdwallet"
	"settlement-backend/internal/models"
)

// blocksPerRequest getblockbylimitnext upper bound
const blocksPerRequest = 100

// AddressTransfers confirmed inbound USDT and TRX transfers to addr in
// [minTs, maxTs] (unix ms), from the TronGrid index.
func (c *TronClient) AddressTransfers(ctx context.Context, addr string, minTs, maxTs int64) ([]InboundTransfer, error) {
	tokens, err := c.TRC20Transfers(ctx, addr, minTs, maxTs)
	if err != nil {
		return nil, fmt.Errorf("trc20 history of %s: %w", addr, err)
	}
	native, err := c.TRXTransfers(ctx, addr, minTs, maxTs)
	if err != nil {
		return nil, fmt.Errorf("trx history of %s: %w", addr, err)
	}

	out := make([]InboundTransfer, 0, len(tokens)+len(native))
	for _, t := range tokens {
		t.Asset = models.AssetUSDT
		out = append(out, t)
	}
	for _, t := range native {
		t.Asset = models.AssetTRX
		out = append(out, t)
	}
	return out, nil
}

// ScanBlocks walks blocks [from, to] on a full node and returns transfers to
// any address in watch (base58). It is the fallback when the index is down,
// so it stops early on error and reports the last fully scanned block;
// callers advance their watermark only that far.
func (c *TronClient) ScanBlocks(ctx context.Context, from, to int64, watch map[string]uint64) ([]InboundTransfer, int64, error) {
	tokenHex, err := c.tokenLogAddress()
	if err != nil {
		return nil, from - 1, err
	}

	var out []InboundTransfer
	scanned := from - 1
	for start := from; start <= to; start += blocksPerRequest {
		end := min(start+blocksPerRequest, to+1)
		blocks, err := c.BlocksRange(ctx, start, end)
		if err != nil {
			return out, scanned, err
		}

		for i := range blocks {
			b := &blocks[i]
			found, err := c.scanBlock(ctx, b, tokenHex, watch)
			if err != nil {
				return out, scanned, err
			}
			out = append(out, found...)
			if b.Number() > scanned {
				scanned = b.Number()
			}
		}
		if len(blocks) == 0 {
			// node has nothing past this point yet
			return out, scanned, nil
		}
	}
	return out, scanned, nil
}

func (c *TronClient) scanBlock(ctx context.Context, b *Block, tokenHex string, watch map[string]uint64) ([]InboundTransfer, error) {
	var out []InboundTransfer
	hasContractCall := false

	for _, tx := range b.Transactions {
		if len(tx.Ret) == 0 || tx.Ret[0].ContractRet != "SUCCESS" || len(tx.RawData.Contract) == 0 {
			continue
		}
		contract := tx.RawData.Contract[0]
		switch contract.Type {
		case "TransferContract":
			to, err := hdwallet.TronHexToBase58(contract.Parameter.Value.ToAddress)
			if err != nil {
				continue
			}
			if _, ok := watch[to]; !ok {
				continue
			}
			from, _ := hdwallet.TronHexToBase58(contract.Parameter.Value.OwnerAddress)
			out = append(out, InboundTransfer{
				TxHash:      tx.TxID,
				Asset:       models.AssetTRX,
				From:        from,
				To:          to,
				Amount:      strconv.FormatInt(contract.Parameter.Value.Amount, 10),
				BlockNumber: b.Number(),
				BlockTime:   b.Timestamp(),
			})
		case "TriggerSmartContract":
			hasContractCall = true
		}
	}

	if !hasContractCall {
		return out, nil
	}

	infos, err := c.TransactionInfosByBlock(ctx, b.Number())
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if !info.Succeeded() {
			continue
		}
		for _, l := range info.Log {
			if !strings.EqualFold(l.Address, tokenHex) {
				continue
			}
			fromAddr, toAddr, value, ok := decodeTransferLog(l)
			if !ok {
				continue
			}
			to, _ := hdwallet.TronHexToBase58(toAddr.Hex())
			if _, ok := watch[to]; !ok {
				continue
			}
			from, _ := hdwallet.TronHexToBase58(fromAddr.Hex())
			out = append(out, InboundTransfer{
				TxHash:      info.ID,
				Asset:       models.AssetUSDT,
				From:        from,
				To:          to,
				Amount:      value.String(),
				BlockNumber: b.Number(),
				BlockTime:   b.Timestamp(),
			})
		}
	}
	return out, nil
}

// tokenLogAddress contract address as it appears in event logs (20 byte hex).
func (c *TronClient) tokenLogAddress() (string, error) {
	h, err := hdwallet.TronBase58ToHex(c.token)
	if err != nil {
		return "", fmt.Errorf("token contract: %w", err)
	}
	return h[2:], nil
}
