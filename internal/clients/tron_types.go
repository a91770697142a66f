package clients

import (
	"encoding/json"
)

// ===== Node wire types =====

// Transaction unsigned or signed transaction as exchanged with /wallet endpoints
type Transaction struct {
	Visible    bool            `json:"visible"`
	TxID       string          `json:"txID"`
	RawData    json.RawMessage `json:"raw_data"`
	RawDataHex string          `json:"raw_data_hex"`
	Signature  []string        `json:"signature,omitempty"`
}

type returnResult struct {
	Result  bool   `json:"result"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type triggerResponse struct {
	Result         returnResult `json:"result"`
	Transaction    *Transaction `json:"transaction"`
	ConstantResult []string     `json:"constant_result"`
	EnergyUsed     int64        `json:"energy_used"`
}

type broadcastResponse struct {
	Result  bool   `json:"result"`
	TxID    string `json:"txid"`
	Code    string `json:"code"`
	Message string `json:"message"` // hex encoded on most nodes
}

// nodeError body returned by java-tron on validation failures
type nodeError struct {
	Error string `json:"Error"`
}

// AccountResource /wallet/getaccountresource
type AccountResource struct {
	FreeNetLimit      int64 `json:"freeNetLimit"`
	FreeNetUsed       int64 `json:"freeNetUsed"`
	NetLimit          int64 `json:"NetLimit"`
	NetUsed           int64 `json:"NetUsed"`
	EnergyLimit       int64 `json:"EnergyLimit"`
	EnergyUsed        int64 `json:"EnergyUsed"`
	TotalEnergyLimit  int64 `json:"TotalEnergyLimit"`
	TotalEnergyWeight int64 `json:"TotalEnergyWeight"`
}

// AvailableEnergy energy the account can spend right now
func (r *AccountResource) AvailableEnergy() int64 {
	return max(r.EnergyLimit-r.EnergyUsed, 0)
}

// AvailableBandwidth free plus staked bandwidth left
func (r *AccountResource) AvailableBandwidth() int64 {
	return max(r.FreeNetLimit-r.FreeNetUsed, 0) + max(r.NetLimit-r.NetUsed, 0)
}

// EnergyPerTRX network-wide conversion between staked TRX and energy
func (r *AccountResource) EnergyPerTRX() float64 {
	if r.TotalEnergyWeight == 0 {
		return 0
	}
	return float64(r.TotalEnergyLimit) / float64(r.TotalEnergyWeight)
}

type account struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
}

type delegatableResponse struct {
	MaxSize int64 `json:"max_size"`
}

// TxLog event log entry of a contract call
type TxLog struct {
	Address string   `json:"address"` // 20 byte hex, no 41 prefix
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

type receipt struct {
	EnergyUsageTotal int64  `json:"energy_usage_total"`
	EnergyFee        int64  `json:"energy_fee"`
	NetUsage         int64  `json:"net_usage"`
	NetFee           int64  `json:"net_fee"`
	Result           string `json:"result"`
}

// TxInfo /wallet/gettransactioninfobyid
type TxInfo struct {
	ID             string  `json:"id"`
	Fee            int64   `json:"fee"`
	BlockNumber    int64   `json:"blockNumber"`
	BlockTimeStamp int64   `json:"blockTimeStamp"`
	Receipt        receipt `json:"receipt"`
	Result         string  `json:"result"` // "FAILED" or empty
	ResMessage     string  `json:"resMessage"`
	Log            []TxLog `json:"log"`
}

// Succeeded plain transfers carry no receipt result; contract calls report SUCCESS.
func (t *TxInfo) Succeeded() bool {
	if t.Result == "FAILED" {
		return false
	}
	return t.Receipt.Result == "" || t.Receipt.Result == "SUCCESS"
}

// EnergyUsed total energy consumed, staked or burned
func (t *TxInfo) EnergyUsed() int64 {
	return t.Receipt.EnergyUsageTotal
}

type blockRawData struct {
	Number    int64 `json:"number"`
	Timestamp int64 `json:"timestamp"`
}

// BlockHeader head or scanned block position
type BlockHeader struct {
	BlockID string `json:"blockID"`
	Header  struct {
		RawData blockRawData `json:"raw_data"`
	} `json:"block_header"`
}

func (b *BlockHeader) Number() int64    { return b.Header.RawData.Number }
func (b *BlockHeader) Timestamp() int64 { return b.Header.RawData.Timestamp }

type contractValue struct {
	Amount          int64  `json:"amount"`
	OwnerAddress    string `json:"owner_address"`
	ToAddress       string `json:"to_address"`
	ContractAddress string `json:"contract_address"`
	Data            string `json:"data"`
}

type blockContract struct {
	Type      string `json:"type"`
	Parameter struct {
		Value contractValue `json:"value"`
	} `json:"parameter"`
}

type blockTx struct {
	TxID string `json:"txID"`
	Ret  []struct {
		ContractRet string `json:"contractRet"`
	} `json:"ret"`
	RawData struct {
		Contract []blockContract `json:"contract"`
	} `json:"raw_data"`
}

// Block full block from /wallet/getblockbylimitnext
type Block struct {
	BlockHeader
	Transactions []blockTx `json:"transactions"`
}

type blockList struct {
	Block []Block `json:"block"`
}

type txInfoList []TxInfo

// ===== TronGrid (v1 REST) types =====

type gridMeta struct {
	Fingerprint string `json:"fingerprint"`
	PageSize    int    `json:"page_size"`
}

type gridTRC20Transfer struct {
	TransactionID  string `json:"transaction_id"`
	BlockTimestamp int64  `json:"block_timestamp"`
	From           string `json:"from"`
	To             string `json:"to"`
	Type           string `json:"type"`
	Value          string `json:"value"`
	TokenInfo      struct {
		Address  string `json:"address"`
		Decimals int32  `json:"decimals"`
	} `json:"token_info"`
}

type gridTRC20Page struct {
	Data    []gridTRC20Transfer `json:"data"`
	Success bool                `json:"success"`
	Error   string              `json:"error"`
	Meta    gridMeta            `json:"meta"`
}

type gridNativeTx struct {
	TxID           string `json:"txID"`
	BlockNumber    int64  `json:"blockNumber"`
	BlockTimestamp int64  `json:"block_timestamp"`
	Ret            []struct {
		ContractRet string `json:"contractRet"`
	} `json:"ret"`
	RawData struct {
		Contract []blockContract `json:"contract"`
	} `json:"raw_data"`
}

type gridNativePage struct {
	Data    []gridNativeTx `json:"data"`
	Success bool           `json:"success"`
	Error   string         `json:"error"`
	Meta    gridMeta       `json:"meta"`
}

// InboundTransfer a confirmed transfer into one of our addresses, normalised
// across data sources. Amount is in base units of the asset.
type InboundTransfer struct {
	TxHash      string
	Asset       string
	From        string
	To          string
	Amount      string
	BlockNumber int64
	BlockTime   int64 // unix ms
}
