package clients

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const trc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

var trc20ABI abi.ABI

// TransferEventTopic keccak256("Transfer(address,address,uint256)") without 0x
var TransferEventTopic = strings.TrimPrefix(crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")).Hex(), "0x")

func init() {
	parsed, err := abi.JSON(strings.NewReader(trc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse trc20 abi: %v", err))
	}
	trc20ABI = parsed
}

// packCall returns the function selector string and hex encoded arguments
// in the form triggersmartcontract expects.
func packCall(method string, args ...interface{}) (string, string, error) {
	m, ok := trc20ABI.Methods[method]
	if !ok {
		return "", "", fmt.Errorf("unknown trc20 method %s", method)
	}
	data, err := trc20ABI.Pack(method, args...)
	if err != nil {
		return "", "", fmt.Errorf("pack %s: %w", method, err)
	}
	return m.Sig, hex.EncodeToString(data[4:]), nil
}

func unpackUint(out []byte, method string) (*big.Int, error) {
	values, err := trc20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack %s: %d values", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, values[0])
	}
	return v, nil
}

// decodeTransferLog extracts from, to and value of a TRC20 Transfer event log.
// Node logs carry 20 byte hex addresses without the 41 prefix.
func decodeTransferLog(l TxLog) (from, to common.Address, value *big.Int, ok bool) {
	if len(l.Topics) != 3 || !strings.EqualFold(l.Topics[0], TransferEventTopic) ||
		len(l.Topics[1]) < 40 || len(l.Topics[2]) < 40 {
		return common.Address{}, common.Address{}, nil, false
	}
	data, err := hex.DecodeString(l.Data)
	if err != nil || len(data) != 32 {
		return common.Address{}, common.Address{}, nil, false
	}
	from = common.HexToAddress(l.Topics[1][len(l.Topics[1])-40:])
	to = common.HexToAddress(l.Topics[2][len(l.Topics[2])-40:])
	return from, to, new(big.Int).SetBytes(data), true
}
