package decoder

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
)

// CallDescription 调用数据描述
type CallDescription struct {
	Selector  string                 `json:"selector"`
	Method    string                 `json:"method"`
	Signature string                 `json:"signature"`
	Known     bool                   `json:"known"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// commonMethods 常见方法签名，合约 ABI 中找不到时使用
var commonMethods = map[string]string{
	"0xa9059cbb": "transfer(address,uint256)",
	"0x095ea7b3": "approve(address,uint256)",
	"0x23b872dd": "transferFrom(address,address,uint256)",
	"0x70a08231": "balanceOf(address)",
	"0xdd62ed3e": "allowance(address,address)",
	"0x06fdde03": "name()",
	"0x95d89b41": "symbol()",
	"0x313ce567": "decimals()",
	"0x18160ddd": "totalSupply()",
	"0x8da5cb5b": "owner()",
	"0xf2fde38b": "transferOwnership(address)",
}

// InputDecoder 输入数据解码器
type InputDecoder struct {
	logger *logrus.Logger
	abi    *abi.ABI
}

// NewInputDecoder 创建输入解码器，contractABI 可为 nil
func NewInputDecoder(logger *logrus.Logger, contractABI *abi.ABI) *InputDecoder {
	return &InputDecoder{
		logger: logger,
		abi:    contractABI,
	}
}

// DecodeInput 解码交易输入数据，数据不足4字节时返回 false
func (d *InputDecoder) DecodeInput(input []byte) (*CallDescription, bool) {
	if len(input) < 4 {
		return nil, false
	}

	desc := &CallDescription{
		Selector: hexutil.Encode(input[:4]),
	}

	if d.abi != nil {
		if method, err := d.abi.MethodById(input[:4]); err == nil {
			desc.Method = method.RawName
			desc.Signature = method.Sig
			desc.Known = true

			params := make(map[string]interface{})
			if err := method.Inputs.UnpackIntoMap(params, input[4:]); err != nil {
				d.logger.Debugf("解码方法 %s 参数失败: %v", method.Sig, err)
				desc.Params = decodeBasicParameters(input[4:])
			} else {
				desc.Params = params
			}
			return desc, true
		}
	}

	if sig, ok := commonMethods[desc.Selector]; ok {
		desc.Signature = sig
		desc.Method = sig[:strings.IndexByte(sig, '(')]
	} else {
		desc.Method = UnknownEvent
	}
	desc.Params = decodeBasicParameters(input[4:])

	return desc, true
}

// decodeBasicParameters 按32字节字拆分参数
func decodeBasicParameters(data []byte) map[string]interface{} {
	params := make(map[string]interface{})

	const wordSize = 32
	for i := 0; i*wordSize+wordSize <= len(data) && i < 10; i++ { // 最多解析10个参数
		word := data[i*wordSize : (i+1)*wordSize]
		key := fmt.Sprintf("param_%d", i)

		// 前12字节为0时按地址处理
		if isZero(word[:12]) {
			params[key] = common.BytesToAddress(word[12:]).Hex()
			params[key+"_type"] = "address"
		} else {
			params[key] = hexutil.Encode(word)
			params[key+"_type"] = "bytes32"
		}
	}

	return params
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
