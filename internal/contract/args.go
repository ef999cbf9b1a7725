package contract

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"txflow/internal/errors"
	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var bigIntType = reflect.TypeOf(&big.Int{})

// EncodeConstructor 拼接字节码与构造参数编码
func EncodeConstructor(c *models.Contract, args []interface{}) ([]byte, error) {
	values, err := CoerceArgs(c.ABI.Constructor.Inputs, args)
	if err != nil {
		return nil, err
	}
	packed, err := c.ABI.Pack("", values...)
	if err != nil {
		return nil, errors.New(errors.ErrInvalidDescriptor, err, fmt.Sprintf("编码合约 %s 构造参数失败", c.Name))
	}

	data := make([]byte, 0, len(c.Bytecode)+len(packed))
	data = append(data, c.Bytecode...)
	return append(data, packed...), nil
}

// EncodeCall 编码方法调用数据
func EncodeCall(c *models.Contract, method string, args []interface{}) ([]byte, error) {
	m, ok := c.ABI.Methods[method]
	if !ok {
		return nil, errors.Newf(errors.ErrInvalidDescriptor, "合约 %s 不存在方法 %s", c.Name, method)
	}
	values, err := CoerceArgs(m.Inputs, args)
	if err != nil {
		return nil, err
	}
	data, err := c.ABI.Pack(method, values...)
	if err != nil {
		return nil, errors.New(errors.ErrInvalidDescriptor, err, fmt.Sprintf("编码方法 %s 参数失败", m.Sig))
	}
	return data, nil
}

// ParseArgs 将命令行字符串参数转换为 ABI 类型
func ParseArgs(inputs abi.Arguments, raw []string) ([]interface{}, error) {
	args := make([]interface{}, len(raw))
	for i, s := range raw {
		args[i] = s
	}
	return CoerceArgs(inputs, args)
}

// CoerceArgs 按参数定义转换字符串、JSON 数字与布尔值，已是目标类型的值保持不变
func CoerceArgs(inputs abi.Arguments, args []interface{}) ([]interface{}, error) {
	if len(inputs) != len(args) {
		return nil, errors.Newf(errors.ErrInvalidDescriptor, "参数数量不匹配: 需要 %d，实际 %d", len(inputs), len(args))
	}

	out := make([]interface{}, len(args))
	for i, input := range inputs {
		v, err := coerce(input.Type, args[i])
		if err != nil {
			name := input.Name
			if name == "" {
				name = strconv.Itoa(i)
			}
			return nil, errors.New(errors.ErrInvalidDescriptor, err, fmt.Sprintf("参数 %s (%s) 无效", name, input.Type.String()))
		}
		out[i] = v
	}
	return out, nil
}

func coerce(t abi.Type, v interface{}) (interface{}, error) {
	goType := t.GetType()
	if v != nil && reflect.TypeOf(v) == goType {
		return v, nil
	}

	var s string
	switch val := v.(type) {
	case string:
		s = strings.TrimSpace(val)
	case json.Number:
		s = val.String()
	case float64:
		if val != math.Trunc(val) {
			return nil, fmt.Errorf("不是整数: %v", val)
		}
		s = strconv.FormatFloat(val, 'f', 0, 64)
	case bool:
		s = strconv.FormatBool(val)
	case *big.Int:
		s = val.String()
	case common.Address:
		s = val.Hex()
	default:
		return nil, fmt.Errorf("不支持的参数类型 %T", v)
	}

	switch t.T {
	case abi.StringTy:
		return s, nil
	case abi.BoolTy:
		return strconv.ParseBool(s)
	case abi.AddressTy:
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("地址格式无效: %s", s)
		}
		return common.HexToAddress(s), nil
	case abi.UintTy, abi.IntTy:
		return coerceInteger(t, goType, s)
	case abi.BytesTy:
		return hexutil.Decode(s)
	case abi.FixedBytesTy:
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		if len(b) > t.Size {
			return nil, fmt.Errorf("长度 %d 超过 bytes%d", len(b), t.Size)
		}
		arr := reflect.New(goType).Elem()
		reflect.Copy(arr, reflect.ValueOf(common.RightPadBytes(b, t.Size)))
		return arr.Interface(), nil
	default:
		return nil, fmt.Errorf("暂不支持类型 %s", t.String())
	}
}

func coerceInteger(t abi.Type, goType reflect.Type, s string) (interface{}, error) {
	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("整数格式无效: %s", s)
	}
	if t.T == abi.UintTy && n.Sign() < 0 {
		return nil, fmt.Errorf("uint 不能为负数: %s", s)
	}
	if !inRange(t, n) {
		return nil, fmt.Errorf("超出 %s 范围: %s", t.String(), s)
	}

	if goType == bigIntType {
		return n, nil
	}

	v := reflect.New(goType).Elem()
	if t.T == abi.UintTy {
		v.SetUint(n.Uint64())
	} else {
		v.SetInt(n.Int64())
	}
	return v.Interface(), nil
}

// inRange uintN 取 [0, 2^N-1]，intN 取 [-2^(N-1), 2^(N-1)-1]
func inRange(t abi.Type, n *big.Int) bool {
	if t.T == abi.UintTy {
		return n.BitLen() <= t.Size
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
	if n.Sign() < 0 {
		return n.CmpAbs(limit) <= 0
	}
	return n.Cmp(limit) < 0
}
