package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// TransactionDescriptor 交易描述，构建后不可再修改
type TransactionDescriptor struct {
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to,omitempty"` // nil 表示合约创建
	Value    *big.Int        `json:"value"`
	Data     hexutil.Bytes   `json:"data,omitempty"`
	Gas      uint64          `json:"gas"`
	GasPrice *big.Int        `json:"gas_price"`
	Nonce    *uint64         `json:"nonce,omitempty"`    // 远程签名时由节点分配
	ChainID  *big.Int        `json:"chain_id,omitempty"` // 远程签名时省略
}

// IsCreation 是否为合约创建交易
func (d *TransactionDescriptor) IsCreation() bool {
	return d.To == nil
}

// Clone 深拷贝描述，签名器只在副本上工作
func (d *TransactionDescriptor) Clone() *TransactionDescriptor {
	if d == nil {
		return nil
	}

	cp := &TransactionDescriptor{
		From: d.From,
		Gas:  d.Gas,
	}
	if d.To != nil {
		to := *d.To
		cp.To = &to
	}
	if d.Value != nil {
		cp.Value = new(big.Int).Set(d.Value)
	}
	if d.Data != nil {
		cp.Data = common.CopyBytes(d.Data)
	}
	if d.GasPrice != nil {
		cp.GasPrice = new(big.Int).Set(d.GasPrice)
	}
	if d.Nonce != nil {
		nonce := *d.Nonce
		cp.Nonce = &nonce
	}
	if d.ChainID != nil {
		cp.ChainID = new(big.Int).Set(d.ChainID)
	}
	return cp
}

// ToLegacyTx 转换为以太坊交易（本地签名使用）
func (d *TransactionDescriptor) ToLegacyTx() *types.Transaction {
	var nonce uint64
	if d.Nonce != nil {
		nonce = *d.Nonce
	}

	value := d.Value
	if value == nil {
		value = new(big.Int)
	}
	gasPrice := d.GasPrice
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}

	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       d.To,
		Value:    new(big.Int).Set(value),
		Gas:      d.Gas,
		GasPrice: new(big.Int).Set(gasPrice),
		Data:     common.CopyBytes(d.Data),
	})
}

// SignedTransaction 已签名交易
type SignedTransaction struct {
	Raw        hexutil.Bytes          `json:"raw"`
	Hash       common.Hash            `json:"hash"`
	Descriptor *TransactionDescriptor `json:"descriptor"` // 仅用于日志与调试
}

// PayloadKind 提交载荷类型
type PayloadKind int

const (
	// PayloadUnsigned 未签名描述，由节点使用自身持有的私钥签名
	PayloadUnsigned PayloadKind = iota
	// PayloadSigned 本地签名后的原始交易
	PayloadSigned
)

// String 返回载荷类型名称
func (k PayloadKind) String() string {
	switch k {
	case PayloadUnsigned:
		return "unsigned"
	case PayloadSigned:
		return "signed"
	default:
		return "unknown"
	}
}

// Payload 签名器输出，提交客户端的唯一输入
type Payload struct {
	Kind       PayloadKind
	Descriptor *TransactionDescriptor
	Signed     *SignedTransaction
}

// NewUnsignedPayload 创建未签名载荷
func NewUnsignedPayload(desc *TransactionDescriptor) *Payload {
	return &Payload{Kind: PayloadUnsigned, Descriptor: desc}
}

// NewSignedPayload 创建已签名载荷
func NewSignedPayload(stx *SignedTransaction) *Payload {
	return &Payload{Kind: PayloadSigned, Descriptor: stx.Descriptor, Signed: stx}
}

// SubmissionResult 提交结果，不代表交易已最终确认
type SubmissionResult struct {
	TxHash common.Hash `json:"tx_hash"`
}

// Receipt 交易回执
type Receipt struct {
	TxHash          common.Hash     `json:"tx_hash"`
	From            common.Address  `json:"from"`
	To              *common.Address `json:"to,omitempty"`
	ContractAddress *common.Address `json:"contract_address,omitempty"`
	GasUsed         uint64          `json:"gas_used"`
	Status          uint64          `json:"status"`
	Logs            []*RawLog       `json:"logs"`
}

// Succeeded 交易是否执行成功
func (r *Receipt) Succeeded() bool {
	return r.Status == types.ReceiptStatusSuccessful
}

// FromEthereumReceipt 从以太坊回执转换为内部模型
func (r *Receipt) FromEthereumReceipt(receipt *types.Receipt) {
	if receipt == nil {
		return
	}

	r.TxHash = receipt.TxHash
	r.GasUsed = receipt.GasUsed
	r.Status = receipt.Status
	if receipt.ContractAddress != (common.Address{}) {
		addr := receipt.ContractAddress
		r.ContractAddress = &addr
	}

	r.Logs = make([]*RawLog, 0, len(receipt.Logs))
	for _, l := range receipt.Logs {
		raw := &RawLog{}
		raw.FromEthereumLog(l)
		r.Logs = append(r.Logs, raw)
	}
}

// RawLog 原始事件日志
type RawLog struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
	Index   uint           `json:"log_index"`
}

// FromEthereumLog 从以太坊日志转换为内部模型
func (l *RawLog) FromEthereumLog(log *types.Log) {
	if log == nil {
		return
	}

	l.Address = log.Address
	l.Topics = make([]common.Hash, len(log.Topics))
	copy(l.Topics, log.Topics)
	l.Data = common.CopyBytes(log.Data)
	l.Index = log.Index
}

// DecodedLogEntry 解码后的事件
type DecodedLogEntry struct {
	Event   string                 `json:"event"`
	Known   bool                   `json:"known"` // false 表示未知事件签名
	Args    map[string]interface{} `json:"args,omitempty"`
	Address common.Address         `json:"address"`
	Topics  []common.Hash          `json:"topics,omitempty"`
	Index   uint                   `json:"log_index"`
}

// TransactionKind 交易意图类型
type TransactionKind string

const (
	KindTransfer    TransactionKind = "transfer"
	KindTransferRaw TransactionKind = "transfer_raw"
	KindDeploy      TransactionKind = "deploy"
	KindInvoke      TransactionKind = "invoke"
)

// TransactionRecord 交易流水记录
type TransactionRecord struct {
	TxHash      string          `json:"tx_hash"`
	Kind        TransactionKind `json:"kind"`
	Node        string          `json:"node"`
	From        string          `json:"from"`
	To          string          `json:"to,omitempty"`
	Value       *big.Int        `json:"value"`
	Nonce       *uint64         `json:"nonce,omitempty"`
	Signing     string          `json:"signing"`
	Status      string          `json:"status"` // submitted / succeeded / failed / unknown
	Contract    string          `json:"contract,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// 流水状态
const (
	StatusSubmitted = "submitted"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusUnknown   = "unknown"
)

// ReceiptStatusString 根据回执返回流水状态
func ReceiptStatusString(r *Receipt) string {
	if r == nil {
		return StatusUnknown
	}
	if r.Succeeded() {
		return StatusSucceeded
	}
	return StatusFailed
}
