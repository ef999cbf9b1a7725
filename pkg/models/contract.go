package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Contract 合约元数据，部署完成后地址不再变化
type Contract struct {
	Name     string          `json:"name"`
	Bytecode []byte          `json:"-"`
	ABI      abi.ABI         `json:"-"`
	ABIJSON  string          `json:"abi"`
	Address  *common.Address `json:"address,omitempty"`
}

// Deployed 是否已部署
func (c *Contract) Deployed() bool {
	return c.Address != nil
}

// AtAddress 返回绑定到指定地址的副本
func (c *Contract) AtAddress(addr common.Address) *Contract {
	cp := *c
	cp.Address = &addr
	return &cp
}

// InvokeResult 合约调用结果
type InvokeResult struct {
	TxHash  common.Hash        `json:"tx_hash"`
	Method  string             `json:"method"`
	Receipt *Receipt           `json:"receipt"`
	Events  []*DecodedLogEntry `json:"events"`
}

// DeployRequest 合约部署请求
type DeployRequest struct {
	Source   string        `json:"source"`   // 源码或 combined-json 产物路径
	Contract string        `json:"contract"` // 合约名称
	Args     []interface{} `json:"args"`     // 构造参数，按 ABI 顺序
	Value    *big.Int      `json:"value"`
}
