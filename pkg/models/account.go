package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Account 节点视角下的账户状态
type Account struct {
	Address common.Address `json:"address"`
	Balance *big.Int       `json:"balance"`
	Nonce   uint64         `json:"nonce"`
}

// KeyedAccount 本地钱包账户，地址由密钥库提供
type KeyedAccount struct {
	Address    common.Address `json:"address"`
	PrivateKey []byte         `json:"-"`
}

// Zero 清除私钥
func (k *KeyedAccount) Zero() {
	for i := range k.PrivateKey {
		k.PrivateKey[i] = 0
	}
	k.PrivateKey = nil
}

// NodeAccounts 单个节点控制的账户列表
type NodeAccounts struct {
	Node     string     `json:"node"`
	Accounts []*Account `json:"accounts"`
}
