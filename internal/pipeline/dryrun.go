package pipeline

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"txflow/internal/config"
	"txflow/internal/connection"
	"txflow/internal/errors"
	"txflow/internal/keystore"
	"txflow/internal/node"
	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// DryRunBalance 模拟账户的默认初始余额（1 ether）
var DryRunBalance = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// DryRun 进程内模拟环境：每个配置节点对应一个 MemoryClient 和一个账户，
// 钱包持有同一批私钥，用于演示本地签名
type DryRun struct {
	Ledger *node.MemoryLedger
	Nodes  *connection.NodeSet
	Wallet *keystore.Wallet
}

// NewDryRun 按配置的节点名称创建模拟环境，balances 按节点顺序指定初始余额，缺省使用 DryRunBalance
func NewDryRun(cfg *config.Config, balances []*big.Int, logger *logrus.Logger) (*DryRun, error) {
	if cfg == nil || len(cfg.Nodes) == 0 {
		return nil, errors.Newf(errors.ErrConfigInvalid, "模拟环境至少需要一个节点")
	}

	keys := make(map[string]*ecdsa.PrivateKey, len(cfg.Nodes))
	genesis := make(map[common.Address]*big.Int, len(cfg.Nodes))
	nodes := make([]*config.NodeConfig, len(cfg.Nodes))
	accounts := make([]*models.KeyedAccount, len(cfg.Nodes))

	for i, nc := range cfg.Nodes {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, errors.New(errors.ErrKeystore, err, "生成模拟账户失败")
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)

		balance := DryRunBalance
		if i < len(balances) && balances[i] != nil {
			balance = balances[i]
		}
		genesis[addr] = balance
		keys[nc.Name] = key
		accounts[i] = &models.KeyedAccount{Address: addr, PrivateKey: crypto.FromECDSA(key)}

		cp := *nc
		cp.Type = config.NodeTypeMemory
		cp.Priority = i
		nodes[i] = &cp
	}

	chainID := big.NewInt(1)
	if cfg.Transaction != nil && cfg.Transaction.ChainID > 0 {
		chainID = big.NewInt(cfg.Transaction.ChainID)
	}
	ledger := node.NewMemoryLedger(chainID, genesis)

	factory := func(nc *config.NodeConfig, logger *logrus.Logger) (node.Client, error) {
		key, ok := keys[nc.Name]
		if !ok {
			return nil, fmt.Errorf("节点 %s 没有模拟账户", nc.Name)
		}
		return node.NewMemoryClient(nc.Name, ledger, key), nil
	}
	set, err := connection.NewNodeSet(nodes, factory, logger)
	if err != nil {
		return nil, err
	}

	logger.Warnf("dry-run 模式：%d 个进程内节点，交易不会发送到真实网络", set.Len())
	return &DryRun{
		Ledger: ledger,
		Nodes:  set,
		Wallet: keystore.NewWallet(accounts...),
	}, nil
}

// InstallProduct 为 Product 合约注册 buy() 的模拟执行：
// 金额必须等于部署时附带的价格，每个合约只能售出一次，成功时发出 Bought 事件
func (d *DryRun) InstallProduct(c *models.Contract) error {
	buy, ok := c.ABI.Methods["buy"]
	if !ok {
		return errors.Newf(errors.ErrInvalidDescriptor, "合约 %s 没有 buy 方法", c.Name)
	}
	bought, ok := c.ABI.Events["Bought"]
	if !ok {
		return errors.Newf(errors.ErrInvalidDescriptor, "合约 %s 没有 Bought 事件", c.Name)
	}

	bytecodeLen := len(c.Bytecode)
	sold := make(map[common.Address]bool)

	d.Ledger.RegisterBehavior(buy.ID, func(call *node.Call) ([]*models.RawLog, error) {
		if sold[call.To] {
			return nil, fmt.Errorf("already sold")
		}
		if call.Value.Cmp(call.Endowment) != 0 {
			return nil, fmt.Errorf("price mismatch: have %s want %s", call.Value, call.Endowment)
		}

		name := ""
		if len(call.Code) > bytecodeLen {
			vals, err := c.ABI.Constructor.Inputs.Unpack(call.Code[bytecodeLen:])
			if err == nil && len(vals) > 0 {
				name, _ = vals[0].(string)
			}
		}

		data, err := bought.Inputs.NonIndexed().Pack(new(big.Int).Set(call.Endowment), name)
		if err != nil {
			return nil, err
		}
		sold[call.To] = true

		return []*models.RawLog{{
			Topics: []common.Hash{bought.ID, common.BytesToHash(call.From.Bytes())},
			Data:   data,
		}}, nil
	})
	return nil
}
