package pipeline

import (
	"context"
	"math/big"

	"txflow/internal/errors"
	"txflow/pkg/models"

	"github.com/sirupsen/logrus"
)

// DemoOptions 演示流程参数
type DemoOptions struct {
	Contract *models.Contract // 已编译的 Product 合约
	Args     []interface{}    // 构造参数，缺省为 "MacBook Pro"
	Amount   *big.Int         // 转账金额，缺省 500
	Price    *big.Int         // 部署附带金额，缺省为配置的 deploy_value
}

// DemoReport 演示流程各步骤的结果
type DemoReport struct {
	Balances    [][]*models.NodeAccounts `json:"balances"`
	Transfer    *Outcome                 `json:"transfer"`
	TransferRaw *Outcome                 `json:"transfer_raw"`
	Deploy      *DeployResult            `json:"deploy"`
	Buy         *models.InvokeResult     `json:"buy"`
}

// Demo 依次执行：查询账户、节点签名转账、本地签名转账、部署 Product、
// 由第二个节点购买，每笔交易后重新查询账户
func (s *Session) Demo(ctx context.Context, opts DemoOptions) (*DemoReport, error) {
	if opts.Contract == nil {
		return nil, errors.Newf(errors.ErrInvalidDescriptor, "演示需要合约产物")
	}
	names := s.nodes.Names()
	if len(names) < 2 {
		return nil, errors.Newf(errors.ErrConfigInvalid, "演示至少需要两个节点，当前 %d 个", len(names))
	}
	if opts.Args == nil {
		opts.Args = []interface{}{"MacBook Pro"}
	}
	if opts.Amount == nil {
		opts.Amount = big.NewInt(500)
	}
	if opts.Price == nil {
		price, err := s.DeployValue()
		if err != nil {
			return nil, err
		}
		opts.Price = price
	}

	report := &DemoReport{}
	step := func(n int, msg string) {
		s.logger.WithField("step", n).Info(msg)
	}
	snapshot := func() error {
		accounts, err := s.Accounts(ctx)
		if err != nil {
			return err
		}
		report.Balances = append(report.Balances, accounts)
		return nil
	}

	step(1, "查询各节点账户")
	if err := snapshot(); err != nil {
		return report, err
	}

	step(2, "节点签名转账")
	outcome, err := s.Transfer(ctx, names[0], names[1], opts.Amount)
	report.Transfer = outcome
	if err != nil {
		return report, err
	}

	step(3, "再次查询余额")
	if err := snapshot(); err != nil {
		return report, err
	}

	step(4, "本地签名转账，经由不持有发送方私钥的节点提交")
	wallet, err := s.Wallet()
	if err != nil {
		return report, err
	}
	addrs := wallet.Addresses()
	if len(addrs) < 2 {
		return report, errors.Newf(errors.ErrKeystore, "本地钱包至少需要两个账户，当前 %d 个", len(addrs))
	}
	via := names[len(names)-1]
	outcome, err = s.TransferRaw(ctx, via, addrs[0], addrs[1], opts.Amount)
	report.TransferRaw = outcome
	if err != nil {
		return report, err
	}

	step(5, "再次查询余额")
	if err := snapshot(); err != nil {
		return report, err
	}

	step(6, "部署 Product 合约")
	deployed, err := s.Deploy(ctx, names[0], opts.Contract, opts.Args, opts.Price)
	report.Deploy = deployed
	if err != nil {
		return report, err
	}

	step(7, "第二个节点购买商品")
	buy, err := s.Invoke(ctx, names[1], deployed.Contract, "buy", nil, opts.Price)
	report.Buy = buy
	if err != nil {
		return report, err
	}
	if !buy.Receipt.Succeeded() {
		s.logger.WithFields(logrus.Fields{
			"tx_hash": buy.TxHash.Hex(),
			"node":    names[1],
		}).Warn("购买失败，账户余额可能不足")
	}

	step(8, "再次查询余额")
	if err := snapshot(); err != nil {
		return report, err
	}
	return report, nil
}
