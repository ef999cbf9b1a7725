package pipeline

import (
	"context"
	"fmt"
	"math/big"

	"txflow/internal/builder"
	"txflow/internal/contract"
	"txflow/internal/errors"
	"txflow/internal/logging"
	"txflow/internal/signer"
	"txflow/pkg/models"

	"github.com/sirupsen/logrus"
)

// DeployResult 部署结果
type DeployResult struct {
	*Outcome
	Contract *models.Contract         `json:"contract"`
	Events   []*models.DecodedLogEntry `json:"events"`
}

// Compile 编译或加载合约产物，.json 文件视为 combined-json 产物
func (s *Session) Compile(ctx context.Context, source, name string) (*models.Contract, error) {
	solc := ""
	if s.cfg.Compiler != nil {
		solc = s.cfg.Compiler.SolcPath
	}
	c, err := contract.ForSource(source, solc, s.logger).Compile(ctx, source, name)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	return c, nil
}

// DeployValue 配置的默认部署金额
func (s *Session) DeployValue() (*big.Int, error) {
	v, err := s.cfg.Transaction.DeployValueInt()
	if err != nil {
		return nil, errors.New(errors.ErrConfigInvalid, err, "deploy_value 无效").WithComponent("pipeline")
	}
	return v, nil
}

// Deploy 由 fromNode 的首个账户创建合约，data = 字节码 ++ 构造参数编码
//
// 回执失败或缺少合约地址时返回 DeploymentFailed。
func (s *Session) Deploy(ctx context.Context, fromNode string, c *models.Contract, args []interface{}, value *big.Int) (*DeployResult, error) {
	if c == nil || len(c.Bytecode) == 0 {
		return nil, s.fail(ctx, errors.Newf(errors.ErrInvalidDescriptor, "合约字节码为空"))
	}
	if c.Deployed() {
		return nil, s.fail(ctx, errors.Newf(errors.ErrInvalidDescriptor, "合约 %s 已部署在 %s", c.Name, c.Address.Hex()))
	}
	if value == nil {
		v, err := s.DeployValue()
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		value = v
	}

	data, err := contract.EncodeConstructor(c, args)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	if err := s.ensureAccounts(ctx, fromNode); err != nil {
		return nil, s.fail(ctx, err)
	}
	from, err := s.registry.Primary(fromNode)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	client, err := s.nodes.Get(fromNode)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	s.logger.WithFields(logrus.Fields{
		"contract": c.Name,
		"node":     fromNode,
		"value":    value.String(),
		"data_len": len(data),
	}).Info("部署合约")

	outcome, err := s.execute(ctx, &submission{
		kind:   models.KindDeploy,
		client: client,
		mode:   signer.ModeRemote,
		intent: &builder.Intent{From: from, Value: value, Data: data, Creation: true},
	})
	if err != nil {
		return nil, err
	}

	receipt := outcome.Receipt
	if !receipt.Succeeded() || receipt.ContractAddress == nil {
		err := errors.Newf(errors.ErrDeploymentFailed, "合约 %s 部署失败: status=%d", c.Name, receipt.Status).
			WithTxHash(outcome.TxHash.Hex()).
			WithNode(fromNode)
		return nil, s.fail(ctx, err)
	}

	deployed := c.AtAddress(*receipt.ContractAddress)
	events, err := s.decodeEvents(deployed, outcome)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	s.logger.WithFields(logrus.Fields{
		"contract": c.Name,
		"address":  deployed.Address.Hex(),
		"tx_hash":  outcome.TxHash.Hex(),
	}).Info("合约已部署")
	if s.audit != nil {
		logging.NewDeploymentLogger(s.audit, c.Name, fromNode).Info("contract deployed",
			"address", deployed.Address.Hex(),
			"tx_hash", outcome.TxHash.Hex(),
			"events", len(events),
		)
	}

	return &DeployResult{Outcome: outcome, Contract: deployed, Events: events}, nil
}

// DeployArtifact 编译后部署，字符串参数按构造函数 ABI 转换
func (s *Session) DeployArtifact(ctx context.Context, fromNode, source, name string, rawArgs []string, value *big.Int) (*DeployResult, error) {
	c, err := s.Compile(ctx, source, name)
	if err != nil {
		return nil, err
	}
	args, err := contract.ParseArgs(c.ABI.Constructor.Inputs, rawArgs)
	if err != nil {
		return nil, s.fail(ctx, fmt.Errorf("解析构造参数失败: %w", err))
	}
	return s.Deploy(ctx, fromNode, c, args, value)
}
