package pipeline

import (
	"context"
	"math/big"

	"txflow/internal/builder"
	"txflow/internal/contract"
	"txflow/internal/decoder"
	"txflow/internal/errors"
	"txflow/internal/signer"
	"txflow/pkg/models"

	"github.com/sirupsen/logrus"
)

// Invoke 由 fromNode 的首个账户调用合约方法，返回回执与按顺序解码的事件
//
// 回执失败不是错误，调用方通过 Receipt.Status 判断。
func (s *Session) Invoke(ctx context.Context, fromNode string, c *models.Contract, method string, args []interface{}, value *big.Int) (*models.InvokeResult, error) {
	if c == nil || !c.Deployed() {
		return nil, s.fail(ctx, errors.Newf(errors.ErrInvalidDescriptor, "合约尚未部署"))
	}
	if value == nil {
		value = new(big.Int)
	}

	data, err := contract.EncodeCall(c, method, args)
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

	if call, ok := decoder.NewInputDecoder(s.logger, &c.ABI).DecodeInput(data); ok {
		s.logger.WithFields(logrus.Fields{
			"contract":  c.Name,
			"signature": call.Signature,
			"selector":  call.Selector,
			"params":    call.Params,
		}).Info("调用合约方法")
	}

	to := *c.Address
	outcome, err := s.execute(ctx, &submission{
		kind:   models.KindInvoke,
		client: client,
		mode:   signer.ModeRemote,
		intent: &builder.Intent{From: from, To: &to, Value: value, Data: data},
	})
	if err != nil {
		return nil, err
	}

	events, err := s.decodeEvents(c, outcome)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	for _, ev := range events {
		s.logger.WithFields(logrus.Fields{"event": ev.Event, "args": ev.Args}).Info("合约事件")
	}

	return &models.InvokeResult{
		TxHash:  outcome.TxHash,
		Method:  method,
		Receipt: outcome.Receipt,
		Events:  events,
	}, nil
}

// InvokeArgs 以字符串参数调用合约方法
func (s *Session) InvokeArgs(ctx context.Context, fromNode string, c *models.Contract, method string, rawArgs []string, value *big.Int) (*models.InvokeResult, error) {
	m, ok := c.ABI.Methods[method]
	if !ok {
		return nil, s.fail(ctx, errors.Newf(errors.ErrInvalidDescriptor, "合约 %s 不存在方法 %s", c.Name, method))
	}
	args, err := contract.ParseArgs(m.Inputs, rawArgs)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	return s.Invoke(ctx, fromNode, c, method, args, value)
}

// decodeEvents 解码回执事件并输出
func (s *Session) decodeEvents(c *models.Contract, outcome *Outcome) ([]*models.DecodedLogEntry, error) {
	events, err := decoder.NewLogDecoder(c.ABI, s.policy, s.logger).Decode(outcome.Receipt.Logs)
	if err != nil {
		if txErr, ok := errors.As(err); ok {
			txErr.WithTxHash(outcome.TxHash.Hex())
		}
		return nil, err
	}
	if len(events) > 0 {
		if err := s.output.WriteEvents(outcome.TxHash.Hex(), events); err != nil {
			s.logger.Warnf("输出事件失败: %v", err)
		}
	}
	return events, nil
}
