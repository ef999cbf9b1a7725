package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"txflow/internal/builder"
	"txflow/internal/errors"
	"txflow/internal/logging"
	"txflow/internal/node"
	"txflow/internal/signer"
	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Outcome 已提交交易的结果，Receipt 为空表示结果未知
type Outcome struct {
	TxHash  common.Hash     `json:"tx_hash"`
	Node    string          `json:"node"`
	Status  string          `json:"status"`
	Receipt *models.Receipt `json:"receipt,omitempty"`
}

// submission 单笔交易的提交参数
type submission struct {
	kind    models.TransactionKind
	client  node.Client
	mode    signer.Mode
	intent  *builder.Intent
	account *models.KeyedAccount // 仅本地签名
}

// Transfer 由 fromNode 的首个账户向 toNode 的首个账户转账，节点负责签名
func (s *Session) Transfer(ctx context.Context, fromNode, toNode string, amount *big.Int) (*Outcome, error) {
	if err := s.ensureAccounts(ctx, fromNode, toNode); err != nil {
		return nil, s.fail(ctx, err)
	}
	from, err := s.registry.Primary(fromNode)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	to, err := s.registry.Primary(toNode)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	client, err := s.nodes.Get(fromNode)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	return s.execute(ctx, &submission{
		kind:   models.KindTransfer,
		client: client,
		mode:   signer.ModeRemote,
		intent: &builder.Intent{From: from, To: &to, Value: amount},
	})
}

// TransferRaw 使用本地钱包签名后经 viaNode 提交，viaNode 无需持有发送方私钥
func (s *Session) TransferRaw(ctx context.Context, viaNode string, from, to common.Address, amount *big.Int) (*Outcome, error) {
	wallet, err := s.Wallet()
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	account, err := wallet.Account(from)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	client, err := s.nodes.Get(viaNode)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	return s.execute(ctx, &submission{
		kind:    models.KindTransferRaw,
		client:  client,
		mode:    signer.ModeLocal,
		intent:  &builder.Intent{From: from, To: &to, Value: amount},
		account: account,
	})
}

// WaitReceipt 等待任意交易的回执
func (s *Session) WaitReceipt(ctx context.Context, nodeName string, txHash common.Hash) (*models.Receipt, error) {
	client, err := s.nodes.Get(nodeName)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	receipt, err := s.poller.Wait(ctx, client, txHash)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	s.markResolved(txHash.Hex())
	return receipt, nil
}

// execute 提交并等待回执
func (s *Session) execute(ctx context.Context, sub *submission) (*Outcome, error) {
	rec, err := s.submit(ctx, sub)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	outcome, err := s.confirm(ctx, sub.client, rec)
	if err != nil {
		return outcome, s.fail(ctx, err)
	}
	return outcome, nil
}

// submit 构建、签名并提交，同一发送方的整个过程串行执行
func (s *Session) submit(ctx context.Context, sub *submission) (*models.TransactionRecord, error) {
	unlock := s.builder.LockSender(sub.intent.From)
	defer unlock()

	var (
		desc *models.TransactionDescriptor
		err  error
	)
	switch sub.mode {
	case signer.ModeLocal:
		desc, err = s.builder.BuildLocal(ctx, sub.intent, sub.client)
	default:
		desc, err = s.builder.BuildRemote(sub.intent)
	}
	if err != nil {
		return nil, withStep(err, "build", sub)
	}

	sgn, err := signer.For(sub.mode, sub.account)
	if err != nil {
		return nil, withStep(err, "sign", sub)
	}
	payload, err := sgn.Sign(desc)
	if err != nil {
		return nil, withStep(err, "sign", sub)
	}

	logger := s.logger.WithFields(logrus.Fields{
		"kind":    sub.kind,
		"node":    sub.client.Name(),
		"from":    desc.From.Hex(),
		"value":   desc.Value.String(),
		"signing": sub.mode.String(),
	})
	if desc.Nonce != nil {
		logger = logger.WithField("nonce", *desc.Nonce)
	}
	logger.Info("提交交易")

	// 提交不重试：节点可能已经接受
	res, err := sub.client.Submit(ctx, payload)
	if err != nil {
		return nil, withStep(err, "submit", sub)
	}

	if desc.Nonce != nil {
		if err := s.builder.Commit(desc.From, *desc.Nonce); err != nil {
			logger.Warnf("保存 nonce 失败: %v", err)
		}
	}

	rec := &models.TransactionRecord{
		TxHash:      res.TxHash.Hex(),
		Kind:        sub.kind,
		Node:        sub.client.Name(),
		From:        desc.From.Hex(),
		Value:       desc.Value,
		Nonce:       desc.Nonce,
		Signing:     sub.mode.String(),
		Status:      models.StatusSubmitted,
		SubmittedAt: time.Now(),
	}
	if desc.To != nil {
		rec.To = desc.To.Hex()
	}
	if s.journal != nil {
		if err := s.journal.Record(rec); err != nil {
			logger.Warnf("写入流水失败: %v", err)
		}
	}

	logger.WithField("tx_hash", rec.TxHash).Info("交易已提交")
	return rec, nil
}

// confirm 等待回执并更新流水，超时时返回哈希与 ReceiptTimeout
func (s *Session) confirm(ctx context.Context, client node.Client, rec *models.TransactionRecord) (*Outcome, error) {
	hash := common.HexToHash(rec.TxHash)
	outcome := &Outcome{TxHash: hash, Node: client.Name(), Status: models.StatusUnknown}

	receipt, err := s.poller.Wait(ctx, client, hash)
	if err != nil {
		if errors.Is(err, errors.ErrReceiptTimeout) {
			s.resolve(rec, models.StatusUnknown, nil)
		}
		return outcome, err
	}

	outcome.Receipt = receipt
	outcome.Status = models.ReceiptStatusString(receipt)
	s.resolve(rec, outcome.Status, receipt)

	s.logger.WithFields(logrus.Fields{
		"tx_hash":  rec.TxHash,
		"status":   outcome.Status,
		"gas_used": receipt.GasUsed,
		"logs":     len(receipt.Logs),
	}).Info("交易已确认")
	return outcome, nil
}

// resolve 更新流水状态并输出回执
func (s *Session) resolve(rec *models.TransactionRecord, status string, receipt *models.Receipt) {
	contract := ""
	if receipt != nil && receipt.ContractAddress != nil && receipt.Succeeded() {
		contract = receipt.ContractAddress.Hex()
	}

	if s.journal != nil {
		if err := s.journal.Resolve(rec.TxHash, status, contract); err != nil {
			s.logger.Warnf("更新流水失败: %v", err)
		}
	}

	if s.audit != nil {
		nonce, value := int64(-1), "0"
		if rec.Nonce != nil {
			nonce = int64(*rec.Nonce)
		}
		if rec.Value != nil {
			value = rec.Value.String()
		}
		logging.NewTransactionLogger(s.audit, string(rec.Kind), rec.Node).Info("transaction resolved",
			"tx_hash", rec.TxHash,
			"from", rec.From,
			"to", rec.To,
			"value", value,
			"nonce", nonce,
			"signing", rec.Signing,
			"status", status,
			"contract", contract,
		)
	}

	if receipt == nil {
		return
	}
	rec.Status = status
	rec.Contract = contract
	if err := s.output.WriteReceipt(rec, receipt); err != nil {
		s.logger.Warnf("输出回执失败: %v", err)
	}
}

// ensureAccounts 节点账户尚未加载时刷新注册表
func (s *Session) ensureAccounts(ctx context.Context, names ...string) error {
	for _, name := range names {
		if _, ok := s.registry.Accounts(name); !ok {
			_, err := s.registry.Refresh(ctx)
			return err
		}
	}
	return nil
}

// withStep 为错误附加出错步骤与交易信息
func withStep(err error, step string, sub *submission) error {
	txErr, ok := errors.As(err)
	if !ok {
		return fmt.Errorf("%s 失败 (%s, node=%s): %w", step, sub.kind, sub.client.Name(), err)
	}
	txErr.WithContext("step", step).
		WithContext("kind", string(sub.kind)).
		WithContext("from", sub.intent.From.Hex())
	if txErr.Node == "" {
		txErr.WithNode(sub.client.Name())
	}
	return err
}

// LookupReceipt 立即查询一次回执，不等待
func (s *Session) LookupReceipt(ctx context.Context, nodeName string, txHash common.Hash) (*models.Receipt, bool, error) {
	client, err := s.nodes.Get(nodeName)
	if err != nil {
		return nil, false, s.fail(ctx, err)
	}
	receipt, found, err := s.poller.Lookup(ctx, client, txHash)
	if err != nil {
		return nil, false, s.fail(ctx, err)
	}
	if found {
		s.markResolved(txHash.Hex())
	}
	return receipt, found, nil
}
