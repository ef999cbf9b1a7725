package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// RPCClient 标准以太坊 JSON-RPC 节点客户端
type RPCClient struct {
	name    string
	client  *ethclient.Client
	timeout time.Duration
	logger  *logrus.Logger
}

// DialRPC 连接 JSON-RPC 节点
func DialRPC(name, url string, timeout time.Duration, logger *logrus.Logger) (*RPCClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, networkError(name, "连接", err)
	}

	return NewRPCClient(name, client, timeout, logger), nil
}

// NewRPCClient 使用已有连接创建客户端
func NewRPCClient(name string, client *ethclient.Client, timeout time.Duration, logger *logrus.Logger) *RPCClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &RPCClient{
		name:    name,
		client:  client,
		timeout: timeout,
		logger:  logger,
	}
}

// Name 节点名称
func (c *RPCClient) Name() string {
	return c.name
}

// Accounts 获取节点解锁的账户
func (c *RPCClient) Accounts(ctx context.Context) ([]*models.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var addrs []common.Address
	if err := c.client.Client().CallContext(ctx, &addrs, "eth_accounts"); err != nil {
		return nil, networkError(c.name, "eth_accounts", err)
	}

	accounts := make([]*models.Account, 0, len(addrs))
	for _, addr := range addrs {
		acc, err := c.account(ctx, addr)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// Account 获取账户余额与待打包 nonce
func (c *RPCClient) Account(ctx context.Context, addr common.Address) (*models.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.account(ctx, addr)
}

func (c *RPCClient) account(ctx context.Context, addr common.Address) (*models.Account, error) {
	balance, err := c.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, networkError(c.name, "eth_getBalance", err)
	}
	nonce, err := c.client.PendingNonceAt(ctx, addr)
	if err != nil {
		return nil, networkError(c.name, "eth_getTransactionCount", err)
	}
	return &models.Account{Address: addr, Balance: balance, Nonce: nonce}, nil
}

// Submit 未签名载荷使用 eth_sendTransaction，已签名载荷使用 eth_sendRawTransaction
func (c *RPCClient) Submit(ctx context.Context, payload *models.Payload) (*models.SubmissionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	switch payload.Kind {
	case models.PayloadUnsigned:
		d := payload.Descriptor
		args := map[string]interface{}{
			"from": d.From,
			"gas":  hexutil.Uint64(d.Gas),
		}
		if d.To != nil {
			args["to"] = d.To
		}
		if d.Value != nil {
			args["value"] = (*hexutil.Big)(d.Value)
		}
		if d.GasPrice != nil {
			args["gasPrice"] = (*hexutil.Big)(d.GasPrice)
		}
		if len(d.Data) > 0 {
			args["data"] = d.Data
		}
		if d.Nonce != nil {
			args["nonce"] = hexutil.Uint64(*d.Nonce)
		}

		var hash common.Hash
		if err := c.client.Client().CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
			return nil, submissionError(c.name, err)
		}
		return &models.SubmissionResult{TxHash: hash}, nil

	case models.PayloadSigned:
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(payload.Signed.Raw); err != nil {
			return nil, submissionError(c.name, fmt.Errorf("解码已签名交易失败: %w", err))
		}
		if err := c.client.SendTransaction(ctx, tx); err != nil {
			return nil, submissionError(c.name, err)
		}
		return &models.SubmissionResult{TxHash: tx.Hash()}, nil

	default:
		return nil, submissionError(c.name, fmt.Errorf("未知载荷类型: %s", payload.Kind))
	}
}

// Receipt 查询回执
func (c *RPCClient) Receipt(ctx context.Context, txHash common.Hash) (*models.Receipt, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, false, nil
		}
		return nil, false, networkError(c.name, "eth_getTransactionReceipt", err)
	}

	result := &models.Receipt{}
	result.FromEthereumReceipt(receipt)

	// 回执不含发送方与接收方，从交易补全
	if tx, _, err := c.client.TransactionByHash(ctx, txHash); err == nil {
		result.To = tx.To()
		if from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
			result.From = from
		}
	} else {
		c.logger.Debugf("节点 %s 查询交易 %s 失败: %v", c.name, txHash.Hex(), err)
	}

	return result, true, nil
}

// Close 关闭连接
func (c *RPCClient) Close() error {
	c.client.Close()
	return nil
}
