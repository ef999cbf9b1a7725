package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
)

// BabbleClient 账本节点 HTTP 接口客户端
type BabbleClient struct {
	name    string
	baseURL string
	http    *http.Client
	logger  *logrus.Logger
}

// sendTxArgs 远程签名交易请求体，数值字段以 JSON 数字字面量传输
type sendTxArgs struct {
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to,omitempty"`
	Gas      uint64          `json:"gas,omitempty"`
	GasPrice *big.Int        `json:"gasPrice,omitempty"`
	Value    *big.Int        `json:"value,omitempty"`
	Data     string          `json:"data,omitempty"`
	Nonce    *uint64         `json:"nonce,omitempty"`
}

type txHashResponse struct {
	TxHash string `json:"txHash"`
}

type accountList struct {
	Accounts []*models.Account `json:"accounts"`
}

// babbleLog 回执中的事件日志
type babbleLog struct {
	Address  common.Address `json:"address"`
	Topics   []common.Hash  `json:"topics"`
	Data     hexutil.Bytes  `json:"data"`
	LogIndex hexutil.Uint   `json:"logIndex"`
}

// babbleReceipt 节点回执格式
type babbleReceipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	From            common.Address  `json:"from"`
	To              *common.Address `json:"to"`
	GasUsed         *big.Int        `json:"gasUsed"`
	ContractAddress *common.Address `json:"contractAddress"`
	Logs            []*babbleLog    `json:"logs"`
	Failed          bool            `json:"failed"`
	Status          *hexutil.Uint64 `json:"status,omitempty"`
}

// NewBabbleClient 创建节点 HTTP 客户端
func NewBabbleClient(name, baseURL string, timeout time.Duration, logger *logrus.Logger) *BabbleClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &BabbleClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Name 节点名称
func (c *BabbleClient) Name() string {
	return c.name
}

// Accounts 获取节点控制的账户
func (c *BabbleClient) Accounts(ctx context.Context) ([]*models.Account, error) {
	var list accountList
	if _, err := c.do(ctx, http.MethodGet, "/accounts", nil, &list); err != nil {
		return nil, networkError(c.name, "查询账户列表", err)
	}
	for _, acc := range list.Accounts {
		if acc.Balance == nil {
			acc.Balance = new(big.Int)
		}
	}
	return list.Accounts, nil
}

// Account 获取账户余额与 nonce
func (c *BabbleClient) Account(ctx context.Context, addr common.Address) (*models.Account, error) {
	var acc models.Account
	if _, err := c.do(ctx, http.MethodGet, "/account/"+addr.Hex(), nil, &acc); err != nil {
		return nil, networkError(c.name, "查询账户", err)
	}
	if acc.Address == (common.Address{}) {
		acc.Address = addr
	}
	if acc.Balance == nil {
		acc.Balance = new(big.Int)
	}
	return &acc, nil
}

// Submit 提交交易，未签名载荷走 /tx，已签名载荷走 /rawtx
func (c *BabbleClient) Submit(ctx context.Context, payload *models.Payload) (*models.SubmissionResult, error) {
	var (
		path string
		body []byte
		err  error
	)

	switch payload.Kind {
	case models.PayloadUnsigned:
		d := payload.Descriptor
		args := sendTxArgs{
			From:     d.From,
			To:       d.To,
			Gas:      d.Gas,
			GasPrice: d.GasPrice,
			Value:    d.Value,
			Nonce:    d.Nonce,
		}
		if len(d.Data) > 0 {
			args.Data = hexutil.Encode(d.Data)
		}
		path = "/tx"
		body, err = json.Marshal(args)
	case models.PayloadSigned:
		path = "/rawtx"
		body = []byte(hexutil.Encode(payload.Signed.Raw))
	default:
		return nil, submissionError(c.name, fmt.Errorf("未知载荷类型: %s", payload.Kind))
	}
	if err != nil {
		return nil, submissionError(c.name, fmt.Errorf("编码交易失败: %w", err))
	}

	c.logger.Debugf("节点 %s 提交交易 %s: %s", c.name, path, string(body))

	var resp txHashResponse
	if _, err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, submissionError(c.name, err)
	}

	hash := strings.Trim(resp.TxHash, "\"")
	if !isHash(hash) {
		return nil, submissionError(c.name, fmt.Errorf("节点返回的交易哈希无效: %q", resp.TxHash))
	}

	return &models.SubmissionResult{TxHash: common.HexToHash(hash)}, nil
}

// Receipt 查询回执，节点未处理时 found=false
func (c *BabbleClient) Receipt(ctx context.Context, txHash common.Hash) (*models.Receipt, bool, error) {
	var raw babbleReceipt
	status, err := c.do(ctx, http.MethodGet, "/tx/"+txHash.Hex(), nil, &raw)
	if err != nil {
		if status != http.StatusOK && isMissingTx(err) {
			return nil, false, nil
		}
		return nil, false, networkError(c.name, "查询回执", err)
	}

	receipt := &models.Receipt{
		TxHash: raw.TransactionHash,
		From:   raw.From,
		To:     raw.To,
		Status: 1,
		Logs:   make([]*models.RawLog, 0, len(raw.Logs)),
	}
	if receipt.TxHash == (common.Hash{}) {
		receipt.TxHash = txHash
	}
	if raw.GasUsed != nil && raw.GasUsed.IsUint64() {
		receipt.GasUsed = raw.GasUsed.Uint64()
	}
	if raw.ContractAddress != nil && *raw.ContractAddress != (common.Address{}) {
		addr := *raw.ContractAddress
		receipt.ContractAddress = &addr
	}
	if raw.Failed {
		receipt.Status = 0
	} else if raw.Status != nil {
		receipt.Status = uint64(*raw.Status)
	}
	for i, l := range raw.Logs {
		index := uint(l.LogIndex)
		if l.LogIndex == 0 {
			index = uint(i)
		}
		receipt.Logs = append(receipt.Logs, &models.RawLog{
			Address: l.Address,
			Topics:  l.Topics,
			Data:    l.Data,
			Index:   index,
		})
	}

	return receipt, true, nil
}

// Close 关闭客户端
func (c *BabbleClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// do 发送请求并解码 JSON 响应，返回 HTTP 状态码
func (c *BabbleClient) do(ctx context.Context, method, path string, body []byte, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("创建请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("读取响应失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return resp.StatusCode, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("解析响应失败: %w", err)
	}
	return resp.StatusCode, nil
}

// statusError 非 200 响应
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

// 节点对尚未处理的交易固定返回的应答体
var missingTxReplies = map[string]bool{
	"tx not found":          true,
	"transaction not found": true,
}

// isMissingTx 只认节点对 /tx/{hash} 的缺失应答，其余错误（包括路由 404）都是网络错误
func isMissingTx(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	return missingTxReplies[strings.ToLower(se.body)]
}

func isHash(s string) bool {
	return len(s) == 66 && strings.HasPrefix(s, "0x")
}
