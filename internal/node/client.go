package node

import (
	"context"
	"fmt"
	"time"

	"txflow/internal/config"
	"txflow/internal/errors"
	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Client 节点客户端
//
// Submit 至多执行一次，调用方不得重试；Receipt 幂等且无副作用，
// 回执尚不存在时返回 found=false 而不是错误。
type Client interface {
	Name() string
	Accounts(ctx context.Context) ([]*models.Account, error)
	Account(ctx context.Context, addr common.Address) (*models.Account, error)
	Submit(ctx context.Context, payload *models.Payload) (*models.SubmissionResult, error)
	Receipt(ctx context.Context, txHash common.Hash) (*models.Receipt, bool, error)
	Close() error
}

const defaultTimeout = 10 * time.Second

// NewClient 根据节点配置创建客户端
func NewClient(cfg *config.NodeConfig, logger *logrus.Logger) (Client, error) {
	timeout := defaultTimeout
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("解析节点 %s 超时时间失败: %w", cfg.Name, err)
		}
		timeout = d
	}

	var (
		client Client
		err    error
	)
	switch cfg.Type {
	case config.NodeTypeBabble:
		client = NewBabbleClient(cfg.Name, cfg.URL, timeout, logger)
	case config.NodeTypeRPC:
		client, err = DialRPC(cfg.Name, cfg.URL, timeout, logger)
	default:
		return nil, fmt.Errorf("不支持的节点类型: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	return WithRateLimit(client, cfg.RateLimit), nil
}

// rateLimited 为节点请求增加限流
type rateLimited struct {
	Client
	limiter *rate.Limiter
}

// WithRateLimit 包装客户端，rps<=0 时原样返回
func WithRateLimit(client Client, rps int) Client {
	if rps <= 0 {
		return client
	}
	return &rateLimited{
		Client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

func (r *rateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return errors.New(errors.ErrRateLimitExceeded, err, fmt.Sprintf("节点 %s 限流等待失败", r.Name())).WithNode(r.Name())
	}
	return nil
}

func (r *rateLimited) Accounts(ctx context.Context) ([]*models.Account, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.Client.Accounts(ctx)
}

func (r *rateLimited) Account(ctx context.Context, addr common.Address) (*models.Account, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.Client.Account(ctx, addr)
}

func (r *rateLimited) Submit(ctx context.Context, payload *models.Payload) (*models.SubmissionResult, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.Client.Submit(ctx, payload)
}

func (r *rateLimited) Receipt(ctx context.Context, txHash common.Hash) (*models.Receipt, bool, error) {
	if err := r.wait(ctx); err != nil {
		return nil, false, err
	}
	return r.Client.Receipt(ctx, txHash)
}

// networkError 包装节点读请求错误
func networkError(node string, op string, err error) error {
	return errors.New(errors.ErrNetwork, err, fmt.Sprintf("节点 %s %s 失败", node, op)).
		WithNode(node).
		WithComponent("node")
}

// submissionError 包装提交错误，提交错误不可重试
func submissionError(node string, err error) error {
	return errors.New(errors.ErrSubmission, err, fmt.Sprintf("向节点 %s 提交交易失败", node)).
		WithNode(node).
		WithComponent("node")
}
