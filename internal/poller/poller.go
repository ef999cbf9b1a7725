package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"txflow/internal/config"
	"txflow/internal/errors"
	"txflow/internal/retry"
	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang/groupcache/lru"
	"github.com/sirupsen/logrus"
)

// ReceiptSource 回执查询来源，通常为 node.Client
type ReceiptSource interface {
	Name() string
	Receipt(ctx context.Context, txHash common.Hash) (*models.Receipt, bool, error)
}

// Poller 回执轮询器：Pending -> Resolved
type Poller struct {
	initialDelay time.Duration
	maxWait      time.Duration
	backoff      *retry.Retrier
	logger       *logrus.Logger

	mu    sync.Mutex
	cache *lru.Cache // 已确认的回执不会再变化
}

// NewPoller 创建回执轮询器
func NewPoller(cfg *config.PollerConfig, logger *logrus.Logger) (*Poller, error) {
	if cfg == nil {
		cfg = config.GetDefaultConfig().Poller
	}
	d, err := cfg.ParseDurations()
	if err != nil {
		return nil, errors.New(errors.ErrConfigInvalid, err, "轮询配置无效")
	}

	backoff := &retry.RetryConfig{
		InitialInterval:     d.PollInterval,
		MaxInterval:         d.MaxInterval,
		BackoffFactor:       cfg.BackoffFactor,
		RandomizationFactor: retry.PollBackoffConfig.RandomizationFactor,
		EnableJitter:        retry.PollBackoffConfig.EnableJitter,
	}
	if backoff.InitialInterval <= 0 {
		backoff.InitialInterval = retry.PollBackoffConfig.InitialInterval
	}
	if backoff.BackoffFactor < 1 {
		backoff.BackoffFactor = retry.PollBackoffConfig.BackoffFactor
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}

	return &Poller{
		initialDelay: d.InitialDelay,
		maxWait:      d.MaxWait,
		backoff:      retry.NewRetrier(backoff, logger),
		logger:       logger,
		cache:        lru.New(size),
	}, nil
}

// PollOnce 等待初始延迟后查询一次，未找到时 found=false 且 err=nil
func (p *Poller) PollOnce(ctx context.Context, src ReceiptSource, txHash common.Hash) (*models.Receipt, bool, error) {
	if receipt, ok := p.cached(txHash); ok {
		return receipt, true, nil
	}
	if err := retry.Sleep(ctx, p.initialDelay); err != nil {
		return nil, false, err
	}
	return p.Lookup(ctx, src, txHash)
}

// Lookup 立即查询一次回执
func (p *Poller) Lookup(ctx context.Context, src ReceiptSource, txHash common.Hash) (*models.Receipt, bool, error) {
	if receipt, ok := p.cached(txHash); ok {
		return receipt, true, nil
	}

	receipt, found, err := src.Receipt(ctx, txHash)
	if err != nil {
		return nil, false, fmt.Errorf("查询回执失败: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	p.mu.Lock()
	p.cache.Add(txHash, receipt)
	p.mu.Unlock()
	return receipt, true, nil
}

// Wait 轮询直到回执确认、出错、上下文取消或超过最大等待时间
func (p *Poller) Wait(ctx context.Context, src ReceiptSource, txHash common.Hash) (*models.Receipt, error) {
	start := time.Now()
	deadline := start.Add(p.maxWait)

	log := p.logger.WithFields(logrus.Fields{
		"node":    src.Name(),
		"tx_hash": txHash.Hex(),
	})

	if err := retry.Sleep(ctx, p.initialDelay); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		receipt, found, err := p.Lookup(ctx, src, txHash)
		if err != nil {
			return nil, err
		}
		if found {
			log.WithFields(logrus.Fields{
				"attempts": attempt,
				"status":   models.ReceiptStatusString(receipt),
				"elapsed":  time.Since(start).String(),
			}).Debug("回执已确认")
			return receipt, nil
		}

		delay := p.backoff.NextDelay(attempt)
		if p.maxWait > 0 && time.Now().Add(delay).After(deadline) {
			log.WithField("attempts", attempt).Warn("等待回执超时，交易结果未知")
			return nil, errors.Newf(errors.ErrReceiptTimeout, "等待回执超过 %s（已查询 %d 次）", p.maxWait, attempt).
				WithTxHash(txHash.Hex()).
				WithNode(src.Name())
		}

		log.Debugf("回执尚未生成，%v 后重试", delay)
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// Forget 移除缓存中的回执
func (p *Poller) Forget(txHash common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Remove(txHash)
}

func (p *Poller) cached(txHash common.Hash) (*models.Receipt, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.cache.Get(txHash); ok {
		return v.(*models.Receipt), true
	}
	return nil, false
}
