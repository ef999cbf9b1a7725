package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig 退避参数，只读请求重试与回执轮询共用
type RetryConfig struct {
	MaxAttempts         int // 0 表示不限次数，由调用方控制终止
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	BackoffFactor       float64
	RandomizationFactor float64
	EnableJitter        bool
}

// ReadRetryConfig 只读节点请求（查询账户、nonce）重试配置
var ReadRetryConfig = &RetryConfig{
	MaxAttempts:         3,
	InitialInterval:     500 * time.Millisecond,
	MaxInterval:         10 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.2,
	EnableJitter:        true,
}

// PollBackoffConfig 回执轮询退避配置
var PollBackoffConfig = &RetryConfig{
	InitialInterval:     500 * time.Millisecond,
	MaxInterval:         5 * time.Second,
	BackoffFactor:       1.5,
	RandomizationFactor: 0.1,
	EnableJitter:        true,
}

// retryable 由错误自身声明是否可重试，例如 TxError
type retryable interface {
	IsRetryable() bool
}

// 节点连接层的瞬时错误
var transientErrors = []string{
	"connection refused",
	"connection reset",
	"i/o timeout",
	"timeout",
	"temporary failure",
	"service unavailable",
	"bad gateway",
	"too many requests",
	"rate limit",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"eof",
}

// IsRetryableError 判断是否为可重试错误。错误链中声明了 IsRetryable 的以其为准，
// 否则按瞬时网络错误特征匹配
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	msg := strings.ToLower(err.Error())
	for _, transient := range transientErrors {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

// Retrier 重试器，只用于幂等的只读操作
type Retrier struct {
	config *RetryConfig
	logger *logrus.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewRetrier 创建重试器
func NewRetrier(config *RetryConfig, logger *logrus.Logger) *Retrier {
	if config == nil {
		config = ReadRetryConfig
	}

	return &Retrier{
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ExecuteFunc 执行函数类型
type ExecuteFunc func() error

// Execute 执行重试逻辑
func (r *Retrier) Execute(ctx context.Context, operation string, fn ExecuteFunc) error {
	maxAttempts := r.config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Debugf("操作 '%s' 在第 %d 次尝试后成功", operation, attempt)
			}
			return nil
		}

		lastErr = err

		if !IsRetryableError(err) {
			r.logger.Debugf("操作 '%s' 失败且不可重试: %v", operation, err)
			return err
		}

		if attempt == maxAttempts {
			r.logger.Warnf("操作 '%s' 在 %d 次尝试后最终失败: %v", operation, attempt, err)
			return fmt.Errorf("重试 %d 次后失败: %w", attempt, err)
		}

		delay := r.NextDelay(attempt)
		r.logger.Debugf("操作 '%s' 第 %d 次失败: %v，%v 后重试", operation, attempt, err, delay)

		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}

	return lastErr
}

// NextDelay 计算第 attempt 次失败后的等待时间（attempt 从1开始）
func (r *Retrier) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// 指数退避
	delay := float64(r.config.InitialInterval) * math.Pow(r.config.BackoffFactor, float64(attempt-1))

	if r.config.MaxInterval > 0 && delay > float64(r.config.MaxInterval) {
		delay = float64(r.config.MaxInterval)
	}

	if r.config.EnableJitter && r.config.RandomizationFactor > 0 {
		jitter := delay * r.config.RandomizationFactor
		r.mu.Lock()
		delay = delay - jitter + (r.rand.Float64() * jitter * 2)
		r.mu.Unlock()

		if delay < 0 {
			delay = float64(r.config.InitialInterval)
		}
	}

	return time.Duration(delay)
}

// Sleep 可被上下文取消的等待
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryRead 对只读节点请求执行重试
func RetryRead(ctx context.Context, operation string, fn ExecuteFunc, logger *logrus.Logger) error {
	return NewRetrier(ReadRetryConfig, logger).Execute(ctx, operation, fn)
}
