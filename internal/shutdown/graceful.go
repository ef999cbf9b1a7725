package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopAPI        = 10 // 停止接受 HTTP 请求
	OrderCancelInFlight = 20 // 取消进行中的轮询
	OrderFlushOutput    = 30 // 刷新输出（文件 / Kafka）
	OrderCloseJournal   = 40 // 关闭交易流水
	OrderCloseNodes     = 50 // 关闭节点连接
	OrderZeroKeys       = 60 // 清除钱包私钥
)

// GracefulShutdown 优雅停机管理器
type GracefulShutdown struct {
	logger         *logrus.Logger
	timeout        time.Duration
	hooks          []Hook
	mu             sync.Mutex
	signalChan     chan os.Signal
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
	isShuttingDown bool
	errs           []error
}

// Hook 停机处理函数
type Hook struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &GracefulShutdown{
		logger:     logger,
		timeout:    timeout,
		signalChan: make(chan os.Signal, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register 注册停机处理函数
func (gs *GracefulShutdown) Register(name string, order int, fn func(ctx context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.hooks = append(gs.hooks, Hook{Name: name, Func: fn, Order: order})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// RegisterCloser 注册无参数的关闭函数
func (gs *GracefulShutdown) RegisterCloser(name string, order int, closeFn func() error) {
	gs.Register(name, order, func(context.Context) error { return closeFn() })
}

// Start 监听 SIGINT / SIGTERM，收到信号后执行停机
func (gs *GracefulShutdown) Start() {
	signal.Notify(gs.signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-gs.signalChan:
			gs.logger.Infof("收到停机信号: %v", sig)
			gs.Shutdown()
		case <-gs.done:
		}
	}()
}

// Context 收到停机信号后取消的上下文
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Done 停机完成后关闭
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// Shutdown 执行停机，多次调用只执行一次
func (gs *GracefulShutdown) Shutdown() []error {
	gs.mu.Lock()
	if gs.isShuttingDown {
		gs.mu.Unlock()
		<-gs.done
		return gs.errs
	}
	gs.isShuttingDown = true
	hooks := make([]Hook, len(gs.hooks))
	copy(hooks, gs.hooks)
	gs.mu.Unlock()

	signal.Stop(gs.signalChan)
	gs.cancel()
	gs.errs = gs.run(hooks)
	close(gs.done)
	return gs.errs
}

func (gs *GracefulShutdown) run(hooks []Hook) []error {
	gs.logger.Info("开始优雅停机流程...")

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })

	var errs []error
	for _, h := range hooks {
		start := time.Now()
		if err := h.Func(ctx); err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", h.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
		} else {
			gs.logger.Debugf("停机处理 '%s' 完成 (耗时: %v)", h.Name, time.Since(start))
		}

		if ctx.Err() != nil {
			gs.logger.Warn("停机超时，跳过剩余处理")
			errs = append(errs, ctx.Err())
			break
		}
	}

	gs.logger.Info("优雅停机流程完成")
	return errs
}

// IsShuttingDown 检查是否正在停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.isShuttingDown
}

// Hooks 返回按执行顺序排列的处理函数名称
func (gs *GracefulShutdown) Hooks() []string {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	hooks := make([]Hook, len(gs.hooks))
	copy(hooks, gs.hooks)
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Order < hooks[j].Order })

	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.Name
	}
	return names
}
