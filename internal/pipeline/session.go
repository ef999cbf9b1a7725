package pipeline

import (
	"context"
	"sync"

	"txflow/internal/builder"
	"txflow/internal/config"
	"txflow/internal/connection"
	"txflow/internal/decoder"
	"txflow/internal/errors"
	"txflow/internal/journal"
	"txflow/internal/keystore"
	"txflow/internal/logging"
	"txflow/internal/output"
	"txflow/internal/poller"
	"txflow/internal/registry"
	"txflow/internal/shutdown"
	"txflow/internal/validation"
	"txflow/pkg/models"

	"github.com/sirupsen/logrus"
)

// Session 一次运行的上下文，持有节点连接与解密后的钱包，Close 时释放
type Session struct {
	cfg    *config.Config
	logger *logrus.Logger

	nodes    *connection.NodeSet
	registry *registry.Registry
	builder  *builder.Builder
	poller   *poller.Poller
	journal  *journal.Journal
	output   output.Output
	policy   decoder.UnknownEventPolicy
	errs     *errors.ErrorHandler
	audit    *logging.StructuredLogger

	unresolvedMu sync.Mutex
	unresolved   map[string]string // 回执超时的交易哈希 -> 节点

	walletMu  sync.Mutex
	wallet    *keystore.Wallet
	walletErr error

	closeOnce sync.Once
	closeErr  error
}

// Option 会话选项
type Option func(*Session)

// WithNodes 使用已创建的节点集合
func WithNodes(nodes *connection.NodeSet) Option {
	return func(s *Session) { s.nodes = nodes }
}

// WithWallet 使用已解密的钱包，不再读取 keystore 目录
func WithWallet(w *keystore.Wallet) Option {
	return func(s *Session) { s.wallet = w }
}

// WithOutput 使用指定输出器
func WithOutput(out output.Output) Option {
	return func(s *Session) { s.output = out }
}

// WithJournal 使用已打开的流水
func WithJournal(j *journal.Journal) Option {
	return func(s *Session) { s.journal = j }
}

// WithAuditLog 每笔交易最终状态额外写入审计日志
func WithAuditLog(audit *logging.StructuredLogger) Option {
	return func(s *Session) { s.audit = audit }
}

// NewSession 按配置创建会话，未通过选项提供的组件由配置创建
func NewSession(cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.GetDefaultConfig()
	}

	s := &Session{
		cfg:        cfg,
		logger:     logger,
		errs:       errors.NewErrorHandler(logger),
		unresolved: make(map[string]string),
	}
	s.errs.SetStrategy(errors.ErrorTypeReceiptTimeout, errors.NewCompositeStrategy(
		errors.NewLoggingStrategy(logger),
		errors.NewAlertStrategy(s.trackUnresolved, logger),
	))
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.policy, err = decoder.ParsePolicy(decoderPolicy(cfg)); err != nil {
		return nil, err
	}
	if s.poller, err = poller.NewPoller(cfg.Poller, logger); err != nil {
		return nil, err
	}
	if s.builder, err = builder.NewBuilder(cfg.Transaction, validation.NewValidator(logger, true), logger); err != nil {
		return nil, err
	}

	if s.nodes == nil {
		if s.nodes, err = connection.NewNodeSet(cfg.Nodes, nil, logger); err != nil {
			return nil, err
		}
	}
	s.registry = registry.NewRegistry(s.nodes, logger)

	if s.journal == nil && cfg.Journal != nil && cfg.Journal.Enabled {
		if s.journal, err = journal.NewJournal(cfg.Journal.Path, logger); err != nil {
			s.nodes.Close()
			return nil, err
		}
	}
	if s.journal != nil {
		s.builder.SetNonceStore(s.journal)
	}

	if s.output == nil {
		if s.output, err = output.NewOutput(cfg.Output, logger); err != nil {
			if s.journal != nil {
				s.journal.Close()
			}
			s.nodes.Close()
			return nil, err
		}
	}

	if s.audit == nil && cfg.Audit != nil && cfg.Audit.Output != "" {
		if s.audit, err = logging.NewStructuredLogger(cfg.Audit); err != nil {
			s.output.Close()
			if s.journal != nil {
				s.journal.Close()
			}
			s.nodes.Close()
			return nil, errors.New(errors.ErrConfigInvalid, err, "创建审计日志失败")
		}
	}

	logger.WithFields(logrus.Fields{
		"nodes":          s.nodes.Names(),
		"chain_id":       s.builder.ChainID().String(),
		"unknown_events": string(s.policy),
	}).Info("会话已创建")
	return s, nil
}

func decoderPolicy(cfg *config.Config) string {
	if cfg.Decoder == nil {
		return ""
	}
	return cfg.Decoder.UnknownEvents
}

// Nodes 会话中的节点
func (s *Session) Nodes() *connection.NodeSet {
	return s.nodes
}

// Registry 账户注册表
func (s *Session) Registry() *registry.Registry {
	return s.registry
}

// Journal 交易流水，未启用时为 nil
func (s *Session) Journal() *journal.Journal {
	return s.journal
}

// ErrorStats 会话内错误统计
func (s *Session) ErrorStats() errors.ErrorStats {
	return s.errs.GetStats()
}

// Wallet 返回本地钱包，首次调用时解密 keystore 目录
func (s *Session) Wallet() (*keystore.Wallet, error) {
	s.walletMu.Lock()
	defer s.walletMu.Unlock()

	if s.wallet != nil || s.walletErr != nil {
		return s.wallet, s.walletErr
	}
	if s.cfg.Wallet == nil || s.cfg.Wallet.KeystoreDir == "" {
		s.walletErr = errors.Newf(errors.ErrKeystore, "未配置 keystore 目录")
		return nil, s.walletErr
	}

	s.wallet, s.walletErr = keystore.LoadWallet(s.cfg.Wallet.KeystoreDir, s.cfg.Wallet.PasswordFile, s.logger)
	return s.wallet, s.walletErr
}

// Accounts 刷新并返回每个节点控制的账户
func (s *Session) Accounts(ctx context.Context) ([]*models.NodeAccounts, error) {
	accounts, err := s.registry.Refresh(ctx)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	return accounts, nil
}

// History 返回最近的交易流水
func (s *Session) History(limit int) ([]*models.TransactionRecord, error) {
	if s.journal == nil {
		return []*models.TransactionRecord{}, nil
	}
	return s.journal.List(limit)
}

// Stats 会话统计
func (s *Session) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"nodes":      s.nodes.GetStats(),
		"errors":     s.errs.GetStats(),
		"unresolved": s.Unresolved(),
	}
	if s.journal != nil {
		stats["journal"] = s.journal.GetStats()
	}
	return stats
}

// trackUnresolved 记录结果未知的交易，之后查到回执时移除
func (s *Session) trackUnresolved(err *errors.TxError) {
	if err.TxHash == nil {
		return
	}
	s.unresolvedMu.Lock()
	s.unresolved[*err.TxHash] = err.Node
	s.unresolvedMu.Unlock()
}

func (s *Session) markResolved(txHash string) {
	s.unresolvedMu.Lock()
	delete(s.unresolved, txHash)
	s.unresolvedMu.Unlock()
}

// Unresolved 返回回执超时、结果仍未知的交易（哈希 -> 节点）
func (s *Session) Unresolved() map[string]string {
	s.unresolvedMu.Lock()
	defer s.unresolvedMu.Unlock()
	out := make(map[string]string, len(s.unresolved))
	for k, v := range s.unresolved {
		out[k] = v
	}
	return out
}

// fail 记录错误统计后原样返回
func (s *Session) fail(ctx context.Context, err error) error {
	return s.errs.HandleError(ctx, err)
}

// RegisterShutdown 将会话资源按顺序注册到停机管理器
func (s *Session) RegisterShutdown(gs *shutdown.GracefulShutdown) {
	gs.RegisterCloser("output", shutdown.OrderFlushOutput, s.output.Close)
	if s.audit != nil {
		gs.RegisterCloser("audit", shutdown.OrderFlushOutput, s.audit.Close)
	}
	if s.journal != nil {
		gs.RegisterCloser("journal", shutdown.OrderCloseJournal, s.journal.Close)
	}
	gs.RegisterCloser("nodes", shutdown.OrderCloseNodes, s.nodes.Close)
	gs.RegisterCloser("wallet", shutdown.OrderZeroKeys, s.closeWallet)
}

func (s *Session) closeWallet() error {
	s.walletMu.Lock()
	defer s.walletMu.Unlock()
	if s.wallet == nil {
		return nil
	}
	return s.wallet.Close()
}

// Close 释放节点连接与输出，并清零钱包私钥
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		gs := shutdown.NewGracefulShutdown(0, s.logger)
		s.RegisterShutdown(gs)
		if errs := gs.Shutdown(); len(errs) > 0 {
			s.closeErr = errs[0]
		}
	})
	return s.closeErr
}
