package pipeline

import (
	"txflow/internal/config"

	"github.com/sirupsen/logrus"
)

// Open 按配置创建会话。dryRun 时节点与钱包由进程内账本提供，返回的 DryRun 非空
func Open(cfg *config.Config, logger *logrus.Logger, dryRun bool, opts ...Option) (*Session, *DryRun, error) {
	if !dryRun {
		s, err := NewSession(cfg, logger, opts...)
		return s, nil, err
	}

	dr, err := NewDryRun(cfg, nil, logger)
	if err != nil {
		return nil, nil, err
	}
	opts = append([]Option{WithNodes(dr.Nodes), WithWallet(dr.Wallet)}, opts...)
	s, err := NewSession(cfg, logger, opts...)
	if err != nil {
		dr.Nodes.Close()
		return nil, nil, err
	}
	logger.Warn("试运行模式：交易只提交到进程内账本")
	return s, dr, nil
}
