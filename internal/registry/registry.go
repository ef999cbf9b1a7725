package registry

import (
	"context"
	"fmt"
	"sync"

	"txflow/internal/errors"
	"txflow/internal/node"
	"txflow/internal/retry"
	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// NodeSource 提供会话中的节点
type NodeSource interface {
	Clients() []node.Client
}

// Registry 记录每个节点控制的账户，按需刷新
type Registry struct {
	nodes  NodeSource
	logger *logrus.Logger

	mu       sync.RWMutex
	accounts map[string][]*models.Account
	owners   map[common.Address]string
}

// NewRegistry 创建账户注册表
func NewRegistry(nodes NodeSource, logger *logrus.Logger) *Registry {
	return &Registry{
		nodes:    nodes,
		logger:   logger,
		accounts: make(map[string][]*models.Account),
		owners:   make(map[common.Address]string),
	}
}

// Refresh 并发查询所有节点的账户，任一节点失败则整体失败且保留旧数据
func (r *Registry) Refresh(ctx context.Context) ([]*models.NodeAccounts, error) {
	clients := r.nodes.Clients()
	results := make([]*models.NodeAccounts, len(clients))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range clients {
		i, c := i, c
		g.Go(func() error {
			var accounts []*models.Account
			err := retry.RetryRead(gctx, "accounts:"+c.Name(), func() error {
				var err error
				accounts, err = c.Accounts(gctx)
				return err
			}, r.logger)
			if err != nil {
				return fmt.Errorf("刷新节点 %s 账户失败: %w", c.Name(), err)
			}
			results[i] = &models.NodeAccounts{Node: c.Name(), Accounts: accounts}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.accounts = make(map[string][]*models.Account, len(results))
	r.owners = make(map[common.Address]string)
	for _, res := range results {
		r.accounts[res.Node] = res.Accounts
		for _, acc := range res.Accounts {
			if _, taken := r.owners[acc.Address]; !taken {
				r.owners[acc.Address] = res.Node
			}
		}
	}
	r.mu.Unlock()

	for _, res := range results {
		for _, acc := range res.Accounts {
			r.logger.WithFields(logrus.Fields{
				"node":    res.Node,
				"address": acc.Address.Hex(),
				"balance": acc.Balance.String(),
				"nonce":   acc.Nonce,
			}).Info("节点账户")
		}
	}

	return results, nil
}

// Accounts 返回节点最近一次刷新的账户
func (r *Registry) Accounts(nodeName string) ([]*models.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	accs, ok := r.accounts[nodeName]
	return accs, ok
}

// Primary 返回节点的第一个账户地址
func (r *Registry) Primary(nodeName string) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	accs, ok := r.accounts[nodeName]
	if !ok {
		return common.Address{}, errors.Newf(errors.ErrInvalidDescriptor, "节点 %s 的账户尚未加载", nodeName)
	}
	if len(accs) == 0 {
		return common.Address{}, errors.Newf(errors.ErrInvalidDescriptor, "节点 %s 不控制任何账户", nodeName)
	}
	return accs[0].Address, nil
}

// Owner 返回控制该地址的节点
func (r *Registry) Owner(addr common.Address) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.owners[addr]
	return name, ok
}

// Snapshot 返回按节点优先级排列的缓存账户
func (r *Registry) Snapshot() []*models.NodeAccounts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.NodeAccounts, 0, len(r.accounts))
	for _, c := range r.nodes.Clients() {
		if accs, ok := r.accounts[c.Name()]; ok {
			out = append(out, &models.NodeAccounts{Node: c.Name(), Accounts: accs})
		}
	}
	return out
}
