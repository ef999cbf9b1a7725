package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"txflow/internal/config"
	"txflow/internal/errors"
	"txflow/internal/node"

	"github.com/sirupsen/logrus"
)

// Factory 根据节点配置创建客户端
type Factory func(cfg *config.NodeConfig, logger *logrus.Logger) (node.Client, error)

// NodeSet 会话持有的节点客户端集合
type NodeSet struct {
	order       []string
	members     map[string]*member
	logger      *logrus.Logger
	mu          sync.RWMutex
	healthCheck time.Duration
}

// member 单个节点及其健康状态
type member struct {
	client    node.Client
	priority  int
	mu        sync.Mutex
	isHealthy bool
	lastCheck time.Time
	lastError string
}

// NewNodeSet 按配置创建节点集合，单个节点初始化失败只记录告警
func NewNodeSet(nodes []*config.NodeConfig, factory Factory, logger *logrus.Logger) (*NodeSet, error) {
	if factory == nil {
		factory = node.NewClient
	}

	ns := newNodeSet(logger)
	for _, cfg := range nodes {
		client, err := factory(cfg, logger)
		if err != nil {
			logger.Warnf("初始化节点 %s 失败: %v", cfg.Name, err)
			continue
		}
		ns.add(client, cfg.Priority)
		logger.Infof("节点 %s 已就绪 (%s)", cfg.Name, cfg.URL)
	}

	if len(ns.members) == 0 {
		return nil, errors.Newf(errors.ErrConfigInvalid, "没有可用的节点")
	}
	return ns, nil
}

// NewNodeSetFromClients 由已创建的客户端组成集合，顺序即优先级
func NewNodeSetFromClients(logger *logrus.Logger, clients ...node.Client) *NodeSet {
	ns := newNodeSet(logger)
	for i, c := range clients {
		ns.add(c, i+1)
	}
	return ns
}

func newNodeSet(logger *logrus.Logger) *NodeSet {
	return &NodeSet{
		members:     make(map[string]*member),
		logger:      logger,
		healthCheck: 30 * time.Second,
	}
}

func (ns *NodeSet) add(client node.Client, priority int) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if old, exists := ns.members[client.Name()]; exists {
		old.client.Close()
	} else {
		ns.order = append(ns.order, client.Name())
	}
	ns.members[client.Name()] = &member{client: client, priority: priority, isHealthy: true}

	sort.SliceStable(ns.order, func(i, j int) bool {
		return ns.members[ns.order[i]].priority < ns.members[ns.order[j]].priority
	})
}

// Get 按名称获取节点
func (ns *NodeSet) Get(name string) (node.Client, error) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	m, ok := ns.members[name]
	if !ok {
		return nil, errors.Newf(errors.ErrConfigInvalid, "未知节点: %s", name)
	}
	return m.client, nil
}

// At 按优先级顺序获取第 i 个节点
func (ns *NodeSet) At(i int) (node.Client, error) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	if i < 0 || i >= len(ns.order) {
		return nil, errors.Newf(errors.ErrConfigInvalid, "节点序号 %d 超出范围（共 %d 个节点）", i, len(ns.order))
	}
	return ns.members[ns.order[i]].client, nil
}

// Names 按优先级返回节点名称
func (ns *NodeSet) Names() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]string, len(ns.order))
	copy(out, ns.order)
	return out
}

// Clients 按优先级返回所有客户端
func (ns *NodeSet) Clients() []node.Client {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]node.Client, 0, len(ns.order))
	for _, name := range ns.order {
		out = append(out, ns.members[name].client)
	}
	return out
}

// Len 节点数量
func (ns *NodeSet) Len() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.order)
}

// IsHealthy 检查节点是否健康，结果缓存一个检查周期
func (ns *NodeSet) IsHealthy(ctx context.Context, name string) bool {
	ns.mu.RLock()
	m, ok := ns.members[name]
	interval := ns.healthCheck
	ns.mu.RUnlock()
	if !ok {
		return false
	}
	return m.check(ctx, interval, false)
}

func (m *member) check(ctx context.Context, interval time.Duration, force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !force && time.Since(m.lastCheck) < interval && m.isHealthy {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := m.client.Accounts(ctx)
	m.isHealthy = err == nil
	m.lastCheck = time.Now()
	m.lastError = ""
	if err != nil {
		m.lastError = err.Error()
	}
	return m.isHealthy
}

// StartHealthCheck 启动后台健康检查，ctx 取消后退出
func (ns *NodeSet) StartHealthCheck(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = ns.healthCheck
	}
	ns.mu.Lock()
	ns.healthCheck = interval
	ns.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ns.checkAll(ctx)
			}
		}
	}()
}

func (ns *NodeSet) checkAll(ctx context.Context) {
	ns.mu.RLock()
	members := make(map[string]*member, len(ns.members))
	for name, m := range ns.members {
		members[name] = m
	}
	ns.mu.RUnlock()

	for name, m := range members {
		if m.check(ctx, 0, true) {
			ns.logger.Debugf("节点 %s 健康检查通过", name)
		} else {
			ns.logger.Warnf("节点 %s 健康检查失败", name)
		}
	}
}

// GetStats 获取节点统计信息
func (ns *NodeSet) GetStats() map[string]interface{} {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	stats := make(map[string]interface{})
	for name, m := range ns.members {
		m.mu.Lock()
		entry := map[string]interface{}{
			"priority":   m.priority,
			"is_healthy": m.isHealthy,
		}
		if !m.lastCheck.IsZero() {
			entry["last_check"] = m.lastCheck.Format(time.RFC3339)
		}
		if m.lastError != "" {
			entry["last_error"] = m.lastError
		}
		m.mu.Unlock()
		stats[name] = entry
	}
	return stats
}

// Close 关闭所有节点客户端
func (ns *NodeSet) Close() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	var errs []error
	for name, m := range ns.members {
		if err := m.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭节点 %s 失败: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("关闭节点集合时发生错误: %v", errs)
	}

	ns.logger.Info("节点连接已关闭")
	return nil
}
