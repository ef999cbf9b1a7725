package builder

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"txflow/internal/config"
	"txflow/internal/errors"
	"txflow/internal/validation"
	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Intent 调用方的交易意图，未指定的 gas 参数使用配置默认值
type Intent struct {
	From     common.Address
	To       *common.Address
	Value    *big.Int
	Data     []byte
	Gas      uint64
	GasPrice *big.Int
	Creation bool
}

// NonceSource 提供节点视角的账户 nonce
type NonceSource interface {
	Account(ctx context.Context, addr common.Address) (*models.Account, error)
}

// NonceStore 持久化每个发送方已使用的最大 nonce
type NonceStore interface {
	LastNonce(addr common.Address) (uint64, bool, error)
	SaveNonce(addr common.Address, nonce uint64) error
}

// Builder 交易描述构建器
type Builder struct {
	chainID   *big.Int
	gas       uint64
	gasPrice  *big.Int
	validator *validation.Validator
	logger    *logrus.Logger
	store     NonceStore

	mu      sync.Mutex
	last    map[common.Address]uint64
	senders map[common.Address]*sync.Mutex
}

// NewBuilder 创建构建器
func NewBuilder(cfg *config.TransactionConfig, validator *validation.Validator, logger *logrus.Logger) (*Builder, error) {
	if cfg == nil {
		return nil, errors.Newf(errors.ErrConfigInvalid, "交易配置为空")
	}
	gasPrice, err := cfg.GasPriceInt()
	if err != nil {
		return nil, fmt.Errorf("解析 gas_price 失败: %w", err)
	}
	if validator == nil {
		validator = validation.NewValidator(logger, false)
	}

	return &Builder{
		chainID:   big.NewInt(cfg.ChainID),
		gas:       cfg.Gas,
		gasPrice:  gasPrice,
		validator: validator,
		logger:    logger,
		last:      make(map[common.Address]uint64),
		senders:   make(map[common.Address]*sync.Mutex),
	}, nil
}

// SetNonceStore 设置 nonce 持久化存储
func (b *Builder) SetNonceStore(store NonceStore) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store = store
}

// ChainID 返回本地签名使用的链 ID
func (b *Builder) ChainID() *big.Int {
	return new(big.Int).Set(b.chainID)
}

// LockSender 串行化同一发送方的取 nonce、签名与提交，返回解锁函数
func (b *Builder) LockSender(addr common.Address) func() {
	b.mu.Lock()
	m, ok := b.senders[addr]
	if !ok {
		m = &sync.Mutex{}
		b.senders[addr] = m
	}
	b.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// BuildRemote 构建远程签名交易，nonce 与链 ID 由节点决定
func (b *Builder) BuildRemote(intent *Intent) (*models.TransactionDescriptor, error) {
	desc, err := b.base(intent)
	if err != nil {
		return nil, err
	}
	if err := b.validate(desc, intent.Creation); err != nil {
		return nil, err
	}
	return desc, nil
}

// BuildLocal 构建本地签名交易，签名前从节点获取 nonce
func (b *Builder) BuildLocal(ctx context.Context, intent *Intent, src NonceSource) (*models.TransactionDescriptor, error) {
	desc, err := b.base(intent)
	if err != nil {
		return nil, err
	}
	desc.ChainID = b.ChainID()

	// 地址与金额先校验，避免无效交易触发网络请求
	if err := b.validate(desc, intent.Creation); err != nil {
		return nil, err
	}

	account, err := src.Account(ctx, intent.From)
	if err != nil {
		return nil, fmt.Errorf("获取账户 %s nonce 失败: %w", intent.From.Hex(), err)
	}

	nonce, err := b.nextNonce(intent.From, account.Nonce)
	if err != nil {
		return nil, err
	}
	desc.Nonce = &nonce

	b.logger.WithFields(logrus.Fields{
		"from":       intent.From.Hex(),
		"node_nonce": account.Nonce,
		"nonce":      nonce,
	}).Debug("本地交易 nonce 已确定")

	return desc, nil
}

// Commit 记录已成功提交的 nonce，提交失败时不应调用
func (b *Builder) Commit(addr common.Address, nonce uint64) error {
	b.mu.Lock()
	if last, ok := b.last[addr]; !ok || nonce > last {
		b.last[addr] = nonce
	}
	store := b.store
	b.mu.Unlock()

	if store != nil {
		if err := store.SaveNonce(addr, nonce); err != nil {
			return fmt.Errorf("保存 nonce 失败: %w", err)
		}
	}
	return nil
}

// nextNonce 取节点 nonce 与本地已用 nonce+1 的较大值
func (b *Builder) nextNonce(addr common.Address, nodeNonce uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, ok := b.last[addr]
	if !ok && b.store != nil {
		stored, found, err := b.store.LastNonce(addr)
		if err != nil {
			return 0, fmt.Errorf("读取已用 nonce 失败: %w", err)
		}
		if found {
			last, ok = stored, true
			b.last[addr] = stored
		}
	}

	if ok && last+1 > nodeNonce {
		return last + 1, nil
	}
	return nodeNonce, nil
}

func (b *Builder) base(intent *Intent) (*models.TransactionDescriptor, error) {
	if intent == nil {
		return nil, errors.Newf(errors.ErrInvalidDescriptor, "交易意图为空")
	}

	desc := &models.TransactionDescriptor{
		From: intent.From,
		Gas:  intent.Gas,
	}
	if intent.To != nil {
		to := *intent.To
		desc.To = &to
	}
	if intent.Value != nil {
		desc.Value = new(big.Int).Set(intent.Value)
	}
	if intent.Data != nil {
		desc.Data = common.CopyBytes(intent.Data)
	}
	if desc.Gas == 0 {
		desc.Gas = b.gas
	}
	if intent.GasPrice != nil {
		desc.GasPrice = new(big.Int).Set(intent.GasPrice)
	} else {
		desc.GasPrice = new(big.Int).Set(b.gasPrice)
	}

	return desc, nil
}

func (b *Builder) validate(desc *models.TransactionDescriptor, creation bool) error {
	result := b.validator.ValidateDescriptor(desc, creation)
	if err := result.Err(); err != nil {
		b.logger.WithError(err).Warn("交易描述验证失败")
		return err
	}
	return nil
}
