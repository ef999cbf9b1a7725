package node

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// 进程内账本的 gas 计量
const (
	memTxGas       = 21000
	memCreateGas   = 32000
	memDataByteGas = 16
)

// Call 合约调用上下文
type Call struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Input []byte

	Code      []byte   // 合约创建数据
	Endowment *big.Int // 合约创建时附带的金额
}

// Behavior 模拟合约方法执行，返回错误时交易回滚
type Behavior func(call *Call) ([]*models.RawLog, error)

type pendingTx struct {
	tx   *types.Transaction
	from common.Address
}

// MemoryLedger 进程内共享账本，多个 MemoryClient 共享同一状态以模拟复制账本
type MemoryLedger struct {
	mu sync.Mutex

	chainID *big.Int
	signer  types.Signer

	balances     map[common.Address]*big.Int
	nonces       map[common.Address]uint64 // 已执行
	pendingNonce map[common.Address]uint64 // 含待执行交易
	code         map[common.Address][]byte
	endowments   map[common.Address]*big.Int

	pending  []*pendingTx
	receipts map[common.Hash]*models.Receipt
	waits    map[common.Hash]int

	confirmAfter int
	behaviors    map[[4]byte]Behavior
}

// NewMemoryLedger 创建进程内账本
func NewMemoryLedger(chainID *big.Int, genesis map[common.Address]*big.Int) *MemoryLedger {
	l := &MemoryLedger{
		chainID:      new(big.Int).Set(chainID),
		signer:       types.LatestSignerForChainID(chainID),
		balances:     make(map[common.Address]*big.Int),
		nonces:       make(map[common.Address]uint64),
		pendingNonce: make(map[common.Address]uint64),
		code:         make(map[common.Address][]byte),
		endowments:   make(map[common.Address]*big.Int),
		receipts:     make(map[common.Hash]*models.Receipt),
		waits:        make(map[common.Hash]int),
		behaviors:    make(map[[4]byte]Behavior),
	}
	for addr, bal := range genesis {
		l.balances[addr] = new(big.Int).Set(bal)
	}
	return l
}

// SetConfirmAfter 设置交易执行前回执查询返回不存在的次数
func (l *MemoryLedger) SetConfirmAfter(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmAfter = n
}

// RegisterBehavior 按方法选择器注册合约行为
func (l *MemoryLedger) RegisterBehavior(selector []byte, behavior Behavior) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var key [4]byte
	copy(key[:], selector)
	l.behaviors[key] = behavior
}

// Balance 查询已执行余额
func (l *MemoryLedger) Balance(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceOf(addr))
}

// Code 查询合约代码
func (l *MemoryLedger) Code(addr common.Address) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return common.CopyBytes(l.code[addr])
}

// Flush 执行所有待处理交易
func (l *MemoryLedger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commitUntil(common.Hash{})
}

// PendingCount 待执行交易数量
func (l *MemoryLedger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *MemoryLedger) balanceOf(addr common.Address) *big.Int {
	if bal, ok := l.balances[addr]; ok {
		return bal
	}
	return new(big.Int)
}

func (l *MemoryLedger) endowmentOf(addr common.Address) *big.Int {
	if v, ok := l.endowments[addr]; ok {
		return v
	}
	return new(big.Int)
}

func (l *MemoryLedger) account(addr common.Address) *models.Account {
	nonce, ok := l.pendingNonce[addr]
	if !ok {
		nonce = l.nonces[addr]
	}
	return &models.Account{
		Address: addr,
		Balance: new(big.Int).Set(l.balanceOf(addr)),
		Nonce:   nonce,
	}
}

func (l *MemoryLedger) nextNonce(addr common.Address) uint64 {
	if n, ok := l.pendingNonce[addr]; ok {
		return n
	}
	return l.nonces[addr]
}

// enqueue 校验并加入待执行队列
func (l *MemoryLedger) enqueue(tx *types.Transaction) (common.Hash, error) {
	if tx.Protected() && tx.ChainId().Cmp(l.chainID) != 0 {
		return common.Hash{}, fmt.Errorf("invalid chain id: have %s want %s", tx.ChainId(), l.chainID)
	}

	from, err := types.Sender(l.signer, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid sender: %w", err)
	}

	hash := tx.Hash()
	if _, ok := l.waits[hash]; ok {
		return common.Hash{}, fmt.Errorf("already known")
	}
	if _, ok := l.receipts[hash]; ok {
		return common.Hash{}, fmt.Errorf("already known")
	}

	expected := l.nextNonce(from)
	switch {
	case tx.Nonce() < expected:
		return common.Hash{}, fmt.Errorf("nonce too low: address %s, tx: %d state: %d", from.Hex(), tx.Nonce(), expected)
	case tx.Nonce() > expected:
		return common.Hash{}, fmt.Errorf("nonce too high: address %s, tx: %d state: %d", from.Hex(), tx.Nonce(), expected)
	}

	l.pendingNonce[from] = expected + 1
	l.pending = append(l.pending, &pendingTx{tx: tx, from: from})
	l.waits[hash] = l.confirmAfter
	return hash, nil
}

// lookup 查询回执，必要时按提交顺序执行到目标交易
func (l *MemoryLedger) lookup(hash common.Hash) (*models.Receipt, bool) {
	if r, ok := l.receipts[hash]; ok {
		return r, true
	}
	remaining, ok := l.waits[hash]
	if !ok {
		return nil, false
	}
	if remaining > 0 {
		l.waits[hash] = remaining - 1
		return nil, false
	}
	l.commitUntil(hash)
	r, ok := l.receipts[hash]
	return r, ok
}

// commitUntil 按顺序执行待处理交易，target 为空时全部执行
func (l *MemoryLedger) commitUntil(target common.Hash) {
	for len(l.pending) > 0 {
		p := l.pending[0]
		l.pending = l.pending[1:]

		hash := p.tx.Hash()
		l.receipts[hash] = l.apply(p)
		delete(l.waits, hash)

		if hash == target {
			return
		}
	}
}

// apply 执行单笔交易并生成回执
func (l *MemoryLedger) apply(p *pendingTx) *models.Receipt {
	tx := p.tx
	from := p.from

	receipt := &models.Receipt{
		TxHash: tx.Hash(),
		From:   from,
		To:     tx.To(),
		Status: types.ReceiptStatusFailed,
		Logs:   make([]*models.RawLog, 0),
	}

	l.nonces[from] = tx.Nonce() + 1
	if l.pendingNonce[from] <= l.nonces[from] {
		delete(l.pendingNonce, from)
	}

	gasUsed := uint64(memTxGas) + uint64(len(tx.Data()))*memDataByteGas
	if tx.To() == nil {
		gasUsed += memCreateGas
	}
	if gasUsed > tx.Gas() {
		receipt.GasUsed = tx.Gas()
		return receipt
	}
	receipt.GasUsed = gasUsed

	fee := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), tx.GasPrice())
	cost := new(big.Int).Add(tx.Value(), fee)
	if l.balanceOf(from).Cmp(cost) < 0 {
		return receipt
	}

	var (
		to   common.Address
		logs []*models.RawLog
	)
	if tx.To() == nil {
		to = crypto.CreateAddress(from, tx.Nonce())
		l.code[to] = common.CopyBytes(tx.Data())
		l.endowments[to] = new(big.Int).Set(tx.Value())
		receipt.ContractAddress = &to
	} else {
		to = *tx.To()
		if _, isContract := l.code[to]; isContract && len(tx.Data()) >= 4 {
			var selector [4]byte
			copy(selector[:], tx.Data()[:4])
			if behavior, ok := l.behaviors[selector]; ok {
				var err error
				logs, err = behavior(&Call{
					From:  from,
					To:    to,
					Value: new(big.Int).Set(tx.Value()),
					Input: common.CopyBytes(tx.Data()),

					Code:      common.CopyBytes(l.code[to]),
					Endowment: new(big.Int).Set(l.endowmentOf(to)),
				})
				if err != nil {
					return receipt
				}
			}
		}
	}

	l.balances[from] = new(big.Int).Sub(l.balanceOf(from), cost)
	l.balances[to] = new(big.Int).Add(l.balanceOf(to), tx.Value())

	for i, lg := range logs {
		lg.Index = uint(i)
		if lg.Address == (common.Address{}) {
			lg.Address = to
		}
	}
	receipt.Logs = append(receipt.Logs, logs...)
	receipt.Status = types.ReceiptStatusSuccessful
	return receipt
}

// MemoryClient 进程内账本节点，持有自身控制账户的私钥
type MemoryClient struct {
	name   string
	ledger *MemoryLedger
	keys   map[common.Address]*ecdsa.PrivateKey
	order  []common.Address
}

// NewMemoryClient 创建进程内节点
func NewMemoryClient(name string, ledger *MemoryLedger, keys ...*ecdsa.PrivateKey) *MemoryClient {
	c := &MemoryClient{
		name:   name,
		ledger: ledger,
		keys:   make(map[common.Address]*ecdsa.PrivateKey),
	}
	for _, key := range keys {
		addr := crypto.PubkeyToAddress(key.PublicKey)
		c.keys[addr] = key
		c.order = append(c.order, addr)
	}
	return c
}

// Name 节点名称
func (c *MemoryClient) Name() string {
	return c.name
}

// Ledger 底层账本
func (c *MemoryClient) Ledger() *MemoryLedger {
	return c.ledger
}

// Accounts 节点控制的账户
func (c *MemoryClient) Accounts(ctx context.Context) ([]*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, networkError(c.name, "查询账户列表", err)
	}

	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()

	accounts := make([]*models.Account, 0, len(c.order))
	for _, addr := range c.order {
		accounts = append(accounts, c.ledger.account(addr))
	}
	return accounts, nil
}

// Account 查询任意账户
func (c *MemoryClient) Account(ctx context.Context, addr common.Address) (*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, networkError(c.name, "查询账户", err)
	}

	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()
	return c.ledger.account(addr), nil
}

// Submit 提交交易，未签名载荷由节点使用自身私钥签名
func (c *MemoryClient) Submit(ctx context.Context, payload *models.Payload) (*models.SubmissionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, submissionError(c.name, err)
	}

	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()

	var tx *types.Transaction
	switch payload.Kind {
	case models.PayloadUnsigned:
		d := payload.Descriptor
		key, ok := c.keys[d.From]
		if !ok {
			return nil, submissionError(c.name, fmt.Errorf("unknown account %s", d.From.Hex()))
		}
		desc := d.Clone()
		if desc.Nonce == nil {
			nonce := c.ledger.nextNonce(desc.From)
			desc.Nonce = &nonce
		}
		signed, err := types.SignTx(desc.ToLegacyTx(), types.NewEIP155Signer(c.ledger.chainID), key)
		if err != nil {
			return nil, submissionError(c.name, err)
		}
		tx = signed

	case models.PayloadSigned:
		tx = new(types.Transaction)
		if err := tx.UnmarshalBinary(payload.Signed.Raw); err != nil {
			return nil, submissionError(c.name, fmt.Errorf("rlp: %w", err))
		}

	default:
		return nil, submissionError(c.name, fmt.Errorf("未知载荷类型: %s", payload.Kind))
	}

	hash, err := c.ledger.enqueue(tx)
	if err != nil {
		return nil, submissionError(c.name, err)
	}
	return &models.SubmissionResult{TxHash: hash}, nil
}

// Receipt 查询回执
func (c *MemoryClient) Receipt(ctx context.Context, txHash common.Hash) (*models.Receipt, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, networkError(c.name, "查询回执", err)
	}

	c.ledger.mu.Lock()
	defer c.ledger.mu.Unlock()

	receipt, ok := c.ledger.lookup(txHash)
	if !ok {
		return nil, false, nil
	}
	return copyReceipt(receipt), true, nil
}

// Close 关闭节点
func (c *MemoryClient) Close() error {
	return nil
}

func copyReceipt(r *models.Receipt) *models.Receipt {
	cp := *r
	cp.Logs = make([]*models.RawLog, len(r.Logs))
	for i, l := range r.Logs {
		lc := *l
		lc.Topics = append([]common.Hash(nil), l.Topics...)
		lc.Data = common.CopyBytes(l.Data)
		cp.Logs[i] = &lc
	}
	return &cp
}
