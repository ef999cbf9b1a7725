package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"txflow/internal/errors"
	"txflow/pkg/models"

	ethkeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Wallet 本地解密的账户集合，Close 后私钥被清零
type Wallet struct {
	mu       sync.RWMutex
	accounts map[common.Address]*models.KeyedAccount
	order    []common.Address
	closed   bool
}

// NewWallet 由已解密账户创建钱包
func NewWallet(accounts ...*models.KeyedAccount) *Wallet {
	w := &Wallet{accounts: make(map[common.Address]*models.KeyedAccount)}
	for _, acc := range accounts {
		w.add(acc)
	}
	return w
}

// LoadWallet 解密目录下所有 keystore 文件
//
// 目录项为子目录时读取其中的同名文件。密码文件末尾的换行符会被去除。
func LoadWallet(dir, passwordFile string, logger *logrus.Logger) (*Wallet, error) {
	pwd, err := os.ReadFile(passwordFile)
	if err != nil {
		return nil, errors.New(errors.ErrKeystore, err, fmt.Sprintf("读取密码文件 %s 失败", passwordFile))
	}
	password := strings.TrimRight(string(pwd), "\r\n")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.New(errors.ErrKeystore, err, fmt.Sprintf("读取 keystore 目录 %s 失败", dir))
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	w := NewWallet()
	for _, name := range names {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			w.Close()
			return nil, errors.New(errors.ErrKeystore, err, fmt.Sprintf("读取 %s 失败", path))
		}
		if info.IsDir() {
			path = filepath.Join(path, name)
		}

		keyJSON, err := os.ReadFile(path)
		if err != nil {
			w.Close()
			return nil, errors.New(errors.ErrKeystore, err, fmt.Sprintf("读取 keystore 文件 %s 失败", path))
		}

		key, err := ethkeystore.DecryptKey(keyJSON, password)
		if err != nil {
			w.Close()
			return nil, errors.New(errors.ErrKeystore, err, fmt.Sprintf("解密 keystore 文件 %s 失败", path))
		}

		w.add(&models.KeyedAccount{
			Address:    key.Address,
			PrivateKey: crypto.FromECDSA(key.PrivateKey),
		})
		logger.Debugf("已加载账户 %s", key.Address.Hex())
	}

	logger.Infof("钱包加载完成，共 %d 个账户", w.Len())
	return w, nil
}

func (w *Wallet) add(acc *models.KeyedAccount) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.accounts[acc.Address]; !exists {
		w.order = append(w.order, acc.Address)
	}
	w.accounts[acc.Address] = acc
}

// Account 获取账户私钥
func (w *Wallet) Account(addr common.Address) (*models.KeyedAccount, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, errors.Newf(errors.ErrKeystore, "钱包已关闭")
	}
	acc, ok := w.accounts[addr]
	if !ok {
		return nil, errors.Newf(errors.ErrKeystore, "钱包中不存在账户 %s", addr.Hex())
	}
	return acc, nil
}

// Addresses 按加载顺序返回地址
func (w *Wallet) Addresses() []common.Address {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]common.Address, len(w.order))
	copy(out, w.order)
	return out
}

// Len 账户数量
func (w *Wallet) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.order)
}

// Close 清零所有私钥
func (w *Wallet) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, acc := range w.accounts {
		acc.Zero()
	}
	w.closed = true
	return nil
}
