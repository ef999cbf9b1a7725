package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"txflow/internal/errors"
	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/journal.db"

	// 存储桶名称
	TransactionsBucket = "transactions"
	NoncesBucket       = "nonces"
	StatsBucket        = "stats"
)

// Journal 交易流水，记录每笔提交及其最终状态
type Journal struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.RWMutex
}

// NewJournal 打开或创建流水数据库
func NewJournal(dbPath string, logger *logrus.Logger) (*Journal, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.New(errors.ErrStorage, err, "创建数据目录失败")
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.New(errors.ErrStorage, err, "打开流水数据库失败")
	}

	j := &Journal{
		db:     db,
		logger: logger,
		dbPath: dbPath,
	}

	if err := j.initDB(); err != nil {
		db.Close()
		return nil, errors.New(errors.ErrStorage, err, "初始化数据库失败")
	}

	logger.Infof("交易流水已初始化，数据库路径: %s", dbPath)
	return j, nil
}

// initDB 初始化数据库结构
func (j *Journal) initDB() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{TransactionsBucket, NoncesBucket, StatsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

// Record 保存新提交的交易
func (j *Journal) Record(rec *models.TransactionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.New(errors.ErrStorage, err, "序列化流水记录失败")
	}

	err = j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(TransactionsBucket)).Put([]byte(rec.TxHash), data); err != nil {
			return fmt.Errorf("保存流水记录失败: %w", err)
		}
		return incr(tx.Bucket([]byte(StatsBucket)), "kind:"+string(rec.Kind))
	})
	if err != nil {
		return errors.New(errors.ErrStorage, err, "写入流水失败").WithTxHash(rec.TxHash)
	}
	return nil
}

// Resolve 更新交易的最终状态
func (j *Journal) Resolve(txHash, status, contract string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(TransactionsBucket))
		data := bucket.Get([]byte(txHash))
		if data == nil {
			return fmt.Errorf("流水记录不存在")
		}

		var rec models.TransactionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("解析流水记录失败: %w", err)
		}

		now := time.Now()
		rec.Status = status
		rec.ResolvedAt = &now
		if contract != "" {
			rec.Contract = contract
		}

		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(txHash), updated); err != nil {
			return err
		}
		return incr(tx.Bucket([]byte(StatsBucket)), "status:"+status)
	})
	if err != nil {
		return errors.New(errors.ErrStorage, err, "更新流水状态失败").WithTxHash(txHash)
	}
	return nil
}

// Get 查询单条流水
func (j *Journal) Get(txHash string) (*models.TransactionRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var rec *models.TransactionRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(TransactionsBucket)).Get([]byte(txHash))
		if data == nil {
			return nil
		}
		rec = &models.TransactionRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, errors.New(errors.ErrStorage, err, "读取流水失败")
	}
	return rec, nil
}

// List 按提交时间倒序返回流水，limit<=0 时返回全部
func (j *Journal) List(limit int) ([]*models.TransactionRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var records []*models.TransactionRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(TransactionsBucket)).ForEach(func(k, v []byte) error {
			rec := &models.TransactionRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				j.logger.Warnf("跳过无法解析的流水 %s: %v", string(k), err)
				return nil
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, errors.New(errors.ErrStorage, err, "读取流水失败")
	}

	sort.Slice(records, func(a, b int) bool {
		return records[a].SubmittedAt.After(records[b].SubmittedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// LastNonce 读取发送方已使用的最大 nonce
func (j *Journal) LastNonce(addr common.Address) (uint64, bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var (
		nonce uint64
		found bool
	)
	err := j.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket([]byte(NoncesBucket)).Get(addr.Bytes()); len(data) == 8 {
			nonce = binary.BigEndian.Uint64(data)
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, false, errors.New(errors.ErrStorage, err, "读取 nonce 失败")
	}
	return nonce, found, nil
}

// SaveNonce 保存发送方已使用的 nonce，只增不减
func (j *Journal) SaveNonce(addr common.Address, nonce uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(NoncesBucket))
		if data := bucket.Get(addr.Bytes()); len(data) == 8 && binary.BigEndian.Uint64(data) >= nonce {
			return nil
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, nonce)
		return bucket.Put(addr.Bytes(), buf)
	})
	if err != nil {
		return errors.New(errors.ErrStorage, err, "保存 nonce 失败")
	}
	return nil
}

// Reset 清空流水与 nonce 记录
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{TransactionsBucket, NoncesBucket, StatsBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetDBPath 获取数据库路径
func (j *Journal) GetDBPath() string {
	return j.dbPath
}

// GetStats 获取统计信息
func (j *Journal) GetStats() map[string]interface{} {
	j.mu.RLock()
	defer j.mu.RUnlock()

	stats := map[string]interface{}{
		"db_path": j.dbPath,
	}
	j.db.View(func(tx *bolt.Tx) error {
		stats["total_transactions"] = tx.Bucket([]byte(TransactionsBucket)).Stats().KeyN
		return tx.Bucket([]byte(StatsBucket)).ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				stats[string(k)] = binary.BigEndian.Uint64(v)
			}
			return nil
		})
	})
	return stats
}

// Close 关闭流水数据库
func (j *Journal) Close() error {
	if j.db != nil {
		j.logger.Info("关闭交易流水")
		return j.db.Close()
	}
	return nil
}

func incr(bucket *bolt.Bucket, key string) error {
	var n uint64
	if data := bucket.Get([]byte(key)); len(data) == 8 {
		n = binary.BigEndian.Uint64(data)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n+1)
	return bucket.Put([]byte(key), buf)
}
