package api

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	TxHash    string                 `json:"tx_hash,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogFilter 日志查询条件，空字段不过滤
type LogFilter struct {
	Level  string
	TxHash string
}

func (f LogFilter) match(e *LogEntry) bool {
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.TxHash != "" && e.TxHash != f.TxHash {
		return false
	}
	return true
}

// LogManager 保存最近的日志，供 API 查询
type LogManager struct {
	logs    []LogEntry
	maxLogs int
	mu      sync.RWMutex
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &LogManager{
		logs:    make([]LogEntry, 0, maxLogs),
		maxLogs: maxLogs,
	}
}

// AddLog 添加日志
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	// entry.Data 由 logrus 复用，这里必须复制
	fields := make(map[string]interface{}, len(entry.Data))
	var txHash string
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		if k == "tx_hash" {
			if s, ok := v.(string); ok {
				txHash = s
				continue
			}
		}
		fields[k] = v
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.logs = append(lm.logs, LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		TxHash:    txHash,
		Fields:    fields,
	})
	if len(lm.logs) > lm.maxLogs {
		lm.logs = lm.logs[len(lm.logs)-lm.maxLogs:]
	}
}

// GetLogsWithPagination 按条件分页查询，最新的在前
func (lm *LogManager) GetLogsWithPagination(filter LogFilter, page, pageSize int) ([]LogEntry, int) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	matched := make([]LogEntry, 0, len(lm.logs))
	for i := len(lm.logs) - 1; i >= 0; i-- {
		if filter.match(&lm.logs[i]) {
			matched = append(matched, lm.logs[i])
		}
	}

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total
}

// Len 当前保存的日志数
func (lm *LogManager) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.logs)
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.logs = make([]LogEntry, 0, lm.maxLogs)
}

// LogHook 将 logrus 日志写入 LogManager
type LogHook struct {
	manager *LogManager
	levels  []logrus.Level
}

// NewLogHook 创建日志钩子，默认收集 info 及以上级别
func NewLogHook(manager *LogManager, levels ...logrus.Level) *LogHook {
	if len(levels) == 0 {
		levels = []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
	}
	return &LogHook{manager: manager, levels: levels}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return h.levels
}
