package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"txflow/internal/config"
	"txflow/internal/errors"
	"txflow/pkg/models"

	"github.com/sirupsen/logrus"
)

// 输出格式
const (
	FormatNone  = "none"
	FormatFile  = "file"
	FormatKafka = "kafka"
)

// ReceiptMessage 已确认交易的输出消息
type ReceiptMessage struct {
	Record  *models.TransactionRecord `json:"record"`
	Receipt *models.Receipt           `json:"receipt,omitempty"`
}

// EventMessage 解码事件的输出消息
type EventMessage struct {
	TxHash string                  `json:"tx_hash"`
	Event  *models.DecodedLogEntry `json:"event"`
}

// Output 结果输出接口
type Output interface {
	WriteReceipt(rec *models.TransactionRecord, receipt *models.Receipt) error
	WriteEvents(txHash string, events []*models.DecodedLogEntry) error
	Close() error
}

// NewOutput 根据配置创建输出器，未配置时不输出
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	if cfg == nil {
		return NopOutput{}, nil
	}

	switch cfg.Format {
	case "", FormatNone:
		return NopOutput{}, nil
	case FormatFile:
		return NewFileOutput(cfg.Directory, logger)
	case FormatKafka:
		if cfg.Kafka == nil || len(cfg.Kafka.Brokers) == 0 {
			return nil, errors.Newf(errors.ErrConfigInvalid, "kafka 输出需要配置 brokers")
		}
		logger.Info("使用Kafka输出")
		return NewKafkaOutput(cfg.Kafka.Brokers, cfg.Kafka.Topics, logger)
	default:
		return nil, errors.Newf(errors.ErrConfigInvalid, "不支持的输出格式: %s", cfg.Format)
	}
}

// NopOutput 丢弃所有输出
type NopOutput struct{}

func (NopOutput) WriteReceipt(*models.TransactionRecord, *models.Receipt) error { return nil }
func (NopOutput) WriteEvents(string, []*models.DecodedLogEntry) error          { return nil }
func (NopOutput) Close() error                                                 { return nil }

// FileOutput 文件输出器，每行一条 JSON
type FileOutput struct {
	logger       *logrus.Logger
	mu           sync.Mutex
	receiptFile  *os.File
	eventFile    *os.File
	receiptsPath string
	eventsPath   string
}

// NewFileOutput 创建文件输出器
func NewFileOutput(directory string, logger *logrus.Logger) (*FileOutput, error) {
	if directory == "" {
		directory = "./outputs"
	}
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, errors.New(errors.ErrOutput, err, "创建输出目录失败")
	}

	timestamp := time.Now().Format("20060102_150405")
	o := &FileOutput{
		logger:       logger,
		receiptsPath: filepath.Join(directory, fmt.Sprintf("receipts_%s.json", timestamp)),
		eventsPath:   filepath.Join(directory, fmt.Sprintf("events_%s.json", timestamp)),
	}

	var err error
	if o.receiptFile, err = openAppend(o.receiptsPath); err != nil {
		return nil, errors.New(errors.ErrOutput, err, "创建回执文件失败")
	}
	if o.eventFile, err = openAppend(o.eventsPath); err != nil {
		o.receiptFile.Close()
		return nil, errors.New(errors.ErrOutput, err, "创建事件文件失败")
	}

	logger.Infof("文件输出已创建: %s, %s", o.receiptsPath, o.eventsPath)
	return o, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// Paths 返回回执与事件文件路径
func (o *FileOutput) Paths() (string, string) {
	return o.receiptsPath, o.eventsPath
}

// WriteReceipt 写入回执
func (o *FileOutput) WriteReceipt(rec *models.TransactionRecord, receipt *models.Receipt) error {
	if rec == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return writeLine(o.receiptFile, &ReceiptMessage{Record: rec, Receipt: receipt})
}

// WriteEvents 写入解码事件
func (o *FileOutput) WriteEvents(txHash string, events []*models.DecodedLogEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ev := range events {
		if err := writeLine(o.eventFile, &EventMessage{TxHash: txHash, Event: ev}); err != nil {
			return err
		}
	}
	return nil
}

func writeLine(f *os.File, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.New(errors.ErrOutput, err, "序列化输出数据失败")
	}

	// 添加换行符
	data = append(data, '\n')

	if _, err := f.Write(data); err != nil {
		return errors.New(errors.ErrOutput, err, "写入输出文件失败")
	}

	// 强制刷新到磁盘
	if err := f.Sync(); err != nil {
		return errors.New(errors.ErrOutput, err, "刷新输出文件失败")
	}
	return nil
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	if o.receiptFile != nil {
		if err := o.receiptFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭回执文件失败: %w", err))
		}
		o.receiptFile = nil
	}
	if o.eventFile != nil {
		if err := o.eventFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭事件文件失败: %w", err))
		}
		o.eventFile = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("关闭输出文件时发生错误: %v", errs)
	}
	return nil
}
