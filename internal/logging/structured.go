package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level" mapstructure:"level"`                   // 日志级别 (debug, info, warn, error)
	Format     string `json:"format" yaml:"format" mapstructure:"format"`                // 日志格式 (json, text)
	Output     string `json:"output" yaml:"output" mapstructure:"output"`                // 输出路径 (stdout, stderr, file path)
	Rotation   bool   `json:"rotation" yaml:"rotation" mapstructure:"rotation"`          // 是否启用日志轮转
	MaxSize    int    `json:"max_size" yaml:"max_size" mapstructure:"max_size"`          // 单个日志文件最大大小(MB)
	MaxAge     int    `json:"max_age" yaml:"max_age" mapstructure:"max_age"`             // 日志文件保留天数
	MaxBackups int    `json:"max_backups" yaml:"max_backups" mapstructure:"max_backups"` // 保留的日志文件数量
	Compress   bool   `json:"compress" yaml:"compress" mapstructure:"compress"`          // 是否压缩轮转的日志文件
}

// DefaultLogConfig 默认日志配置
var DefaultLogConfig = &LogConfig{
	Level:      "info",
	Format:     "text",
	Output:     "stdout",
	Rotation:   false,
	MaxSize:    100,
	MaxAge:     30,
	MaxBackups: 3,
	Compress:   true,
}

// StructuredLogger 审计日志器，每条记录一行，格式由配置决定
type StructuredLogger struct {
	slogger *slog.Logger
	writer  io.Writer
}

// NewStructuredLogger 按配置创建审计日志器，文件输出时按配置轮转
func NewStructuredLogger(config *LogConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultLogConfig
	}
	writer, err := getLogWriter(config)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	sl, err := NewStructuredLoggerWithWriter(config, writer)
	if err != nil {
		if c, ok := writer.(io.Closer); ok && writer != os.Stdout && writer != os.Stderr {
			c.Close()
		}
		return nil, err
	}
	return sl, nil
}

// NewStructuredLoggerWithWriter 写入指定 writer，Output 字段被忽略
func NewStructuredLoggerWithWriter(config *LogConfig, writer io.Writer) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultLogConfig
	}

	level, err := parseLogLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}
	handler, err := newHandler(config.Format, writer, level)
	if err != nil {
		return nil, err
	}

	return &StructuredLogger{slogger: slog.New(handler), writer: writer}, nil
}

func newHandler(format string, writer io.Writer, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	}

	switch format {
	case "json":
		return slog.NewJSONHandler(writer, opts), nil
	case "text":
		return slog.NewTextHandler(writer, opts), nil
	default:
		return nil, fmt.Errorf("不支持的日志格式: %s", format)
	}
}

// NewLogrusLogger 按日志配置创建 logrus 日志器，与结构化日志共享输出
func NewLogrusLogger(config *LogConfig) (*logrus.Logger, error) {
	if config == nil {
		config = DefaultLogConfig
	}

	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}
	logger.SetLevel(level)

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	writer, err := getLogWriter(config)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}
	logger.SetOutput(writer)

	return logger, nil
}

// parseLogLevel 解析日志级别
func parseLogLevel(levelStr string) (slog.Level, error) {
	switch levelStr {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("未知的日志级别: %s", levelStr)
	}
}

// getLogWriter 获取日志输出
func getLogWriter(config *LogConfig) (io.Writer, error) {
	switch config.Output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		dir := filepath.Dir(config.Output)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}

		if config.Rotation {
			return &lumberjack.Logger{
				Filename:   config.Output,
				MaxSize:    config.MaxSize,
				MaxAge:     config.MaxAge,
				MaxBackups: config.MaxBackups,
				Compress:   config.Compress,
			}, nil
		}

		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}

		return file, nil
	}
}

// replaceAttr 自定义属性替换函数
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.Attr{
			Key:   a.Key,
			Value: slog.StringValue(a.Value.Time().Format(time.RFC3339)),
		}
	}
	return a
}

// Info 信息日志
func (sl *StructuredLogger) Info(msg string, args ...any) {
	sl.slogger.Info(msg, args...)
}

// Warn 警告日志
func (sl *StructuredLogger) Warn(msg string, args ...any) {
	sl.slogger.Warn(msg, args...)
}

// WithFields 带字段的日志器
func (sl *StructuredLogger) WithFields(fields map[string]any) *FieldLogger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}

	return &FieldLogger{
		logger: sl.slogger.With(args...),
	}
}

// Close 关闭文件输出
func (sl *StructuredLogger) Close() error {
	if closer, ok := sl.writer.(io.Closer); ok && sl.writer != os.Stdout && sl.writer != os.Stderr {
		return closer.Close()
	}
	return nil
}

// FieldLogger 带固定字段的日志器
type FieldLogger struct {
	logger *slog.Logger
}

// Info 信息日志
func (fl *FieldLogger) Info(msg string, args ...any) {
	fl.logger.Info(msg, args...)
}

// With 追加字段
func (fl *FieldLogger) With(args ...any) *FieldLogger {
	return &FieldLogger{logger: fl.logger.With(args...)}
}

// NewTransactionLogger 交易流水线专用日志器
func NewTransactionLogger(baseLogger *StructuredLogger, kind string, node string) *FieldLogger {
	return baseLogger.WithFields(map[string]any{
		"component": "pipeline",
		"kind":      kind,
		"node":      node,
	})
}

// NewDeploymentLogger 合约部署专用日志器
func NewDeploymentLogger(baseLogger *StructuredLogger, contract string, node string) *FieldLogger {
	return baseLogger.WithFields(map[string]any{
		"component": "deployment",
		"contract":  contract,
		"node":      node,
	})
}
