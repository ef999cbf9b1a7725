package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 交易流水线错误
	ErrorTypeInvalidDescriptor ErrorType = iota
	ErrorTypeSigning
	ErrorTypeSubmission
	ErrorTypeReceiptTimeout
	ErrorTypeDeploymentFailed

	// 网络相关错误
	ErrorTypeNetwork
	ErrorTypeRateLimit

	// 外部协作方错误
	ErrorTypeKeystore
	ErrorTypeCompile
	ErrorTypeDecode

	// 系统相关错误
	ErrorTypeConfig
	ErrorTypeStorage
	ErrorTypeOutput
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// TxError 交易流水线错误
type TxError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	Node      string                 `json:"node,omitempty"`
	TxHash    *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *TxError) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.TxHash != nil {
		prefix = fmt.Sprintf("[%s tx=%s]", e.Code, *e.TxHash)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *TxError) Unwrap() error {
	return e.Cause
}

// Is 同类型错误视为相等，预定义错误可直接用于 errors.Is
func (e *TxError) Is(target error) bool {
	t, ok := target.(*TxError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// IsRetryable 判断是否可重试
func (e *TxError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *TxError) WithContext(key string, value interface{}) *TxError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithTxHash 添加交易哈希
func (e *TxError) WithTxHash(txHash string) *TxError {
	e.TxHash = &txHash
	return e
}

// WithComponent 设置出错组件
func (e *TxError) WithComponent(component string) *TxError {
	e.Component = component
	return e
}

// WithNode 设置目标节点
func (e *TxError) WithNode(node string) *TxError {
	e.Node = node
	return e
}

// NewTxError 创建新的错误
func NewTxError(errorType ErrorType, severity ErrorSeverity, code, message string) *TxError {
	return &TxError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *TxError {
	return &TxError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType),
	}
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeRateLimit:
		return true
	case ErrorTypeOutput:
		return true
	default:
		// 提交不可重试：重复提交可能导致交易执行两次
		return false
	}
}

// 预定义错误
var (
	ErrInvalidDescriptor = NewTxError(
		ErrorTypeInvalidDescriptor,
		SeverityMedium,
		"INVALID_DESCRIPTOR",
		"交易描述无效",
	)

	ErrSigning = NewTxError(
		ErrorTypeSigning,
		SeverityHigh,
		"SIGNING_FAILED",
		"交易签名失败",
	)

	ErrSubmission = NewTxError(
		ErrorTypeSubmission,
		SeverityHigh,
		"SUBMISSION_FAILED",
		"交易提交失败",
	)

	ErrReceiptTimeout = NewTxError(
		ErrorTypeReceiptTimeout,
		SeverityMedium,
		"RECEIPT_TIMEOUT",
		"等待交易回执超时，交易结果未知",
	)

	ErrDeploymentFailed = NewTxError(
		ErrorTypeDeploymentFailed,
		SeverityHigh,
		"DEPLOYMENT_FAILED",
		"合约部署失败",
	)

	ErrNetwork = NewTxError(
		ErrorTypeNetwork,
		SeverityMedium,
		"NETWORK_ERROR",
		"节点请求失败",
	)

	ErrRateLimitExceeded = NewTxError(
		ErrorTypeRateLimit,
		SeverityMedium,
		"RATE_LIMIT_EXCEEDED",
		"请求频率超限",
	)

	ErrKeystore = NewTxError(
		ErrorTypeKeystore,
		SeverityCritical,
		"KEYSTORE_FAILED",
		"密钥库加载失败",
	)

	ErrCompile = NewTxError(
		ErrorTypeCompile,
		SeverityHigh,
		"COMPILE_FAILED",
		"合约编译或编码失败",
	)

	ErrDecode = NewTxError(
		ErrorTypeDecode,
		SeverityLow,
		"DECODE_FAILED",
		"事件日志解码失败",
	)

	ErrConfigInvalid = NewTxError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)

	ErrStorage = NewTxError(
		ErrorTypeStorage,
		SeverityHigh,
		"STORAGE_FAILED",
		"交易流水存储失败",
	)

	ErrOutput = NewTxError(
		ErrorTypeOutput,
		SeverityMedium,
		"OUTPUT_FAILED",
		"结果输出失败",
	)
)

// New 基于预定义错误创建带原因的新实例
func New(base *TxError, cause error, message string) *TxError {
	if message == "" {
		message = base.Message
	}
	return WrapError(cause, base.Type, base.Severity, base.Code, message)
}

// Newf 基于预定义错误创建格式化消息的新实例
func Newf(base *TxError, format string, args ...interface{}) *TxError {
	return NewTxError(base.Type, base.Severity, base.Code, fmt.Sprintf(format, args...))
}

// As 提取错误链中的 TxError
func As(err error) (*TxError, bool) {
	var txErr *TxError
	if errors.As(err, &txErr) {
		return txErr, true
	}
	return nil, false
}

// Is 等同于标准库 errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeInvalidDescriptor: "InvalidDescriptor",
	ErrorTypeSigning:           "Signing",
	ErrorTypeSubmission:        "Submission",
	ErrorTypeReceiptTimeout:    "ReceiptTimeout",
	ErrorTypeDeploymentFailed:  "DeploymentFailed",
	ErrorTypeNetwork:           "Network",
	ErrorTypeRateLimit:         "RateLimit",
	ErrorTypeKeystore:          "Keystore",
	ErrorTypeCompile:           "Compile",
	ErrorTypeDecode:            "Decode",
	ErrorTypeConfig:            "Config",
	ErrorTypeStorage:           "Storage",
	ErrorTypeOutput:            "Output",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int            `json:"total_errors"`
	ErrorsByType      map[string]int `json:"errors_by_type"`
	ErrorsBySeverity  map[string]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int `json:"errors_by_component"`
	RecentErrors      []*TxError     `json:"recent_errors"`
	LastError         *TxError       `json:"last_error"`
	LastErrorTime     time.Time      `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[string]int),
		ErrorsBySeverity:  make(map[string]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*TxError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *TxError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type.String()]++
	es.ErrorsBySeverity[err.Severity.String()]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0

	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	hours := duration.Hours()
	if hours == 0 {
		return float64(recentCount)
	}

	return float64(recentCount) / hours
}
