package errors

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTxError(t *testing.T) {
	err := NewTxError(ErrorTypeNetwork, SeverityHigh, "TEST_ERROR", "测试错误")

	assert.NotNil(t, err)
	assert.Equal(t, ErrorTypeNetwork, err.Type)
	assert.Equal(t, SeverityHigh, err.Severity)
	assert.Equal(t, "TEST_ERROR", err.Code)
	assert.Equal(t, "测试错误", err.Message)
	assert.True(t, err.Retryable) // 网络错误默认可重试
	assert.False(t, err.Timestamp.IsZero())
}

func TestWrapError(t *testing.T) {
	originalErr := errors.New("原始错误")
	wrappedErr := WrapError(originalErr, ErrorTypeSigning, SeverityMedium, "WRAPPED_ERROR", "包装错误")

	assert.Equal(t, ErrorTypeSigning, wrappedErr.Type)
	assert.Equal(t, "WRAPPED_ERROR", wrappedErr.Code)
	assert.Equal(t, originalErr, wrappedErr.Cause)
	assert.Contains(t, wrappedErr.Error(), "原始错误")
	assert.True(t, errors.Is(wrappedErr, originalErr))
}

func TestTxError_Error(t *testing.T) {
	err := NewTxError(ErrorTypeDecode, SeverityLow, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息", err.Error())

	wrapped := WrapError(errors.New("原始错误"), ErrorTypeDecode, SeverityLow, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息: 原始错误", wrapped.Error())

	wrapped.WithTxHash("0xabc")
	assert.Equal(t, "[TEST_CODE tx=0xabc] 测试消息: 原始错误", wrapped.Error())
}

func TestTxError_IsComparesByType(t *testing.T) {
	err := New(ErrReceiptTimeout, context.DeadlineExceeded, "节点 node0 未返回回执")

	assert.True(t, errors.Is(err, ErrReceiptTimeout))
	assert.False(t, errors.Is(err, ErrSubmission))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// 经 fmt.Errorf 包装后仍可识别
	outer := fmt.Errorf("部署失败: %w", err)
	assert.True(t, errors.Is(outer, ErrReceiptTimeout))

	txErr, ok := As(outer)
	require.True(t, ok)
	assert.Equal(t, "RECEIPT_TIMEOUT", txErr.Code)
	assert.Equal(t, "节点 node0 未返回回执", txErr.Message)
}

func TestNewf(t *testing.T) {
	err := Newf(ErrInvalidDescriptor, "value 为负数: %d", -1)
	assert.True(t, errors.Is(err, ErrInvalidDescriptor))
	assert.Equal(t, "value 为负数: -1", err.Message)
	assert.Nil(t, err.Cause)
}

func TestTxError_WithContext(t *testing.T) {
	err := NewTxError(ErrorTypeSubmission, SeverityMedium, "SUBMIT", "提交错误")

	err.WithContext("node", "node0").WithContext("attempt", 1).WithNode("node0").WithComponent("pipeline")

	assert.Equal(t, "node0", err.Context["node"])
	assert.Equal(t, 1, err.Context["attempt"])
	assert.Equal(t, "node0", err.Node)
	assert.Equal(t, "pipeline", err.Component)
}

func TestDetermineRetryable(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		expected  bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeRateLimit, true},
		{ErrorTypeOutput, true},
		{ErrorTypeSubmission, false},
		{ErrorTypeSigning, false},
		{ErrorTypeReceiptTimeout, false},
		{ErrorTypeConfig, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, determineRetryable(tt.errorType), "errorType=%v", tt.errorType)
	}
}

func TestErrorType_String(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		expected  string
	}{
		{ErrorTypeInvalidDescriptor, "InvalidDescriptor"},
		{ErrorTypeSigning, "Signing"},
		{ErrorTypeSubmission, "Submission"},
		{ErrorTypeReceiptTimeout, "ReceiptTimeout"},
		{ErrorTypeDeploymentFailed, "DeploymentFailed"},
		{ErrorType(999), "Unknown(999)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.errorType.String())
	}
}

func TestErrorSeverity_String(t *testing.T) {
	assert.Equal(t, "Low", SeverityLow.String())
	assert.Equal(t, "Critical", SeverityCritical.String())
	assert.Equal(t, "Unknown(999)", ErrorSeverity(999).String())
}

func TestErrorStats_RecordError(t *testing.T) {
	stats := NewErrorStats()

	err1 := NewTxError(ErrorTypeNetwork, SeverityMedium, "NET_ERROR", "网络错误").WithComponent("node")
	err2 := NewTxError(ErrorTypeSigning, SeverityHigh, "SIGN_ERROR", "签名错误").WithComponent("signer")
	err3 := NewTxError(ErrorTypeNetwork, SeverityLow, "NET_TIMEOUT", "网络超时").WithComponent("node")

	stats.RecordError(err1)
	stats.RecordError(err2)
	stats.RecordError(err3)

	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 2, stats.ErrorsByType["Network"])
	assert.Equal(t, 1, stats.ErrorsByType["Signing"])
	assert.Equal(t, 1, stats.ErrorsBySeverity["High"])
	assert.Equal(t, 2, stats.ErrorsByComponent["node"])
	assert.Equal(t, err3, stats.LastError)
	assert.Len(t, stats.RecentErrors, 3)
}

func TestErrorStats_RecentErrorsLimit(t *testing.T) {
	stats := NewErrorStats()

	for i := 0; i < 150; i++ {
		stats.RecordError(NewTxError(ErrorTypeNetwork, SeverityLow, "TEST_ERROR", "测试错误"))
	}

	assert.Equal(t, 150, stats.TotalErrors)
	assert.Len(t, stats.RecentErrors, 100)
}

func TestErrorStats_GetErrorRate(t *testing.T) {
	stats := NewErrorStats()
	now := time.Now()

	for i := 0; i < 10; i++ {
		err := NewTxError(ErrorTypeNetwork, SeverityLow, "TEST_ERROR", "测试错误")
		err.Timestamp = now.Add(-time.Duration(i*5) * time.Minute)
		stats.RecentErrors = append(stats.RecentErrors, err)
	}
	for i := 0; i < 5; i++ {
		err := NewTxError(ErrorTypeNetwork, SeverityLow, "OLD_ERROR", "旧错误")
		err.Timestamp = now.Add(-time.Duration(70+i*10) * time.Minute)
		stats.RecentErrors = append(stats.RecentErrors, err)
	}

	assert.Equal(t, 10.0, stats.GetErrorRate(time.Hour))
	assert.Equal(t, 0.0, stats.GetErrorRate(0))
	assert.Equal(t, 12.0, stats.GetErrorRate(30*time.Minute))
}

func TestErrorHandler_HandleError(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	handler := NewErrorHandler(logger)

	var called int32
	handler.AddCallback(func(err *TxError) {
		atomic.AddInt32(&called, 1)
	})

	src := New(ErrSubmission, errors.New("connection refused"), "").WithNode("node1")
	got := handler.HandleError(context.Background(), src)
	assert.Equal(t, src, got)

	plain := errors.New("plain")
	got = handler.HandleError(context.Background(), plain)
	assert.Equal(t, plain, got)

	assert.Nil(t, handler.HandleError(context.Background(), nil))

	stats := handler.GetStats()
	assert.Equal(t, 2, stats.TotalErrors)
	assert.Equal(t, 1, stats.ErrorsByType["Submission"])
	assert.Equal(t, int32(2), atomic.LoadInt32(&called))

	handler.ClearStats()
	assert.Equal(t, 0, handler.GetStats().TotalErrors)
}

func TestCompositeStrategy(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	var alerted *TxError
	strategy := NewCompositeStrategy(
		NewLoggingStrategy(logger),
		NewAlertStrategy(func(err *TxError) { alerted = err }, logger),
	)

	handler := NewErrorHandler(logger)
	handler.SetStrategy(ErrorTypeDeploymentFailed, strategy)

	src := Newf(ErrDeploymentFailed, "回执缺少合约地址")
	_ = handler.HandleError(context.Background(), src)
	assert.Equal(t, src, alerted)
}

func TestPredefinedErrors(t *testing.T) {
	assert.Equal(t, ErrorTypeReceiptTimeout, ErrReceiptTimeout.Type)
	assert.False(t, ErrReceiptTimeout.Retryable)
	assert.False(t, ErrSubmission.Retryable)
	assert.True(t, ErrNetwork.Retryable)
	assert.Equal(t, SeverityCritical, ErrConfigInvalid.Severity)
}

func BenchmarkNewTxError(b *testing.B) {
	for i := 0; i < b.N; i++ {
		NewTxError(ErrorTypeNetwork, SeverityMedium, "BENCH_ERROR", "基准测试错误")
	}
}
