package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStructuredLogger_InvalidConfig(t *testing.T) {
	_, err := NewStructuredLogger(&LogConfig{Level: "verbose", Format: "json", Output: "stdout"})
	assert.Error(t, err)

	_, err = NewStructuredLogger(&LogConfig{Level: "info", Format: "xml", Output: "stdout"})
	assert.Error(t, err)
}

func TestTransactionLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	base, err := NewStructuredLoggerWithWriter(&LogConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	NewTransactionLogger(base, "transfer", "node0").With("tx_hash", "0x01").Info("交易已提交")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "交易已提交", record["msg"])
	assert.Equal(t, "pipeline", record["component"])
	assert.Equal(t, "transfer", record["kind"])
	assert.Equal(t, "node0", record["node"])
	assert.Equal(t, "0x01", record["tx_hash"])
}

func TestStructuredLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	base, err := NewStructuredLoggerWithWriter(&LogConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)

	base.Info("ignored")
	assert.Zero(t, buf.Len())

	base.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestFileOutputWithRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "txflow.log")
	cfg := &LogConfig{Level: "info", Format: "json", Output: path, Rotation: true, MaxSize: 1, MaxBackups: 1}

	base, err := NewStructuredLogger(cfg)
	require.NoError(t, err)
	NewDeploymentLogger(base, "Product", "node0").Info("部署完成")
	require.NoError(t, base.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Product")

	logger, err := NewLogrusLogger(cfg)
	require.NoError(t, err)
	logger.Info("logrus 输出")
}
