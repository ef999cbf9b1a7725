package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"txflow/internal/config"
	"txflow/internal/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const productArtifact = "../contract/testdata/product.json"

type testEnv struct {
	server  *Server
	handler http.Handler
	session *pipeline.Session
	dryRun  *pipeline.DryRun
}

func newTestEnv(t *testing.T) *testEnv {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetOutput(&bytes.Buffer{})

	cfg := config.GetDefaultConfig()
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.Poller = &config.PollerConfig{
		InitialDelay:  "1ms",
		PollInterval:  "2ms",
		MaxInterval:   "10ms",
		BackoffFactor: 1.5,
		MaxWait:       "100ms",
		CacheSize:     16,
	}

	dr, err := pipeline.NewDryRun(cfg, []*big.Int{big.NewInt(1000), big.NewInt(5000)}, logger)
	require.NoError(t, err)
	session, err := pipeline.NewSession(cfg, logger, pipeline.WithNodes(dr.Nodes), pipeline.WithWallet(dr.Wallet))
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	srv := NewServer(session, cfg.API, logger)
	return &testEnv{server: srv, handler: srv.Handler(), session: session, dryRun: dr}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func TestServer_HealthAndRequestID(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "fixed-id")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, "fixed-id", w.Header().Get(RequestIDHeader))
}

func TestServer_AccountsAndNodes(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodGet, "/api/v1/accounts", nil)
	require.Equal(t, http.StatusOK, code)
	nodes := resp["nodes"].([]interface{})
	assert.Len(t, nodes, 3)

	code, resp = env.do(t, http.MethodGet, "/api/v1/nodes", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), resp["total"])
	assert.Equal(t, []interface{}{"node0", "node1", "node2"}, resp["order"])
}

func TestServer_TransferAndHistory(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPost, "/api/v1/transfer", map[string]string{
		"from_node": "node0",
		"to_node":   "node1",
		"amount":    "500",
	})
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, "succeeded", resp["status"])
	hash := resp["tx_hash"].(string)

	code, resp = env.do(t, http.MethodGet, "/api/v1/history?limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), resp["total"])

	code, resp = env.do(t, http.MethodGet, "/api/v1/receipt/"+hash+"?node=node1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "succeeded", resp["status"])

	code, resp = env.do(t, http.MethodGet, "/api/v1/logs?tx_hash="+hash, nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotZero(t, resp["total"])
}

func TestServer_TransferValidation(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPost, "/api/v1/transfer", map[string]string{
		"from_node": "node0",
		"to_node":   "node1",
		"amount":    "-1",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidDescriptor", resp["type"])

	code, _ = env.do(t, http.MethodPost, "/api/v1/transfer", map[string]string{"from_node": "node0"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = env.do(t, http.MethodPost, "/api/v1/transfer", map[string]string{
		"from_node": "node0",
		"to_node":   "missing",
		"amount":    "1",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidDescriptor", resp["type"])
}

func TestServer_TransferRaw(t *testing.T) {
	env := newTestEnv(t)
	addrs := env.dryRun.Wallet.Addresses()
	require.GreaterOrEqual(t, len(addrs), 2)

	code, resp := env.do(t, http.MethodPost, "/api/v1/transfer-raw", map[string]string{
		"via_node": "node2",
		"from":     addrs[1].Hex(),
		"to":       addrs[0].Hex(),
		"amount":   "0x64",
	})
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, "succeeded", resp["status"])
	assert.Equal(t, "4900", env.dryRun.Ledger.Balance(addrs[1]).String())

	code, _ = env.do(t, http.MethodPost, "/api/v1/transfer-raw", map[string]string{
		"via_node": "node2",
		"from":     "not-an-address",
		"to":       addrs[0].Hex(),
		"amount":   "1",
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServer_ReceiptUnknown(t *testing.T) {
	env := newTestEnv(t)
	hash := "0x" + string(bytes.Repeat([]byte("ab"), 32))

	code, resp := env.do(t, http.MethodGet, "/api/v1/receipt/"+hash, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "unknown", resp["status"])

	code, resp = env.do(t, http.MethodGet, "/api/v1/receipt/"+hash+"?wait=true", nil)
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.Equal(t, "ReceiptTimeout", resp["type"])

	code, _ = env.do(t, http.MethodGet, "/api/v1/receipt/0x1234", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServer_DeployAndInvoke(t *testing.T) {
	env := newTestEnv(t)

	compiled, err := env.session.Compile(context.Background(), productArtifact, "Product")
	require.NoError(t, err)
	require.NoError(t, env.dryRun.InstallProduct(compiled))

	code, resp := env.do(t, http.MethodPost, "/api/v1/deploy", map[string]interface{}{
		"node":     "node0",
		"source":   productArtifact,
		"contract": "Product",
		"args":     []interface{}{"MacBook Pro"},
		"value":    "300",
	})
	require.Equal(t, http.StatusOK, code, resp)
	assert.Equal(t, "succeeded", resp["status"])
	contract := resp["contract"].(map[string]interface{})
	address := contract["address"].(string)
	require.NotEmpty(t, address)

	code, resp = env.do(t, http.MethodPost, "/api/v1/invoke", map[string]interface{}{
		"node":    "node1",
		"address": address,
		"method":  "buy",
		"value":   "300",
	})
	require.Equal(t, http.StatusOK, code, resp)
	events := resp["events"].([]interface{})
	require.Len(t, events, 1)
	assert.Equal(t, "Bought", events[0].(map[string]interface{})["event"])

	// 已售出，交易失败但不是错误
	code, resp = env.do(t, http.MethodPost, "/api/v1/invoke", map[string]interface{}{
		"node":    "node1",
		"address": address,
		"method":  "buy",
		"value":   "300",
	})
	require.Equal(t, http.StatusOK, code, resp)
	assert.Empty(t, resp["events"])
}

func TestServer_DeployFailures(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPost, "/api/v1/deploy", map[string]interface{}{
		"node":     "node0",
		"source":   productArtifact,
		"contract": "Product",
		"args":     []interface{}{"MacBook Pro"},
		"value":    "999999",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "DeploymentFailed", resp["type"])
	assert.NotEmpty(t, resp["tx_hash"])

	code, resp = env.do(t, http.MethodPost, "/api/v1/deploy", map[string]interface{}{
		"node":     "node0",
		"source":   productArtifact,
		"contract": "Product",
		"args":     []interface{}{},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidDescriptor", resp["type"])

	code, resp = env.do(t, http.MethodPost, "/api/v1/invoke", map[string]interface{}{
		"node":    "node1",
		"address": "0x00000000000000000000000000000000000000aa",
		"method":  "buy",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidDescriptor", resp["type"])
}

func TestServer_StatsAndLogs(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, resp, "errors")
	assert.Contains(t, resp, "journal")
	assert.Contains(t, resp, "uptime")

	env.server.logger.Info("hello")
	require.NotZero(t, env.server.logManager.Len())

	code, _ = env.do(t, http.MethodDelete, "/api/v1/logs", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, env.server.logManager.Len())
}

func TestLogManager_PaginationAndFilter(t *testing.T) {
	lm := NewLogManager(3)
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	logger.AddHook(NewLogHook(lm))

	logger.Info("one")
	logger.WithField("tx_hash", "0x01").Warn("two")
	logger.Info("three")
	logger.Info("four")
	logger.Debug("ignored")

	assert.Equal(t, 3, lm.Len())

	logs, total := lm.GetLogsWithPagination(LogFilter{}, 1, 2)
	assert.Equal(t, 3, total)
	require.Len(t, logs, 2)
	assert.Equal(t, "four", logs[0].Message)

	logs, total = lm.GetLogsWithPagination(LogFilter{TxHash: "0x01"}, 1, 10)
	assert.Equal(t, 1, total)
	assert.Equal(t, "warning", logs[0].Level)

	logs, _ = lm.GetLogsWithPagination(LogFilter{}, 5, 10)
	assert.Empty(t, logs)
}

func TestBinding_NumericArgsExact(t *testing.T) {
	// 包导入时即生效，不依赖 NewServer
	require.True(t, binding.EnableDecoderUseNumber)

	body := `{"node":"node0","address":"0x00000000000000000000000000000000000000c3","method":"f","args":[1606938044258990275541962092341162602522202993782792835301376, 7]}`
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/invoke", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	var req invokeRequest
	require.NoError(t, c.ShouldBindJSON(&req))
	require.Len(t, req.Args, 2)
	assert.Equal(t, json.Number("1606938044258990275541962092341162602522202993782792835301376"), req.Args[0])
	assert.Equal(t, json.Number("7"), req.Args[1])
}
