package api

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"txflow/internal/config"
	"txflow/internal/contract"
	"txflow/internal/errors"
	"txflow/internal/pipeline"
	"txflow/internal/validation"
	"txflow/pkg/models"
)

// RequestIDHeader 请求 ID 响应头
const RequestIDHeader = "X-Request-ID"

func init() {
	// 合约参数中的数字按 json.Number 解析，大整数不经 float64
	binding.EnableDecoderUseNumber = true
}

// Server API服务器
type Server struct {
	session    *pipeline.Session
	config     *config.APIConfig
	logger     *logrus.Logger
	logManager *LogManager
	server     *http.Server
	started    time.Time

	mu        sync.RWMutex
	contracts map[common.Address]*models.Contract // 经由本服务部署的合约
}

// NewServer 创建新的API服务器
func NewServer(session *pipeline.Session, cfg *config.APIConfig, logger *logrus.Logger) *Server {
	if cfg == nil {
		cfg = config.GetDefaultConfig().API
	}

	// 最多保存1000条日志
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	return &Server{
		session:    session,
		config:     cfg,
		logger:     logger,
		logManager: logManager,
		started:    time.Now(),
		contracts:  make(map[common.Address]*models.Contract),
	}
}

// Handler 构建路由
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(requestID())
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
	router.Use(s.accessLog())
	router.Use(gin.Recovery())

	s.setupRoutes(router)
	return router
}

// Start 启动API服务器，Stop 之后返回 nil
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("API服务器启动在 %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止API服务器，等待进行中的请求完成
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)

	api := router.Group("/api/v1")
	{
		// 账户与节点
		api.GET("/accounts", s.getAccounts)
		api.GET("/nodes", s.getNodes)

		// 交易
		api.POST("/transfer", s.transfer)
		api.POST("/transfer-raw", s.transferRaw)
		api.POST("/deploy", s.deploy)
		api.POST("/invoke", s.invoke)
		api.GET("/receipt/:hash", s.getReceipt)

		// 流水与统计
		api.GET("/history", s.getHistory)
		api.GET("/stats", s.getStats)

		// 日志管理
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)
	}
}

// requestID 为每个请求分配 ID
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
		}).Debug("HTTP请求")
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "txflow-api",
	})
}

// getAccounts 刷新并返回各节点账户
func (s *Server) getAccounts(c *gin.Context) {
	accounts, err := s.session.Accounts(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": accounts})
}

// getNodes 获取节点状态
func (s *Server) getNodes(c *gin.Context) {
	nodes := s.session.Nodes()
	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes.GetStats(),
		"order": nodes.Names(),
		"total": nodes.Len(),
	})
}

type transferRequest struct {
	FromNode string `json:"from_node" binding:"required"`
	ToNode   string `json:"to_node" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
}

// transfer 节点签名转账
func (s *Server) transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := validation.ParseAmount(req.Amount)
	if err != nil {
		s.respondError(c, err)
		return
	}

	outcome, err := s.session.Transfer(c.Request.Context(), req.FromNode, req.ToNode, amount)
	if err != nil {
		s.respondOutcomeError(c, outcome, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

type transferRawRequest struct {
	ViaNode string `json:"via_node" binding:"required"`
	From    string `json:"from" binding:"required"`
	To      string `json:"to" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// transferRaw 本地签名转账
func (s *Server) transferRaw(c *gin.Context) {
	var req transferRawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !common.IsHexAddress(req.From) || !common.IsHexAddress(req.To) {
		s.respondError(c, errors.Newf(errors.ErrInvalidDescriptor, "地址格式无效"))
		return
	}
	amount, err := validation.ParseAmount(req.Amount)
	if err != nil {
		s.respondError(c, err)
		return
	}

	outcome, err := s.session.TransferRaw(c.Request.Context(), req.ViaNode,
		common.HexToAddress(req.From), common.HexToAddress(req.To), amount)
	if err != nil {
		s.respondOutcomeError(c, outcome, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

type deployRequest struct {
	Node     string        `json:"node" binding:"required"`
	Source   string        `json:"source" binding:"required"`
	Contract string        `json:"contract" binding:"required"`
	Args     []interface{} `json:"args"`
	Value    string        `json:"value"`
}

// deploy 编译并部署合约
func (s *Server) deploy(c *gin.Context) {
	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	value, err := optionalAmount(req.Value)
	if err != nil {
		s.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	compiled, err := s.session.Compile(ctx, req.Source, req.Contract)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if req.Args == nil {
		req.Args = []interface{}{}
	}

	res, err := s.session.Deploy(ctx, req.Node, compiled, req.Args, value)
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.mu.Lock()
	s.contracts[*res.Contract.Address] = res.Contract
	s.mu.Unlock()

	c.JSON(http.StatusOK, res)
}

type invokeRequest struct {
	Node    string        `json:"node" binding:"required"`
	Address string        `json:"address" binding:"required"`
	Method  string        `json:"method" binding:"required"`
	Args    []interface{} `json:"args"`
	Value   string        `json:"value"`
	ABI     string        `json:"abi"` // 非本服务部署的合约需提供
}

// invoke 调用合约方法
func (s *Server) invoke(c *gin.Context) {
	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !common.IsHexAddress(req.Address) {
		s.respondError(c, errors.Newf(errors.ErrInvalidDescriptor, "合约地址格式无效: %s", req.Address))
		return
	}
	value, err := optionalAmount(req.Value)
	if err != nil {
		s.respondError(c, err)
		return
	}

	target, err := s.resolveContract(common.HexToAddress(req.Address), req.ABI)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if req.Args == nil {
		req.Args = []interface{}{}
	}

	res, err := s.session.Invoke(c.Request.Context(), req.Node, target, req.Method, req.Args, value)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) resolveContract(addr common.Address, abiJSON string) (*models.Contract, error) {
	if abiJSON != "" {
		return contract.Load("", abiJSON, addr)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if known, ok := s.contracts[addr]; ok {
		return known, nil
	}
	return nil, errors.Newf(errors.ErrInvalidDescriptor, "未知合约 %s，请提供 abi", addr.Hex())
}

// getReceipt 查询回执，wait=true 时轮询直到确认或超时
func (s *Server) getReceipt(c *gin.Context) {
	hash := c.Param("hash")
	if len(common.FromHex(hash)) != common.HashLength {
		s.respondError(c, errors.Newf(errors.ErrInvalidDescriptor, "交易哈希格式无效: %s", hash))
		return
	}
	nodeName := c.Query("node")
	if nodeName == "" {
		names := s.session.Nodes().Names()
		nodeName = names[0]
	}

	ctx := c.Request.Context()
	txHash := common.HexToHash(hash)
	if c.Query("wait") == "true" {
		receipt, err := s.session.WaitReceipt(ctx, nodeName, txHash)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": models.ReceiptStatusString(receipt), "receipt": receipt})
		return
	}

	receipt, found, err := s.session.LookupReceipt(ctx, nodeName, txHash)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"status": models.StatusUnknown, "tx_hash": txHash.Hex()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.ReceiptStatusString(receipt), "receipt": receipt})
}

// getHistory 查询交易流水
func (s *Server) getHistory(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.session.History(limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": records, "total": len(records)})
}

// getStats 获取统计信息
func (s *Server) getStats(c *gin.Context) {
	stats := s.session.Stats()
	stats["uptime"] = time.Since(s.started).String()
	c.JSON(http.StatusOK, stats)
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	filter := LogFilter{Level: c.Query("level"), TxHash: c.Query("tx_hash")}

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 {
		pageSize = ps
	}

	logs, total := s.logManager.GetLogsWithPagination(filter, page, pageSize)

	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    filter.Level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}

func optionalAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	return validation.ParseAmount(s)
}

// respondOutcomeError 回执超时时返回已提交的哈希
func (s *Server) respondOutcomeError(c *gin.Context, outcome *pipeline.Outcome, err error) {
	if outcome != nil && errors.Is(err, errors.ErrReceiptTimeout) {
		c.JSON(http.StatusAccepted, gin.H{
			"tx_hash": outcome.TxHash.Hex(),
			"status":  models.StatusUnknown,
			"error":   err.Error(),
		})
		return
	}
	s.respondError(c, err)
}

// respondError 按错误类型映射 HTTP 状态码
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}

	if txErr, ok := errors.As(err); ok {
		body["type"] = txErr.Type.String()
		body["code"] = txErr.Code
		if txErr.TxHash != nil {
			body["tx_hash"] = *txErr.TxHash
		}

		switch txErr.Type {
		case errors.ErrorTypeInvalidDescriptor, errors.ErrorTypeSigning, errors.ErrorTypeKeystore,
			errors.ErrorTypeCompile, errors.ErrorTypeConfig:
			status = http.StatusBadRequest
		case errors.ErrorTypeDeploymentFailed:
			status = http.StatusUnprocessableEntity
		case errors.ErrorTypeReceiptTimeout:
			status = http.StatusGatewayTimeout
		case errors.ErrorTypeSubmission, errors.ErrorTypeNetwork, errors.ErrorTypeRateLimit:
			status = http.StatusBadGateway
		}
	}

	c.JSON(status, body)
}
