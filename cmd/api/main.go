package main

import (
	"context"
	"flag"
	"os"

	"txflow/internal/api"
	"txflow/internal/config"
	"txflow/internal/logging"
	"txflow/internal/pipeline"
	"txflow/internal/shutdown"

	"github.com/sirupsen/logrus"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	port       = flag.Int("port", 0, "API 服务端口，0 表示使用配置文件")
	verbose    = flag.Bool("verbose", false, "详细输出")
	dryRun     = flag.Bool("dry-run", false, "试运行模式，使用进程内账本")
	artifact   = flag.String("artifact", "configs/contracts/product.json", "试运行时注册 buy() 模拟的 Product 产物")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}

	logger, err := logging.NewLogrusLogger(cfg.Logging)
	if err != nil {
		logrus.Fatalf("创建日志器失败: %v", err)
	}
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	if *port > 0 {
		cfg.API.Port = *port
	}

	session, dr, err := pipeline.Open(cfg, logger, *dryRun)
	if err != nil {
		logger.Fatalf("创建会话失败: %v", err)
	}
	if dr != nil {
		installProduct(session, dr, logger)
	}

	server := api.NewServer(session, cfg.API, logger)

	gs := shutdown.NewGracefulShutdown(0, logger)
	gs.Register("api", shutdown.OrderStopAPI, server.Stop)
	session.RegisterShutdown(gs)
	gs.Start()

	// 后台节点健康检查，停机时退出
	session.Nodes().StartHealthCheck(gs.Context(), 0)

	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("启动服务器失败: %v", err)
			gs.Shutdown()
		}
	}()

	<-gs.Done()
	logger.Info("服务器已关闭")
}

func loadConfig() (*config.Config, error) {
	if *dryRun {
		if _, err := os.Stat(*configPath); os.IsNotExist(err) {
			return config.GetDefaultConfig(), nil
		}
	}
	return config.LoadConfig(*configPath)
}

// installProduct 试运行时注册 Product.buy() 的模拟执行
func installProduct(session *pipeline.Session, dr *pipeline.DryRun, logger *logrus.Logger) {
	c, err := session.Compile(context.Background(), *artifact, "Product")
	if err != nil {
		logger.Warnf("加载 Product 产物失败，buy() 不可用: %v", err)
		return
	}
	if err := dr.InstallProduct(c); err != nil {
		logger.Warnf("注册 buy() 模拟失败: %v", err)
	}
}
