package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"txflow/internal/config"
	"txflow/internal/logging"
	"txflow/internal/pipeline"
	"txflow/internal/shutdown"
)

var (
	configFile string
	verbose    bool
	dryRun     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "txflow",
		Short:         "账本节点交易编排工具",
		Long:          `查询节点账户、提交转账、部署与调用合约，并等待回执确认`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "试运行模式，使用进程内账本")

	rootCmd.AddCommand(
		newAccountsCmd(),
		newTransferCmd(),
		newTransferRawCmd(),
		newDeployCmd(),
		newInvokeCmd(),
		newReceiptCmd(),
		newHistoryCmd(),
		newDemoCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// cliEnv 一次命令执行所需的会话与停机管理
type cliEnv struct {
	cfg      *config.Config
	logger   *logrus.Logger
	session  *pipeline.Session
	dryRun   *pipeline.DryRun
	shutdown *shutdown.GracefulShutdown
}

func loadConfig() (*config.Config, error) {
	if dryRun {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			return config.GetDefaultConfig(), nil
		}
	}
	return config.LoadConfig(configFile)
}

func setup() (*cliEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := logging.NewLogrusLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("创建日志器失败: %w", err)
	}
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	session, dr, err := pipeline.Open(cfg, logger, dryRun)
	if err != nil {
		return nil, fmt.Errorf("创建会话失败: %w", err)
	}

	gs := shutdown.NewGracefulShutdown(0, logger)
	session.RegisterShutdown(gs)
	gs.Start()

	return &cliEnv{cfg: cfg, logger: logger, session: session, dryRun: dr, shutdown: gs}, nil
}

// Context 收到中断信号时取消
func (r *cliEnv) Context() context.Context {
	return r.shutdown.Context()
}

func (r *cliEnv) Close() {
	for _, err := range r.shutdown.Shutdown() {
		r.logger.Warnf("停机时出错: %v", err)
	}
}

// withRuntime 包装命令，保证会话在命令结束后关闭
func withRuntime(fn func(cmd *cobra.Command, args []string, rt *cliEnv) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := setup()
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(cmd, args, rt)
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
