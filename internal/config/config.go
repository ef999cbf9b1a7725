package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"txflow/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config 主配置
type Config struct {
	Nodes       []*NodeConfig      `mapstructure:"nodes"`
	Wallet      *WalletConfig      `mapstructure:"wallet"`
	Transaction *TransactionConfig `mapstructure:"transaction"`
	Poller      *PollerConfig      `mapstructure:"poller"`
	Compiler    *CompilerConfig    `mapstructure:"compiler"`
	Journal     *JournalConfig     `mapstructure:"journal"`
	Decoder     *DecoderConfig     `mapstructure:"decoder"`
	Output      *OutputConfig      `mapstructure:"output"`
	Logging     *logging.LogConfig `mapstructure:"logging"`
	Audit       *logging.LogConfig `mapstructure:"audit"` // 为空时不写审计日志
	API         *APIConfig         `mapstructure:"api"`
}

// 节点类型
const (
	NodeTypeBabble = "babble" // 账本节点 HTTP 接口
	NodeTypeRPC    = "rpc"    // 以太坊 JSON-RPC
	NodeTypeMemory = "memory" // 进程内账本（dry-run）
)

// NodeConfig 节点配置
type NodeConfig struct {
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"`
	Type      string `mapstructure:"type"`
	RateLimit int    `mapstructure:"rate_limit"` // 每秒请求数，0 表示不限制
	Timeout   string `mapstructure:"timeout"`
	Priority  int    `mapstructure:"priority"`
}

// WalletConfig 本地钱包配置
type WalletConfig struct {
	KeystoreDir  string `mapstructure:"keystore_dir"`
	PasswordFile string `mapstructure:"password_file"`
}

// TransactionConfig 交易构建配置
type TransactionConfig struct {
	ChainID     int64  `mapstructure:"chain_id"`
	Gas         uint64 `mapstructure:"gas"`
	GasPrice    string `mapstructure:"gas_price"`    // 十进制字符串，支持超过 2^64 的值
	DeployValue string `mapstructure:"deploy_value"` // 部署时附带的转账金额
}

// PollerConfig 回执轮询配置
type PollerConfig struct {
	InitialDelay  string  `mapstructure:"initial_delay"`
	PollInterval  string  `mapstructure:"poll_interval"`
	MaxInterval   string  `mapstructure:"max_interval"`
	BackoffFactor float64 `mapstructure:"backoff_factor"`
	MaxWait       string  `mapstructure:"max_wait"`
	CacheSize     int     `mapstructure:"cache_size"`
}

// CompilerConfig 合约编译配置
type CompilerConfig struct {
	SolcPath string `mapstructure:"solc_path"`
}

// JournalConfig 交易流水配置
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DecoderConfig 解码器配置
type DecoderConfig struct {
	UnknownEvents string `mapstructure:"unknown_events"` // report / skip
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Format    string       `mapstructure:"format"` // none / file / kafka
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoadConfig 加载配置（自动检测配置源）
func LoadConfig(configPath string) (*Config, error) {
	dbDSN := os.Getenv("TXFLOW_DB_DSN")
	if dbDSN != "" {
		logger := logrus.New()
		dbConfig, err := NewDatabaseConfig(dbDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		defer dbConfig.Close()

		config, err := dbConfig.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}

		logger.Info("已从数据库加载配置")
		return config, nil
	}

	return LoadConfigFromFile(configPath)
}

// LoadConfigFromFile 从文件加载配置，未填写的部分使用默认值
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	// 列表按元素覆盖且不会截断，文件中出现的列表整体替换默认值
	if v.IsSet("nodes") {
		config.Nodes = nil
	}
	if v.IsSet("output.kafka.brokers") && config.Output != nil && config.Output.Kafka != nil {
		config.Output.Kafka.Brokers = nil
	}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Nodes: []*NodeConfig{
			{Name: "node0", URL: "http://127.0.0.1:8080", Type: NodeTypeBabble, Timeout: "10s", Priority: 1},
			{Name: "node1", URL: "http://127.0.0.1:8081", Type: NodeTypeBabble, Timeout: "10s", Priority: 2},
			{Name: "node2", URL: "http://127.0.0.1:8082", Type: NodeTypeBabble, Timeout: "10s", Priority: 3},
		},
		Wallet: &WalletConfig{
			KeystoreDir:  "./conf/keystore",
			PasswordFile: "./conf/pwd.txt",
		},
		Transaction: &TransactionConfig{
			ChainID:     1,
			Gas:         1000000,
			GasPrice:    "0",
			DeployValue: "1111",
		},
		Poller: &PollerConfig{
			InitialDelay:  "2s",
			PollInterval:  "500ms",
			MaxInterval:   "5s",
			BackoffFactor: 1.5,
			MaxWait:       "30s",
			CacheSize:     1024,
		},
		Compiler: &CompilerConfig{
			SolcPath: "solc",
		},
		Journal: &JournalConfig{
			Enabled: true,
			Path:    "./data/journal.db",
		},
		Decoder: &DecoderConfig{
			UnknownEvents: "report",
		},
		Output: &OutputConfig{
			Format:    "none",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"receipts": "ledger_receipts",
					"events":   "ledger_events",
				},
			},
		},
		Logging: &logging.LogConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			Rotation:   false,
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 3,
			Compress:   true,
		},
		API: &APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
	}
}

// GasPriceInt 解析 gas price
func (tc *TransactionConfig) GasPriceInt() (*big.Int, error) {
	return parseBigInt("gas_price", tc.GasPrice)
}

// DeployValueInt 解析部署金额
func (tc *TransactionConfig) DeployValueInt() (*big.Int, error) {
	return parseBigInt("deploy_value", tc.DeployValue)
}

func parseBigInt(field, value string) (*big.Int, error) {
	if value == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(value, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s 不是有效的非负整数: %q", field, value)
	}
	return v, nil
}

// Durations 轮询时间参数
type Durations struct {
	InitialDelay time.Duration
	PollInterval time.Duration
	MaxInterval  time.Duration
	MaxWait      time.Duration
}

// ParseDurations 解析轮询时间参数
func (pc *PollerConfig) ParseDurations() (*Durations, error) {
	d := &Durations{}
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"initial_delay", pc.InitialDelay, &d.InitialDelay},
		{"poll_interval", pc.PollInterval, &d.PollInterval},
		{"max_interval", pc.MaxInterval, &d.MaxInterval},
		{"max_wait", pc.MaxWait, &d.MaxWait},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(f.value)
		if err != nil {
			return nil, fmt.Errorf("解析 %s 失败: %w", f.name, err)
		}
		*f.dst = parsed
	}
	return d, nil
}

// ValidateConfig 校验配置
func ValidateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("配置为空")
	}
	if len(config.Nodes) == 0 {
		return fmt.Errorf("至少需要配置一个节点")
	}

	seen := make(map[string]bool)
	for _, node := range config.Nodes {
		if err := validateNodeConfig(node); err != nil {
			return err
		}
		if seen[node.Name] {
			return fmt.Errorf("节点名称重复: %s", node.Name)
		}
		seen[node.Name] = true
	}

	if err := validateTransactionConfig(config.Transaction); err != nil {
		return err
	}
	if err := validatePollerConfig(config.Poller); err != nil {
		return err
	}
	if config.Decoder != nil {
		switch config.Decoder.UnknownEvents {
		case "", "report", "skip":
		default:
			return fmt.Errorf("不支持的未知事件策略: %s", config.Decoder.UnknownEvents)
		}
	}
	if config.Output != nil {
		switch config.Output.Format {
		case "", "none", "file":
		case "kafka":
			if config.Output.Kafka == nil || len(config.Output.Kafka.Brokers) == 0 {
				return fmt.Errorf("kafka 输出需要配置 brokers")
			}
		default:
			return fmt.Errorf("不支持的输出格式: %s", config.Output.Format)
		}
	}
	return nil
}

func validateNodeConfig(node *NodeConfig) error {
	if node == nil || node.Name == "" {
		return fmt.Errorf("节点名称不能为空")
	}
	switch node.Type {
	case NodeTypeBabble, NodeTypeRPC:
		if node.URL == "" {
			return fmt.Errorf("节点 %s 缺少 url", node.Name)
		}
	case NodeTypeMemory:
	default:
		return fmt.Errorf("节点 %s 类型不支持: %s", node.Name, node.Type)
	}
	if node.RateLimit < 0 {
		return fmt.Errorf("节点 %s rate_limit 不能为负数", node.Name)
	}
	if node.Timeout != "" {
		if _, err := time.ParseDuration(node.Timeout); err != nil {
			return fmt.Errorf("节点 %s timeout 无效: %w", node.Name, err)
		}
	}
	return nil
}

func validateTransactionConfig(tc *TransactionConfig) error {
	if tc == nil {
		return fmt.Errorf("缺少 transaction 配置")
	}
	if tc.ChainID <= 0 {
		return fmt.Errorf("chain_id 必须为正数")
	}
	if tc.Gas == 0 {
		return fmt.Errorf("gas 不能为0")
	}
	if _, err := tc.GasPriceInt(); err != nil {
		return err
	}
	if _, err := tc.DeployValueInt(); err != nil {
		return err
	}
	return nil
}

func validatePollerConfig(pc *PollerConfig) error {
	if pc == nil {
		return fmt.Errorf("缺少 poller 配置")
	}
	d, err := pc.ParseDurations()
	if err != nil {
		return err
	}
	if d.MaxWait <= 0 {
		return fmt.Errorf("max_wait 必须大于0")
	}
	if d.InitialDelay < 0 || d.PollInterval < 0 {
		return fmt.Errorf("轮询间隔不能为负数")
	}
	if pc.BackoffFactor != 0 && pc.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor 不能小于1")
	}
	return nil
}
