package config

import (
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DatabaseConfig 数据库配置管理器
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &DatabaseConfig{DB: db, logger: logger}, nil
}

// LoadConfig 从数据库加载配置，数据库中未出现的项保持默认值
func (dc *DatabaseConfig) LoadConfig() (*Config, error) {
	config := GetDefaultConfig()

	nodes, err := dc.loadNodes()
	if err != nil {
		return nil, fmt.Errorf("加载节点配置失败: %w", err)
	}
	if len(nodes) > 0 {
		config.Nodes = nodes
		dc.logger.Infof("从 ledger_nodes 加载 %d 个节点", len(nodes))
	}

	settings, err := dc.ListConfigs()
	if err != nil {
		return nil, fmt.Errorf("加载流水线配置失败: %w", err)
	}
	if err := applySettings(config, settings); err != nil {
		return nil, err
	}

	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// loadNodes 加载节点列表
func (dc *DatabaseConfig) loadNodes() ([]*NodeConfig, error) {
	query := `SELECT name, url, node_type, rate_limit, priority FROM ledger_nodes WHERE is_active = true ORDER BY priority`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeConfig
	for rows.Next() {
		var node NodeConfig
		if err := rows.Scan(&node.Name, &node.URL, &node.Type, &node.RateLimit, &node.Priority); err != nil {
			return nil, err
		}
		nodes = append(nodes, &node)
	}

	return nodes, rows.Err()
}

// applySettings 将键值配置写入配置结构
func applySettings(config *Config, settings map[string]string) error {
	for key, value := range settings {
		switch key {
		case "chain_id":
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("chain_id 无效: %w", err)
			}
			config.Transaction.ChainID = v
		case "gas":
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return fmt.Errorf("gas 无效: %w", err)
			}
			config.Transaction.Gas = v
		case "gas_price":
			config.Transaction.GasPrice = value
		case "deploy_value":
			config.Transaction.DeployValue = value
		case "poll_initial_delay":
			config.Poller.InitialDelay = value
		case "poll_max_wait":
			config.Poller.MaxWait = value
		case "unknown_events":
			config.Decoder.UnknownEvents = value
		case "keystore_dir":
			config.Wallet.KeystoreDir = value
		case "password_file":
			config.Wallet.PasswordFile = value
		}
	}
	return nil
}

// ListConfigs 列出 pipeline_config 中启用的键值
func (dc *DatabaseConfig) ListConfigs() (map[string]string, error) {
	query := `SELECT config_key, config_value FROM pipeline_config WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		configs[key] = value
	}

	return configs, rows.Err()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
