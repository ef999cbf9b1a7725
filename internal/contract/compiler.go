package contract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"txflow/internal/errors"
	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Compiler 合约编译器
type Compiler interface {
	Compile(ctx context.Context, source, name string) (*models.Contract, error)
}

// combinedJSON solc --combined-json 输出
type combinedJSON struct {
	Contracts map[string]struct {
		ABI json.RawMessage `json:"abi"`
		Bin string          `json:"bin"`
	} `json:"contracts"`
	Version string `json:"version"`
}

// SolcCompiler 调用外部 solc 编译
type SolcCompiler struct {
	path   string
	logger *logrus.Logger
}

// NewSolcCompiler 创建 solc 编译器
func NewSolcCompiler(path string, logger *logrus.Logger) *SolcCompiler {
	if path == "" {
		path = "solc"
	}
	return &SolcCompiler{path: path, logger: logger}
}

// Compile 编译源文件并提取指定合约
func (c *SolcCompiler) Compile(ctx context.Context, source, name string) (*models.Contract, error) {
	cmd := exec.CommandContext(ctx, c.path, "--combined-json", "abi,bin", source)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debugf("编译合约: %s %s", c.path, source)
	if err := cmd.Run(); err != nil {
		return nil, errors.New(errors.ErrCompile, err, fmt.Sprintf("solc 编译 %s 失败: %s", source, strings.TrimSpace(stderr.String())))
	}

	return ParseCombinedJSON(stdout.Bytes(), name)
}

// ArtifactCompiler 读取预先生成的 combined-json 产物
type ArtifactCompiler struct {
	logger *logrus.Logger
}

// NewArtifactCompiler 创建产物加载器
func NewArtifactCompiler(logger *logrus.Logger) *ArtifactCompiler {
	return &ArtifactCompiler{logger: logger}
}

// Compile 加载产物文件中的指定合约
func (c *ArtifactCompiler) Compile(ctx context.Context, source, name string) (*models.Contract, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, errors.New(errors.ErrCompile, err, fmt.Sprintf("读取合约产物 %s 失败", source))
	}
	c.logger.Debugf("加载合约产物: %s", source)
	return ParseCombinedJSON(data, name)
}

// ForSource 根据文件扩展名选择编译器
func ForSource(source, solcPath string, logger *logrus.Logger) Compiler {
	if strings.HasSuffix(source, ".json") {
		return NewArtifactCompiler(logger)
	}
	return NewSolcCompiler(solcPath, logger)
}

// ParseCombinedJSON 解析 combined-json 并按名称查找合约
func ParseCombinedJSON(data []byte, name string) (*models.Contract, error) {
	var out combinedJSON
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.New(errors.ErrCompile, err, "解析编译输出失败")
	}

	for key, entry := range out.Contracts {
		if key != name && !strings.HasSuffix(key, ":"+name) {
			continue
		}

		abiJSON, err := abiString(entry.ABI)
		if err != nil {
			return nil, errors.New(errors.ErrCompile, err, fmt.Sprintf("合约 %s ABI 格式无效", name))
		}
		parsed, err := abi.JSON(strings.NewReader(abiJSON))
		if err != nil {
			return nil, errors.New(errors.ErrCompile, err, fmt.Sprintf("解析合约 %s ABI 失败", name))
		}

		bytecode := common.FromHex(strings.TrimSpace(entry.Bin))
		if len(bytecode) == 0 {
			return nil, errors.Newf(errors.ErrCompile, "合约 %s 字节码为空", name)
		}

		return &models.Contract{
			Name:     name,
			Bytecode: bytecode,
			ABI:      parsed,
			ABIJSON:  abiJSON,
		}, nil
	}

	available := make([]string, 0, len(out.Contracts))
	for key := range out.Contracts {
		available = append(available, key)
	}
	sort.Strings(available)
	return nil, errors.Newf(errors.ErrCompile, "编译输出中未找到合约 %s（可用: %s）", name, strings.Join(available, ", "))
}

// abiString 兼容旧版 solc 以字符串形式输出的 ABI
func abiString(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("ABI 为空")
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return string(trimmed), nil
}

// Load 从已知 ABI 与地址构造合约句柄
func Load(name, abiJSON string, address common.Address) (*models.Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, errors.New(errors.ErrCompile, err, fmt.Sprintf("解析合约 %s ABI 失败", name))
	}
	return &models.Contract{
		Name:    name,
		ABI:     parsed,
		ABIJSON: abiJSON,
		Address: &address,
	}, nil
}
