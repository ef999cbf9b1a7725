package validation

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"

	"txflow/internal/errors"
	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

// Validator 交易数据验证器
type Validator struct {
	logger     *logrus.Logger
	strictMode bool // 严格模式下告警也视为失败
	mu         sync.RWMutex
	rules      map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []*errors.TxError `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
	DataType string            `json:"data_type"`
}

// Err 合并为单个 InvalidDescriptor 错误，验证通过时返回 nil
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors)+len(r.Warnings))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	msgs = append(msgs, r.Warnings...)
	return errors.Newf(errors.ErrInvalidDescriptor, "%s 验证失败: %s", r.DataType, strings.Join(msgs, "; "))
}

// DescriptorCheck 待验证的交易描述及其意图
type DescriptorCheck struct {
	Descriptor *models.TransactionDescriptor
	Creation   bool
}

// NewValidator 创建数据验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:     logger,
		strictMode: strictMode,
		rules:      make(map[string]ValidationRule),
	}

	v.AddRule(NewDescriptorValidationRule())
	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewHashValidationRule())

	return v
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// ValidateDescriptor 验证交易描述
func (v *Validator) ValidateDescriptor(desc *models.TransactionDescriptor, creation bool) *ValidationResult {
	result := &ValidationResult{
		Valid:    true,
		DataType: "descriptor",
		Errors:   make([]*errors.TxError, 0),
		Warnings: make([]string, 0),
	}

	if desc == nil {
		result.Valid = false
		result.Errors = append(result.Errors, errors.Newf(errors.ErrInvalidDescriptor, "交易描述为空"))
		return result
	}

	v.mu.RLock()
	rule, exists := v.rules["descriptor"]
	v.mu.RUnlock()
	if exists {
		if err := rule.Validate(&DescriptorCheck{Descriptor: desc, Creation: creation}); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, toTxError(err))
		}
	}

	// 告警项：不影响默认模式下的结果
	if desc.Gas == 0 {
		result.Warnings = append(result.Warnings, "gas 为0，交易可能无法执行")
	}
	if creation && desc.Value != nil && desc.Value.Sign() > 0 {
		v.logger.Debugf("合约创建附带转账金额: %s", desc.Value.String())
	}

	if v.strictMode && len(result.Warnings) > 0 {
		result.Valid = false
	}

	return result
}

// ValidateAddress 验证十六进制地址字符串
func (v *Validator) ValidateAddress(addr string) error {
	return v.run("address", addr)
}

// ValidateHash 验证交易哈希字符串
func (v *Validator) ValidateHash(hash string) error {
	return v.run("hash", hash)
}

func (v *Validator) run(name string, data interface{}) error {
	v.mu.RLock()
	rule, exists := v.rules[name]
	v.mu.RUnlock()
	if !exists {
		return nil
	}
	return rule.Validate(data)
}

func toTxError(err error) *errors.TxError {
	if txErr, ok := errors.As(err); ok {
		return txErr
	}
	return errors.New(errors.ErrInvalidDescriptor, err, "")
}

var hashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// isValidHash 验证哈希格式
func isValidHash(hash string) bool {
	return hashPattern.MatchString(hash)
}

// isValidAddress 验证地址格式
func isValidAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return false
	}
	return common.IsHexAddress(addr)
}

// CheckUint256 检查数值在 [0, 2^256-1] 范围内
func CheckUint256(field string, value *big.Int) error {
	if value == nil {
		return nil
	}
	if value.Sign() < 0 {
		return errors.Newf(errors.ErrInvalidDescriptor, "%s 不能为负数: %s", field, value.String())
	}
	if _, overflow := uint256.FromBig(value); overflow {
		return errors.Newf(errors.ErrInvalidDescriptor, "%s 超过 2^256-1", field)
	}
	return nil
}

// ParseAmount 解析十进制或 0x 前缀的十六进制金额
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.Newf(errors.ErrInvalidDescriptor, "金额为空")
	}
	if strings.HasPrefix(s, "-") {
		return nil, errors.Newf(errors.ErrInvalidDescriptor, "金额不能为负数: %s", s)
	}

	var (
		v   *uint256.Int
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = uint256.FromHex(s)
	} else {
		v, err = uint256.FromDecimal(s)
	}
	if err != nil {
		return nil, errors.New(errors.ErrInvalidDescriptor, err, fmt.Sprintf("金额无效: %s", s))
	}
	return v.ToBig(), nil
}

// DescriptorValidationRule 交易描述验证规则
type DescriptorValidationRule struct{}

func NewDescriptorValidationRule() *DescriptorValidationRule {
	return &DescriptorValidationRule{}
}

func (r *DescriptorValidationRule) Name() string {
	return "descriptor"
}

func (r *DescriptorValidationRule) Description() string {
	return "交易描述验证规则"
}

func (r *DescriptorValidationRule) Validate(data interface{}) error {
	check, ok := data.(*DescriptorCheck)
	if !ok || check.Descriptor == nil {
		return fmt.Errorf("数据类型不是交易描述")
	}
	desc := check.Descriptor

	if desc.Value == nil {
		return errors.Newf(errors.ErrInvalidDescriptor, "value 不能为空")
	}
	if err := CheckUint256("value", desc.Value); err != nil {
		return err
	}
	if err := CheckUint256("gas_price", desc.GasPrice); err != nil {
		return err
	}
	if err := CheckUint256("chain_id", desc.ChainID); err != nil {
		return err
	}

	if check.Creation {
		if desc.To != nil {
			return errors.Newf(errors.ErrInvalidDescriptor, "合约创建交易不能指定接收方")
		}
		if len(desc.Data) == 0 {
			return errors.Newf(errors.ErrInvalidDescriptor, "合约创建交易缺少字节码")
		}
		return nil
	}

	if desc.To == nil && len(desc.Data) == 0 {
		return errors.Newf(errors.ErrInvalidDescriptor, "非创建交易必须指定接收方或调用数据")
	}
	if desc.To == nil {
		return errors.Newf(errors.ErrInvalidDescriptor, "非创建交易缺少接收方")
	}

	return nil
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "以太坊地址验证规则"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !isValidAddress(addr) {
		return errors.Newf(errors.ErrInvalidDescriptor, "地址格式无效: %s", addr)
	}

	return nil
}

// HashValidationRule 哈希验证规则
type HashValidationRule struct{}

func NewHashValidationRule() *HashValidationRule {
	return &HashValidationRule{}
}

func (r *HashValidationRule) Name() string {
	return "hash"
}

func (r *HashValidationRule) Description() string {
	return "交易哈希验证规则"
}

func (r *HashValidationRule) Validate(data interface{}) error {
	hash, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if !isValidHash(hash) {
		return errors.Newf(errors.ErrInvalidDescriptor, "哈希格式无效: %s", hash)
	}

	return nil
}

// SetStrictMode 设置严格模式
func (v *Validator) SetStrictMode(strict bool) {
	v.strictMode = strict
	v.logger.Infof("验证器严格模式设置为: %t", strict)
}
