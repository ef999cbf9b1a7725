package decoder

import (
	"fmt"
	"sync/atomic"

	"txflow/internal/errors"
	"txflow/pkg/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// UnknownEventPolicy 未知事件签名的处理策略
type UnknownEventPolicy string

const (
	// PolicyReport 以 Event="unknown" 的条目保留
	PolicyReport UnknownEventPolicy = "report"
	// PolicySkip 丢弃并计数
	PolicySkip UnknownEventPolicy = "skip"
)

// UnknownEvent 未知事件的名称
const UnknownEvent = "unknown"

// ParsePolicy 解析策略，空字符串使用 report
func ParsePolicy(s string) (UnknownEventPolicy, error) {
	switch UnknownEventPolicy(s) {
	case "", PolicyReport:
		return PolicyReport, nil
	case PolicySkip:
		return PolicySkip, nil
	default:
		return "", errors.Newf(errors.ErrConfigInvalid, "未知事件策略无效: %q", s)
	}
}

// LogDecoder 按合约 ABI 解码回执中的事件日志
type LogDecoder struct {
	abi     abi.ABI
	policy  UnknownEventPolicy
	logger  *logrus.Logger
	skipped atomic.Int64
}

// NewLogDecoder 创建事件解码器
func NewLogDecoder(contractABI abi.ABI, policy UnknownEventPolicy, logger *logrus.Logger) *LogDecoder {
	if policy == "" {
		policy = PolicyReport
	}
	return &LogDecoder{
		abi:    contractABI,
		policy: policy,
		logger: logger,
	}
}

// Decode 按日志原有顺序解码
func (d *LogDecoder) Decode(logs []*models.RawLog) ([]*models.DecodedLogEntry, error) {
	entries := make([]*models.DecodedLogEntry, 0, len(logs))

	for _, l := range logs {
		if l == nil {
			continue
		}

		var event *abi.Event
		if len(l.Topics) > 0 {
			event, _ = d.abi.EventByID(l.Topics[0])
		}

		if event == nil {
			if d.policy == PolicySkip {
				d.skipped.Add(1)
				d.logger.WithFields(logrus.Fields{
					"address":   l.Address.Hex(),
					"log_index": l.Index,
				}).Debug("跳过未知事件")
				continue
			}
			entries = append(entries, &models.DecodedLogEntry{
				Event:   UnknownEvent,
				Known:   false,
				Address: l.Address,
				Topics:  l.Topics,
				Index:   l.Index,
			})
			continue
		}

		args, err := unpackEvent(event, l)
		if err != nil {
			return nil, errors.New(errors.ErrDecode, err, fmt.Sprintf("解码事件 %s 失败", event.Name)).
				WithContext("log_index", l.Index)
		}

		entries = append(entries, &models.DecodedLogEntry{
			Event:   event.Name,
			Known:   true,
			Args:    args,
			Address: l.Address,
			Topics:  l.Topics,
			Index:   l.Index,
		})
	}

	if skipped := d.skipped.Load(); skipped > 0 {
		d.logger.Debugf("累计跳过未知事件 %d 条", skipped)
	}

	return entries, nil
}

// Skipped 返回按 skip 策略丢弃的事件数量
func (d *LogDecoder) Skipped() int64 {
	return d.skipped.Load()
}

// Policy 返回当前策略
func (d *LogDecoder) Policy() UnknownEventPolicy {
	return d.policy
}

func unpackEvent(event *abi.Event, l *models.RawLog) (map[string]interface{}, error) {
	args := make(map[string]interface{})

	if len(l.Data) > 0 {
		if err := event.Inputs.NonIndexed().UnpackIntoMap(args, l.Data); err != nil {
			return nil, fmt.Errorf("解码非索引参数失败: %w", err)
		}
	}

	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(indexed) == 0 {
		return args, nil
	}

	topics := l.Topics
	if !event.Anonymous {
		topics = topics[1:]
	}
	if len(topics) < len(indexed) {
		return nil, fmt.Errorf("索引参数数量不足: 需要 %d，实际 %d", len(indexed), len(topics))
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, topics[:len(indexed)]); err != nil {
		return nil, fmt.Errorf("解码索引参数失败: %w", err)
	}

	return args, nil
}

// EventTopic 返回事件签名对应的 topic
func EventTopic(contractABI abi.ABI, name string) (common.Hash, bool) {
	event, ok := contractABI.Events[name]
	if !ok {
		return common.Hash{}, false
	}
	return event.ID, true
}
