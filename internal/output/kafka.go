package output

import (
	"encoding/json"
	"time"

	"txflow/internal/errors"
	"txflow/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// 默认 topic
const (
	DefaultReceiptsTopic = "ledger_receipts"
	DefaultEventsTopic   = "ledger_events"
)

// KafkaOutput Kafka输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string // 数据类型到topic的映射
	producer sarama.SyncProducer
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v", brokers)

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, errors.New(errors.ErrOutput, err, "创建Kafka生产者失败")
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, topics, logger), nil
}

// NewKafkaOutputWithProducer 使用已有生产者创建输出器
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaOutput {
	return &KafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
	}
}

func (k *KafkaOutput) topic(kind, fallback string) string {
	if t, ok := k.topics[kind]; ok && t != "" {
		return t
	}
	return fallback
}

// message 以交易哈希为 key 构造消息，同一交易落在同一分区
func message(topic, kind, txHash string, data interface{}) (*sarama.ProducerMessage, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, errors.New(errors.ErrOutput, err, "序列化数据失败").WithTxHash(txHash)
	}
	return &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(txHash),
		Value:   sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{{Key: []byte("kind"), Value: []byte(kind)}},
	}, nil
}

// WriteReceipt 写入回执
func (k *KafkaOutput) WriteReceipt(rec *models.TransactionRecord, receipt *models.Receipt) error {
	if rec == nil {
		return nil
	}
	msg, err := message(k.topic("receipts", DefaultReceiptsTopic), "receipt", rec.TxHash, &ReceiptMessage{Record: rec, Receipt: receipt})
	if err != nil {
		return err
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return errors.New(errors.ErrOutput, err, "发送回执到Kafka失败").WithTxHash(rec.TxHash)
	}
	k.logger.Debugf("回执已发送到Kafka topic '%s' (partition: %d, offset: %d)", msg.Topic, partition, offset)
	return nil
}

// WriteEvents 同一交易的事件作为一批发送
func (k *KafkaOutput) WriteEvents(txHash string, events []*models.DecodedLogEntry) error {
	if len(events) == 0 {
		return nil
	}

	topic := k.topic("events", DefaultEventsTopic)
	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	for _, ev := range events {
		msg, err := message(topic, "event", txHash, &EventMessage{TxHash: txHash, Event: ev})
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	if err := k.producer.SendMessages(msgs); err != nil {
		return errors.New(errors.ErrOutput, err, "发送事件到Kafka失败").
			WithTxHash(txHash).
			WithContext("events", len(msgs))
	}
	k.logger.Debugf("已发送 %d 条事件到Kafka topic '%s'", len(msgs), topic)
	return nil
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
