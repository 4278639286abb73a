// Package mq 提供 Kafka producer/consumer 通用实现，支持按 key 分区、重试与消费循环
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wyfcoding/ordersettlement/pkg/logger"
)

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers        []string
	GroupID        string
	SessionTimeout int
	MaxRetries     int
	RetryBackoff   int
}

// Producer 消息发布接口，Outbox 轮询器依赖该抽象
type Producer interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// KafkaProducer Kafka 生产者
type KafkaProducer struct {
	writer *kafka.Writer
	config KafkaConfig
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll, // 等待所有副本确认
		MaxAttempts:            cfg.MaxRetries,
		WriteBackoffMin:        time.Duration(cfg.RetryBackoff) * time.Millisecond,
		WriteBackoffMax:        time.Duration(cfg.RetryBackoff*10) * time.Millisecond,
	}

	logger.Info(context.Background(), "Kafka producer created successfully", "brokers", cfg.Brokers)
	return &KafkaProducer{writer: writer, config: cfg}, nil
}

// Publish 发布原始消息。key 作为分区键，保证同一聚合的事件有序
func (kp *KafkaProducer) Publish(ctx context.Context, topic, key string, payload []byte) error {
	err := kp.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
	if err != nil {
		logger.Error(ctx, "Failed to send Kafka message", "topic", topic, "key", key, "error", err)
		return err
	}
	logger.Debug(ctx, "Kafka message sent", "topic", topic, "key", key)
	return nil
}

// PublishJSON 序列化 value 后发布
func (kp *KafkaProducer) PublishJSON(ctx context.Context, topic, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return kp.Publish(ctx, topic, key, data)
}

// Close 关闭生产者
func (kp *KafkaProducer) Close() error {
	return kp.writer.Close()
}

// Message Kafka 消息结构
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Time      time.Time
}

// Handler 消息处理函数。返回 nil 表示已处理（畸形消息记录后丢弃也算处理），
// 返回错误表示瞬时失败：位点不前进，同一条消息会被重试
type Handler func(ctx context.Context, msg *Message) error

// KafkaConsumer Kafka 消费者
type KafkaConsumer struct {
	reader *kafka.Reader
	config KafkaConfig
}

// NewConsumer 创建指定 topic 的 Kafka 消费者
func NewConsumer(cfg KafkaConfig, topic string) (*KafkaConsumer, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: time.Duration(cfg.SessionTimeout) * time.Second,
		StartOffset:    kafka.FirstOffset,
		MaxBytes:       10e6, // 10MB
	})

	logger.Info(context.Background(), "Kafka consumer created successfully",
		"brokers", cfg.Brokers, "topic", topic, "group_id", cfg.GroupID)
	return &KafkaConsumer{reader: reader, config: cfg}, nil
}

// handleBackoffMax 同一条消息重试间隔的上限
const handleBackoffMax = 30 * time.Second

// Run 持续消费并分发给 handler，直到 ctx 取消。
// 位点只在 handler 成功返回后提交：畸形消息由 handler 记录日志后返回 nil 照常前进，
// 瞬时失败（数据库不可用等）按指数退避重试同一条消息，不丢事件。
func (kc *KafkaConsumer) Run(ctx context.Context, handler Handler) error {
	minBackoff := time.Duration(kc.config.RetryBackoff) * time.Millisecond
	if minBackoff <= 0 {
		minBackoff = 100 * time.Millisecond
	}

	for {
		raw, err := kc.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			logger.Error(ctx, "Failed to fetch Kafka message", "error", err)
			continue
		}
		msg := &Message{
			Topic:     raw.Topic,
			Partition: raw.Partition,
			Offset:    raw.Offset,
			Key:       string(raw.Key),
			Value:     raw.Value,
			Time:      raw.Time,
		}
		if err := handleWithRetry(ctx, handler, msg, minBackoff, handleBackoffMax); err != nil {
			return nil
		}
		if err := kc.reader.CommitMessages(ctx, raw); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Error(ctx, "Failed to commit Kafka offset",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

// handleWithRetry 调用 handler，失败按指数退避重试同一条消息，直到成功或 ctx 取消
func handleWithRetry(ctx context.Context, handler Handler, msg *Message, minBackoff, maxBackoff time.Duration) error {
	backoff := minBackoff
	for attempt := 1; ; attempt++ {
		err := handler(ctx, msg)
		if err == nil {
			return nil
		}
		logger.Error(ctx, "Message handler failed, retrying without committing offset",
			"topic", msg.Topic, "key", msg.Key, "offset", msg.Offset,
			"attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Close 关闭消费者
func (kc *KafkaConsumer) Close() error {
	return kc.reader.Close()
}
