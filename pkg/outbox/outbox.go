// Package outbox 实现事务性发件箱：事件记录与领域变更在同一本地事务写入，
// 由独立轮询器异步投递到消息总线，保证至少一次且不丢事件。
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wyfcoding/ordersettlement/pkg/db"
)

// Record 发件箱记录
type Record struct {
	ID uint `gorm:"primaryKey" json:"id"`
	// 事件 ID，随 payload 一起投递，消费端用于幂等去重
	EventID string `gorm:"column:event_id;type:varchar(36);uniqueIndex;not null" json:"event_id"`
	// 聚合 ID（订单 ID 等），同时作为分区键保证每聚合有序
	AggregateID   string     `gorm:"column:aggregate_id;type:varchar(64);index;not null" json:"aggregate_id"`
	AggregateType string     `gorm:"column:aggregate_type;type:varchar(64);not null" json:"aggregate_type"`
	EventType     string     `gorm:"column:event_type;type:varchar(100);index;not null" json:"event_type"`
	Topic         string     `gorm:"column:topic;type:varchar(255);not null" json:"topic"`
	PartitionKey  string     `gorm:"column:partition_key;type:varchar(255)" json:"partition_key"`
	Payload       string     `gorm:"column:payload;type:text;not null" json:"payload"`
	Processed     bool       `gorm:"column:processed;index;not null;default:false" json:"processed"`
	ProcessedAt   *time.Time `gorm:"column:processed_at" json:"processed_at"`
	RetryCount    int        `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	ErrorMessage  string     `gorm:"column:error_message;type:varchar(1000)" json:"error_message"`
	CreatedAt     time.Time  `gorm:"column:created_at;index;not null" json:"created_at"`
}

// TableName 表名
func (Record) TableName() string {
	return "outbox_records"
}

// MarkProcessed 标记为已发布
func (r *Record) MarkProcessed() {
	now := time.Now()
	r.Processed = true
	r.ProcessedAt = &now
}

// MarkFailed 记录一次发布失败
func (r *Record) MarkFailed(errMsg string) {
	r.RetryCount++
	if len(errMsg) > 1000 {
		errMsg = errMsg[:1000]
	}
	r.ErrorMessage = errMsg
}

// New 创建发件箱记录，payload 序列化为 JSON
func New(aggregateType, aggregateID, eventType, topic, partitionKey string, payload interface{}) (*Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	return &Record{
		EventID:       uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Topic:         topic,
		PartitionKey:  partitionKey,
		Payload:       string(data),
		CreatedAt:     time.Now(),
	}, nil
}

// Append 在当前事务内追加发件箱记录。
// 必须在 db.WithTx 包裹的事务上下文中调用，保证与领域变更原子提交。
func Append(ctx context.Context, gdb *gorm.DB, record *Record) error {
	return db.FromContext(ctx, gdb).WithContext(ctx).Create(record).Error
}
