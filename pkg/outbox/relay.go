package outbox

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/ordersettlement/pkg/cache"
	"github.com/wyfcoding/ordersettlement/pkg/logger"
	"github.com/wyfcoding/ordersettlement/pkg/metrics"
	"github.com/wyfcoding/ordersettlement/pkg/mq"
)

// RelayConfig 轮询器配置
type RelayConfig struct {
	// 轮询间隔
	PollInterval time.Duration
	// 每轮批大小
	BatchSize int
	// 重试上限，达到后记录成为死信候选，不再参与轮询
	MaxRetries int
	// 已发布记录保留时长，超过后清理
	Retention time.Duration
}

// Relay 发件箱轮询器。
// 跨实例通过租约保证同一时刻至多一个实例在轮询，避免重复发布。
type Relay struct {
	db       *gorm.DB
	producer mq.Producer
	lease    cache.LeaseHolder
	cfg      RelayConfig
	metrics  *metrics.Metrics
}

// NewRelay 创建轮询器。lease 和 m 允许为 nil（单实例部署/无指标场景）
func NewRelay(gdb *gorm.DB, producer mq.Producer, lease cache.LeaseHolder, cfg RelayConfig, m *metrics.Metrics) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Relay{db: gdb, producer: producer, lease: lease, cfg: cfg, metrics: m}
}

// Run 启动轮询循环，直到 ctx 取消
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(time.Hour)
	defer cleanupTicker.Stop()

	logger.Info(ctx, "Outbox relay started",
		"poll_interval", r.cfg.PollInterval, "batch_size", r.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Outbox relay stopped")
			return
		case <-ticker.C:
			if !r.acquireLease(ctx) {
				continue
			}
			if err := r.PublishBatch(ctx); err != nil {
				logger.Error(ctx, "Outbox publish batch failed", "error", err)
			}
			r.reportGauges(ctx)
		case <-cleanupTicker.C:
			if r.cfg.Retention > 0 && r.acquireLease(ctx) {
				if err := r.Cleanup(ctx); err != nil {
					logger.Error(ctx, "Outbox cleanup failed", "error", err)
				}
			}
		}
	}
}

func (r *Relay) acquireLease(ctx context.Context) bool {
	if r.lease == nil {
		return true
	}
	ok, err := r.lease.TryAcquire(ctx)
	if err != nil {
		logger.Error(ctx, "Outbox lease acquire failed", "error", err)
		return false
	}
	return ok
}

// PublishBatch 发布一批未处理记录。
// 按 created_at 升序选取 retry_count 未达上限的记录；
// 发布成功标记 processed，失败累加 retry_count 并留到下轮。
func (r *Relay) PublishBatch(ctx context.Context) error {
	var records []*Record
	if err := r.db.WithContext(ctx).
		Where("processed = ? AND retry_count < ?", false, r.cfg.MaxRetries).
		Order("created_at ASC").
		Limit(r.cfg.BatchSize).
		Find(&records).Error; err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	logger.Debug(ctx, "Publishing outbox records", "count", len(records))

	for _, record := range records {
		key := record.PartitionKey
		if key == "" {
			key = record.AggregateID
		}
		if err := r.producer.Publish(ctx, record.Topic, key, []byte(record.Payload)); err != nil {
			record.MarkFailed(err.Error())
			if r.metrics != nil {
				r.metrics.OutboxPublishFailedTotal.Inc()
			}
			if record.RetryCount >= r.cfg.MaxRetries {
				logger.Error(ctx, "Outbox record became dead-letter candidate",
					"event_id", record.EventID, "event_type", record.EventType,
					"retry_count", record.RetryCount, "error", err)
			}
		} else {
			record.MarkProcessed()
			if r.metrics != nil {
				r.metrics.OutboxPublishedTotal.Inc()
			}
		}

		if err := r.db.WithContext(ctx).Save(record).Error; err != nil {
			return err
		}
	}
	return nil
}

// PendingCount 待发布记录数
func (r *Relay) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Record{}).
		Where("processed = ?", false).
		Count(&count).Error
	return count, err
}

// DeadLetters 返回超过重试上限的记录，需要告警与人工介入，绝不静默丢弃
func (r *Relay) DeadLetters(ctx context.Context, limit int) ([]*Record, error) {
	var records []*Record
	err := r.db.WithContext(ctx).
		Where("processed = ? AND retry_count >= ?", false, r.cfg.MaxRetries).
		Order("created_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// Cleanup 清理保留期之外的已发布记录
func (r *Relay) Cleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-r.cfg.Retention)
	result := r.db.WithContext(ctx).
		Where("processed = ? AND processed_at < ?", true, cutoff).
		Delete(&Record{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		logger.Info(ctx, "Outbox records cleaned up", "count", result.RowsAffected)
	}
	return nil
}

func (r *Relay) reportGauges(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	if pending, err := r.PendingCount(ctx); err == nil {
		r.metrics.OutboxPending.Set(float64(pending))
	}
	var dead int64
	if err := r.db.WithContext(ctx).Model(&Record{}).
		Where("processed = ? AND retry_count >= ?", false, r.cfg.MaxRetries).
		Count(&dead).Error; err == nil {
		r.metrics.OutboxDeadLetters.Set(float64(dead))
	}
}
