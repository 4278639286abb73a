// Package metrics 提供 Prometheus helper，覆盖结算流水线的业务与基础指标
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wyfcoding/ordersettlement/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// 入队订单总数
	OrdersQueuedTotal prometheus.Counter
	// 撮合成交总数
	TradesTotal prometheus.Counter
	// 当前活跃挂单数
	OrdersActive prometheus.Gauge

	// 资产预留成功总数
	ReservationsTotal prometheus.Counter
	// 资产预留失败（余额不足）总数
	ReservationsRejectedTotal prometheus.Counter
	// 预留过期释放总数
	ReservationsExpiredTotal prometheus.Counter
	// 过期清扫单条释放失败总数
	SweepFailuresTotal prometheus.Counter

	// Saga 完成总数
	SagasCompletedTotal prometheus.Counter
	// Saga 失败（含补偿）总数
	SagasFailedTotal prometheus.Counter

	// Outbox 待发布记录数
	OutboxPending prometheus.Gauge
	// Outbox 死信候选记录数
	OutboxDeadLetters prometheus.Gauge
	// Outbox 发布成功总数
	OutboxPublishedTotal prometheus.Counter
	// Outbox 发布失败总数
	OutboxPublishFailedTotal prometheus.Counter

	// 消费事件总数
	EventsConsumedTotal prometheus.Counter
	// 重复事件（幂等跳过）总数
	EventsDuplicateTotal prometheus.Counter
	// 畸形事件丢弃总数
	EventsMalformedTotal prometheus.Counter

	// 事件处理耗时
	EventHandleDuration prometheus.Histogram
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: serviceName,
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "settlement",
			Subsystem: serviceName,
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		OrdersQueuedTotal:         counter("orders_queued_total", "Total orders added to the matching queue"),
		TradesTotal:               counter("trades_total", "Total trades executed"),
		OrdersActive:              gauge("orders_active", "Number of active queue entries"),
		ReservationsTotal:         counter("reservations_total", "Total asset reservations created"),
		ReservationsRejectedTotal: counter("reservations_rejected_total", "Total reservations rejected for insufficient balance"),
		ReservationsExpiredTotal:  counter("reservations_expired_total", "Total reservations released by the expiry sweep"),
		SweepFailuresTotal:        counter("reservation_sweep_failures_total", "Expiry sweep release attempts that failed"),
		SagasCompletedTotal:       counter("sagas_completed_total", "Total sagas completed"),
		SagasFailedTotal:          counter("sagas_failed_total", "Total sagas failed or compensation-failed"),
		OutboxPending:             gauge("outbox_pending", "Unprocessed outbox records"),
		OutboxDeadLetters:         gauge("outbox_dead_letters", "Outbox records past the retry ceiling"),
		OutboxPublishedTotal:      counter("outbox_published_total", "Outbox records published successfully"),
		OutboxPublishFailedTotal:  counter("outbox_publish_failed_total", "Outbox publish attempts that failed"),
		EventsConsumedTotal:       counter("events_consumed_total", "Inbound events handled"),
		EventsDuplicateTotal:      counter("events_duplicate_total", "Inbound events skipped as duplicates"),
		EventsMalformedTotal:      counter("events_malformed_total", "Inbound events dropped as malformed"),
		EventHandleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "settlement",
			Subsystem: serviceName,
			Name:      "event_handle_duration_seconds",
			Help:      "Inbound event handling duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.OrdersQueuedTotal,
		m.TradesTotal,
		m.OrdersActive,
		m.ReservationsTotal,
		m.ReservationsRejectedTotal,
		m.ReservationsExpiredTotal,
		m.SweepFailuresTotal,
		m.SagasCompletedTotal,
		m.SagasFailedTotal,
		m.OutboxPending,
		m.OutboxDeadLetters,
		m.OutboxPublishedTotal,
		m.OutboxPublishFailedTotal,
		m.EventsConsumedTotal,
		m.EventsDuplicateTotal,
		m.EventsMalformedTotal,
		m.EventHandleDuration,
	}

	for _, c := range collectors {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}

	logger.Info(context.Background(), "Metrics registered successfully")
	return nil
}

// StartHTTPServer 启动 Prometheus HTTP 服务器
func StartHTTPServer(port int, path string) error {
	if path == "" {
		path = "/metrics"
	}
	http.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "Starting Prometheus HTTP server", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Error(context.Background(), "Failed to start Prometheus HTTP server", "error", err)
		}
	}()
	return nil
}
