package domain

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// SagaStatus Saga 状态
type SagaStatus string

// Saga 状态枚举。COMPLETED/FAILED/COMPENSATION_FAILED 为终态，
// 终态上的一切迁移都是无操作，抵御迟到与重复事件
const (
	SagaStarted            SagaStatus = "STARTED"
	SagaInProgress         SagaStatus = "IN_PROGRESS"
	SagaCompensating       SagaStatus = "COMPENSATING"
	SagaCompleted          SagaStatus = "COMPLETED"
	SagaFailed             SagaStatus = "FAILED"
	SagaCompensationFailed SagaStatus = "COMPENSATION_FAILED"
)

// Saga 步骤
const (
	StepValidate      = "VALIDATE"
	StepReserveAssets = "RESERVE_ASSETS"
	StepQueueOrder    = "QUEUE_ORDER"
)

// SagaTypeOrderProcessing 订单处理 Saga 类型
const SagaTypeOrderProcessing = "ORDER_PROCESSING"

// orderProcessingSteps 订单处理 Saga 的步骤序列
var orderProcessingSteps = []string{StepValidate, StepReserveAssets, StepQueueOrder}

// SagaInstance Saga 实例。correlation_id = orderId，每订单唯一。
// version 列用于乐观并发控制：重试与重复事件是常态，竞争失败方重读后无操作
type SagaInstance struct {
	gorm.Model
	CorrelationID  string     `gorm:"column:correlation_id;type:varchar(64);not null;uniqueIndex" json:"correlation_id"`
	SagaType       string     `gorm:"column:saga_type;type:varchar(64);not null" json:"saga_type"`
	Status         SagaStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	CurrentStep    string     `gorm:"column:current_step;type:varchar(64)" json:"current_step"`
	CompletedSteps string     `gorm:"column:completed_steps;type:varchar(512)" json:"completed_steps"`
	FailedStep     string     `gorm:"column:failed_step;type:varchar(64)" json:"failed_step"`
	ErrorMessage   string     `gorm:"column:error_message;type:varchar(1000)" json:"error_message"`
	Payload        string     `gorm:"column:payload;type:text" json:"payload"`
	RetryCount     int        `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetries     int        `gorm:"column:max_retries;not null;default:3" json:"max_retries"`
	Version        int        `gorm:"column:version;not null;default:0" json:"version"`
	StartedAt      time.Time  `gorm:"column:started_at;not null;index" json:"started_at"`
	CompletedAt    *time.Time `gorm:"column:completed_at" json:"completed_at"`
}

// TableName 表名
func (SagaInstance) TableName() string {
	return "saga_instances"
}

// NewSagaInstance 创建 STARTED 状态的实例
func NewSagaInstance(correlationID, sagaType, payload string, maxRetries int) *SagaInstance {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &SagaInstance{
		CorrelationID: correlationID,
		SagaType:      sagaType,
		Status:        SagaStarted,
		CurrentStep:   StepValidate,
		Payload:       payload,
		MaxRetries:    maxRetries,
		StartedAt:     time.Now(),
	}
}

// IsTerminal 是否终态
func (s *SagaInstance) IsTerminal() bool {
	return s.Status == SagaCompleted || s.Status == SagaFailed || s.Status == SagaCompensationFailed
}

// CompletedStepList 已完成步骤（按完成顺序）
func (s *SagaInstance) CompletedStepList() []string {
	if s.CompletedSteps == "" {
		return nil
	}
	return strings.Split(s.CompletedSteps, ",")
}

// HasCompleted 步骤是否已完成
func (s *SagaInstance) HasCompleted(step string) bool {
	for _, done := range s.CompletedStepList() {
		if done == step {
			return true
		}
	}
	return false
}

// NextStep 下一个待执行步骤；全部完成时返回空串
func (s *SagaInstance) NextStep() string {
	for _, step := range orderProcessingSteps {
		if !s.HasCompleted(step) {
			return step
		}
	}
	return ""
}

// Advance 完成一个步骤。终态上无操作；重复步骤无操作。
// 完成最后一步时转 COMPLETED。返回实例是否发生变更
func (s *SagaInstance) Advance(step string) bool {
	if s.IsTerminal() || s.HasCompleted(step) {
		return false
	}

	if s.CompletedSteps == "" {
		s.CompletedSteps = step
	} else {
		s.CompletedSteps += "," + step
	}

	if next := s.NextStep(); next == "" {
		now := time.Now()
		s.Status = SagaCompleted
		s.CurrentStep = step
		s.CompletedAt = &now
	} else {
		s.Status = SagaInProgress
		s.CurrentStep = next
	}
	return true
}

// MarkCompensating 记录失败步骤并进入补偿。终态上无操作
func (s *SagaInstance) MarkCompensating(failedStep, reason string) bool {
	if s.IsTerminal() || s.Status == SagaCompensating {
		return false
	}
	s.Status = SagaCompensating
	s.FailedStep = failedStep
	if len(reason) > 1000 {
		reason = reason[:1000]
	}
	s.ErrorMessage = reason
	return true
}

// MarkFailed 补偿完成，转 FAILED 终态
func (s *SagaInstance) MarkFailed() bool {
	if s.IsTerminal() {
		return false
	}
	now := time.Now()
	s.Status = SagaFailed
	s.CompletedAt = &now
	return true
}

// MarkCompensationFailed 补偿失败，转 COMPENSATION_FAILED 终态，需要人工介入
func (s *SagaInstance) MarkCompensationFailed(reason string) bool {
	if s.IsTerminal() {
		return false
	}
	now := time.Now()
	s.Status = SagaCompensationFailed
	if len(reason) > 1000 {
		reason = reason[:1000]
	}
	s.ErrorMessage = reason
	s.CompletedAt = &now
	return true
}

// IncrementRetry 记录一次重试
func (s *SagaInstance) IncrementRetry() {
	s.RetryCount++
}

// CanRetry 是否还能重试
func (s *SagaInstance) CanRetry() bool {
	return !s.IsTerminal() && s.RetryCount < s.MaxRetries
}
