// Package http 订单处理服务的 HTTP 接口：订单簿与 Saga 可观测查询
package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/ordersettlement/internal/processor/application"
	"github.com/wyfcoding/ordersettlement/internal/processor/domain"
)

// Handler 订单处理 HTTP 处理器
type Handler struct {
	matching     *application.MatchingService
	orchestrator *application.SagaOrchestrator
}

// NewHandler 创建处理器
func NewHandler(matching *application.MatchingService, orchestrator *application.SagaOrchestrator) *Handler {
	return &Handler{matching: matching, orchestrator: orchestrator}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/orders/active-count", h.ActiveCount)
		api.GET("/assets/:assetSymbol/trades", h.TradeHistory)
		api.GET("/sagas/:orderId", h.GetSaga)
		api.GET("/sagas", h.SagaCounts)
	}
}

// ActiveCount 活跃挂单数，支持 ?assetSymbol= 过滤
func (h *Handler) ActiveCount(c *gin.Context) {
	assetSymbol := c.Query("assetSymbol")
	count, err := h.matching.ActiveCount(c.Request.Context(), assetSymbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assetSymbol": assetSymbol, "activeCount": count})
}

// TradeHistory 按资产查询成交历史
func (h *Handler) TradeHistory(c *gin.Context) {
	assetSymbol := c.Param("assetSymbol")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	trades, err := h.matching.TradeHistory(c.Request.Context(), assetSymbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// GetSaga 按 orderId 查询 Saga 实例
func (h *Handler) GetSaga(c *gin.Context) {
	orderID := c.Param("orderId")
	saga, err := h.orchestrator.Find(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, domain.ErrSagaNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, saga)
}

// SagaCounts 按状态统计 Saga 数
func (h *Handler) SagaCounts(c *gin.Context) {
	counts, err := h.orchestrator.StatusCounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}
