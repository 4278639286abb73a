// Package http 资产服务的 HTTP 接口：出入金与余额查询
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/ordersettlement/internal/asset/application"
	"github.com/wyfcoding/ordersettlement/internal/asset/domain"
)

// Handler 资产 HTTP 处理器
type Handler struct {
	service *application.Service
}

// NewHandler 创建处理器
func NewHandler(service *application.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.POST("/assets/deposit", h.Deposit)
		api.POST("/assets/withdraw", h.Withdraw)
		api.GET("/customers/:customerId/assets", h.ListAssets)
	}
}

// MoneyRequest 出入金请求
type MoneyRequest struct {
	CustomerID  string          `json:"customerId" binding:"required"`
	AssetSymbol string          `json:"assetSymbol" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
}

// BalanceResponse 余额响应
type BalanceResponse struct {
	CustomerID  string          `json:"customerId"`
	AssetSymbol string          `json:"assetSymbol"`
	UsableSize  decimal.Decimal `json:"usableSize"`
	BlockedSize decimal.Decimal `json:"blockedSize"`
	TotalSize   decimal.Decimal `json:"totalSize"`
}

func toBalanceResponse(b *domain.Balance) BalanceResponse {
	return BalanceResponse{
		CustomerID:  b.CustomerID,
		AssetSymbol: b.AssetSymbol,
		UsableSize:  b.UsableSize,
		BlockedSize: b.BlockedSize,
		TotalSize:   b.TotalSize(),
	}
}

// Deposit 入金
func (h *Handler) Deposit(c *gin.Context) {
	var req MoneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	balance, err := h.service.Deposit(c.Request.Context(), req.CustomerID, req.AssetSymbol, req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBalanceResponse(balance))
}

// Withdraw 出金
func (h *Handler) Withdraw(c *gin.Context) {
	var req MoneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	balance, err := h.service.Withdraw(c.Request.Context(), req.CustomerID, req.AssetSymbol, req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBalanceResponse(balance))
}

// ListAssets 查询客户全部资产
func (h *Handler) ListAssets(c *gin.Context) {
	customerID := c.Param("customerId")
	balances, err := h.service.ListAssets(c.Request.Context(), customerID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	responses := make([]BalanceResponse, 0, len(balances))
	for _, b := range balances {
		responses = append(responses, toBalanceResponse(b))
	}
	c.JSON(http.StatusOK, gin.H{"assets": responses})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance), errors.Is(err, domain.ErrInvalidAmount):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrBalanceNotFound), errors.Is(err, domain.ErrReservationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
