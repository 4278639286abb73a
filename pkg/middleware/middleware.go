// Package middleware 提供 Gin 通用中间件（请求 ID、访问日志、panic recover）
package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/wyfcoding/ordersettlement/pkg/logger"
)

// RequestIDKey header 与 context 中的请求 ID 键
const RequestIDKey = "X-Request-ID"

// RequestID 为每个请求注入请求 ID，并写入响应头与 context
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDKey)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDKey, requestID)

		ctx := context.WithValue(c.Request.Context(), "trace_id", requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// AccessLog 记录结构化访问日志
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info(c.Request.Context(), "HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// Recovery 捕获 panic，返回 500 并记录日志
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(c.Request.Context(), "HTTP handler panic",
					"path", c.Request.URL.Path, "panic", r)
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
