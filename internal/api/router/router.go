package router

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"

	"buildcore-go/internal/api/handler"
)

// RegisterRoutes 注册运维API路由。apiKey非空时启用Bearer鉴权，
// 健康检查始终开放。
func RegisterRoutes(h *server.Hertz, ops *handler.OpsHandler, apiKey string) {
	h.GET("/api/v1/health", ops.Health)

	api := h.Group("/api/v1")
	if apiKey != "" {
		api.Use(keyauth.New(
			keyauth.WithKeyLookUp("header:Authorization", "Bearer"),
			keyauth.WithValidator(func(ctx context.Context, c *app.RequestContext, key string) (bool, error) {
				return key == apiKey, nil
			}),
			keyauth.WithErrorHandler(func(ctx context.Context, c *app.RequestContext, err error) {
				c.JSON(consts.StatusUnauthorized, utils.H{"error": "未授权"})
				c.Abort()
			}),
		))
	}

	api.GET("/stats", ops.Stats)
	api.GET("/dead-letters", ops.DeadLetters)
	api.POST("/dead-letters/:id/resolve", ops.ResolveDeadLetter)
	api.POST("/dead-letters/:id/retry", ops.RetryDeadLetter)
	api.POST("/inbox/:domain/poll", ops.Poll)
	api.POST("/inbox/:domain/emails/:id/extract", ops.ReExtract)
	api.GET("/emails/:id/fields", ops.EmailFields)
	api.POST("/documents/diff", ops.CompareDocuments)
}
