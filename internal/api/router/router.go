package router

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/hertz-contrib/keyauth"

	"resume-crosscheck/internal/api/handler"
)

var errInvalidAPIKey = errors.New("无效的API密钥")

// RegisterRoutes 注册 API 路由，apiKeys 非空时除健康检查外都需要 Bearer 密钥
func RegisterRoutes(r *route.Engine, analysisHandler *handler.AnalysisHandler, apiKeys []string) {
	api := r.Group("/api/v1")

	// 健康检查不需要鉴权
	api.GET("/health", analysisHandler.Health)

	var middlewares []app.HandlerFunc
	if len(apiKeys) > 0 {
		middlewares = append(middlewares, newKeyAuth(apiKeys))
	}
	protected := api.Group("", middlewares...)

	protected.POST("/analyses", analysisHandler.Analyze)
	protected.POST("/analyses/upload", analysisHandler.Upload)
	protected.GET("/analyses/:id", analysisHandler.GetAnalysis)
	protected.POST("/analyses/:id/reindex", analysisHandler.Reindex)
	protected.POST("/segment", analysisHandler.Segment)
	protected.POST("/chunks/preview", analysisHandler.PreviewChunks)
}

func newKeyAuth(apiKeys []string) app.HandlerFunc {
	keys := make([][]byte, 0, len(apiKeys))
	for _, k := range apiKeys {
		keys = append(keys, []byte(k))
	}
	return keyauth.New(
		keyauth.WithKeyLookUp("header:Authorization", "Bearer"),
		keyauth.WithValidator(func(_ context.Context, _ *app.RequestContext, key string) (bool, error) {
			for _, k := range keys {
				if subtle.ConstantTimeCompare(k, []byte(key)) == 1 {
					return true, nil
				}
			}
			return false, errInvalidAPIKey
		}),
		keyauth.WithErrorHandler(func(_ context.Context, ctx *app.RequestContext, err error) {
			msg := "缺少或格式错误的API密钥"
			if errors.Is(err, errInvalidAPIKey) {
				msg = err.Error()
			}
			ctx.AbortWithStatusJSON(consts.StatusUnauthorized, utils.H{"error": msg})
		}),
	)
}
