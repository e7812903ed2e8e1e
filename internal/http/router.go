package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/guideforge-backend/internal/http/handlers"
	httpMW "github.com/yungbote/guideforge-backend/internal/http/middleware"
)

type RouterConfig struct {
	RunHandler    *httpH.RunHandler
	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(otelgin.Middleware("guideforge-backend"))
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		if cfg.RunHandler != nil {
			api.POST("/runs", cfg.RunHandler.StartRun)
			api.GET("/runs", cfg.RunHandler.ListRuns)
			api.GET("/runs/:id", cfg.RunHandler.GetRun)
			api.GET("/runs/:id/files", cfg.RunHandler.ListFiles)
			api.GET("/runs/:id/guides", cfg.RunHandler.ListGuides)
			api.GET("/runs/:id/progress", cfg.RunHandler.GetProgress)
			api.DELETE("/runs/:id", cfg.RunHandler.DeleteRun)
			api.POST("/guides/:id/retry", cfg.RunHandler.RetryGuide)
		}
	}

	return r
}
