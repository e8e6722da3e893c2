package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/huddle-backend/internal/http/handlers"
	httpMW "github.com/yungbote/huddle-backend/internal/http/middleware"
	"github.com/yungbote/huddle-backend/internal/observability"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	ServiceName    string
	CORSOrigins    []string
	Metrics        *observability.Metrics
	AuthMiddleware *httpMW.AuthMiddleware

	ChatHandler   *httpH.ChatHandler
	BrokerHandler *httpH.BrokerHandler
	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins...))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.OptionalAuth())
	}

	// Chat (anonymous callers allowed)
	if cfg.ChatHandler != nil {
		api.POST("/chat", cfg.ChatHandler.Chat)
		api.POST("/chat/stream", cfg.ChatHandler.Stream)
	}

	protected := api.Group("/")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		if cfg.ChatHandler != nil {
			protected.GET("/chat/threads/:id/messages", cfg.ChatHandler.ListMessages)
		}

		// Broker
		if cfg.BrokerHandler != nil {
			protected.POST("/broker/sessions/:id/answer", cfg.BrokerHandler.Answer)
			protected.POST("/broker/sessions/:id/cancel", cfg.BrokerHandler.Cancel)
			protected.POST("/broker/matches/:id/confirm", cfg.BrokerHandler.Confirm)
		}
	}

	return r
}
