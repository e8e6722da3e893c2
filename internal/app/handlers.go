package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/huddle-backend/internal/http"
	httpH "github.com/yungbote/huddle-backend/internal/http/handlers"
	httpMW "github.com/yungbote/huddle-backend/internal/http/middleware"
	"github.com/yungbote/huddle-backend/internal/observability"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
)

type Handlers struct {
	Health *httpH.HealthHandler
	Chat   *httpH.ChatHandler
	Broker *httpH.BrokerHandler
}

type Middleware struct {
	Auth *httpMW.AuthMiddleware
}

func wireHandlers(db *gorm.DB, log *logger.Logger, services Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health: httpH.NewHealthHandler(db),
		Chat:   httpH.NewChatHandler(log, services.Conversation, services.Memory),
		Broker: httpH.NewBrokerHandler(log, services.Broker),
	}
}

func wireMiddleware(log *logger.Logger, services Services) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Auth: httpMW.NewAuthMiddleware(log, services.Auth),
	}
}

func wireServer(log *logger.Logger, cfg Config, metrics *observability.Metrics, handlers Handlers, middleware Middleware) *http.Server {
	serviceName := ""
	if cfg.OtelEnabled {
		serviceName = cfg.OtelServiceName
	}
	return http.NewServer(http.RouterConfig{
		Log:            log,
		ServiceName:    serviceName,
		CORSOrigins:    cfg.CORSOrigins,
		Metrics:        metrics,
		AuthMiddleware: middleware.Auth,
		ChatHandler:    handlers.Chat,
		BrokerHandler:  handlers.Broker,
		HealthHandler:  handlers.Health,
	})
}
