package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/huddle-backend/internal/data/repos"
	"github.com/yungbote/huddle-backend/internal/jobs/worker"
	"github.com/yungbote/huddle-backend/internal/modules/broker"
	"github.com/yungbote/huddle-backend/internal/modules/chat/enrich"
	"github.com/yungbote/huddle-backend/internal/modules/chat/extract"
	"github.com/yungbote/huddle-backend/internal/modules/chat/intent"
	"github.com/yungbote/huddle-backend/internal/modules/chat/router"
	"github.com/yungbote/huddle-backend/internal/modules/chat/tools"
	"github.com/yungbote/huddle-backend/internal/platform/logger"
	"github.com/yungbote/huddle-backend/internal/platform/redis"
	"github.com/yungbote/huddle-backend/internal/services"
)

type Services struct {
	Auth         services.AuthService
	Memory       services.MemoryService
	Broker       services.BrokerService
	Background   services.BackgroundService
	Conversation services.ConversationService
	Queue        *worker.Queue
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, clients Clients, r repos.Repos) (Services, error) {
	log.Info("Wiring services...")
	loc := cfg.Location()

	var quotaStore services.QuotaStore = services.NewMemoryQuotaStore()
	if clients.Redis != nil {
		quotaStore = redis.NewQuotaStore(log, clients.Redis)
	} else {
		log.Warn("REDIS_ADDR not set; AI quota is tracked per process")
	}

	memory := services.NewMemoryService(db, log, r.Threads, r.Messages, r.Profiles, cfg.SessionWindow)
	brokerSvc := services.NewBrokerService(db, log, r.BrokerSessions, r.PartnerIntents, r.Matches, services.BrokerConfig{
		Match:         broker.MatchConfig{Threshold: cfg.BrokerMatchThreshold},
		ConfirmWindow: cfg.BrokerConfirmWindow,
		IntentTTL:     cfg.BrokerIntentTTL,
	})

	queue := worker.NewQueue(log, worker.Config{
		Concurrency: cfg.WorkerConcurrency,
		QueueSize:   cfg.WorkerQueueSize,
	})
	background := services.NewBackgroundService(log, clients.LLM, extract.New(clients.LLM, log), memory, r.Messages)
	background.Register(queue)

	registry, err := tools.Default(log, tools.Deps{
		Activities:    r.Activities,
		Registrations: r.Registrations,
		Broker:        services.BrokerTools(brokerSvc),
	})
	if err != nil {
		return Services{}, fmt.Errorf("register tools: %w", err)
	}

	var contextOpts []services.ContextOption
	if cfg.RecallLimit > 0 {
		contextOpts = append(contextOpts, services.WithRecall(clients.LLM, cfg.RecallLimit, cfg.RecallThreshold))
	}

	conversation := services.NewConversationService(services.ConversationDeps{
		Log:            log,
		Provider:       clients.LLM,
		Memory:         memory,
		Context:        services.NewContextBuilder(log, memory, r.Activities, cfg.HistoryLimit, cfg.AuxTimeout, contextOpts...),
		Quota:          services.NewQuotaService(log, quotaStore, cfg.AIDailyQuota, loc),
		Broker:         brokerSvc,
		Classifier:     intent.New(clients.LLM, log),
		Enricher:       enrich.Default(log),
		Router:         router.New(router.DefaultCatalog()),
		Tools:          registry,
		SecurityEvents: r.SecurityEvents,
		Tasks:          queue,
		Location:       loc,
		AuxTimeout:     cfg.AuxTimeout,
	})

	return Services{
		Auth:         services.NewAuthService(log, cfg.JWTSecretKey, cfg.AccessTokenTTL),
		Memory:       memory,
		Broker:       brokerSvc,
		Background:   background,
		Conversation: conversation,
		Queue:        queue,
	}, nil
}
