package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/smartkrishi/smartkrishi-backend/internal/agent"
	"github.com/smartkrishi/smartkrishi-backend/internal/ai"
	"github.com/smartkrishi/smartkrishi-backend/internal/chat"
	"github.com/smartkrishi/smartkrishi-backend/internal/config"
	"github.com/smartkrishi/smartkrishi-backend/internal/fallback"
	"github.com/smartkrishi/smartkrishi-backend/internal/files"
	"github.com/smartkrishi/smartkrishi-backend/internal/identity"
	"github.com/smartkrishi/smartkrishi-backend/internal/reasoning"
	"github.com/smartkrishi/smartkrishi-backend/internal/sms"
	"github.com/smartkrishi/smartkrishi-backend/internal/store/rabbitmq"
	"github.com/smartkrishi/smartkrishi-backend/internal/store/redisstore"
	"github.com/smartkrishi/smartkrishi-backend/internal/telegram"
)

type Handler struct {
	DB  *gorm.DB
	Cfg config.Config

	ChatSvc   *chat.Service
	Reasoning *reasoning.Repo
	Agent     *agent.Client
	Fallback  *fallback.Coordinator
	SMS       *sms.Client
	Telegram  *telegram.Client
	Identity  *identity.Client
	OTP       *redisstore.OTPStore
	Rabbit    *rabbitmq.Publisher
}

// NewHandler wires the full service graph. rabbit may be nil when the
// async ask path is not served (tests, worker-only deployments).
func NewHandler(db *gorm.DB, cfg config.Config, rabbit *rabbitmq.Publisher) *Handler {
	chatRepo := chat.NewRepo(db)
	reasoningRepo := reasoning.NewRepo(db)
	agentClient := agent.NewClient(cfg.AgentBaseURL)
	filesSvc := files.NewService(db)

	registry := ai.NewRegistry()
	registry.Register("gemini", func(ctx context.Context, model string) (ai.Provider, error) {
		if model == "" {
			model = cfg.GeminiModel
		}
		return ai.NewGeminiProvider(cfg.GeminiBaseURL, cfg.GeminiAPIKey, model), nil
	})

	chatSvc := chat.NewService(chatRepo, reasoningRepo, agentClient, filesSvc, registry, 20)

	smsClient := sms.NewClient(cfg.SMSBaseURL)
	tgClient := telegram.NewClient(cfg.TelegramBaseURL)
	idClient := identity.NewClient(cfg.IdentityAPIKey)

	coord := fallback.NewCoordinator(db, chatRepo, smsClient, tgClient, cfg.MonitorInterval)
	// probe the SMS gateway itself; with no gateway configured the
	// monitor has nothing to fall back to, so auto activation stays off
	if smsClient.Enabled() {
		coord.Probe = smsClient.HealthCheck
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	otp := redisstore.NewOTPStore(rdb, cfg.OTPTTL)

	return &Handler{
		DB:        db,
		Cfg:       cfg,
		ChatSvc:   chatSvc,
		Reasoning: reasoningRepo,
		Agent:     agentClient,
		Fallback:  coord,
		SMS:       smsClient,
		Telegram:  tgClient,
		Identity:  idClient,
		OTP:       otp,
		Rabbit:    rabbit,
	}
}

func (h *Handler) Ping(c *gin.Context) { ok(c, gin.H{"pong": true}) }
