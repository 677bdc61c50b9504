package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/smartkrishi/smartkrishi-backend/internal/common"
	"github.com/smartkrishi/smartkrishi-backend/internal/config"
	"github.com/smartkrishi/smartkrishi-backend/internal/httpapi/handlers"
	"github.com/smartkrishi/smartkrishi-backend/internal/httpapi/middleware"
	"github.com/smartkrishi/smartkrishi-backend/internal/store/rabbitmq"
)

func NewRouter(db *gorm.DB, cfg config.Config, rabbit *rabbitmq.Publisher) (*gin.Engine, *handlers.Handler) {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(cors.Default())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, rabbit)

	r.GET("/ping", h.Ping)

	// auth
	r.POST("/auth/signup", h.Signup)
	r.POST("/auth/login", h.Login)
	r.POST("/auth/mobile/request-otp", h.RequestOTP)
	r.POST("/auth/mobile/verify-otp", h.VerifyOTP)
	r.POST("/auth/mobile/token-login", h.IdentityLogin)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/auth/me", h.Me)

	// chat
	authGroup.POST("/chat/chats", h.CreateChat)
	authGroup.GET("/chat/chats", h.ListChats)
	authGroup.GET("/chat/chats/:chat_id/messages", h.ListChatMessages)
	authGroup.PUT("/chat/chats/:chat_id", h.RenameChat)
	authGroup.DELETE("/chat/chats/:chat_id", h.DeleteChat)
	authGroup.POST("/chat/ask", h.Ask)
	authGroup.POST("/chat/ask-async", h.AskAsync)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)
	authGroup.GET("/chat/suggestions", h.Suggestions)
	authGroup.GET("/chat/tools", h.ListTools)

	// streaming
	authGroup.POST("/chat/send-stream", h.SendStream)
	authGroup.POST("/chat/upload-and-analyze-stream", h.UploadAndAnalyzeStream)

	// reasoning audit trail
	authGroup.GET("/chat/chats/:chat_id/reasoning", h.ChatReasoning)
	authGroup.GET("/chat/messages/:message_id/reasoning", h.MessageReasoning)
	authGroup.GET("/chat/agent-config", h.GetAgentConfig)
	authGroup.PUT("/chat/agent-config", h.UpdateAgentConfig)

	// fallback coordination
	authGroup.POST("/fallback/activate", h.ActivateFallback)
	authGroup.POST("/fallback/deactivate", h.DeactivateFallback)
	authGroup.GET("/fallback/health", h.FallbackHealth)
	authGroup.GET("/fallback/settings", h.GetFallbackSettings)
	authGroup.PUT("/fallback/settings", h.UpdateFallbackSettings)
	authGroup.POST("/fallback/verify-phone", h.VerifyFallbackPhone)
	authGroup.GET("/fallback/chats", h.ListFallbackChats)
	authGroup.GET("/fallback/normal-chats", h.ListNormalChats)
	authGroup.GET("/fallback/sessions/:session_id/messages", h.FallbackSessionHistory)
	authGroup.PUT("/fallback/messages/:message_id/edit", h.EditMessage)
	authGroup.POST("/fallback/sms/send", h.SendSMS)
	authGroup.GET("/fallback/sms/health", h.SMSHealth)

	// gateway callback, authenticated at the network layer
	r.POST("/fallback/sms/webhook", h.SMSWebhook)

	return r, h
}
