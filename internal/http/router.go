package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/kookaburracodes/kookaburra/internal/config"
	"github.com/kookaburracodes/kookaburra/internal/http/handler"
	httpmiddleware "github.com/kookaburracodes/kookaburra/internal/http/middleware"
	"github.com/kookaburracodes/kookaburra/internal/middleware"
)

// APIPrefix is the base path for every route.
const APIPrefix = "/api/v0"

// NewRouter wires Gin routes and middleware.
func NewRouter(
	cfg config.Config,
	sessionMiddleware *httpmiddleware.Session,
	rateLimiter *middleware.RateLimiter,
	health *handler.HealthHandler,
	auth *handler.AuthHandler,
	webhook *handler.WebhookHandler,
	smsHandler *handler.SMSHandler,
	llm *handler.LLMHandler,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware("kookaburra"))
	r.Use(sessionMiddleware.Handler())

	api := r.Group(APIPrefix)
	{
		api.GET("/healthcheck", health.Healthcheck)
		api.POST("/sms", smsHandler.HandleInbound)

		api.GET("/login/gh", auth.Login)
		api.GET("/auth/gh", auth.Callback)
		api.POST("/wh/gh", webhook.HandleGitHub)

		llmGroup := api.Group("/llm", sessionMiddleware.Require())
		{
			llmGroup.GET("", llm.List)
			llmGroup.DELETE("/:id", llm.Delete)
		}
	}

	return r
}
