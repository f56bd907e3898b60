package rest

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helioslabs/subscription-service/internal/api/rest/handlers"
	"github.com/helioslabs/subscription-service/internal/middleware"
	"github.com/helioslabs/subscription-service/pkg/logger"
)

// Handlers groups the endpoint handlers the router mounts.
type Handlers struct {
	Credits      *handlers.CreditsHandler
	Subscription *handlers.SubscriptionHandler
	Webhook      *handlers.WebhookHandler
	Content      *handlers.ContentHandler
}

// SetupRouter wires middleware and routes. Webhooks stay outside the
// auth group: they are authenticated by signature, not by bearer token.
func SetupRouter(log *logger.Logger, registry *prometheus.Registry, auth *middleware.JWTMiddleware, h Handlers) *gin.Engine {
	r := gin.New()

	r.Use(middleware.LoggerMiddleware(log))
	r.Use(gin.Recovery())

	r.GET("/health", handlers.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	r.POST("/api/webhooks/stripe", h.Webhook.HandleStripeWebhook)
	r.GET("/api/plans", h.Subscription.GetPlans)
	if h.Content != nil {
		r.GET("/api/content/:collection", h.Content.GetCollection)
	}

	api := r.Group("/api", auth.RequireAuth())
	{
		creditsGroup := api.Group("/credits")
		{
			creditsGroup.GET("/balance", h.Credits.GetBalance)
			creditsGroup.POST("/use", h.Credits.UseCredits)
			creditsGroup.GET("/history", h.Credits.GetHistory)
		}

		subscriptionGroup := api.Group("/subscription")
		{
			subscriptionGroup.GET("/current", h.Subscription.GetCurrent)
			subscriptionGroup.POST("/cancel", h.Subscription.Cancel)
			subscriptionGroup.POST("/create-checkout", h.Subscription.CreateCheckout)
		}
	}

	return r
}
