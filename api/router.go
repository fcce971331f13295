package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ddevcap/matchsync/api/handler"
	"github.com/ddevcap/matchsync/api/middleware"
	"github.com/ddevcap/matchsync/cache"
	"github.com/ddevcap/matchsync/config"
	"github.com/ddevcap/matchsync/ratelimit"
	"github.com/ddevcap/matchsync/views"
)

// Deps are the long-lived components the HTTP surface serves from.
type Deps struct {
	Views    *views.Controller
	Cache    *cache.Cache
	Limiter  *ratelimit.Limiter
	Upstream handler.Triggerer
	Health   handler.HealthReporter
	Hub      *handler.WSHub
}

// corsMiddleware allows the configured front-end origins. With no origins
// configured every origin is allowed without credentials.
func corsMiddleware(cfg config.Config) gin.HandlerFunc {
	allowed := make(map[string]bool, len(cfg.CORSOrigins))
	for _, o := range cfg.CORSOrigins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}

	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return len(allowed) == 0 || allowed[strings.ToLower(origin)]
		},
		AllowMethods:     []string{"GET", "POST", "OPTIONS", "HEAD"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Accept", "Accept-Encoding", middleware.AdminKeyHeader, middleware.RequestIDHeader, "Cache-Control"},
		ExposeHeaders:    []string{"Content-Length", "Content-Type", "Retry-After", middleware.RequestIDHeader},
		AllowCredentials: len(allowed) > 0,
		MaxAge:           24 * time.Hour,
	})
}

// NewRouter builds and returns an http.Handler.
func NewRouter(cfg config.Config, deps Deps) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.RequestLogger(), corsMiddleware(cfg))

	viewH := handler.NewViewHandler(deps.Views)
	matchH := handler.NewMatchHandler(deps.Cache, deps.Limiter, deps.Upstream)
	systemH := handler.NewSystemHandler(deps.Health)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/matches", viewH.ListMatches)
		apiGroup.POST("/matches/refresh", viewH.RefreshMatches)
		apiGroup.GET("/views/:view", viewH.GetViewStatus)

		apiGroup.GET("/match/:id", matchH.GetDetail)
		apiGroup.GET("/match/:id/assets", matchH.GetAssets)
		apiGroup.GET("/match/:id/limit", matchH.GetLimit)
		apiGroup.POST("/match/:id/reanalyze",
			middleware.AdminKey(cfg.AdminKeyHash),
			middleware.TriggerRateLimit(deps.Limiter, "id"),
			matchH.Reanalyze,
		)
	}

	r.GET("/socket", handler.WebSocketHandler(deps.Hub))

	// Health probes, unauthenticated.
	r.GET("/health", systemH.HealthLive)
	r.GET("/ready", systemH.HealthReady)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return r
}
