package http

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/arohealth/teleconsult/internal/adapters"
	"github.com/arohealth/teleconsult/internal/config"
)

// ClientTokenMiddleware assigns each browser a stable token. The registry
// uses it to tell a reconnecting client apart from an intruder claiming an
// occupied role.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, signal *adapters.SignalController, captions *adapters.CaptionsController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ClientTokenMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":   "ok",
			"sessions": signal.ActiveSessions(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")
	api.GET("/ws/signal/:consultation/:role", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").
			Str("consultation", c.Param("consultation")).Str("role", c.Param("role")).
			Msg("ws signal endpoint hit")
		signal.Handle(ctx, c)
	})
	api.GET("/ws/captions/:consultation/:role", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").
			Str("consultation", c.Param("consultation")).Str("role", c.Param("role")).
			Msg("ws captions endpoint hit")
		captions.Handle(ctx, c)
	})

	return r
}
