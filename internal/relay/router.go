package relay

import (
	"context"
	"net/http"

	"github.com/dkeye/liveroom/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func SetupRouter(ctx context.Context, cfg *config.Config, srv *Server) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, srv.Stats())
	})

	r.GET("/ws", JWTAuth(cfg.Secret), func(c *gin.Context) {
		log.Info().Str("module", "relay.http").Str("room", c.Query("room")).Msg("ws signal endpoint hit")
		srv.HandleWS(ctx, c)
	})

	log.Info().Str("module", "relay.http").Msg("router setup")
	return r
}
