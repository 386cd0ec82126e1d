package http

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/tutorcall/internal/adapters/signal"
	"github.com/dkeye/tutorcall/internal/auth"
	"github.com/dkeye/tutorcall/internal/config"
	"github.com/dkeye/tutorcall/internal/domain"
)

const identityKey = "identity"

// BearerAuth admits HTTP requests with the same credentials the signaling
// endpoint accepts.
func BearerAuth(gate *auth.Gate, ctl *signal.SignalWSController) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := gate.Verify(auth.CredentialFromRequest(c.Request))
		if err != nil {
			code := signal.ErrorCode(err)
			ctl.Metrics.AuthFailed(code)
			c.AbortWithStatusJSON(stdhttp.StatusUnauthorized, gin.H{"error": code})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func RequireRole(role domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := c.Get(identityKey)
		if ident, ok := id.(domain.Identity); !ok || ident.Role != role {
			c.AbortWithStatusJSON(stdhttp.StatusForbidden, gin.H{"error": signal.CodeForbidden})
			return
		}
		c.Next()
	}
}

// AccessLogger is gin's request logger without the query string, which may
// carry a credential.
func AccessLogger() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(p gin.LogFormatterParams) string {
		path, _, _ := strings.Cut(p.Path, "?")
		return fmt.Sprintf("[GIN] %v | %3d | %13v | %15s | %-7s %#v\n%s",
			p.TimeStamp.Format("2006/01/02 - 15:04:05"),
			p.StatusCode,
			p.Latency,
			p.ClientIP,
			p.Method,
			path,
			p.ErrorMessage,
		)
	})
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(AccessLogger())
	}
	r.Use(gin.Recovery())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(strings.TrimSuffix(cfg.StaticPath, "/") + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	if ctl.Metrics != nil {
		r.GET("/metrics", gin.WrapH(ctl.Metrics.Handler()))
	}

	api := r.Group("/api")

	api.GET("/health", func(c *gin.Context) {
		c.JSON(stdhttp.StatusOK, gin.H{"status": "ok"})
	})

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	authed := api.Group("", BearerAuth(ctl.Gate, ctl))
	authed.GET("/ice-servers", func(c *gin.Context) {
		c.JSON(stdhttp.StatusOK, gin.H{"ice_servers": ctl.Cfg.ICEServers})
	})

	authed.GET("/stats", RequireRole(domain.RoleAdmin), func(c *gin.Context) {
		o := ctl.Orch
		c.JSON(stdhttp.StatusOK, gin.H{
			"connections":     o.Registry.Count(),
			"active_sessions": o.Calls.ActiveCount(),
			"users":           o.Registry.Snapshot(),
			"sessions":        o.Calls.Active(),
		})
	})

	return r
}
