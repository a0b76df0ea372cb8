package httpserver

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/genropy/genro-wopi/internal/config"
	"github.com/genropy/genro-wopi/internal/logger"
)

// healthPingTimeout bounds each dependency ping so a slow database or
// redis instance can't hang /healthz past a caller's own patience.
const healthPingTimeout = 2 * time.Second

// requestIDHeader is echoed back on every response so client and server
// logs can be correlated.
const requestIDHeader = "X-Request-Id"

// RequestID assigns (or propagates) a request id and attaches it to the
// request's logging context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		ctx := logger.WithFields(c.Request.Context(), map[string]any{"request_id": id})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestTimeout enforces the per-request deadline from spec.md §5
// (default 30s) on every handler's context.
func RequestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// NewEngine builds the gin engine with the ambient middleware stack, ready
// for internal/wopi and internal/api to register their routes. db and rdb
// back the /healthz endpoint's dependency pings (SPEC_FULL.md §4.9).
func NewEngine(cfg config.ServerConfig, db *sql.DB, rdb *redis.Client) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestTimeout(cfg.RequestTimeout))

	corsCfg := cors.DefaultConfig()
	if len(cfg.CORSAllowOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.CORSAllowOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "X-WOPI-Override", "X-WOPI-Lock", "X-WOPI-MaxExpectedSize")
	corsCfg.ExposeHeaders = append(corsCfg.ExposeHeaders, "X-WOPI-Lock", "X-WOPI-ItemVersion", "X-WOPI-ServerError")
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "database"})
			return
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "redis"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	return r
}
