package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codex-lb/codex-lb/internal/config"
	"github.com/codex-lb/codex-lb/internal/proxy"
	"github.com/codex-lb/codex-lb/internal/server/middleware"
)

// maxRequestBodyBytes bounds an inbound /responses payload; Codex prompts
// are large but never anywhere near this.
const maxRequestBodyBytes = 25 << 20 // 25MiB

// NewRouter builds the gin.Engine: middleware chain, then the relay
// routes at the root-prefix alias alongside their /v1 counterparts
// (spec.md §6), then the gated debug surface.
func NewRouter(cfg *config.Config, pipeline *proxy.Pipeline) *gin.Engine {
	gin.SetMode(modeFor(cfg.Server.Mode))

	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS())
	r.Use(middleware.APISecurityHeaders())
	r.Use(middleware.RequestBodyLimit(maxRequestBodyBytes))

	h := NewHandler(pipeline, maxRequestBodyBytes)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Bare-root aliases, matching the teacher's own no-v1-prefix
	// convention for the relay endpoints.
	r.POST("/responses", h.Responses)
	r.POST("/responses/compact", h.ResponsesCompact)

	v1 := r.Group("/v1")
	{
		v1.POST("/responses", h.Responses)
		v1.POST("/chat/completions", h.ChatCompletions)
		v1.GET("/models", h.Models)
	}

	if cfg.Debug.EndpointsEnabled {
		debug := r.Group("/debug/lb")
		{
			debug.GET("/decisions", h.DebugDecisions)
			debug.GET("/ineligible", h.DebugIneligible)
			debug.GET("/egress-pool", h.DebugEgressPool)
		}
	}

	return r
}

func modeFor(mode string) string {
	switch mode {
	case gin.ReleaseMode, gin.TestMode:
		return mode
	default:
		return gin.DebugMode
	}
}

// NewHTTPServer wraps the router in an *http.Server using the configured
// listener timeouts, mirroring the teacher's server bootstrap shape.
func NewHTTPServer(cfg *config.Config, engine *gin.Engine) *http.Server {
	readHeaderTimeout := time.Duration(cfg.Server.ReadHeaderTimeout) * time.Second
	idleTimeout := time.Duration(cfg.Server.IdleTimeout) * time.Second
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}
	if idleTimeout <= 0 {
		idleTimeout = 120 * time.Second
	}
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
}
