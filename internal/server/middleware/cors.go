package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// CORSConfig controls which origins may call the dashboard/debug surface.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowCredentials bool
}

// DefaultCORSConfig allows any origin without credentials, the safe
// default for a local/self-hosted deployment.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{AllowedOrigins: []string{"*"}, AllowCredentials: false}
}

func CORS() gin.HandlerFunc {
	return CORSWithConfig(DefaultCORSConfig())
}

func CORSWithConfig(config CORSConfig) gin.HandlerFunc {
	allowedOrigins := make(map[string]bool, len(config.AllowedOrigins))
	allowAll := false
	for _, origin := range config.AllowedOrigins {
		if origin == "*" {
			allowAll = true
			continue
		}
		allowedOrigins[strings.ToLower(origin)] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		var allowed string
		switch {
		case allowAll && origin != "":
			allowed = origin
		case allowAll:
			allowed = "*"
		case origin != "" && allowedOrigins[strings.ToLower(origin)]:
			allowed = origin
		}

		if allowed != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", allowed)
			if config.AllowCredentials && allowed != "*" {
				c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-codex-lb-force-account-id")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Writer.Header().Set("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
