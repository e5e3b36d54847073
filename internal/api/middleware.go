package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// APIKeyMiddleware validates the admin API key.
// excludedPaths: path prefixes that don't require API key validation
func APIKeyMiddleware(expectedAPIKey string, logger *zap.Logger, excludedPaths ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		currentPath := c.Request.URL.Path
		for _, excludedPath := range excludedPaths {
			if currentPath == excludedPath || strings.HasPrefix(currentPath, excludedPath+"/") {
				c.Next()
				return
			}
		}

		if expectedAPIKey == "" {
			logger.Error("Admin API key not configured")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "API key validation is not properly configured",
				"status":  "error",
				"message": "Server configuration error",
			})
			return
		}

		// Header first, then query parameter
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			apiKey = c.Query("api_key")
		}

		if apiKey == "" {
			logger.Warn("API key missing",
				zap.String("path", currentPath),
				zap.String("method", c.Request.Method),
				zap.String("ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"status":  "error",
				"message": "Please provide a valid API key in X-API-Key header or api_key query parameter",
			})
			return
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(expectedAPIKey)) != 1 {
			logger.Warn("Invalid API key provided",
				zap.String("path", currentPath),
				zap.String("method", c.Request.Method),
				zap.String("ip", c.ClientIP()),
				zap.String("provided_key", apiKey[:min(len(apiKey), 8)]+"..."),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid API key",
				"status":  "error",
				"message": "The provided API key is not valid",
			})
			return
		}

		c.Next()
	}
}
