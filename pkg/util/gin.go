package util

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
)

// RequestLogger logs every request served by a gin engine at verbosity 1
func RequestLogger(logger logr.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.V(1).Info("Served request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"remote", c.ClientIP(),
			"latency", time.Since(start).String(),
		)
	}
}
