package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("http")

// Logging writes one line per request through the http logger. Server
// errors log at error level, client errors at warn.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		switch {
		case status >= 500:
			log.Errorf("%s %s %d %v", c.Request.Method, c.Request.URL.Path, status, latency)
		case status >= 400:
			log.Warnf("%s %s %d %v", c.Request.Method, c.Request.URL.Path, status, latency)
		default:
			log.Debugf("%s %s %d %v", c.Request.Method, c.Request.URL.Path, status, latency)
		}
	}
}
