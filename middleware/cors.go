package middleware

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS returns a CORS middleware for the configured origins. A "*" entry
// allows any origin.
func CORS(origins []string) gin.HandlerFunc {
	config := cors.DefaultConfig()
	for _, o := range origins {
		if o == "*" {
			config.AllowAllOrigins = true
		}
	}
	if !config.AllowAllOrigins {
		config.AllowOrigins = origins
	}
	config.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}

	return cors.New(config)
}
