package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const headerName = "X-API-Key"

// ContextKey holds the index of the accepted key in the gin context.
const ContextKey = "api_key_index"

// APIKeyMiddleware validates the X-API-Key header against any of keys.
// Empty keys are ignored; if every key is empty, authentication is disabled.
// The admin routes pass the admin key only, kiosk routes pass both.
func APIKeyMiddleware(keys ...string) gin.HandlerFunc {
	accepted := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			accepted = append(accepted, []byte(k))
		}
	}

	return func(c *gin.Context) {
		if len(accepted) == 0 {
			c.Next()
			return
		}

		provided := c.GetHeader(headerName)
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing API key",
			})
			return
		}

		match := -1
		for i, k := range accepted {
			// Compare against every key so timing does not reveal which one matched.
			if subtle.ConstantTimeCompare([]byte(provided), k) == 1 && match < 0 {
				match = i
			}
		}
		if match < 0 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "invalid API key",
			})
			return
		}

		c.Set(ContextKey, match)
		c.Next()
	}
}
