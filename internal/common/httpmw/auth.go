package httpmw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerAuth enforces bearer token authentication on API routes.
// In dev mode every request is accepted. The token may arrive either as an
// Authorization header or as an access_token query parameter, which browsers
// need for EventSource connections that cannot set headers.
func BearerAuth(token string, devMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if devMode {
			c.Next()
			return
		}

		presented := ""
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			presented = strings.TrimPrefix(h, "Bearer ")
		} else if q := c.Query("access_token"); q != "" {
			presented = q
		}

		if presented == "" || presented != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "UNAUTHORIZED",
					"message": "missing or invalid bearer token",
				},
			})
			return
		}

		c.Next()
	}
}
