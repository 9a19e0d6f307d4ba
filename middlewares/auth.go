package middlewares

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"order-payment/session"
)

// AuthMiddleware attaches the caller's session to the request. Page loads
// without one are sent to the login page; other requests get a 401.
func AuthMiddleware(secret, loginPath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := session.FromRequest(c.Request, secret)
		if err != nil {
			if c.Request.Method == http.MethodGet {
				c.Redirect(http.StatusFound, LoginURL(loginPath, c.Request.URL.RequestURI()))
			} else {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			}
			c.Abort()
			return
		}

		c.Request = c.Request.WithContext(session.WithSession(c.Request.Context(), s))
		c.Next()
	}
}

// LoginURL points at the login page and carries the page to come back to.
func LoginURL(loginPath, redirect string) string {
	return loginPath + "?redirect=" + url.QueryEscape(redirect)
}
