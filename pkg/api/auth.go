package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/gin-gonic/gin"

	"github.com/mediaforge/foreman/pkg/config"
)

// authMiddleware resolves the caller's node identity.
//
// In token mode every request must carry a Bearer token signed with the
// shared secret (HS256); the subject claim is the node id. With auth
// disabled the optional X-Node-ID header identifies worker callers and its
// absence marks an admin call.
func authMiddleware(mode config.AuthMode, secret string) gin.HandlerFunc {
	switch mode {
	case config.AuthModeToken:
		return tokenAuth([]byte(secret))
	default:
		return func(c *gin.Context) {
			c.Set(nodeIDKey, c.GetHeader(nodeIDHeader))
			c.Next()
		}
	}
}

func tokenAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			unauthorized(c, "missing bearer token")
			return
		}

		claims := jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}

		c.Set(nodeIDKey, claims.Subject)
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorEnvelope{
		Code:          "unauthenticated",
		Message:       msg,
		CorrelationID: CorrelationID(c),
	})
}
