package middleware

import (
	"context"
	"net/http"
	"strings"

	"research-notes-api/internal/auth"

	"github.com/gin-gonic/gin"
)

const (
	CtxUserID   = "user_id"
	CtxUsername = "username"
	CtxEmail    = "email"
)

// TokenVerifier resolves a bearer token to a user record.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.UserRecord, error)
}

// BearerToken extracts the token from "Authorization: Bearer <token>", falling
// back to the token query parameter for browsers that cannot set headers on
// websocket upgrades.
func BearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return c.Query("token")
}

// JWTAuthMiddleware rejects requests without a valid bearer token and stores
// the verified user in the gin context.
func JWTAuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is required",
			})
			return
		}

		user, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
			})
			return
		}

		c.Set(CtxUserID, user.UserID)
		c.Set(CtxUsername, user.Username)
		c.Set(CtxEmail, user.Email)
		c.Next()
	}
}
