package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"relay-service/internal/models"
)

// SessionAuthenticator resolves a bearer credential.
type SessionAuthenticator interface {
	Authenticate(ctx context.Context, credential string) (models.Session, error)
}

// BotAuthenticator resolves a bot token.
type BotAuthenticator interface {
	BotByToken(ctx context.Context, token string) (models.Bot, error)
}

// AuthMiddleware validates the Authorization header against the session store.
func AuthMiddleware(auth SessionAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		session, err := auth.Authenticate(c.Request.Context(), parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("userID", session.UserID)
		c.Next()
	}
}

// BotAuthMiddleware validates the X-Bot-Token header.
func BotAuthMiddleware(auth BotAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-Bot-Token")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bot token"})
			return
		}

		bot, err := auth.BotByToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bot token"})
			return
		}

		c.Set("botID", bot.ID)
		c.Next()
	}
}
