// Package middleware provides HTTP middleware for authentication, logging, and rate limiting.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	// ActorContextKey is the key for storing the request actor in the context.
	ActorContextKey = "actor"
	// TokenQueryParam carries the API token for clients that cannot set headers (EventSource, WebSocket).
	TokenQueryParam = "token"

	anonymousActor = "anonymous"
	tokenActor     = "api"
)

// HashToken returns the bcrypt hash of an API token for security.api_token_hash.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// TokenRequired is a middleware that requires a bearer token matching tokenHash.
// Every request is accepted when tokenHash is empty.
func TokenRequired(tokenHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenHash == "" {
			c.Set(ActorContextKey, anonymousActor)
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set(ActorContextKey, tokenActor)
		c.Next()
	}
}

// Actor returns the actor recorded by TokenRequired.
func Actor(c *gin.Context) string {
	if actor := c.GetString(ActorContextKey); actor != "" {
		return actor
	}
	return anonymousActor
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return c.Query(TokenQueryParam)
}
