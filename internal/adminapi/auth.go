package adminapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of a minted admin token.
const DefaultTokenTTL = 24 * time.Hour

// issuer is stamped on every admin token and checked on every request.
const issuer = "chorus"

// subjectKey is the gin context key holding the verified token subject.
const subjectKey = "adminapi.subject"

// MintToken signs an HS256 admin token for subject.
func MintToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("adminapi: jwt secret is required")
	}
	if subject == "" {
		return "", fmt.Errorf("adminapi: subject is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("adminapi: sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies an admin token and returns its subject.
func ParseToken(secret, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("adminapi: parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("adminapi: parse token: missing subject")
	}
	return claims.Subject, nil
}

// requireToken rejects requests without a valid bearer token.
func requireToken(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		var token string
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			token = strings.TrimSpace(auth[7:])
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		subject, err := ParseToken(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(subjectKey, subject)
		c.Next()
	}
}
