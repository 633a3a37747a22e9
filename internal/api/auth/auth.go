// Package auth provides bearer-token authentication for the HTTP API.
// Every request carries a JWT identifying the acting user; ownership checks
// downstream compare that identity against conversation rows.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

// UserIDContextKey is where the middleware stores the authenticated user id.
const UserIDContextKey contextKey = "user_id"

// JWTClaims are the claims we accept. UserID takes precedence; Subject is
// the fallback for tokens minted by external identity providers.
type JWTClaims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenService signs and validates access tokens with an HMAC secret.
type TokenService struct {
	secret []byte
}

func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

// GenerateAccessToken mints a token for a user, mainly for local tooling
// and tests.
func (ts *TokenService) GenerateAccessToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(ts.secret)
}

// ValidateAccessToken parses and verifies a token, returning the user id.
func (ts *TokenService) ValidateAccessToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ts.secret, nil
	})
	if err != nil || !token.Valid {
		if err == nil {
			err = fmt.Errorf("invalid token")
		}
		return "", err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("token carries no user identity")
	}
	return userID, nil
}

// RequireAuth rejects requests without a valid bearer token and stores the
// authenticated user id on the echo context.
func RequireAuth(tokenService *TokenService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
			}

			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
			}

			userID, err := tokenService.ValidateAccessToken(tokenParts[1])
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}

			c.Set(string(UserIDContextKey), userID)
			return next(c)
		}
	}
}

// GetUserID returns the authenticated user id from the context, or "" when
// the request did not pass through RequireAuth.
func GetUserID(c echo.Context) string {
	userID, _ := c.Get(string(UserIDContextKey)).(string)
	return userID
}
