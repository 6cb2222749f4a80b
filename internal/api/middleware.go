package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"tempshare/internal/middleware"
)

const (
	jwtIssuer = "tempshare"
	adminRole = "admin"
)

// JWTClaims represents the claims in an admin token.
type JWTClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTMiddleware authenticates admin API requests with a bearer token.
type JWTMiddleware struct {
	secret  []byte
	limiter *middleware.LoginRateLimiter
}

// NewJWTMiddleware creates a new JWT middleware. Failed attempts count against
// the same per-IP limiter as the login endpoint.
func NewJWTMiddleware(secret string, limiter *middleware.LoginRateLimiter) *JWTMiddleware {
	return &JWTMiddleware{
		secret:  []byte(secret),
		limiter: limiter,
	}
}

// Middleware returns the Echo middleware function.
func (m *JWTMiddleware) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clientIP := c.RealIP()

			if allowed, wait := m.limiter.Check(clientIP); !allowed {
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many failed authentication attempts")
			}

			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				m.limiter.RecordFailure(clientIP)
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := ParseJWT(parts[1], m.secret)
			if err != nil {
				m.limiter.RecordFailure(clientIP)
				if errors.Is(err, jwt.ErrTokenExpired) {
					return echo.NewHTTPError(http.StatusUnauthorized, "token expired")
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Role != adminRole {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient permissions")
			}

			middleware.SetAdmin(c, claims.Subject)
			return next(c)
		}
	}
}

// GenerateJWT creates a signed admin token valid from now for expiry.
func GenerateJWT(username string, secret []byte, now time.Time, expiry time.Duration) (string, time.Time, error) {
	expiresAt := now.Add(expiry)
	claims := &JWTClaims{
		Role: adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    jwtIssuer,
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseJWT verifies an admin token's signature, issuer and lifetime.
func ParseJWT(tokenString string, secret []byte) (*JWTClaims, error) {
	claims := &JWTClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(jwtIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
