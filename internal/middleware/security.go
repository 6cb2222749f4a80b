package middleware

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// SecurityHeaders middleware adds security-related HTTP headers.
func SecurityHeaders() echo.MiddlewareFunc {
	csp := strings.Join([]string{
		"default-src 'self'",
		"script-src 'self'",
		"style-src 'self' 'unsafe-inline'", // the layout carries its own <style>
		"img-src 'self' data:",
		"connect-src 'self'",
		"frame-ancestors 'none'",
		"base-uri 'self'",
		"form-action 'self'",
	}, "; ")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
			h.Set("Content-Security-Policy", csp)

			return next(c)
		}
	}
}

// CSRF provides Cross-Site Request Forgery protection for the HTML forms.
type CSRF struct {
	sessionManager *SessionManager
	tokenLength    int
}

// NewCSRF creates a new CSRF protection middleware.
func NewCSRF(sm *SessionManager) *CSRF {
	return &CSRF{
		sessionManager: sm,
		tokenLength:    32,
	}
}

// Middleware returns the CSRF middleware function.
func (csrf *CSRF) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isSafeMethod(c.Request().Method) {
				token, err := csrf.getOrCreateToken(c)
				if err != nil {
					return echo.NewHTTPError(http.StatusInternalServerError, "Failed to generate CSRF token")
				}
				c.Set("csrf_token", token)
				return next(c)
			}

			session, err := csrf.sessionManager.GetSession(c)
			if err != nil {
				return echo.NewHTTPError(http.StatusForbidden, "Invalid session")
			}

			expectedToken, ok := session.Values["csrf_token"].(string)
			if !ok || expectedToken == "" {
				return echo.NewHTTPError(http.StatusForbidden, "CSRF token missing from session")
			}

			// Check token from header first, then form
			actualToken := c.Request().Header.Get("X-CSRF-Token")
			if actualToken == "" {
				actualToken = c.FormValue("csrf_token")
			}
			if actualToken == "" {
				return echo.NewHTTPError(http.StatusForbidden, "CSRF token missing from request")
			}

			if subtle.ConstantTimeCompare([]byte(expectedToken), []byte(actualToken)) != 1 {
				return echo.NewHTTPError(http.StatusForbidden, "Invalid CSRF token")
			}

			c.Set("csrf_token", expectedToken)
			return next(c)
		}
	}
}

// getOrCreateToken retrieves or creates a CSRF token.
func (csrf *CSRF) getOrCreateToken(c echo.Context) (string, error) {
	session, err := csrf.sessionManager.GetSession(c)
	if err != nil {
		// A tampered or stale cookie; issue a token for this request only
		return csrf.generateToken()
	}

	token, ok := session.Values["csrf_token"].(string)
	if !ok || token == "" {
		token, err = csrf.generateToken()
		if err != nil {
			return "", err
		}
		session.Values["csrf_token"] = token
		if err := session.Save(c.Request(), c.Response()); err != nil {
			c.Logger().Warnf("failed to save session with CSRF token: %v", err)
		}
	}

	return token, nil
}

func (csrf *CSRF) generateToken() (string, error) {
	bytes := make([]byte, csrf.tokenLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// isSafeMethod returns true for HTTP methods that don't modify state.
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// GetCSRFToken retrieves the CSRF token from context.
func GetCSRFToken(c echo.Context) string {
	token, _ := c.Get("csrf_token").(string)
	return token
}

// RateLimiter is a fixed window limiter keyed by client IP.
type RateLimiter struct {
	requests    map[string]*rateLimitEntry
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

type rateLimitEntry struct {
	count     int
	expiresAt time.Time
}

// NewRateLimiter creates a rate limiter. Expired windows are purged until ctx is done.
func NewRateLimiter(ctx context.Context, maxRequests int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests:    make(map[string]*rateLimitEntry),
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}

	go rl.cleanup(ctx)

	return rl
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			allowed, remaining, reset := rl.allow(sanitizeIP(c.RealIP()))

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(rl.maxRequests))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				h.Set("Retry-After", strconv.Itoa(int(reset.Seconds())+1))
				return echo.NewHTTPError(http.StatusTooManyRequests, "Rate limit exceeded")
			}

			return next(c)
		}
	}
}

// allow counts one request and reports whether it fits in the current window.
func (rl *RateLimiter) allow(clientID string) (bool, int, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	entry, exists := rl.requests[clientID]
	if !exists || now.After(entry.expiresAt) {
		rl.requests[clientID] = &rateLimitEntry{count: 1, expiresAt: now.Add(rl.window)}
		return true, rl.maxRequests - 1, rl.window
	}

	reset := entry.expiresAt.Sub(now)
	if entry.count >= rl.maxRequests {
		return false, 0, reset
	}

	entry.count++
	return true, rl.maxRequests - entry.count, reset
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, entry := range rl.requests {
				if now.After(entry.expiresAt) {
					delete(rl.requests, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// LoginRateLimiter locks out a client after repeated failed admin logins.
type LoginRateLimiter struct {
	attempts    map[string]*loginAttempt
	mu          sync.Mutex
	maxAttempts int
	lockoutTime time.Duration
	now         func() time.Time
}

type loginAttempt struct {
	count    int
	lockedAt time.Time
	lastTry  time.Time
}

// NewLoginRateLimiter creates a rate limiter specifically for login attempts.
func NewLoginRateLimiter(ctx context.Context, maxAttempts int, lockoutTime time.Duration) *LoginRateLimiter {
	lrl := &LoginRateLimiter{
		attempts:    make(map[string]*loginAttempt),
		maxAttempts: maxAttempts,
		lockoutTime: lockoutTime,
		now:         time.Now,
	}

	go lrl.cleanup(ctx)

	return lrl
}

// Check reports whether a login attempt is allowed, and if not, for how long it is locked.
func (lrl *LoginRateLimiter) Check(identifier string) (bool, time.Duration) {
	lrl.mu.Lock()
	defer lrl.mu.Unlock()

	attempt, exists := lrl.attempts[identifier]
	if !exists || attempt.lockedAt.IsZero() {
		return true, 0
	}

	remaining := attempt.lockedAt.Add(lrl.lockoutTime).Sub(lrl.now())
	if remaining > 0 {
		return false, remaining
	}

	// Lockout expired, reset
	attempt.count = 0
	attempt.lockedAt = time.Time{}
	return true, 0
}

// RecordFailure records a failed login attempt.
func (lrl *LoginRateLimiter) RecordFailure(identifier string) {
	lrl.mu.Lock()
	defer lrl.mu.Unlock()

	now := lrl.now()

	attempt, exists := lrl.attempts[identifier]
	if !exists {
		attempt = &loginAttempt{}
		lrl.attempts[identifier] = attempt
	}

	attempt.count++
	attempt.lastTry = now

	if attempt.count >= lrl.maxAttempts {
		attempt.lockedAt = now
	}
}

// RecordSuccess clears failed attempts after successful login.
func (lrl *LoginRateLimiter) RecordSuccess(identifier string) {
	lrl.mu.Lock()
	defer lrl.mu.Unlock()

	delete(lrl.attempts, identifier)
}

func (lrl *LoginRateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(lrl.lockoutTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lrl.mu.Lock()
			now := lrl.now()
			for key, attempt := range lrl.attempts {
				if now.Sub(attempt.lastTry) > lrl.lockoutTime*2 {
					delete(lrl.attempts, key)
				}
			}
			lrl.mu.Unlock()
		}
	}
}
