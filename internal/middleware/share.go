package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"

	"tempshare/internal/services"
)

// ShareToken rejects requests whose :token parameter cannot be a share token,
// before any lookup happens.
func ShareToken(param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !services.IsValidTokenFormat(c.Param(param)) {
				return echo.NewHTTPError(http.StatusNotFound, "File not found")
			}
			return next(c)
		}
	}
}

// UploadBodyLimit caps upload requests at the file size limit plus room for
// the multipart envelope.
func UploadBodyLimit(maxSize int64) echo.MiddlewareFunc {
	return echoMiddleware.BodyLimit(uploadBodyLimit(maxSize))
}

func uploadBodyLimit(maxSize int64) string {
	return fmt.Sprintf("%dK", maxSize/1024+1024)
}

// Client returns the requester's normalised IP and user agent.
func Client(c echo.Context) services.ClientInfo {
	return services.ClientInfo{
		IP:        sanitizeIP(c.RealIP()),
		UserAgent: truncateUserAgent(c.Request().UserAgent()),
	}
}

// sanitizeIP extracts and sanitizes the IP address.
func sanitizeIP(ip string) string {
	// Handle IPv6 addresses with zone identifiers
	if i := strings.Index(ip, "%"); i >= 0 {
		ip = ip[:i]
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return clip(ip, 45)
	}

	return parsed.String()
}

// truncateUserAgent limits user agent length for storage.
func truncateUserAgent(ua string) string {
	return clip(ua, 500)
}

// clip cuts s to at most n bytes on a rune boundary. Invalid bytes are
// replaced first so the result is always valid UTF-8.
func clip(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
