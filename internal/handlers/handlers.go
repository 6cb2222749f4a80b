package handlers

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"tempshare/internal/config"
	"tempshare/internal/middleware"
	"tempshare/internal/services"
	"tempshare/internal/views/pages"
)

// HealthChecker is implemented by every backing store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handlers contains the HTML request handlers.
type Handlers struct {
	config         *config.Config
	lifecycle      *services.LifecycleManager
	sessionManager *middleware.SessionManager
	notice         template.HTML
	health         map[string]HealthChecker
	logger         *zap.Logger
	now            func() time.Time
}

// New creates a new Handlers instance. The site notice is rendered once here.
func New(
	cfg *config.Config,
	lifecycle *services.LifecycleManager,
	sessionManager *middleware.SessionManager,
	health map[string]HealthChecker,
	logger *zap.Logger,
) (*Handlers, error) {
	notice, err := services.NewNoticeRenderer().Render(cfg.Site.Notice)
	if err != nil {
		return nil, fmt.Errorf("failed to render site notice: %w", err)
	}

	return &Handlers{
		config:         cfg,
		lifecycle:      lifecycle,
		sessionManager: sessionManager,
		notice:         notice,
		health:         health,
		logger:         logger.Named("handlers"),
		now:            time.Now,
	}, nil
}

// basePageData creates the common page data structure.
func (h *Handlers) basePageData(c echo.Context) pages.PageData {
	return pages.PageData{
		SiteName:  h.config.Site.Name,
		CSRFToken: middleware.GetCSRFToken(c),
		Notice:    h.notice,
		Flash: pages.FlashMessages{
			Success: h.sessionManager.GetFlash(c, middleware.FlashSuccess),
			Error:   h.sessionManager.GetFlash(c, middleware.FlashError),
		},
	}
}

// setFlash sets a flash message.
func (h *Handlers) setFlash(c echo.Context, key, message string) {
	if err := h.sessionManager.SetFlash(c, key, message); err != nil {
		h.logger.Warn("failed to set flash", zap.Error(err))
	}
}

// RegisterRoutes registers the HTML routes and the health check.
func (h *Handlers) RegisterRoutes(e *echo.Echo, csrf *middleware.CSRF, uploadLimiter *middleware.RateLimiter) {
	e.GET("/health", h.HealthCheck)

	// Form pages need the session for CSRF and flashes
	e.GET("/", h.UploadForm, csrf.Middleware())
	e.GET("/file/:token", h.ViewFile, middleware.ShareToken("token"), csrf.Middleware())

	// The body limit must apply before the CSRF check parses the form
	e.POST("/", h.Upload,
		uploadLimiter.Middleware(),
		middleware.UploadBodyLimit(h.config.Upload.MaxSize),
		csrf.Middleware(),
	)

	// Downloads are linked from other sites and command lines, so no CSRF here
	e.GET("/download/:token", h.Download, middleware.ShareToken("token"))
}

// HealthCheck reports the state of every backing store.
func (h *Handlers) HealthCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.health))
	status, code := "ok", http.StatusOK
	for name, checker := range h.health {
		if err := checker.HealthCheck(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("component", name), zap.Error(err))
			checks[name] = "unavailable"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	return c.JSON(code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// renderError renders the HTML error page.
func (h *Handlers) renderError(c echo.Context, code int, message string) error {
	return render(c, code, pages.ErrorPage(h.basePageData(c), code, message))
}

// ErrorHandler renders HTML errors for pages and JSON for the API.
func ErrorHandler(logger *zap.Logger, siteName string) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := "Internal Server Error"

		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				message = m
			} else {
				message = http.StatusText(code)
			}
		} else {
			logger.Error("unhandled error",
				zap.String("request_id", middleware.GetRequestID(c)),
				zap.String("path", c.Request().URL.Path),
				zap.Error(err),
			)
		}

		if isAPIRequest(c) {
			c.JSON(code, map[string]any{
				"error": message,
				"code":  code,
			})
			return
		}

		if c.Request().Method == http.MethodHead {
			c.NoContent(code)
			return
		}
		render(c, code, pages.ErrorPage(pages.PageData{SiteName: siteName}, code, message))
	}
}

func isAPIRequest(c echo.Context) bool {
	path := c.Request().URL.Path
	if strings.HasPrefix(path, "/api/") || path == "/health" || path == "/metrics" {
		return true
	}
	return strings.Contains(c.Request().Header.Get(echo.HeaderAccept), echo.MIMEApplicationJSON)
}
