package api

import (
	"github.com/labstack/echo/v4"

	"tempshare/internal/middleware"
)

var validToken = middleware.ShareToken("token")

// RegisterRoutes registers all API routes.
func RegisterRoutes(e *echo.Echo, h *Handlers, uploadLimiter echo.MiddlewareFunc) {
	jwtMiddleware := NewJWTMiddleware(h.config.Security.SecretKey, h.loginLimiter)

	api := e.Group("/api/v1")

	// Public routes
	api.POST("/files", h.CreateFile,
		uploadLimiter,
		middleware.UploadBodyLimit(h.config.Upload.MaxSize),
	)
	api.GET("/files/:token", h.GetFile, validToken)
	api.GET("/files/:token/admission", h.GetAdmission, validToken)

	api.POST("/admin/login", h.Login)

	// Admin routes
	admin := api.Group("/admin")
	admin.Use(jwtMiddleware.Middleware())
	admin.POST("/sweeps/expired", h.SweepExpired)
	admin.POST("/sweeps/stale", h.SweepStale)
	admin.GET("/files", h.ListFiles)
	admin.GET("/files/:token/attempts", h.ListAttempts, validToken)
	admin.GET("/stats", h.Stats)
}
