// Package api serves the JSON API for scripted uploads and administration.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"tempshare/internal/config"
	"tempshare/internal/middleware"
	"tempshare/internal/models"
	"tempshare/internal/services"
)

// JobRunner runs a scheduled job on demand.
type JobRunner interface {
	RunNow(ctx context.Context, name string) (services.SweepResult, error)
}

// Handlers contains all API request handlers.
type Handlers struct {
	config       *config.Config
	lifecycle    *services.LifecycleManager
	analytics    *services.AnalyticsService
	auth         *services.AdminAuth
	jobs         JobRunner
	loginLimiter *middleware.LoginRateLimiter
	logger       *zap.Logger
	now          func() time.Time
}

// NewHandlers creates a new API handlers instance.
func NewHandlers(
	cfg *config.Config,
	lifecycle *services.LifecycleManager,
	analytics *services.AnalyticsService,
	auth *services.AdminAuth,
	jobs JobRunner,
	loginLimiter *middleware.LoginRateLimiter,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		config:       cfg,
		lifecycle:    lifecycle,
		analytics:    analytics,
		auth:         auth,
		jobs:         jobs,
		loginLimiter: loginLimiter,
		logger:       logger.Named("api"),
		now:          time.Now,
	}
}

// Response helpers

type successResponse struct {
	Data interface{} `json:"data"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

type paginatedResponse struct {
	Data   interface{} `json:"data"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func success(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, successResponse{Data: data})
}

func created(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusCreated, successResponse{Data: data})
}

func paginated(c echo.Context, data interface{}, total, limit, offset int) error {
	return c.JSON(http.StatusOK, paginatedResponse{
		Data:   data,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// pagination reads limit and offset, clamping limit to 1..100.
func pagination(c echo.Context) (limit, offset int) {
	limit = 50
	if v := c.QueryParam("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

// storageError logs err and reports the backing stores as unavailable.
func (h *Handlers) storageError(c echo.Context, err error) error {
	h.logger.Error("storage failure",
		zap.String("request_id", middleware.GetRequestID(c)),
		zap.String("path", c.Path()),
		zap.Error(err),
	)
	c.Response().Header().Set("Retry-After", "30")
	return echo.NewHTTPError(http.StatusServiceUnavailable, "storage temporarily unavailable")
}

// File handlers

// FileResponse is returned after a successful upload.
type FileResponse struct {
	Token       string             `json:"token"`
	ShareURL    string             `json:"share_url"`
	DownloadURL string             `json:"download_url"`
	Status      *models.StatusView `json:"status"`
}

// CreateFile accepts a multipart upload with fields file, expiry_minutes and max_downloads.
func (h *Handlers) CreateFile(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "file is required",
			Code:    http.StatusBadRequest,
			Details: "file",
		})
	}

	expiry := time.Duration(0)
	if v := strings.TrimSpace(c.FormValue("expiry_minutes")); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{
				Error:   "expiry_minutes must be an integer",
				Code:    http.StatusBadRequest,
				Details: "expiry",
			})
		}
		expiry = time.Duration(minutes) * time.Minute
	} else if choices := h.lifecycle.ExpiryChoices(); len(choices) > 0 {
		expiry = choices[0]
	}

	maxDownloads := 0
	if v := strings.TrimSpace(c.FormValue("max_downloads")); v != "" {
		if maxDownloads, err = strconv.Atoi(v); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{
				Error:   "max_downloads must be an integer",
				Code:    http.StatusBadRequest,
				Details: "max_downloads",
			})
		}
	}

	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read uploaded file")
	}
	defer src.Close()

	client := middleware.Client(c)
	record, err := h.lifecycle.Create(c.Request().Context(), services.UploadInput{
		Filename:      file.Filename,
		Size:          file.Size,
		Body:          src,
		Expiry:        expiry,
		MaxDownloads:  maxDownloads,
		UploaderIP:    client.IP,
		UploaderAgent: client.UserAgent,
	})

	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   verr.Message,
			Code:    http.StatusBadRequest,
			Details: verr.Field,
		})
	case err != nil:
		return h.storageError(c, err)
	}

	return created(c, FileResponse{
		Token:       record.ShareToken,
		ShareURL:    h.config.Site.URL + "/file/" + record.ShareToken,
		DownloadURL: h.config.Site.URL + "/download/" + record.ShareToken,
		Status:      models.NewStatusView(record, h.now()),
	})
}

// GetFile returns the status of an active share.
func (h *Handlers) GetFile(c echo.Context) error {
	status, err := h.lifecycle.Status(c.Request().Context(), c.Param("token"))
	switch {
	case errors.Is(err, services.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	case err != nil:
		return h.storageError(c, err)
	}
	return success(c, status)
}

// AdmissionResponse is an advisory answer to "would a download succeed now".
type AdmissionResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// GetAdmission reports whether a download would currently be admitted. It counts nothing.
func (h *Handlers) GetAdmission(c echo.Context) error {
	adm, err := h.lifecycle.CheckAdmission(c.Request().Context(), c.Param("token"))
	if err != nil {
		return h.storageError(c, err)
	}
	return success(c, AdmissionResponse{
		Allowed: adm.Allowed(),
		Reason:  adm.Reason.String(),
	})
}
