package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"tempshare/internal/middleware"
	"tempshare/internal/models"
	"tempshare/internal/scheduler"
	"tempshare/internal/services"
)

// LoginRequest represents an admin login request.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse carries an admin access token.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Login exchanges the admin credentials for a bearer token.
func (h *Handlers) Login(c echo.Context) error {
	clientIP := c.RealIP()
	if allowed, wait := h.loginLimiter.Check(clientIP); !allowed {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many failed login attempts")
	}

	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}

	username, err := h.auth.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, services.ErrAdminDisabled):
		return echo.NewHTTPError(http.StatusNotFound, "admin login is disabled")
	case err != nil:
		h.loginLimiter.RecordFailure(clientIP)
		h.logger.Warn("admin login failed", zap.String("ip", clientIP))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	h.loginLimiter.RecordSuccess(clientIP)

	token, expiresAt, err := GenerateJWT(username, []byte(h.config.Security.SecretKey), h.now(), h.config.Security.JWTExpiry)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate token")
	}

	h.logger.Info("admin logged in", zap.String("username", username), zap.String("ip", clientIP))
	return success(c, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
	})
}

// SweepExpired runs the expiry sweep immediately.
func (h *Handlers) SweepExpired(c echo.Context) error {
	return h.runJob(c, scheduler.JobSweepExpired)
}

// SweepStale runs the retention sweep immediately.
func (h *Handlers) SweepStale(c echo.Context) error {
	return h.runJob(c, scheduler.JobSweepStale)
}

func (h *Handlers) runJob(c echo.Context, name string) error {
	res, err := h.jobs.RunNow(c.Request().Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrJobRunning):
		return echo.NewHTTPError(http.StatusConflict, "sweep already running")
	case err != nil:
		return h.storageError(c, err)
	}

	h.logger.Info("manual sweep",
		zap.String("job", name),
		zap.String("admin", middleware.GetAdmin(c)),
		zap.Int("affected", res.Affected),
		zap.Int("failed", res.Failed),
	)
	return success(c, res)
}

// AdminFile is the admin listing view of a record.
type AdminFile struct {
	ID            string    `json:"id"`
	Token         string    `json:"token"`
	Filename      string    `json:"filename"`
	Size          int64     `json:"size"`
	ContentType   string    `json:"content_type"`
	ContentHash   string    `json:"content_hash"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	DownloadCount int       `json:"download_count"`
	MaxDownloads  int       `json:"max_downloads"`
	IsActive      bool      `json:"is_active"`
	UploaderIP    string    `json:"uploader_ip"`
}

func newAdminFile(r *models.ShareRecord) AdminFile {
	return AdminFile{
		ID:            r.ID,
		Token:         r.ShareToken,
		Filename:      r.OriginalName,
		Size:          r.SizeBytes,
		ContentType:   r.ContentType,
		ContentHash:   r.ContentHash,
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		DownloadCount: r.DownloadCount,
		MaxDownloads:  r.MaxDownloads,
		IsActive:      r.IsActive,
		UploaderIP:    r.UploaderIP,
	}
}

// ListFiles lists every record, active or not, newest first.
func (h *Handlers) ListFiles(c echo.Context) error {
	limit, offset := pagination(c)

	records, total, err := h.lifecycle.List(c.Request().Context(), limit, offset)
	if err != nil {
		return h.storageError(c, err)
	}

	files := make([]AdminFile, 0, len(records))
	for _, r := range records {
		files = append(files, newAdminFile(r))
	}
	return paginated(c, files, total, limit, offset)
}

// Attempt is the JSON view of a download attempt.
type Attempt struct {
	At          time.Time `json:"at"`
	ClientIP    string    `json:"client_ip"`
	ClientAgent string    `json:"client_agent"`
	Succeeded   bool      `json:"succeeded"`
	Outcome     string    `json:"outcome"`
}

// AttemptsResponse pairs a record with its audit trail.
type AttemptsResponse struct {
	File     AdminFile `json:"file"`
	Attempts []Attempt `json:"attempts"`
}

// ListAttempts returns a record's download attempts as JSON or, with format=xlsx, a workbook.
func (h *Handlers) ListAttempts(c echo.Context) error {
	limit, offset := pagination(c)
	xlsx := c.QueryParam("format") == "xlsx"
	if xlsx {
		limit, offset = 10000, 0
	}

	record, attempts, err := h.lifecycle.Attempts(c.Request().Context(), c.Param("token"), limit, offset)
	switch {
	case errors.Is(err, services.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	case err != nil:
		return h.storageError(c, err)
	}

	if xlsx {
		data, err := h.analytics.AttemptsWorkbook(record, attempts)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to build workbook")
		}
		return workbook(c, fmt.Sprintf("attempts-%s.xlsx", record.ID), data)
	}

	out := AttemptsResponse{File: newAdminFile(record), Attempts: make([]Attempt, 0, len(attempts))}
	for _, a := range attempts {
		out.Attempts = append(out.Attempts, Attempt{
			At:          a.At,
			ClientIP:    a.ClientIP,
			ClientAgent: a.ClientAgent,
			Succeeded:   a.Succeeded,
			Outcome:     a.Outcome,
		})
	}
	return success(c, out)
}

// Stats returns the usage report for ?days=N, as JSON or, with format=xlsx, a workbook.
func (h *Handlers) Stats(c echo.Context) error {
	days, _ := strconv.Atoi(c.QueryParam("days"))

	report, err := h.analytics.Usage(c.Request().Context(), days)
	if err != nil {
		return h.storageError(c, err)
	}

	if c.QueryParam("format") == "xlsx" {
		data, err := h.analytics.UsageWorkbook(report)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to build workbook")
		}
		return workbook(c, fmt.Sprintf("usage-%s-%dd.xlsx", h.now().UTC().Format("2006-01-02"), report.Days), data)
	}

	return success(c, report)
}

func workbook(c echo.Context, filename string, data []byte) error {
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, services.XLSXContentType, data)
}
