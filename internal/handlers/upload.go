package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"tempshare/internal/middleware"
	"tempshare/internal/services"
	"tempshare/internal/views/pages"
)

// UploadForm renders the upload page.
func (h *Handlers) UploadForm(c echo.Context) error {
	return render(c, http.StatusOK, pages.UploadPage(h.basePageData(c), h.uploadForm(c, 0, "")))
}

func (h *Handlers) uploadForm(c echo.Context, selected time.Duration, message string) pages.UploadForm {
	maxSize, defaultDownloads, limit := h.lifecycle.UploadLimits()
	choices := h.lifecycle.ExpiryChoices()

	active, err := h.lifecycle.ActiveCount(c.Request().Context())
	if err != nil {
		h.logger.Warn("failed to count active shares", zap.Error(err))
	}

	form := pages.UploadForm{
		DefaultMaxDownloads: defaultDownloads,
		MaxDownloadsLimit:   limit,
		MaxSize:             maxSize,
		Extensions:          h.config.Upload.AllowedExtens,
		ActiveFiles:         active,
		Error:               message,
	}
	for i, d := range choices {
		form.Expiries = append(form.Expiries, pages.ExpiryOption{
			Minutes:  int(d / time.Minute),
			Selected: d == selected || (selected == 0 && i == 0),
		})
	}
	return form
}

// Upload stores a file and redirects to its status page.
func (h *Handlers) Upload(c echo.Context) error {
	expiry := parseExpiry(c.FormValue("expiry"))

	file, err := c.FormFile("file")
	if err != nil {
		return h.uploadError(c, http.StatusBadRequest, expiry, "Please choose a file to upload.")
	}

	maxDownloads, err := parseMaxDownloads(c.FormValue("max_downloads"))
	if err != nil {
		return h.uploadError(c, http.StatusBadRequest, expiry, "Maximum downloads must be a whole number.")
	}

	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to read uploaded file")
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
		return h.uploadError(c, http.StatusBadRequest, expiry, uploadMessage(verr))
	case err != nil:
		h.logger.Error("upload failed", zap.String("request_id", middleware.GetRequestID(c)), zap.Error(err))
		c.Response().Header().Set("Retry-After", "30")
		return h.renderError(c, http.StatusServiceUnavailable, "The file could not be stored right now. Please try again shortly.")
	}

	h.setFlash(c, middleware.FlashSuccess, "File uploaded. Copy the share link below.")
	return c.Redirect(http.StatusSeeOther, "/file/"+record.ShareToken)
}

func (h *Handlers) uploadError(c echo.Context, status int, expiry time.Duration, message string) error {
	return render(c, status, pages.UploadPage(h.basePageData(c), h.uploadForm(c, expiry, message)))
}

// uploadMessage turns a validation error into a sentence for the form.
func uploadMessage(verr *services.ValidationError) string {
	msg := verr.Message
	if msg == "" {
		return "The upload was rejected."
	}
	msg = strings.ToUpper(msg[:1]) + msg[1:]
	if !strings.HasSuffix(msg, ".") {
		msg += "."
	}
	return msg
}

// parseExpiry reads the expiry select value, in minutes. Garbage yields zero,
// which the lifecycle manager rejects.
func parseExpiry(value string) time.Duration {
	minutes, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || minutes <= 0 {
		return 0
	}
	return time.Duration(minutes) * time.Minute
}

// parseMaxDownloads treats an empty value as "use the default".
func parseMaxDownloads(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}
