package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"tempshare/internal/middleware"
	"tempshare/internal/models"
	"tempshare/internal/services"
	"tempshare/internal/views/pages"
)

// ViewFile renders the status page of a share.
func (h *Handlers) ViewFile(c echo.Context) error {
	token := c.Param("token")

	status, err := h.lifecycle.Status(c.Request().Context(), token)
	switch {
	case errors.Is(err, services.ErrNotFound):
		return h.renderError(c, http.StatusNotFound, "This file does not exist or has been removed.")
	case err != nil:
		return h.storageUnavailable(c, err)
	}

	return render(c, http.StatusOK, pages.FilePage(h.basePageData(c), pages.FileView{
		Status:      status,
		ShareURL:    h.config.Site.URL + "/file/" + token,
		DownloadURL: "/download/" + token,
		Now:         h.now(),
	}))
}

// Download streams a file and counts the download.
func (h *Handlers) Download(c echo.Context) error {
	token := c.Param("token")

	dl, err := h.lifecycle.RecordDownload(c.Request().Context(), token, middleware.Client(c))
	if err != nil {
		return h.storageUnavailable(c, err)
	}

	switch dl.Reason {
	case services.DenyNone:
	case services.DenyExpired:
		return h.renderError(c, http.StatusGone, "This link has expired.")
	case services.DenyLimitReached:
		return h.renderError(c, http.StatusGone, "This file has reached its download limit.")
	default:
		return h.renderError(c, http.StatusNotFound, "This file does not exist or has been removed.")
	}
	defer dl.Payload.Close()

	return h.stream(c, dl.Record, dl.ContentType, dl.Payload)
}

func (h *Handlers) stream(c echo.Context, record *models.ShareRecord, contentType string, payload io.Reader) error {
	header := c.Response().Header()
	header.Set(echo.HeaderContentType, contentType)
	header.Set(echo.HeaderContentDisposition, attachment(record.OriginalName))
	header.Set(echo.HeaderContentLength, strconv.FormatInt(record.SizeBytes, 10))
	header.Set("Cache-Control", "no-store")
	header.Set("X-Content-Type-Options", "nosniff")
	c.Response().WriteHeader(http.StatusOK)

	if _, err := io.Copy(c.Response(), payload); err != nil {
		// Headers are out; all we can do is log and drop the connection
		h.logger.Warn("download interrupted",
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.String("id", record.ID),
			zap.Error(err),
		)
		return nil
	}
	return nil
}

// attachment builds a Content-Disposition value, RFC 2231 encoding non-ASCII names.
func attachment(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}

func (h *Handlers) storageUnavailable(c echo.Context, err error) error {
	h.logger.Error("storage failure",
		zap.String("request_id", middleware.GetRequestID(c)),
		zap.String("path", c.Request().URL.Path),
		zap.Error(err),
	)
	c.Response().Header().Set("Retry-After", "30")
	return h.renderError(c, http.StatusServiceUnavailable, "The file is temporarily unavailable. Please try again shortly.")
}
