// Package pages holds the HTML pages. The *_templ.go files are generated
// from the .templ sources with `templ generate`.
package pages

import (
	"fmt"
	"html/template"
	"strings"
	"time"

	"tempshare/internal/models"
)

// FlashMessages holds one-shot messages carried across a redirect.
type FlashMessages struct {
	Success []string
	Error   []string
}

// PageData is the data every page layout needs.
type PageData struct {
	Title     string
	SiteName  string
	CSRFToken string
	Flash     FlashMessages
	Notice    template.HTML // sanitized site notice
}

// ExpiryOption is one entry of the expiry select.
type ExpiryOption struct {
	Minutes  int
	Selected bool
}

// UploadForm describes the upload page.
type UploadForm struct {
	Expiries            []ExpiryOption
	DefaultMaxDownloads int
	MaxDownloadsLimit   int
	MaxSize             int64
	Extensions          []string
	ActiveFiles         int
	Error               string
}

// FileView describes the status page of one share.
type FileView struct {
	Status      *models.StatusView
	ShareURL    string
	DownloadURL string
	Now         time.Time
}

// HumanDuration formats d as "5 minutes", "1 hour", "1 hour 30 minutes".
func HumanDuration(d time.Duration) string {
	if d < time.Minute {
		return "less than a minute"
	}

	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)

	var parts []string
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	return strings.Join(parts, " ")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func withTitle(data PageData, title string) PageData {
	data.Title = title
	return data
}

func pageTitle(data PageData) string {
	if data.Title == "" {
		return data.SiteName
	}
	return data.Title + " · " + data.SiteName
}

func (o ExpiryOption) label() string {
	return HumanDuration(time.Duration(o.Minutes) * time.Minute)
}

func uploadHint(form UploadForm) string {
	return fmt.Sprintf("Up to %s. Allowed: %s", models.FormatSize(form.MaxSize), strings.Join(form.Extensions, " "))
}

func activeFilesText(n int) string {
	return plural(n, "file") + " currently shared."
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 MST")
}

func remainingText(view FileView) string {
	return "(in " + HumanDuration(view.Status.ExpiresAt.Sub(view.Now).Round(time.Minute)) + ")"
}

func downloadsText(st *models.StatusView) string {
	return fmt.Sprintf("%d of %d", st.DownloadCount, st.MaxDownloads)
}

const styles = `<style>
body{font-family:system-ui,-apple-system,"Segoe UI",sans-serif;max-width:42rem;margin:2rem auto;padding:0 1rem;color:#1f2933;background:#f8fafc}
header{display:flex;justify-content:space-between;align-items:baseline;border-bottom:1px solid #d9e2ec;margin-bottom:1.5rem}
header a{color:inherit;text-decoration:none}
.card{background:#fff;border:1px solid #d9e2ec;border-radius:.5rem;padding:1.25rem;margin-bottom:1rem}
.flash{padding:.75rem 1rem;border-radius:.375rem;margin-bottom:1rem}
.flash.success{background:#e3f9e5;color:#1d6f42}
.flash.error{background:#ffe3e3;color:#8a1c1c}
label{display:block;font-weight:600;margin:.75rem 0 .25rem}
input,select{font:inherit;padding:.4rem;width:100%;box-sizing:border-box}
button,.button{display:inline-block;margin-top:1rem;padding:.5rem 1.25rem;background:#2f6fde;color:#fff;border:0;border-radius:.375rem;font:inherit;text-decoration:none;cursor:pointer}
.muted{color:#627d98;font-size:.9rem}
dl{display:grid;grid-template-columns:max-content auto;gap:.35rem 1rem}
dt{font-weight:600}
dd{margin:0;word-break:break-all}
progress{width:100%}
</style>`
