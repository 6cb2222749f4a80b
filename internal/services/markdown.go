package services

import (
	"bytes"
	"html/template"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// NoticeRenderer turns the operator's site notice from markdown into sanitized HTML.
type NoticeRenderer struct {
	md        goldmark.Markdown
	sanitizer *bluemonday.Policy
}

// NewNoticeRenderer creates a renderer with secure defaults.
func NewNoticeRenderer() *NoticeRenderer {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,         // GitHub Flavored Markdown
			extension.Typographer, // Smart quotes, dashes, etc.
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithUnsafe(), // sanitized separately with bluemonday
		),
	)

	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("mark", "kbd")
	sanitizer.RequireNoFollowOnLinks(true)
	sanitizer.AddTargetBlankToFullyQualifiedLinks(true)

	return &NoticeRenderer{md: md, sanitizer: sanitizer}
}

// Render converts markdown to sanitized HTML. Empty input renders to an empty string.
func (r *NoticeRenderer) Render(markdown string) (template.HTML, error) {
	if markdown == "" {
		return "", nil
	}

	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}

	return template.HTML(r.sanitizer.SanitizeBytes(buf.Bytes())), nil
}
