package services

import (
	"bytes"
)

// ScanWindow is how many leading bytes of an upload the scanner inspects.
const ScanWindow = 10 * 1024

// Scan modes.
const (
	ScanOff    = "off"
	ScanWarn   = "warn"
	ScanReject = "reject"
)

var suspiciousPatterns = [][]byte{
	[]byte("<script"),
	[]byte("javascript:"),
	[]byte("<?php"),
	[]byte("<%"),
	[]byte("eval("),
}

// ContentScanner looks for script-like markers at the start of an upload.
// It is a heuristic pre-check only. It does not replace antivirus scanning
// or serving downloads as attachments.
type ContentScanner struct {
	mode string
}

// NewContentScanner returns a scanner in the given mode (off, warn or reject).
func NewContentScanner(mode string) *ContentScanner {
	return &ContentScanner{mode: mode}
}

// Mode reports the configured mode.
func (s *ContentScanner) Mode() string {
	return s.mode
}

// Scan returns the first suspicious pattern found in header, if any.
func (s *ContentScanner) Scan(header []byte) (string, bool) {
	if s.mode == ScanOff {
		return "", false
	}
	if len(header) > ScanWindow {
		header = header[:ScanWindow]
	}
	lower := bytes.ToLower(header)
	for _, p := range suspiciousPatterns {
		if bytes.Contains(lower, p) {
			return string(p), true
		}
	}
	return "", false
}
