// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/karawan/internal/model"
)

// ErrEmptySession is returned for a session without messages.
var ErrEmptySession = errors.New("session has no messages")

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter renders a session to one document format.
type Exporter interface {
	// Export renders s and returns the document.
	Export(s *model.Session) ([]byte, error)

	// FileExtension returns the extension including the dot.
	FileExtension() string

	// MimeType returns the content type of the document.
	MimeType() string
}

// Formats lists the names accepted by For.
var Formats = []string{"markdown", "html"}

// For returns the exporter for a format name. "md" is accepted for
// markdown.
func For(format string, opts *Options) (Exporter, error) {
	switch strings.ToLower(format) {
	case "markdown", "md":
		return NewMarkdownExporter(opts), nil
	case "html":
		return NewHTMLExporter(opts), nil
	default:
		return nil, fmt.Errorf("unknown export format %q (want %s)", format, strings.Join(Formats, " or "))
	}
}

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures export behavior.
type Options struct {
	// IncludeMetadata adds the model, dates and message count.
	IncludeMetadata bool

	// IncludeTimestamps adds a time to every message heading.
	IncludeTimestamps bool

	// IncludeThoughts adds the model's reasoning above each answer.
	IncludeThoughts bool

	// Now stamps the footer. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		IncludeMetadata:   true,
		IncludeTimestamps: true,
	}
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func validate(s *model.Session) error {
	if s == nil {
		return errors.New("session is nil")
	}
	if len(s.Messages) == 0 {
		return ErrEmptySession
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Filename suggests a file name for an exported session.
func Filename(s *model.Session, exp Exporter) string {
	return fmt.Sprintf("karawan_%s_%s%s",
		sanitizeFilename(s.Title),
		s.CreatedAt.Format("20060102_150405"),
		exp.FileExtension(),
	)
}

// sanitizeFilename removes or replaces characters that are invalid in filenames.
func sanitizeFilename(s string) string {
	const maxLen = 50
	runes := []rune(s)
	if len(runes) > maxLen {
		runes = runes[:maxLen]
	}

	var b strings.Builder
	for _, r := range runes {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('-')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			b.WriteRune('_')
		case r < 32 || r == 127:
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}

// roleLabel names the author of a message in an exported document.
func roleLabel(m *model.Message) string {
	if m.IsPermissionRequest() {
		return "Permission"
	}
	return m.Role.DisplayName()
}

// directiveLabel is the decision shown next to a permission request.
func directiveLabel(status model.DirectiveStatus) string {
	switch status {
	case model.DirectiveAllowed:
		return "allowed"
	case model.DirectiveDenied:
		return "denied"
	default:
		return "pending"
	}
}

// formatTimestamp formats a timestamp for display.
func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

// formatShortTimestamp formats a timestamp for inline display.
func formatShortTimestamp(t time.Time) string {
	return t.Format("15:04:05")
}
