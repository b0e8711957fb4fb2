// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/jeranaias/karawan/internal/model"
)

var (
	codeBlockPattern  = regexp.MustCompile("```([a-zA-Z0-9_+-]*)\n([\\s\\S]*?)```")
	inlineCodePattern = regexp.MustCompile("`([^`\n]+)`")
)

// =============================================================================
// HTML EXPORTER
// =============================================================================

// HTMLExporter exports sessions to a standalone HTML page.
type HTMLExporter struct {
	options *Options
}

// NewHTMLExporter creates a new HTML exporter.
func NewHTMLExporter(opts *Options) *HTMLExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &HTMLExporter{options: opts}
}

// Export converts a session to HTML. Every text block carries dir="auto"
// so Arabic transcripts read right to left.
func (e *HTMLExporter) Export(s *model.Session) ([]byte, error) {
	if err := validate(s); err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	sb.WriteString("<meta charset=\"UTF-8\">\n")
	sb.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1.0\">\n")
	fmt.Fprintf(&sb, "<title>%s</title>\n", html.EscapeString(s.Title))
	sb.WriteString("<meta name=\"generator\" content=\"karawan\">\n")
	fmt.Fprintf(&sb, "<meta name=\"date\" content=\"%s\">\n", s.CreatedAt.Format(time.RFC3339))
	sb.WriteString(css)
	sb.WriteString("</head>\n<body>\n<div class=\"container\">\n")

	sb.WriteString("<header class=\"header\">\n")
	fmt.Fprintf(&sb, "<h1 dir=\"auto\">%s</h1>\n", html.EscapeString(s.Title))
	if e.options.IncludeMetadata {
		sb.WriteString("<div class=\"metadata\">\n")
		fmt.Fprintf(&sb, "<span><strong>Model:</strong> %s</span>\n", html.EscapeString(s.Model))
		fmt.Fprintf(&sb, "<span><strong>Created:</strong> %s</span>\n", formatTimestamp(s.CreatedAt))
		fmt.Fprintf(&sb, "<span><strong>Messages:</strong> %d</span>\n", len(s.Messages))
		sb.WriteString("</div>\n")
	}
	sb.WriteString("</header>\n")

	sb.WriteString("<main class=\"conversation\">\n")
	for _, msg := range s.Messages {
		sb.WriteString(e.renderMessage(msg))
	}
	sb.WriteString("</main>\n")

	fmt.Fprintf(&sb, "<footer class=\"footer\">Exported from <strong>karawan</strong> on %s</footer>\n",
		formatTimestamp(e.options.now()))
	sb.WriteString("</div>\n</body>\n</html>\n")

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for HTML.
func (e *HTMLExporter) FileExtension() string {
	return ".html"
}

// MimeType returns the MIME type for HTML.
func (e *HTMLExporter) MimeType() string {
	return "text/html; charset=utf-8"
}

// =============================================================================
// RENDERING FUNCTIONS
// =============================================================================

func (e *HTMLExporter) renderMessage(msg *model.Message) string {
	var sb strings.Builder

	class := string(msg.Role)
	if msg.IsPermissionRequest() {
		class = "permission"
	}
	fmt.Fprintf(&sb, "<div class=\"message %s-message\">\n", class)

	sb.WriteString("<div class=\"message-header\">")
	fmt.Fprintf(&sb, "<span class=\"role-label\">%s</span>", html.EscapeString(roleLabel(msg)))
	if e.options.IncludeTimestamps && !msg.Timestamp.IsZero() {
		fmt.Fprintf(&sb, "<span class=\"timestamp\">%s</span>", formatShortTimestamp(msg.Timestamp))
	}
	sb.WriteString("</div>\n")

	if e.options.IncludeThoughts && strings.TrimSpace(msg.Thought) != "" {
		fmt.Fprintf(&sb, "<blockquote class=\"thought\" dir=\"auto\">%s</blockquote>\n",
			html.EscapeString(strings.TrimSpace(msg.Thought)))
	}

	sb.WriteString("<div class=\"message-content\" dir=\"auto\">\n")
	if msg.IsPermissionRequest() {
		fmt.Fprintf(&sb, "<p><code>%s</code> <span class=\"status-%s\">%s</span></p>\n",
			html.EscapeString(msg.DirectiveCommand),
			directiveLabel(msg.DirectiveStatus),
			directiveLabel(msg.DirectiveStatus))
	} else {
		sb.WriteString(formatContent(msg.Content))
		sb.WriteString("\n")
	}
	sb.WriteString("</div>\n")

	if msg.Attachment != nil {
		fmt.Fprintf(&sb, "<div class=\"attachment\">%s (%s)</div>\n",
			html.EscapeString(msg.Attachment.Name), html.EscapeString(msg.Attachment.Size))
	}
	if msg.Error != "" {
		fmt.Fprintf(&sb, "<div class=\"error\">%s</div>\n", html.EscapeString(msg.Error))
	}

	sb.WriteString("</div>\n")
	return sb.String()
}

// formatContent escapes message text and turns fenced and inline code into
// HTML. Other lines become paragraphs.
func formatContent(content string) string {
	var (
		out  []string
		last int
	)
	text := strings.TrimSpace(content)
	for _, loc := range codeBlockPattern.FindAllStringSubmatchIndex(text, -1) {
		out = append(out, paragraphs(text[last:loc[0]])...)
		lang := text[loc[2]:loc[3]]
		code := strings.TrimRight(text[loc[4]:loc[5]], "\n")
		label := ""
		if lang != "" {
			label = fmt.Sprintf("<div class=\"code-lang\">%s</div>", html.EscapeString(lang))
		}
		out = append(out, fmt.Sprintf("<div class=\"code-block\" dir=\"ltr\">%s<pre><code>%s</code></pre></div>",
			label, html.EscapeString(code)))
		last = loc[1]
	}
	out = append(out, paragraphs(text[last:])...)
	return strings.Join(out, "\n")
}

// paragraphs splits text on blank lines into <p> elements.
func paragraphs(text string) []string {
	var out []string
	for _, block := range strings.Split(strings.TrimSpace(text), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		escaped := html.EscapeString(block)
		escaped = inlineCodePattern.ReplaceAllString(escaped, "<code class=\"inline-code\">$1</code>")
		out = append(out, "<p>"+strings.ReplaceAll(escaped, "\n", "<br>")+"</p>")
	}
	return out
}

// =============================================================================
// EMBEDDED CSS
// =============================================================================

const css = `<style>
* { margin: 0; padding: 0; box-sizing: border-box; }
body { font-family: -apple-system, "Segoe UI", "Noto Sans Arabic", Roboto, sans-serif; line-height: 1.6; background: #1e1e1e; color: #d4d4d4; padding: 2rem 1rem; }
.container { max-width: 900px; margin: 0 auto; }
.header { border-bottom: 1px solid #3c3c3c; padding-bottom: 1rem; margin-bottom: 2rem; }
.header h1 { font-size: 1.8rem; color: #ffffff; }
.metadata { display: flex; flex-wrap: wrap; gap: 1.5rem; font-size: 0.9rem; color: #9d9d9d; margin-top: 0.5rem; }
.message { border-radius: 8px; padding: 1rem 1.25rem; margin-bottom: 1.25rem; background: #252526; border-left: 4px solid #3c3c3c; }
.user-message { border-left-color: #4ec9b0; }
.assistant-message { border-left-color: #569cd6; }
.system-message { border-left-color: #c586c0; }
.permission-message { border-left-color: #dcdcaa; }
.message-header { display: flex; justify-content: space-between; font-weight: 600; margin-bottom: 0.5rem; }
.timestamp { font-weight: normal; font-size: 0.8rem; color: #858585; }
.message-content p { margin-bottom: 0.75rem; }
.thought { border-left: 3px solid #555; padding-left: 0.75rem; color: #9d9d9d; font-style: italic; margin-bottom: 0.75rem; white-space: pre-wrap; }
.code-block { background: #1e1e1e; border: 1px solid #3c3c3c; border-radius: 6px; margin: 0.75rem 0; overflow-x: auto; }
.code-lang { font-size: 0.75rem; color: #858585; padding: 0.25rem 0.75rem; border-bottom: 1px solid #3c3c3c; }
pre { padding: 0.75rem; font-family: "Cascadia Code", Consolas, monospace; font-size: 0.9rem; }
.inline-code { background: #3c3c3c; padding: 0.1rem 0.35rem; border-radius: 3px; font-family: Consolas, monospace; }
.attachment { font-size: 0.85rem; color: #9d9d9d; }
.error, .status-denied { color: #f48771; }
.status-allowed { color: #89d185; }
.status-pending { color: #dcdcaa; }
.footer { text-align: center; font-size: 0.85rem; color: #858585; margin-top: 2rem; }
</style>
`
