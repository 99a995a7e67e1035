// ABOUTME: Markdown rendering for agent responses
// ABOUTME: Converts entry content to HTML with GitHub-flavored extensions and exports transcripts

package transcript

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// RenderHTML converts markdown content to HTML. Raw HTML in the source is
// omitted by the renderer.
func RenderHTML(content string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.String(), nil
}

// WriteHTML writes entries as a standalone HTML page. Agent replies are
// rendered as markdown; user and error text is escaped verbatim.
func WriteHTML(w io.Writer, title string, entries []Entry) error {
	if _, err := fmt.Fprintf(w, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head>\n<body>\n",
		html.EscapeString(title)); err != nil {
		return err
	}

	for _, e := range entries {
		body := "<p>" + html.EscapeString(e.Content) + "</p>"
		if e.Role == RoleAgent {
			rendered, err := RenderHTML(e.Content)
			if err != nil {
				return err
			}
			body = rendered
		}
		if _, err := fmt.Fprintf(w, "<div class=\"entry %s\" data-id=\"%s\">\n<time>%s</time>\n%s</div>\n",
			e.Role, html.EscapeString(e.ID), e.At.Format(time.RFC3339), body); err != nil {
			return err
		}
	}

	_, err := io.WriteString(w, "</body></html>\n")
	return err
}
