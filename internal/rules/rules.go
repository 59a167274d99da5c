// Package rules renders a game's custom-rules Markdown file down to
// plain text suitable for splicing into a system prompt.
package rules

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
)

// Render converts Markdown source to plain text: it runs the Markdown
// through goldmark to HTML, then strips tags, collapsing the result to
// readable paragraphs. Malformed Markdown never errors out of
// goldmark, so the only failure mode is an HTML parse error, which
// cannot occur on goldmark's own output.
func Render(markdown []byte) (string, error) {
	var htmlBuf bytes.Buffer
	if err := goldmark.Convert(markdown, &htmlBuf); err != nil {
		return "", err
	}

	doc, err := html.Parse(&htmlBuf)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	extractText(doc, &text)
	return strings.TrimSpace(collapseBlankLines(text.String())), nil
}

func extractText(n *html.Node, out *strings.Builder) {
	if n.Type == html.TextNode {
		// Whitespace between list items is HTML layout, not content.
		if n.Parent != nil && (n.Parent.Data == "ul" || n.Parent.Data == "ol") && strings.TrimSpace(n.Data) == "" {
			return
		}
		out.WriteString(n.Data)
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "p", "li", "h1", "h2", "h3", "h4", "h5", "h6", "br", "tr":
			out.WriteString("\n")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, out)
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}
