package browser

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// MaxTextLength caps the text returned by Handle.Text.
const MaxTextLength = 100000

// extractText renders the visible text of an HTML document, one line per
// block element, with scripts, styles and other noise removed.
func extractText(rawHTML string) (string, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	var lines []string
	var line strings.Builder
	flush := func() {
		if text := strings.Join(strings.Fields(line.String()), " "); text != "" {
			lines = append(lines, text)
		}
		line.Reset()
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.CommentNode:
			return
		case html.TextNode:
			line.WriteString(n.Data)
			line.WriteByte(' ')
			return
		case html.ElementNode:
			tag := strings.ToLower(n.Data)
			if isSkippedElement(tag) {
				return
			}
			if isBlockElement(tag) || tag == "br" {
				flush()
				defer flush()
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	flush()

	text := strings.Join(lines, "\n")
	if len(text) > MaxTextLength {
		text = text[:MaxTextLength] + "..."
	}
	return text, nil
}

// isSkippedElement returns true for elements that never contribute text
func isSkippedElement(tagName string) bool {
	switch tagName {
	case "script", "style", "noscript", "iframe", "embed", "object", "svg", "template", "head":
		return true
	}
	return false
}

// isBlockElement returns true for elements that start a new line
func isBlockElement(tagName string) bool {
	switch tagName {
	case "div", "p", "section", "article", "header", "footer", "nav", "main", "aside",
		"h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "li", "table", "tr", "td", "th",
		"form", "fieldset", "blockquote", "pre", "title", "body", "dl", "dt", "dd":
		return true
	}
	return false
}
