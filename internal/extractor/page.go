package extractor

import (
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Page is a rendered document snapshot ready for extraction.
type Page struct {
	URL        string
	Title      string
	Doc        *html.Node
	CapturedAt time.Time
}

// ParsePage parses an HTML document. The title falls back to the document's
// <title> element when the caller does not know it.
func ParsePage(r io.Reader, url, title string, capturedAt time.Time) (*Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if title == "" {
		title = documentTitle(doc)
	}
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	return &Page{URL: url, Title: title, Doc: doc, CapturedAt: capturedAt}, nil
}

func documentTitle(doc *html.Node) string {
	var title string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "title" {
			title = strings.TrimSpace(textOfRaw(n))
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(doc)
	return title
}

func textOfRaw(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}
