package backfill

import (
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Browsers stamp "Save page as" output with the page origin.
var savedFromRE = regexp.MustCompile(`saved from url=\(\d+\)(\S+)`)

// pageURL recovers the original URL of a saved page: the browser's
// saved-from comment, then canonical and og:url metadata, then the file path.
func pageURL(doc *html.Node, path string) string {
	var saved, canonical, og string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.CommentNode:
			if m := savedFromRE.FindStringSubmatch(n.Data); m != nil && saved == "" {
				saved = m[1]
			}
		case html.ElementNode:
			switch n.Data {
			case "link":
				if strings.EqualFold(attr(n, "rel"), "canonical") && canonical == "" {
					canonical = attr(n, "href")
				}
			case "meta":
				if attr(n, "property") == "og:url" && og == "" {
					og = attr(n, "content")
				}
			case "body":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	for _, u := range []string{saved, canonical, og} {
		if u = strings.TrimSpace(u); strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
			return u
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func isPageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".htm", ".xhtml":
		return true
	}
	return false
}
