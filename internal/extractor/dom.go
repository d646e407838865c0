package extractor

import (
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// RectAttr carries layout information stamped onto elements by the browser
// source, formatted "x y w h" in CSS pixels.
const RectAttr = "data-chatcap-rect"

var skippedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"head": true, "svg": true, "iframe": true, "button": true, "textarea": true,
}

var blockTags = map[string]bool{
	"div": true, "p": true, "li": true, "section": true, "article": true, "td": true,
	"blockquote": true, "pre": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"h5": true, "h6": true, "dd": true, "main": true,
}

// textOf returns the whitespace-collapsed visible text below n.
func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		switch c.Type {
		case html.TextNode:
			sb.WriteString(c.Data)
			sb.WriteByte(' ')
			return
		case html.ElementNode:
			if skippedTags[c.Data] {
				return
			}
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			walk(k)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

type rect struct {
	X, Y, W, H float64
}

func rectOf(n *html.Node) (rect, bool) {
	v, ok := lookupAttr(n, RectAttr)
	if !ok {
		return rect{}, false
	}
	f := strings.Fields(v)
	if len(f) != 4 {
		return rect{}, false
	}
	var vals [4]float64
	for i, s := range f {
		x, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return rect{}, false
		}
		vals[i] = x
	}
	return rect{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, true
}

// isVisible approximates the browser's bounding box and computed style checks.
func isVisible(n *html.Node) bool {
	if r, ok := rectOf(n); ok && (r.W <= 0 || r.H <= 0) {
		return false
	}
	for c := n; c != nil; c = c.Parent {
		if c.Type != html.ElementNode {
			continue
		}
		if skippedTags[c.Data] {
			return false
		}
		if _, hidden := lookupAttr(c, "hidden"); hidden {
			return false
		}
		if strings.EqualFold(attr(c, "aria-hidden"), "true") {
			return false
		}
		if hiddenByStyle(attr(c, "style")) {
			return false
		}
	}
	return true
}

func hiddenByStyle(style string) bool {
	if style == "" {
		return false
	}
	for _, decl := range strings.Split(style, ";") {
		k, v, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "!important")))
		switch {
		case k == "display" && v == "none":
			return true
		case k == "visibility" && (v == "hidden" || v == "collapse"):
			return true
		case k == "opacity":
			if f, err := strconv.ParseFloat(v, 64); err == nil && f == 0 {
				return true
			}
		}
	}
	return false
}

// positionOf rounds the element's vertical offset to a 10px bucket when layout
// is known, otherwise falls back to its structural coordinates.
func positionOf(n *html.Node) int {
	if r, ok := rectOf(n); ok {
		return int(math.Floor(r.Y/10)) * 10
	}
	depth := 0
	for p := n.Parent; p != nil; p = p.Parent {
		depth++
	}
	idx := 0
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode {
			idx++
		}
	}
	return depth*1000 + idx
}

var (
	userKeywords        = []string{"user", "self", "me", "outgoing", "sent", "human", "right", "message-out", "own"}
	counterpartKeywords = []string{"assistant", "bot", "ai", "agent", "incoming", "received", "model", "left", "message-in", "response"}
	roleAttrs           = []string{"data-message-author-role", "data-author-role", "data-role", "data-sender"}
)

// classifySender inspects the element and its containers for authorship hints.
func classifySender(n *html.Node, s *PlatformStrategy) Sender {
	if s != nil && s.SenderAttribute != "" {
		for c, depth := n, 0; c != nil && depth < 4; c, depth = c.Parent, depth+1 {
			if c.Type != html.ElementNode {
				continue
			}
			if v, ok := lookupAttr(c, s.SenderAttribute); ok {
				if sender, ok := s.SenderValues[strings.ToLower(v)]; ok {
					return sender
				}
				if len(s.SenderValues) > 0 {
					return SenderCounterpart
				}
			}
		}
	}

	for c, depth := n, 0; c != nil && depth < 4; c, depth = c.Parent, depth+1 {
		if c.Type != html.ElementNode {
			continue
		}
		for _, key := range roleAttrs {
			if v, ok := lookupAttr(c, key); ok {
				if sender := senderFromTokens(tokenize(v)); sender != SenderUnknown {
					return sender
				}
			}
		}
		if c.Data == "user-query" {
			return SenderUser
		}
		if c.Data == "model-response" {
			return SenderCounterpart
		}
		hints := tokenize(attr(c, "class") + " " + attr(c, "data-testid") + " " + attr(c, "aria-label"))
		if sender := senderFromTokens(hints); sender != SenderUnknown {
			return sender
		}
	}
	return SenderUnknown
}

func tokenize(s string) []string {
	s = strings.ToLower(s)
	var out []string
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '_' || r == '\t' }) {
		out = append(out, f)
		// "message-in" style hints are kept whole and split on dashes.
		out = append(out, strings.Split(f, "-")...)
	}
	return out
}

func senderFromTokens(tokens []string) Sender {
	for _, t := range tokens {
		if containsStr(userKeywords, t) {
			return SenderUser
		}
	}
	for _, t := range tokens {
		if containsStr(counterpartKeywords, t) {
			return SenderCounterpart
		}
	}
	return SenderUnknown
}

var timeAttrs = []string{"datetime", "data-timestamp", "data-time", "data-pre-plain-text-time"}

// timestampOf reconstructs an approximate send time from nearby markup.
func timestampOf(n *html.Node, fallback time.Time) time.Time {
	if t, ok := firstTimeElement(n); ok {
		return t
	}
	for c, depth := n, 0; c != nil && depth < 3; c, depth = c.Parent, depth+1 {
		if c.Type != html.ElementNode {
			continue
		}
		for _, key := range timeAttrs {
			if v, ok := lookupAttr(c, key); ok {
				if t, ok := parseTimestamp(v); ok {
					return t
				}
			}
		}
	}
	return fallback
}

func firstTimeElement(n *html.Node) (time.Time, bool) {
	var found time.Time
	ok := false
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if ok {
			return
		}
		if c.Type == html.ElementNode && c.Data == "time" {
			if v, has := lookupAttr(c, "datetime"); has {
				found, ok = parseTimestamp(v)
				if ok {
					return
				}
			}
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			walk(k)
		}
	}
	walk(n)
	return found, ok
}

func parseTimestamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
		// Treat 13+ digit values as milliseconds.
		if n >= 1e12 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	return time.Time{}, false
}
