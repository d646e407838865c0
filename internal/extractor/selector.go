package extractor

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Selector is a compiled compound CSS selector list. Only simple compound
// selectors are supported (tag, #id, .class and attribute tests); combinators
// are rejected at compile time.
type Selector struct {
	raw   string
	parts []compound
}

type compound struct {
	tag     string
	id      string
	classes []string
	attrs   []attrTest
}

type attrTest struct {
	key string
	op  string // "", "=", "*=", "^=", "$=", "~="
	val string
}

// CompileSelector parses a comma separated list of compound selectors.
func CompileSelector(raw string) (*Selector, error) {
	s := &Selector{raw: raw}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		c, err := parseCompound(item)
		if err != nil {
			return nil, fmt.Errorf("selector %q: %w", raw, err)
		}
		s.parts = append(s.parts, c)
	}
	if len(s.parts) == 0 {
		return nil, fmt.Errorf("selector %q: empty", raw)
	}
	return s, nil
}

func (s *Selector) String() string { return s.raw }

func parseCompound(src string) (compound, error) {
	var c compound
	i := 0
	readIdent := func() string {
		start := i
		for i < len(src) && isIdentByte(src[i]) {
			i++
		}
		return src[start:i]
	}

	if i < len(src) && (isIdentByte(src[i]) || src[i] == '*') {
		if src[i] == '*' {
			i++
		} else {
			c.tag = strings.ToLower(readIdent())
		}
	}

	for i < len(src) {
		switch src[i] {
		case '.':
			i++
			name := readIdent()
			if name == "" {
				return c, fmt.Errorf("empty class at offset %d", i)
			}
			c.classes = append(c.classes, name)
		case '#':
			i++
			name := readIdent()
			if name == "" {
				return c, fmt.Errorf("empty id at offset %d", i)
			}
			c.id = name
		case '[':
			end := strings.IndexByte(src[i:], ']')
			if end < 0 {
				return c, fmt.Errorf("unterminated attribute test")
			}
			t, err := parseAttrTest(src[i+1 : i+end])
			if err != nil {
				return c, err
			}
			c.attrs = append(c.attrs, t)
			i += end + 1
		case ' ', '>', '+', '~':
			return c, fmt.Errorf("combinators are not supported")
		default:
			return c, fmt.Errorf("unexpected %q at offset %d", src[i], i)
		}
	}
	return c, nil
}

func parseAttrTest(body string) (attrTest, error) {
	body = strings.TrimSpace(body)
	for _, op := range []string{"*=", "^=", "$=", "~=", "="} {
		if idx := strings.Index(body, op); idx > 0 {
			val := strings.TrimSpace(body[idx+len(op):])
			val = strings.Trim(val, `"'`)
			return attrTest{key: strings.ToLower(strings.TrimSpace(body[:idx])), op: op, val: val}, nil
		}
	}
	if body == "" {
		return attrTest{}, fmt.Errorf("empty attribute test")
	}
	return attrTest{key: strings.ToLower(body)}, nil
}

func isIdentByte(b byte) bool {
	return b == '-' || b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// Matches reports whether n satisfies any compound in the list.
func (s *Selector) Matches(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	for _, c := range s.parts {
		if c.matches(n) {
			return true
		}
	}
	return false
}

func (c compound) matches(n *html.Node) bool {
	if c.tag != "" && c.tag != n.Data {
		return false
	}
	if c.id != "" && attr(n, "id") != c.id {
		return false
	}
	if len(c.classes) > 0 {
		have := strings.Fields(attr(n, "class"))
		for _, want := range c.classes {
			if !containsStr(have, want) {
				return false
			}
		}
	}
	for _, t := range c.attrs {
		v, ok := lookupAttr(n, t.key)
		if !ok {
			return false
		}
		switch t.op {
		case "=":
			ok = v == t.val
		case "*=":
			ok = strings.Contains(v, t.val)
		case "^=":
			ok = strings.HasPrefix(v, t.val)
		case "$=":
			ok = strings.HasSuffix(v, t.val)
		case "~=":
			ok = containsStr(strings.Fields(v), t.val)
		}
		if !ok {
			return false
		}
	}
	return true
}

// MatchAll returns every element in the subtree rooted at root (root
// included) that matches, in document order.
func (s *Selector) MatchAll(root *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if s.Matches(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// MatchFirst reports whether any element in the subtree matches.
func (s *Selector) MatchFirst(root *html.Node) bool {
	found := false
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found {
			return
		}
		if s.Matches(n) {
			found = true
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return found
}

func attr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
