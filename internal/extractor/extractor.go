package extractor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/MikeSquared-Agency/chatcap/internal/dedup"
	"golang.org/x/net/html"
)

// Options bound the work a single scan may do.
type Options struct {
	MaxCandidates    int
	MinTextLength    int // for platform message selectors
	GenericMinLength int // for generic, text-walk and attribute stages
	MaxContentLength int
}

func DefaultOptions() Options {
	return Options{
		MaxCandidates:    1000,
		MinTextLength:    1,
		GenericMinLength: 20,
		MaxContentLength: 10000,
	}
}

var (
	genericSelectors   = []string{"article", "[role=article]", "[role=listitem]", "li", "p", "blockquote", "pre"}
	attributeSelectors = []string{"[data-message-id]", "[data-testid*=message]", "[data-message-author-role]", "[data-author]"}
)

type Extractor struct {
	platforms *Platforms
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	generic    []*Selector
	attributes []*Selector
}

func New(platforms *Platforms, opts Options, logger *slog.Logger) *Extractor {
	def := DefaultOptions()
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = def.MaxCandidates
	}
	if opts.MinTextLength <= 0 {
		opts.MinTextLength = def.MinTextLength
	}
	if opts.GenericMinLength <= 0 {
		opts.GenericMinLength = def.GenericMinLength
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = def.MaxContentLength
	}
	if platforms == nil {
		platforms = DefaultPlatforms()
	}
	e := &Extractor{
		platforms: platforms,
		opts:      opts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	e.generic = mustCompileAll(genericSelectors)
	e.attributes = mustCompileAll(attributeSelectors)
	return e
}

func mustCompileAll(raw []string) []*Selector {
	out := make([]*Selector, 0, len(raw))
	for _, r := range raw {
		sel, err := CompileSelector(r)
		if err != nil {
			panic(err)
		}
		out = append(out, sel)
	}
	return out
}

// Platforms returns the strategy table the extractor detects against.
func (e *Extractor) Platforms() *Platforms { return e.platforms }

// candidate is a matched element awaiting acceptance.
type candidate struct {
	node     *html.Node
	selector string
}

type stage struct {
	name   string
	minLen int
	find   func(root *html.Node, stats *PerformanceStats) []candidate
}

func (e *Extractor) stages(s *PlatformStrategy) []stage {
	return []stage{
		{name: "semantic", minLen: e.opts.MinTextLength, find: func(root *html.Node, stats *PerformanceStats) []candidate {
			set := s.Selectors()
			stats.SelectorErrors += len(set.Errors)
			return e.matchSelectors(root, set.Messages, stats)
		}},
		{name: "generic", minLen: e.opts.GenericMinLength, find: func(root *html.Node, stats *PerformanceStats) []candidate {
			return e.matchSelectors(root, e.generic, stats)
		}},
		{name: "textwalk", minLen: e.opts.GenericMinLength, find: func(root *html.Node, _ *PerformanceStats) []candidate {
			return textWalk(root)
		}},
		{name: "attributes", minLen: e.opts.GenericMinLength, find: func(root *html.Node, stats *PerformanceStats) []candidate {
			return e.matchSelectors(root, e.attributes, stats)
		}},
	}
}

// matchSelectors runs each selector in isolation; a selector that fails is
// skipped and the scan carries on with the rest.
func (e *Extractor) matchSelectors(root *html.Node, sels []*Selector, stats *PerformanceStats) []candidate {
	var out []candidate
	for _, sel := range sels {
		nodes, err := safeMatch(sel, root)
		if err != nil {
			stats.SelectorErrors++
			e.logger.Debug("selector failed", "selector", sel.String(), "error", err)
			continue
		}
		for _, n := range nodes {
			out = append(out, candidate{node: n, selector: sel.String()})
		}
	}
	return out
}

func safeMatch(sel *Selector, root *html.Node) (nodes []*html.Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("match panicked: %v", r)
		}
	}()
	return sel.MatchAll(root), nil
}

// textWalk groups free text nodes under their nearest block-level container.
func textWalk(root *html.Node) []candidate {
	var out []candidate
	seen := make(map[*html.Node]bool)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedTags[n.Data] {
			return
		}
		if n.Type == html.TextNode && len(n.Data) > 0 {
			for p := n.Parent; p != nil; p = p.Parent {
				if p.Type == html.ElementNode && blockTags[p.Data] {
					if !seen[p] {
						seen[p] = true
						out = append(out, candidate{node: p, selector: "textwalk"})
					}
					break
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// DeepExtract walks the whole document and produces a deep scan record.
func (e *Extractor) DeepExtract(page *Page) (*ScanRecord, error) {
	if page == nil || page.Doc == nil {
		return nil, ErrNoDocument
	}
	start := time.Now()
	strategy := e.platforms.Detect(page.URL, page.Doc)
	ctx := PageContext{URL: page.URL, Title: page.Title, Platform: strategy.Name}
	capturedAt := page.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = e.now()
	}

	var stats PerformanceStats
	var frags []Fragment
	for _, st := range e.stages(strategy) {
		cands := st.find(page.Doc, &stats)
		stats.Candidates += len(cands)
		frags = e.accept(cands, st.minLen, strategy, ctx, capturedAt, &stats, nil)
		if len(frags) > 0 {
			stats.Stage = st.name
			break
		}
	}

	stats.Accepted = len(frags)
	stats.DurationMS = time.Since(start).Milliseconds()

	rec := &ScanRecord{
		ScanType:         ScanDeep,
		Platform:         strategy.Name,
		URL:              page.URL,
		Title:            page.Title,
		Timestamp:        capturedAt,
		Fragments:        frags,
		MessageCount:     len(frags),
		Checksum:         Checksum(frags),
		PerformanceStats: stats,
	}

	e.logger.Debug("deep scan complete",
		"url", page.URL,
		"platform", strategy.Name,
		"stage", stats.Stage,
		"messages", rec.MessageCount,
		"duration_ms", stats.DurationMS,
	)
	return rec, nil
}

// accept turns candidates into fragments in document order, skipping nested
// matches, invisible elements and repeated identities.
func (e *Extractor) accept(cands []candidate, minLen int, s *PlatformStrategy, ctx PageContext, capturedAt time.Time, stats *PerformanceStats, seen *dedup.SeenSet) []Fragment {
	if len(cands) == 0 {
		return nil
	}
	cands = inDocumentOrder(cands)

	accepted := make(map[*html.Node]bool)
	ids := make(map[string]bool)
	var out []Fragment
	for _, c := range cands {
		if len(out) >= e.opts.MaxCandidates {
			stats.Truncated = true
			break
		}
		if accepted[c.node] || hasAcceptedAncestor(c.node, accepted) {
			continue
		}
		f, ok := e.fragmentFrom(c, minLen, s, ctx, capturedAt, stats)
		if !ok {
			continue
		}
		accepted[c.node] = true
		if ids[f.ID] {
			continue
		}
		ids[f.ID] = true
		if seen != nil && !seen.Add(f.ID) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (e *Extractor) fragmentFrom(c candidate, minLen int, s *PlatformStrategy, ctx PageContext, capturedAt time.Time, stats *PerformanceStats) (f Fragment, ok bool) {
	// A single malformed node must never abort the scan.
	defer func() {
		if r := recover(); r != nil {
			stats.SelectorErrors++
			ok = false
		}
	}()

	text := textOf(c.node)
	if utf8.RuneCountInString(text) < minLen {
		return Fragment{}, false
	}
	if !isVisible(c.node) {
		stats.Invisible++
		return Fragment{}, false
	}
	if utf8.RuneCountInString(text) > e.opts.MaxContentLength {
		text = string([]rune(text)[:e.opts.MaxContentLength])
	}
	pos := positionOf(c.node)
	return Fragment{
		ID:              dedup.Identity(text, pos, s.Name),
		Content:         text,
		ApproxTimestamp: timestampOf(c.node, capturedAt),
		Sender:          classifySender(c.node, s),
		SourceSelector:  c.selector,
		Position:        pos,
		PageContext:     ctx,
	}, true
}

func hasAcceptedAncestor(n *html.Node, accepted map[*html.Node]bool) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if accepted[p] {
			return true
		}
	}
	return false
}

// inDocumentOrder de-duplicates candidate nodes and sorts them as they appear
// in the tree, so ancestors precede descendants.
func inDocumentOrder(cands []candidate) []candidate {
	root := cands[0].node
	for root.Parent != nil {
		root = root.Parent
	}
	byNode := make(map[*html.Node]candidate, len(cands))
	for _, c := range cands {
		if _, ok := byNode[c.node]; !ok {
			byNode[c.node] = c
		}
	}
	out := make([]candidate, 0, len(byNode))
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if c, ok := byNode[n]; ok {
			out = append(out, c)
		}
		for k := n.FirstChild; k != nil; k = k.NextSibling {
			walk(k)
		}
	}
	walk(root)
	return out
}

// IdentityOf recomputes the identity of a fragment from its inputs.
func IdentityOf(f Fragment) string {
	return dedup.Identity(f.Content, f.Position, f.PageContext.Platform)
}

// Checksum is a stable digest over the ordered fragments of a scan.
func Checksum(frags []Fragment) string {
	h := sha256.New()
	for _, f := range frags {
		h.Write([]byte(f.ID))
		h.Write([]byte{0})
		h.Write([]byte(f.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
