package extractor

import (
	"strings"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/chatcap/internal/dedup"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Incremental extracts fragments from mutation batches for one page load. It
// remembers every identity it emitted so repeated notifications for the same
// node yield nothing.
type Incremental struct {
	ext      *Extractor
	strategy *PlatformStrategy
	ctx      PageContext
	seen     *dedup.SeenSet

	// mu keeps extraction non-reentrant: one batch completes before the next starts.
	mu sync.Mutex
}

// NewIncremental prepares incremental extraction for a page. doc may be nil
// when only the URL is known.
func (e *Extractor) NewIncremental(url, title string, doc *html.Node) *Incremental {
	s := e.platforms.Detect(url, doc)
	return &Incremental{
		ext:      e,
		strategy: s,
		ctx:      PageContext{URL: url, Title: title, Platform: s.Name},
		seen:     dedup.NewSeenSet(0),
	}
}

// Platform returns the detected platform name.
func (in *Incremental) Platform() string { return in.strategy.Name }

// Seed marks fragments as already seen, e.g. the output of a preceding deep scan.
func (in *Incremental) Seed(frags []Fragment) {
	for _, f := range frags {
		in.seen.Add(f.ID)
	}
}

// Remember records ids produced elsewhere and returns the fragments not seen before.
func (in *Incremental) Remember(frags []Fragment) []Fragment {
	var out []Fragment
	for _, f := range frags {
		if f.ID == "" {
			f.ID = IdentityOf(f)
		}
		if in.seen.Add(f.ID) {
			out = append(out, f)
		}
	}
	return out
}

// Extract re-applies fragment extraction to the nodes of one batch and
// returns only fragments not seen earlier in this page load. Nodes that fail
// to parse are skipped.
func (in *Incremental) Extract(batch MutationBatch) []Fragment {
	in.mu.Lock()
	defer in.mu.Unlock()

	capturedAt := batch.Timestamp
	if capturedAt.IsZero() {
		capturedAt = in.ext.now()
	}
	set := in.strategy.Selectors()

	var out []Fragment
	var stats PerformanceStats
	for _, raw := range batch.Nodes {
		roots, err := html.ParseFragment(strings.NewReader(raw), &html.Node{
			Type:     html.ElementNode,
			Data:     "body",
			DataAtom: atom.Body,
		})
		if err != nil {
			in.ext.logger.Debug("skipping unparsable mutation node", "error", err)
			continue
		}
		for _, root := range roots {
			if root.Type != html.ElementNode {
				continue
			}
			frags := in.extractRoot(root, set, capturedAt, &stats)
			out = append(out, frags...)
		}
	}
	return out
}

func (in *Incremental) extractRoot(root *html.Node, set SelectorSet, capturedAt time.Time, stats *PerformanceStats) []Fragment {
	cands := in.ext.matchSelectors(root, set.Messages, stats)
	minLen := in.ext.opts.MinTextLength
	if len(cands) == 0 {
		// Unknown markup: the added node itself is the message.
		cands = []candidate{{node: root, selector: "mutation"}}
	}
	return in.ext.accept(cands, minLen, in.strategy, in.ctx, capturedAt, stats, in.seen)
}

// Seen reports how many identities this page load has emitted.
func (in *Incremental) Seen() int { return in.seen.Len() }
