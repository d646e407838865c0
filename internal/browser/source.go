// Package browser captures pages and DOM mutations from a Chrome tab over the
// DevTools protocol.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
)

const defaultPollInterval = 500 * time.Millisecond

// stampScript writes the layout attribute on every element. Elements hidden by
// computed style get an empty box.
const stampScript = `() => {
	for (const el of document.body ? document.body.querySelectorAll('*') : []) {
		const cs = getComputedStyle(el);
		let r = el.getBoundingClientRect();
		if (cs.display === 'none' || cs.visibility === 'hidden' || cs.visibility === 'collapse' || cs.opacity === '0') {
			r = {x: 0, y: 0, width: 0, height: 0};
		}
		el.setAttribute('` + extractor.RectAttr + `', [r.x, r.y + window.scrollY, r.width, r.height].map(Math.round).join(' '));
	}
	return document.documentElement.outerHTML;
}`

// observeScript installs a MutationObserver that queues the stamped outer HTML
// of added and changed elements.
const observeScript = `() => {
	if (window.__chatcapObserver) return true;
	window.__chatcapQueue = [];
	const stamp = (el) => {
		const r = el.getBoundingClientRect();
		el.setAttribute('` + extractor.RectAttr + `', [r.x, r.y + window.scrollY, r.width, r.height].map(Math.round).join(' '));
		for (const c of el.querySelectorAll('*')) {
			const cr = c.getBoundingClientRect();
			c.setAttribute('` + extractor.RectAttr + `', [cr.x, cr.y + window.scrollY, cr.width, cr.height].map(Math.round).join(' '));
		}
		return el.outerHTML;
	};
	window.__chatcapObserver = new MutationObserver((records) => {
		for (const rec of records) {
			if (rec.type === 'childList') {
				for (const n of rec.addedNodes) {
					if (n.nodeType === 1) window.__chatcapQueue.push(stamp(n));
				}
			} else if (rec.type === 'characterData' && rec.target.parentElement) {
				window.__chatcapQueue.push(stamp(rec.target.parentElement));
			}
		}
	});
	window.__chatcapObserver.observe(document.body, {childList: true, subtree: true, characterData: true});
	return true;
}`

const drainScript = `() => (window.__chatcapQueue || []).splice(0)`

const disconnectScript = `() => {
	if (window.__chatcapObserver) window.__chatcapObserver.disconnect();
	window.__chatcapObserver = undefined;
	window.__chatcapQueue = undefined;
	return true;
}`

// Source owns a DevTools connection and the tabs attached for capture.
type Source struct {
	browser      *rod.Browser
	pollInterval time.Duration
	logger       *slog.Logger

	mu    sync.Mutex
	pages map[int]*rod.Page
}

// Connect attaches to the browser at debuggerURL, or launches a headless one
// when it is empty.
func Connect(ctx context.Context, debuggerURL string, logger *slog.Logger) (*Source, error) {
	controlURL := debuggerURL
	if controlURL == "" {
		url, err := launcher.New().Headless(true).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}
	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	return &Source{
		browser:      b,
		pollInterval: defaultPollInterval,
		logger:       logger,
		pages:        make(map[int]*rod.Page),
	}, nil
}

// SetPollInterval changes how often queued mutations are drained.
func (s *Source) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// Attach finds an open tab whose URL starts with url, or opens one, and
// registers it under tabID.
func (s *Source) Attach(ctx context.Context, tabID int, url string) (*rod.Page, error) {
	pages, err := s.browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	var page *rod.Page
	for _, p := range pages {
		info, err := p.Info()
		if err == nil && strings.HasPrefix(info.URL, url) {
			page = p
			break
		}
	}
	if page == nil {
		page, err = s.browser.Page(proto.TargetCreateTarget{URL: url})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", url, err)
		}
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait for %s: %w", url, err)
	}
	s.mu.Lock()
	s.pages[tabID] = page
	s.mu.Unlock()
	s.logger.Info("attached tab", "tab_id", tabID, "url", url)
	return page, nil
}

func (s *Source) page(tabID int) (*rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[tabID]
	if !ok {
		return nil, fmt.Errorf("tab %d not attached", tabID)
	}
	return p, nil
}

// Snapshot stamps layout on the tab's DOM and parses the rendered document.
func (s *Source) Snapshot(ctx context.Context, tabID int) (*extractor.Page, error) {
	page, err := s.page(tabID)
	if err != nil {
		return nil, err
	}
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{JS: stampScript, ByValue: true})
	if err != nil {
		return nil, fmt.Errorf("snapshot tab %d: %w", tabID, err)
	}
	var url, title string
	if info, err := page.Info(); err == nil {
		url, title = info.URL, info.Title
	}
	return extractor.ParsePage(strings.NewReader(res.Value.Str()), url, title, time.Now().UTC())
}

// Listen observes mutations on the tab and enqueues them in batches until ctx
// is done. It matches session.Listener.
func (s *Source) Listen(ctx context.Context, tabID int, enqueue func(context.Context, extractor.MutationBatch) error) error {
	page, err := s.page(tabID)
	if err != nil {
		return err
	}
	if _, err := page.Context(ctx).Evaluate(&rod.EvalOptions{JS: observeScript, ByValue: true}); err != nil {
		return fmt.Errorf("observe tab %d: %w", tabID, err)
	}
	defer func() {
		if _, err := page.Evaluate(&rod.EvalOptions{JS: disconnectScript, ByValue: true}); err != nil {
			s.logger.Debug("failed to disconnect observer", "tab_id", tabID, "error", err)
		}
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		nodes, err := s.drain(ctx, page)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("drain mutations on tab %d: %w", tabID, err)
		}
		if len(nodes) == 0 {
			continue
		}
		batch := extractor.MutationBatch{TabID: tabID, Nodes: nodes, Timestamp: time.Now().UTC()}
		if err := enqueue(ctx, batch); err != nil {
			s.logger.Warn("mutation batch dropped", "tab_id", tabID, "nodes", len(nodes), "error", err)
		}
	}
}

func (s *Source) drain(ctx context.Context, page *rod.Page) ([]string, error) {
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{JS: drainScript, ByValue: true})
	if err != nil {
		return nil, err
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return decodeNodes(raw)
}

func decodeNodes(raw []byte) ([]string, error) {
	var nodes []string
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("decode mutation queue: %w", err)
	}
	out := nodes[:0]
	for _, n := range nodes {
		if strings.TrimSpace(n) != "" {
			out = append(out, n)
		}
	}
	return out, nil
}

// Detach forgets the tab without closing it.
func (s *Source) Detach(tabID int) {
	s.mu.Lock()
	delete(s.pages, tabID)
	s.mu.Unlock()
}

func (s *Source) Close() error {
	return s.browser.Close()
}
