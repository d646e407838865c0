package extractor

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"golang.org/x/net/html"
	"gopkg.in/yaml.v3"
)

//go:embed platforms.yaml
var defaultPlatformsYAML []byte

const genericPlatform = "generic"

// SelectorSet is the compiled selector surface of one platform.
type SelectorSet struct {
	Messages []*Selector
	Markers  []*Selector
	// Errors lists selectors that failed to compile and are skipped.
	Errors []error
}

// PlatformStrategy decides whether it applies to a page and which selectors
// find messages on it.
type PlatformStrategy struct {
	Name             string            `yaml:"name"`
	Hosts            []string          `yaml:"hosts"`
	Markers          []string          `yaml:"markers"`
	MessageSelectors []string          `yaml:"message_selectors"`
	SenderAttribute  string            `yaml:"sender_attribute"`
	SenderValues     map[string]Sender `yaml:"sender_values"`

	once  sync.Once
	globs []glob.Glob
	set   SelectorSet
}

func (s *PlatformStrategy) compile() {
	s.once.Do(func() {
		for _, h := range s.Hosts {
			g, err := glob.Compile(strings.ToLower(h), '.')
			if err != nil {
				s.set.Errors = append(s.set.Errors, fmt.Errorf("host pattern %q: %w", h, err))
				continue
			}
			s.globs = append(s.globs, g)
		}
		for _, raw := range s.MessageSelectors {
			sel, err := CompileSelector(raw)
			if err != nil {
				s.set.Errors = append(s.set.Errors, err)
				continue
			}
			s.set.Messages = append(s.set.Messages, sel)
		}
		for _, raw := range s.Markers {
			sel, err := CompileSelector(raw)
			if err != nil {
				s.set.Errors = append(s.set.Errors, err)
				continue
			}
			s.set.Markers = append(s.set.Markers, sel)
		}
	})
}

// Match reports whether the page URL's host matches one of the strategy's host patterns.
func (s *PlatformStrategy) Match(rawURL string) bool {
	s.compile()
	host := hostOf(rawURL)
	if host == "" {
		return false
	}
	for _, g := range s.globs {
		if g.Match(host) {
			return true
		}
	}
	return false
}

// Selectors returns the compiled selectors for the strategy.
func (s *PlatformStrategy) Selectors() SelectorSet {
	s.compile()
	return s.set
}

func (s *PlatformStrategy) matchMarkers(doc *html.Node) bool {
	for _, m := range s.Selectors().Markers {
		if m.MatchFirst(doc) {
			return true
		}
	}
	return false
}

// Platforms is an ordered list of strategies with a generic fallback.
type Platforms struct {
	strategies []*PlatformStrategy
	generic    *PlatformStrategy
}

// LoadPlatforms parses the embedded strategy table and, when path is set,
// prepends the strategies from that YAML file so they take priority.
func LoadPlatforms(path string) (*Platforms, error) {
	var all []*PlatformStrategy
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read platforms file: %w", err)
		}
		custom, err := parsePlatforms(data)
		if err != nil {
			return nil, fmt.Errorf("parse platforms file: %w", err)
		}
		all = append(all, custom...)
	}
	builtin, err := parsePlatforms(defaultPlatformsYAML)
	if err != nil {
		return nil, fmt.Errorf("parse builtin platforms: %w", err)
	}
	all = append(all, builtin...)
	return NewPlatforms(all...), nil
}

// DefaultPlatforms returns the builtin strategy table.
func DefaultPlatforms() *Platforms {
	p, err := LoadPlatforms("")
	if err != nil {
		panic(err)
	}
	return p
}

// NewPlatforms builds a table from strategies in priority order. The first
// strategy named "generic" becomes the fallback; one is synthesized if absent.
func NewPlatforms(strategies ...*PlatformStrategy) *Platforms {
	p := &Platforms{}
	for _, s := range strategies {
		if s.Name == genericPlatform {
			if p.generic == nil {
				p.generic = s
			}
			continue
		}
		p.strategies = append(p.strategies, s)
	}
	if p.generic == nil {
		p.generic = &PlatformStrategy{Name: genericPlatform, MessageSelectors: []string{".message"}}
	}
	return p
}

func parsePlatforms(data []byte) ([]*PlatformStrategy, error) {
	var list []*PlatformStrategy
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	for i, s := range list {
		if s.Name == "" {
			return nil, fmt.Errorf("strategy %d has no name", i)
		}
	}
	return list, nil
}

// Detect picks the strategy for a page: URL host first, then DOM markers,
// then the generic default.
func (p *Platforms) Detect(rawURL string, doc *html.Node) *PlatformStrategy {
	for _, s := range p.strategies {
		if s.Match(rawURL) {
			return s
		}
	}
	if doc != nil {
		for _, s := range p.strategies {
			if s.matchMarkers(doc) {
				return s
			}
		}
	}
	return p.generic
}

// Generic returns the fallback strategy.
func (p *Platforms) Generic() *PlatformStrategy { return p.generic }

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
