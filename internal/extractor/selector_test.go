package extractor

import (
	"strings"
	"testing"

	"golang.org/x/net/html"
)

func TestCompileSelector(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(`<body>
		<div id="a" class="message user" data-role="user-msg">1</div>
		<section class="message">2</section>
		<div data-testid="conversation-turn-3">3</div>
		<user-query>4</user-query>
	</body>`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	tests := []struct {
		sel  string
		want int
	}{
		{".message", 2},
		{"div.message", 1},
		{".message.user", 1},
		{"#a", 1},
		{"[data-role]", 1},
		{"[data-role=user-msg]", 1},
		{"[data-role^=user]", 1},
		{"[data-role$=msg]", 1},
		{"[data-testid*=turn]", 1},
		{"[class~=user]", 1},
		{"user-query", 1},
		{"section, user-query", 2},
		{"*[data-role]", 1},
	}
	for _, tt := range tests {
		t.Run(tt.sel, func(t *testing.T) {
			s, err := CompileSelector(tt.sel)
			if err != nil {
				t.Fatalf("CompileSelector(%q) failed: %v", tt.sel, err)
			}
			if got := len(s.MatchAll(doc)); got != tt.want {
				t.Errorf("matched %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCompileSelector_Rejects(t *testing.T) {
	for _, raw := range []string{"", "div p", "div > p", "[unterminated", ".", "a%b"} {
		if _, err := CompileSelector(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}
