package dedup

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func TestIdentity_StableForSameInputs(t *testing.T) {
	a := Identity("Hello there, how can I help?", 120, "chatgpt")
	b := Identity("Hello there, how can I help?", 120, "chatgpt")
	if a != b {
		t.Errorf("expected identical ids, got %s and %s", a, b)
	}
	if len(a) != 9 || a[0] != 'f' {
		t.Errorf("unexpected id format %q", a)
	}
}

func TestIdentity_InputsMatter(t *testing.T) {
	base := Identity("same text", 10, "generic")
	tests := []struct {
		name string
		id   string
	}{
		{"content", Identity("other text", 10, "generic")},
		{"position", Identity("same text", 20, "generic")},
		{"platform", Identity("same text", 10, "slack")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.id == base {
				t.Errorf("changing %s should change the identity", tt.name)
			}
		})
	}
}

func TestIdentity_OnlyPrefixCounts(t *testing.T) {
	prefix := strings.Repeat("a", IdentityPrefixLen)
	if Identity(prefix+"tail one", 0, "p") != Identity(prefix+"different tail", 0, "p") {
		t.Error("content beyond the prefix should not affect identity")
	}
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "the quick fox", "the quick fox", 1},
		{"disjoint", "alpha beta", "gamma delta", 0},
		{"half", "a b", "b c", 1.0 / 3.0},
		{"case and punctuation", "Hello, World!", "hello world", 1},
		{"both empty", "", "", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Jaccard(Tokens(tt.a), Tokens(tt.b))
			if got < tt.want-1e-9 || got > tt.want+1e-9 {
				t.Errorf("Jaccard(%q, %q) = %f, want %f", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSeenSet(t *testing.T) {
	s := NewSeenSet(2)
	if !s.Add("a") {
		t.Error("first add should be new")
	}
	if s.Add("a") {
		t.Error("second add should not be new")
	}
	s.Add("b")
	s.Add("c") // evicts "a"
	if s.Has("a") {
		t.Error("oldest id should have been evicted")
	}
	if !s.Has("b") || !s.Has("c") {
		t.Error("newest ids should be kept")
	}
	if s.Len() != 2 {
		t.Errorf("expected len 2, got %d", s.Len())
	}
}

func TestFindDuplicate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewDetector(0.8, 30*time.Minute)

	existing := Candidate{
		ID: "rec-1", URL: "https://chat.example.com/c/1", ScanType: "deep",
		Title: "Trip planning", Text: "where should we go in june lisbon sounds great", Timestamp: now,
	}

	tests := []struct {
		name    string
		cand    Candidate
		wantDup bool
	}{
		{
			name:    "same page rescanned",
			cand:    Candidate{URL: "https://chat.example.com/c/1/", ScanType: "deep", Title: "Trip planning", Text: "where should we go in june lisbon sounds great", Timestamp: now.Add(5 * time.Minute)},
			wantDup: true,
		},
		{
			name:    "outside window",
			cand:    Candidate{URL: existing.URL, ScanType: "deep", Title: existing.Title, Text: existing.Text, Timestamp: now.Add(31 * time.Minute)},
			wantDup: false,
		},
		{
			name:    "different url",
			cand:    Candidate{URL: "https://chat.example.com/c/2", ScanType: "deep", Title: existing.Title, Text: existing.Text, Timestamp: now},
			wantDup: false,
		},
		{
			name:    "different scan type",
			cand:    Candidate{URL: existing.URL, ScanType: "live", Title: existing.Title, Text: existing.Text, Timestamp: now},
			wantDup: false,
		},
		{
			name:    "new content",
			cand:    Candidate{URL: existing.URL, ScanType: "deep", Title: existing.Title, Text: "completely unrelated discussion about databases and indexes", Timestamp: now},
			wantDup: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, dup := d.FindDuplicate([]Candidate{existing}, tt.cand)
			if dup != tt.wantDup {
				t.Fatalf("FindDuplicate() dup = %v, want %v", dup, tt.wantDup)
			}
			if dup && id != "rec-1" {
				t.Errorf("expected existing id rec-1, got %q", id)
			}
		})
	}
}

func TestFindDuplicate_OnlyRecentK(t *testing.T) {
	now := time.Now()
	d := NewDetector(0.8, time.Hour)
	d.Recent = 2

	var recent []Candidate
	for i := 0; i < 3; i++ {
		recent = append(recent, Candidate{
			ID: string(rune('a' + i)), URL: "https://x.test/", ScanType: "deep",
			Text: "filler " + string(rune('a'+i)) + " unique words here", Timestamp: now.Add(time.Duration(i) * time.Minute),
		})
	}
	// The oldest record matches but is outside the two most recent.
	recent[0].Text = "match me exactly please"
	_, dup := d.FindDuplicate(recent, Candidate{URL: "https://x.test/", ScanType: "deep", Text: "match me exactly please", Timestamp: now.Add(3 * time.Minute)})
	if dup {
		t.Error("expected only the most recent K records to be compared")
	}
}

func TestClusterRecords(t *testing.T) {
	now := time.Now()
	d := NewDetector(0.8, time.Hour)

	cands := []Candidate{
		{ID: "a", URL: "https://x.test/1", ScanType: "deep", Text: "one two three four", MessageCount: 4, Timestamp: now},
		{ID: "b", URL: "https://x.test/1", ScanType: "deep", Text: "one two three four", MessageCount: 6, Timestamp: now.Add(time.Minute)},
		{ID: "c", URL: "https://x.test/1", ScanType: "deep", Text: "one two three four", MessageCount: 6, Timestamp: now.Add(2 * time.Minute)},
		{ID: "d", URL: "https://x.test/2", ScanType: "deep", Text: "one two three four", MessageCount: 4, Timestamp: now},
		{ID: "e", URL: "https://x.test/1", ScanType: "deep", Text: "something else entirely", MessageCount: 1, Timestamp: now},
	}

	clusters := d.ClusterRecords(cands)
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(clusters))
	}
	cl := clusters[0]
	if cl.Size != 3 {
		t.Errorf("expected cluster size 3, got %d", cl.Size)
	}
	if cl.SurvivorID != "c" {
		t.Errorf("expected newest richest record c to survive, got %s", cl.SurvivorID)
	}
	sort.Strings(cl.DedupedIDs)
	if len(cl.DedupedIDs) != 2 || cl.DedupedIDs[0] != "a" || cl.DedupedIDs[1] != "b" {
		t.Errorf("unexpected deduped ids %v", cl.DedupedIDs)
	}
}

func TestLiveCandidates_CompareByFragments(t *testing.T) {
	now := time.Now()
	d := NewDetector(0.8, time.Hour)
	title := "Planning the quarterly marketing review with the design team"
	live := func(id, text, sum string, offset time.Duration) Candidate {
		return Candidate{ID: id, URL: "https://x.test/live", ScanType: "live", Title: title, Text: text, Checksum: sum, Timestamp: now.Add(offset)}
	}
	c1 := live("c1", "ok", "sum-a", 0)
	c2 := live("c2", "thanks", "sum-b", time.Second)
	c3 := live("c3", "thanks", "sum-b", 2*time.Second)

	if d.IsDuplicate(c1, c2) {
		t.Error("live chunks with different fragments must not be duplicates")
	}
	if !d.IsDuplicate(c2, c3) {
		t.Error("live chunks with identical fragments should be duplicates")
	}

	clusters := d.ClusterRecords([]Candidate{c1, c2, c3})
	if len(clusters) != 1 || clusters[0].Size != 2 {
		t.Fatalf("clusters = %+v, want one cluster of c2 and c3", clusters)
	}
	for _, id := range clusters[0].DedupedIDs {
		if id == "c1" {
			t.Errorf("c1 holds distinct fragments and must survive, clusters = %+v", clusters)
		}
	}
}

func TestClusterRecords_Empty(t *testing.T) {
	d := NewDetector(0.8, time.Hour)
	if clusters := d.ClusterRecords(nil); len(clusters) != 0 {
		t.Errorf("expected no clusters, got %d", len(clusters))
	}
}

func TestRank(t *testing.T) {
	base := time.Now()
	tests := []struct {
		name string
		a, b Candidate
		want bool
	}{
		{"more messages wins", Candidate{MessageCount: 5, Timestamp: base}, Candidate{MessageCount: 3, Timestamp: base.Add(time.Hour)}, true},
		{"longer text wins on tie", Candidate{MessageCount: 3, Text: "longer text"}, Candidate{MessageCount: 3, Text: "short"}, true},
		{"newer wins on full tie", Candidate{MessageCount: 3, Text: "x", Timestamp: base.Add(time.Hour)}, Candidate{MessageCount: 3, Text: "x", Timestamp: base}, true},
		{"fewer messages loses", Candidate{MessageCount: 1, Timestamp: base.Add(time.Hour)}, Candidate{MessageCount: 2, Timestamp: base}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isBetter(tt.a, tt.b); got != tt.want {
				t.Errorf("isBetter() = %v, expected %v", got, tt.want)
			}
		})
	}
}
