package dedup

import (
	"sort"
	"strings"
	"time"
)

// Candidate is the subset of a scan record the duplicate detector looks at.
type Candidate struct {
	ID           string
	URL          string
	ScanType     string
	Title        string
	Text         string
	MessageCount int
	Timestamp    time.Time
	// Checksum covers the record's fragment ids.
	Checksum string
}

// liveScanType records hold disjoint chunks of one session, so text overlap
// says nothing about them; only an identical fragment set is a repeat.
const liveScanType = "live"

func (c Candidate) tokens() map[string]struct{} {
	return Tokens(c.Title + " " + c.Text)
}

// Detector decides whether a new record repeats one already stored.
type Detector struct {
	Threshold float64
	Window    time.Duration
	// Recent bounds how many same-URL records are compared.
	Recent int
}

func NewDetector(threshold float64, window time.Duration) *Detector {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	return &Detector{Threshold: threshold, Window: window, Recent: 10}
}

// IsDuplicate reports whether candidate repeats existing.
func (d *Detector) IsDuplicate(existing, candidate Candidate) bool {
	if NormalizeURL(existing.URL) != NormalizeURL(candidate.URL) {
		return false
	}
	if existing.ScanType != candidate.ScanType {
		return false
	}
	if d.Window > 0 {
		diff := candidate.Timestamp.Sub(existing.Timestamp)
		if diff < 0 {
			diff = -diff
		}
		if diff > d.Window {
			return false
		}
	}
	if candidate.ScanType == liveScanType {
		return sameFragments(existing, candidate)
	}
	return Jaccard(existing.tokens(), candidate.tokens()) >= d.Threshold
}

func sameFragments(a, b Candidate) bool {
	return a.Checksum != "" && a.Checksum == b.Checksum
}

// FindDuplicate checks candidate against the most recent records sharing its
// URL and returns the id of the first match.
func (d *Detector) FindDuplicate(recent []Candidate, candidate Candidate) (string, bool) {
	sorted := make([]Candidate, len(recent))
	copy(sorted, recent)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.After(sorted[j].Timestamp) })

	checked := 0
	for _, existing := range sorted {
		if NormalizeURL(existing.URL) != NormalizeURL(candidate.URL) {
			continue
		}
		if d.Recent > 0 && checked >= d.Recent {
			break
		}
		checked++
		if d.IsDuplicate(existing, candidate) {
			return existing.ID, true
		}
	}
	return "", false
}

// JoinText flattens message contents into the text used for comparison.
func JoinText(contents []string) string {
	return strings.Join(contents, " ")
}
