package extractor

import (
	"errors"
	"time"
)

// ErrNoDocument is returned when there is no page document to scan at all.
var ErrNoDocument = errors.New("no document to extract from")

// Sender classifies who authored a fragment.
type Sender string

const (
	SenderUser        Sender = "user"
	SenderCounterpart Sender = "counterpart"
	SenderUnknown     Sender = "unknown"
)

// ScanType distinguishes one-shot structural scans from mutation-driven capture.
type ScanType string

const (
	ScanDeep ScanType = "deep"
	ScanLive ScanType = "live"
)

// PageContext identifies the page a fragment was captured from.
type PageContext struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Platform string `json:"platform"`
}

// Fragment is a single extracted piece of candidate message content. Its ID
// is only stable within one page load.
type Fragment struct {
	ID              string      `json:"id"`
	Content         string      `json:"content"`
	ApproxTimestamp time.Time   `json:"approxTimestamp"`
	Sender          Sender      `json:"sender"`
	SourceSelector  string      `json:"sourceSelector"`
	Position        int         `json:"position"`
	PageContext     PageContext `json:"pageContext"`
}

// PerformanceStats describes how a scan went.
type PerformanceStats struct {
	DurationMS     int64  `json:"durationMs"`
	Stage          string `json:"stage,omitempty"`
	Candidates     int    `json:"candidates"`
	Accepted       int    `json:"accepted"`
	Invisible      int    `json:"invisible"`
	SelectorErrors int    `json:"selectorErrors"`
	Truncated      bool   `json:"truncated,omitempty"`
}

// ScanRecord is the durable unit of a completed scan.
type ScanRecord struct {
	ID               string           `json:"id"`
	ScanType         ScanType         `json:"scanType"`
	Platform         string           `json:"platform"`
	URL              string           `json:"url"`
	Title            string           `json:"title"`
	Timestamp        time.Time        `json:"timestamp"`
	SessionID        string           `json:"sessionId,omitempty"`
	Fragments        []Fragment       `json:"fragments"`
	MessageCount     int              `json:"messageCount"`
	Checksum         string           `json:"checksum"`
	PerformanceStats PerformanceStats `json:"performanceStats"`
	CreatedAt        time.Time        `json:"createdAt,omitempty"`
	SchemaVersion    int              `json:"schemaVersion,omitempty"`
}

// MutationBatch is one delivery of DOM change notifications for a tab. Nodes
// holds the serialized outer HTML of every added or changed element.
type MutationBatch struct {
	TabID     int       `json:"tabId"`
	Nodes     []string  `json:"nodes"`
	Timestamp time.Time `json:"timestamp"`
}
