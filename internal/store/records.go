package store

import (
	"time"

	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
)

// SchemaVersion is stamped on every stored record.
const SchemaVersion = 1

// Filter narrows a query. Zero fields match everything; results are newest first.
type Filter struct {
	URL       string
	Platform  string
	ScanType  extractor.ScanType
	SessionID string
	Title     string
	Since     time.Time
	Until     time.Time
}

// Pagination bounds a query result.
type Pagination struct {
	Limit  int
	Offset int
}

// Result is the outcome of a write. Duplicate means an equivalent record was
// already stored and ID refers to it.
type Result struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
	Backend   string `json:"backend"`
}

// TimeRange is an inclusive span of capture times.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// MergeStatistics summarises a merged hybrid capture.
type MergeStatistics struct {
	TotalMessages int       `json:"totalMessages"`
	DeepMessages  int       `json:"deepMessages"`
	LiveMessages  int       `json:"liveMessages"`
	TimeRange     TimeRange `json:"timeRange"`
	Efficiency    float64   `json:"efficiency"`
}

// MergedResult is the write-once outcome of a hybrid session.
type MergedResult struct {
	MergeID        string                `json:"mergeId"`
	SessionID      string                `json:"sessionId"`
	DeepScanRecord *extractor.ScanRecord `json:"deepScanRecord"`
	LiveFragments  []extractor.Fragment  `json:"liveFragments"`
	Statistics     MergeStatistics       `json:"statistics"`
	CreatedAt      time.Time             `json:"createdAt"`
}

// SessionState is the durable form of a capture session.
type SessionState struct {
	SessionID             string    `json:"sessionId"`
	TabID                 int       `json:"tabId"`
	URL                   string    `json:"url"`
	Title                 string    `json:"title"`
	StartTime             time.Time `json:"startTime"`
	LastActivity          time.Time `json:"lastActivity"`
	Status                string    `json:"status"`
	BufferedFragmentCount int       `json:"bufferedFragmentCount"`
	Hybrid                bool      `json:"hybrid,omitempty"`
}

// Stats summarises the contents of the active backend.
type Stats struct {
	Backend       string `json:"backend"`
	UsingFallback bool   `json:"usingFallback"`
	TotalScans    int    `json:"totalScans"`
	DeepScans     int    `json:"deepScans"`
	LiveScans     int    `json:"liveScans"`
	SizeBytes     int64  `json:"sizeBytes"`
}
