package dispatch

import (
	"time"

	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
	"github.com/MikeSquared-Agency/chatcap/internal/hybrid"
	"github.com/MikeSquared-Agency/chatcap/internal/session"
	"github.com/MikeSquared-Agency/chatcap/internal/store"
)

// Action names accepted at the system boundary.
const (
	ActionDeepScan       = "DEEP_SCAN"
	ActionStartLiveScan  = "START_LIVE_SCAN"
	ActionStopLiveScan   = "STOP_LIVE_SCAN"
	ActionGetScanStatus  = "GET_SCAN_STATUS"
	ActionGetStatistics  = "GET_STATISTICS"
	ActionCleanupOldData = "CLEANUP_OLD_DATA"
	ActionLiveChunk      = "LIVE_SCAN_DATA_CHUNK"
	ActionMutations      = "LIVE_SCAN_MUTATIONS"
)

// ActionRequest is the envelope for every action. Fields not used by an
// action are ignored.
type ActionRequest struct {
	Action string `json:"action"`
	TabID  int    `json:"tabId"`

	// Page snapshot for DEEP_SCAN and START_LIVE_SCAN.
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
	HTML  string `json:"html,omitempty"`

	Hybrid     bool `json:"hybrid,omitempty"`
	MaxAgeDays int  `json:"maxAgeDays,omitempty"`

	// LIVE_SCAN_DATA_CHUNK payload.
	ScanType  string               `json:"scanType,omitempty"`
	Messages  []extractor.Fragment `json:"messages,omitempty"`
	Timestamp time.Time            `json:"timestamp,omitempty"`

	// LIVE_SCAN_MUTATIONS payload: outer HTML of added or changed nodes.
	Nodes []string `json:"nodes,omitempty"`
}

// Response is returned for every action.
type Response struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	CleanedCount *int   `json:"cleanedCount,omitempty"`
	Degraded     bool   `json:"degraded,omitempty"`
}

// ScanStatus describes capture on one tab.
type ScanStatus struct {
	TabID         int                   `json:"tabId"`
	Active        bool                  `json:"active"`
	Session       *session.Info         `json:"session,omitempty"`
	Hybrid        *hybrid.HybridSession `json:"hybrid,omitempty"`
	Backend       string                `json:"backend"`
	UsingFallback bool                  `json:"usingFallback"`
}

// Statistics summarises the whole engine.
type Statistics struct {
	Storage        store.Stats    `json:"storage"`
	ActiveSessions int            `json:"activeSessions"`
	Sessions       []session.Info `json:"sessions,omitempty"`
}

func fail(err error) Response {
	return Response{Success: false, Error: err.Error()}
}
