package session

import (
	"context"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
	"github.com/MikeSquared-Agency/chatcap/internal/store"
)

// Status is a session lifecycle state. The only transitions are
// active → stopped and active → expired.
type Status string

const (
	StatusActive  Status = "active"
	StatusStopped Status = "stopped"
	StatusExpired Status = "expired"
)

// Info is a point-in-time view of a session.
type Info struct {
	SessionID             string    `json:"sessionId"`
	TabID                 int       `json:"tabId"`
	URL                   string    `json:"url"`
	Title                 string    `json:"title"`
	Platform              string    `json:"platform"`
	StartTime             time.Time `json:"startTime"`
	LastActivity          time.Time `json:"lastActivity"`
	Status                Status    `json:"status"`
	BufferedFragmentCount int       `json:"bufferedFragmentCount"`
	Flushes               int       `json:"flushes"`
	StoredFragments       int       `json:"storedFragments"`
	Hybrid                bool      `json:"hybrid,omitempty"`
}

type session struct {
	id           string
	tabID        int
	url          string
	title        string
	hybrid       bool
	startTime    time.Time
	lastActivity time.Time
	status       Status
	buffer       []extractor.Fragment
	incremental  *extractor.Incremental

	// savedActivity is the lastActivity last written to storage.
	savedActivity time.Time

	flushes int
	stored  int

	// flushMu serialises persistence of this session's chunks.
	flushMu sync.Mutex
	// pending tracks asynchronous flushes still in flight.
	pending sync.WaitGroup
	// cancel tears down the mutation listener.
	cancel context.CancelFunc
}

// info must be called with the manager lock held.
func (s *session) info() Info {
	return Info{
		SessionID:             s.id,
		TabID:                 s.tabID,
		URL:                   s.url,
		Title:                 s.title,
		Platform:              s.incremental.Platform(),
		StartTime:             s.startTime,
		LastActivity:          s.lastActivity,
		Status:                s.status,
		BufferedFragmentCount: len(s.buffer),
		Flushes:               s.flushes,
		StoredFragments:       s.stored,
		Hybrid:                s.hybrid,
	}
}

func (s *session) state() store.SessionState {
	return store.SessionState{
		SessionID:             s.id,
		TabID:                 s.tabID,
		URL:                   s.url,
		Title:                 s.title,
		StartTime:             s.startTime,
		LastActivity:          s.lastActivity,
		Status:                string(s.status),
		BufferedFragmentCount: len(s.buffer),
		Hybrid:                s.hybrid,
	}
}
