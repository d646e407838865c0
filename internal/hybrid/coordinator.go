package hybrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
	"github.com/MikeSquared-Agency/chatcap/internal/session"
	"github.com/MikeSquared-Agency/chatcap/internal/store"
)

// State is the position of a tab in the hybrid lifecycle.
type State string

const (
	StateIdle        State = "idle"
	StateLiveRunning State = "live_running"
	StateStopping    State = "stopping"
	StateMerged      State = "merged"
)

// HybridSession tracks a deep scan chained into a live session.
type HybridSession struct {
	TabID               int       `json:"tabId"`
	SessionID           string    `json:"sessionId"`
	DeepScanID          string    `json:"deepScanId"`
	InitialMessageCount int       `json:"initialMessageCount"`
	StartedAt           time.Time `json:"startedAt"`
	State               State     `json:"state"`
	MergeID             string    `json:"mergeId,omitempty"`

	deep *extractor.ScanRecord
}

// Sessions is the live-session surface the coordinator drives.
type Sessions interface {
	Start(ctx context.Context, req session.StartRequest) (session.Info, bool, error)
	Stop(ctx context.Context, tabID int) (session.Info, error)
}

// Records is the persistence surface the coordinator reads and writes.
type Records interface {
	StoreScan(ctx context.Context, rec *extractor.ScanRecord) (store.Result, error)
	Get(ctx context.Context, id string) (*extractor.ScanRecord, bool)
	Query(ctx context.Context, f store.Filter, p store.Pagination) []extractor.ScanRecord
	SaveMerge(ctx context.Context, m *store.MergedResult) error
}

// Coordinator runs "deep scan, then live scan" captures and merges them.
type Coordinator struct {
	ext      *extractor.Extractor
	sessions Sessions
	records  Records
	grace    time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	hybrids map[int]*HybridSession
	timers  map[int]*time.Timer
	now     func() time.Time
}

func New(ext *extractor.Extractor, sessions Sessions, records Records, grace time.Duration, logger *slog.Logger) *Coordinator {
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &Coordinator{
		ext:      ext,
		sessions: sessions,
		records:  records,
		grace:    grace,
		logger:   logger,
		hybrids:  make(map[int]*HybridSession),
		timers:   make(map[int]*time.Timer),
		now:      time.Now,
	}
}

// StartHybrid deep-scans the page and then opens a live session seeded with
// the deep scan's fragments. On failure no hybrid state is left behind.
func (c *Coordinator) StartHybrid(ctx context.Context, tabID int, page *extractor.Page) (HybridSession, error) {
	c.mu.Lock()
	if h, ok := c.hybrids[tabID]; ok && h.running() {
		c.mu.Unlock()
		return HybridSession{}, &session.SessionError{TabID: tabID, Op: "start hybrid", Reason: "hybrid capture already running"}
	}
	c.mu.Unlock()

	deep, err := c.ext.DeepExtract(page)
	if err != nil {
		return HybridSession{}, fmt.Errorf("deep scan: %w", err)
	}
	res, err := c.records.StoreScan(ctx, deep)
	if err != nil {
		return HybridSession{}, fmt.Errorf("store deep scan: %w", err)
	}
	if res.Duplicate {
		if existing, ok := c.records.Get(ctx, res.ID); ok {
			deep = existing
		}
	} else {
		deep.ID = res.ID
	}

	info, created, err := c.sessions.Start(ctx, session.StartRequest{
		TabID:  tabID,
		URL:    page.URL,
		Title:  deep.Title,
		Doc:    page.Doc,
		Seed:   deep.Fragments,
		Hybrid: true,
	})
	if err != nil {
		return HybridSession{}, fmt.Errorf("start live session: %w", err)
	}
	if !created {
		return HybridSession{}, &session.SessionError{TabID: tabID, Op: "start hybrid", Reason: "a live session is already active"}
	}
	if err := ctx.Err(); err != nil {
		c.rollback(tabID)
		return HybridSession{}, fmt.Errorf("start hybrid: %w", err)
	}

	h := &HybridSession{
		TabID:               tabID,
		SessionID:           info.SessionID,
		DeepScanID:          res.ID,
		InitialMessageCount: deep.MessageCount,
		StartedAt:           c.now(),
		State:               StateLiveRunning,
		deep:                deep,
	}
	c.mu.Lock()
	if t, ok := c.timers[tabID]; ok {
		t.Stop()
		delete(c.timers, tabID)
	}
	c.hybrids[tabID] = h
	snapshot := *h
	c.mu.Unlock()

	c.logger.Info("hybrid capture started",
		"tab_id", tabID,
		"session_id", h.SessionID,
		"deep_scan_id", h.DeepScanID,
		"initial_messages", h.InitialMessageCount,
	)
	return snapshot, nil
}

func (c *Coordinator) rollback(tabID int) {
	if _, err := c.sessions.Stop(context.Background(), tabID); err != nil {
		c.logger.Warn("failed to roll back live session", "tab_id", tabID, "error", err)
	}
}

// StopHybrid stops the live session, merges it with the deep scan and
// persists the result. The merged hybrid stays visible to State for the
// grace period.
func (c *Coordinator) StopHybrid(ctx context.Context, tabID int) (*store.MergedResult, error) {
	c.mu.Lock()
	h, ok := c.hybrids[tabID]
	if !ok || h.State != StateLiveRunning {
		c.mu.Unlock()
		return nil, &session.SessionError{TabID: tabID, Op: "stop hybrid", Reason: "no hybrid capture running"}
	}
	// Only one stop may merge; later callers see the hybrid as not running.
	h.State = StateStopping
	c.mu.Unlock()

	if _, err := c.sessions.Stop(ctx, tabID); err != nil {
		var se *session.SessionError
		if !errors.As(err, &se) {
			c.mu.Lock()
			h.State = StateLiveRunning
			c.mu.Unlock()
			return nil, fmt.Errorf("stop live session: %w", err)
		}
		// Already expired; merge what it captured.
		c.logger.Warn("live session already ended", "tab_id", tabID, "session_id", h.SessionID)
	}

	live := c.liveFragments(ctx, h.SessionID)
	deep := h.deep
	if stored, ok := c.records.Get(ctx, h.DeepScanID); ok {
		deep = stored
	}
	merged := Merge(h.SessionID, deep, live, c.now())
	saveErr := c.records.SaveMerge(ctx, merged)

	c.mu.Lock()
	h.State = StateMerged
	h.MergeID = merged.MergeID
	c.timers[tabID] = time.AfterFunc(c.grace, func() { c.retire(tabID, h) })
	c.mu.Unlock()

	if saveErr != nil {
		return merged, fmt.Errorf("save merge: %w", saveErr)
	}
	c.logger.Info("hybrid capture merged",
		"tab_id", tabID,
		"merge_id", merged.MergeID,
		"deep_messages", merged.Statistics.DeepMessages,
		"live_messages", merged.Statistics.LiveMessages,
		"efficiency", merged.Statistics.Efficiency,
	)
	return merged, nil
}

// liveFragments returns every fragment the session flushed, oldest first.
func (c *Coordinator) liveFragments(ctx context.Context, sessionID string) []extractor.Fragment {
	recs := c.records.Query(ctx, store.Filter{SessionID: sessionID, ScanType: extractor.ScanLive}, store.Pagination{})
	var out []extractor.Fragment
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i].Fragments...)
	}
	return out
}

func (c *Coordinator) retire(tabID int, h *HybridSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hybrids[tabID] == h && h.State == StateMerged {
		delete(c.hybrids, tabID)
		delete(c.timers, tabID)
	}
}

// State reports the hybrid capture for a tab, if any.
func (c *Coordinator) State(tabID int) (HybridSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hybrids[tabID]
	if !ok {
		return HybridSession{}, false
	}
	return *h, true
}

// IsHybrid reports whether a hybrid capture is running or being stopped on
// the tab.
func (c *Coordinator) IsHybrid(tabID int) bool {
	h, ok := c.State(tabID)
	return ok && h.running()
}

func (h *HybridSession) running() bool {
	return h.State == StateLiveRunning || h.State == StateStopping
}

// Close cancels pending retirement timers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tab, t := range c.timers {
		t.Stop()
		delete(c.timers, tab)
	}
}
