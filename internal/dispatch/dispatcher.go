package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
	"github.com/MikeSquared-Agency/chatcap/internal/hybrid"
	"github.com/MikeSquared-Agency/chatcap/internal/session"
	"github.com/MikeSquared-Agency/chatcap/internal/store"
)

// Dispatcher is the single entry point for capture actions. The session
// manager and hybrid coordinator are optional; without them the dispatcher
// degrades to writing straight to storage.
type Dispatcher struct {
	ext      *extractor.Extractor
	store    *store.Store
	sessions *session.Manager
	hybrid   *hybrid.Coordinator
	logger   *slog.Logger
}

func New(ext *extractor.Extractor, st *store.Store, sessions *session.Manager, coord *hybrid.Coordinator, logger *slog.Logger) *Dispatcher {
	if ext == nil {
		ext = extractor.New(nil, extractor.DefaultOptions(), logger)
	}
	return &Dispatcher{ext: ext, store: st, sessions: sessions, hybrid: coord, logger: logger}
}

// HandleAction routes a request to the matching operation.
func (d *Dispatcher) HandleAction(ctx context.Context, req ActionRequest) Response {
	switch strings.ToUpper(req.Action) {
	case ActionDeepScan:
		return d.ExecuteDeepScan(ctx, req)
	case ActionStartLiveScan:
		return d.StartLiveScan(ctx, req)
	case ActionStopLiveScan:
		return d.StopLiveScan(ctx, req.TabID)
	case ActionGetScanStatus:
		return d.GetScanStatus(req.TabID)
	case ActionGetStatistics:
		return d.GetStatistics(ctx)
	case ActionCleanupOldData:
		return d.CleanupOldData(ctx, req.MaxAgeDays)
	case ActionLiveChunk:
		return d.HandleLiveChunk(ctx, req)
	case ActionMutations:
		return d.HandleMutations(ctx, extractor.MutationBatch{TabID: req.TabID, Nodes: req.Nodes, Timestamp: req.Timestamp})
	default:
		return fail(fmt.Errorf("unknown action %q", req.Action))
	}
}

func (d *Dispatcher) page(req ActionRequest) (*extractor.Page, error) {
	if strings.TrimSpace(req.HTML) == "" {
		return nil, extractor.ErrNoDocument
	}
	return extractor.ParsePage(strings.NewReader(req.HTML), req.URL, req.Title, req.Timestamp)
}

// ExecuteDeepScan extracts the page snapshot and stores it. A duplicate of a
// recent scan returns the stored record.
func (d *Dispatcher) ExecuteDeepScan(ctx context.Context, req ActionRequest) Response {
	page, err := d.page(req)
	if err != nil {
		return fail(err)
	}
	rec, err := d.ext.DeepExtract(page)
	if err != nil {
		return fail(err)
	}
	res, err := d.store.StoreScan(ctx, rec)
	if err != nil {
		d.logger.Error("deep scan not stored", "tab_id", req.TabID, "url", req.URL, "error", err)
		return fail(err)
	}
	if res.Duplicate {
		if existing, ok := d.store.Get(ctx, res.ID); ok {
			rec = existing
		}
	}
	rec.ID = res.ID
	d.logger.Info("deep scan complete",
		"tab_id", req.TabID,
		"record_id", res.ID,
		"messages", rec.MessageCount,
		"duplicate", res.Duplicate,
	)
	return Response{Success: true, Data: rec}
}

// StartLiveScan opens a live session for the tab, chained after a deep scan
// when Hybrid is set.
func (d *Dispatcher) StartLiveScan(ctx context.Context, req ActionRequest) Response {
	if req.Hybrid {
		if d.hybrid == nil {
			d.logger.Warn("hybrid coordinator unavailable, running deep scan and live scan separately", "tab_id", req.TabID)
			deep := d.ExecuteDeepScan(ctx, req)
			if !deep.Success {
				return deep
			}
			resp := d.startLive(ctx, req)
			resp.Degraded = true
			return resp
		}
		page, err := d.page(req)
		if err != nil {
			return fail(err)
		}
		hs, err := d.hybrid.StartHybrid(ctx, req.TabID, page)
		if err != nil {
			return fail(err)
		}
		return Response{Success: true, SessionID: hs.SessionID, Data: hs}
	}
	return d.startLive(ctx, req)
}

func (d *Dispatcher) startLive(ctx context.Context, req ActionRequest) Response {
	if d.sessions == nil {
		d.logger.Warn("session manager unavailable, live chunks will be stored directly", "tab_id", req.TabID)
		return Response{Success: true, SessionID: "direct-" + uuid.New().String(), Degraded: true}
	}
	sr := session.StartRequest{TabID: req.TabID, URL: req.URL, Title: req.Title}
	if req.HTML != "" {
		if page, err := d.page(req); err == nil {
			sr.Doc = page.Doc
			if sr.Title == "" {
				sr.Title = page.Title
			}
		}
	}
	info, _, err := d.sessions.Start(ctx, sr)
	if err != nil {
		return fail(err)
	}
	return Response{Success: true, SessionID: info.SessionID, Data: info}
}

// StopLiveScan stops live capture on the tab, merging it when it was hybrid.
func (d *Dispatcher) StopLiveScan(ctx context.Context, tabID int) Response {
	if d.hybrid != nil && d.hybrid.IsHybrid(tabID) {
		merged, err := d.hybrid.StopHybrid(ctx, tabID)
		if err != nil {
			return fail(err)
		}
		return Response{Success: true, SessionID: merged.SessionID, Data: merged}
	}
	if d.sessions == nil {
		d.logger.Warn("session manager unavailable, nothing to stop", "tab_id", tabID)
		return Response{Success: true, Degraded: true}
	}
	info, err := d.sessions.Stop(ctx, tabID)
	if err != nil {
		var se *session.SessionError
		if !errors.As(err, &se) {
			d.logger.Error("stop live scan failed", "tab_id", tabID, "error", err)
		}
		return fail(err)
	}
	return Response{Success: true, SessionID: info.SessionID, Data: info}
}

// GetScanStatus reports capture state for the tab.
func (d *Dispatcher) GetScanStatus(tabID int) Response {
	st := ScanStatus{
		TabID:         tabID,
		Backend:       d.store.BackendName(),
		UsingFallback: d.store.IsUsingFallback(),
	}
	if d.sessions != nil {
		if info, ok := d.sessions.Get(tabID); ok {
			st.Active = true
			st.Session = &info
		}
	}
	if d.hybrid != nil {
		if hs, ok := d.hybrid.State(tabID); ok {
			st.Hybrid = &hs
		}
	}
	resp := Response{Success: true, Data: st}
	if st.Session != nil {
		resp.SessionID = st.Session.SessionID
	}
	return resp
}

// GetStatistics summarises storage and sessions.
func (d *Dispatcher) GetStatistics(ctx context.Context) Response {
	stats := Statistics{Storage: d.store.Stats(ctx)}
	if d.sessions != nil {
		stats.Sessions = d.sessions.Active()
		stats.ActiveSessions = len(stats.Sessions)
	}
	return Response{Success: true, Data: stats}
}

// CleanupOldData deletes records older than maxAgeDays from every tier.
func (d *Dispatcher) CleanupOldData(ctx context.Context, maxAgeDays int) Response {
	if maxAgeDays <= 0 {
		return fail(&store.ValidationError{Field: "maxAgeDays", Reason: "must be positive"})
	}
	n, err := d.store.Cleanup(ctx, time.Duration(maxAgeDays)*24*time.Hour)
	if err != nil {
		return fail(err)
	}
	return Response{Success: true, CleanedCount: &n}
}

// HandleLiveChunk accepts fragments pushed for a live session.
func (d *Dispatcher) HandleLiveChunk(ctx context.Context, req ActionRequest) Response {
	if req.ScanType != "" && req.ScanType != string(extractor.ScanLive) {
		return fail(&store.ValidationError{Field: "scanType", Reason: fmt.Sprintf("live chunk with scan type %q", req.ScanType)})
	}
	if len(req.Messages) == 0 {
		return Response{Success: true}
	}
	if d.sessions == nil {
		return d.storeChunkDirect(ctx, req)
	}
	info, ok := d.sessions.Get(req.TabID)
	if !ok {
		return fail(&session.SessionError{TabID: req.TabID, Op: "live chunk", Reason: "no active session"})
	}
	if err := d.sessions.EnqueueChunk(ctx, req.TabID, req.Messages); err != nil {
		return fail(err)
	}
	return Response{Success: true, SessionID: info.SessionID}
}

// storeChunkDirect writes a chunk as its own live record when no session
// manager is available.
func (d *Dispatcher) storeChunkDirect(ctx context.Context, req ActionRequest) Response {
	d.logger.Warn("session manager unavailable, storing live chunk directly", "tab_id", req.TabID, "fragments", len(req.Messages))
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	url := req.URL
	if url == "" {
		url = req.Messages[0].PageContext.URL
	}
	frags := make([]extractor.Fragment, len(req.Messages))
	copy(frags, req.Messages)
	for i := range frags {
		if frags[i].ID == "" {
			frags[i].ID = extractor.IdentityOf(frags[i])
		}
	}
	rec := &extractor.ScanRecord{
		ScanType:     extractor.ScanLive,
		Platform:     frags[0].PageContext.Platform,
		URL:          url,
		Title:        req.Title,
		Timestamp:    ts,
		Fragments:    frags,
		MessageCount: len(frags),
		Checksum:     extractor.Checksum(frags),
	}
	res, err := d.store.StoreScan(ctx, rec)
	if err != nil {
		return fail(err)
	}
	return Response{Success: true, Data: res, Degraded: true}
}

// HandleMutations queues a mutation batch for the tab's live session.
func (d *Dispatcher) HandleMutations(ctx context.Context, batch extractor.MutationBatch) Response {
	if d.sessions == nil {
		return Response{Success: false, Error: "session manager unavailable", Degraded: true}
	}
	if _, ok := d.sessions.Get(batch.TabID); !ok {
		return fail(&session.SessionError{TabID: batch.TabID, Op: "mutations", Reason: "no active session"})
	}
	if err := d.sessions.Enqueue(ctx, batch); err != nil {
		return fail(err)
	}
	return Response{Success: true}
}
