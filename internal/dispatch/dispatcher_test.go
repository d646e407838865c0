package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
	"github.com/MikeSquared-Agency/chatcap/internal/hybrid"
	"github.com/MikeSquared-Agency/chatcap/internal/session"
	"github.com/MikeSquared-Agency/chatcap/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pageHTML(messages ...string) string {
	var b strings.Builder
	b.WriteString("<html><head><title>Support</title></head><body>")
	for _, m := range messages {
		fmt.Fprintf(&b, `<div class="message">%s</div>`, m)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	fl, err := store.OpenFlatList("", 0)
	if err != nil {
		t.Fatalf("OpenFlatList: %v", err)
	}
	st, err := store.Open(context.Background(), store.Options{}, func(context.Context) (store.Backend, error) {
		return fl, nil
	}, nil, testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// newFull wires every component and runs the session queue consumer for the
// duration of the test.
func newFull(t *testing.T) (*Dispatcher, *store.Store, *session.Manager) {
	t.Helper()
	logger := testLogger()
	st := openStore(t)
	ext := extractor.New(nil, extractor.DefaultOptions(), logger)
	mgr := session.NewManager(st, ext, session.Options{}, logger)
	coord := hybrid.New(ext, mgr, st, 10*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		coord.Close()
		mgr.Shutdown(context.Background())
	})
	return New(ext, st, mgr, coord, logger), st, mgr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleAction_DeepScan(t *testing.T) {
	d, st, _ := newFull(t)
	ctx := context.Background()
	req := ActionRequest{
		Action: ActionDeepScan,
		TabID:  1,
		URL:    "https://support.example.com/chat/1",
		HTML:   pageHTML("hello there", "how can I help"),
	}

	resp := d.HandleAction(ctx, req)
	if !resp.Success {
		t.Fatalf("deep scan failed: %s", resp.Error)
	}
	rec, ok := resp.Data.(*extractor.ScanRecord)
	if !ok {
		t.Fatalf("Data = %T", resp.Data)
	}
	if rec.ID == "" || rec.MessageCount != 2 || rec.Title != "Support" {
		t.Errorf("record = id %q, %d messages, title %q", rec.ID, rec.MessageCount, rec.Title)
	}

	again := d.HandleAction(ctx, req)
	if !again.Success {
		t.Fatalf("repeat deep scan failed: %s", again.Error)
	}
	if got := again.Data.(*extractor.ScanRecord).ID; got != rec.ID {
		t.Errorf("repeat scan id = %q, want duplicate of %q", got, rec.ID)
	}
	if n := st.GetScanCount(ctx); n != 1 {
		t.Errorf("scan count = %d, want 1", n)
	}
}

func TestHandleAction_Rejections(t *testing.T) {
	d, _, _ := newFull(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  ActionRequest
		want string
	}{
		{"unknown action", ActionRequest{Action: "REWIND"}, "unknown action"},
		{"deep scan without html", ActionRequest{Action: ActionDeepScan, URL: "https://x.example"}, extractor.ErrNoDocument.Error()},
		{"stop without session", ActionRequest{Action: ActionStopLiveScan, TabID: 9}, "tab 9"},
		{"chunk without session", ActionRequest{Action: ActionLiveChunk, TabID: 9, Messages: []extractor.Fragment{{Content: "x"}}}, "no active session"},
		{"chunk with deep type", ActionRequest{Action: ActionLiveChunk, TabID: 9, ScanType: "deep", Messages: []extractor.Fragment{{Content: "x"}}}, "scanType"},
		{"mutations without session", ActionRequest{Action: ActionMutations, TabID: 9}, "no active session"},
		{"cleanup without age", ActionRequest{Action: ActionCleanupOldData}, "maxAgeDays"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := d.HandleAction(ctx, tt.req)
			if resp.Success {
				t.Fatal("expected failure")
			}
			if !strings.Contains(resp.Error, tt.want) {
				t.Errorf("error = %q, want it to contain %q", resp.Error, tt.want)
			}
		})
	}
}

func TestHandleAction_LiveLifecycle(t *testing.T) {
	d, st, mgr := newFull(t)
	ctx := context.Background()
	url := "https://support.example.com/chat/2"

	start := d.HandleAction(ctx, ActionRequest{Action: ActionStartLiveScan, TabID: 2, URL: url, Title: "Support"})
	if !start.Success || start.SessionID == "" {
		t.Fatalf("start = %+v", start)
	}

	chunk := d.HandleAction(ctx, ActionRequest{
		Action:   ActionLiveChunk,
		TabID:    2,
		ScanType: "live",
		Messages: []extractor.Fragment{{Content: "first live line"}, {Content: "second live line"}},
	})
	if !chunk.Success || chunk.SessionID != start.SessionID {
		t.Fatalf("chunk = %+v", chunk)
	}
	waitFor(t, func() bool {
		info, ok := mgr.Get(2)
		return ok && info.BufferedFragmentCount == 2
	})

	status := d.HandleAction(ctx, ActionRequest{Action: ActionGetScanStatus, TabID: 2})
	ss := status.Data.(ScanStatus)
	if !ss.Active || ss.Session == nil || ss.Session.SessionID != start.SessionID {
		t.Errorf("status = %+v", ss)
	}

	stats := d.HandleAction(ctx, ActionRequest{Action: ActionGetStatistics})
	if got := stats.Data.(Statistics).ActiveSessions; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}

	stop := d.HandleAction(ctx, ActionRequest{Action: ActionStopLiveScan, TabID: 2})
	if !stop.Success {
		t.Fatalf("stop failed: %s", stop.Error)
	}
	live := st.Query(ctx, store.Filter{SessionID: start.SessionID}, store.Pagination{})
	if len(live) != 1 || live[0].MessageCount != 2 || live[0].ScanType != extractor.ScanLive {
		t.Fatalf("live records = %+v", live)
	}
	if ss := d.GetScanStatus(2).Data.(ScanStatus); ss.Active {
		t.Error("tab still active after stop")
	}
}

func TestHandleAction_Hybrid(t *testing.T) {
	d, _, _ := newFull(t)
	ctx := context.Background()

	start := d.HandleAction(ctx, ActionRequest{
		Action: ActionStartLiveScan,
		TabID:  3,
		URL:    "https://support.example.com/chat/3",
		HTML:   pageHTML("opening line", "a reply"),
		Hybrid: true,
	})
	if !start.Success {
		t.Fatalf("hybrid start failed: %s", start.Error)
	}
	hs := start.Data.(hybrid.HybridSession)
	if hs.InitialMessageCount != 2 {
		t.Errorf("initial messages = %d, want 2", hs.InitialMessageCount)
	}
	if ss := d.GetScanStatus(3).Data.(ScanStatus); ss.Hybrid == nil {
		t.Error("status has no hybrid state")
	}

	stop := d.HandleAction(ctx, ActionRequest{Action: ActionStopLiveScan, TabID: 3})
	if !stop.Success {
		t.Fatalf("hybrid stop failed: %s", stop.Error)
	}
	merged := stop.Data.(*store.MergedResult)
	if merged.Statistics.DeepMessages != 2 || merged.Statistics.LiveMessages != 0 {
		t.Errorf("statistics = %+v", merged.Statistics)
	}
}

func TestCleanupOldData(t *testing.T) {
	d, _, _ := newFull(t)
	ctx := context.Background()
	if resp := d.ExecuteDeepScan(ctx, ActionRequest{URL: "https://x.example/c", HTML: pageHTML("recent message")}); !resp.Success {
		t.Fatalf("deep scan: %s", resp.Error)
	}

	resp := d.CleanupOldData(ctx, 30)
	if !resp.Success || resp.CleanedCount == nil {
		t.Fatalf("cleanup = %+v", resp)
	}
	if *resp.CleanedCount != 0 {
		t.Errorf("cleaned = %d, want 0", *resp.CleanedCount)
	}
}

func TestDegraded_NoSessionManager(t *testing.T) {
	st := openStore(t)
	d := New(nil, st, nil, nil, testLogger())
	ctx := context.Background()
	url := "https://support.example.com/chat/4"

	start := d.StartLiveScan(ctx, ActionRequest{TabID: 4, URL: url})
	if !start.Success || !start.Degraded || !strings.HasPrefix(start.SessionID, "direct-") {
		t.Fatalf("start = %+v", start)
	}

	chunk := d.HandleLiveChunk(ctx, ActionRequest{
		TabID:    4,
		URL:      url,
		Messages: []extractor.Fragment{{Content: "stored without a session"}},
	})
	if !chunk.Success || !chunk.Degraded {
		t.Fatalf("chunk = %+v", chunk)
	}
	recs := st.GetScansByURL(ctx, url, 0)
	if len(recs) != 1 || recs[0].ScanType != extractor.ScanLive {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].Fragments[0].ID == "" {
		t.Error("fragment stored without identity")
	}

	if stop := d.StopLiveScan(ctx, 4); !stop.Success || !stop.Degraded {
		t.Errorf("stop = %+v", stop)
	}

	hyb := d.StartLiveScan(ctx, ActionRequest{TabID: 5, URL: url + "/h", HTML: pageHTML("deep part"), Hybrid: true})
	if !hyb.Success || !hyb.Degraded {
		t.Errorf("hybrid without coordinator = %+v", hyb)
	}
	if mut := d.HandleMutations(ctx, extractor.MutationBatch{TabID: 4}); mut.Success {
		t.Error("mutations accepted without a session manager")
	}
}
