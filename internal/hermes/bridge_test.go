package hermes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MikeSquared-Agency/chatcap/internal/dispatch"
	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
	"github.com/MikeSquared-Agency/chatcap/internal/store"
)

type fakeBus struct {
	mu         sync.Mutex
	subs       map[string]func(string, []byte)
	responders map[string]func([]byte) any
	published  map[string][]any
	publishErr error
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		subs:       map[string]func(string, []byte){},
		responders: map[string]func([]byte) any{},
		published:  map[string][]any{},
	}
}

func (f *fakeBus) Publish(subject string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func (f *fakeBus) Subscribe(subject string, handler func(string, []byte)) error {
	f.subs[subject] = handler
	return nil
}

func (f *fakeBus) Respond(subject string, handler func([]byte) any) error {
	f.responders[subject] = handler
	return nil
}

type recordingHandler struct {
	mu   sync.Mutex
	reqs []dispatch.ActionRequest
	resp dispatch.Response
}

func (h *recordingHandler) HandleAction(_ context.Context, req dispatch.ActionRequest) dispatch.Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reqs = append(h.reqs, req)
	return h.resp
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBridge(t *testing.T, resp dispatch.Response) (*fakeBus, *recordingHandler, *Bridge) {
	t.Helper()
	bus := newFakeBus()
	h := &recordingHandler{resp: resp}
	b := NewBridge(bus, h, testLogger())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return bus, h, b
}

func TestBridge_ActionRequestReply(t *testing.T) {
	bus, h, _ := startBridge(t, dispatch.Response{Success: true, SessionID: "s-1"})

	respond, ok := bus.responders[SubjectActions]
	if !ok {
		t.Fatalf("no responder on %s", SubjectActions)
	}
	reply := respond([]byte(`{"action":"START_LIVE_SCAN","tabId":4,"url":"https://x.example"}`))
	if diff := cmp.Diff(dispatch.Response{Success: true, SessionID: "s-1"}, reply); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}
	if len(h.reqs) != 1 || h.reqs[0].Action != dispatch.ActionStartLiveScan || h.reqs[0].TabID != 4 {
		t.Errorf("requests = %+v", h.reqs)
	}

	bad := respond([]byte(`{not json`)).(dispatch.Response)
	if bad.Success || bad.Error == "" {
		t.Errorf("undecodable request reply = %+v", bad)
	}
	if len(h.reqs) != 1 {
		t.Error("undecodable request reached the handler")
	}
}

func TestBridge_PushSubjectsSetAction(t *testing.T) {
	bus, h, _ := startBridge(t, dispatch.Response{Success: true})

	chunk, _ := json.Marshal(map[string]any{
		"action":   "GET_STATISTICS",
		"tabId":    2,
		"messages": []map[string]string{{"content": "hi"}},
	})
	bus.subs[SubjectLiveChunk](SubjectLiveChunk, chunk)
	bus.subs[SubjectMutations](SubjectMutations, []byte(`{"tabId":2,"nodes":["<p>x</p>"]}`))
	bus.subs[SubjectMutations](SubjectMutations, []byte(`garbage`))

	var got []string
	for _, r := range h.reqs {
		got = append(got, r.Action)
	}
	want := []string{dispatch.ActionLiveChunk, dispatch.ActionMutations}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("actions mismatch (-want +got):\n%s", diff)
	}
	if len(h.reqs[0].Messages) != 1 || h.reqs[1].Nodes[0] != "<p>x</p>" {
		t.Errorf("payloads not decoded: %+v", h.reqs)
	}
}

func TestBridge_PublishStored(t *testing.T) {
	bus, _, b := startBridge(t, dispatch.Response{})
	rec := &extractor.ScanRecord{
		ScanType:     extractor.ScanLive,
		URL:          "https://x.example/c",
		SessionID:    "s-9",
		MessageCount: 3,
	}
	b.PublishStored(store.Result{ID: "r-1", Backend: "sqlite"}, rec)

	want := []any{ScanStoredEvent{
		ID:           "r-1",
		ScanType:     extractor.ScanLive,
		URL:          "https://x.example/c",
		SessionID:    "s-9",
		MessageCount: 3,
		Backend:      "sqlite",
	}}
	if diff := cmp.Diff(want, bus.published[SubjectScanStored]); diff != "" {
		t.Errorf("published mismatch (-want +got):\n%s", diff)
	}

	bus.publishErr = errors.New("disconnected")
	b.PublishStored(store.Result{ID: "r-2"}, rec)
	if len(bus.published[SubjectScanStored]) != 1 {
		t.Error("failed publish was recorded")
	}
}
