package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MikeSquared-Agency/chatcap/internal/dispatch"
	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
	"github.com/MikeSquared-Agency/chatcap/internal/store"
)

// Bus is the subset of Client the bridge needs.
type Bus interface {
	Publish(subject string, data any) error
	Subscribe(subject string, handler func(subject string, data []byte)) error
	Respond(subject string, handler func(data []byte) any) error
}

// Handler executes actions.
type Handler interface {
	HandleAction(ctx context.Context, req dispatch.ActionRequest) dispatch.Response
}

// ScanStoredEvent is published after every newly written scan record.
type ScanStoredEvent struct {
	ID           string             `json:"id"`
	ScanType     extractor.ScanType `json:"scanType"`
	URL          string             `json:"url"`
	SessionID    string             `json:"sessionId,omitempty"`
	MessageCount int                `json:"messageCount"`
	Duplicate    bool               `json:"duplicate"`
	Backend      string             `json:"backend"`
}

// Bridge connects the message bus to the dispatcher.
type Bridge struct {
	bus     Bus
	handler Handler
	ctx     context.Context
	logger  *slog.Logger
}

func NewBridge(bus Bus, handler Handler, logger *slog.Logger) *Bridge {
	return &Bridge{bus: bus, handler: handler, ctx: context.Background(), logger: logger}
}

// Start registers the action responder and the push subscriptions. Handlers
// run with ctx.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx = ctx
	if err := b.bus.Respond(SubjectActions, b.onAction); err != nil {
		return err
	}
	if err := b.bus.Subscribe(SubjectLiveChunk, b.onPush); err != nil {
		return err
	}
	if err := b.bus.Subscribe(SubjectMutations, b.onPush); err != nil {
		return err
	}
	return nil
}

func (b *Bridge) onAction(data []byte) any {
	var req dispatch.ActionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return dispatch.Response{Success: false, Error: fmt.Sprintf("decode action: %v", err)}
	}
	return b.handler.HandleAction(b.ctx, req)
}

// onPush handles fire-and-forget messages. The subject decides the action.
func (b *Bridge) onPush(subject string, data []byte) {
	var req dispatch.ActionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		b.logger.Warn("dropping undecodable message", "subject", subject, "error", err)
		return
	}
	switch subject {
	case SubjectLiveChunk:
		req.Action = dispatch.ActionLiveChunk
	case SubjectMutations:
		req.Action = dispatch.ActionMutations
	}
	if resp := b.handler.HandleAction(b.ctx, req); !resp.Success {
		b.logger.Warn("push message rejected", "subject", subject, "tab_id", req.TabID, "error", resp.Error)
	}
}

// PublishStored announces a stored scan. It matches the store.OnStored hook.
func (b *Bridge) PublishStored(res store.Result, rec *extractor.ScanRecord) {
	ev := ScanStoredEvent{
		ID:           res.ID,
		ScanType:     rec.ScanType,
		URL:          rec.URL,
		SessionID:    rec.SessionID,
		MessageCount: rec.MessageCount,
		Duplicate:    res.Duplicate,
		Backend:      res.Backend,
	}
	if err := b.bus.Publish(SubjectScanStored, ev); err != nil {
		b.logger.Warn("failed to publish scan stored event", "record_id", res.ID, "error", err)
	}
}
