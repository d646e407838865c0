package store

import (
	"context"
	"time"

	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
)

// Backend is one durable tier. The Store holds exactly one active backend and
// swaps it for the fallback when the primary misbehaves.
type Backend interface {
	Name() string

	Insert(ctx context.Context, rec *extractor.ScanRecord) error
	Get(ctx context.Context, id string) (*extractor.ScanRecord, error)
	Query(ctx context.Context, f Filter, p Pagination) ([]extractor.ScanRecord, error)
	Count(ctx context.Context, f Filter) (int, error)
	SizeBytes(ctx context.Context) (int64, error)

	Delete(ctx context.Context, ids []string) (int, error)
	DeleteOldest(ctx context.Context, n int) (int, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)

	SaveMerge(ctx context.Context, m *MergedResult) error
	GetMerge(ctx context.Context, id string) (*MergedResult, error)

	SaveSession(ctx context.Context, s SessionState) error
	LoadSessions(ctx context.Context, status string) ([]SessionState, error)

	Close() error
}

// Opener connects a backend. It must honour ctx cancellation.
type Opener func(ctx context.Context) (Backend, error)

func matches(rec *extractor.ScanRecord, f Filter) bool {
	if f.URL != "" && urlKey(rec.URL) != urlKey(f.URL) {
		return false
	}
	if f.Platform != "" && rec.Platform != f.Platform {
		return false
	}
	if f.ScanType != "" && rec.ScanType != f.ScanType {
		return false
	}
	if f.SessionID != "" && rec.SessionID != f.SessionID {
		return false
	}
	if f.Title != "" && rec.Title != f.Title {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	return true
}
