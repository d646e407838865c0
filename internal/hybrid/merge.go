package hybrid

import (
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
	"github.com/MikeSquared-Agency/chatcap/internal/store"
)

// Merge combines a deep scan with the live fragments captured after it.
func Merge(sessionID string, deep *extractor.ScanRecord, live []extractor.Fragment, now time.Time) *store.MergedResult {
	deepMessages := 0
	var tr store.TimeRange
	widen := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if tr.Start.IsZero() || t.Before(tr.Start) {
			tr.Start = t
		}
		if tr.End.IsZero() || t.After(tr.End) {
			tr.End = t
		}
	}
	if deep != nil {
		deepMessages = deep.MessageCount
		widen(deep.Timestamp)
		for _, f := range deep.Fragments {
			widen(f.ApproxTimestamp)
		}
	}
	for _, f := range live {
		widen(f.ApproxTimestamp)
	}

	liveMessages := len(live)
	return &store.MergedResult{
		MergeID:        uuid.New().String(),
		SessionID:      sessionID,
		DeepScanRecord: deep,
		LiveFragments:  live,
		Statistics: store.MergeStatistics{
			TotalMessages: deepMessages + liveMessages,
			DeepMessages:  deepMessages,
			LiveMessages:  liveMessages,
			TimeRange:     tr,
			Efficiency:    efficiency(deepMessages, liveMessages),
		},
		CreatedAt: now,
	}
}

// efficiency is the live share of all captured messages, capped at 1.
func efficiency(deep, live int) float64 {
	if deep+live <= 0 {
		return 0
	}
	e := float64(live) / float64(deep+live)
	if e > 1 {
		return 1
	}
	return e
}
