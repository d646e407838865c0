package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
)

// DefaultFallbackCap bounds the flat list.
const DefaultFallbackCap = 500

// flatListState is the on-disk layout of the fallback file.
type flatListState struct {
	Scans    []extractor.ScanRecord  `json:"scans"`
	Merges   []MergedResult          `json:"merges"`
	Sessions map[string]SessionState `json:"sessions"`
}

// FlatListBackend keeps a bounded newest-first list of records in a single
// JSON file. An empty path keeps everything in memory.
type FlatListBackend struct {
	mu    sync.Mutex
	path  string
	cap   int
	state flatListState
}

// OpenFlatList loads the fallback file at path, or starts empty if it does
// not exist yet.
func OpenFlatList(path string, capacity int) (*FlatListBackend, error) {
	if capacity <= 0 {
		capacity = DefaultFallbackCap
	}
	b := &FlatListBackend{
		path:  path,
		cap:   capacity,
		state: flatListState{Sessions: map[string]SessionState{}},
	}
	if path == "" {
		return b, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("read fallback: %w", err)
	}
	if err := json.Unmarshal(data, &b.state); err != nil {
		return nil, fmt.Errorf("parse fallback: %w", err)
	}
	if b.state.Sessions == nil {
		b.state.Sessions = map[string]SessionState{}
	}
	b.sortAndTrim()
	return b, nil
}

func (b *FlatListBackend) Name() string { return "flatlist" }

func (b *FlatListBackend) Close() error { return nil }

func (b *FlatListBackend) Insert(_ context.Context, rec *extractor.ScanRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.state.Scans {
		if r.ID == rec.ID {
			return fmt.Errorf("insert scan %s: already exists", rec.ID)
		}
	}
	b.state.Scans = append(b.state.Scans, *rec)
	b.sortAndTrim()
	return b.save()
}

func (b *FlatListBackend) Get(_ context.Context, id string) (*extractor.ScanRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.state.Scans {
		if b.state.Scans[i].ID == id {
			rec := b.state.Scans[i]
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

func (b *FlatListBackend) Query(_ context.Context, f Filter, p Pagination) ([]extractor.ScanRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []extractor.ScanRecord
	skipped := 0
	for i := range b.state.Scans {
		if !matches(&b.state.Scans[i], f) {
			continue
		}
		if skipped < p.Offset {
			skipped++
			continue
		}
		out = append(out, b.state.Scans[i])
		if p.Limit > 0 && len(out) >= p.Limit {
			break
		}
	}
	return out, nil
}

func (b *FlatListBackend) Count(_ context.Context, f Filter) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for i := range b.state.Scans {
		if matches(&b.state.Scans[i], f) {
			n++
		}
	}
	return n, nil
}

func (b *FlatListBackend) SizeBytes(_ context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for i := range b.state.Scans {
		data, err := json.Marshal(&b.state.Scans[i])
		if err != nil {
			return 0, fmt.Errorf("marshal scan: %w", err)
		}
		n += int64(len(data))
	}
	return n, nil
}

func (b *FlatListBackend) Delete(_ context.Context, ids []string) (int, error) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	return b.removeScans(func(r *extractor.ScanRecord) bool { return drop[r.ID] })
}

func (b *FlatListBackend) DeleteOldest(_ context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.state.Scans) {
		n = len(b.state.Scans)
	}
	b.state.Scans = b.state.Scans[:len(b.state.Scans)-n]
	return n, b.save()
}

func (b *FlatListBackend) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	n, err := b.removeScans(func(r *extractor.ScanRecord) bool { return r.Timestamp.Before(cutoff) })
	if err != nil {
		return n, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.state.Merges[:0]
	for _, m := range b.state.Merges {
		if !m.CreatedAt.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	b.state.Merges = kept
	return n, b.save()
}

func (b *FlatListBackend) SaveMerge(_ context.Context, m *MergedResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.state.Merges {
		if existing.MergeID == m.MergeID {
			return fmt.Errorf("insert merge %s: already exists", m.MergeID)
		}
	}
	b.state.Merges = append([]MergedResult{*m}, b.state.Merges...)
	if len(b.state.Merges) > b.cap {
		b.state.Merges = b.state.Merges[:b.cap]
	}
	return b.save()
}

func (b *FlatListBackend) GetMerge(_ context.Context, id string) (*MergedResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.state.Merges {
		if b.state.Merges[i].MergeID == id {
			m := b.state.Merges[i]
			return &m, nil
		}
	}
	return nil, ErrNotFound
}

func (b *FlatListBackend) SaveSession(_ context.Context, s SessionState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Sessions[s.SessionID] = s
	return b.save()
}

func (b *FlatListBackend) LoadSessions(_ context.Context, status string) ([]SessionState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []SessionState
	for _, s := range b.state.Sessions {
		if status == "" || s.Status == status {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (b *FlatListBackend) removeScans(drop func(*extractor.ScanRecord) bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.state.Scans[:0]
	removed := 0
	for i := range b.state.Scans {
		if drop(&b.state.Scans[i]) {
			removed++
			continue
		}
		kept = append(kept, b.state.Scans[i])
	}
	b.state.Scans = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, b.save()
}

// sortAndTrim keeps scans newest first and within the cap. Caller holds mu.
func (b *FlatListBackend) sortAndTrim() {
	sort.SliceStable(b.state.Scans, func(i, j int) bool {
		a, c := b.state.Scans[i], b.state.Scans[j]
		if !a.Timestamp.Equal(c.Timestamp) {
			return a.Timestamp.After(c.Timestamp)
		}
		return a.ID > c.ID
	})
	if len(b.state.Scans) > b.cap {
		b.state.Scans = b.state.Scans[:b.cap]
	}
}

// save writes the state atomically. Caller holds mu.
func (b *FlatListBackend) save() error {
	if b.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	data, err := json.Marshal(&b.state)
	if err != nil {
		return fmt.Errorf("marshal fallback: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write fallback: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("replace fallback: %w", err)
	}
	return nil
}
