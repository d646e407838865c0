package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/chatcap/internal/dedup"
	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
)

// MaxRecordBytes is the largest serialized record accepted.
const MaxRecordBytes = 5 * 1024 * 1024

// Options tunes the Store. Zero values take the defaults below.
type Options struct {
	DedupWindow    time.Duration // 30m
	DedupThreshold float64       // 0.8
	MaxRecords     int           // 1000
	MaxBytes       int64         // 50MB
	EvictRatio     float64       // 0.3
	OpenTimeout    time.Duration // 10s
	ExportCap      int           // 5000
	CacheSize      int           // 100
}

func (o *Options) setDefaults() {
	if o.DedupWindow <= 0 {
		o.DedupWindow = 30 * time.Minute
	}
	if o.DedupThreshold <= 0 {
		o.DedupThreshold = 0.8
	}
	if o.MaxRecords <= 0 {
		o.MaxRecords = 1000
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 50 * 1024 * 1024
	}
	if o.EvictRatio <= 0 || o.EvictRatio >= 1 {
		o.EvictRatio = 0.3
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 10 * time.Second
	}
	if o.ExportCap <= 0 {
		o.ExportCap = 5000
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 100
	}
}

type seenFragment struct {
	recordID string
	at       time.Time
}

// Store is the persistence layer. It validates, sanitises and deduplicates
// records before handing them to the active backend, and swaps to the
// fallback backend when the primary fails.
type Store struct {
	opts     Options
	logger   *slog.Logger
	detector *dedup.Detector
	open     Opener

	mu       sync.RWMutex
	primary  Backend
	fallback Backend
	active   Backend

	// writeMu serialises the duplicate check with the insert that follows it.
	writeMu  sync.Mutex
	recent   []extractor.ScanRecord
	seenFrag map[string]seenFragment

	hookMu  sync.RWMutex
	onStore []func(Result, *extractor.ScanRecord)

	now func() time.Time
}

// Open connects the primary backend within OpenTimeout. If it cannot be
// opened the Store starts on the fallback; Open itself only fails when there
// is no fallback either.
func Open(ctx context.Context, opts Options, open Opener, fallback Backend, logger *slog.Logger) (*Store, error) {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		opts:     opts,
		logger:   logger,
		detector: dedup.NewDetector(opts.DedupThreshold, opts.DedupWindow),
		open:     open,
		fallback: fallback,
		seenFrag: make(map[string]seenFragment),
		now:      time.Now,
	}

	primary, err := s.openPrimary(ctx)
	switch {
	case err == nil:
		s.primary = primary
		s.active = primary
		logger.Info("storage backend ready", "backend", primary.Name())
	case fallback != nil:
		s.active = fallback
		logger.Warn("primary storage unavailable, using fallback", "error", err, "fallback", fallback.Name())
	default:
		return nil, err
	}
	return s, nil
}

func (s *Store) openPrimary(ctx context.Context) (Backend, error) {
	if s.open == nil {
		return nil, &PersistenceError{Op: "open primary", Err: errors.New("no primary configured")}
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpenTimeout)
	defer cancel()

	type opened struct {
		b   Backend
		err error
	}
	ch := make(chan opened, 1)
	go func() {
		b, err := s.open(ctx)
		ch <- opened{b, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return nil, &PersistenceError{Op: "open primary", Err: o.err}
		}
		return o.b, nil
	case <-ctx.Done():
		// A backend that shows up after the deadline is closed, not leaked.
		go func() {
			if o := <-ch; o.b != nil {
				o.b.Close()
			}
		}()
		return nil, &TimeoutError{Op: "open primary", After: s.opts.OpenTimeout}
	}
}

// OnStored registers fn to be called after every successful non-duplicate write.
func (s *Store) OnStored(fn func(Result, *extractor.ScanRecord)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onStore = append(s.onStore, fn)
}

func (s *Store) backend() Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// IsUsingFallback reports whether writes currently go to the fallback backend.
func (s *Store) IsUsingFallback() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active != nil && s.active == s.fallback && s.primary != s.fallback
}

// BackendName names the active backend.
func (s *Store) BackendName() string {
	if b := s.backend(); b != nil {
		return b.Name()
	}
	return ""
}

// engageFallback swaps the active backend to the fallback after failed. It
// returns the backend to retry on, or nil if there is nothing left.
func (s *Store) engageFallback(failed Backend, cause error) Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != failed {
		return s.active
	}
	if s.fallback == nil || failed == s.fallback {
		return nil
	}
	s.active = s.fallback
	s.logger.Warn("primary storage failed, switching to fallback", "error", cause, "fallback", s.fallback.Name())
	return s.active
}

// Reinitialize retries the primary backend and routes traffic back to it on
// success.
func (s *Store) Reinitialize(ctx context.Context) error {
	primary, err := s.openPrimary(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.primary
	s.primary = primary
	s.active = primary
	s.mu.Unlock()
	if old != nil && old != primary {
		old.Close()
	}
	s.logger.Info("primary storage reinitialized", "backend", primary.Name())
	return nil
}

// withBackend runs op on the active backend, retrying once on the fallback
// if the primary fails.
func (s *Store) withBackend(op, key string, fn func(Backend) error) (Backend, error) {
	b := s.backend()
	if b == nil {
		return nil, &PersistenceError{Op: op, Key: key, Err: errors.New("no storage backend")}
	}
	err := fn(b)
	if err == nil {
		return b, nil
	}
	retry := s.engageFallback(b, err)
	if retry == nil || retry == b {
		return nil, &PersistenceError{Op: op, Key: key, Err: err}
	}
	if err := fn(retry); err != nil {
		return nil, &PersistenceError{Op: op, Key: key, Err: err}
	}
	return retry, nil
}

// Validate rejects records that cannot be stored.
func Validate(rec *extractor.ScanRecord) error {
	if rec == nil {
		return &ValidationError{Field: "record", Reason: "missing"}
	}
	if strings.TrimSpace(rec.URL) == "" && strings.TrimSpace(rec.Title) == "" {
		return &ValidationError{Field: "url", Reason: "record needs a url or a title"}
	}
	if rec.ScanType != extractor.ScanDeep && rec.ScanType != extractor.ScanLive {
		return &ValidationError{Field: "scanType", Reason: fmt.Sprintf("unknown scan type %q", rec.ScanType)}
	}
	if rec.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "missing"}
	}
	if rec.ScanType == extractor.ScanLive && len(rec.Fragments) == 0 {
		return &ValidationError{Field: "fragments", Reason: "live record has no fragments"}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return &ValidationError{Field: "record", Reason: err.Error()}
	}
	if len(data) > MaxRecordBytes {
		return &ValidationError{Field: "record", Reason: fmt.Sprintf("%d bytes exceeds limit of %d", len(data), MaxRecordBytes)}
	}
	return nil
}

// StoreScan validates, sanitises and persists rec. A record equivalent to one
// already stored is not written again; the Result then carries the existing
// id and Duplicate is set.
func (s *Store) StoreScan(ctx context.Context, rec *extractor.ScanRecord) (Result, error) {
	if err := Validate(rec); err != nil {
		return Result{}, err
	}
	clean := Sanitize(rec)
	if clean.ID == "" {
		clean.ID = uuid.New().String()
	}
	if clean.CreatedAt.IsZero() {
		clean.CreatedAt = s.now().UTC()
	}
	clean.SchemaVersion = SchemaVersion

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.pruneFragments()
	if clean.ScanType == extractor.ScanLive {
		fresh, dupOf := s.filterSeen(clean)
		if len(fresh) == 0 {
			return Result{ID: dupOf, Duplicate: true, Backend: s.BackendName()}, nil
		}
		clean.Fragments = fresh
		clean.MessageCount = len(fresh)
		clean.Checksum = extractor.Checksum(fresh)
	} else if id, ok := s.findDuplicate(ctx, clean); ok {
		// Live chunks are already reduced to unseen fragments above.
		s.logger.Debug("duplicate scan suppressed", "url", clean.URL, "existing", id)
		return Result{ID: id, Duplicate: true, Backend: s.BackendName()}, nil
	}

	b, err := s.withBackend("store scan", clean.ID, func(b Backend) error { return b.Insert(ctx, clean) })
	if err != nil {
		return Result{}, err
	}

	s.remember(clean)
	res := Result{ID: clean.ID, Backend: b.Name()}

	s.hookMu.RLock()
	hooks := s.onStore
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(res, clean)
	}

	if s.overThresholds(ctx, b) {
		if _, err := s.maintain(ctx, b); err != nil {
			s.logger.Warn("maintenance after write failed", "error", err)
		}
	}
	return res, nil
}

func (s *Store) findDuplicate(ctx context.Context, rec *extractor.ScanRecord) (string, bool) {
	b := s.backend()
	if b == nil {
		return "", false
	}
	recent, err := b.Query(ctx, Filter{
		URL:      rec.URL,
		ScanType: rec.ScanType,
		Since:    rec.Timestamp.Add(-s.opts.DedupWindow),
	}, Pagination{Limit: s.detector.Recent})
	if err != nil {
		s.logger.Warn("duplicate check skipped", "error", err)
		return "", false
	}
	cands := make([]dedup.Candidate, len(recent))
	for i := range recent {
		cands[i] = candidateOf(&recent[i])
	}
	return s.detector.FindDuplicate(cands, candidateOf(rec))
}

func candidateOf(rec *extractor.ScanRecord) dedup.Candidate {
	contents := make([]string, len(rec.Fragments))
	for i, f := range rec.Fragments {
		contents[i] = f.Content
	}
	return dedup.Candidate{
		ID:           rec.ID,
		URL:          rec.URL,
		ScanType:     string(rec.ScanType),
		Title:        rec.Title,
		Text:         dedup.JoinText(contents),
		MessageCount: rec.MessageCount,
		Timestamp:    rec.Timestamp,
		Checksum:     rec.Checksum,
	}
}

func fragmentKey(url, id string) string { return urlKey(url) + "|" + id }

// filterSeen drops live fragments already persisted for the same URL within
// the dedup window. Caller holds writeMu.
func (s *Store) filterSeen(rec *extractor.ScanRecord) ([]extractor.Fragment, string) {
	var fresh []extractor.Fragment
	dupOf := ""
	for _, f := range rec.Fragments {
		if seen, ok := s.seenFrag[fragmentKey(rec.URL, f.ID)]; ok {
			if dupOf == "" {
				dupOf = seen.recordID
			}
			continue
		}
		fresh = append(fresh, f)
	}
	return fresh, dupOf
}

// remember records rec in the read cache and the fragment window. Caller holds writeMu.
func (s *Store) remember(rec *extractor.ScanRecord) {
	at := s.now()
	for _, f := range rec.Fragments {
		s.seenFrag[fragmentKey(rec.URL, f.ID)] = seenFragment{recordID: rec.ID, at: at}
	}
	s.mu.Lock()
	s.recent = append([]extractor.ScanRecord{*rec}, s.recent...)
	if len(s.recent) > s.opts.CacheSize {
		s.recent = s.recent[:s.opts.CacheSize]
	}
	s.mu.Unlock()
}

// pruneFragments expires fragment window entries. Caller holds writeMu.
func (s *Store) pruneFragments() {
	cutoff := s.now().Add(-s.opts.DedupWindow)
	for k, v := range s.seenFrag {
		if v.at.Before(cutoff) {
			delete(s.seenFrag, k)
		}
	}
}

// Get returns the record with id, or false if it does not exist. Backend
// failures fall back to the in-memory cache of recent writes.
func (s *Store) Get(ctx context.Context, id string) (*extractor.ScanRecord, bool) {
	b := s.backend()
	if b != nil {
		rec, err := b.Get(ctx, id)
		if err == nil {
			return rec, true
		}
		if errors.Is(err, ErrNotFound) {
			return nil, false
		}
		s.logger.Warn("get scan failed, serving from cache", "id", id, "error", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.recent {
		if s.recent[i].ID == id {
			rec := s.recent[i]
			return &rec, true
		}
	}
	return nil, false
}

// Query returns matching records newest first. It never fails: backend errors
// are logged and the in-memory cache is served instead.
func (s *Store) Query(ctx context.Context, f Filter, p Pagination) []extractor.ScanRecord {
	if b := s.backend(); b != nil {
		recs, err := b.Query(ctx, f, p)
		if err == nil {
			return recs
		}
		s.logger.Warn("query failed, serving from cache", "error", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []extractor.ScanRecord
	skipped := 0
	for i := range s.recent {
		if !matches(&s.recent[i], f) {
			continue
		}
		if skipped < p.Offset {
			skipped++
			continue
		}
		out = append(out, s.recent[i])
		if p.Limit > 0 && len(out) >= p.Limit {
			break
		}
	}
	return out
}

// GetAllScans exports every record, capped at ExportCap.
func (s *Store) GetAllScans(ctx context.Context) []extractor.ScanRecord {
	return s.Query(ctx, Filter{}, Pagination{Limit: s.opts.ExportCap})
}

// GetScansByURL returns up to limit records captured on url.
func (s *Store) GetScansByURL(ctx context.Context, url string, limit int) []extractor.ScanRecord {
	if limit <= 0 || limit > s.opts.ExportCap {
		limit = s.opts.ExportCap
	}
	return s.Query(ctx, Filter{URL: url}, Pagination{Limit: limit})
}

// GetScanCount returns the number of stored records, or 0 if unknown.
func (s *Store) GetScanCount(ctx context.Context) int {
	b := s.backend()
	if b == nil {
		return 0
	}
	n, err := b.Count(ctx, Filter{})
	if err != nil {
		s.logger.Warn("count scans failed", "error", err)
		return 0
	}
	return n
}

// Stats summarises the active backend.
func (s *Store) Stats(ctx context.Context) Stats {
	st := Stats{Backend: s.BackendName(), UsingFallback: s.IsUsingFallback()}
	b := s.backend()
	if b == nil {
		return st
	}
	var err error
	if st.TotalScans, err = b.Count(ctx, Filter{}); err != nil {
		s.logger.Warn("stats: count failed", "error", err)
	}
	if st.DeepScans, err = b.Count(ctx, Filter{ScanType: extractor.ScanDeep}); err != nil {
		s.logger.Warn("stats: count deep failed", "error", err)
	}
	if st.LiveScans, err = b.Count(ctx, Filter{ScanType: extractor.ScanLive}); err != nil {
		s.logger.Warn("stats: count live failed", "error", err)
	}
	if st.SizeBytes, err = b.SizeBytes(ctx); err != nil {
		s.logger.Warn("stats: size failed", "error", err)
	}
	return st
}

// SaveMerge persists a hybrid merge result.
func (s *Store) SaveMerge(ctx context.Context, m *MergedResult) error {
	if m == nil || m.MergeID == "" {
		return &ValidationError{Field: "mergeId", Reason: "missing"}
	}
	_, err := s.withBackend("save merge", m.MergeID, func(b Backend) error { return b.SaveMerge(ctx, m) })
	return err
}

// GetMerge loads a merge result by id.
func (s *Store) GetMerge(ctx context.Context, id string) (*MergedResult, error) {
	b := s.backend()
	if b == nil {
		return nil, ErrNotFound
	}
	return b.GetMerge(ctx, id)
}

// SaveSession persists the state of a capture session.
func (s *Store) SaveSession(ctx context.Context, st SessionState) error {
	_, err := s.withBackend("save session", st.SessionID, func(b Backend) error { return b.SaveSession(ctx, st) })
	return err
}

// LoadSessions returns persisted sessions with the given status, or all of
// them when status is empty.
func (s *Store) LoadSessions(ctx context.Context, status string) ([]SessionState, error) {
	b := s.backend()
	if b == nil {
		return nil, nil
	}
	sessions, err := b.LoadSessions(ctx, status)
	if err != nil {
		return nil, &PersistenceError{Op: "load sessions", Err: err}
	}
	return sessions, nil
}

// MaintenanceReport describes one maintenance pass.
type MaintenanceReport struct {
	Trigger    string          `json:"trigger,omitempty"`
	Before     int             `json:"before"`
	After      int             `json:"after"`
	Deduped    int             `json:"deduped"`
	Evicted    int             `json:"evicted"`
	SizeBefore int64           `json:"sizeBefore"`
	Clusters   []dedup.Cluster `json:"clusters,omitempty"`
}

// Maintain removes duplicate clusters and evicts the oldest records when the
// record count or size exceeds its threshold.
func (s *Store) Maintain(ctx context.Context) (MaintenanceReport, error) {
	b := s.backend()
	if b == nil {
		return MaintenanceReport{}, &PersistenceError{Op: "maintain", Err: errors.New("no storage backend")}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.maintain(ctx, b)
}

func (s *Store) overThresholds(ctx context.Context, b Backend) bool {
	n, err := b.Count(ctx, Filter{})
	if err != nil {
		return false
	}
	if n > s.opts.MaxRecords {
		return true
	}
	size, err := b.SizeBytes(ctx)
	return err == nil && float64(size) > 0.8*float64(s.opts.MaxBytes)
}

// maintain runs with writeMu held.
func (s *Store) maintain(ctx context.Context, b Backend) (MaintenanceReport, error) {
	var rep MaintenanceReport
	var err error
	if rep.Before, err = b.Count(ctx, Filter{}); err != nil {
		return rep, &PersistenceError{Op: "maintain", Err: err}
	}

	recs, err := b.Query(ctx, Filter{}, Pagination{Limit: s.opts.ExportCap})
	if err != nil {
		return rep, &PersistenceError{Op: "maintain", Err: err}
	}
	cands := make([]dedup.Candidate, len(recs))
	for i := range recs {
		cands[i] = candidateOf(&recs[i])
	}
	rep.Clusters = s.detector.ClusterRecords(cands)
	var drop []string
	for _, c := range rep.Clusters {
		drop = append(drop, c.DedupedIDs...)
	}
	if len(drop) > 0 {
		n, err := b.Delete(ctx, drop)
		if err != nil {
			return rep, &PersistenceError{Op: "maintain dedup", Err: err}
		}
		rep.Deduped = n
	}

	count := rep.Before - rep.Deduped
	if rep.SizeBefore, err = b.SizeBytes(ctx); err != nil {
		return rep, &PersistenceError{Op: "maintain", Err: err}
	}

	evict := 0
	switch {
	case count > s.opts.MaxRecords:
		rep.Trigger = "count"
		target := int(math.Floor(float64(s.opts.MaxRecords) * (1 - s.opts.EvictRatio)))
		evict = count - target
	case rep.SizeBefore > s.opts.MaxBytes:
		rep.Trigger = "size"
		evict = int(math.Ceil(float64(count) * 0.5))
	case float64(rep.SizeBefore) > 0.8*float64(s.opts.MaxBytes):
		rep.Trigger = "size"
		evict = int(math.Ceil(float64(count) * s.opts.EvictRatio))
	}
	if evict > 0 {
		n, err := b.DeleteOldest(ctx, evict)
		if err != nil {
			return rep, &PersistenceError{Op: "maintain evict", Err: err}
		}
		rep.Evicted = n
	}
	rep.After = count - rep.Evicted

	if rep.Deduped > 0 || rep.Evicted > 0 {
		s.logger.Info("storage maintenance",
			"trigger", rep.Trigger,
			"before", rep.Before,
			"after", rep.After,
			"deduped", rep.Deduped,
			"evicted", rep.Evicted,
		)
		s.dropFromCache(func(id string) bool {
			_, err := b.Get(ctx, id)
			return errors.Is(err, ErrNotFound)
		})
	}
	return rep, nil
}

// Cleanup deletes records older than maxAge from both durable tiers. It
// fails only when every tier fails.
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, &ValidationError{Field: "maxAge", Reason: "must be positive"}
	}
	cutoff := s.now().Add(-maxAge)

	s.mu.RLock()
	tiers := []Backend{s.primary}
	if s.fallback != nil && s.fallback != s.primary {
		tiers = append(tiers, s.fallback)
	}
	s.mu.RUnlock()

	counts := make([]int, len(tiers))
	errs := make([]error, len(tiers))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range tiers {
		if b == nil {
			errs[i] = errors.New("not open")
			continue
		}
		g.Go(func() error {
			n, err := b.DeleteBefore(gctx, cutoff)
			counts[i], errs[i] = n, err
			if err != nil {
				s.logger.Warn("cleanup failed on tier", "backend", b.Name(), "error", err)
			}
			return nil
		})
	}
	g.Wait()

	total, failed := 0, 0
	var firstErr error
	for i := range tiers {
		total += counts[i]
		if errs[i] != nil {
			failed++
			if firstErr == nil && tiers[i] != nil {
				firstErr = errs[i]
			}
		}
	}
	if failed == len(tiers) {
		if firstErr == nil {
			firstErr = errors.New("no storage backend")
		}
		return 0, &PersistenceError{Op: "cleanup", Err: firstErr}
	}

	s.mu.Lock()
	kept := s.recent[:0]
	for _, r := range s.recent {
		if !r.Timestamp.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	s.recent = kept
	s.mu.Unlock()

	s.logger.Info("cleanup complete", "deleted", total, "cutoff", cutoff)
	return total, nil
}

func (s *Store) dropFromCache(gone func(id string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.recent[:0]
	for _, r := range s.recent {
		if !gone(r.ID) {
			kept = append(kept, r)
		}
	}
	s.recent = kept
}

// Close closes every open backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.primary != nil {
		errs = append(errs, s.primary.Close())
	}
	if s.fallback != nil && s.fallback != s.primary {
		errs = append(errs, s.fallback.Close())
	}
	return errors.Join(errs...)
}
