package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
	"github.com/MikeSquared-Agency/chatcap/internal/store"
)

// Persister is the slice of the persistence layer the manager writes through.
type Persister interface {
	StoreScan(ctx context.Context, rec *extractor.ScanRecord) (store.Result, error)
	SaveSession(ctx context.Context, st store.SessionState) error
	LoadSessions(ctx context.Context, status string) ([]store.SessionState, error)
}

// Listener feeds mutation batches for one tab into enqueue until ctx is
// cancelled. The manager runs one per active session.
type Listener func(ctx context.Context, tabID int, enqueue func(context.Context, extractor.MutationBatch) error) error

// Options tunes the manager. Zero values take the defaults noted.
type Options struct {
	BufferMax     int           // 50
	IdleTimeout   time.Duration // 5m
	SweepInterval time.Duration // 30s
	RestoreMaxAge time.Duration // 1h
	FlushTimeout  time.Duration // 5s
	QueueSize     int           // 64
}

func (o *Options) setDefaults() {
	if o.BufferMax <= 0 {
		o.BufferMax = 50
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.RestoreMaxAge <= 0 {
		o.RestoreMaxAge = time.Hour
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 5 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
}

// StartRequest describes the page a live session captures.
type StartRequest struct {
	TabID int
	URL   string
	Title string
	// Doc is the current page document, used for platform detection. May be nil.
	Doc *html.Node
	// Seed holds fragments already captured, e.g. by a deep scan, that the
	// live session must not emit again.
	Seed   []extractor.Fragment
	Hybrid bool
}

type event struct {
	tabID int
	batch *extractor.MutationBatch
	frags []extractor.Fragment
}

// Manager owns per-tab capture sessions. Mutation batches and pushed chunks
// arrive on a bounded queue consumed by Run, one event at a time.
type Manager struct {
	opts     Options
	store    Persister
	ext      *extractor.Extractor
	logger   *slog.Logger
	listener Listener

	mu     sync.Mutex
	active map[int]*session
	byID   map[string]*session

	queue chan event
	wg    sync.WaitGroup
	now   func() time.Time
}

func NewManager(p Persister, ext *extractor.Extractor, opts Options, logger *slog.Logger) *Manager {
	opts.setDefaults()
	if ext == nil {
		ext = extractor.New(nil, extractor.DefaultOptions(), logger)
	}
	return &Manager{
		opts:   opts,
		store:  p,
		ext:    ext,
		logger: logger,
		active: make(map[int]*session),
		byID:   make(map[string]*session),
		queue:  make(chan event, opts.QueueSize),
		now:    time.Now,
	}
}

// SetListener installs the mutation source started for every new session.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

// Start opens a live session for the tab. If one is already active its info
// is returned unchanged and created is false.
func (m *Manager) Start(ctx context.Context, req StartRequest) (info Info, created bool, err error) {
	m.mu.Lock()
	if s, ok := m.active[req.TabID]; ok {
		existing := s.info()
		m.mu.Unlock()
		return existing, false, nil
	}
	now := m.now()
	s := &session{
		id:           uuid.New().String(),
		tabID:        req.TabID,
		url:          req.URL,
		title:        req.Title,
		hybrid:       req.Hybrid,
		startTime:     now,
		lastActivity:  now,
		savedActivity: now,
		status:        StatusActive,
		incremental:   m.ext.NewIncremental(req.URL, req.Title, req.Doc),
	}
	s.incremental.Seed(req.Seed)
	m.active[req.TabID] = s
	m.byID[s.id] = s
	st := s.state()
	info = s.info()
	m.mu.Unlock()

	if err := m.store.SaveSession(ctx, st); err != nil {
		m.mu.Lock()
		delete(m.active, req.TabID)
		delete(m.byID, s.id)
		m.mu.Unlock()
		return Info{}, false, fmt.Errorf("persist session: %w", err)
	}
	m.startListener(s)

	m.logger.Info("live session started",
		"tab_id", req.TabID,
		"session_id", s.id,
		"platform", info.Platform,
		"hybrid", req.Hybrid,
	)
	return info, true, nil
}

func (m *Manager) startListener(s *session) {
	m.mu.Lock()
	l := m.listener
	if l == nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := l(ctx, s.tabID, m.Enqueue); err != nil && ctx.Err() == nil {
			m.logger.Warn("mutation listener stopped", "tab_id", s.tabID, "error", err)
		}
	}()
}

// Enqueue hands a mutation batch to the consumer loop. It blocks while the
// queue is full, until ctx is done.
func (m *Manager) Enqueue(ctx context.Context, batch extractor.MutationBatch) error {
	select {
	case m.queue <- event{tabID: batch.TabID, batch: &batch}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueChunk hands fragments extracted elsewhere to the consumer loop.
func (m *Manager) EnqueueChunk(ctx context.Context, tabID int, frags []extractor.Fragment) error {
	select {
	case m.queue <- event{tabID: tabID, frags: frags}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes queued events and sweeps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.queue:
			m.handle(ctx, ev)
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				m.logger.Info("expired idle sessions", "count", n)
			}
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev event) {
	m.mu.Lock()
	s, ok := m.active[ev.tabID]
	if ok {
		s.lastActivity = m.now()
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("dropping event for tab without session", "tab_id", ev.tabID)
		return
	}

	var frags []extractor.Fragment
	if ev.batch != nil {
		frags = s.incremental.Extract(*ev.batch)
	} else {
		for i := range ev.frags {
			if ev.frags[i].PageContext.URL == "" {
				ev.frags[i].PageContext = extractor.PageContext{URL: s.url, Title: s.title, Platform: s.incremental.Platform()}
			}
		}
		frags = s.incremental.Remember(ev.frags)
	}
	if len(frags) == 0 {
		return
	}
	if err := m.OnFragmentBatch(ctx, ev.tabID, frags); err != nil {
		m.logger.Warn("fragment batch rejected", "tab_id", ev.tabID, "error", err)
	}
}

// OnFragmentBatch appends fragments to the tab's buffer and starts an
// asynchronous flush once the buffer reaches BufferMax.
func (m *Manager) OnFragmentBatch(_ context.Context, tabID int, frags []extractor.Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[tabID]
	if !ok {
		return &SessionError{TabID: tabID, Op: "fragment batch", Reason: "no active session"}
	}
	s.buffer = append(s.buffer, frags...)
	s.lastActivity = m.now()
	if len(s.buffer) < m.opts.BufferMax {
		return nil
	}

	chunk := s.buffer
	s.buffer = nil
	s.pending.Add(1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer s.pending.Done()
		if err := m.persist(context.Background(), s, chunk); err != nil {
			m.logger.Warn("live flush failed, chunk requeued", "tab_id", tabID, "session_id", s.id, "error", err)
		}
	}()
	return nil
}

// Flush persists the tab's buffer now.
func (m *Manager) Flush(ctx context.Context, tabID int) error {
	m.mu.Lock()
	s, ok := m.active[tabID]
	if !ok {
		m.mu.Unlock()
		return &SessionError{TabID: tabID, Op: "flush", Reason: "no active session"}
	}
	chunk := s.buffer
	s.buffer = nil
	m.mu.Unlock()
	if len(chunk) == 0 {
		return nil
	}
	return m.persist(ctx, s, chunk)
}

// persist writes one chunk as a live record. On failure the chunk goes back
// to the front of the buffer.
func (m *Manager) persist(ctx context.Context, s *session, chunk []extractor.Fragment) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.FlushTimeout)
	defer cancel()

	now := m.now()
	rec := &extractor.ScanRecord{
		ScanType:     extractor.ScanLive,
		Platform:     s.incremental.Platform(),
		URL:          s.url,
		Title:        s.title,
		Timestamp:    now,
		SessionID:    s.id,
		Fragments:    chunk,
		MessageCount: len(chunk),
		Checksum:     extractor.Checksum(chunk),
		PerformanceStats: extractor.PerformanceStats{
			Stage:    "live",
			Accepted: len(chunk),
		},
	}
	res, err := m.store.StoreScan(ctx, rec)

	m.mu.Lock()
	if err != nil {
		s.buffer = append(chunk, s.buffer...)
		m.mu.Unlock()
		return fmt.Errorf("flush session %s: %w", s.id, err)
	}
	s.flushes++
	if !res.Duplicate {
		s.stored += len(chunk)
	}
	active := s.status == StatusActive
	st := s.state()
	m.mu.Unlock()

	m.logger.Debug("live chunk flushed",
		"tab_id", s.tabID,
		"session_id", s.id,
		"fragments", len(chunk),
		"record_id", res.ID,
		"duplicate", res.Duplicate,
	)
	if active {
		m.checkpoint(ctx, s, st)
	}
	return nil
}

// checkpoint persists the state of a running session so a restart sees its
// latest activity.
func (m *Manager) checkpoint(ctx context.Context, s *session, st store.SessionState) {
	if err := m.store.SaveSession(ctx, st); err != nil {
		m.logger.Warn("failed to checkpoint session", "session_id", st.SessionID, "error", err)
		return
	}
	m.mu.Lock()
	if st.LastActivity.After(s.savedActivity) {
		s.savedActivity = st.LastActivity
	}
	m.mu.Unlock()
}

// Stop flushes what remains, marks the session stopped and tears down its
// listener. Stopping a tab without an active session is a SessionError.
func (m *Manager) Stop(ctx context.Context, tabID int) (Info, error) {
	return m.end(ctx, tabID, StatusStopped, "stop", 0)
}

func (m *Manager) end(ctx context.Context, tabID int, status Status, op string, idle time.Duration) (Info, error) {
	m.mu.Lock()
	s, ok := m.active[tabID]
	if !ok {
		m.mu.Unlock()
		return Info{}, &SessionError{TabID: tabID, Op: op, Reason: "no active session"}
	}
	if idle > 0 && m.now().Sub(s.lastActivity) < idle {
		m.mu.Unlock()
		return Info{}, &SessionError{TabID: tabID, Op: op, Reason: "session is not idle"}
	}
	delete(m.active, tabID)
	s.status = status
	cancel := s.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.pending.Wait()

	m.mu.Lock()
	chunk := s.buffer
	s.buffer = nil
	m.mu.Unlock()

	var flushErr error
	if len(chunk) > 0 {
		flushErr = m.persist(ctx, s, chunk)
	}

	m.mu.Lock()
	s.lastActivity = m.now()
	st := s.state()
	info := s.info()
	m.mu.Unlock()

	if err := m.store.SaveSession(ctx, st); err != nil {
		m.logger.Warn("failed to persist session state", "session_id", s.id, "status", status, "error", err)
	}
	m.logger.Info("live session ended",
		"tab_id", tabID,
		"session_id", s.id,
		"status", status,
		"flushes", info.Flushes,
		"stored_fragments", info.StoredFragments,
	)
	return info, flushErr
}

// Sweep expires sessions idle for at least IdleTimeout and forgets ended
// sessions older than RestoreMaxAge. It returns how many sessions expired.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()
	m.mu.Lock()
	var idle []int
	var dirty []*session
	var states []store.SessionState
	for tab, s := range m.active {
		switch {
		case now.Sub(s.lastActivity) >= m.opts.IdleTimeout:
			idle = append(idle, tab)
		case s.lastActivity.After(s.savedActivity):
			dirty = append(dirty, s)
			states = append(states, s.state())
		}
	}
	for id, s := range m.byID {
		if s.status != StatusActive && now.Sub(s.lastActivity) > m.opts.RestoreMaxAge {
			delete(m.byID, id)
		}
	}
	m.mu.Unlock()

	for i, s := range dirty {
		m.checkpoint(ctx, s, states[i])
	}

	expired := 0
	for _, tab := range idle {
		if _, err := m.end(ctx, tab, StatusExpired, "expire", m.opts.IdleTimeout); err != nil {
			m.logger.Debug("session not expired", "tab_id", tab, "error", err)
			continue
		}
		expired++
	}
	return expired
}

// Restore reloads sessions that were active when the process last stopped.
// Sessions idle longer than RestoreMaxAge are retired to expired instead.
func (m *Manager) Restore(ctx context.Context) (resumed, expired int, err error) {
	states, err := m.store.LoadSessions(ctx, string(StatusActive))
	if err != nil {
		return 0, 0, fmt.Errorf("load sessions: %w", err)
	}
	now := m.now()
	for _, st := range states {
		if now.Sub(st.LastActivity) > m.opts.RestoreMaxAge {
			st.Status = string(StatusExpired)
			if err := m.store.SaveSession(ctx, st); err != nil {
				m.logger.Warn("failed to retire stale session", "session_id", st.SessionID, "error", err)
				continue
			}
			expired++
			continue
		}

		m.mu.Lock()
		if _, exists := m.active[st.TabID]; exists {
			m.mu.Unlock()
			continue
		}
		s := &session{
			id:           st.SessionID,
			tabID:        st.TabID,
			url:          st.URL,
			title:        st.Title,
			hybrid:       st.Hybrid,
			startTime:     st.StartTime,
			lastActivity:  st.LastActivity,
			savedActivity: st.LastActivity,
			status:        StatusActive,
			incremental:   m.ext.NewIncremental(st.URL, st.Title, nil),
		}
		m.active[st.TabID] = s
		m.byID[s.id] = s
		m.mu.Unlock()
		m.startListener(s)
		resumed++
	}
	if resumed > 0 || expired > 0 {
		m.logger.Info("sessions restored", "resumed", resumed, "expired", expired)
	}
	return resumed, expired, nil
}

// Get returns the active session for a tab.
func (m *Manager) Get(tabID int) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[tabID]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// Lookup returns a session by id, including recently ended ones.
func (m *Manager) Lookup(sessionID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// Active lists active sessions ordered by tab id.
func (m *Manager) Active() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Shutdown flushes every active session and tears down its listener, then
// waits for in-flight flushes to finish. Sessions stay active in storage so
// the next Restore resumes them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	tabs := make([]int, 0, len(m.active))
	for tab := range m.active {
		tabs = append(tabs, tab)
	}
	m.mu.Unlock()
	for _, tab := range tabs {
		if err := m.suspend(ctx, tab); err != nil {
			m.logger.Warn("failed to flush session on shutdown", "tab_id", tab, "error", err)
		}
	}
	m.wg.Wait()
}

func (m *Manager) suspend(ctx context.Context, tabID int) error {
	m.mu.Lock()
	s, ok := m.active[tabID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.active, tabID)
	cancel := s.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.pending.Wait()

	m.mu.Lock()
	chunk := s.buffer
	s.buffer = nil
	m.mu.Unlock()

	var flushErr error
	if len(chunk) > 0 {
		flushErr = m.persist(ctx, s, chunk)
	}

	m.mu.Lock()
	st := s.state()
	m.mu.Unlock()
	if err := m.store.SaveSession(ctx, st); err != nil {
		return fmt.Errorf("persist session %s: %w", s.id, err)
	}
	m.logger.Info("live session suspended", "tab_id", tabID, "session_id", s.id)
	return flushErr
}
