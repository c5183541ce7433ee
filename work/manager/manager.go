package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"blive-proxy/work/config"
	"blive-proxy/work/logger"
	"blive-proxy/work/playlist"
	"blive-proxy/work/playout"
	"blive-proxy/work/session"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// windowSize is how many recent segments a channel's window retains. Three
// times a typical live window keeps slow clients inside the window.
const windowSize = 18

// cleanupInterval paces the idle session reaper.
const cleanupInterval = 30 * time.Second

// Window is the segment sink for one channel: a bounded sliding window of
// the most recently discovered segments, rendered on demand as a playlist.
type Window struct {
	mu             sync.RWMutex
	segments       []playlist.Segment
	targetDuration float64
	ended          bool
}

// WriteSegment appends a discovered segment, evicting the oldest once the
// window is full.
func (w *Window) WriteSegment(_ context.Context, seg playlist.Segment) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.segments = append(w.segments, seg)
	if len(w.segments) > windowSize {
		w.segments = w.segments[len(w.segments)-windowSize:]
	}
	if seg.Duration > w.targetDuration {
		w.targetDuration = seg.Duration
	}
	return nil
}

// Snapshot returns the current window contents.
func (w *Window) Snapshot() ([]playlist.Segment, float64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	segs := make([]playlist.Segment, len(w.segments))
	copy(segs, w.segments)
	return segs, w.targetDuration, w.ended
}

func (w *Window) markEnded() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ended = true
}

// entry is one managed channel: its session, its playout loop's cancel, and
// the segment window the loop fills.
type entry struct {
	session *session.Session
	window  *Window
	cancel  context.CancelFunc
}

// Manager owns all live playback sessions. The first request for a channel
// resolves it and starts a background playout loop on the worker pool;
// subsequent requests share the running session. Idle channels are reaped.
type Manager struct {
	config   *config.Config
	factory  *session.Factory
	loader   *playlist.Loader
	sessions *xsync.MapOf[string, *entry]
	pool     *ants.Pool

	startMu sync.Mutex // serializes first-touch session starts
}

// New builds the manager and its worker pool.
func New(cfg *config.Config, factory *session.Factory, loader *playlist.Loader) (*Manager, error) {
	pool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Manager{
		config:   cfg,
		factory:  factory,
		loader:   loader,
		sessions: xsync.NewMapOf[string, *entry](),
		pool:     pool,
	}, nil
}

// Resolve returns the managed session for a channel, starting one (and its
// playout loop) on first touch. Every call counts as client activity for
// idle accounting; the background loop's refreshes do not, so a channel
// nobody asks for is reaped even while its broadcast continues.
func (m *Manager) Resolve(ctx context.Context, channel string) (*session.Session, error) {
	if e, ok := m.sessions.Load(channel); ok {
		e.session.Touch()
		return e.session, nil
	}

	m.startMu.Lock()
	defer m.startMu.Unlock()
	if e, ok := m.sessions.Load(channel); ok {
		e.session.Touch()
		return e.session, nil
	}

	sess, err := m.factory.Start(ctx, channel)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		session: sess,
		window:  &Window{},
		cancel:  cancel,
	}
	m.sessions.Store(channel, e)

	if err := m.pool.Submit(func() {
		loop := playout.NewLoop(m.config, sess, m.loader)
		if err := loop.Run(loopCtx, e.window); err != nil && loopCtx.Err() == nil {
			logger.Warn("playout loop for channel %s exited: %v", channel, err)
		}
		e.window.markEnded()
	}); err != nil {
		cancel()
		m.sessions.Delete(channel)
		sess.Close()
		return nil, fmt.Errorf("start playout for channel %s: %w", channel, err)
	}

	return sess, nil
}

// Window returns the segment window for a running channel.
func (m *Manager) Window(channel string) (*Window, bool) {
	e, ok := m.sessions.Load(channel)
	if !ok {
		return nil, false
	}
	return e.window, true
}

// Sessions lists the currently managed sessions.
func (m *Manager) Sessions() []*session.Session {
	var out []*session.Session
	m.sessions.Range(func(_ string, e *entry) bool {
		out = append(out, e.session)
		return true
	})
	return out
}

// StartCleanup launches the idle reaper. It stops when ctx is canceled.
func (m *Manager) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reapIdle()
			}
		}
	}()
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.config.SessionIdleTimeout)
	m.sessions.Range(func(channel string, e *entry) bool {
		if e.session.LastAccess().Before(cutoff) {
			logger.Info("reaping idle session for channel %s", channel)
			m.drop(channel, e)
		}
		return true
	})
}

func (m *Manager) drop(channel string, e *entry) {
	m.sessions.Delete(channel)
	e.cancel()
	e.session.Close()
}

// Shutdown stops every playout loop and releases the worker pool.
func (m *Manager) Shutdown() {
	m.sessions.Range(func(channel string, e *entry) bool {
		m.drop(channel, e)
		return true
	})
	m.pool.Release()
}
