package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"blive-proxy/work/api"
	"blive-proxy/work/cache"
	"blive-proxy/work/config"
	"blive-proxy/work/history"
	"blive-proxy/work/logger"
	"blive-proxy/work/metrics"
	"blive-proxy/work/prober"
	"blive-proxy/work/utils"
)

// ErrNotLive means the room exists but carries no live feed right now. This
// is a distinct user-facing condition from "room not found".
var ErrNotLive = errors.New("room is not live")

// Stream is one named playable stream yielded by a session. Live rooms offer
// a single rendition, named "source".
type Stream struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Factory wires the resolution pipeline and mints playback sessions.
type Factory struct {
	config  *config.Config
	api     *api.Client
	rooms   *cache.RoomCache
	prober  *prober.Prober
	history *history.Store
}

// NewFactory builds a session factory.
func NewFactory(cfg *config.Config, apiClient *api.Client, rooms *cache.RoomCache, p *prober.Prober, store *history.Store) *Factory {
	return &Factory{
		config:  cfg,
		api:     apiClient,
		rooms:   rooms,
		prober:  p,
		history: store,
	}
}

// Session holds the currently active resolved URL for one channel. The URL
// and its refresh deadline always change together, under one lock.
type Session struct {
	channel string
	room    *api.Room
	factory *Factory

	mu         sync.Mutex
	url        string
	deadline   time.Time
	lastAccess time.Time
}

// Start resolves a channel and seeds a playback session.
//
// Resolution is strict: an unknown channel fails with api.ErrRoomNotFound, a
// known but offline room fails with ErrNotLive, and a live room with no
// reachable candidate fails with prober.ErrNoPlayableCandidate. None of these
// are retried here; room identity and liveness do not change mid-call.
func (f *Factory) Start(ctx context.Context, channel string) (*Session, error) {
	room, err := f.lookupRoom(ctx, channel)
	if err != nil {
		metrics.Resolutions.WithLabelValues(resolutionOutcome(err)).Inc()
		return nil, err
	}

	if !room.Live() {
		f.rooms.Forget(channel)
		metrics.Resolutions.WithLabelValues("not_live").Inc()
		f.history.RecordResolution(channel, room.ID, "", "not_live")
		return nil, fmt.Errorf("channel %s (room %d, status %d): %w", channel, room.ID, room.LiveStatus, ErrNotLive)
	}

	url, err := f.prober.FindPlayableURL(ctx, room.ID)
	if err != nil {
		metrics.Resolutions.WithLabelValues(resolutionOutcome(err)).Inc()
		f.history.RecordResolution(channel, room.ID, "", "no_candidate")
		return nil, err
	}

	metrics.Resolutions.WithLabelValues("ok").Inc()
	metrics.ActiveSessions.Inc()
	f.history.RecordResolution(channel, room.ID, url, "ok")
	logger.Info("session started for channel %s (room %d): %s", channel, room.ID, utils.LogURL(f.config, url))

	now := time.Now()
	return &Session{
		channel:    channel,
		room:       room,
		factory:    f,
		url:        url,
		deadline:   now.Add(f.config.URLValidity),
		lastAccess: now,
	}, nil
}

func (f *Factory) lookupRoom(ctx context.Context, channel string) (*api.Room, error) {
	if room, ok := f.rooms.Get(channel); ok {
		return room, nil
	}
	room, err := f.api.ResolveRoom(ctx, channel)
	if err != nil {
		return nil, err
	}
	f.rooms.Put(channel, room)
	return room, nil
}

func resolutionOutcome(err error) string {
	switch {
	case errors.Is(err, api.ErrRoomNotFound):
		return "not_found"
	case errors.Is(err, api.ErrInvalidRoomMetadata):
		return "invalid_metadata"
	case errors.Is(err, prober.ErrNoPlayableCandidate):
		return "no_candidate"
	default:
		return "error"
	}
}

// Channel returns the channel identifier the session was started for.
func (s *Session) Channel() string {
	return s.channel
}

// Room returns the resolved room identity.
func (s *Session) Room() *api.Room {
	return s.room
}

// URL returns the current resolved URL without touching the network.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Deadline returns when the current URL goes stale.
func (s *Session) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// Streams yields the session's playable streams. Live rooms carry a single
// "source" rendition.
func (s *Session) Streams() []Stream {
	return []Stream{{Name: "source", URL: s.URL()}}
}

// Refresh returns the session's playable URL, re-resolving it when now has
// entered the guard window before the deadline. Before the guard window this
// is a pure read with zero network calls.
//
// A failed re-resolution is soft: the previous URL stays in effect and the
// failure is logged, never raised. Playback continues on a URL that may soon
// go stale rather than aborting an active stream.
func (s *Session) Refresh(ctx context.Context, now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Before(s.deadline.Add(-s.factory.config.RefreshGuard)) {
		return s.url
	}

	url, err := s.factory.prober.FindPlayableURL(ctx, s.room.ID)
	if err != nil {
		metrics.Refreshes.WithLabelValues(s.channel, "failed").Inc()
		logger.Warn("refresh for channel %s failed, keeping previous URL: %v", s.channel, err)
		return s.url
	}

	metrics.Refreshes.WithLabelValues(s.channel, "ok").Inc()
	logger.Debug("refreshed channel %s: %s", s.channel, utils.LogURL(s.factory.config, url))
	s.url = url
	s.deadline = now.Add(s.factory.config.URLValidity)
	return s.url
}

// Touch records client activity for idle accounting. Only request handling
// calls this; the playout loop's own refreshes must not keep a session
// alive, otherwise an unwatched channel would poll the CDN forever.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccess = time.Now()
}

// LastAccess reports the last time a client touched the session. The
// session manager uses this for idle reaping.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Close releases the session's accounting. It does not invalidate the URL;
// CDN-side expiry handles that.
func (s *Session) Close() {
	metrics.ActiveSessions.Dec()
	logger.Debug("session closed for channel %s", s.channel)
}
