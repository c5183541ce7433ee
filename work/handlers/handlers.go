package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"blive-proxy/work/api"
	"blive-proxy/work/config"
	"blive-proxy/work/history"
	"blive-proxy/work/manager"
	"blive-proxy/work/prober"
	"blive-proxy/work/session"
	"blive-proxy/work/utils"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler exposes the resolver over HTTP.
type Handler struct {
	config  *config.Config
	manager *manager.Manager
	history *history.Store
}

// New builds the HTTP handler set.
func New(cfg *config.Config, mgr *manager.Manager, store *history.Store) *Handler {
	return &Handler{
		config:  cfg,
		manager: mgr,
		history: store,
	}
}

// RegisterRoutes attaches all routes to the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/resolve/{channel}", h.Resolve).Methods(http.MethodGet)
	r.HandleFunc("/live/{channel}.m3u8", h.Playlist).Methods(http.MethodGet)
	r.HandleFunc("/status", h.Status).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// resolveResponse is the JSON body for a successful resolution.
type resolveResponse struct {
	Channel    string           `json:"channel"`
	RoomID     int64            `json:"roomId"`
	LiveStatus int              `json:"liveStatus"`
	URL        string           `json:"url"`
	Deadline   time.Time        `json:"deadline"`
	Streams    []session.Stream `json:"streams"`
}

// Resolve maps a channel identifier (or full room page URL) to its current
// playable media URL.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	channel := utils.ExtractChannel(mux.Vars(r)["channel"])
	if channel == "" {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}

	sess, err := h.manager.Resolve(r.Context(), channel)
	if err != nil {
		h.writeResolveError(w, channel, err)
		return
	}

	url := sess.Refresh(r.Context(), time.Now())
	writeJSON(w, http.StatusOK, resolveResponse{
		Channel:    channel,
		RoomID:     sess.Room().ID,
		LiveStatus: sess.Room().LiveStatus,
		URL:        url,
		Deadline:   sess.Deadline(),
		Streams:    sess.Streams(),
	})
}

// writeResolveError maps the resolution error taxonomy onto HTTP statuses.
// Each startup failure gets one clear message categorized by cause.
func (h *Handler) writeResolveError(w http.ResponseWriter, channel string, err error) {
	switch {
	case errors.Is(err, api.ErrRoomNotFound):
		http.Error(w, fmt.Sprintf("channel %s not found", channel), http.StatusNotFound)
	case errors.Is(err, session.ErrNotLive):
		http.Error(w, fmt.Sprintf("channel %s is not live", channel), http.StatusServiceUnavailable)
	case errors.Is(err, prober.ErrNoPlayableCandidate):
		http.Error(w, fmt.Sprintf("no playable stream for channel %s", channel), http.StatusBadGateway)
	case errors.Is(err, api.ErrInvalidRoomMetadata):
		http.Error(w, fmt.Sprintf("upstream returned invalid metadata for channel %s", channel), http.StatusBadGateway)
	default:
		http.Error(w, fmt.Sprintf("resolution failed for channel %s", channel), http.StatusInternalServerError)
	}
}

// Playlist serves a live media playlist assembled from the channel's segment
// window. Segment URIs point directly at the upstream CDN.
func (h *Handler) Playlist(w http.ResponseWriter, r *http.Request) {
	channel := utils.ExtractChannel(strings.TrimSuffix(mux.Vars(r)["channel"], ".m3u8"))
	if channel == "" {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}

	if _, err := h.manager.Resolve(r.Context(), channel); err != nil {
		h.writeResolveError(w, channel, err)
		return
	}

	window, ok := h.manager.Window(channel)
	if !ok {
		http.Error(w, "channel not running", http.StatusServiceUnavailable)
		return
	}

	segments, targetDuration, ended := window.Snapshot()
	if len(segments) == 0 && !ended {
		// playout loop has not filled the window yet
		w.Header().Set("Retry-After", "2")
		http.Error(w, "stream warming up", http.StatusServiceUnavailable)
		return
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(targetDuration)))
	if len(segments) > 0 {
		fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", segments[0].Sequence)
	}
	for _, seg := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,%s\n%s\n", seg.Duration, seg.Title, seg.URI)
	}
	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

// statusResponse summarizes the resolver's current state.
type statusResponse struct {
	Sessions []sessionStatus      `json:"sessions"`
	Recent   []history.Resolution `json:"recent,omitempty"`
}

type sessionStatus struct {
	Channel  string    `json:"channel"`
	RoomID   int64     `json:"roomId"`
	URL      string    `json:"url"`
	Deadline time.Time `json:"deadline"`
	LastUsed time.Time `json:"lastUsed"`
}

// Status reports active sessions and recent resolution history.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Sessions: []sessionStatus{}}
	for _, sess := range h.manager.Sessions() {
		resp.Sessions = append(resp.Sessions, sessionStatus{
			Channel:  sess.Channel(),
			RoomID:   sess.Room().ID,
			URL:      utils.LogURL(h.config, sess.URL()),
			Deadline: sess.Deadline(),
			LastUsed: sess.LastAccess(),
		})
	}

	if recent, err := h.history.RecentResolutions(20); err == nil {
		resp.Recent = recent
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
