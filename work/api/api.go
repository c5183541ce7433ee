package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"blive-proxy/work/config"
	"blive-proxy/work/logger"
	"blive-proxy/work/metrics"

	"github.com/go-resty/resty/v2"
	"go.uber.org/ratelimit"
)

// Sentinel errors for room resolution. These are fatal for the resolution
// attempt; callers match them with errors.Is.
var (
	// ErrRoomNotFound means the upstream API does not know the channel.
	ErrRoomNotFound = errors.New("room not found")
	// ErrInvalidRoomMetadata means the API answered but the payload was
	// missing or malformed.
	ErrInvalidRoomMetadata = errors.New("invalid room metadata")
)

// Live status values reported by the metadata API.
const (
	StatusOffline = 0
	StatusLive    = 1
	StatusRound   = 2 // carousel replay of recorded content, not a live feed
)

// Room is the resolved identity of a channel.
type Room struct {
	ID         int64
	LiveStatus int
}

// Live reports whether the room currently carries a live feed.
func (r *Room) Live() bool {
	return r.LiveStatus == StatusLive
}

// Candidate is one playback URL offered by the playback API, in the order the
// API listed it.
type Candidate struct {
	URL   string
	Order int
}

// Client talks to the live metadata/playback API. All calls share one rate
// limiter so bursts of channel lookups cannot trip upstream throttling.
type Client struct {
	http    *resty.Client
	config  *config.Config
	limiter ratelimit.Limiter
}

// New builds the API client from configuration.
func New(cfg *config.Config) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.APIHost).
		SetTimeout(cfg.APITimeout).
		SetHeader("User-Agent", cfg.UserAgent)

	if cfg.Referer != "" {
		httpClient.SetHeader("Referer", cfg.Referer)
	}

	return &Client{
		http:    httpClient,
		config:  cfg,
		limiter: ratelimit.New(cfg.APIRateLimit),
	}
}

// envelope is the common JSON wrapper on every API response.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type roomInitData struct {
	RoomID     int64 `json:"room_id"`
	LiveStatus int   `json:"live_status"`
}

type playURLData struct {
	Durl []struct {
		URL   string `json:"url"`
		Order int    `json:"order"`
	} `json:"durl"`
}

// ResolveRoom maps a channel identifier (room number or vanity short id) to
// its canonical room and live status.
//
// Returns ErrRoomNotFound when the API rejects the identifier, and
// ErrInvalidRoomMetadata when the response cannot be interpreted.
func (c *Client) ResolveRoom(ctx context.Context, channel string) (*Room, error) {
	body, err := c.get(ctx, "/room/v1/Room/room_init", map[string]string{
		"id": channel,
	})
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("channel %s: %w: %v", channel, ErrInvalidRoomMetadata, err)
	}

	if env.Code != 0 {
		logger.Debug("room lookup rejected for channel %s: code=%d msg=%s", channel, env.Code, env.Message)
		return nil, fmt.Errorf("channel %s: %w", channel, ErrRoomNotFound)
	}

	// a null payload is the API's way of saying the room does not exist
	var data roomInitData
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, fmt.Errorf("channel %s: %w", channel, ErrRoomNotFound)
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("channel %s: %w: %v", channel, ErrInvalidRoomMetadata, err)
	}
	if data.RoomID <= 0 {
		return nil, fmt.Errorf("channel %s: %w: missing room id", channel, ErrInvalidRoomMetadata)
	}

	return &Room{ID: data.RoomID, LiveStatus: data.LiveStatus}, nil
}

// PlayURL fetches the playback URL candidates for a live room at the
// configured quality tier. An empty candidate list is not an error here; the
// prober decides what exhaustion means.
func (c *Client) PlayURL(ctx context.Context, roomID int64) ([]Candidate, error) {
	// h5 is the platform that yields segmented media URLs
	body, err := c.get(ctx, "/room/v1/Room/playUrl", map[string]string{
		"cid":      fmt.Sprintf("%d", roomID),
		"platform": "h5",
		"qn":       fmt.Sprintf("%d", c.config.Quality),
	})
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("playback lookup for room %d: malformed response: %v", roomID, err)
	}

	if env.Code != 0 {
		return nil, fmt.Errorf("playback lookup for room %d failed: code=%d msg=%s", roomID, env.Code, env.Message)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, nil
	}

	var data playURLData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("playback lookup for room %d: malformed payload: %w", roomID, err)
	}

	candidates := make([]Candidate, 0, len(data.Durl))
	for _, d := range data.Durl {
		if d.URL == "" {
			continue
		}
		candidates = append(candidates, Candidate{URL: d.URL, Order: d.Order})
	}
	return candidates, nil
}

// get performs one rate-limited API request and returns the raw response
// body. Interpreting the envelope is the caller's job; only the caller knows
// which sentinel a malformed payload maps to.
func (c *Client) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	c.limiter.Take()

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	metrics.APIRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, fmt.Errorf("api request %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("api request %s: unexpected status %d", path, resp.StatusCode())
	}
	return resp.Body(), nil
}
