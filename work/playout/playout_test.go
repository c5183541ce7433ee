package playout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"blive-proxy/work/api"
	"blive-proxy/work/cache"
	"blive-proxy/work/cdn"
	"blive-proxy/work/client"
	"blive-proxy/work/config"
	"blive-proxy/work/playlist"
	"blive-proxy/work/prober"
	"blive-proxy/work/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectingSink records every segment it receives.
type collectingSink struct {
	mu       sync.Mutex
	segments []playlist.Segment
}

func (s *collectingSink) WriteSegment(_ context.Context, seg playlist.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, seg)
	return nil
}

func (s *collectingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}

// startLoop stands up a full pipeline: a fake API whose candidate URL points
// at a node serving manifestBody, and a session started against it.
func startLoop(t *testing.T, manifestBody func() string) *Loop {
	t.Helper()

	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(manifestBody()))
	}))
	t.Cleanup(node.Close)

	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/room/v1/Room/room_init":
			w.Write([]byte(`{"code":0,"data":{"room_id":42,"live_status":1}}`))
		case "/room/v1/Room/playUrl":
			fmt.Fprintf(w, `{"code":0,"data":{"durl":[{"url":%q,"order":1}]}}`, node.URL+"/live/index.m3u8")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(apiServer.Close)

	cfg := &config.Config{
		APIHost:            apiServer.URL,
		APITimeout:         2 * time.Second,
		APIRateLimit:       100,
		Quality:            4,
		ProbeTimeout:       2 * time.Second,
		MirrorProbeTimeout: 2 * time.Second,
		URLValidity:        60 * time.Minute,
		RefreshGuard:       10 * time.Minute,
		RoomCacheSize:      16,
		RoomCacheTTL:       time.Minute,
		FixedReloadCadence: 10 * time.Millisecond,
		AdSegmentRegex:     `(^|[-_/])ad([-_/.]|$)`,
		UserAgent:          "test-agent",
	}

	apiClient := api.New(cfg)
	p := prober.New(cfg, apiClient, cdn.NewTable(cfg), client.NewProbeClient(cfg), nil)
	factory := session.NewFactory(cfg, apiClient, cache.NewRoomCache(cfg), p, nil)

	sess, err := factory.Start(context.Background(), "alice")
	require.NoError(t, err)
	t.Cleanup(sess.Close)

	probeClient := client.NewProbeClient(cfg)
	loader, err := playlist.NewLoader(cfg, probeClient)
	require.NoError(t, err)

	return NewLoop(cfg, sess, loader)
}

const endedManifest = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:10
#EXTINF:3.000,
seg10.ts
#EXTINF:3.000,
seg11.ts
#EXT-X-ENDLIST
`

const liveManifestText = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:10
#EXTINF:3.000,
seg10.ts
#EXTINF:3.000,
seg11.ts
#EXTINF:3.000,
seg12.ts
`

func TestRunDeliversSegmentsAndEndsOnEndlist(t *testing.T) {
	loop := startLoop(t, func() string { return endedManifest })

	sink := &collectingSink{}
	err := loop.Run(context.Background(), sink)
	require.NoError(t, err)

	require.Equal(t, 2, sink.count())
	assert.Equal(t, uint64(10), sink.segments[0].Sequence)
	assert.Equal(t, uint64(11), sink.segments[1].Sequence)
}

func TestRunDoesNotRedeliverSeenSegments(t *testing.T) {
	loop := startLoop(t, func() string { return liveManifestText })

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	sink := &collectingSink{}
	err := loop.Run(ctx, sink)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// several reload cycles ran, but each segment was delivered once
	assert.Equal(t, 3, sink.count())
}

func TestRunStopsOnCancel(t *testing.T) {
	loop := startLoop(t, func() string { return liveManifestText })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := loop.Run(ctx, &collectingSink{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRunGivesUpAfterRepeatedManifestFailures(t *testing.T) {
	loop := startLoop(t, func() string { return "not a playlist" })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := loop.Run(ctx, &collectingSink{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRunPropagatesSinkErrors(t *testing.T) {
	loop := startLoop(t, func() string { return endedManifest })

	err := loop.Run(context.Background(), failingSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "segment sink")
}

type failingSink struct{}

func (failingSink) WriteSegment(context.Context, playlist.Segment) error {
	return errors.New("sink full")
}
