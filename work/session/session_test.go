package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"blive-proxy/work/api"
	"blive-proxy/work/cache"
	"blive-proxy/work/cdn"
	"blive-proxy/work/client"
	"blive-proxy/work/config"
	"blive-proxy/work/prober"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUpstream simulates the metadata/playback API plus one CDN node, and
// counts calls to each endpoint.
type fakeUpstream struct {
	roomBody     string
	playHits     int32
	roomHits     int32
	nodeHits     int32
	nodeStatus   int32 // status the CDN node answers with
	apiServer    *httptest.Server
	nodeServer   *httptest.Server
	candidateURL string
}

func newFakeUpstream(t *testing.T, roomBody string) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{roomBody: roomBody, nodeStatus: http.StatusOK}

	f.nodeServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.nodeHits, 1)
		w.WriteHeader(int(atomic.LoadInt32(&f.nodeStatus)))
	}))
	t.Cleanup(f.nodeServer.Close)
	f.candidateURL = f.nodeServer.URL + "/live/stream.m3u8"

	f.apiServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/room/v1/Room/room_init":
			atomic.AddInt32(&f.roomHits, 1)
			w.Write([]byte(f.roomBody))
		case "/room/v1/Room/playUrl":
			atomic.AddInt32(&f.playHits, 1)
			fmt.Fprintf(w, `{"code":0,"data":{"durl":[{"url":%q,"order":1}]}}`, f.candidateURL)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.apiServer.Close)
	return f
}

func newTestFactory(t *testing.T, f *fakeUpstream) (*Factory, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		APIHost:            f.apiServer.URL,
		APITimeout:         2 * time.Second,
		APIRateLimit:       100,
		Quality:            4,
		ProbeTimeout:       2 * time.Second,
		MirrorProbeTimeout: 2 * time.Second,
		URLValidity:        60 * time.Minute,
		RefreshGuard:       10 * time.Minute,
		RoomCacheSize:      16,
		RoomCacheTTL:       time.Minute,
		UserAgent:          "test-agent",
	}

	apiClient := api.New(cfg)
	p := prober.New(cfg, apiClient, cdn.NewTable(cfg), client.NewProbeClient(cfg), nil)
	return NewFactory(cfg, apiClient, cache.NewRoomCache(cfg), p, nil), cfg
}

func TestStartLiveRoom(t *testing.T) {
	f := newFakeUpstream(t, `{"code":0,"data":{"room_id":42,"live_status":1}}`)
	factory, _ := newTestFactory(t, f)

	sess, err := factory.Start(context.Background(), "alice")
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, "alice", sess.Channel())
	assert.Equal(t, int64(42), sess.Room().ID)
	assert.Equal(t, f.candidateURL, sess.URL())
	assert.False(t, sess.Deadline().IsZero())
}

func TestStartNotLiveSkipsCandidateProbing(t *testing.T) {
	f := newFakeUpstream(t, `{"code":0,"data":{"room_id":42,"live_status":0}}`)
	factory, _ := newTestFactory(t, f)

	_, err := factory.Start(context.Background(), "bob")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotLive))
	// not-live fails before any playback API call
	assert.EqualValues(t, 0, atomic.LoadInt32(&f.playHits))
	assert.EqualValues(t, 0, atomic.LoadInt32(&f.nodeHits))
}

func TestStartRoundStatusIsNotLive(t *testing.T) {
	f := newFakeUpstream(t, `{"code":0,"data":{"room_id":42,"live_status":2}}`)
	factory, _ := newTestFactory(t, f)

	_, err := factory.Start(context.Background(), "bob")
	assert.True(t, errors.Is(err, ErrNotLive))
	assert.EqualValues(t, 0, atomic.LoadInt32(&f.playHits))
}

func TestStartUnknownRoom(t *testing.T) {
	f := newFakeUpstream(t, `{"code":0,"data":null}`)
	factory, _ := newTestFactory(t, f)

	_, err := factory.Start(context.Background(), "alice")
	assert.True(t, errors.Is(err, api.ErrRoomNotFound))
	assert.EqualValues(t, 0, atomic.LoadInt32(&f.playHits))
}

func TestStartNoPlayableCandidate(t *testing.T) {
	f := newFakeUpstream(t, `{"code":0,"data":{"room_id":42,"live_status":1}}`)
	atomic.StoreInt32(&f.nodeStatus, http.StatusNotFound)
	factory, _ := newTestFactory(t, f)

	_, err := factory.Start(context.Background(), "alice")
	assert.True(t, errors.Is(err, prober.ErrNoPlayableCandidate))
}

func TestRefreshBeforeGuardWindowIsFree(t *testing.T) {
	f := newFakeUpstream(t, `{"code":0,"data":{"room_id":42,"live_status":1}}`)
	factory, _ := newTestFactory(t, f)

	sess, err := factory.Start(context.Background(), "alice")
	require.NoError(t, err)
	defer sess.Close()

	startPlayHits := atomic.LoadInt32(&f.playHits)
	now := time.Now()

	first := sess.Refresh(context.Background(), now)
	second := sess.Refresh(context.Background(), now)

	assert.Equal(t, first, second)
	assert.Equal(t, sess.URL(), first)
	// both calls stayed on the cheap path: zero extra network calls
	assert.EqualValues(t, startPlayHits, atomic.LoadInt32(&f.playHits))
}

func TestRefreshInsideGuardWindowReResolves(t *testing.T) {
	f := newFakeUpstream(t, `{"code":0,"data":{"room_id":42,"live_status":1}}`)
	factory, cfg := newTestFactory(t, f)

	sess, err := factory.Start(context.Background(), "alice")
	require.NoError(t, err)
	defer sess.Close()

	firstDeadline := sess.Deadline()
	startPlayHits := atomic.LoadInt32(&f.playHits)

	// step into the guard window
	now := firstDeadline.Add(-cfg.RefreshGuard / 2)
	url := sess.Refresh(context.Background(), now)

	assert.Equal(t, f.candidateURL, url)
	assert.EqualValues(t, startPlayHits+1, atomic.LoadInt32(&f.playHits))
	// the deadline moved forward by exactly one validity window
	assert.Equal(t, now.Add(cfg.URLValidity), sess.Deadline())
	assert.True(t, sess.Deadline().After(firstDeadline))
}

func TestRefreshFailureKeepsPreviousURL(t *testing.T) {
	f := newFakeUpstream(t, `{"code":0,"data":{"room_id":42,"live_status":1}}`)
	factory, cfg := newTestFactory(t, f)

	sess, err := factory.Start(context.Background(), "alice")
	require.NoError(t, err)
	defer sess.Close()

	previous := sess.URL()
	previousDeadline := sess.Deadline()

	// the node stops answering before the refresh fires
	atomic.StoreInt32(&f.nodeStatus, http.StatusNotFound)

	url := sess.Refresh(context.Background(), previousDeadline.Add(-cfg.RefreshGuard/2))
	assert.Equal(t, previous, url)
	assert.Equal(t, previous, sess.URL())
	assert.Equal(t, previousDeadline, sess.Deadline())
}

func TestStreamsYieldsSourceRendition(t *testing.T) {
	f := newFakeUpstream(t, `{"code":0,"data":{"room_id":42,"live_status":1}}`)
	factory, _ := newTestFactory(t, f)

	sess, err := factory.Start(context.Background(), "alice")
	require.NoError(t, err)
	defer sess.Close()

	streams := sess.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, "source", streams[0].Name)
	assert.Equal(t, sess.URL(), streams[0].URL)
}

func TestRefreshDoesNotCountAsClientActivity(t *testing.T) {
	f := newFakeUpstream(t, `{"code":0,"data":{"room_id":42,"live_status":1}}`)
	factory, _ := newTestFactory(t, f)

	sess, err := factory.Start(context.Background(), "alice")
	require.NoError(t, err)
	defer sess.Close()

	before := sess.LastAccess()

	// the playout loop refreshes constantly; that must not look like demand
	sess.Refresh(context.Background(), time.Now().Add(time.Hour))
	assert.Equal(t, before, sess.LastAccess())

	sess.Touch()
	assert.True(t, sess.LastAccess().After(before))
}

func TestRoomLookupIsCached(t *testing.T) {
	f := newFakeUpstream(t, `{"code":0,"data":{"room_id":42,"live_status":1}}`)
	factory, _ := newTestFactory(t, f)

	sess1, err := factory.Start(context.Background(), "alice")
	require.NoError(t, err)
	sess1.Close()

	sess2, err := factory.Start(context.Background(), "alice")
	require.NoError(t, err)
	sess2.Close()

	assert.EqualValues(t, 1, atomic.LoadInt32(&f.roomHits))
}
