package playlist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"blive-proxy/work/client"
	"blive-proxy/work/config"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
)

// maxManifestSize bounds how much playlist text is ever read.
const maxManifestSize = 4 << 20

// Segment is one media segment discovered in a manifest.
type Segment struct {
	URI      string
	Duration float64
	Sequence uint64
	Title    string
	Ad       bool // flagged as inserted advertising content
}

// Manifest is one parsed media playlist.
type Manifest struct {
	Segments       []Segment
	TargetDuration float64
	HasPrefetch    bool // low-latency prefetch hints present
	Ended          bool
}

// AllAd reports whether every discovered segment is advertising. An empty
// manifest is not all-ad.
func (m *Manifest) AllAd() bool {
	if len(m.Segments) == 0 {
		return false
	}
	for _, s := range m.Segments {
		if !s.Ad {
			return false
		}
	}
	return true
}

// Loader turns raw playlist text into segment sequences, flagging ad
// segments and low-latency prefetch markers.
type Loader struct {
	config *config.Config
	client *client.ProbeClient
	adRe   *regexp.Regexp
}

// NewLoader compiles the ad-segment pattern and builds a loader.
func NewLoader(cfg *config.Config, probeClient *client.ProbeClient) (*Loader, error) {
	adRe, err := regexp.Compile(cfg.AdSegmentRegex)
	if err != nil {
		return nil, fmt.Errorf("compile ad segment pattern: %w", err)
	}
	return &Loader{config: cfg, client: probeClient, adRe: adRe}, nil
}

// Load fetches and parses the media playlist at manifestURL.
func (l *Loader) Load(ctx context.Context, manifestURL string) (*Manifest, error) {
	resp, err := l.client.Fetch(ctx, manifestURL)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return l.Parse(data, manifestURL)
}

// Parse decodes playlist text. Relative segment URIs are resolved against
// baseURL. Master playlists are rejected; live rooms serve media playlists
// directly.
func (l *Loader) Parse(data []byte, baseURL string) (*Manifest, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("decode manifest: expected media playlist")
	}
	media := playlist.(*m3u8.MediaPlaylist)

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse manifest base url: %w", err)
	}

	manifest := &Manifest{
		TargetDuration: media.TargetDuration,
		HasPrefetch:    hasPrefetchMarkers(data),
		Ended:          media.Closed,
	}

	// grafov pads the segment ring with nils past the live window
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		uri := seg.URI
		if ref, err := base.Parse(uri); err == nil {
			uri = ref.String()
		}
		manifest.Segments = append(manifest.Segments, Segment{
			URI:      uri,
			Duration: seg.Duration,
			Sequence: seg.SeqId,
			Title:    seg.Title,
			Ad:       l.isAd(seg),
		})
	}
	return manifest, nil
}

// isAd flags segments whose URI path or title matches the configured
// advertising pattern.
func (l *Loader) isAd(seg *m3u8.MediaSegment) bool {
	if u, err := url.Parse(seg.URI); err == nil {
		if l.adRe.MatchString(u.Path) {
			return true
		}
	} else if l.adRe.MatchString(seg.URI) {
		return true
	}
	return seg.Title != "" && l.adRe.MatchString(seg.Title)
}

// hasPrefetchMarkers scans raw playlist text for low-latency prefetch hints,
// which the decoder does not surface.
func hasPrefetchMarkers(data []byte) bool {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#EXT-X-PREFETCH:") || strings.HasPrefix(line, "#EXT-X-STREAM-PREFETCH:") {
			return true
		}
	}
	return false
}
