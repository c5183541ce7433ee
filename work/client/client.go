package client

import (
	"context"
	"io"
	"net/http"
	"time"

	"blive-proxy/work/config"
)

// ProbeClient wraps http.Client for candidate reachability probes. Probes
// never follow redirects (a 3xx is a meaningful answer, not a detour) and
// read response bodies as streams so a probe costs headers, not payload.
type ProbeClient struct {
	Client      *http.Client // redirects surfaced, not followed
	fetchClient *http.Client // ordinary client for manifests and segments
	config      *config.Config
}

// NewProbeClient builds the probe client. Redirects are surfaced to the
// caller rather than followed.
func NewProbeClient(config *config.Config) *ProbeClient {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     false,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	return &ProbeClient{
		Client: &http.Client{
			Timeout: 0, // per-request deadlines come from the caller's context
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: transport,
		},
		fetchClient: &http.Client{Transport: transport},
		config:      config,
	}
}

// ProbeResult is the outcome of a single reachability probe.
type ProbeResult struct {
	StatusCode int
	Location   string // Location header when the node answered with a redirect
	Body       []byte // response body, only read when readBody was requested
}

// Probe issues a GET against urlStr with the configured probe timeout and
// returns the status without consuming the body.
func (pc *ProbeClient) Probe(ctx context.Context, urlStr string) (*ProbeResult, error) {
	return pc.do(ctx, urlStr, pc.config.ProbeTimeout, false)
}

// ProbeMirror issues a GET with the longer mirror timeout and reads the
// (small) body, since mirror nodes answer with either a redirect or a text
// payload naming the real node.
func (pc *ProbeClient) ProbeMirror(ctx context.Context, urlStr string) (*ProbeResult, error) {
	return pc.do(ctx, urlStr, pc.config.MirrorProbeTimeout, true)
}

// maxProbeBody bounds how much of a probe response is ever read.
const maxProbeBody = 64 << 10

func (pc *ProbeClient) do(ctx context.Context, urlStr string, timeout time.Duration, readBody bool) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	pc.setHeaders(req)

	resp, err := pc.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := &ProbeResult{
		StatusCode: resp.StatusCode,
		Location:   resp.Header.Get("Location"),
	}
	if readBody {
		result.Body, err = io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Fetch issues a plain GET (following the same header policy) and returns the
// open response. Used by the playout loop for manifests and segments; the
// caller owns the body.
func (pc *ProbeClient) Fetch(ctx context.Context, urlStr string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	pc.setHeaders(req)
	return pc.fetchClient.Do(req)
}

func (pc *ProbeClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", pc.config.UserAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if pc.config.Referer != "" {
		req.Header.Set("Referer", pc.config.Referer)
	}
}
