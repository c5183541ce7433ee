package prober

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"blive-proxy/work/api"
	"blive-proxy/work/cdn"
	"blive-proxy/work/client"
	"blive-proxy/work/config"
	"blive-proxy/work/history"
	"blive-proxy/work/logger"
	"blive-proxy/work/metrics"
	"blive-proxy/work/utils"
)

// ErrNoPlayableCandidate means the playback API offered no candidate that
// verified reachable and no fallback remained. There is no usable stream
// right now.
var ErrNoPlayableCandidate = errors.New("no playable candidate")

// Prober turns a room id into a verified playable URL. It fetches the
// candidate list from the playback API, applies the CDN rule table, and
// probes candidates in order until one answers 200.
type Prober struct {
	config  *config.Config
	api     *api.Client
	rules   *cdn.Table
	client  *client.ProbeClient
	history *history.Store
}

// New builds a Prober. history may be nil.
func New(cfg *config.Config, apiClient *api.Client, rules *cdn.Table, probeClient *client.ProbeClient, store *history.Store) *Prober {
	return &Prober{
		config:  cfg,
		api:     apiClient,
		rules:   rules,
		client:  probeClient,
		history: store,
	}
}

// FindPlayableURL resolves room's current playable media URL.
//
// Candidates are probed in descending URL order; the preferred CDN node
// naming pattern happens to sort first. This is a tie-break heuristic, not a
// quality signal. The first candidate whose reachability probe answers 200
// wins, and its original URL is returned with the transport scheme
// normalized. When every probed candidate fails, a candidate held back by a
// last-resort rule is returned unprobed as the final fallback.
func (p *Prober) FindPlayableURL(ctx context.Context, roomID int64) (string, error) {
	candidates, err := p.api.PlayURL(ctx, roomID)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("room %d: empty candidate list: %w", roomID, ErrNoPlayableCandidate)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].URL > candidates[j].URL
	})

	var lastResort string
	for _, cand := range candidates {
		rule, action := p.rules.Classify(cand.URL)

		if action == cdn.ActionLastResort {
			if lastResort == "" {
				lastResort = cand.URL
			}
			logger.Debug("holding back last-resort candidate %s", utils.LogURL(p.config, cand.URL))
			continue
		}

		probeURL := cand.URL
		switch action {
		case cdn.ActionMirror:
			if resolved := p.probeMirror(ctx, cand.URL, rule.Host); resolved != "" {
				probeURL = resolved
			}
		case cdn.ActionRewrite:
			rewritten, err := cdn.RewriteHost(cand.URL, rule.Host)
			if err != nil {
				logger.Warn("candidate %s: %v", utils.LogURL(p.config, cand.URL), err)
				continue
			}
			probeURL = rewritten
		}

		if p.history.IsHostDead(hostOf(probeURL)) {
			logger.Debug("skipping candidate on dead host %s", hostOf(probeURL))
			continue
		}

		if p.verify(ctx, probeURL, action) {
			// The stream is still requested from the original address;
			// rewrites only test reachability. The CDN redirects clients
			// transparently.
			return utils.NormalizeScheme(cand.URL, p.config.PreferUnencrypted), nil
		}
	}

	if lastResort != "" {
		logger.Info("all probed candidates failed for room %d, falling back to last-resort node", roomID)
		return utils.NormalizeScheme(lastResort, p.config.PreferUnencrypted), nil
	}

	return "", fmt.Errorf("room %d: all candidates exhausted: %w", roomID, ErrNoPlayableCandidate)
}

// probeMirror asks the mirror endpoint where the real node lives. The mirror
// answers either with a 301/302 whose Location is the effective candidate, or
// with a small text body whose last line is a usable URL. Anything else means
// "no opinion" and the original candidate is used unchanged.
func (p *Prober) probeMirror(ctx context.Context, candidateURL, mirrorHost string) string {
	mirrorURL, err := cdn.RewriteHost(candidateURL, mirrorHost)
	if err != nil {
		logger.Warn("mirror probe for %s: %v", utils.LogURL(p.config, candidateURL), err)
		return ""
	}

	result, err := p.client.ProbeMirror(ctx, mirrorURL)
	if err != nil {
		logger.Debug("mirror probe against %s failed: %v", mirrorHost, err)
		metrics.ProbeResults.WithLabelValues("error", "mirror").Inc()
		return ""
	}
	metrics.ProbeResults.WithLabelValues(fmt.Sprintf("%d", result.StatusCode), "mirror").Inc()

	switch result.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound:
		if result.Location != "" {
			logger.Debug("mirror redirected candidate to %s", utils.LogURL(p.config, result.Location))
			return result.Location
		}
	case http.StatusOK:
		if line := lastLine(result.Body); isHTTPURL(line) {
			logger.Debug("mirror body named node %s", utils.LogURL(p.config, line))
			return line
		}
	}
	return ""
}

// verify runs one streaming reachability probe. 403/404/405 are definitive
// answers for this candidate, logged and treated as non-retryable; transport
// failures also just advance to the next candidate.
func (p *Prober) verify(ctx context.Context, probeURL string, action cdn.Action) bool {
	result, err := p.client.Probe(ctx, probeURL)
	host := hostOf(probeURL)
	if err != nil {
		logger.Debug("probe %s: %v", utils.LogURL(p.config, probeURL), err)
		metrics.ProbeResults.WithLabelValues("error", action.String()).Inc()
		p.history.RecordProbe(host, action.String(), 0, false)
		return false
	}

	metrics.ProbeResults.WithLabelValues(fmt.Sprintf("%d", result.StatusCode), action.String()).Inc()
	ok := result.StatusCode == http.StatusOK
	p.history.RecordProbe(host, action.String(), result.StatusCode, ok)

	switch result.StatusCode {
	case http.StatusOK:
		return true
	case http.StatusForbidden, http.StatusNotFound, http.StatusMethodNotAllowed:
		logger.Debug("candidate %s answered %d, trying next", utils.LogURL(p.config, probeURL), result.StatusCode)
		return false
	default:
		logger.Debug("candidate %s answered unexpected %d, trying next", utils.LogURL(p.config, probeURL), result.StatusCode)
		return false
	}
}

func hostOf(urlStr string) string {
	u, err := url.Parse(urlStr)
	if err != nil {
		return urlStr
	}
	return u.Hostname()
}

func lastLine(body []byte) string {
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
