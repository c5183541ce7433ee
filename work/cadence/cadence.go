package cadence

import (
	"time"

	"blive-proxy/work/config"
	"blive-proxy/work/logger"
	"blive-proxy/work/playlist"
)

// fallbackInterval paces reloads when a manifest carries no usable durations.
const fallbackInterval = 3 * time.Second

// Policy decides how long the playout loop waits between playlist reloads.
// It is queried once per discovery cycle by a single goroutine and keeps a
// small amount of first-reload state for the advisory checks.
type Policy struct {
	config      *config.Config
	channel     string
	firstReload bool
}

// NewPolicy builds the reload policy for one channel's playout loop.
func NewPolicy(cfg *config.Config, channel string) *Policy {
	return &Policy{
		config:      cfg,
		channel:     channel,
		firstReload: true,
	}
}

// Advise returns the wait before the next reload, given the manifest just
// discovered.
//
// A configured fixed cadence bypasses segment-based pacing entirely. In
// low-latency mode the wait tracks the newest segment's duration to minimize
// polling lag. Otherwise the standard protocol pacing applies: the last
// segment's declared duration, falling back to the target duration.
//
// First-reload advisories are observational only: missing low-latency
// markers and an all-ad segment window are logged, playback continues
// unaffected.
func (p *Policy) Advise(m *playlist.Manifest) time.Duration {
	if p.firstReload && m != nil {
		p.firstReload = false
		if p.config.LowLatency && !m.HasPrefetch {
			logger.Info("channel %s: low latency requested but manifest carries no prefetch markers", p.channel)
		}
		if p.config.AdSkipAware && m.AllAd() {
			logger.Info("channel %s: first reload window is all advertising, stream has not stalled, keep waiting", p.channel)
		}
	}

	if p.config.FixedReloadCadence > 0 {
		return p.config.FixedReloadCadence
	}

	if m == nil || len(m.Segments) == 0 {
		return fallbackInterval
	}

	last := m.Segments[len(m.Segments)-1]
	if p.config.LowLatency && last.Duration > 0 {
		return durationOf(last.Duration)
	}
	if m.TargetDuration > 0 {
		return durationOf(m.TargetDuration)
	}
	if last.Duration > 0 {
		return durationOf(last.Duration)
	}
	return fallbackInterval
}

func durationOf(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
