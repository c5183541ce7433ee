package playout

import (
	"context"
	"fmt"
	"time"

	"blive-proxy/work/cadence"
	"blive-proxy/work/config"
	"blive-proxy/work/logger"
	"blive-proxy/work/metrics"
	"blive-proxy/work/playlist"
	"blive-proxy/work/session"
)

// maxConsecutiveFailures ends the loop when the manifest stays unreachable
// this many cycles in a row.
const maxConsecutiveFailures = 5

// SegmentSink receives discovered media segments in playlist order.
type SegmentSink interface {
	WriteSegment(ctx context.Context, seg playlist.Segment) error
}

// Loop drives one channel's segment discovery: reload the manifest, hand new
// segments to the sink, refresh the playable URL as it nears expiry, wait
// per the cadence policy, repeat. All work happens on the caller's
// goroutine; cancellation is checked between every network call.
type Loop struct {
	config  *config.Config
	session *session.Session
	loader  *playlist.Loader
	policy  *cadence.Policy
}

// NewLoop builds a playout loop for an established session.
func NewLoop(cfg *config.Config, sess *session.Session, loader *playlist.Loader) *Loop {
	return &Loop{
		config:  cfg,
		session: sess,
		loader:  loader,
		policy:  cadence.NewPolicy(cfg, sess.Channel()),
	}
}

// Run executes the loop until the stream ends, the context is canceled, or
// the manifest stays unreachable too long.
func (l *Loop) Run(ctx context.Context, sink SegmentSink) error {
	channel := l.session.Channel()
	var lastSeq uint64
	seeded := false
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		url := l.session.Refresh(ctx, time.Now())
		manifest, err := l.loader.Load(ctx, url)
		if err != nil {
			failures++
			logger.Warn("channel %s: manifest reload failed (%d/%d): %v", channel, failures, maxConsecutiveFailures, err)
			if failures >= maxConsecutiveFailures {
				return fmt.Errorf("channel %s: manifest unreachable: %w", channel, err)
			}
			if err := l.wait(ctx, l.policy.Advise(nil)); err != nil {
				return err
			}
			continue
		}
		failures = 0
		metrics.PlaylistReloads.WithLabelValues(channel).Inc()

		for _, seg := range manifest.Segments {
			if seeded && seg.Sequence <= lastSeq {
				continue
			}
			if err := sink.WriteSegment(ctx, seg); err != nil {
				return fmt.Errorf("channel %s: segment sink: %w", channel, err)
			}
			lastSeq = seg.Sequence
			seeded = true
			kind := "media"
			if seg.Ad {
				kind = "ad"
			}
			metrics.SegmentsServed.WithLabelValues(channel, kind).Inc()
		}

		if manifest.Ended {
			logger.Info("channel %s: stream ended", channel)
			return nil
		}

		if err := l.wait(ctx, l.policy.Advise(manifest)); err != nil {
			return err
		}
	}
}

func (l *Loop) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
