// Package track turns a relay subscription into a paced sample stream for a
// single peer.
package track

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/camcast/internal/core"
	"github.com/dkeye/camcast/internal/domain"
	"github.com/rs/zerolog/log"
)

// ClockRate is the RTP video clock.
const ClockRate = 90000

// FrameSubscription is the pull side of a relay subscription.
type FrameSubscription interface {
	Next(ctx context.Context) (domain.Frame, error)
	Device() domain.DeviceID
	Close()
}

// Sample is a frame stamped on the track clock.
type Sample struct {
	Data     []byte
	PTS      uint64
	Keyframe bool
}

// MediaTrack is owned by one session. NextFrame must be called from a single
// goroutine; Close may be called from anywhere.
type MediaTrack struct {
	id  string
	sub FrameSubscription

	started bool
	base    time.Duration
	last    uint64
	skipped int

	mu  sync.Mutex
	eos error

	closed    atomic.Bool
	delivered atomic.Uint64
}

func New(id string, sub FrameSubscription) *MediaTrack {
	return &MediaTrack{id: id, sub: sub}
}

func (t *MediaTrack) ID() string              { return t.id }
func (t *MediaTrack) Device() domain.DeviceID { return t.sub.Device() }
func (t *MediaTrack) Delivered() uint64       { return t.delivered.Load() }

// Live reports whether the track can still deliver frames.
func (t *MediaTrack) Live() bool { return t.endErr() == nil && !t.closed.Load() }

// NextFrame blocks until a frame is available, the stream ends or ctx is
// done. The first sample is always a keyframe; frames before it are
// dropped. Once it has returned an error wrapping domain.ErrEndOfStream it
// returns that same error forever.
func (t *MediaTrack) NextFrame(ctx context.Context) (Sample, error) {
	if err := t.endErr(); err != nil {
		return Sample{}, err
	}
	f, err := t.next(ctx)
	if err != nil {
		return Sample{}, err
	}

	pts := t.stamp(f.Timestamp)
	t.delivered.Add(1)
	return Sample{Data: f.Data, PTS: pts, Keyframe: f.Keyframe}, nil
}

// next reads from the subscription, skipping frames until the first
// keyframe.
func (t *MediaTrack) next(ctx context.Context) (domain.Frame, error) {
	for {
		f, err := t.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrEndOfStream) {
				return domain.Frame{}, t.setEnd(err)
			}
			return domain.Frame{}, err
		}
		if t.started || f.Keyframe {
			if !t.started && t.skipped > 0 {
				log.Debug().Str("module", "track").Str("track", t.id).Int("skipped", t.skipped).Msg("synced on keyframe")
			}
			return f, nil
		}
		t.skipped++
	}
}

// stamp maps a capture timestamp to the 90 kHz track clock, rebased on the
// first frame and bumped so it always increases.
func (t *MediaTrack) stamp(ts time.Duration) uint64 {
	if !t.started {
		t.started = true
		t.base = ts
		t.last = 0
		return 0
	}
	rel := ts - t.base
	if rel < 0 {
		rel = 0
	}
	pts := uint64(rel/time.Microsecond) * ClockRate / 1_000_000
	if pts <= t.last {
		pts = t.last + 1
	}
	t.last = pts
	return pts
}

// Close releases the subscription and unblocks a pending NextFrame.
func (t *MediaTrack) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.sub.Close()
}

// Pump writes samples into sink until the track ends, ctx is done or the
// sink rejects a write. The returned error says which.
func (t *MediaTrack) Pump(ctx context.Context, sink core.VideoSink) error {
	logger := log.With().Str("module", "track").Str("track", t.id).Str("device", string(t.Device())).Logger()
	logger.Debug().Msg("pump started")
	for {
		s, err := t.NextFrame(ctx)
		if err != nil {
			logger.Debug().Err(err).Uint64("delivered", t.Delivered()).Msg("pump stopped")
			return err
		}
		if err := sink.WriteFrame(s.Data, s.PTS); err != nil {
			logger.Warn().Err(err).Msg("sink write failed")
			return fmt.Errorf("write sample: %w", err)
		}
	}
}

func (t *MediaTrack) endErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eos
}

func (t *MediaTrack) setEnd(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.eos == nil {
		t.eos = err
	}
	return t.eos
}
