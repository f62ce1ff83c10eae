package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/camcast/internal/core"
	"github.com/dkeye/camcast/internal/domain"
	"github.com/rs/zerolog"
)

// handle owns one open FrameSource and its subscribers.
// A handle present in DeviceRelay.handles is never closed.
type handle struct {
	device   domain.DeviceID
	src      core.FrameSource
	openedAt time.Time
	logger   zerolog.Logger

	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	closed  bool
	lastErr error

	frames atomic.Uint64
	done   chan struct{}
}

func newHandle(device domain.DeviceID, src core.FrameSource, logger zerolog.Logger) *handle {
	return &handle{
		device:   device,
		src:      src,
		openedAt: time.Now(),
		logger:   logger,
		subs:     make(map[uint64]*Subscription),
		done:     make(chan struct{}),
	}
}

// loop reads frames from the source and forwards them to every subscription.
func (h *handle) loop(onFailure func(*handle, error)) {
	defer close(h.done)
	for {
		f, err := h.src.Read()
		if err != nil {
			if h.isClosed() {
				h.logger.Debug().Msg("capture loop stopped")
				return
			}
			onFailure(h, err)
			return
		}
		h.frames.Add(1)
		h.forward(f)
	}
}

func (h *handle) forward(f domain.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		s.push(f)
	}
}

func (h *handle) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// detachAll marks the handle closed and returns the subscriptions it had.
// The caller must hold DeviceRelay.mu.
func (h *handle) detachAll(cause error) []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.lastErr = cause
	out := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s)
	}
	clear(h.subs)
	return out
}

func (h *handle) info() DeviceInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var dropped uint64
	for _, s := range h.subs {
		dropped += s.Dropped()
	}
	return DeviceInfo{
		Device:      h.device,
		Subscribers: len(h.subs),
		Frames:      h.frames.Load(),
		Dropped:     dropped,
		OpenedAt:    h.openedAt,
	}
}
