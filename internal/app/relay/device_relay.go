package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/camcast/internal/core"
	"github.com/dkeye/camcast/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultQueueSize = 8
	defaultStopWait  = 2 * time.Second
)

// DeviceInfo is a read-only view of an open device.
type DeviceInfo struct {
	Device      domain.DeviceID `json:"device"`
	Subscribers int             `json:"subscribers"`
	Frames      uint64          `json:"frames"`
	Dropped     uint64          `json:"dropped"`
	OpenedAt    time.Time       `json:"openedAt"`
}

type pendingOpen struct {
	done chan struct{}
	err  error
}

// DeviceRelay shares one FrameSource per device between any number of
// subscriptions. Sources are opened on the first Subscribe and closed when
// the last subscription is released.
type DeviceRelay struct {
	opener    core.SourceOpener
	queueSize int
	stopWait  time.Duration

	mu      sync.Mutex
	handles map[domain.DeviceID]*handle
	opening map[domain.DeviceID]*pendingOpen
	// closing holds devices whose source is still being closed. A new open
	// for the device waits for it.
	closing map[domain.DeviceID]chan struct{}
	closed  bool

	nextID atomic.Uint64
}

func NewDeviceRelay(opener core.SourceOpener, queueSize int) *DeviceRelay {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &DeviceRelay{
		opener:    opener,
		queueSize: queueSize,
		stopWait:  defaultStopWait,
		handles:   make(map[domain.DeviceID]*handle),
		opening:   make(map[domain.DeviceID]*pendingOpen),
		closing:   make(map[domain.DeviceID]chan struct{}),
	}
}

// Subscribe returns a subscription to the live stream of id, opening the
// device if nobody is using it yet. Concurrent callers for the same device
// share a single open.
func (r *DeviceRelay) Subscribe(ctx context.Context, id domain.DeviceID, opts domain.CaptureOptions) (*Subscription, error) {
	logger := log.With().Str("module", "relay").Str("device", string(id)).Logger()

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, domain.ErrShuttingDown
		}
		if h, ok := r.handles[id]; ok {
			sub := r.attach(h)
			r.mu.Unlock()
			return sub, nil
		}
		if p, ok := r.opening[id]; ok {
			r.mu.Unlock()
			select {
			case <-p.done:
				if p.err != nil {
					return nil, p.err
				}
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if done, ok := r.closing[id]; ok {
			r.mu.Unlock()
			logger.Debug().Msg("waiting for previous source to close")
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		p := &pendingOpen{done: make(chan struct{})}
		r.opening[id] = p
		r.mu.Unlock()

		logger.Info().Int("width", opts.Width).Int("height", opts.Height).Int("fps", opts.FrameRate).Msg("opening device")
		src, err := r.opener.Open(ctx, id, opts)

		r.mu.Lock()
		delete(r.opening, id)
		if err != nil {
			p.err = fmt.Errorf("%w: %s: %w", domain.ErrDeviceUnavailable, id, err)
			r.mu.Unlock()
			close(p.done)
			logger.Error().Err(err).Msg("device open failed")
			return nil, p.err
		}
		if r.closed {
			p.err = domain.ErrShuttingDown
			r.mu.Unlock()
			close(p.done)
			if cerr := src.Close(); cerr != nil {
				logger.Error().Err(cerr).Msg("close source after shutdown")
			}
			return nil, p.err
		}
		h := newHandle(id, src, logger)
		r.handles[id] = h
		sub := r.attach(h)
		r.mu.Unlock()
		close(p.done)

		logger.Info().Msg("device opened")
		go h.loop(r.fail)
		return sub, nil
	}
}

// attach adds a subscription to an open handle. Caller holds r.mu.
func (r *DeviceRelay) attach(h *handle) *Subscription {
	sub := newSubscription(r.nextID.Add(1), r, h, r.queueSize)
	h.mu.Lock()
	h.subs[sub.id] = sub
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Info().Uint64("sub", sub.id).Int("subscribers", n).Msg("subscribed")
	return sub
}

// Unsubscribe releases sub. Releasing the last subscription of a device
// closes its source. Calling it again for the same subscription is a no-op.
func (r *DeviceRelay) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.released.CompareAndSwap(false, true) {
		return
	}
	h := sub.handle

	r.mu.Lock()
	h.mu.Lock()
	delete(h.subs, sub.id)
	remaining := len(h.subs)
	stop := remaining == 0 && !h.closed
	var closed chan struct{}
	if stop {
		h.closed = true
		if r.handles[h.device] == h {
			delete(r.handles, h.device)
		}
		closed = r.markClosing(h.device)
	}
	h.mu.Unlock()
	r.mu.Unlock()

	sub.end(nil)
	h.logger.Info().Uint64("sub", sub.id).Int("subscribers", remaining).Uint64("dropped", sub.Dropped()).Msg("unsubscribed")

	if stop {
		r.release(h, "last subscriber left")
		r.clearClosing(h.device, closed)
	}
}

// markClosing records that id is being closed. Caller holds r.mu.
func (r *DeviceRelay) markClosing(id domain.DeviceID) chan struct{} {
	ch := make(chan struct{})
	r.closing[id] = ch
	return ch
}

func (r *DeviceRelay) clearClosing(id domain.DeviceID, ch chan struct{}) {
	r.mu.Lock()
	if r.closing[id] == ch {
		delete(r.closing, id)
	}
	r.mu.Unlock()
	close(ch)
}

// fail runs on the capture goroutine when the source can no longer be read.
func (r *DeviceRelay) fail(h *handle, err error) {
	cause := fmt.Errorf("%w: %s: %w", domain.ErrReadFailure, h.device, err)

	r.mu.Lock()
	if r.handles[h.device] == h {
		delete(r.handles, h.device)
	}
	subs := h.detachAll(cause)
	closed := r.markClosing(h.device)
	r.mu.Unlock()

	h.logger.Error().Err(err).Int("subscribers", len(subs)).Msg("device read failed, ending subscriptions")
	if cerr := h.src.Close(); cerr != nil {
		h.logger.Error().Err(cerr).Msg("close failed source")
	}
	r.clearClosing(h.device, closed)
	for _, s := range subs {
		s.end(cause)
	}
}

func (r *DeviceRelay) release(h *handle, reason string) {
	if err := h.src.Close(); err != nil {
		h.logger.Error().Err(err).Msg("close source")
	}
	select {
	case <-h.done:
	case <-time.After(r.stopWait):
		h.logger.Warn().Dur("wait", r.stopWait).Msg("capture loop did not stop in time")
	}
	h.logger.Info().Str("reason", reason).Msg("device closed")
}

// Devices returns the open devices sorted by id.
func (r *DeviceRelay) Devices() []DeviceInfo {
	r.mu.Lock()
	out := make([]DeviceInfo, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h.info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// IsOpen reports whether a source is currently open for id.
func (r *DeviceRelay) IsOpen(id domain.DeviceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[id]
	return ok
}

// Close ends every subscription and closes all sources. Subscribe fails
// with domain.ErrShuttingDown afterwards.
func (r *DeviceRelay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	handles := make([]*handle, 0, len(r.handles))
	for id, h := range r.handles {
		handles = append(handles, h)
		delete(r.handles, id)
	}
	detached := make([][]*Subscription, len(handles))
	for i, h := range handles {
		detached[i] = h.detachAll(domain.ErrShuttingDown)
	}
	r.mu.Unlock()

	for i, h := range handles {
		for _, s := range detached[i] {
			s.end(domain.ErrShuttingDown)
		}
		r.release(h, "relay shutdown")
	}
}
