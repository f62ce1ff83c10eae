package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/camcast/internal/domain"
)

// Subscription is one consumer queue into a shared device stream.
// The queue is bounded; when full, the oldest frame is dropped so the
// capture loop never blocks on a slow consumer.
type Subscription struct {
	id     uint64
	device domain.DeviceID
	relay  *DeviceRelay
	handle *handle

	mu    sync.Mutex
	queue []domain.Frame
	limit int
	ended bool
	cause error

	notify chan struct{}
	done   chan struct{}

	released  atomic.Bool
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

func newSubscription(id uint64, r *DeviceRelay, h *handle, limit int) *Subscription {
	if limit <= 0 {
		limit = 1
	}
	return &Subscription{
		id:     id,
		device: h.device,
		relay:  r,
		handle: h,
		limit:  limit,
		queue:  make([]domain.Frame, 0, limit),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Subscription) ID() uint64              { return s.id }
func (s *Subscription) Device() domain.DeviceID { return s.device }
func (s *Subscription) Dropped() uint64         { return s.dropped.Load() }
func (s *Subscription) Delivered() uint64       { return s.delivered.Load() }

// Done is closed once the subscription has ended for any reason.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the terminal cause, nil while live or after a plain unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Next blocks until a frame is queued, the subscription ends or ctx is done.
// After the end every call returns an error wrapping domain.ErrEndOfStream.
func (s *Subscription) Next(ctx context.Context) (domain.Frame, error) {
	for {
		s.mu.Lock()
		if s.ended {
			cause := s.cause
			s.mu.Unlock()
			if cause != nil {
				return domain.Frame{}, fmt.Errorf("%w: %w", domain.ErrEndOfStream, cause)
			}
			return domain.Frame{}, domain.ErrEndOfStream
		}
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue[0] = domain.Frame{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.delivered.Add(1)
			return f, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return domain.Frame{}, ctx.Err()
		}
	}
}

// Close releases the subscription in its relay. Safe to call repeatedly.
func (s *Subscription) Close() {
	s.relay.Unsubscribe(s)
}

// push never blocks; it is called from the capture loop only.
func (s *Subscription) push(f domain.Frame) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.limit {
		s.queue[0] = domain.Frame{}
		s.queue = s.queue[1:]
		s.dropped.Add(1)
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// end terminates the stream and discards anything still queued.
func (s *Subscription) end(cause error) bool {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.ended = true
	s.cause = cause
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
	return true
}
