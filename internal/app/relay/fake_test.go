package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/camcast/internal/core"
	"github.com/dkeye/camcast/internal/domain"
	"github.com/rs/zerolog"
)

type fakeSource struct {
	frames chan domain.Frame
	fail   chan error
	stop   chan struct{}
	once   sync.Once
	closes atomic.Int32

	closeDelay time.Duration
	onClose    func()
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		frames: make(chan domain.Frame),
		fail:   make(chan error, 1),
		stop:   make(chan struct{}),
	}
}

func (s *fakeSource) Read() (domain.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.fail:
		return domain.Frame{}, err
	case <-s.stop:
		return domain.Frame{}, io.EOF
	}
}

func (s *fakeSource) Close() error {
	s.closes.Add(1)
	s.once.Do(func() {
		time.Sleep(s.closeDelay)
		if s.onClose != nil {
			s.onClose()
		}
		close(s.stop)
	})
	return nil
}

func (s *fakeSource) isClosed() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// send delivers f to the capture loop or fails the test.
func (s *fakeSource) send(t *testing.T, f domain.Frame) {
	t.Helper()
	select {
	case s.frames <- f:
	case <-time.After(time.Second):
		t.Fatal("capture loop did not take frame")
	}
}

type fakeOpener struct {
	mu      sync.Mutex
	opens   map[domain.DeviceID]int
	sources []*fakeSource
	err     error
	gate    chan struct{}

	// closeDelay makes every source slow to release its device.
	closeDelay time.Duration
	live       atomic.Int32
	peak       atomic.Int32
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{opens: make(map[domain.DeviceID]int)}
}

func (o *fakeOpener) Open(ctx context.Context, id domain.DeviceID, _ domain.CaptureOptions) (core.FrameSource, error) {
	if o.gate != nil {
		select {
		case <-o.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens[id]++
	if o.err != nil {
		return nil, o.err
	}
	src := newFakeSource()
	src.closeDelay = o.closeDelay
	src.onClose = func() { o.live.Add(-1) }
	if n := o.live.Add(1); n > o.peak.Load() {
		o.peak.Store(n)
	}
	o.sources = append(o.sources, src)
	return src, nil
}

func (o *fakeOpener) openCount(id domain.DeviceID) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[id]
}

func (o *fakeOpener) source(i int) *fakeSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sources[i]
}

var errDeviceBusy = errors.New("device busy")

func nextFrame(t *testing.T, sub *Subscription) domain.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next frame: %v", err)
	}
	return f
}

func waitDone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not end")
	}
}

func testLogger() zerolog.Logger { return zerolog.Nop() }
