package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/camcast/internal/app/relay"
	"github.com/dkeye/camcast/internal/core"
	"github.com/dkeye/camcast/internal/core/mocks"
	"github.com/dkeye/camcast/internal/domain"
	"github.com/pion/webrtc/v4"
	"go.uber.org/mock/gomock"
)

type stubSource struct {
	start time.Time
	fail  chan error
	stop  chan struct{}
	once  sync.Once
}

func (s *stubSource) Read() (domain.Frame, error) {
	select {
	case err := <-s.fail:
		return domain.Frame{}, err
	case <-s.stop:
		return domain.Frame{}, io.EOF
	case <-time.After(5 * time.Millisecond):
		return domain.Frame{Data: []byte{0, 0, 0, 1, 0x65}, Timestamp: time.Since(s.start), Keyframe: true}, nil
	}
}

func (s *stubSource) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *stubSource) closed() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

type stubOpener struct {
	mu   sync.Mutex
	srcs []*stubSource
	err  error
}

func (o *stubOpener) Open(context.Context, domain.DeviceID, domain.CaptureOptions) (core.FrameSource, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	s := &stubSource{start: time.Now(), fail: make(chan error, 1), stop: make(chan struct{})}
	o.srcs = append(o.srcs, s)
	return s, nil
}

func (o *stubOpener) last() *stubSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.srcs[len(o.srcs)-1]
}

type nopSink struct{}

func (nopSink) WriteFrame([]byte, uint64) error { return nil }

// peer bundles a mock PeerConnection with the observers the session
// registered on it.
type peer struct {
	pc      *mocks.MockPeerConnection
	mu      sync.Mutex
	onState func(webrtc.PeerConnectionState)
	onICE   func(webrtc.ICEConnectionState)
}

func newPeer(ctrl *gomock.Controller) *peer {
	p := &peer{pc: mocks.NewMockPeerConnection(ctrl)}
	p.pc.EXPECT().OnConnectionStateChange(gomock.Any()).Do(func(fn func(webrtc.PeerConnectionState)) {
		p.mu.Lock()
		p.onState = fn
		p.mu.Unlock()
	})
	p.pc.EXPECT().OnICEConnectionStateChange(gomock.Any()).Do(func(fn func(webrtc.ICEConnectionState)) {
		p.mu.Lock()
		p.onICE = fn
		p.mu.Unlock()
	})
	return p
}

func (p *peer) state(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(st)
}

func (p *peer) ice(st webrtc.ICEConnectionState) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	fn(st)
}

type fixture struct {
	ctrl     *gomock.Controller
	opener   *stubOpener
	relay    *relay.DeviceRelay
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	op := &stubOpener{}
	r := relay.NewDeviceRelay(op, 4)
	t.Cleanup(r.Close)
	return &fixture{
		ctrl:     gomock.NewController(t),
		opener:   op,
		relay:    r,
		registry: NewRegistry(),
	}
}

func (f *fixture) session(p *peer) *PeerSession {
	return New(core.NewSessionID(), "client-1", p.pc, f.relay, f.registry)
}

var offerSDP = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}

func waitClosed(t *testing.T, s *PeerSession) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s did not close", s.ID())
	}
}
