// Package session holds the per-peer lifecycle and the registry of live
// sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/camcast/internal/app/relay"
	"github.com/dkeye/camcast/internal/app/track"
	"github.com/dkeye/camcast/internal/core"
	"github.com/dkeye/camcast/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const (
	defaultPumpWait = 2 * time.Second

	// DefaultAnswerTimeout bounds how long a server offer waits for the
	// remote answer.
	DefaultAnswerTimeout = 30 * time.Second
)

// DeviceSubscriber hands out relay subscriptions.
type DeviceSubscriber interface {
	Subscribe(ctx context.Context, id domain.DeviceID, opts domain.CaptureOptions) (*relay.Subscription, error)
}

// Info is a point-in-time view of a session.
type Info struct {
	ID        core.SessionID  `json:"sessionId"`
	Client    string          `json:"client,omitempty"`
	Device    domain.DeviceID `json:"device"`
	State     ConnectionState `json:"state"`
	Ice       IceState        `json:"iceState"`
	Frames    uint64          `json:"frames"`
	CreatedAt time.Time       `json:"createdAt"`
}

type mediaPair struct {
	track *track.MediaTrack
	sink  core.VideoSink
}

// PeerSession drives one PeerConnection from offer to close and owns the
// tracks feeding it. Close is the single exit for every path.
type PeerSession struct {
	id        core.SessionID
	client    string
	createdAt time.Time
	pc        core.PeerConnection
	relay     DeviceSubscriber
	registry  *Registry
	logger    zerolog.Logger
	pumpWait  time.Duration

	mu            sync.Mutex
	state         ConnectionState
	ice           IceState
	device        domain.DeviceID
	media         []mediaPair
	started       bool
	cause         error
	answerTimeout time.Duration
	answerTimer   *time.Timer

	ctx     context.Context
	cancel  context.CancelFunc
	pumps   conc.WaitGroup
	closing atomic.Bool
	closed  chan struct{}
}

// New wraps pc and wires its state observers. The session is registered
// only once negotiation has produced a description.
func New(id core.SessionID, client string, pc core.PeerConnection, subs DeviceSubscriber, registry *Registry) *PeerSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &PeerSession{
		id:            id,
		client:        client,
		createdAt:     time.Now(),
		pc:            pc,
		relay:         subs,
		registry:      registry,
		logger:        log.With().Str("module", "session").Str("sid", string(id)).Logger(),
		pumpWait:      defaultPumpWait,
		answerTimeout: DefaultAnswerTimeout,
		ctx:           ctx,
		cancel:        cancel,
		closed:        make(chan struct{}),
	}
	pc.OnConnectionStateChange(s.OnConnectionStateChange)
	pc.OnICEConnectionStateChange(s.OnICEConnectionStateChange)
	return s
}

// SetAnswerTimeout changes how long CreateOffer waits for the answer.
// Non-positive values keep the default. Call it before CreateOffer.
func (s *PeerSession) SetAnswerTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.answerTimeout = d
	s.mu.Unlock()
}

func (s *PeerSession) ID() core.SessionID { return s.id }
func (s *PeerSession) Client() string     { return s.client }
func (s *PeerSession) Closing() bool      { return s.closing.Load() }

// Done is closed when Close has finished releasing everything.
func (s *PeerSession) Done() <-chan struct{} { return s.closed }

func (s *PeerSession) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *PeerSession) IceState() IceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ice
}

// Err returns the reason the session failed, if it did.
func (s *PeerSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

func (s *PeerSession) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	var frames uint64
	for _, m := range s.media {
		frames += m.track.Delivered()
	}
	return Info{
		ID:        s.id,
		Client:    s.client,
		Device:    s.device,
		State:     s.state,
		Ice:       s.ice,
		Frames:    frames,
		CreatedAt: s.createdAt,
	}
}

// CreateOffer runs the server-offer flow: subscribe to device, attach the
// track, produce a local offer, then register. Any failure closes the
// session before returning.
func (s *PeerSession) CreateOffer(ctx context.Context, device domain.DeviceID, opts domain.CaptureOptions) (*webrtc.SessionDescription, error) {
	if err := s.attach(ctx, device, opts); err != nil {
		s.abort(err)
		return nil, err
	}
	offer, err := s.pc.CreateAndSetOffer(ctx)
	if err != nil {
		err = negotiationErr("create offer", err)
		s.fail(err)
		return nil, err
	}
	if err := s.register(); err != nil {
		return nil, err
	}
	s.armAnswerTimer()
	s.logger.Info().Str("device", string(device)).Msg("offer created")
	return offer, nil
}

// AcceptOffer runs the client-offer flow and returns the local answer.
func (s *PeerSession) AcceptOffer(ctx context.Context, device domain.DeviceID, opts domain.CaptureOptions, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := s.attach(ctx, device, opts); err != nil {
		s.abort(err)
		return nil, err
	}
	answer, err := s.pc.ApplyOfferAndCreateAnswer(ctx, offer)
	if err != nil {
		err = negotiationErr("answer offer", err)
		s.fail(err)
		return nil, err
	}
	if err := s.register(); err != nil {
		return nil, err
	}
	s.startPumps()
	s.logger.Info().Str("device", string(device)).Msg("offer answered")
	return answer, nil
}

// AcceptAnswer applies the remote answer. State changes arrive later via
// the connection observers.
func (s *PeerSession) AcceptAnswer(answer webrtc.SessionDescription) error {
	if !s.disarmAnswerTimer() || s.closing.Load() {
		return fmt.Errorf("%s: %w", s.id, domain.ErrSessionNotFound)
	}
	if err := s.pc.ApplyAnswer(answer); err != nil {
		err = negotiationErr("apply answer", err)
		s.fail(err)
		return err
	}
	s.startPumps()
	s.logger.Info().Msg("answer applied")
	return nil
}

// AddICECandidate feeds a trickled remote candidate. A bad candidate is
// reported but does not end the session.
func (s *PeerSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	if s.closing.Load() {
		return fmt.Errorf("%s: %w", s.id, domain.ErrSessionNotFound)
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		s.logger.Warn().Err(err).Msg("remote candidate rejected")
		return negotiationErr("add candidate", err)
	}
	return nil
}

// OnConnectionStateChange is the PeerConnection state observer.
func (s *PeerSession) OnConnectionStateChange(st webrtc.PeerConnectionState) {
	s.logger.Info().Str("peer_connection_state", st.String()).Msg("peer state")
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.move(StateConnected)
	case webrtc.PeerConnectionStateFailed:
		s.fail(errors.New("peer connection failed"))
	case webrtc.PeerConnectionStateClosed:
		go s.Close()
	}
}

// OnICEConnectionStateChange is the ICE state observer.
func (s *PeerSession) OnICEConnectionStateChange(st webrtc.ICEConnectionState) {
	ice := iceStateOf(st)
	s.mu.Lock()
	s.ice = ice
	s.mu.Unlock()
	s.logger.Info().Str("ice_state", st.String()).Msg("ICE state")

	switch ice {
	case IceFailed:
		s.fail(errors.New("ice failed"))
	case IceClosed:
		go s.Close()
	}
}

// Close releases tracks, the peer connection and the registry entry, in
// that order, and leaves the session Closed. Concurrent callers wait for
// the first one and get nil.
func (s *PeerSession) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		<-s.closed
		return nil
	}
	defer close(s.closed)

	s.cancel()
	s.mu.Lock()
	media := s.media
	if s.answerTimer != nil {
		s.answerTimer.Stop()
	}
	s.mu.Unlock()
	for _, m := range media {
		m.track.Close()
	}
	s.waitPumps()

	var err error
	if cerr := s.pc.Close(); cerr != nil {
		err = fmt.Errorf("close peer connection: %w", cerr)
		s.logger.Error().Err(cerr).Msg("close peer connection")
	}
	if s.registry != nil {
		s.registry.Remove(s.id)
	}
	s.move(StateClosed)
	s.logger.Info().Int("tracks", len(media)).Msg("session closed")
	return err
}

func (s *PeerSession) attach(ctx context.Context, device domain.DeviceID, opts domain.CaptureOptions) error {
	s.mu.Lock()
	s.device = device
	s.mu.Unlock()

	sub, err := s.relay.Subscribe(ctx, device, opts)
	if err != nil {
		return err
	}
	tr := track.New(fmt.Sprintf("%s-video", s.id), sub)
	sink, err := s.pc.AddVideoSink("video", "camcast-"+string(s.id))
	if err != nil {
		tr.Close()
		return fmt.Errorf("add video track: %w", err)
	}
	s.mu.Lock()
	s.media = append(s.media, mediaPair{track: tr, sink: sink})
	s.mu.Unlock()
	return nil
}

// register moves to Negotiating and publishes the session. A session that
// was closed meanwhile is not published.
func (s *PeerSession) register() error {
	s.move(StateNegotiating)
	if s.registry == nil {
		return nil
	}
	if err := s.registry.Add(s); err != nil {
		s.abort(err)
		return err
	}
	return nil
}

// armAnswerTimer fails the session if no answer arrives in time.
func (s *PeerSession) armAnswerTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return
	}
	d := s.answerTimeout
	s.answerTimer = time.AfterFunc(d, func() {
		s.fail(fmt.Errorf("no answer within %s: %w", d, domain.ErrNegotiationFailed))
	})
}

// disarmAnswerTimer reports false when the deadline already fired.
func (s *PeerSession) disarmAnswerTimer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answerTimer == nil {
		return true
	}
	if !s.answerTimer.Stop() {
		return false
	}
	s.answerTimer = nil
	return true
}

// startPumps is a no-op after the first call or once closing.
func (s *PeerSession) startPumps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closing.Load() {
		return
	}
	s.started = true
	for _, m := range s.media {
		s.pumps.Go(func() {
			err := m.track.Pump(s.ctx, m.sink)
			s.onTrackEnd(m.track, err)
		})
	}
}

// onTrackEnd runs on the pump goroutine, so closing is handed off.
func (s *PeerSession) onTrackEnd(tr *track.MediaTrack, err error) {
	if s.closing.Load() || errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, domain.ErrReadFailure) {
		s.logger.Warn().Err(err).Str("track", tr.ID()).Msg("camera lost, failing session")
		go s.fail(err)
		return
	}
	s.logger.Info().Err(err).Str("track", tr.ID()).Msg("track ended, closing session")
	go s.Close()
}

func (s *PeerSession) waitPumps() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if rec := s.pumps.WaitAndRecover(); rec != nil {
			s.logger.Error().Str("panic", rec.String()).Msg("track pump panicked")
		}
	}()
	select {
	case <-done:
	case <-time.After(s.pumpWait):
		s.logger.Warn().Dur("wait", s.pumpWait).Msg("track pumps did not stop in time")
	}
}

// fail records cause, moves to Failed and closes.
func (s *PeerSession) fail(cause error) {
	s.mu.Lock()
	if s.cause == nil {
		s.cause = cause
	}
	s.mu.Unlock()
	if s.move(StateFailed) {
		s.logger.Warn().Err(cause).Msg("session failed")
	}
	_ = s.Close()
}

// abort closes a session that never got going, keeping the original error.
func (s *PeerSession) abort(cause error) {
	s.mu.Lock()
	if s.cause == nil {
		s.cause = cause
	}
	s.mu.Unlock()
	_ = s.Close()
}

func (s *PeerSession) move(to ConnectionState) bool {
	s.mu.Lock()
	from := s.state
	ok := canMove(from, to)
	if ok {
		s.state = to
	}
	s.mu.Unlock()
	if ok {
		s.logger.Debug().Str("from", from.String()).Str("state", to.String()).Msg("state change")
	}
	return ok
}

func negotiationErr(op string, err error) error {
	if errors.Is(err, domain.ErrNegotiationFailed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrNegotiationFailed, err)
}
