package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/camcast/internal/core"
	"github.com/dkeye/camcast/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Connection adapts *webrtc.PeerConnection to core.PeerConnection. It only
// sends video; remote tracks are ignored.
type Connection struct {
	pc            *webrtc.PeerConnection
	sid           core.SessionID
	gatherTimeout time.Duration
	logger        zerolog.Logger

	stats     rtcpStats
	closeOnce sync.Once
	closeErr  error
}

func newConnection(pc *webrtc.PeerConnection, sid core.SessionID, gatherTimeout time.Duration) *Connection {
	return &Connection{
		pc:            pc,
		sid:           sid,
		gatherTimeout: gatherTimeout,
		logger:        log.With().Str("module", "webrtc").Str("sid", string(sid)).Logger(),
	}
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Debug().Str("peer_connection_state", s.String()).Msg("Peer state")
		fn(s)
	})
}

func (c *Connection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
		fn(s)
	})
}

// AddVideoSink attaches a send-only H.264 track and starts its RTCP reader.
func (c *Connection) AddVideoSink(trackID, streamID string) (core.VideoSink, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(h264Capability, trackID, streamID)
	if err != nil {
		return nil, fmt.Errorf("new track: %w", err)
	}
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	go readRTCP(sender, &c.stats, c.logger)
	c.logger.Info().Str("track_id", trackID).Str("stream_id", streamID).Msg("video track added")
	return newH264Sink(track), nil
}

func (c *Connection) CreateAndSetOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	c.waitGathering(ctx, gatherComplete)
	return c.pc.LocalDescription(), nil
}

func (c *Connection) ApplyOfferAndCreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := validateDescription(offer, webrtc.SDPTypeOffer); err != nil {
		return nil, err
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote offer: %w: %w", domain.ErrNegotiationFailed, err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w: %w", domain.ErrNegotiationFailed, err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	c.waitGathering(ctx, gatherComplete)
	return c.pc.LocalDescription(), nil
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	if err := validateDescription(answer, webrtc.SDPTypeAnswer); err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w: %w", domain.ErrNegotiationFailed, err)
	}
	return nil
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// Close is safe to call more than once; later calls return the first result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.pc.Close()
		if c.closeErr != nil {
			c.logger.Error().Err(c.closeErr).Msg("close error")
			return
		}
		c.logger.Info().
			Uint64("pli", c.stats.pli.Load()).
			Uint64("nack", c.stats.nack.Load()).
			Uint64("rr", c.stats.rr.Load()).
			Msg("closed")
	})
	return c.closeErr
}

// waitGathering blocks until ICE gathering is done, ctx ends or the gather
// timeout passes. Whatever was gathered by then goes into the description;
// late candidates are lost since the server does not trickle.
func (c *Connection) waitGathering(ctx context.Context, done <-chan struct{}) {
	timer := time.NewTimer(c.gatherTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.logger.Warn().Dur("timeout", c.gatherTimeout).Msg("ICE gathering incomplete")
	case <-ctx.Done():
		c.logger.Warn().Err(ctx.Err()).Msg("ICE gathering interrupted")
	}
}
