package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/camcast/internal/app/session"
	"github.com/dkeye/camcast/internal/core"
	"github.com/dkeye/camcast/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// CreateOffer starts a server-offer session for device and returns its
// offer. The caller completes it with AcceptAnswer.
func (o *Orchestrator) CreateOffer(ctx context.Context, client string, device domain.DeviceID, opts domain.CaptureOptions) (core.SessionID, *webrtc.SessionDescription, error) {
	s, err := o.newSession(client, device)
	if err != nil {
		return "", nil, err
	}
	ctx, cancel := o.negotiationContext(ctx)
	defer cancel()

	offer, err := s.CreateOffer(ctx, device, opts.WithDefaults(o.Defaults))
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(s.ID())).Str("device", string(device)).Msg("create offer failed")
		return "", nil, err
	}
	return s.ID(), offer, nil
}

// Answer runs the client-offer flow in one step.
func (o *Orchestrator) Answer(ctx context.Context, client string, device domain.DeviceID, opts domain.CaptureOptions, offer webrtc.SessionDescription) (core.SessionID, *webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return "", nil, fmt.Errorf("expected offer, got %s: %w", offer.Type, domain.ErrNegotiationFailed)
	}
	s, err := o.newSession(client, device)
	if err != nil {
		return "", nil, err
	}
	ctx, cancel := o.negotiationContext(ctx)
	defer cancel()

	answer, err := s.AcceptOffer(ctx, device, opts.WithDefaults(o.Defaults), offer)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(s.ID())).Str("device", string(device)).Msg("answer failed")
		return "", nil, err
	}
	return s.ID(), answer, nil
}

func (o *Orchestrator) AcceptAnswer(sid core.SessionID, answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("expected answer, got %s: %w", answer.Type, domain.ErrNegotiationFailed)
	}
	s, err := o.lookup(sid)
	if err != nil {
		return err
	}
	return s.AcceptAnswer(answer)
}

func (o *Orchestrator) AddICECandidate(sid core.SessionID, c webrtc.ICECandidateInit) error {
	s, err := o.lookup(sid)
	if err != nil {
		return err
	}
	return s.AddICECandidate(c)
}

func (o *Orchestrator) newSession(client string, device domain.DeviceID) (*session.PeerSession, error) {
	if device == "" {
		return nil, domain.ErrInvalidDevice
	}
	sid := core.NewSessionID()
	pc, err := o.Peers.NewPeerConnection(sid)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	s := session.New(sid, client, pc, o.Relay, o.Registry)
	s.SetAnswerTimeout(o.AnswerTimeout)
	return s, nil
}
