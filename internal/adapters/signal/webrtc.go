package signal

import (
	"context"

	"github.com/dkeye/camcast/internal/core"
	"github.com/dkeye/camcast/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// target validates the device and options of an offer-type message.
func target(msg Message) (domain.DeviceID, domain.CaptureOptions, error) {
	device, err := domain.NewDeviceID(msg.DeviceID)
	if err != nil {
		return "", domain.CaptureOptions{}, err
	}
	var opts domain.CaptureOptions
	if msg.Options != nil {
		opts = *msg.Options
	}
	return device, opts, nil
}

// handleOffer answers a browser offer.
func (ctl *SignalWSController) handleOffer(ctx context.Context, c *wsSignalConn, msg Message) {
	if !ctl.Limiter.Allow(c.client) {
		ctl.sendError(c, "", ErrRateLimited)
		return
	}
	device, opts, err := target(msg)
	if err != nil {
		ctl.sendError(c, "", err)
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}
	sid, answer, err := ctl.Orch.Answer(ctx, c.client, device, opts, offer)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("device", string(device)).Msg("offer rejected")
		ctl.sendError(c, "", err)
		return
	}
	ctl.sendJSON(c, Message{Type: "answer", SessionID: sid, SDP: answer.SDP})
	ctl.adopt(ctx, c, sid)
}

// handleRequestOffer starts a server-offer session; the browser replies
// with an answer message.
func (ctl *SignalWSController) handleRequestOffer(ctx context.Context, c *wsSignalConn, msg Message) {
	if !ctl.Limiter.Allow(c.client) {
		ctl.sendError(c, "", ErrRateLimited)
		return
	}
	device, opts, err := target(msg)
	if err != nil {
		ctl.sendError(c, "", err)
		return
	}

	sid, offer, err := ctl.Orch.CreateOffer(ctx, c.client, device, opts)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("device", string(device)).Msg("offer request failed")
		ctl.sendError(c, "", err)
		return
	}
	ctl.sendJSON(c, Message{Type: "offer", SessionID: sid, SDP: offer.SDP})
	ctl.adopt(ctx, c, sid)
}

func (ctl *SignalWSController) handleAnswer(c *wsSignalConn, msg Message) {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
	if err := ctl.Orch.AcceptAnswer(msg.SessionID, answer); err != nil {
		ctl.sendError(c, msg.SessionID, err)
		return
	}
	ctl.sendJSON(c, Message{Type: "accepted", SessionID: msg.SessionID})
}

func (ctl *SignalWSController) handleCandidate(c *wsSignalConn, msg Message) {
	cand := webrtc.ICECandidateInit{
		Candidate:     msg.Candidate,
		SDPMid:        msg.SDPMid,
		SDPMLineIndex: msg.SDPMLineIndex,
	}
	if err := ctl.Orch.AddICECandidate(msg.SessionID, cand); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(msg.SessionID)).Msg("add ice candidate")
		ctl.sendError(c, msg.SessionID, err)
	}
}

// adopt ties sid to the socket: it is closed when the socket drops, and the
// browser hears about it when it closes on its own.
func (ctl *SignalWSController) adopt(ctx context.Context, c *wsSignalConn, sid core.SessionID) {
	if !c.own(sid) {
		_ = ctl.Orch.Hangup(sid)
		return
	}
	done, err := ctl.Orch.Done(sid)
	if err != nil {
		c.disown(sid)
		ctl.sendJSON(c, Message{Type: "closed", SessionID: sid})
		return
	}
	go func() {
		select {
		case <-done:
			if c.disown(sid) {
				ctl.sendJSON(c, Message{Type: "closed", SessionID: sid})
			}
		case <-ctx.Done():
		}
	}()
}
