package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/camcast/internal/core"
	"github.com/dkeye/camcast/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *wsSignalConn) {
	ticker := time.NewTicker(ctl.pingPeriod)
	defer func() {
		ticker.Stop()
		// Unblocks readPump, which owns the cleanup.
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("client", c.client).Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *wsSignalConn) {
	defer func() {
		cancel()
		sids := c.Close()
		for _, sid := range sids {
			if err := ctl.Orch.Hangup(sid); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("hangup on disconnect")
			}
		}
		log.Info().Str("module", "signal").Str("client", c.client).Int("sessions", len(sids)).Msg("readPump closing")
	}()

	c.conn.SetReadLimit(ctl.readLimit)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait())) }
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("client", c.client).Msg("readPump read error")
			}
			return
		}
		_ = extend()
		ctl.handleSignal(ctx, c, data)
	}
}

// Message is the envelope for every signaling message in both directions.
type Message struct {
	Type          string                 `json:"type"`
	SessionID     core.SessionID         `json:"sessionId,omitempty"`
	DeviceID      string                 `json:"deviceId,omitempty"`
	Options       *domain.CaptureOptions `json:"options,omitempty"`
	SDP           string                 `json:"sdp,omitempty"`
	Candidate     string                 `json:"candidate,omitempty"`
	SDPMid        *string                `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16                `json:"sdpMLineIndex,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Code          string                 `json:"code,omitempty"`
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, c *wsSignalConn, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "", ErrBadMessage)
		return
	}

	switch msg.Type {
	case "offer":
		ctl.handleOffer(ctx, c, msg)
	case "request_offer":
		ctl.handleRequestOffer(ctx, c, msg)
	case "answer":
		ctl.handleAnswer(c, msg)
	case "candidate":
		ctl.handleCandidate(c, msg)
	case "hangup":
		ctl.handleHangup(c, msg)
	case "ping":
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("type", msg.Type).Msg("unknown signal")
		ctl.sendError(c, msg.SessionID, ErrBadMessage)
	}
}

func (ctl *SignalWSController) sendJSON(c *wsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("client", c.client).Msg("message dropped")
	}
}

func (ctl *SignalWSController) sendError(c *wsSignalConn, sid core.SessionID, err error) {
	_, code := Classify(err)
	ctl.sendJSON(c, Message{Type: "error", SessionID: sid, Error: err.Error(), Code: code})
}
