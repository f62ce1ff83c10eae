package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/camcast/internal/adapters/signal"
	"github.com/dkeye/camcast/internal/app/orch"
	"github.com/dkeye/camcast/internal/core"
	"github.com/dkeye/camcast/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	orch    *orch.Orchestrator
	limiter *signal.RateLimiter
}

type offerRequest struct {
	SDP      string                 `json:"sdp"`
	Type     string                 `json:"type"`
	DeviceID string                 `json:"deviceId"`
	Legacy   string                 `json:"device_id"`
	Options  *domain.CaptureOptions `json:"options"`
}

func (r offerRequest) device() (domain.DeviceID, error) {
	raw := r.DeviceID
	if raw == "" {
		raw = r.Legacy
	}
	return domain.NewDeviceID(raw)
}

func (r offerRequest) options() domain.CaptureOptions {
	if r.Options == nil {
		return domain.CaptureOptions{}
	}
	return *r.Options
}

type descriptionResponse struct {
	SessionID core.SessionID `json:"sessionId"`
	SDP       string         `json:"sdp"`
	Type      string         `json:"type"`
}

// fail writes err as {"error", "code"} with the matching status.
func fail(c *gin.Context, err error) {
	status, code := signal.Classify(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": code})
}

func badRequest(c *gin.Context, err error) {
	fail(c, errors.Join(signal.ErrBadMessage, err))
}

// offer answers a browser-generated offer in one round trip.
func (h *handlers) offer(c *gin.Context) {
	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	device, err := req.device()
	if err != nil {
		fail(c, err)
		return
	}
	if !h.limiter.Allow(c.GetString(clientTokenKey)) {
		fail(c, signal.ErrRateLimited)
		return
	}
	if req.Type == "" {
		req.Type = webrtc.SDPTypeOffer.String()
	}

	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(req.Type), SDP: req.SDP}
	sid, answer, err := h.orch.Answer(c.Request.Context(), c.GetString(clientTokenKey), device, req.options(), desc)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, descriptionResponse{SessionID: sid, SDP: answer.SDP, Type: answer.Type.String()})
}

// createSession starts a server-offer session.
func (h *handlers) createSession(c *gin.Context) {
	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	device, err := req.device()
	if err != nil {
		fail(c, err)
		return
	}
	if !h.limiter.Allow(c.GetString(clientTokenKey)) {
		fail(c, signal.ErrRateLimited)
		return
	}

	sid, offer, err := h.orch.CreateOffer(c.Request.Context(), c.GetString(clientTokenKey), device, req.options())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, descriptionResponse{SessionID: sid, SDP: offer.SDP, Type: offer.Type.String()})
}

func (h *handlers) answer(c *gin.Context) {
	var req struct {
		SDP  string `json:"sdp"`
		Type string `json:"type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Type == "" {
		req.Type = webrtc.SDPTypeAnswer.String()
	}
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(req.Type), SDP: req.SDP}
	if err := h.orch.AcceptAnswer(core.SessionID(c.Param("id")), desc); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) candidate(c *gin.Context) {
	var cand webrtc.ICECandidateInit
	if err := c.ShouldBindJSON(&cand); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.orch.AddICECandidate(core.SessionID(c.Param("id")), cand); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) hangup(c *gin.Context) {
	if err := h.orch.Hangup(core.SessionID(c.Param("id"))); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// hangupClient closes every session of the calling client.
func (h *handlers) hangupClient(c *gin.Context) {
	n := h.orch.HangupClient(c.GetString(clientTokenKey))
	c.JSON(http.StatusOK, gin.H{"closed": n})
}

func (h *handlers) sessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Sessions())
}

func (h *handlers) devices(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Devices())
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": h.orch.Registry.Len()})
}
