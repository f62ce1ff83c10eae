package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

//go:generate mockgen -source=media_iface.go -destination=mocks/mock_media.go -package=mocks

// VideoSink accepts encoded frames for one outgoing track.
// pts is on the 90 kHz media clock.
type VideoSink interface {
	WriteFrame(data []byte, pts uint64) error
}

// PeerConnection is the part of a WebRTC peer connection the session layer drives.
type PeerConnection interface {
	// AddVideoSink attaches a local video track and returns its writer.
	AddVideoSink(trackID, streamID string) (VideoSink, error)
	// CreateAndSetOffer creates a local offer and waits for ICE gathering.
	CreateAndSetOffer(ctx context.Context) (*webrtc.SessionDescription, error)
	// ApplyOfferAndCreateAnswer applies a remote offer and returns the local answer.
	ApplyOfferAndCreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// ApplyAnswer applies a remote answer to a previously created offer.
	ApplyAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
	// Close stops all underlying media resources.
	Close() error
}

type PeerFactory interface {
	NewPeerConnection(sid SessionID) (PeerConnection, error)
}
