package rtc

import (
	"fmt"
	"strings"

	"github.com/dkeye/camcast/internal/domain"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// validateDescription rejects remote descriptions we cannot negotiate
// before they reach the PeerConnection, so the caller gets a clear
// domain.ErrNegotiationFailed instead of a transport error.
func validateDescription(desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return fmt.Errorf("expected %s, got %s: %w", want, desc.Type, domain.ErrNegotiationFailed)
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return fmt.Errorf("empty %s: %w", want, domain.ErrNegotiationFailed)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("parse %s: %w: %w", want, domain.ErrNegotiationFailed, err)
	}
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media != "video" {
			continue
		}
		if _, inactive := md.Attribute("inactive"); inactive {
			continue
		}
		if want == webrtc.SDPTypeOffer {
			if _, sendonly := md.Attribute("sendonly"); sendonly {
				continue
			}
		}
		return nil
	}
	return fmt.Errorf("%s has no usable video section: %w", want, domain.ErrNegotiationFailed)
}
