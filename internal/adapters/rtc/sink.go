package rtc

import (
	"fmt"
	"math/rand/v2"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
)

const (
	rtpMTU       = 1200
	h264Payload  = 96
	h264Clock    = 90000
	h264FmtpLine = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"
)

var h264Capability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeH264,
	ClockRate:   h264Clock,
	SDPFmtpLine: h264FmtpLine,
}

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// h264Sink packetizes Annex-B access units onto a local RTP track. The RTP
// timestamp is taken from the caller's 90 kHz clock, truncated to 32 bits.
// Not safe for concurrent use; each track has a single pump.
type h264Sink struct {
	out        rtpWriter
	packetizer rtp.Packetizer
	packets    uint64
}

func newH264Sink(out rtpWriter) *h264Sink {
	return &h264Sink{
		out: out,
		packetizer: rtp.NewPacketizer(
			rtpMTU, h264Payload, rand.Uint32(), &codecs.H264Payloader{},
			rtp.NewRandomSequencer(), h264Clock,
		),
	}
}

func (s *h264Sink) WriteFrame(data []byte, pts uint64) error {
	if len(data) == 0 {
		return nil
	}
	ts := uint32(pts)
	for _, p := range s.packetizer.Packetize(data, 0) {
		p.Timestamp = ts
		if err := s.out.WriteRTP(p); err != nil {
			return fmt.Errorf("write rtp: %w", err)
		}
		s.packets++
	}
	return nil
}

func (s *h264Sink) Packets() uint64 { return s.packets }
