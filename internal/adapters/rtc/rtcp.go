package rtc

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// rtcpStats counts receiver feedback for one sender.
type rtcpStats struct {
	pli  atomic.Uint64
	nack atomic.Uint64
	rr   atomic.Uint64
	lost atomic.Uint32
}

func (s *rtcpStats) observe(pkts []rtcp.Packet) (pli bool) {
	for _, p := range pkts {
		switch pkt := p.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			s.pli.Add(1)
			pli = true
		case *rtcp.TransportLayerNack:
			s.nack.Add(uint64(len(pkt.Nacks)))
		case *rtcp.ReceiverReport:
			s.rr.Add(1)
			for _, r := range pkt.Reports {
				s.lost.Store(r.TotalLost)
			}
		}
	}
	return pli
}

// readRTCP drains sender feedback until the sender is closed. The
// interceptors need RTCP to be read for NACK and reports to work.
func readRTCP(sender *webrtc.RTPSender, stats *rtcpStats, logger zerolog.Logger) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				logger.Debug().Err(err).Msg("rtcp reader stopped")
			}
			return
		}
		if stats.observe(pkts) {
			logger.Debug().Uint64("pli", stats.pli.Load()).Msg("keyframe requested")
		}
	}
}
