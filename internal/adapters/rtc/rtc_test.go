package rtc

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/camcast/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const videoOffer = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=recvonly\r\n" +
	"a=rtpmap:96 H264/90000\r\n"

func TestValidateDescription(t *testing.T) {
	audioOnly := strings.Replace(videoOffer, "m=video 9 UDP/TLS/RTP/SAVPF 96", "m=audio 9 UDP/TLS/RTP/SAVPF 111", 1)
	sendOnly := strings.Replace(videoOffer, "a=recvonly", "a=sendonly", 1)

	tests := []struct {
		name    string
		desc    webrtc.SessionDescription
		want    webrtc.SDPType
		wantErr bool
	}{
		{"valid offer", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: videoOffer}, webrtc.SDPTypeOffer, false},
		{"wrong type", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: videoOffer}, webrtc.SDPTypeOffer, true},
		{"empty", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "  "}, webrtc.SDPTypeOffer, true},
		{"garbage", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "hello"}, webrtc.SDPTypeOffer, true},
		{"audio only", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: audioOnly}, webrtc.SDPTypeOffer, true},
		{"offer only sends", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sendOnly}, webrtc.SDPTypeOffer, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDescription(tt.desc, tt.want)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrNegotiationFailed) {
					t.Fatalf("expected ErrNegotiationFailed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

type packetLog struct {
	pkts []*rtp.Packet
	err  error
}

func (l *packetLog) WriteRTP(p *rtp.Packet) error {
	if l.err != nil {
		return l.err
	}
	l.pkts = append(l.pkts, p)
	return nil
}

func TestSinkPacketizesWithCallerClock(t *testing.T) {
	out := &packetLog{}
	s := newH264Sink(out)

	frame := append([]byte{0, 0, 0, 1, 0x65}, bytes.Repeat([]byte{0xAB}, 3000)...)
	pts := uint64(1)<<32 + 4500
	if err := s.WriteFrame(frame, pts); err != nil {
		t.Fatal(err)
	}

	if len(out.pkts) < 3 {
		t.Fatalf("expected fragmentation, got %d packets", len(out.pkts))
	}
	for i, p := range out.pkts {
		if p.Timestamp != 4500 {
			t.Fatalf("packet %d: expected timestamp 4500, got %d", i, p.Timestamp)
		}
		if len(p.Payload) > rtpMTU {
			t.Fatalf("packet %d exceeds mtu: %d", i, len(p.Payload))
		}
		if p.Marker != (i == len(out.pkts)-1) {
			t.Fatalf("packet %d: unexpected marker %v", i, p.Marker)
		}
	}
	if s.Packets() != uint64(len(out.pkts)) {
		t.Fatalf("packet count mismatch: %d vs %d", s.Packets(), len(out.pkts))
	}

	if err := s.WriteFrame(nil, 9000); err != nil || len(out.pkts) != int(s.Packets()) {
		t.Fatal("empty frame must be a no-op")
	}
}

func TestSinkReportsWriteError(t *testing.T) {
	closed := errors.New("closed pipe")
	s := newH264Sink(&packetLog{err: closed})
	if err := s.WriteFrame([]byte{0, 0, 0, 1, 0x65, 1, 2, 3}, 0); !errors.Is(err, closed) {
		t.Fatalf("expected write error, got %v", err)
	}
}

func TestRTCPStats(t *testing.T) {
	var st rtcpStats
	pli := st.observe([]rtcp.Packet{
		&rtcp.ReceiverReport{Reports: []rtcp.ReceptionReport{{TotalLost: 7}}},
		&rtcp.TransportLayerNack{Nacks: []rtcp.NackPair{{PacketID: 1}, {PacketID: 9}}},
	})
	if pli {
		t.Fatal("no keyframe request expected")
	}
	if !st.observe([]rtcp.Packet{&rtcp.PictureLossIndication{}}) {
		t.Fatal("PLI not detected")
	}
	if st.rr.Load() != 1 || st.nack.Load() != 2 || st.lost.Load() != 7 || st.pli.Load() != 1 {
		t.Fatalf("unexpected stats rr=%d nack=%d lost=%d pli=%d", st.rr.Load(), st.nack.Load(), st.lost.Load(), st.pli.Load())
	}
}

func TestLoggerFactory(t *testing.T) {
	var buf bytes.Buffer
	lf := NewLoggerFactory(zerolog.New(&buf), zerolog.InfoLevel)
	l := lf.NewLogger("ice")

	l.Debug("hidden")
	l.Infof("selected pair %d", 3)
	l.Errorf("boom %s", "now")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatal("debug record leaked past min level")
	}
	for _, want := range []string{`"module":"pion.ice"`, "selected pair 3", "boom now", `"level":"error"`} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %s", want, out)
		}
	}
}

// browserPeer plays the remote side with a plain pion PeerConnection.
func browserPeer(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	f, err := NewFactory(FactoryConfig{
		GatherTimeout: 3 * time.Second,
		LoggerFactory: NewLoggerFactory(zerolog.Nop(), zerolog.Disabled),
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestClientOfferNegotiation(t *testing.T) {
	f := newTestFactory(t)
	conn, err := f.NewPeerConnection("s1")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.AddVideoSink("video", "camcast-s1"); err != nil {
		t.Fatal(err)
	}

	browser := browserPeer(t)
	if _, err := browser.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		t.Fatal(err)
	}
	offer, err := browser.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gathered := webrtc.GatheringCompletePromise(browser)
	if err := browser.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	<-gathered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	answer, err := conn.ApplyOfferAndCreateAnswer(ctx, *browser.LocalDescription())
	if err != nil {
		t.Fatal(err)
	}
	if answer.Type != webrtc.SDPTypeAnswer || !strings.Contains(answer.SDP, "H264") {
		t.Fatalf("unexpected answer: %s", answer.SDP)
	}
	if err := browser.SetRemoteDescription(*answer); err != nil {
		t.Fatal(err)
	}
}

func TestServerOfferNegotiation(t *testing.T) {
	f := newTestFactory(t)
	conn, err := f.NewPeerConnection("s2")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.AddVideoSink("video", "camcast-s2"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	offer, err := conn.CreateAndSetOffer(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if offer.Type != webrtc.SDPTypeOffer || !strings.Contains(offer.SDP, "m=video") {
		t.Fatalf("unexpected offer: %s", offer.SDP)
	}

	browser := browserPeer(t)
	if err := browser.SetRemoteDescription(*offer); err != nil {
		t.Fatal(err)
	}
	answer, err := browser.CreateAnswer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := browser.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	if err := conn.ApplyAnswer(*browser.LocalDescription()); err != nil {
		t.Fatal(err)
	}

	bad := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "nonsense"}
	if err := conn.ApplyAnswer(bad); !errors.Is(err, domain.ErrNegotiationFailed) {
		t.Fatalf("expected ErrNegotiationFailed, got %v", err)
	}
}

func TestConnectionCloseTwice(t *testing.T) {
	f := newTestFactory(t)
	conn, err := f.NewPeerConnection("s3")
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
