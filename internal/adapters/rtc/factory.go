package rtc

import (
	"fmt"
	"time"

	"github.com/dkeye/camcast/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

const defaultGatherTimeout = 5 * time.Second

type FactoryConfig struct {
	ICEServers    []string
	GatherTimeout time.Duration
	UDPPortMin    uint16
	UDPPortMax    uint16
	NAT1To1IPs    []string
	LoggerFactory logging.LoggerFactory
}

// Factory builds PeerConnections sharing one pion API: H.264 capable media
// engine, default interceptors and the configured network settings.
type Factory struct {
	api           *webrtc.API
	config        webrtc.Configuration
	gatherTimeout time.Duration
}

var _ core.PeerFactory = (*Factory)(nil)

func NewFactory(cfg FactoryConfig) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	}
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}
	if len(cfg.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	gather := cfg.GatherTimeout
	if gather <= 0 {
		gather = defaultGatherTimeout
	}
	return &Factory{api: api, config: buildConfiguration(cfg.ICEServers), gatherTimeout: gather}, nil
}

func buildConfiguration(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	}
}

func (f *Factory) NewPeerConnection(sid core.SessionID) (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newConnection(pc, sid, f.gatherTimeout), nil
}
