package rtc

import (
	"context"
	"fmt"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

var DefaultICEServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

const DefaultCandidatePoolSize = 10

type Options struct {
	ICEServers        []string
	CandidatePoolSize uint8
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return configFor(Options{ICEServers: DefaultICEServers, CandidatePoolSize: DefaultCandidatePoolSize})
}

func configFor(opts Options) webrtc.Configuration {
	cfg := webrtc.Configuration{ICECandidatePoolSize: opts.CandidatePoolSize}
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	return cfg
}

// Factory builds started Connections sharing one pion API instance.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(opts Options) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{}}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api, cfg: configFor(opts)}, nil
}

// NewConnection satisfies core.ConnectionFactory.
func (f *Factory) NewConnection(ctx context.Context, remote domain.ParticipantID) (core.MediaConnection, error) {
	c, err := NewConnection(f.api, f.cfg, remote)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Configuration exposes the configuration every connection is built with.
func (f *Factory) Configuration() webrtc.Configuration { return f.cfg }
