package mesh

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// recordingConn keeps remote candidates instead of handing them to ICE.
type recordingConn struct {
	core.MediaConnection

	mu      sync.Mutex
	applied []webrtc.ICECandidateInit
}

func (c *recordingConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = append(c.applied, ci)
	return nil
}

func (c *recordingConn) Applied() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.applied...)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	f, err := rtc.NewFactory(rtc.Options{})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	factory := func(ctx context.Context, remote domain.ParticipantID) (core.MediaConnection, error) {
		c, err := f.NewConnection(ctx, remote)
		if err != nil {
			return nil, err
		}
		return &recordingConn{MediaConnection: c}, nil
	}
	reg := NewRegistry(factory, media.NewSource(media.StaticDevices{}))
	t.Cleanup(reg.RemoveAll)
	return reg
}

func newTestEngine(t *testing.T, self domain.ParticipantID) *Engine {
	t.Helper()
	return NewEngine(self, newTestRegistry(t))
}

func recorded(t *testing.T, e *Engine, remote domain.ParticipantID) *recordingConn {
	t.Helper()
	p, ok := e.reg.GetPeer(remote)
	if !ok {
		t.Fatalf("no peer %s", remote)
	}
	return p.Conn().(*recordingConn)
}

// negotiate runs one full offer/answer round from a to b.
func negotiate(t *testing.T, a, b *Engine) {
	t.Helper()
	ctx := context.Background()
	offer, err := a.CreateOffer(ctx, b.self, nil)
	if err != nil {
		t.Fatalf("CreateOffer %s->%s: %v", a.self, b.self, err)
	}
	answer, err := b.HandleOffer(ctx, a.self, offer.SDP, nil)
	if err != nil {
		t.Fatalf("HandleOffer %s<-%s: %v", b.self, a.self, err)
	}
	if err := a.HandleAnswer(ctx, b.self, answer.SDP); err != nil {
		t.Fatalf("HandleAnswer %s<-%s: %v", a.self, b.self, err)
	}
}

func candidate(n string) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{
		Candidate:     "candidate:" + n + " 1 udp 2130706431 10.0.0." + n + " 5000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

type fakeTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
	release    chan struct{}
}

func newFakeTrack(id, stream string, kind webrtc.RTPCodecType) *fakeTrack {
	return &fakeTrack{id: id, stream: stream, kind: kind, release: make(chan struct{})}
}

func (f *fakeTrack) ID() string                { return f.id }
func (f *fakeTrack) StreamID() string          { return f.stream }
func (f *fakeTrack) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-f.release
	return nil, nil, io.EOF
}
