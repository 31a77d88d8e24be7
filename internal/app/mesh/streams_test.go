package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/transport/v3/test"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// iceRelay holds candidates until open, then hands them to deliver.
type iceRelay struct {
	mu      sync.Mutex
	ready   bool
	queued  []webrtc.ICECandidateInit
	deliver func(webrtc.ICECandidateInit)
}

func (r *iceRelay) on(c webrtc.ICECandidateInit) {
	r.mu.Lock()
	if !r.ready {
		r.queued = append(r.queued, c)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.deliver(c)
}

func (r *iceRelay) open() {
	r.mu.Lock()
	r.ready = true
	queued := r.queued
	r.queued = nil
	r.mu.Unlock()
	for _, c := range queued {
		r.deliver(c)
	}
}

func newLiveEngine(t *testing.T, self domain.ParticipantID) *Engine {
	t.Helper()
	f, err := rtc.NewFactory(rtc.Options{})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	reg := NewRegistry(f.NewConnection, media.NewSource(media.StaticDevices{}))
	t.Cleanup(reg.RemoveAll)
	return NewEngine(self, reg)
}

func TestRemoteStreamsOutliveRequestContext(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	a, b := newLiveEngine(t, "a"), newLiveEngine(t, "b")
	bg := context.Background()

	toB := &iceRelay{deliver: func(c webrtc.ICECandidateInit) { _ = b.HandleCandidate(bg, "a", c) }}
	toA := &iceRelay{deliver: func(c webrtc.ICECandidateInit) { _ = a.HandleCandidate(bg, "b", c) }}

	snaps := make(chan map[domain.ParticipantID]media.PeerStreams, 64)
	b.Registry().OnStreamsChanged(func(m map[domain.ParticipantID]media.PeerStreams) {
		select {
		case snaps <- m:
		default:
		}
	})

	reqCtx, cancel := context.WithCancel(bg)
	defer cancel()

	offer, err := a.CreateOffer(bg, "b", toB.on)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	answer, err := b.HandleOffer(reqCtx, "a", offer.SDP, toA.on)
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if err := a.HandleAnswer(bg, "b", answer.SDP); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	toB.open()
	toA.open()

	mic := a.Registry().Media().Microphone().AudioTracks()[0]
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = mic.WriteSample(pionmedia.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
			}
		}
	}()

	for {
		m := <-snaps
		if s, ok := m["a"]; ok && s.Main != nil {
			break
		}
	}

	cancel()
	time.Sleep(500 * time.Millisecond)

	for {
		select {
		case m := <-snaps:
			if _, ok := m["a"]; !ok {
				t.Fatalf("stream for a dropped after the offer context ended: %+v", m)
			}
			continue
		default:
		}
		break
	}
	if s, ok := b.Registry().Streams()["a"]; !ok || s.Main == nil {
		t.Errorf("streams after cancel = %+v, want a's main stream", b.Registry().Streams())
	}
	if _, ok := b.Registry().GetPeer("a"); !ok {
		t.Error("peer a removed")
	}
}
