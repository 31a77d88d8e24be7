package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type fakeTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
	packets    chan *rtp.Packet
}

func newFakeTrack(id, stream string, kind webrtc.RTPCodecType) *fakeTrack {
	return &fakeTrack{id: id, stream: stream, kind: kind, packets: make(chan *rtp.Packet, 8)}
}

func (f *fakeTrack) ID() string                { return f.id }
func (f *fakeTrack) StreamID() string          { return f.stream }
func (f *fakeTrack) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-f.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

type sinkFunc func(*rtp.Packet) error

func (f sinkFunc) WriteRTP(p *rtp.Packet) error { return f(p) }

func TestStreamSetClassification(t *testing.T) {
	set := NewStreamSet()
	mic := NewRemoteTrack(newFakeTrack("a1", "mic", webrtc.RTPCodecTypeAudio))
	got := set.AddTrack(mic)
	if got.Main == nil || got.Main.ID != "mic" || got.Display != nil {
		t.Fatalf("after mic: %+v", got)
	}

	// System audio of a screen share arrives before its video.
	shareAudio := NewRemoteTrack(newFakeTrack("s1", "screen", webrtc.RTPCodecTypeAudio))
	got = set.AddTrack(shareAudio)
	if got.Main.ID != "screen" {
		t.Fatalf("audio-only stream should be main until video shows up, got %s", got.Main.ID)
	}
	shareVideo := NewRemoteTrack(newFakeTrack("s2", "screen", webrtc.RTPCodecTypeVideo))
	got = set.AddTrack(shareVideo)
	if got.Display == nil || got.Display.ID != "screen" {
		t.Fatalf("display = %+v", got.Display)
	}
	if got.Main == nil || got.Main.ID != "mic" {
		t.Fatalf("main not restored to mic: %+v", got.Main)
	}

	got = set.RemoveTrack(shareVideo)
	if got.Display != nil {
		t.Errorf("display still set after its video ended")
	}
	if got.Main.ID != "mic" {
		t.Errorf("main = %s", got.Main.ID)
	}
	got = set.RemoveTrack(shareAudio)
	if got.Display != nil || got.Main.ID != "mic" {
		t.Errorf("after share removed: %+v", got)
	}
	if len(got.Main.Tracks()) != 1 {
		t.Errorf("mic stream has %d tracks", len(got.Main.Tracks()))
	}
}

func TestRemoteTrackPump(t *testing.T) {
	src := newFakeTrack("v1", "s", webrtc.RTPCodecTypeVideo)
	tr := NewRemoteTrack(src)

	var mu sync.Mutex
	var good []uint16
	failing := 0
	tr.AddSink(sinkFunc(func(p *rtp.Packet) error {
		mu.Lock()
		defer mu.Unlock()
		good = append(good, p.SequenceNumber)
		return nil
	}))
	tr.AddSink(sinkFunc(func(p *rtp.Packet) error {
		mu.Lock()
		defer mu.Unlock()
		failing++
		return errors.New("closed")
	}))

	ended := make(chan struct{})
	logger := zerolog.Nop()
	go tr.Run(context.Background(), &logger, func() { close(ended) })

	for i := uint16(1); i <= 3; i++ {
		src.packets <- &rtp.Packet{Header: rtp.Header{SequenceNumber: i}}
	}
	close(src.packets)
	<-ended
	<-tr.Done()

	mu.Lock()
	defer mu.Unlock()
	if len(good) != 3 || good[0] != 1 || good[2] != 3 {
		t.Errorf("good sink got %v", good)
	}
	if failing != 1 {
		t.Errorf("failing sink called %d times, want 1", failing)
	}
}
