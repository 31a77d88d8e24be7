// Package media owns local capture (microphone and display) and the model
// of remote streams received from peers.
package media

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

var ErrTrackEnded = errors.New("track ended")

var (
	OpusCapability = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
	VP8Capability = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}
)

// LocalTrack is a captured track that can be attached to any number of peers.
// Stop is the application releasing the track; End models the platform
// ending it (e.g. the user pressed "stop sharing" in the OS) and fires OnEnded.
type LocalTrack struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	ended   bool
	muted   bool
	onEnded []func()
}

func NewLocalTrack(c webrtc.RTPCodecCapability, streamID string) (*LocalTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(c, uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{TrackLocalStaticSample: t}, nil
}

// WriteSample feeds captured media; muted tracks swallow samples.
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	t.mu.Lock()
	ended, muted := t.ended, t.muted
	t.mu.Unlock()
	if ended {
		return ErrTrackEnded
	}
	if muted {
		return nil
	}
	return t.TrackLocalStaticSample.WriteSample(s)
}

func (t *LocalTrack) SetMuted(muted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.muted = muted
}

func (t *LocalTrack) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

func (t *LocalTrack) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// OnEnded registers fn for an external end of the track.
func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, fn)
}

func (t *LocalTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = true
	t.onEnded = nil
}

func (t *LocalTrack) End() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fns := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// LocalStream groups tracks captured together.
type LocalStream struct {
	ID     string
	tracks []*LocalTrack
}

func NewLocalStream(id string, tracks ...*LocalTrack) *LocalStream {
	return &LocalStream{ID: id, tracks: tracks}
}

func (s *LocalStream) Tracks() []*LocalTrack {
	out := make([]*LocalTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *LocalStream) AudioTracks() []*LocalTrack { return s.ofKind(webrtc.RTPCodecTypeAudio) }
func (s *LocalStream) VideoTracks() []*LocalTrack { return s.ofKind(webrtc.RTPCodecTypeVideo) }

func (s *LocalStream) ofKind(k webrtc.RTPCodecType) []*LocalTrack {
	var out []*LocalTrack
	for _, t := range s.tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

// Stop releases every track of the stream.
func (s *LocalStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
