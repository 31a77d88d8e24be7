package media

import (
	"context"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// TrackSource is the read side of an inbound track; *webrtc.TrackRemote satisfies it.
type TrackSource interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PacketSink consumes RTP from a remote track (a decoder, a recorder, a player).
type PacketSink interface {
	WriteRTP(*rtp.Packet) error
}

// RemoteTrack pumps RTP from one inbound track to its sinks.
type RemoteTrack struct {
	src TrackSource

	mu    sync.RWMutex
	sinks []PacketSink

	done chan struct{}
}

func NewRemoteTrack(src TrackSource) *RemoteTrack {
	return &RemoteTrack{src: src, done: make(chan struct{})}
}

func (t *RemoteTrack) ID() string                { return t.src.ID() }
func (t *RemoteTrack) StreamID() string          { return t.src.StreamID() }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return t.src.Kind() }

// Done is closed once the pump stops.
func (t *RemoteTrack) Done() <-chan struct{} { return t.done }

func (t *RemoteTrack) AddSink(s PacketSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, s)
}

// Run reads packets until the track ends or ctx is done, then calls onEnd.
func (t *RemoteTrack) Run(ctx context.Context, logger *zerolog.Logger, onEnd func()) {
	defer func() {
		close(t.done)
		if onEnd != nil {
			onEnd()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("remote track ctx done")
			return
		default:
		}
		pkt, _, err := t.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Str("track_id", t.ID()).Msg("remote track ended")
			return
		}
		t.forward(pkt, logger)
	}
}

func (t *RemoteTrack) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	t.mu.RLock()
	snapshot := make([]PacketSink, len(t.sinks))
	copy(snapshot, t.sinks)
	t.mu.RUnlock()

	var dirty []PacketSink
	for _, s := range snapshot {
		if err := s.WriteRTP(pkt); err != nil {
			logger.Warn().Err(err).Str("track_id", t.ID()).Msg("sink write error, dropping sink")
			dirty = append(dirty, s)
		}
	}
	if len(dirty) > 0 {
		t.dropSinks(dirty)
	}
}

func (t *RemoteTrack) dropSinks(dirty []PacketSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.sinks[:0]
	for _, s := range t.sinks {
		drop := false
		for _, d := range dirty {
			if s == d {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, s)
		}
	}
	t.sinks = kept
}

// RemoteStream is the set of inbound tracks sharing a stream id.
type RemoteStream struct {
	ID string

	mu     sync.RWMutex
	tracks []*RemoteTrack
}

func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RemoteTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *RemoteStream) HasVideo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

func (s *RemoteStream) add(t *RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *RemoteStream) remove(t *RemoteTrack) (empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.tracks {
		if cur == t {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			break
		}
	}
	return len(s.tracks) == 0
}

// PeerStreams is what one remote participant currently sends us.
type PeerStreams struct {
	Main    *RemoteStream
	Display *RemoteStream
}

// StreamSet classifies a peer's inbound streams: a stream carrying video is
// the display stream, anything else is the main stream.
type StreamSet struct {
	mu        sync.Mutex
	streams   map[string]*RemoteStream
	order     []string
	mainID    string
	displayID string
}

func NewStreamSet() *StreamSet {
	return &StreamSet{streams: make(map[string]*RemoteStream)}
}

func (s *StreamSet) AddTrack(t *RemoteTrack) PeerStreams {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := t.StreamID()
	st, ok := s.streams[id]
	if !ok {
		st = &RemoteStream{ID: id}
		s.streams[id] = st
		s.order = append(s.order, id)
	}
	st.add(t)

	if st.HasVideo() {
		s.displayID = id
		if s.mainID == id {
			s.mainID = s.fallback(id, false)
		}
	} else if id != s.displayID {
		s.mainID = id
	}
	return s.snapshot()
}

func (s *StreamSet) RemoveTrack(t *RemoteTrack) PeerStreams {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := t.StreamID()
	st, ok := s.streams[id]
	if !ok {
		return s.snapshot()
	}
	if st.remove(t) {
		delete(s.streams, id)
		for i, o := range s.order {
			if o == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		if s.mainID == id {
			s.mainID = s.fallback(id, false)
		}
		if s.displayID == id {
			s.displayID = s.fallback(id, true)
		}
		return s.snapshot()
	}
	if s.displayID == id && !st.HasVideo() {
		s.displayID = s.fallback(id, true)
		if s.mainID == "" {
			s.mainID = id
		}
	}
	return s.snapshot()
}

// fallback picks the most recently added other stream with or without video.
func (s *StreamSet) fallback(exclude string, video bool) string {
	for i := len(s.order) - 1; i >= 0; i-- {
		id := s.order[i]
		if id == exclude {
			continue
		}
		if s.streams[id].HasVideo() == video {
			return id
		}
	}
	return ""
}

func (s *StreamSet) Snapshot() PeerStreams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *StreamSet) snapshot() PeerStreams {
	return PeerStreams{Main: s.streams[s.mainID], Display: s.streams[s.displayID]}
}
