package rtc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Connection implements core.MediaConnection on top of a pion PeerConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.ParticipantID
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	onICE    func(webrtc.ICECandidateInit)
	onTrack  func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onClosed func()

	closed     atomic.Bool
	closedOnce sync.Once
}

func NewConnection(api *webrtc.API, cfg webrtc.Configuration, remote domain.ParticipantID) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc, remote: remote}, nil
}

// Start installs the pion callbacks. Remote track pumps run on a context
// that keeps ctx's values but ends only when the connection closes, not when
// ctx is cancelled.
func (c *Connection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.ctx, c.cancel = ctx, cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(c.remote)).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(c.remote)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			cancel()
			c.fireClosed()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", string(c.remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(ctx, track, receiver)
		}
	})

	return nil
}

func (c *Connection) fireClosed() {
	c.closedOnce.Do(func() {
		c.mu.RLock()
		fn := c.onClosed
		c.mu.RUnlock()
		if fn != nil {
			fn()
		}
	})
}

func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.remote)).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("peer", string(c.remote)).Msg("closed")
	return nil
}

func (c *Connection) IsClosed() bool {
	return c.closed.Load() || c.pc.ConnectionState() == webrtc.PeerConnectionStateClosed
}

func (c *Connection) DetachHandlers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = nil
	c.onTrack = nil
	c.onClosed = nil
}

// AddTrack attaches a local track and drains RTCP for its sender.
func (c *Connection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (c *Connection) RemoveTrack(sender *webrtc.RTPSender) error {
	return c.pc.RemoveTrack(sender)
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *Connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *Connection) Rollback() error {
	pending := c.pc.PendingLocalDescription()
	if pending == nil {
		return nil
	}
	return c.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeRollback,
		SDP:  pending.SDP,
	})
}

func (c *Connection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Connection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

// OnTrack sets application-level callback for remote tracks.
func (c *Connection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

// OnClosed sets application-level callback for transport loss.
func (c *Connection) OnClosed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

// RoundTripTime looks up the succeeded candidate pair in the transport stats.
func (c *Connection) RoundTripTime(ctx context.Context) (time.Duration, bool) {
	if ctx.Err() != nil || c.IsClosed() {
		return 0, false
	}
	return succeededPairRTT(c.pc.GetStats())
}

// succeededPairRTT prefers the nominated succeeded pair and otherwise takes
// the succeeded pair with the lowest round trip time.
func succeededPairRTT(report webrtc.StatsReport) (time.Duration, bool) {
	var (
		best  webrtc.ICECandidatePairStats
		found bool
	)
	for _, s := range report {
		var pair webrtc.ICECandidatePairStats
		switch v := s.(type) {
		case webrtc.ICECandidatePairStats:
			pair = v
		case *webrtc.ICECandidatePairStats:
			pair = *v
		default:
			continue
		}
		if pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		if !found || betterPair(pair, best) {
			best, found = pair, true
		}
	}
	if !found {
		return 0, false
	}
	return time.Duration(best.CurrentRoundTripTime * float64(time.Second)), true
}

func betterPair(a, b webrtc.ICECandidatePairStats) bool {
	if a.Nominated != b.Nominated {
		return a.Nominated
	}
	return a.CurrentRoundTripTime < b.CurrentRoundTripTime
}
