// Package mesh keeps one direct connection per remote participant and drives
// offer/answer negotiation on each of them.
package mesh

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Registry is the only place peer connections are constructed or destroyed.
type Registry struct {
	factory core.ConnectionFactory
	media   *media.Source

	mu    sync.RWMutex
	peers map[domain.ParticipantID]*Peer

	hookMu        sync.RWMutex
	onChange      []func(map[domain.ParticipantID]media.PeerStreams)
	onRemoteTrack []func(domain.ParticipantID, *media.RemoteTrack)
}

func NewRegistry(factory core.ConnectionFactory, src *media.Source) *Registry {
	return &Registry{
		factory: factory,
		media:   src,
		peers:   make(map[domain.ParticipantID]*Peer),
	}
}

func (r *Registry) Media() *media.Source { return r.media }

// OnStreamsChanged registers fn for every change of the aggregate stream map.
func (r *Registry) OnStreamsChanged(fn func(map[domain.ParticipantID]media.PeerStreams)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// OnRemoteTrack registers fn for new inbound tracks, before their pump starts,
// so sinks can be attached.
func (r *Registry) OnRemoteTrack(fn func(domain.ParticipantID, *media.RemoteTrack)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onRemoteTrack = append(r.onRemoteTrack, fn)
}

// CreatePeer builds a connection for remote, attaches every track of mic and
// wires the inbound track and local candidate callbacks.
func (r *Registry) CreatePeer(
	ctx context.Context,
	remote domain.ParticipantID,
	mic *media.LocalStream,
	onICE OnICECandidate,
) (*Peer, error) {
	if _, ok := r.GetPeer(remote); ok {
		log.Warn().Str("module", "mesh").Str("peer", string(remote)).Msg("create peer: entry already exists")
		return nil, &Error{Op: "create peer", Peer: remote, Err: ErrDuplicatePeer}
	}

	conn, err := r.factory(ctx, remote)
	if err != nil {
		return nil, newError("create peer", remote, nil, fmt.Errorf("new connection: %w", err))
	}
	p := newPeer(remote, conn, onICE)

	if mic != nil {
		for _, t := range mic.Tracks() {
			sender, err := conn.AddTrack(t)
			if err != nil {
				_ = conn.Close()
				return nil, newError("create peer", remote, nil, fmt.Errorf("add microphone track: %w", err))
			}
			p.micSenders = append(p.micSenders, sender)
		}
	}

	conn.OnICECandidate(p.emitICE)
	conn.OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.attachTrack(ctx, p, media.NewRemoteTrack(track))
	})
	conn.OnClosed(func() {
		if r.dropIfCurrent(p) {
			log.Warn().Str("module", "mesh").Str("peer", string(remote)).Msg("transport lost, peer removed")
		}
	})

	r.mu.Lock()
	if _, ok := r.peers[remote]; ok {
		r.mu.Unlock()
		p.close()
		log.Warn().Str("module", "mesh").Str("peer", string(remote)).Msg("create peer: lost race, existing entry wins")
		return nil, &Error{Op: "create peer", Peer: remote, Err: ErrDuplicatePeer}
	}
	r.peers[remote] = p
	r.mu.Unlock()

	log.Info().Str("module", "mesh").Str("peer", string(remote)).Int("mic_tracks", len(p.micSenders)).Msg("peer created")
	return p, nil
}

func (r *Registry) attachTrack(ctx context.Context, p *Peer, rt *media.RemoteTrack) {
	if p.isClosed() || !r.isCurrent(p) {
		log.Debug().Str("module", "mesh").Str("peer", string(p.ID)).Msg("track for removed peer ignored")
		return
	}
	got := p.streams.AddTrack(rt)
	log.Info().
		Str("module", "mesh").
		Str("peer", string(p.ID)).
		Str("stream", rt.StreamID()).
		Bool("display", got.Display != nil && got.Display.ID == rt.StreamID()).
		Msg("remote track attached")

	r.hookMu.RLock()
	hooks := append([]func(domain.ParticipantID, *media.RemoteTrack){}, r.onRemoteTrack...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(p.ID, rt)
	}
	r.notify()

	logger := log.With().Str("module", "mesh").Str("peer", string(p.ID)).Logger()
	rt.Run(ctx, &logger, func() {
		if p.isClosed() {
			return
		}
		p.streams.RemoveTrack(rt)
		r.notify()
	})
}

// GetPeer returns the live entry for remote; absence is a normal condition.
func (r *Registry) GetPeer(remote domain.ParticipantID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[remote]
	return p, ok
}

func (r *Registry) isCurrent(p *Peer) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[p.ID] == p
}

// Peers returns the ids of every live entry in sorted order.
func (r *Registry) Peers() []domain.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ParticipantID, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) livePeers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemovePeer tears down the entry for remote. Missing entries only log.
func (r *Registry) RemovePeer(remote domain.ParticipantID) bool {
	r.mu.Lock()
	p, ok := r.peers[remote]
	if ok {
		delete(r.peers, remote)
	}
	r.mu.Unlock()
	if !ok {
		log.Warn().Str("module", "mesh").Str("peer", string(remote)).Msg("remove peer: not connected")
		return false
	}
	p.close()
	log.Info().Str("module", "mesh").Str("peer", string(remote)).Msg("peer removed")
	r.notify()
	return true
}

func (r *Registry) dropIfCurrent(p *Peer) bool {
	r.mu.Lock()
	if r.peers[p.ID] != p {
		r.mu.Unlock()
		return false
	}
	delete(r.peers, p.ID)
	r.mu.Unlock()
	p.close()
	r.notify()
	return true
}

// RemoveAll closes every entry and releases local capture. Safe at any point
// of any negotiation.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[domain.ParticipantID]*Peer)
	r.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	r.media.Release()
	log.Info().Str("module", "mesh").Int("peers", len(peers)).Msg("all peers removed")
	r.notify()
}

// Reconcile removes every entry absent from expected. It never adds peers.
func (r *Registry) Reconcile(expected map[domain.ParticipantID]struct{}) []domain.ParticipantID {
	var stale []domain.ParticipantID
	for _, id := range r.Peers() {
		if _, ok := expected[id]; !ok {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		r.RemovePeer(id)
	}
	if len(stale) > 0 {
		log.Info().Str("module", "mesh").Int("removed", len(stale)).Msg("reconciled with roster")
	}
	return stale
}

// Streams is the aggregate map of remote streams by participant. Peers that
// have not sent any track yet are absent.
func (r *Registry) Streams() map[domain.ParticipantID]media.PeerStreams {
	out := make(map[domain.ParticipantID]media.PeerStreams)
	for _, p := range r.livePeers() {
		s := p.Streams()
		if s.Main == nil && s.Display == nil {
			continue
		}
		out[p.ID] = s
	}
	return out
}

func (r *Registry) notify() {
	r.hookMu.RLock()
	hooks := append([]func(map[domain.ParticipantID]media.PeerStreams){}, r.onChange...)
	r.hookMu.RUnlock()
	if len(hooks) == 0 {
		return
	}
	snap := r.Streams()
	for _, fn := range hooks {
		fn(snap)
	}
}
