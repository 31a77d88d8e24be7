package mesh

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// OnICECandidate receives every locally gathered candidate for one peer.
type OnICECandidate func(webrtc.ICECandidateInit)

// Peer is the registry entry for one remote participant.
type Peer struct {
	ID   domain.ParticipantID
	conn core.MediaConnection

	// negMu serializes negotiation steps and candidate application.
	negMu sync.Mutex

	mu             sync.Mutex
	phase          Phase
	pending        []webrtc.ICECandidateInit
	micSenders     []*webrtc.RTPSender
	displaySenders []*webrtc.RTPSender
	onICE          OnICECandidate

	streams *media.StreamSet
	closed  atomic.Bool
}

func newPeer(id domain.ParticipantID, conn core.MediaConnection, onICE OnICECandidate) *Peer {
	return &Peer{
		ID:      id,
		conn:    conn,
		phase:   PhaseNew,
		onICE:   onICE,
		streams: media.NewStreamSet(),
	}
}

func (p *Peer) Conn() core.MediaConnection { return p.conn }

func (p *Peer) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *Peer) setPhase(ph Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == PhaseClosed {
		return
	}
	p.phase = ph
}

func (p *Peer) Streams() media.PeerStreams { return p.streams.Snapshot() }

func (p *Peer) PendingCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Peer) MicSenders() []*webrtc.RTPSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*webrtc.RTPSender(nil), p.micSenders...)
}

func (p *Peer) DisplaySenders() []*webrtc.RTPSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*webrtc.RTPSender(nil), p.displaySenders...)
}

func (p *Peer) setOnICE(fn OnICECandidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *Peer) emitICE(c webrtc.ICECandidateInit) {
	if p.closed.Load() {
		return
	}
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (p *Peer) bufferCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, c)
}

// takePending empties the buffer and returns its content in arrival order.
func (p *Peer) takePending() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pending
	p.pending = nil
	return out
}

func (p *Peer) isClosed() bool { return p.closed.Load() }

// close tears the entry down; it never waits for an in-flight negotiation.
func (p *Peer) close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.conn.DetachHandlers()
	p.mu.Lock()
	p.phase = PhaseClosed
	p.pending = nil
	p.onICE = nil
	p.mu.Unlock()
	if !p.conn.IsClosed() {
		_ = p.conn.Close()
	}
}
