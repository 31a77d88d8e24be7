package mesh

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var errRollbackFailed = errors.New("rollback failed")

// Engine drives offer/answer negotiation over the registry's peers.
type Engine struct {
	self  domain.ParticipantID
	reg   *Registry
	media *media.Source

	mu            sync.Mutex
	watched       *media.LocalStream
	onRenegotiate func(map[domain.ParticipantID]webrtc.SessionDescription)
}

func NewEngine(self domain.ParticipantID, reg *Registry) *Engine {
	return &Engine{self: self, reg: reg, media: reg.Media()}
}

func (e *Engine) Registry() *Registry { return e.reg }

// SetSelf changes the local participant id used for collision resolution.
func (e *Engine) SetSelf(self domain.ParticipantID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.self = self
}

// polite reports whether the local side yields on an offer collision with remote.
func (e *Engine) polite(remote domain.ParticipantID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self < remote
}

// Phase returns the negotiation phase of remote, PhaseClosed if unknown.
func (e *Engine) Phase(remote domain.ParticipantID) Phase {
	p, ok := e.reg.GetPeer(remote)
	if !ok {
		return PhaseClosed
	}
	return p.Phase()
}

func (e *Engine) peerFor(ctx context.Context, op string, remote domain.ParticipantID, onICE OnICECandidate) (*Peer, error) {
	mic, err := e.media.AcquireMicrophone(ctx)
	if err != nil {
		return nil, &Error{Op: op, Peer: remote, Err: err}
	}
	if p, ok := e.reg.GetPeer(remote); ok {
		if onICE != nil {
			p.setOnICE(onICE)
		}
		return p, nil
	}
	p, err := e.reg.CreatePeer(ctx, remote, mic, onICE)
	if errors.Is(err, ErrDuplicatePeer) {
		if existing, ok := e.reg.GetPeer(remote); ok {
			return existing, nil
		}
	}
	return p, err
}

// CreateOffer starts (or restarts) negotiation with remote and returns the
// offer for the caller to deliver.
func (e *Engine) CreateOffer(ctx context.Context, remote domain.ParticipantID, onICE OnICECandidate) (webrtc.SessionDescription, error) {
	p, err := e.peerFor(ctx, "create offer", remote, onICE)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(remote)).Msg("create offer: peer setup failed")
		if errors.Is(err, media.ErrMediaAcquisition) || errors.Is(err, ErrDuplicatePeer) {
			return webrtc.SessionDescription{}, err
		}
		return webrtc.SessionDescription{}, newError("create offer", remote, ErrOfferCreation, err)
	}

	p.negMu.Lock()
	defer p.negMu.Unlock()
	return e.offerLocked(p, "create offer")
}

func (e *Engine) offerLocked(p *Peer, op string) (webrtc.SessionDescription, error) {
	if p.isClosed() {
		return webrtc.SessionDescription{}, &Error{Op: op, Peer: p.ID, Err: ErrPeerClosed}
	}
	offer, err := p.conn.CreateOffer()
	if p.isClosed() {
		log.Debug().Str("module", "mesh").Str("peer", string(p.ID)).Msg("offer finished after teardown")
		return webrtc.SessionDescription{}, &Error{Op: op, Peer: p.ID, Err: ErrPeerClosed}
	}
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(p.ID)).Msg("offer failed")
		return webrtc.SessionDescription{}, newError(op, p.ID, ErrOfferCreation, err)
	}
	p.setPhase(PhaseOfferSent)
	log.Info().Str("module", "mesh").Str("peer", string(p.ID)).Msg("offer created")
	return offer, nil
}

// HandleOffer applies a remote offer and returns the answer to deliver.
func (e *Engine) HandleOffer(ctx context.Context, remote domain.ParticipantID, sdp string, onICE OnICECandidate) (webrtc.SessionDescription, error) {
	p, err := e.peerFor(ctx, "handle offer", remote, onICE)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(remote)).Msg("handle offer: peer setup failed")
		if errors.Is(err, media.ErrMediaAcquisition) || errors.Is(err, ErrDuplicatePeer) {
			return webrtc.SessionDescription{}, err
		}
		return webrtc.SessionDescription{}, newError("handle offer", remote, ErrAnswerCreation, err)
	}

	answer, err := e.answer(p, sdp)
	if !errors.Is(err, errRollbackFailed) {
		return answer, err
	}

	log.Warn().Str("module", "mesh").Str("peer", string(remote)).Msg("rollback failed, replacing connection")
	e.reg.RemovePeer(remote)
	if p, err = e.peerFor(ctx, "handle offer", remote, onICE); err != nil {
		return webrtc.SessionDescription{}, newError("handle offer", remote, ErrAnswerCreation, err)
	}
	return e.answer(p, sdp)
}

func (e *Engine) answer(p *Peer, sdp string) (webrtc.SessionDescription, error) {
	const op = "handle offer"
	p.negMu.Lock()
	defer p.negMu.Unlock()

	if p.isClosed() {
		return webrtc.SessionDescription{}, &Error{Op: op, Peer: p.ID, Err: ErrPeerClosed}
	}

	if p.conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if !e.polite(p.ID) {
			log.Warn().Str("module", "mesh").Str("peer", string(p.ID)).Msg("offer collision, ignoring remote offer")
			return webrtc.SessionDescription{}, &Error{Op: op, Peer: p.ID, Err: ErrOfferIgnored}
		}
		if err := p.conn.Rollback(); err != nil {
			return webrtc.SessionDescription{}, &Error{Op: op, Peer: p.ID, Err: errRollbackFailed}
		}
		log.Info().Str("module", "mesh").Str("peer", string(p.ID)).Msg("offer collision, local offer rolled back")
	}

	err := p.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	if p.isClosed() {
		return webrtc.SessionDescription{}, &Error{Op: op, Peer: p.ID, Err: ErrPeerClosed}
	}
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(p.ID)).Msg("apply remote offer failed")
		return webrtc.SessionDescription{}, newError(op, p.ID, ErrAnswerCreation, err)
	}
	p.setPhase(PhaseAnswerPending)
	e.drainLocked(p)

	answer, err := p.conn.CreateAnswer()
	if p.isClosed() {
		return webrtc.SessionDescription{}, &Error{Op: op, Peer: p.ID, Err: ErrPeerClosed}
	}
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(p.ID)).Msg("answer failed")
		return webrtc.SessionDescription{}, newError(op, p.ID, ErrAnswerCreation, err)
	}
	p.setPhase(PhaseStable)
	log.Info().Str("module", "mesh").Str("peer", string(p.ID)).Msg("answer created")
	return answer, nil
}

// HandleAnswer applies a remote answer. Answers arriving for unknown peers or
// outside OFFER_SENT are dropped with a warning.
func (e *Engine) HandleAnswer(_ context.Context, remote domain.ParticipantID, sdp string) error {
	const op = "handle answer"
	p, ok := e.reg.GetPeer(remote)
	if !ok {
		log.Warn().Str("module", "mesh").Str("peer", string(remote)).Msg("answer for unknown peer dropped")
		return nil
	}

	p.negMu.Lock()
	defer p.negMu.Unlock()

	if p.isClosed() {
		log.Debug().Str("module", "mesh").Str("peer", string(remote)).Msg("answer for closed peer dropped")
		return nil
	}
	if ph, st := p.Phase(), p.conn.SignalingState(); ph != PhaseOfferSent || st != webrtc.SignalingStateHaveLocalOffer {
		log.Warn().
			Str("module", "mesh").
			Str("peer", string(remote)).
			Str("phase", ph.String()).
			Str("signaling_state", st.String()).
			Msg("unexpected signaling state, answer dropped")
		return nil
	}

	err := p.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if p.isClosed() {
		return nil
	}
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(remote)).Msg("apply remote answer failed")
		return newError(op, remote, ErrRemoteDescription, err)
	}
	e.drainLocked(p)
	p.setPhase(PhaseStable)
	log.Info().Str("module", "mesh").Str("peer", string(remote)).Msg("answer applied")
	return nil
}

// HandleCandidate applies a remote candidate, buffering it while the peer has
// no remote description. Candidates for unknown peers are dropped.
func (e *Engine) HandleCandidate(_ context.Context, remote domain.ParticipantID, c webrtc.ICECandidateInit) error {
	p, ok := e.reg.GetPeer(remote)
	if !ok {
		log.Warn().Str("module", "mesh").Str("peer", string(remote)).Msg("candidate for unknown peer dropped")
		return nil
	}

	p.negMu.Lock()
	defer p.negMu.Unlock()

	if p.isClosed() {
		return nil
	}
	if !p.conn.HasRemoteDescription() {
		p.bufferCandidate(c)
		log.Debug().Str("module", "mesh").Str("peer", string(remote)).Int("pending", p.PendingCandidates()).Msg("candidate buffered")
		return nil
	}
	if err := p.conn.AddICECandidate(c); err != nil {
		if p.isClosed() {
			return nil
		}
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(remote)).Msg("add candidate failed")
		return newError("handle candidate", remote, ErrCandidate, err)
	}
	log.Debug().Str("module", "mesh").Str("peer", string(remote)).Msg("candidate applied")
	return nil
}

// drainLocked applies buffered candidates in arrival order. Caller holds negMu.
func (e *Engine) drainLocked(p *Peer) {
	pending := p.takePending()
	for _, c := range pending {
		if err := p.conn.AddICECandidate(c); err != nil {
			log.Error().Err(err).Str("module", "mesh").Str("peer", string(p.ID)).Msg("add buffered candidate failed")
		}
	}
	if len(pending) > 0 {
		log.Debug().Str("module", "mesh").Str("peer", string(p.ID)).Int("applied", len(pending)).Msg("buffered candidates drained")
	}
}
