package mesh

import (
	"context"
	"errors"

	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Offers maps each renegotiated peer to the offer it must receive.
type Offers map[domain.ParticipantID]webrtc.SessionDescription

// OnRenegotiate registers the receiver of offers produced without a caller,
// i.e. when the display capture is ended by the platform.
func (e *Engine) OnRenegotiate(fn func(map[domain.ParticipantID]webrtc.SessionDescription)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRenegotiate = fn
}

// StartScreenShare attaches the display capture to every negotiated peer not
// already carrying it and returns one fresh offer per such peer.
func (e *Engine) StartScreenShare(ctx context.Context) (Offers, error) {
	display, err := e.media.AcquireDisplay(ctx)
	if err != nil {
		return nil, err
	}
	e.watchDisplay(display)

	offers := make(Offers)
	for _, p := range e.reg.livePeers() {
		offer, ok, err := e.addDisplay(p, display)
		if err != nil {
			if !IsBenign(err) {
				log.Error().Err(err).Str("module", "mesh").Str("peer", string(p.ID)).Msg("start screen share failed for peer")
			}
			continue
		}
		if ok {
			offers[p.ID] = offer
		}
	}
	log.Info().Str("module", "mesh").Int("offers", len(offers)).Msg("screen share started")
	return offers, nil
}

func (e *Engine) addDisplay(p *Peer, display *media.LocalStream) (webrtc.SessionDescription, bool, error) {
	const op = "start screen share"
	p.negMu.Lock()
	defer p.negMu.Unlock()

	if p.isClosed() {
		return webrtc.SessionDescription{}, false, &Error{Op: op, Peer: p.ID, Err: ErrPeerClosed}
	}
	if p.Phase() == PhaseNew || len(p.DisplaySenders()) > 0 {
		return webrtc.SessionDescription{}, false, nil
	}

	var senders []*webrtc.RTPSender
	for _, t := range display.Tracks() {
		sender, err := p.conn.AddTrack(t)
		if err != nil {
			for _, s := range senders {
				_ = p.conn.RemoveTrack(s)
			}
			return webrtc.SessionDescription{}, false, newError(op, p.ID, nil, err)
		}
		senders = append(senders, sender)
	}
	p.mu.Lock()
	p.displaySenders = senders
	p.mu.Unlock()

	offer, err := e.offerLocked(p, op)
	if err != nil {
		return webrtc.SessionDescription{}, false, err
	}
	return offer, true, nil
}

// StopScreenShare releases the display capture, detaches it from every peer
// and returns one fresh offer per affected peer.
func (e *Engine) StopScreenShare(_ context.Context) (Offers, error) {
	offers := make(Offers)
	if e.media.ReleaseDisplay() == nil {
		return offers, nil
	}
	e.mu.Lock()
	e.watched = nil
	e.mu.Unlock()

	for _, p := range e.reg.livePeers() {
		offer, ok, err := e.removeDisplay(p)
		if err != nil {
			if !IsBenign(err) {
				log.Error().Err(err).Str("module", "mesh").Str("peer", string(p.ID)).Msg("stop screen share failed for peer")
			}
			continue
		}
		if ok {
			offers[p.ID] = offer
		}
	}
	log.Info().Str("module", "mesh").Int("offers", len(offers)).Msg("screen share stopped")
	return offers, nil
}

func (e *Engine) removeDisplay(p *Peer) (webrtc.SessionDescription, bool, error) {
	const op = "stop screen share"
	p.negMu.Lock()
	defer p.negMu.Unlock()

	if p.isClosed() {
		return webrtc.SessionDescription{}, false, &Error{Op: op, Peer: p.ID, Err: ErrPeerClosed}
	}
	p.mu.Lock()
	senders := p.displaySenders
	p.displaySenders = nil
	p.mu.Unlock()
	if len(senders) == 0 {
		return webrtc.SessionDescription{}, false, nil
	}

	var errs []error
	for _, s := range senders {
		if err := p.conn.RemoveTrack(s); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(p.ID)).Msg("remove display track")
	}

	offer, err := e.offerLocked(p, op)
	if err != nil {
		return webrtc.SessionDescription{}, false, err
	}
	return offer, true, nil
}

// watchDisplay stops sharing when the platform ends the display video track.
func (e *Engine) watchDisplay(display *media.LocalStream) {
	e.mu.Lock()
	if e.watched == display {
		e.mu.Unlock()
		return
	}
	e.watched = display
	e.mu.Unlock()

	for _, t := range display.VideoTracks() {
		t.OnEnded(func() { e.displayEnded(display) })
	}
}

func (e *Engine) displayEnded(display *media.LocalStream) {
	if e.media.Display() != display {
		return
	}
	log.Info().Str("module", "mesh").Str("stream", display.ID).Msg("display ended by platform")
	offers, err := e.StopScreenShare(context.Background())
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Msg("auto stop screen share")
		return
	}
	e.mu.Lock()
	fn := e.onRenegotiate
	e.mu.Unlock()
	if fn != nil && len(offers) > 0 {
		fn(offers)
	}
}
