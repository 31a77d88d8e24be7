// Package channel connects the session controller to a room topic on the
// signaling relay.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrBadEnvelope = errors.New("bad envelope")

// Handler consumes inbound room-topic messages.
type Handler interface {
	HandleSignal(ctx context.Context, msg core.SignalPayload) error
	HandleCandidate(ctx context.Context, msg core.CandidatePayload) error
	HandleRoster(ctx context.Context, members []core.MemberDTO) []domain.ParticipantID
}

// Dispatcher decodes envelopes and routes those addressed to self.
type Dispatcher struct {
	self    domain.ParticipantID
	handler Handler
	offers  *RateLimiter
}

// NewDispatcher builds a dispatcher; a nil limiter lets every offer through.
func NewDispatcher(self domain.ParticipantID, h Handler, offers *RateLimiter) *Dispatcher {
	return &Dispatcher{self: self, handler: h, offers: offers}
}

func (d *Dispatcher) Dispatch(ctx context.Context, data []byte) error {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}

	switch env.Event {
	case core.EventSignal:
		var msg core.SignalPayload
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return fmt.Errorf("%w: signal: %w", ErrBadEnvelope, err)
		}
		if msg.To != d.self {
			return nil
		}
		if msg.Type == core.SignalOffer && !d.offers.Allow(msg.From) {
			log.Warn().Str("module", "channel").Str("peer", string(msg.From)).Msg("offer rate limited")
			return nil
		}
		return d.handler.HandleSignal(ctx, msg)

	case core.EventCandidate:
		var msg core.CandidatePayload
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return fmt.Errorf("%w: candidate: %w", ErrBadEnvelope, err)
		}
		if msg.To != d.self {
			return nil
		}
		return d.handler.HandleCandidate(ctx, msg)

	case core.EventMembersUpdated:
		var members []core.MemberDTO
		if err := json.Unmarshal(env.Data, &members); err != nil {
			return fmt.Errorf("%w: members: %w", ErrBadEnvelope, err)
		}
		for _, id := range d.handler.HandleRoster(ctx, members) {
			d.offers.Forget(id)
		}
		return nil

	default:
		log.Debug().Str("module", "channel").Str("event", env.Event).Msg("unhandled event")
		return nil
	}
}
