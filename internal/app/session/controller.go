// Package session holds the local participant's room membership and is the
// entry point the rest of the application talks to.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/app/mesh"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidRoom  = errors.New("room session has no room id")
	ErrNotConnected = errors.New("not connected to a room")
)

// statsConcurrency bounds parallel transport stats queries.
const statsConcurrency = 8

type Controller struct {
	engine  *mesh.Engine
	reg     *mesh.Registry
	media   *media.Source
	whisper core.Whisperer

	mu      sync.RWMutex
	room    domain.RoomSession
	onClose []func(domain.RoomSession)
}

func NewController(engine *mesh.Engine, w core.Whisperer) *Controller {
	c := &Controller{
		engine:  engine,
		reg:     engine.Registry(),
		media:   engine.Registry().Media(),
		whisper: w,
	}
	engine.OnRenegotiate(func(offers map[domain.ParticipantID]webrtc.SessionDescription) {
		if err := c.deliver(offers); err != nil {
			log.Error().Err(err).Str("module", "session").Msg("deliver renegotiation offers")
		}
	})
	return c
}

// SetWhisperer swaps the outbound transport, e.g. after a reconnect.
func (c *Controller) SetWhisperer(w core.Whisperer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.whisper = w
}

// OnClose registers fn to run after every disconnect.
func (c *Controller) OnClose(fn func(domain.RoomSession)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

func (c *Controller) Room() (domain.RoomSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room, !c.room.IsZero()
}

func (c *Controller) self() domain.ParticipantID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room.Self
}

func (c *Controller) Registry() *mesh.Registry { return c.reg }
func (c *Controller) Media() *media.Source     { return c.media }

// Connect joins rs. Joining the current room again is a no-op; joining
// another room disconnects from the current one first.
func (c *Controller) Connect(ctx context.Context, rs domain.RoomSession) error {
	if rs.IsZero() {
		return ErrInvalidRoom
	}
	if cur, ok := c.Room(); ok {
		if cur.Room.ID == rs.Room.ID {
			log.Debug().Str("module", "session").Str("room", string(rs.Room.ID)).Msg("already connected")
			return nil
		}
		log.Info().
			Str("module", "session").
			Str("from", string(cur.Room.ID)).
			Str("to", string(rs.Room.ID)).
			Msg("switching rooms")
		c.Disconnect()
	}

	if _, err := c.media.AcquireMicrophone(ctx); err != nil {
		log.Error().Err(err).Str("module", "session").Str("room", string(rs.Room.ID)).Msg("connect: microphone")
		return err
	}
	c.engine.SetSelf(rs.Self)
	if rs.MemberID == "" {
		rs.MemberID = uuid.NewString()
	}

	c.mu.Lock()
	c.room = rs
	c.mu.Unlock()

	log.Info().
		Str("module", "session").
		Str("room", string(rs.Room.ID)).
		Str("label", rs.Room.Label).
		Str("self", string(rs.Self)).
		Str("member", rs.MemberID).
		Msg("connected")
	return nil
}

// Disconnect tears down every peer, releases local capture and clears the room.
func (c *Controller) Disconnect() {
	c.reg.RemoveAll()

	c.mu.Lock()
	prev := c.room
	c.room = domain.RoomSession{}
	hooks := append([]func(domain.RoomSession){}, c.onClose...)
	c.mu.Unlock()

	if prev.IsZero() {
		return
	}
	log.Info().Str("module", "session").Str("room", string(prev.Room.ID)).Str("member", prev.MemberID).Msg("disconnected")
	for _, fn := range hooks {
		fn(prev)
	}
}

// OfferAll sends an offer to every roster member except self. A failing
// peer never stops the others.
func (c *Controller) OfferAll(ctx context.Context, roster []domain.ParticipantID) error {
	if _, ok := c.Room(); !ok {
		return ErrNotConnected
	}
	self := c.self()
	var errs []error
	for _, id := range roster {
		if id == self {
			continue
		}
		offer, err := c.engine.CreateOffer(ctx, id, c.candidateSender(id))
		if err != nil {
			if !mesh.IsBenign(err) {
				errs = append(errs, err)
			}
			continue
		}
		if err := c.send(core.EventSignal, core.SignalPayload{Type: core.SignalOffer, From: self, To: id, SDP: offer.SDP}); err != nil {
			errs = append(errs, fmt.Errorf("deliver offer to %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) StartScreenShare(ctx context.Context) error {
	if _, ok := c.Room(); !ok {
		return ErrNotConnected
	}
	offers, err := c.engine.StartScreenShare(ctx)
	if err != nil {
		return err
	}
	return c.deliver(offers)
}

func (c *Controller) StopScreenShare(ctx context.Context) error {
	offers, err := c.engine.StopScreenShare(ctx)
	if err != nil {
		return err
	}
	return c.deliver(offers)
}

func (c *Controller) SetMicrophoneMuted(muted bool) { c.media.SetMicrophoneMuted(muted) }

// HandleSignal applies an inbound offer or answer addressed to us; offers
// are answered over the whisperer.
func (c *Controller) HandleSignal(ctx context.Context, msg core.SignalPayload) error {
	self, ok := c.addressed(msg.To)
	if !ok {
		return nil
	}
	switch msg.Type {
	case core.SignalOffer:
		answer, err := c.engine.HandleOffer(ctx, msg.From, msg.SDP, c.candidateSender(msg.From))
		if err != nil {
			if mesh.IsBenign(err) {
				return nil
			}
			return err
		}
		return c.send(core.EventSignal, core.SignalPayload{Type: core.SignalAnswer, From: self, To: msg.From, SDP: answer.SDP})
	case core.SignalAnswer:
		return c.engine.HandleAnswer(ctx, msg.From, msg.SDP)
	default:
		log.Warn().Str("module", "session").Str("peer", string(msg.From)).Str("type", msg.Type).Msg("unknown signal type dropped")
		return nil
	}
}

func (c *Controller) HandleCandidate(ctx context.Context, msg core.CandidatePayload) error {
	if _, ok := c.addressed(msg.To); !ok {
		return nil
	}
	return c.engine.HandleCandidate(ctx, msg.From, msg.Candidate)
}

// HandleRoster drops peers that left the room. It never creates peers.
func (c *Controller) HandleRoster(_ context.Context, members []core.MemberDTO) []domain.ParticipantID {
	if _, ok := c.Room(); !ok {
		return nil
	}
	expected := make(map[domain.ParticipantID]struct{}, len(members))
	for _, m := range members {
		expected[m.ID] = struct{}{}
	}
	return c.reg.Reconcile(expected)
}

// GetPeersPing returns the round trip time in whole milliseconds for every
// peer whose transport stats report one.
func (c *Controller) GetPeersPing(ctx context.Context) map[domain.ParticipantID]int64 {
	out := make(map[domain.ParticipantID]int64)
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(statsConcurrency)
	for _, id := range c.reg.Peers() {
		p, ok := c.reg.GetPeer(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			rtt, ok := p.Conn().RoundTripTime(ctx)
			if !ok {
				return nil
			}
			mu.Lock()
			out[id] = rtt.Round(time.Millisecond).Milliseconds()
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// AveragePing is the rounded mean of pings; false when pings is empty.
func AveragePing(pings map[domain.ParticipantID]int64) (int64, bool) {
	if len(pings) == 0 {
		return 0, false
	}
	var total int64
	for _, v := range pings {
		total += v
	}
	return int64(math.Round(float64(total) / float64(len(pings)))), true
}

func (c *Controller) addressed(to domain.ParticipantID) (domain.ParticipantID, bool) {
	rs, ok := c.Room()
	if !ok {
		log.Debug().Str("module", "session").Msg("signal while disconnected dropped")
		return "", false
	}
	if to != rs.Self {
		return "", false
	}
	return rs.Self, true
}

func (c *Controller) candidateSender(remote domain.ParticipantID) mesh.OnICECandidate {
	return func(ci webrtc.ICECandidateInit) {
		self := c.self()
		if self == "" {
			return
		}
		if err := c.send(core.EventCandidate, core.CandidatePayload{From: self, To: remote, Candidate: ci}); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("peer", string(remote)).Msg("send candidate")
		}
	}
}

func (c *Controller) deliver(offers map[domain.ParticipantID]webrtc.SessionDescription) error {
	self := c.self()
	ids := make([]domain.ParticipantID, 0, len(offers))
	for id := range offers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var errs []error
	for _, id := range ids {
		msg := core.SignalPayload{Type: core.SignalOffer, From: self, To: id, SDP: offers[id].SDP}
		if err := c.send(core.EventSignal, msg); err != nil {
			errs = append(errs, fmt.Errorf("deliver offer to %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) send(event string, payload any) error {
	c.mu.RLock()
	w := c.whisper
	c.mu.RUnlock()
	if w == nil {
		return ErrNotConnected
	}
	return w.Whisper(event, payload)
}
