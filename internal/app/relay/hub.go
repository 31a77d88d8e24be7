// Package relay fans room-topic frames out between the members of a room
// and announces roster changes.
package relay

import (
	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

type Hub struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
}

func NewHub(policy app.Policy) *Hub {
	return &Hub{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   policy,
	}
}

// Join moves sid into room, leaving its previous room first.
func (h *Hub) Join(sid core.SessionID, room domain.RoomID) {
	if prev, _, ok := h.Registry.RoomOf(sid); ok {
		if prev == room {
			return
		}
		h.Leave(sid)
		log.Info().Str("module", "relay").Str("sid", string(sid)).Str("from_room", string(prev)).Msg("left previous room")
	}
	session, ok := h.Registry.GetSession(sid)
	if !ok {
		log.Warn().Str("module", "relay").Str("sid", string(sid)).Msg("join without session")
		return
	}
	r := h.Rooms.GetOrCreate(room)
	r.AddMember(sid, session)
	h.Registry.UpdateRoom(sid, room)
	log.Info().Str("module", "relay").Str("sid", string(sid)).Str("room", string(room)).Msg("added to room")
	h.publishRoster(r)
}

// Leave removes sid from its room and announces the new roster. Empty rooms
// are stopped.
func (h *Hub) Leave(sid core.SessionID) {
	roomID, _, ok := h.Registry.RoomOf(sid)
	if !ok {
		return
	}
	h.Registry.RemoveRoom(sid)
	r, ok := h.Rooms.GetRoom(roomID)
	if !ok {
		return
	}
	r.RemoveMember(sid)
	if r.MemberCount() == 0 {
		h.Rooms.StopRoom(roomID)
		return
	}
	h.publishRoster(r)
}

// Kick drops sid from its room and cancels its connection.
func (h *Hub) Kick(sid core.SessionID) {
	h.Leave(sid)
	h.Registry.Cancel(sid)
}

// OnFrame relays a frame from sid to every other member of its room.
func (h *Hub) OnFrame(sid core.SessionID, data core.Frame) {
	roomID, _, ok := h.Registry.RoomOf(sid)
	if !ok {
		log.Debug().Str("module", "relay").Str("sid", string(sid)).Msg("frame outside room dropped")
		return
	}
	r, ok := h.Rooms.GetRoom(roomID)
	if !ok {
		return
	}
	h.handleResult(r, r.Broadcast(sid, data))
}

func (h *Hub) publishRoster(r core.RoomService) {
	frame, err := core.NewEnvelope(core.EventMembersUpdated, r.MembersSnapshot())
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("roster envelope")
		return
	}
	h.handleResult(r, r.BroadcastAll(frame))
}

func (h *Hub) handleResult(r core.RoomService, res core.PublishResult) {
	if h.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch h.Policy.OnBackPressure(r, slow) {
		case app.KickMember:
			if sid, ok := h.Registry.FindSID(slow); ok {
				log.Warn().Str("module", "relay").Str("sid", string(sid)).Msg("slow consumer kicked")
				h.Kick(sid)
			}
		case app.DropFrame, app.NoAction:
		}
	}
}
