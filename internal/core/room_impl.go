package core

import (
	"sort"
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// topic is one room on the relay. It tracks who is connected and fans
// frames out to them; transports stay owned by the adapter.
type topic struct {
	room *domain.Room

	mu      sync.RWMutex
	members map[SessionID]MemberSession
}

func NewRoomService(room *domain.Room) RoomService {
	return &topic{room: room, members: make(map[SessionID]MemberSession)}
}

func (t *topic) Room() *domain.Room { return t.room }

func (t *topic) MemberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

func (t *topic) AddMember(sid SessionID, ms MemberSession) {
	t.mu.Lock()
	t.members[sid] = ms
	t.mu.Unlock()
	log.Info().Str("module", "core.room").Str("room", string(t.room.ID)).Str("sid", string(sid)).Msg("member added")
}

func (t *topic) RemoveMember(sid SessionID) bool {
	t.mu.Lock()
	_, ok := t.members[sid]
	delete(t.members, sid)
	t.mu.Unlock()
	if ok {
		log.Info().Str("module", "core.room").Str("room", string(t.room.ID)).Str("sid", string(sid)).Msg("member removed")
	}
	return ok
}

// Broadcast relays a whisper from one member to its roommates.
func (t *topic) Broadcast(from SessionID, data Frame) PublishResult {
	return t.fanOut(t.recipients(from), data)
}

// BroadcastAll announces to every member, sender included.
func (t *topic) BroadcastAll(data Frame) PublishResult {
	return t.fanOut(t.recipients(""), data)
}

func (t *topic) recipients(skip SessionID) []MemberSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]MemberSession, 0, len(t.members))
	for sid, ms := range t.members {
		if sid != skip {
			out = append(out, ms)
		}
	}
	return out
}

// fanOut never blocks: a full send buffer lands the member in Dropped.
func (t *topic) fanOut(to []MemberSession, data Frame) PublishResult {
	var res PublishResult
	for _, ms := range to {
		if err := ms.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, ms)
			continue
		}
		res.SendTo++
	}
	if len(res.Dropped) > 0 {
		log.Debug().Str("module", "core.room").Str("room", string(t.room.ID)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("fan-out hit backpressure")
	}
	return res
}

// MembersSnapshot is the roster ordered by participant id.
func (t *topic) MembersSnapshot() []MemberDTO {
	t.mu.RLock()
	out := make([]MemberDTO, 0, len(t.members))
	for _, ms := range t.members {
		u := ms.Meta().User
		out = append(out, MemberDTO{ID: u.ID, Username: u.Username})
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
