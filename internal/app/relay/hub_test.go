package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

var errFull = errors.New("full")

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errFull
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		var env core.Envelope
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Event)
	}
	return out
}

func bind(t *testing.T, h *Hub, id domain.ParticipantID) (*fakeConn, *bool) {
	t.Helper()
	u, err := domain.UserWithID(id, "")
	if err != nil {
		t.Fatalf("UserWithID: %v", err)
	}
	conn := &fakeConn{}
	canceled := new(bool)
	h.Registry.Bind(core.SessionID(id), core.NewMemberSession(domain.NewMember(u), conn), func() { *canceled = true })
	return conn, canceled
}

func TestJoinLeaveRoster(t *testing.T) {
	h := NewHub(app.KickPolicy{})
	a, _ := bind(t, h, "a")
	b, _ := bind(t, h, "b")

	h.Join("a", "lobby")
	h.Join("b", "lobby")
	h.Join("b", "lobby") // no-op

	room, ok := h.Rooms.GetRoom("lobby")
	if !ok || room.MemberCount() != 2 {
		t.Fatalf("lobby missing or wrong size")
	}
	if got := len(a.events()); got != 2 {
		t.Errorf("a saw %d roster updates, want 2", got)
	}
	if got := len(b.events()); got != 1 {
		t.Errorf("b saw %d roster updates, want 1", got)
	}

	h.Join("b", "games")
	if room.MemberCount() != 1 {
		t.Errorf("lobby members = %d after move", room.MemberCount())
	}
	h.Leave("a")
	if _, ok := h.Rooms.GetRoom("lobby"); ok {
		t.Error("empty room kept")
	}
	if got := h.Rooms.List(); len(got) != 1 || got[0].ID != "games" {
		t.Errorf("rooms = %+v", got)
	}
}

func TestOnFrameRelaysToRoommates(t *testing.T) {
	h := NewHub(app.KickPolicy{})
	a, _ := bind(t, h, "a")
	b, _ := bind(t, h, "b")
	c, _ := bind(t, h, "c")
	h.Join("a", "lobby")
	h.Join("b", "lobby")
	h.Join("c", "games")

	frame, _ := core.NewEnvelope(core.EventSignal, core.SignalPayload{Type: "offer", From: "a", To: "b"})
	h.OnFrame("a", frame)

	if ev := b.events(); ev[len(ev)-1] != core.EventSignal {
		t.Errorf("b events = %v", ev)
	}
	for _, ev := range a.events() {
		if ev == core.EventSignal {
			t.Error("sender got its own frame")
		}
	}
	for _, ev := range c.events() {
		if ev == core.EventSignal {
			t.Error("frame crossed rooms")
		}
	}
}

func TestSlowConsumerKicked(t *testing.T) {
	h := NewHub(app.KickPolicy{})
	bind(t, h, "a")
	b, canceled := bind(t, h, "b")
	h.Join("a", "lobby")
	h.Join("b", "lobby")

	b.mu.Lock()
	b.full = true
	b.mu.Unlock()

	frame, _ := core.NewEnvelope(core.EventSignal, core.SignalPayload{Type: "offer", From: "a", To: "b"})
	h.OnFrame("a", frame)

	if !*canceled {
		t.Error("slow consumer not canceled")
	}
	if _, _, ok := h.Registry.RoomOf("b"); ok {
		t.Error("slow consumer still in room")
	}
	room, _ := h.Rooms.GetRoom("lobby")
	if room.MemberCount() != 1 {
		t.Errorf("members = %d, want 1", room.MemberCount())
	}
}

func TestDropPolicyKeepsMember(t *testing.T) {
	h := NewHub(app.DropPolicy{})
	bind(t, h, "a")
	b, canceled := bind(t, h, "b")
	h.Join("a", "lobby")
	h.Join("b", "lobby")
	b.full = true

	frame, _ := core.NewEnvelope(core.EventSignal, core.SignalPayload{Type: "offer", From: "a", To: "b"})
	h.OnFrame("a", frame)
	if *canceled {
		t.Error("member canceled under drop policy")
	}
	if _, _, ok := h.Registry.RoomOf("b"); !ok {
		t.Error("member removed under drop policy")
	}
}
