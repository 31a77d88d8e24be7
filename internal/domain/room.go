package domain

type RoomID string

// Room is the channel participants join to be meshed together.
type Room struct {
	ID    RoomID `json:"id"`
	Label string `json:"label"`
}

// RoomSession is the local participant's membership in one room.
// MemberID identifies one join of the room in logs, so a rejoin can be told
// apart from the session it replaced. Connect assigns one when it is empty.
type RoomSession struct {
	Room     Room
	MemberID string
	Self     ParticipantID
}

func (s RoomSession) IsZero() bool { return s.Room.ID == "" }
