package core

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Room topic events.
const (
	EventSignal         = ".channel.signal"
	EventCandidate      = ".channel.candidate"
	EventMembersUpdated = ".channel.members.updated"
)

const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
)

// SignalPayload carries an offer or an answer between two participants.
type SignalPayload struct {
	Type string               `json:"type"`
	From domain.ParticipantID `json:"from"`
	To   domain.ParticipantID `json:"to"`
	SDP  string               `json:"sdp"`
}

type CandidatePayload struct {
	From      domain.ParticipantID    `json:"from"`
	To        domain.ParticipantID    `json:"to"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// Envelope is the frame exchanged on a room topic.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope marshals payload under event.
func NewEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
