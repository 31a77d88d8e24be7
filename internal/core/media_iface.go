package core

import (
	"context"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MediaConnection is one direct connection to a remote participant.
// All description calls are synchronous; they return once the
// underlying connection has applied the change.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close() error
	IsClosed() bool
	// DetachHandlers drops every application callback so late events go nowhere.
	DetachHandlers()

	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(sender *webrtc.RTPSender) error

	// CreateOffer generates an offer and applies it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer generates an answer and applies it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// Rollback discards a pending local offer.
	Rollback() error
	HasRemoteDescription() bool
	SignalingState() webrtc.SignalingState

	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnClosed sets a callback fired once when the transport fails or closes.
	OnClosed(func())

	// RoundTripTime reports the current RTT of the succeeded candidate pair.
	RoundTripTime(ctx context.Context) (time.Duration, bool)
}

// ConnectionFactory builds a fresh, started connection for a remote participant.
type ConnectionFactory func(ctx context.Context, remote domain.ParticipantID) (MediaConnection, error)
