package mesh

import (
	"errors"
	"fmt"

	"github.com/dkeye/voicemesh/internal/domain"
)

var (
	ErrOfferCreation     = errors.New("offer creation failed")
	ErrAnswerCreation    = errors.New("answer creation failed")
	ErrRemoteDescription = errors.New("remote description rejected")
	ErrCandidate         = errors.New("ice candidate rejected")
	ErrDuplicatePeer     = errors.New("peer already exists")
	// ErrPeerClosed reports an operation that finished after its peer was torn down.
	ErrPeerClosed = errors.New("peer closed")
	// ErrOfferIgnored reports a colliding offer dropped by the impolite side.
	ErrOfferIgnored = errors.New("colliding offer ignored")
)

// Error scopes a failure to one peer relationship.
type Error struct {
	Op   string
	Peer domain.ParticipantID
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, peer domain.ParticipantID, kind, err error) *Error {
	if kind == nil {
		return &Error{Op: op, Peer: peer, Err: err}
	}
	return &Error{Op: op, Peer: peer, Err: fmt.Errorf("%w: %w", kind, err)}
}

// IsBenign reports errors caused by expected races rather than failures.
func IsBenign(err error) bool {
	return errors.Is(err, ErrPeerClosed) || errors.Is(err, ErrOfferIgnored)
}
