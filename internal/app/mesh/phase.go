package mesh

// Phase is the negotiation state of one peer.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseOfferSent
	PhaseAnswerPending
	PhaseStable
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseOfferSent:
		return "offer-sent"
	case PhaseAnswerPending:
		return "answer-pending"
	case PhaseStable:
		return "stable"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}
