package mesh

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/transport/v3/test"
	"github.com/pion/webrtc/v4"
)

func TestNegotiationReachesStable(t *testing.T) {
	lim := test.TimeOut(20 * time.Second)
	defer lim.Stop()

	a := newTestEngine(t, "a")
	b := newTestEngine(t, "b")
	ctx := context.Background()

	offer, err := a.CreateOffer(ctx, "b", nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		t.Fatalf("bad offer %+v", offer)
	}
	if got := a.Phase("b"); got != PhaseOfferSent {
		t.Errorf("offerer phase = %s, want offer-sent", got)
	}

	answer, err := b.HandleOffer(ctx, "a", offer.SDP, nil)
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("answer type = %s", answer.Type)
	}
	if got := b.Phase("a"); got != PhaseStable {
		t.Errorf("answerer phase = %s, want stable", got)
	}

	if err := a.HandleAnswer(ctx, "b", answer.SDP); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if got := a.Phase("b"); got != PhaseStable {
		t.Errorf("offerer phase = %s, want stable", got)
	}

	// A duplicated answer is dropped without touching the connection.
	if err := a.HandleAnswer(ctx, "b", answer.SDP); err != nil {
		t.Errorf("second HandleAnswer: %v", err)
	}
	if got := a.Phase("b"); got != PhaseStable {
		t.Errorf("phase after duplicate answer = %s", got)
	}
}

func TestAnswerForUnknownPeer(t *testing.T) {
	a := newTestEngine(t, "a")
	if err := a.HandleAnswer(context.Background(), "ghost", "v=0"); err != nil {
		t.Errorf("HandleAnswer: %v", err)
	}
	if got := a.Phase("ghost"); got != PhaseClosed {
		t.Errorf("phase = %s, want closed", got)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	lim := test.TimeOut(20 * time.Second)
	defer lim.Stop()

	a := newTestEngine(t, "a")
	b := newTestEngine(t, "b")
	ctx := context.Background()

	offer, err := a.CreateOffer(ctx, "b", nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	want := []webrtc.ICECandidateInit{candidate("1"), candidate("2"), candidate("3")}
	for _, c := range want {
		if err := a.HandleCandidate(ctx, "b", c); err != nil {
			t.Fatalf("HandleCandidate: %v", err)
		}
	}
	p, _ := a.reg.GetPeer("b")
	if p.PendingCandidates() != 3 {
		t.Fatalf("pending = %d, want 3", p.PendingCandidates())
	}
	if n := len(recorded(t, a, "b").Applied()); n != 0 {
		t.Fatalf("%d candidates applied before remote description", n)
	}

	answer, err := b.HandleOffer(ctx, "a", offer.SDP, nil)
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if err := a.HandleAnswer(ctx, "b", answer.SDP); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}

	if got := recorded(t, a, "b").Applied(); !reflect.DeepEqual(got, want) {
		t.Errorf("applied = %v, want %v", got, want)
	}
	if p.PendingCandidates() != 0 {
		t.Errorf("pending = %d after drain", p.PendingCandidates())
	}

	// Later candidates go straight to the connection.
	late := candidate("4")
	if err := a.HandleCandidate(ctx, "b", late); err != nil {
		t.Fatalf("HandleCandidate: %v", err)
	}
	if got := recorded(t, a, "b").Applied(); len(got) != 4 || !reflect.DeepEqual(got[3], late) {
		t.Errorf("late candidate not applied directly: %v", got)
	}
}

func TestCandidatesBufferedOnAnsweringSide(t *testing.T) {
	lim := test.TimeOut(20 * time.Second)
	defer lim.Stop()

	a := newTestEngine(t, "a")
	b := newTestEngine(t, "b")
	ctx := context.Background()

	// b already holds an entry for a and receives
	// candidates ahead of any remote description.
	if _, err := b.reg.CreatePeer(ctx, "a", nil, nil); err != nil {
		t.Fatalf("CreatePeer: %v", err)
	}
	early := candidate("7")
	if err := b.HandleCandidate(ctx, "a", early); err != nil {
		t.Fatalf("HandleCandidate: %v", err)
	}

	offer, err := a.CreateOffer(ctx, "b", nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := b.HandleOffer(ctx, "a", offer.SDP, nil); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if got := recorded(t, b, "a").Applied(); !reflect.DeepEqual(got, []webrtc.ICECandidateInit{early}) {
		t.Errorf("applied = %v", got)
	}
}

func TestCandidateForUnknownPeerDropped(t *testing.T) {
	lim := test.TimeOut(20 * time.Second)
	defer lim.Stop()

	a := newTestEngine(t, "a")
	ctx := context.Background()
	if err := a.HandleCandidate(ctx, "z", candidate("1")); err != nil {
		t.Fatalf("HandleCandidate: %v", err)
	}
	if _, ok := a.reg.GetPeer("z"); ok {
		t.Fatal("candidate created a peer")
	}

	if _, err := a.CreateOffer(ctx, "z", nil); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	p, _ := a.reg.GetPeer("z")
	if p.PendingCandidates() != 0 {
		t.Errorf("dropped candidate resurfaced in buffer")
	}
	if n := len(recorded(t, a, "z").Applied()); n != 0 {
		t.Errorf("dropped candidate applied: %d", n)
	}
}

func TestOfferCollision(t *testing.T) {
	lim := test.TimeOut(20 * time.Second)
	defer lim.Stop()

	a := newTestEngine(t, "a") // polite towards b
	b := newTestEngine(t, "b")
	ctx := context.Background()

	offerA, err := a.CreateOffer(ctx, "b", nil)
	if err != nil {
		t.Fatalf("CreateOffer a: %v", err)
	}
	offerB, err := b.CreateOffer(ctx, "a", nil)
	if err != nil {
		t.Fatalf("CreateOffer b: %v", err)
	}

	_, err = b.HandleOffer(ctx, "a", offerA.SDP, nil)
	if !errors.Is(err, ErrOfferIgnored) || !IsBenign(err) {
		t.Fatalf("impolite HandleOffer err = %v, want ErrOfferIgnored", err)
	}
	if got := b.Phase("a"); got != PhaseOfferSent {
		t.Errorf("impolite phase = %s, want offer-sent", got)
	}

	answer, err := a.HandleOffer(ctx, "b", offerB.SDP, nil)
	if err != nil {
		t.Fatalf("polite HandleOffer: %v", err)
	}
	if err := b.HandleAnswer(ctx, "a", answer.SDP); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if got := b.Phase("a"); got != PhaseStable {
		t.Errorf("impolite phase = %s, want stable", got)
	}
	if got := a.Phase("b"); got != PhaseStable {
		t.Errorf("polite phase = %s, want stable", got)
	}
}

func TestOperationsAfterRemoval(t *testing.T) {
	lim := test.TimeOut(20 * time.Second)
	defer lim.Stop()

	a := newTestEngine(t, "a")
	ctx := context.Background()
	if _, err := a.CreateOffer(ctx, "b", nil); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	p, _ := a.reg.GetPeer("b")
	a.reg.RemovePeer("b")

	p.negMu.Lock()
	_, err := a.offerLocked(p, "create offer")
	p.negMu.Unlock()
	if !errors.Is(err, ErrPeerClosed) || !IsBenign(err) {
		t.Errorf("offer on removed peer err = %v, want ErrPeerClosed", err)
	}
	if err := a.HandleCandidate(ctx, "b", candidate("1")); err != nil {
		t.Errorf("HandleCandidate: %v", err)
	}
	if _, ok := a.reg.GetPeer("b"); ok {
		t.Error("peer resurrected")
	}
}

func TestRepeatedOfferReusesPeer(t *testing.T) {
	lim := test.TimeOut(20 * time.Second)
	defer lim.Stop()

	a := newTestEngine(t, "a")
	b := newTestEngine(t, "b")
	negotiate(t, a, b)
	before, _ := a.reg.GetPeer("b")

	negotiate(t, a, b)
	after, _ := a.reg.GetPeer("b")
	if before != after {
		t.Error("renegotiation replaced the peer entry")
	}
	if got := a.reg.Peers(); !reflect.DeepEqual(got, []domain.ParticipantID{"b"}) {
		t.Errorf("peers = %v", got)
	}
}
