package dlmsal

import (
	"context"

	"github.com/looplab/fsm"
)

// association states
const (
	stateNew               = "new"
	stateMechanismProposed = "mechanism-proposed"
	stateChallengeSent     = "challenge-sent"
	stateAuthenticated     = "authenticated"
	stateRejected          = "rejected"
	stateReleased          = "released"
)

// association events
const (
	eventPropose   = "propose"
	eventChallenge = "challenge"
	eventAccept    = "accept"
	eventReject    = "reject"
	eventRelease   = "release"
)

// association tracks one association on either side. Client goes new, mechanism-proposed
// and then authenticated directly or through challenge-sent for HLS. Server skips the
// proposal, AARQ is already the proposal there.
type association struct {
	f *fsm.FSM
}

func newassociation(logf func(format string, v ...any)) *association {
	a := &association{}
	a.f = fsm.NewFSM(stateNew,
		fsm.Events{
			{Name: eventPropose, Src: []string{stateNew}, Dst: stateMechanismProposed},
			{Name: eventChallenge, Src: []string{stateNew, stateMechanismProposed}, Dst: stateChallengeSent},
			{Name: eventAccept, Src: []string{stateNew, stateMechanismProposed, stateChallengeSent}, Dst: stateAuthenticated},
			{Name: eventReject, Src: []string{stateNew, stateMechanismProposed, stateChallengeSent}, Dst: stateRejected},
			{Name: eventRelease, Src: []string{stateNew, stateMechanismProposed, stateChallengeSent, stateAuthenticated, stateRejected}, Dst: stateReleased},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if logf != nil {
					logf("Association %s -> %s", e.Src, e.Dst)
				}
			},
		},
	)
	return a
}

func (a *association) event(name string) error {
	return a.f.Event(context.Background(), name)
}

func (a *association) authenticated() bool {
	return a.f.Is(stateAuthenticated)
}

func (a *association) challenged() bool {
	return a.f.Is(stateChallengeSent)
}

func (a *association) state() string {
	return a.f.Current()
}
