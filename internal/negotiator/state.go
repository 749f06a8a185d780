package negotiator

import "fmt"

// Role decides who speaks first. Auto elects one from a hello exchange,
// after which the role is fixed for the session.
type Role int

const (
	Initiator Role = iota
	Responder
	Auto
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	}
	return "auto"
}

// ParseRole accepts the names printed by String.
func ParseRole(s string) (Role, error) {
	for _, r := range []Role{Initiator, Responder, Auto} {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q (want initiator, responder or auto)", s)
}

type State int

const (
	Idle State = iota
	LinkEstablished
	LocalDescriptionSet
	RemoteDescriptionSet
	CandidatesExchanging
	Connected
	Failed
)

var stateNames = [...]string{
	Idle:                 "idle",
	LinkEstablished:      "link-established",
	LocalDescriptionSet:  "local-description-set",
	RemoteDescriptionSet: "remote-description-set",
	CandidatesExchanging: "candidates-exchanging",
	Connected:            "connected",
	Failed:               "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// transitions lists every legal move. Failed is reachable from any
// non-terminal state and is handled in CanTransition.
var transitions = map[State][]State{
	Idle:                 {LinkEstablished},
	LinkEstablished:      {LocalDescriptionSet, RemoteDescriptionSet},
	LocalDescriptionSet:  {RemoteDescriptionSet, CandidatesExchanging},
	RemoteDescriptionSet: {LocalDescriptionSet, CandidatesExchanging},
	CandidatesExchanging: {Connected},
}

func (s State) Terminal() bool {
	return s == Connected || s == Failed
}

func (s State) CanTransition(to State) bool {
	if s.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
