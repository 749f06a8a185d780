package signaling

import "fmt"

// Guard enforces per-direction ordering: at most one hello, which must come
// first, at most one offer and one answer, and nothing after a bye.
type Guard struct {
	seen    bool
	hellos  int
	offers  int
	answers int
	bye     bool
}

func (g *Guard) Check(msg Message) error {
	if g.bye {
		return fmt.Errorf("%w: %s after bye", ErrProtocolViolation, msg.Kind)
	}

	first := !g.seen
	g.seen = true

	switch msg.Kind {
	case KindHello:
		g.hellos++
		if !first || g.hellos > 1 {
			return fmt.Errorf("%w: hello after the session started", ErrProtocolViolation)
		}
	case KindOffer:
		g.offers++
		if g.offers > 1 {
			return fmt.Errorf("%w: second offer", ErrProtocolViolation)
		}
	case KindAnswer:
		g.answers++
		if g.answers > 1 {
			return fmt.Errorf("%w: second answer", ErrProtocolViolation)
		}
	case KindBye:
		g.bye = true
	}
	return nil
}
