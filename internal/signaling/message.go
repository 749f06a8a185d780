package signaling

import "fmt"

// Kind tags a signaling Message.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindBye       Kind = "bye"
	KindHello     Kind = "hello"
)

// Bye reasons.
const (
	ByeConnected = "connected"
	ByeAbort     = "abort"
)

// Message is one signaling exchange unit. SDP is set for offers and answers,
// Candidate for candidates, Reason for byes and Session for hellos. Seq is stamped by a
// Sequencer at the link boundary; zero means unsequenced.
type Message struct {
	Kind      Kind   `json:"kind"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Session   string `json:"session,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
}

func Offer(sdp string) Message  { return Message{Kind: KindOffer, SDP: sdp} }
func Answer(sdp string) Message { return Message{Kind: KindAnswer, SDP: sdp} }

func Candidate(candidate string) Message {
	return Message{Kind: KindCandidate, Candidate: candidate}
}

func Bye(reason string) Message { return Message{Kind: KindBye, Reason: reason} }

// Hello opens a session whose roles are elected from the two session IDs.
func Hello(session string) Message { return Message{Kind: KindHello, Session: session} }

// Validate checks that the message carries the field its kind requires.
func (m Message) Validate() error {
	switch m.Kind {
	case KindOffer, KindAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%w: %s without description", ErrMalformedInput, m.Kind)
		}
	case KindCandidate:
		if m.Candidate == "" {
			return fmt.Errorf("%w: empty candidate", ErrMalformedInput)
		}
	case KindHello:
		if m.Session == "" {
			return fmt.Errorf("%w: hello without session", ErrMalformedInput)
		}
	case KindBye:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedInput, m.Kind)
	}
	return nil
}

func (m Message) String() string {
	if m.Kind == KindBye && m.Reason != "" {
		return fmt.Sprintf("bye(%s)#%d", m.Reason, m.Seq)
	}
	return fmt.Sprintf("%s#%d", m.Kind, m.Seq)
}
