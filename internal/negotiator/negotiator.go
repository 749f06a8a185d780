// Package negotiator drives the offer/answer/candidate exchange over a
// signaling link until the transport reports a usable channel.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/NoelleStern/Tappi-share/internal/channel"
	"github.com/NoelleStern/Tappi-share/internal/signaling"
)

const (
	DefaultStepTimeout     = 30 * time.Second
	DefaultCandidateBuffer = 64

	byeTimeout = 3 * time.Second
)

// Peer is the connectivity layer the negotiator drives. Descriptions and
// candidates are opaque strings.
type Peer interface {
	// CreateOffer sets and returns the local offer.
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer applies the remote offer, then sets and returns the local answer.
	CreateAnswer(ctx context.Context, offer string) (string, error)
	SetAnswer(answer string) error
	AddCandidate(candidate string) error

	// Candidates yields local candidates as they are discovered.
	Candidates() <-chan string
	// Ready yields the channel once the transport can carry data.
	Ready() <-chan channel.Channel
	Failed() <-chan error

	Close() error
}

type Config struct {
	Role Role

	// StepTimeout bounds the wait in every non-terminal state.
	StepTimeout time.Duration

	// WaitTimeout replaces StepTimeout until the first message from the
	// peer arrives, so the other side has time to show up.
	WaitTimeout time.Duration

	// CandidateBuffer bounds remote candidates held until the remote
	// description is set.
	CandidateBuffer int
}

type Negotiator struct {
	link signaling.Link
	peer Peer
	cfg  Config
	log  *logrus.Entry

	mu      sync.Mutex
	state   State
	history []State

	guard         signaling.Guard
	heard         bool
	localSent     bool
	remoteSet     bool
	pendingLocal  []string
	pendingRemote []string
}

func New(link signaling.Link, peer Peer, cfg Config) *Negotiator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.CandidateBuffer <= 0 {
		cfg.CandidateBuffer = DefaultCandidateBuffer
	}
	return &Negotiator{
		link:    link,
		peer:    peer,
		cfg:     cfg,
		log:     logrus.WithField("role", cfg.Role.String()),
		state:   Idle,
		history: []State{Idle},
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// History returns every state visited, in order.
func (n *Negotiator) History() []State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]State(nil), n.history...)
}

func (n *Negotiator) enter(to State) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.state.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrProtocolViolation, n.state, to)
	}
	n.log.WithFields(logrus.Fields{"from": n.state.String(), "state": to.String()}).Debug("Negotiation state")
	n.state = to
	n.history = append(n.history, to)
	return nil
}

type received struct {
	msg signaling.Message
	err error
}

func (n *Negotiator) read(ctx context.Context, out chan<- received) {
	for {
		msg, err := n.link.Receive(ctx)
		select {
		case out <- received{msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Negotiate runs the session to completion. On success the link is closed
// and the caller owns the returned channel. On failure both the link and
// the peer are closed and the error is an *Error.
func (n *Negotiator) Negotiate(ctx context.Context) (channel.Channel, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := n.enter(LinkEstablished); err != nil {
		return nil, n.fail(err)
	}

	incoming := make(chan received)
	go n.read(runCtx, incoming)

	if n.cfg.Role == Auto {
		if err := n.elect(runCtx, incoming); err != nil {
			return nil, n.fail(err)
		}
	}

	limit := n.timeout()
	timer := time.NewTimer(limit)
	defer timer.Stop()
	step := n.State()

	if n.cfg.Role == Initiator {
		offer, err := n.peer.CreateOffer(runCtx)
		if err != nil {
			return nil, n.fail(fmt.Errorf("%w: create offer: %v", ErrTransportFailure, err))
		}
		if err := n.describeLocal(runCtx, signaling.Offer(offer)); err != nil {
			return nil, n.fail(err)
		}
	}

	for {
		if s := n.State(); s != step {
			step = s
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			limit = n.timeout()
			timer.Reset(limit)
		}

		select {
		case r := <-incoming:
			if r.err != nil {
				if n.State() == CandidatesExchanging &&
					(errors.Is(r.err, signaling.ErrLinkLost) || errors.Is(r.err, signaling.ErrLinkClosed)) {
					n.log.WithError(r.err).Debug("Signaling ended while waiting for the transport")
					incoming = nil
					continue
				}
				return nil, n.fail(r.err)
			}
			n.heard = true

			done, err := n.handle(runCtx, r.msg)
			if err != nil {
				return nil, n.fail(err)
			}
			if done {
				incoming = nil
			}

		case c := <-n.peer.Candidates():
			if err := n.sendCandidate(runCtx, c); err != nil {
				return nil, n.fail(err)
			}

		case ch := <-n.peer.Ready():
			if err := n.enter(Connected); err != nil {
				ch.Close()
				return nil, n.fail(err)
			}
			n.flushCandidates(runCtx)
			n.finish(signaling.ByeConnected)
			return ch, nil

		case err := <-n.peer.Failed():
			return nil, n.fail(fmt.Errorf("%w: %v", ErrTransportFailure, err))

		case <-timer.C:
			return nil, n.fail(fmt.Errorf("%w: no progress in %s after %s", ErrTimeout, n.State(), limit))

		case <-ctx.Done():
			return nil, n.fail(ctx.Err())
		}
	}
}

func (n *Negotiator) timeout() time.Duration {
	if !n.heard && n.cfg.WaitTimeout > n.cfg.StepTimeout {
		return n.cfg.WaitTimeout
	}
	return n.cfg.StepTimeout
}

// elect swaps random session IDs with the peer. The lower ID offers.
func (n *Negotiator) elect(ctx context.Context, incoming <-chan received) error {
	id := uuid.NewString()
	if err := n.link.Send(ctx, signaling.Hello(id)); err != nil {
		return err
	}

	limit := n.timeout()
	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case r := <-incoming:
		if r.err != nil {
			return r.err
		}
		n.heard = true
		if err := n.guard.Check(r.msg); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		role := Responder
		switch {
		case r.msg.Kind == signaling.KindBye:
			return ErrPeerAborted
		case r.msg.Kind != signaling.KindHello:
			return fmt.Errorf("%w: %s before hello (is the peer using --role auto?)", ErrProtocolViolation, r.msg.Kind)
		case r.msg.Session == id:
			return fmt.Errorf("%w: peer echoed our session", ErrProtocolViolation)
		case id < r.msg.Session:
			role = Initiator
		}
		n.mu.Lock()
		n.cfg.Role = role
		n.mu.Unlock()
	case <-timer.C:
		return fmt.Errorf("%w: no hello after %s", ErrTimeout, limit)
	case <-ctx.Done():
		return ctx.Err()
	}

	n.log = n.log.WithField("role", n.cfg.Role.String())
	n.log.WithField("session", id).Debug("Role elected")
	return nil
}

// Role is the session's role, which for Auto is known once Negotiate has
// heard the peer's hello.
func (n *Negotiator) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg.Role
}

// handle applies one remote message. It reports true once the peer has
// said it is done with signaling.
func (n *Negotiator) handle(ctx context.Context, msg signaling.Message) (bool, error) {
	if err := n.guard.Check(msg); err != nil {
		return false, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	n.log.WithField("message", msg.String()).Debug("Signaling message received")

	switch msg.Kind {
	case signaling.KindOffer:
		if n.cfg.Role != Responder {
			return false, fmt.Errorf("%w: offer sent to the initiator", ErrProtocolViolation)
		}
		if err := n.enter(RemoteDescriptionSet); err != nil {
			return false, err
		}
		answer, err := n.peer.CreateAnswer(ctx, msg.SDP)
		if err != nil {
			return false, fmt.Errorf("%w: create answer: %v", ErrTransportFailure, err)
		}
		n.remoteSet = true
		if err := n.describeLocal(ctx, signaling.Answer(answer)); err != nil {
			return false, err
		}
		return false, n.replayRemote()

	case signaling.KindAnswer:
		if n.cfg.Role != Initiator {
			return false, fmt.Errorf("%w: answer sent to the responder", ErrProtocolViolation)
		}
		if err := n.enter(RemoteDescriptionSet); err != nil {
			return false, err
		}
		if err := n.peer.SetAnswer(msg.SDP); err != nil {
			return false, fmt.Errorf("%w: apply answer: %v", ErrTransportFailure, err)
		}
		n.remoteSet = true
		if err := n.replayRemote(); err != nil {
			return false, err
		}
		return false, n.enter(CandidatesExchanging)

	case signaling.KindCandidate:
		if !n.remoteSet {
			if len(n.pendingRemote) >= n.cfg.CandidateBuffer {
				n.log.Debug("Candidate buffer full, dropping oldest")
				n.pendingRemote = n.pendingRemote[1:]
			}
			n.pendingRemote = append(n.pendingRemote, msg.Candidate)
			return false, nil
		}
		if err := n.peer.AddCandidate(msg.Candidate); err != nil {
			return false, fmt.Errorf("%w: %v", signaling.ErrMalformedInput, err)
		}
		return false, nil

	case signaling.KindHello:
		return false, fmt.Errorf("%w: peer wants roles elected (use --role auto on both sides)", ErrProtocolViolation)

	case signaling.KindBye:
		if msg.Reason == signaling.ByeConnected && n.State() == CandidatesExchanging {
			return true, nil
		}
		return false, ErrPeerAborted
	}
	return false, nil
}

// describeLocal sends the local description, then the candidates that were
// discovered before it could go out.
func (n *Negotiator) describeLocal(ctx context.Context, msg signaling.Message) error {
	if err := n.enter(LocalDescriptionSet); err != nil {
		return err
	}
	if err := n.link.Send(ctx, msg); err != nil {
		return err
	}
	n.localSent = true

	pending := n.pendingLocal
	n.pendingLocal = nil
	for _, c := range pending {
		if err := n.link.Send(ctx, signaling.Candidate(c)); err != nil {
			return err
		}
	}

	if n.remoteSet {
		return n.enter(CandidatesExchanging)
	}
	return nil
}

func (n *Negotiator) sendCandidate(ctx context.Context, c string) error {
	if !n.localSent {
		n.pendingLocal = append(n.pendingLocal, c)
		return nil
	}
	return n.link.Send(ctx, signaling.Candidate(c))
}

// flushCandidates sends local candidates already gathered. The remote side
// may still be checking paths when we connect first.
func (n *Negotiator) flushCandidates(ctx context.Context) {
	for {
		select {
		case c := <-n.peer.Candidates():
			if err := n.link.Send(ctx, signaling.Candidate(c)); err != nil {
				n.log.WithError(err).Debug("Could not send late candidate")
				return
			}
		default:
			return
		}
	}
}

func (n *Negotiator) replayRemote() error {
	pending := n.pendingRemote
	n.pendingRemote = nil
	for _, c := range pending {
		if err := n.peer.AddCandidate(c); err != nil {
			return fmt.Errorf("%w: %v", signaling.ErrMalformedInput, err)
		}
	}
	return nil
}

// finish says goodbye and releases the link. Failure to deliver the bye is
// ignored.
func (n *Negotiator) finish(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()

	if err := n.link.Send(ctx, signaling.Bye(reason)); err != nil {
		n.log.WithError(err).Debug("Could not deliver bye")
	}
	if err := n.link.Close(); err != nil {
		n.log.WithError(err).Debug("Closing signaling link")
	}
}

func (n *Negotiator) fail(err error) error {
	at := n.State()
	if !errors.Is(err, ErrPeerAborted) {
		n.finish(signaling.ByeAbort)
	} else if cerr := n.link.Close(); cerr != nil {
		n.log.WithError(cerr).Debug("Closing signaling link")
	}
	if cerr := n.peer.Close(); cerr != nil {
		n.log.WithError(cerr).Debug("Closing peer")
	}

	if at.CanTransition(Failed) {
		_ = n.enter(Failed)
	}
	n.log.WithError(err).WithField("state", at.String()).Warn("Negotiation failed")
	return &Error{State: at, Err: err}
}
