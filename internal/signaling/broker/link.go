// Package broker is the publish/subscribe signaling Link. Each side
// publishes to its own topic and subscribes to the other's. Every publish is
// retained and carries the whole log sent so far, one block per line, so a
// peer that subscribes late still replays the session from the start.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/NoelleStern/Tappi-share/internal/signaling"
)

const (
	DefaultPrefix = "tappi"

	// seenLimit bounds the dedup set of payload hashes.
	seenLimit = 1024
)

// Topics returns the topic this side publishes to and the one it
// subscribes to.
func Topics(prefix, local, remote string) (pub, sub string) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s/%s/%s", prefix, local, remote), fmt.Sprintf("%s/%s/%s", prefix, remote, local)
}

type Config struct {
	Prefix string
	Local  string
	Remote string
	Codec  signaling.Codec
}

// Link is a signaling.Link over a PubSub.
type Link struct {
	ps       PubSub
	codec    signaling.Codec
	seq      *signaling.Sequencer
	pub, sub string

	incoming chan signaling.Message
	done     chan struct{}

	// deliver keeps sequencing and queueing of one payload together.
	deliver sync.Mutex

	mu        sync.Mutex
	err       error
	closed    bool
	sent      []string
	seen      map[[32]byte]struct{}
	seenOrder [][32]byte
}

// New subscribes to the remote side's topic and returns the link.
func New(ps PubSub, cfg Config) (*Link, error) {
	if cfg.Local == "" || cfg.Remote == "" || cfg.Local == cfg.Remote {
		return nil, fmt.Errorf("broker link needs two distinct names")
	}

	pub, sub := Topics(cfg.Prefix, cfg.Local, cfg.Remote)
	l := &Link{
		ps:         ps,
		codec:      cfg.Codec,
		seq:        signaling.NewSequencer(),
		pub:        pub,
		sub:        sub,
		incoming: make(chan signaling.Message, 64),
		done:     make(chan struct{}),
		seen:     make(map[[32]byte]struct{}),
	}

	if err := ps.Subscribe(sub, l.handle); err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", signaling.ErrLinkLost, sub, err)
	}

	go func() {
		select {
		case <-ps.Lost():
			l.fail(signaling.ErrLinkLost)
		case <-l.done:
		}
	}()

	logrus.WithFields(logrus.Fields{"publish": pub, "subscribe": sub}).Debug("Broker link ready")
	return l, nil
}

func (l *Link) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
	if !l.closed {
		l.closed = true
		close(l.done)
	}
}

func (l *Link) failure() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// firstSight records the block hash and reports whether it is new.
func (l *Link) firstSight(block string) bool {
	sum := blake2b.Sum256([]byte(block))

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[sum]; dup {
		return false
	}
	l.seen[sum] = struct{}{}
	l.seenOrder = append(l.seenOrder, sum)
	if len(l.seenOrder) > seenLimit {
		delete(l.seen, l.seenOrder[0])
		l.seenOrder = l.seenOrder[1:]
	}
	return true
}

// handle runs on the PubSub delivery goroutine. Blocks already seen in an
// earlier payload are skipped.
func (l *Link) handle(payload []byte) {
	l.deliver.Lock()
	defer l.deliver.Unlock()

	// An empty retained payload only clears the topic.
	for _, block := range strings.Split(string(payload), "\n") {
		if block == "" || !l.firstSight(block) {
			continue
		}

		msg, err := l.codec.Decode(block)
		if err != nil {
			l.fail(err)
			return
		}

		for _, m := range l.seq.Accept(msg) {
			select {
			case l.incoming <- m:
			case <-l.done:
				return
			}
		}
	}

	if l.seq.Waiting() {
		logrus.WithField("topic", l.sub).Debug("Holding signaling messages behind a gap")
	}
}

func (l *Link) Send(ctx context.Context, msg signaling.Message) error {
	if err := l.failure(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return signaling.ContextError(ctx)
	}

	block, err := l.codec.Encode(l.seq.Stamp(msg))
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.sent = append(l.sent, block)
	payload := strings.Join(l.sent, "\n")
	l.mu.Unlock()

	if err := l.ps.Publish(l.pub, []byte(payload), true); err != nil {
		return fmt.Errorf("%w: publish: %v", signaling.ErrLinkLost, err)
	}
	return nil
}

func (l *Link) Receive(ctx context.Context) (signaling.Message, error) {
	select {
	case m := <-l.incoming:
		return m, nil
	default:
	}

	select {
	case m := <-l.incoming:
		return m, nil
	case <-l.done:
		return signaling.Message{}, l.failure()
	case <-ctx.Done():
		return signaling.Message{}, signaling.ContextError(ctx)
	}
}

// Close clears the retained message on our topic and disconnects.
func (l *Link) Close() error {
	if l.failure() == nil {
		if err := l.ps.Publish(l.pub, []byte{}, true); err != nil {
			logrus.WithError(err).Debug("Could not clear retained signaling message")
		}
	}
	l.fail(signaling.ErrLinkClosed)
	l.ps.Close()
	return nil
}

var _ signaling.Link = (*Link)(nil)
