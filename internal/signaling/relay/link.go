// Package relay is the signaling Link that talks to the integrated relay
// server over a websocket.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/NoelleStern/Tappi-share/internal/dns"
	"github.com/NoelleStern/Tappi-share/internal/hub"
	"github.com/NoelleStern/Tappi-share/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Config selects the relay and the two participant names.
type Config struct {
	URL    string
	Local  string
	Remote string

	// Proxy is an optional socks5:// URL used to reach the relay.
	Proxy string

	Codec signaling.Codec
}

// Link is a signaling.Link over the relay websocket.
type Link struct {
	conn  *websocket.Conn
	codec signaling.Codec
	seq   *signaling.Sequencer
	pair  string

	incoming chan signaling.Message
	outgoing chan *hub.Envelope
	done     chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// Dial connects to the relay, joins the (Local, Remote) pair and waits for
// the relay to confirm.
func Dial(ctx context.Context, cfg Config) (*Link, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}

	netDial, err := dns.NewDialer(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	dialer := *websocket.DefaultDialer
	dialer.NetDialContext = netDial

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to relay: %v", signaling.ErrLinkLost, err)
	}

	conn.SetReadLimit(maxMessageSize)

	if err := join(ctx, conn, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	l := &Link{
		conn:     conn,
		codec:    cfg.Codec,
		seq:      signaling.NewSequencer(),
		pair:     hub.PairKey(cfg.Local, cfg.Remote),
		incoming: make(chan signaling.Message, 32),
		outgoing: make(chan *hub.Envelope, 32),
		done:     make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go l.readPump()
	go l.writePump()

	logrus.WithFields(logrus.Fields{"relay": u.Host, "pair": l.pair}).Debug("Relay link joined")
	return l, nil
}

// join runs before the pumps start, so it may use the connection directly.
func join(ctx context.Context, conn *websocket.Conn, cfg Config) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(&hub.Envelope{Type: hub.TypeJoin, From: cfg.Local, To: cfg.Remote}); err != nil {
		return fmt.Errorf("%w: join: %v", signaling.ErrLinkLost, err)
	}

	conn.SetReadDeadline(deadline)
	var reply hub.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		if ctx.Err() != nil {
			return signaling.ContextError(ctx)
		}
		return fmt.Errorf("%w: join: %v", signaling.ErrLinkLost, err)
	}

	switch reply.Type {
	case hub.TypeJoined:
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	case hub.TypeExpired:
		return signaling.ErrSessionExpired
	case hub.TypeError:
		return fmt.Errorf("relay refused join: %s", reply.Error)
	default:
		return fmt.Errorf("%w: unexpected %q reply to join", signaling.ErrMalformedInput, reply.Type)
	}
}

// fail records the first terminal error and stops both pumps.
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

func (l *Link) readPump() {
	defer l.conn.Close()

	for {
		var env hub.Envelope
		if err := l.conn.ReadJSON(&env); err != nil {
			l.fail(fmt.Errorf("%w: %v", signaling.ErrLinkLost, err))
			return
		}

		switch env.Type {
		case hub.TypeSignal:
			msg, err := l.decode(env.Payload)
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

		case hub.TypeExpired:
			l.fail(signaling.ErrSessionExpired)
			return

		case hub.TypeError:
			logrus.WithField("reason", env.Error).Warn("Relay reported an error")
		}
	}
}

func (l *Link) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case env := <-l.outgoing:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteJSON(env); err != nil {
				l.fail(fmt.Errorf("%w: %v", signaling.ErrLinkLost, err))
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.fail(fmt.Errorf("%w: %v", signaling.ErrLinkLost, err))
				return
			}

		case <-l.done:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			l.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (l *Link) decode(payload json.RawMessage) (signaling.Message, error) {
	var block string
	if err := json.Unmarshal(payload, &block); err != nil {
		return signaling.Message{}, fmt.Errorf("%w: %v", signaling.ErrMalformedInput, err)
	}
	return l.codec.Decode(block)
}

func (l *Link) Send(ctx context.Context, msg signaling.Message) error {
	if err := l.failure(); err != nil {
		return err
	}

	block, err := l.codec.Encode(l.seq.Stamp(msg))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(block)
	if err != nil {
		return err
	}

	select {
	case l.outgoing <- &hub.Envelope{Type: hub.TypeSignal, Payload: payload}:
		return nil
	case <-l.done:
		return l.failure()
	case <-ctx.Done():
		return signaling.ContextError(ctx)
	}
}

// Receive delivers every message that arrived before a failure, then the
// failure itself.
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

// Close flushes queued sends for a short while, then leaves the relay.
func (l *Link) Close() error {
	deadline := time.After(writeWait)
	for len(l.outgoing) > 0 {
		select {
		case <-l.done:
			return nil
		case <-deadline:
			l.fail(signaling.ErrLinkClosed)
			return nil
		case <-time.After(10 * time.Millisecond):
		}
	}
	l.fail(signaling.ErrLinkClosed)
	return nil
}

// Pair is the relay pair key this link joined.
func (l *Link) Pair() string {
	return l.pair
}

var _ signaling.Link = (*Link)(nil)
