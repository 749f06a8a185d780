// Package hub is the integrated rendezvous relay. It pairs two named
// participants and forwards opaque payloads between them without looking
// inside.
package hub

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultSessionTimeout = 5 * time.Minute

	// DefaultQueueLimit caps the messages buffered for an absent member.
	DefaultQueueLimit = 256
)

// Hub owns the pair table. All state is touched only by the Run goroutine.
type Hub struct {
	pairs map[string]*Pair

	register   chan *Client
	unregister chan *Client
	inbound    chan *Envelope
	expire     chan expiry
	status     chan chan []PairStatus
	done       chan struct{}

	sessionTimeout time.Duration
	queueLimit     int
	now            func() time.Time
}

type expiry struct {
	pair *Pair
	gen  int
}

type Option func(*Hub)

func WithSessionTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.sessionTimeout = d
		}
	}
}

func WithQueueLimit(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueLimit = n
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		pairs:          make(map[string]*Pair),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		inbound:        make(chan *Envelope),
		expire:         make(chan expiry),
		status:         make(chan chan []PairStatus),
		done:           make(chan struct{}),
		sessionTimeout: DefaultSessionTimeout,
		queueLimit:     DefaultQueueLimit,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register hands a new connection to the hub. It returns false once the hub
// has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Status returns a snapshot of every live pair.
func (h *Hub) Status(ctx context.Context) ([]PairStatus, error) {
	reply := make(chan []PairStatus, 1)
	select {
	case h.status <- reply:
	case <-h.done:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run is the single goroutine that manages all pairs and clients.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			logrus.WithField("remote", c.Conn.RemoteAddr().String()).Debug("Relay client registered")

		case c := <-h.unregister:
			h.leave(c)
			close(c.Send)

		case env := <-h.inbound:
			switch env.Type {
			case TypeJoin:
				h.join(env)
			case TypeSignal:
				h.forward(env)
			default:
				logrus.WithField("type", env.Type).Debug("Relay ignored unknown envelope")
			}

		case e := <-h.expire:
			h.expirePair(e)

		case reply := <-h.status:
			reply <- h.snapshot()
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	for _, p := range h.pairs {
		p.stopTimer()
		for _, c := range p.members {
			c.Conn.Close()
		}
	}
	h.pairs = map[string]*Pair{}
}

func (h *Hub) join(env *Envelope) {
	c := env.client

	if env.From == "" || env.To == "" || env.From == env.To {
		h.reject(c, ReasonBadJoin)
		return
	}
	if c.pair != nil || c.expired {
		h.reject(c, ReasonAlreadyJoined)
		return
	}

	key := PairKey(env.From, env.To)
	p, ok := h.pairs[key]
	if !ok {
		p = newPair(key, h.now())
		h.pairs[key] = p
		h.armTimer(p)
		logrus.WithFields(logrus.Fields{"pair": key, "id": p.ID}).Info("Relay pair created")
	}

	if _, taken := p.members[env.From]; taken {
		logrus.WithFields(logrus.Fields{"pair": key, "name": env.From}).Warn("Relay rejected duplicate name")
		h.reject(c, ReasonNameTaken)
		return
	}

	p.members[env.From] = c
	c.name, c.peer, c.pair = env.From, env.To, p

	h.deliver(c, &Envelope{Type: TypeJoined, Pair: key, From: env.From, To: env.To})

	pending := p.queues[env.From]
	delete(p.queues, env.From)
	for _, q := range pending {
		h.deliver(c, q)
	}

	if len(p.members) == 2 {
		p.stopTimer()
	}

	logrus.WithFields(logrus.Fields{
		"pair":    key,
		"name":    env.From,
		"flushed": len(pending),
	}).Info("Relay member joined")
}

func (h *Hub) forward(env *Envelope) {
	c := env.client

	if c.expired {
		h.deliver(c, &Envelope{Type: TypeExpired})
		return
	}
	if c.pair == nil {
		h.reject(c, ReasonNotJoined)
		return
	}

	p := c.pair
	out := &Envelope{
		Type:    TypeSignal,
		Pair:    p.Key,
		From:    c.name,
		To:      c.peer,
		Payload: env.Payload,
	}

	if target, ok := p.members[c.peer]; ok {
		h.deliver(target, out)
		logrus.WithFields(logrus.Fields{"pair": p.Key, "from": c.name}).Debug("Relay forwarded signal")
		return
	}

	if len(p.queues[c.peer]) >= h.queueLimit {
		h.reject(c, ReasonQueueFull)
		return
	}
	p.queues[c.peer] = append(p.queues[c.peer], out)
	logrus.WithFields(logrus.Fields{
		"pair":   p.Key,
		"to":     c.peer,
		"queued": len(p.queues[c.peer]),
	}).Debug("Relay buffered signal for absent member")
}

func (h *Hub) leave(c *Client) {
	p := c.pair
	if p == nil {
		return
	}
	c.pair = nil

	if p.members[c.name] == c {
		delete(p.members, c.name)
	}

	if len(p.members) == 0 {
		p.stopTimer()
		delete(h.pairs, p.Key)
		logrus.WithField("pair", p.Key).Info("Relay pair removed")
		return
	}

	// The remaining member keeps buffering until the session expires.
	h.armTimer(p)
	logrus.WithFields(logrus.Fields{"pair": p.Key, "name": c.name}).Info("Relay member left")
}

func (h *Hub) armTimer(p *Pair) {
	if p.timer != nil {
		return
	}
	p.timerGen++
	gen := p.timerGen
	p.deadline = h.now().Add(h.sessionTimeout)
	p.timer = time.AfterFunc(h.sessionTimeout, func() {
		select {
		case h.expire <- expiry{pair: p, gen: gen}:
		case <-h.done:
		}
	})
}

func (h *Hub) expirePair(e expiry) {
	p := e.pair
	if h.pairs[p.Key] != p || p.timer == nil || e.gen != p.timerGen {
		return
	}

	p.timer = nil
	delete(h.pairs, p.Key)

	for _, c := range p.members {
		c.pair = nil
		c.expired = true
		h.deliver(c, &Envelope{Type: TypeExpired, Pair: p.Key})
	}

	logrus.WithFields(logrus.Fields{
		"pair":    p.Key,
		"dropped": p.queued(),
	}).Info("Relay pair expired")
}

func (h *Hub) reject(c *Client, reason string) {
	h.deliver(c, &Envelope{Type: TypeError, Error: reason})
}

// deliver never blocks the hub. A client that cannot keep up is
// disconnected; its ReadPump then unregisters it.
func (h *Hub) deliver(c *Client, env *Envelope) {
	select {
	case c.Send <- env:
	default:
		logrus.WithField("remote", c.Conn.RemoteAddr().String()).Warn("Relay client too slow, disconnecting")
		c.Conn.Close()
	}
}

func (h *Hub) snapshot() []PairStatus {
	out := make([]PairStatus, 0, len(h.pairs))
	for _, p := range h.pairs {
		members := make([]string, 0, len(p.members))
		for name := range p.members {
			members = append(members, name)
		}
		sort.Strings(members)

		s := PairStatus{
			ID:      p.ID,
			Pair:    p.Key,
			Members: members,
			Queued:  p.queued(),
			Created: p.Created,
		}
		if p.timer != nil {
			s.Expires = p.deadline
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}
