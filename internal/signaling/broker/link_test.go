package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoelleStern/Tappi-share/internal/seal"
	"github.com/NoelleStern/Tappi-share/internal/signaling"
)

// memBus is an in-process broker with retained messages.
type memBus struct {
	mu       sync.Mutex
	subs     map[string][]func([]byte)
	retained map[string][]byte
	repeat   int
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[string][]func([]byte)), retained: make(map[string][]byte)}
}

func (b *memBus) client() *memClient {
	return &memClient{bus: b, lost: make(chan struct{})}
}

type memClient struct {
	bus  *memBus
	lost chan struct{}
	once sync.Once
}

func (c *memClient) Publish(topic string, payload []byte, retain bool) error {
	b := c.bus
	b.mu.Lock()
	if retain {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = payload
		}
	}
	handlers := append([]func([]byte){}, b.subs[topic]...)
	times := 1 + b.repeat
	b.mu.Unlock()

	for _, h := range handlers {
		for i := 0; i < times; i++ {
			h(payload)
		}
	}
	return nil
}

func (c *memClient) Subscribe(topic string, handler func([]byte)) error {
	b := c.bus
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], handler)
	kept, ok := b.retained[topic]
	b.mu.Unlock()

	if ok {
		go handler(kept)
	}
	return nil
}

func (c *memClient) Lost() <-chan struct{} { return c.lost }

func (c *memClient) drop() { c.once.Do(func() { close(c.lost) }) }

func (c *memClient) Close() {}

func pair(t *testing.T, bus *memBus, codec signaling.Codec) (*Link, *Link) {
	t.Helper()
	a, err := New(bus.client(), Config{Local: "alice", Remote: "bob", Codec: codec})
	require.NoError(t, err)
	b, err := New(bus.client(), Config{Local: "bob", Remote: "alice", Codec: codec})
	require.NoError(t, err)
	return a, b
}

func TestTopics(t *testing.T) {
	pub, sub := Topics("", "alice", "bob")
	assert.Equal(t, "tappi/alice/bob", pub)
	assert.Equal(t, "tappi/bob/alice", sub)
}

func TestNewRejectsSameName(t *testing.T) {
	_, err := New(newMemBus().client(), Config{Local: "x", Remote: "x"})
	assert.Error(t, err)
}

func TestExchangeInOrder(t *testing.T) {
	a, b := pair(t, newMemBus(), signaling.Codec{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, signaling.Offer("v=0 offer")))
	require.NoError(t, a.Send(ctx, signaling.Candidate("c1")))

	m, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, signaling.KindOffer, m.Kind)

	m, err = b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", m.Candidate)

	require.NoError(t, b.Send(ctx, signaling.Answer("v=0 answer")))
	m, err = a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, signaling.KindAnswer, m.Kind)
}

func TestRetainedOfferReachesLateSubscriber(t *testing.T) {
	bus := newMemBus()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, err := New(bus.client(), Config{Local: "alice", Remote: "bob"})
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, signaling.Offer("early")))

	b, err := New(bus.client(), Config{Local: "bob", Remote: "alice"})
	require.NoError(t, err)

	m, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "early", m.SDP)
}

// Everything sent before the peer subscribed reaches it in order, followed
// by what is sent after.
func TestLateSubscriberReplaysSession(t *testing.T) {
	bus := newMemBus()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, err := New(bus.client(), Config{Local: "alice", Remote: "bob"})
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, signaling.Offer("v=0 offer")))
	require.NoError(t, a.Send(ctx, signaling.Candidate("early")))

	b, err := New(bus.client(), Config{Local: "bob", Remote: "alice"})
	require.NoError(t, err)

	require.NoError(t, a.Send(ctx, signaling.Candidate("late")))
	require.NoError(t, a.Send(ctx, signaling.Bye(signaling.ByeConnected)))

	var got []string
	for i := 0; i < 4; i++ {
		m, err := b.Receive(ctx)
		require.NoError(t, err)
		got = append(got, m.String())
	}
	assert.Equal(t, []string{"offer#1", "candidate#2", "candidate#3", "bye(connected)#4"}, got)

	short, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()
	_, err = b.Receive(short)
	assert.ErrorIs(t, err, signaling.ErrTimeout)
}

func TestRetainedPayloadCarriesLog(t *testing.T) {
	bus := newMemBus()
	a, err := New(bus.client(), Config{Local: "alice", Remote: "bob"})
	require.NoError(t, err)
	require.NoError(t, a.Send(context.Background(), signaling.Offer("o")))
	require.NoError(t, a.Send(context.Background(), signaling.Candidate("c")))

	bus.mu.Lock()
	kept := string(bus.retained["tappi/alice/bob"])
	bus.mu.Unlock()

	blocks := strings.Split(kept, "\n")
	require.Len(t, blocks, 2)
	for _, block := range blocks {
		assert.True(t, signaling.IsBlock(block))
	}
}

func TestCloseClearsRetained(t *testing.T) {
	bus := newMemBus()
	a, err := New(bus.client(), Config{Local: "alice", Remote: "bob"})
	require.NoError(t, err)
	require.NoError(t, a.Send(context.Background(), signaling.Offer("o")))

	require.NoError(t, a.Close())

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.NotContains(t, bus.retained, "tappi/alice/bob")
}

func TestDuplicatesDropped(t *testing.T) {
	bus := newMemBus()
	bus.repeat = 2
	a, b := pair(t, bus, signaling.Codec{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, a.Send(ctx, signaling.Offer("o")))
	require.NoError(t, a.Send(ctx, signaling.Candidate("c")))

	_, err := b.Receive(ctx)
	require.NoError(t, err)
	_, err = b.Receive(ctx)
	require.NoError(t, err)

	short, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()
	_, err = b.Receive(short)
	assert.ErrorIs(t, err, signaling.ErrTimeout)
}

func TestSealedExchange(t *testing.T) {
	box, err := seal.New("hunter2")
	require.NoError(t, err)
	a, b := pair(t, newMemBus(), signaling.Codec{Box: box})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Send(ctx, signaling.Offer("secret")))

	m, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret", m.SDP)
}

func TestGarbageIsMalformed(t *testing.T) {
	bus := newMemBus()
	_, b := pair(t, bus, signaling.Codec{})

	require.NoError(t, bus.client().Publish("tappi/alice/bob", []byte("not a block"), false))

	_, err := b.Receive(context.Background())
	assert.ErrorIs(t, err, signaling.ErrMalformedInput)
}

func TestConnectionLost(t *testing.T) {
	bus := newMemBus()
	c := bus.client()
	l, err := New(c, Config{Local: "alice", Remote: "bob"})
	require.NoError(t, err)

	c.drop()

	_, err = l.Receive(context.Background())
	assert.True(t, errors.Is(err, signaling.ErrLinkLost))
	assert.ErrorIs(t, l.Send(context.Background(), signaling.Offer("o")), signaling.ErrLinkLost)
}
