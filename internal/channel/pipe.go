package channel

import (
	"context"
	"sync"
)

// pipe is the shared state behind two Pipe ends. Index i of every array
// belongs to end i; queues[i] holds messages waiting to be read by end i.
type pipe struct {
	mu        sync.Mutex
	queues    [2][][]byte
	queued    [2]uint64
	threshold [2]uint64
	onLow     [2]func()
	wake      [2]chan struct{}
	sent      [2]int
	cutAfter  [2]int
	cutSet    [2]bool

	done chan struct{}
	once sync.Once
}

// End is one side of an in-memory Channel created by Pipe.
type End struct {
	p  *pipe
	id int
}

// Pipe returns two connected in-memory channel ends. Messages are delivered
// in order and an end's buffered amount is the number of bytes the other end
// has not read yet.
func Pipe() (*End, *End) {
	p := &pipe{done: make(chan struct{})}
	for i := range p.wake {
		p.wake[i] = make(chan struct{}, 1)
	}
	return &End{p: p, id: 0}, &End{p: p, id: 1}
}

func (e *End) other() int { return 1 - e.id }

// CutAfter makes the pipe disconnect once this end has sent n more messages.
// The send that would exceed n fails with ErrClosed.
func (e *End) CutAfter(n int) {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	e.p.cutAfter[e.id] = e.p.sent[e.id] + n
	e.p.cutSet[e.id] = true
}

func (e *End) Send(data []byte) error {
	p := e.p
	p.mu.Lock()

	select {
	case <-p.done:
		p.mu.Unlock()
		return ErrClosed
	default:
	}

	if p.cutSet[e.id] && p.sent[e.id] >= p.cutAfter[e.id] {
		p.mu.Unlock()
		e.Close()
		return ErrClosed
	}

	msg := make([]byte, len(data))
	copy(msg, data)

	o := e.other()
	p.queues[o] = append(p.queues[o], msg)
	p.queued[o] += uint64(len(msg))
	p.sent[e.id]++
	p.mu.Unlock()

	select {
	case p.wake[o] <- struct{}{}:
	default:
	}
	return nil
}

// Recv returns queued messages before reporting ErrClosed, so nothing sent
// ahead of a close is lost.
func (e *End) Recv(ctx context.Context) ([]byte, error) {
	p := e.p
	for {
		p.mu.Lock()
		if len(p.queues[e.id]) > 0 {
			msg := p.queues[e.id][0]
			p.queues[e.id][0] = nil
			p.queues[e.id] = p.queues[e.id][1:]

			o := e.other()
			before := p.queued[e.id]
			p.queued[e.id] -= uint64(len(msg))
			var cb func()
			if before > p.threshold[o] && p.queued[e.id] <= p.threshold[o] {
				cb = p.onLow[o]
			}
			p.mu.Unlock()

			if cb != nil {
				cb()
			}
			return msg, nil
		}
		p.mu.Unlock()

		select {
		case <-p.wake[e.id]:
		case <-p.done:
			p.mu.Lock()
			empty := len(p.queues[e.id]) == 0
			p.mu.Unlock()
			if empty {
				return nil, ErrClosed
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *End) BufferedAmount() uint64 {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	return e.p.queued[e.other()]
}

func (e *End) SetBufferedAmountLowThreshold(threshold uint64) {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	e.p.threshold[e.id] = threshold
}

func (e *End) OnBufferedAmountLow(f func()) {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	e.p.onLow[e.id] = f
}

// Close closes both ends.
func (e *End) Close() error {
	e.p.once.Do(func() { close(e.p.done) })
	return nil
}

func (e *End) Done() <-chan struct{} {
	return e.p.done
}

var _ Channel = (*End)(nil)
