package signaling

import "sync"

// maxPending bounds how many out-of-order messages are held while a gap is
// open. Anything further ahead is dropped.
const maxPending = 128

// Sequencer stamps outgoing messages with a monotonic counter and restores
// send order on the receiving side, dropping duplicates. Transports that
// may redeliver or reorder use it at the link boundary.
type Sequencer struct {
	mu      sync.Mutex
	sent    uint64
	next    uint64
	pending map[uint64]Message
}

func NewSequencer() *Sequencer {
	return &Sequencer{next: 1, pending: make(map[uint64]Message)}
}

// Stamp assigns the next sequence number.
func (s *Sequencer) Stamp(msg Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	msg.Seq = s.sent
	return msg
}

// Accept takes one received message and returns the messages that are now
// deliverable, in order. Unsequenced messages pass straight through.
func (s *Sequencer) Accept(msg Message) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Seq == 0 {
		return []Message{msg}
	}
	if msg.Seq < s.next {
		return nil
	}
	if msg.Seq > s.next {
		if _, dup := s.pending[msg.Seq]; !dup && len(s.pending) < maxPending {
			s.pending[msg.Seq] = msg
		}
		return nil
	}

	out := []Message{msg}
	s.next++
	for {
		m, ok := s.pending[s.next]
		if !ok {
			break
		}
		delete(s.pending, s.next)
		out = append(out, m)
		s.next++
	}
	return out
}

// Waiting reports whether out-of-order messages are held behind a gap.
func (s *Sequencer) Waiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}
