package hub

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Pair is the relay state for two named participants. Messages for a member
// that is not connected wait in its queue.
type Pair struct {
	ID      string
	Key     string
	Created time.Time

	members map[string]*Client
	queues  map[string][]*Envelope

	timer    *time.Timer
	timerGen int
	deadline time.Time
}

// PairKey is order independent so both participants land on the same pair.
func PairKey(a, b string) string {
	names := []string{a, b}
	sort.Strings(names)
	return strings.Join(names, "~")
}

func newPair(key string, now time.Time) *Pair {
	return &Pair{
		ID:      uuid.NewString(),
		Key:     key,
		Created: now,
		members: make(map[string]*Client),
		queues:  make(map[string][]*Envelope),
	}
}

func (p *Pair) queued() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

func (p *Pair) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
		p.timerGen++
	}
}

// PairStatus is a read-only snapshot for the status endpoint.
type PairStatus struct {
	ID      string    `json:"id"`
	Pair    string    `json:"pair"`
	Members []string  `json:"members"`
	Queued  int       `json:"queued"`
	Created time.Time `json:"created"`
	Expires time.Time `json:"expires,omitzero"`
}
