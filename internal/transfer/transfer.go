package transfer

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NoelleStern/Tappi-share/internal/channel"
)

// EventBuffer bounds the event stream. When a consumer lags, the oldest
// event is dropped.
const EventBuffer = 256

// Event reports progress of one file, or of the whole transfer when File
// is -1.
type Event struct {
	File   int
	Path   string
	Bytes  int64
	Total  int64
	Status Status
	Err    error
}

// Result is the outcome of a finished transfer. Err is set for failures
// that affect the whole transfer.
type Result struct {
	Files    []FileState
	Status   Status
	Err      error
	Bytes    int64
	Duration time.Duration
}

// FailedFiles returns the files that did not complete.
func (r Result) FailedFiles() []FileState {
	var out []FileState
	for _, f := range r.Files {
		if f.Status != Completed {
			out = append(out, f)
		}
	}
	return out
}

// Transfer is a running send or receive.
type Transfer struct {
	manifest *Manifest
	log      *logrus.Entry
	start    time.Time

	evMu   sync.Mutex
	events chan Event

	mu     sync.Mutex
	states []FileState

	done   chan struct{}
	result Result
}

func newTransfer(m *Manifest, direction string) *Transfer {
	t := &Transfer{
		manifest: m,
		log:      logrus.WithField("direction", direction),
		start:    time.Now(),
		events:   make(chan Event, EventBuffer),
		states:   make([]FileState, len(m.Entries)),
		done:     make(chan struct{}),
	}
	for i, e := range m.Entries {
		t.states[i] = FileState{Path: e.Path, Local: e.Local, Total: e.Size}
	}
	return t
}

func (t *Transfer) Manifest() *Manifest {
	return t.manifest
}

// Events streams progress and ends after the aggregate terminal event.
func (t *Transfer) Events() <-chan Event {
	return t.events
}

// Wait blocks until the transfer ends.
func (t *Transfer) Wait() Result {
	<-t.done
	return t.result
}

func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Snapshot returns a copy of the current per-file state.
func (t *Transfer) Snapshot() []FileState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]FileState(nil), t.states...)
}

func (t *Transfer) emit(ev Event) {
	t.evMu.Lock()
	defer t.evMu.Unlock()

	for {
		select {
		case t.events <- ev:
			return
		default:
		}
		select {
		case <-t.events:
		default:
		}
	}
}

func (t *Transfer) emitFile(i int) {
	t.mu.Lock()
	s := t.states[i]
	t.mu.Unlock()
	t.emit(Event{File: i, Path: s.Path, Bytes: s.Bytes, Total: s.Total, Status: s.Status, Err: s.Err})
}

func (t *Transfer) status(i int) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[i].Status
}

func (t *Transfer) move(i int, to Status, err error) {
	t.mu.Lock()
	terr := t.states[i].transition(to, err)
	t.mu.Unlock()

	if terr != nil {
		t.log.WithError(terr).Error("Dropped illegal file state change")
		return
	}
	t.log.WithFields(logrus.Fields{"file": t.manifest.Entries[i].Path, "status": to.String()}).Debug("File state")
	t.emitFile(i)
}

func (t *Transfer) setLocal(i int, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[i].Local = path
}

func (t *Transfer) advance(i int, n int64) {
	t.mu.Lock()
	t.states[i].Bytes += n
	t.mu.Unlock()
	t.emitFile(i)
}

// failRemaining fails every file that has not finished.
func (t *Transfer) failRemaining(err error) {
	for i := range t.manifest.Entries {
		if !t.status(i).Terminal() {
			t.move(i, Failed, err)
		}
	}
}

// finish fails what is left with cause, publishes the result and closes
// the event stream.
func (t *Transfer) finish(cause error) {
	if cause != nil {
		t.failRemaining(cause)
	}

	files := t.Snapshot()
	res := Result{Files: files, Status: Completed, Err: cause, Duration: time.Since(t.start)}
	for _, f := range files {
		res.Bytes += f.Bytes
		if f.Status != Completed {
			res.Status = Failed
		}
	}

	var aggErr error
	if res.Status == Failed {
		aggErr = cause
		if aggErr == nil {
			aggErr = errors.New("some files failed")
		}
	}
	t.emit(Event{File: -1, Bytes: res.Bytes, Total: t.manifest.TotalSize(), Status: res.Status, Err: aggErr})

	t.log.WithFields(logrus.Fields{"status": res.Status.String(), "bytes": res.Bytes}).Info("Transfer finished")

	t.result = res
	close(t.events)
	close(t.done)
}

// closedErr maps a channel failure to the transfer-wide error.
func closedErr(err error) error {
	if errors.Is(err, channel.ErrClosed) || errors.Is(err, ErrChannelClosed) {
		return ErrChannelClosed
	}
	return errors.Join(ErrChannelClosed, err)
}
