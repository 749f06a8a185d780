// Package manual is the copy/paste signaling Link. Messages are printed as
// printable blocks for the operator to carry to the other side, and blocks
// the operator pastes are parsed back.
package manual

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/NoelleStern/Tappi-share/internal/signaling"
)

// maxBlockLines bounds how many wrapped lines one pasted block may span.
const maxBlockLines = 256

// Link reads operator input from In and writes blocks to Out.
type Link struct {
	out   io.Writer
	codec signaling.Codec
	seq   *signaling.Sequencer

	// Prompt, when set, is called before each block is written.
	Prompt func(msg signaling.Message)

	lines    chan lineResult
	inputErr error
	ready    []signaling.Message
	done     chan struct{}
	once     sync.Once
	wmu      sync.Mutex
}

type lineResult struct {
	text string
	err  error
}

// New starts reading in immediately so Receive can honour its context while
// the operator has not typed anything.
func New(in io.Reader, out io.Writer, codec signaling.Codec) *Link {
	l := &Link{
		out:   out,
		codec: codec,
		seq:   signaling.NewSequencer(),
		lines: make(chan lineResult),
		done:  make(chan struct{}),
	}
	go l.readLines(in)
	return l
}

func (l *Link) readLines(in io.Reader) {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		select {
		case l.lines <- lineResult{text: sc.Text()}:
		case <-l.done:
			return
		}
	}

	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case l.lines <- lineResult{err: err}:
	case <-l.done:
	}
}

// Send writes one block. The closing bye after a successful connection is
// not shown; nobody is reading on the other side by then.
func (l *Link) Send(ctx context.Context, msg signaling.Message) error {
	select {
	case <-l.done:
		return signaling.ErrLinkClosed
	default:
	}
	if msg.Kind == signaling.KindBye && msg.Reason == signaling.ByeConnected {
		return nil
	}

	block, err := l.codec.Encode(l.seq.Stamp(msg))
	if err != nil {
		return err
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	if l.Prompt != nil {
		l.Prompt(msg)
	}
	if _, err := fmt.Fprintln(l.out, block); err != nil {
		return fmt.Errorf("%w: write block: %v", signaling.ErrLinkLost, err)
	}
	return nil
}

// Receive parses the next block. Blank lines are skipped and a block may be
// wrapped over several lines; a line that is not part of a block fails with
// ErrMalformedInput.
func (l *Link) Receive(ctx context.Context) (signaling.Message, error) {
	for {
		if len(l.ready) > 0 {
			m := l.ready[0]
			l.ready = l.ready[1:]
			return m, nil
		}

		msg, err := l.readBlock(ctx)
		if err != nil {
			return signaling.Message{}, err
		}
		l.ready = append(l.ready, l.seq.Accept(msg)...)
	}
}

func (l *Link) readBlock(ctx context.Context) (signaling.Message, error) {
	var parts []string

	for {
		line, err := l.nextLine(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return signaling.Message{}, err
			}
			if len(parts) > 0 {
				return l.codec.Decode(strings.Join(parts, ""))
			}
			return signaling.Message{}, fmt.Errorf("%w: operator input closed", signaling.ErrLinkLost)
		}

		text := strings.TrimSpace(line)
		if text == "" {
			if len(parts) == 0 {
				continue
			}
			return l.codec.Decode(strings.Join(parts, ""))
		}

		if len(parts) == 0 && !signaling.IsBlock(text) {
			return signaling.Message{}, fmt.Errorf("%w: expected a block starting with %q", signaling.ErrMalformedInput, signaling.PlainPrefix)
		}

		parts = append(parts, text)
		if msg, err := l.codec.Decode(strings.Join(parts, "")); err == nil {
			return msg, nil
		}
		if len(parts) >= maxBlockLines {
			return signaling.Message{}, fmt.Errorf("%w: block too long", signaling.ErrMalformedInput)
		}
	}
}

func (l *Link) nextLine(ctx context.Context) (string, error) {
	if l.inputErr != nil {
		return "", l.inputErr
	}

	select {
	case r := <-l.lines:
		if r.err != nil {
			l.inputErr = io.EOF
			if !errors.Is(r.err, io.EOF) {
				l.inputErr = fmt.Errorf("%w: read input: %v", signaling.ErrLinkLost, r.err)
			}
			return "", l.inputErr
		}
		return r.text, nil
	case <-l.done:
		return "", signaling.ErrLinkClosed
	case <-ctx.Done():
		return "", signaling.ContextError(ctx)
	}
}

// Close stops the input reader. It does not close In or Out.
func (l *Link) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

var _ signaling.Link = (*Link)(nil)
