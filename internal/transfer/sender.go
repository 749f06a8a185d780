package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NoelleStern/Tappi-share/internal/channel"
	"github.com/NoelleStern/Tappi-share/internal/utils"
)

type SendOptions struct {
	HighWaterMark uint64
	LowWaterMark  uint64

	// SendTimeout bounds a wait for the buffer to drain.
	SendTimeout time.Duration
	// AckTimeout bounds the wait for a file acknowledgement.
	AckTimeout time.Duration
	// DrainTimeout bounds the wait for the receiver to hang up after done.
	DrainTimeout time.Duration
}

func (o *SendOptions) defaults() {
	if o.HighWaterMark == 0 {
		o.HighWaterMark = utils.HighWaterMark
	}
	if o.LowWaterMark == 0 || o.LowWaterMark >= o.HighWaterMark {
		o.LowWaterMark = o.HighWaterMark / 4
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = utils.SendTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = utils.SendTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
}

type sender struct {
	t    *Transfer
	ch   channel.Channel
	opts SendOptions
	win  *window
	buf  []byte

	replies chan Frame
	readErr chan error
}

// Send transfers every manifest entry over ch in order and returns at once.
// The channel is closed when the transfer ends; cancelling ctx closes it
// early. m is not modified; the transfer works on a copy with the chunk size
// clamped.
func Send(ctx context.Context, ch channel.Channel, m *Manifest, opts SendOptions) *Transfer {
	opts.defaults()
	own := &Manifest{
		Entries:   append([]Entry(nil), m.Entries...),
		ChunkSize: utils.ClampChunkSize(m.ChunkSize),
	}

	s := &sender{
		t:       newTransfer(own, "send"),
		ch:      ch,
		opts:    opts,
		win:     newWindow(ch, opts.HighWaterMark, opts.LowWaterMark, opts.SendTimeout),
		buf:     make([]byte, own.ChunkSize),
		replies: make(chan Frame),
		readErr: make(chan error, 1),
	}
	go s.run(ctx)
	return s.t
}

func (s *sender) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		s.ch.Close()
	}()
	go s.readLoop(ctx)

	cause := s.transfer(ctx)
	if cause != nil && ctx.Err() != nil {
		cause = ErrChannelClosed
	}
	s.t.finish(cause)
}

func (s *sender) readLoop(ctx context.Context) {
	for {
		data, err := s.ch.Recv(ctx)
		if err == nil {
			var f Frame
			if f, err = ParseFrame(data); err == nil {
				select {
				case s.replies <- f:
					continue
				case <-ctx.Done():
					return
				}
			}
		}
		s.readErr <- err
		return
	}
}

// next returns the next frame from the receiver. A zero timeout waits
// until the channel closes.
func (s *sender) next(ctx context.Context, timeout time.Duration) (Frame, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case f := <-s.replies:
		return f, nil
	case err := <-s.readErr:
		if errors.Is(err, ErrProtocolViolation) {
			return Frame{}, err
		}
		return Frame{}, closedErr(err)
	case <-ctx.Done():
		return Frame{}, ErrChannelClosed
	case <-expired:
		return Frame{}, ErrTimeout
	}
}

func (s *sender) transfer(ctx context.Context) error {
	m := s.t.manifest
	if err := m.Validate(); err != nil {
		return err
	}

	data, err := EncodeFrame(FrameManifest, ManifestPayload{
		Entries:   m.Entries,
		ChunkSize: m.ChunkSize,
		TotalSize: m.TotalSize(),
	})
	if err != nil {
		return err
	}
	if err := s.ch.Send(data); err != nil {
		return closedErr(err)
	}

	// The receiver may ask a human, so the verdict has no deadline.
	verdict, err := s.next(ctx, 0)
	if err != nil {
		return err
	}
	switch verdict.Type {
	case FrameAck:
		var ack AckPayload
		if err := verdict.DecodePayload(&ack); err != nil {
			return err
		}
		if ack.File != -1 || !ack.OK {
			return fmt.Errorf("%w: manifest answered with ack for file %d", ErrProtocolViolation, ack.File)
		}
	case FrameDecline:
		var d DeclinePayload
		if err := verdict.DecodePayload(&d); err != nil {
			return err
		}
		return WrapError("send", ErrTransferDeclined, d.Reason)
	default:
		return fmt.Errorf("%w: manifest answered with %s", ErrProtocolViolation, verdict.Type)
	}

	for i := range m.Entries {
		if err := s.sendFile(ctx, i); err != nil {
			return err
		}
	}

	if data, err = EncodeFrame(FrameDone, nil); err == nil {
		err = s.ch.Send(data)
	}
	if err != nil {
		return closedErr(err)
	}

	select {
	case <-s.ch.Done():
	case <-time.After(s.opts.DrainTimeout):
		s.t.log.Debug("Receiver did not hang up after done")
	case <-ctx.Done():
	}
	return nil
}

// sendFile returns an error only when the whole transfer must stop.
func (s *sender) sendFile(ctx context.Context, i int) error {
	e := s.t.manifest.Entries[i]
	log := s.t.log.WithField("file", e.Path)

	if e.Dir || e.Size == 0 {
		s.t.move(i, Completed, nil)
		return nil
	}

	f, err := os.Open(e.Local)
	if err != nil {
		return s.sourceFailed(i, 0, err)
	}
	defer f.Close()

	s.t.move(i, InProgress, nil)

	var offset int64
	for offset < e.Size {
		if err := s.win.wait(ctx); err != nil {
			return s.abort(ctx, i, offset, err)
		}

		n := min(int64(len(s.buf)), e.Size-offset)
		if _, err := io.ReadFull(f, s.buf[:n]); err != nil {
			return s.sourceFailed(i, offset, err)
		}

		data, err := EncodeFrame(FrameChunk, ChunkPayload{
			File:   i,
			Offset: offset,
			Data:   s.buf[:n],
			Final:  offset+n == e.Size,
		})
		if err != nil {
			return err
		}
		if err := s.ch.Send(data); err != nil {
			return s.abort(ctx, i, offset, err)
		}

		offset += n
		s.t.advance(i, n)
	}

	log.WithField("offset", offset).Debug("Final chunk sent, waiting for ack")

	for {
		reply, err := s.next(ctx, s.opts.AckTimeout)
		if err != nil {
			return s.abort(ctx, i, offset, err)
		}

		switch reply.Type {
		case FrameAck:
			var ack AckPayload
			if err := reply.DecodePayload(&ack); err != nil {
				return s.abort(ctx, i, offset, err)
			}
			if ack.File != i {
				log.WithField("ack", ack.File).Debug("Ignoring ack for another file")
				continue
			}
			if ack.OK {
				s.t.move(i, Completed, nil)
			} else {
				s.t.move(i, Failed, NewFileError("deliver", e.Path, ack.Offset, rejection(ack)))
			}
			return nil
		default:
			log.WithField("frame", reply.Type).Debug("Ignoring unexpected frame")
		}
	}
}

// rejection turns a negative ack into the matching error.
func rejection(ack AckPayload) error {
	if ack.Kind == AckWriteFailed {
		return fmt.Errorf("%w: %s", ErrWriteFailed, ack.Reason)
	}
	return fmt.Errorf("%w: %s", ErrIntegrityMismatch, ack.Reason)
}

// sourceFailed reports a local read error to the receiver and fails only
// this file.
func (s *sender) sourceFailed(i int, offset int64, cause error) error {
	e := s.t.manifest.Entries[i]
	logrus.WithError(cause).WithFields(logrus.Fields{"file": e.Path, "offset": offset}).Warn("Cannot read source file")

	data, err := EncodeFrame(FrameFileError, FileErrorPayload{File: i, Reason: cause.Error()})
	if err == nil {
		err = s.ch.Send(data)
	}

	s.t.move(i, Failed, NewFileError("read", e.Path, offset, fmt.Errorf("%w: %v", ErrSourceReadError, cause)))
	if err != nil {
		return closedErr(err)
	}
	return nil
}

// abort fails file i and returns the transfer-wide cause.
func (s *sender) abort(ctx context.Context, i int, offset int64, err error) error {
	cause := err
	if ctx.Err() != nil || errors.Is(err, channel.ErrClosed) || errors.Is(err, ErrChannelClosed) {
		cause = ErrChannelClosed
	}
	e := s.t.manifest.Entries[i]
	s.t.move(i, Failed, NewFileError("send", e.Path, offset, cause))
	return cause
}
