package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/NoelleStern/Tappi-share/internal/channel"
	"github.com/NoelleStern/Tappi-share/internal/utils"
)

type ReceiveOptions struct {
	// OutputDir is the root every manifest path is written under.
	OutputDir string

	// Accept, when set, sees the validated manifest and may decline it.
	Accept func(m *Manifest) bool

	// LingerTimeout bounds the wait for the sender to hang up after a
	// decline.
	LingerTimeout time.Duration
}

// sink is the write side of one file.
type sink struct {
	dest     string
	file     *os.File
	hash     hash.Hash
	expected int64
}

type receiver struct {
	t     *Transfer
	ch    channel.Channel
	opts  ReceiveOptions
	sinks []*sink
	taken map[string]bool
}

// Receive reads and validates the manifest, then receives files in the
// background. Errors before the transfer starts are returned directly: a
// first frame that is not a manifest, an unsafe or invalid manifest, or a
// decline by Accept. Nothing is written to disk in those cases.
func Receive(ctx context.Context, ch channel.Channel, opts ReceiveOptions) (*Transfer, error) {
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.LingerTimeout <= 0 {
		opts.LingerTimeout = 5 * time.Second
	}

	m, err := readManifest(ctx, ch)
	if err != nil {
		ch.Close()
		return nil, err
	}

	if err := m.Validate(); err != nil {
		decline(ch, err.Error(), opts.LingerTimeout)
		return nil, NewError("check manifest", err)
	}
	if opts.Accept != nil && !opts.Accept(m) {
		decline(ch, "declined by receiver", opts.LingerTimeout)
		return nil, NewError("receive", ErrTransferDeclined)
	}

	r := &receiver{
		t:     newTransfer(m, "receive"),
		ch:    ch,
		opts:  opts,
		sinks: make([]*sink, len(m.Entries)),
		taken: make(map[string]bool),
	}
	for i, e := range m.Entries {
		dest, err := r.destination(e)
		if err != nil {
			decline(ch, err.Error(), opts.LingerTimeout)
			return nil, NewError("check manifest", err)
		}
		r.sinks[i] = &sink{dest: dest, hash: newDigest()}
		r.t.setLocal(i, dest)
	}

	for i, e := range m.Entries {
		switch {
		case e.Dir:
			r.createDir(i)
		case e.Size == 0:
			r.createEmpty(i)
		}
	}

	data, err := EncodeFrame(FrameAck, AckPayload{File: -1, OK: true})
	if err == nil {
		err = ch.Send(data)
	}
	if err != nil {
		r.closeSinks()
		r.t.finish(closedErr(err))
		return r.t, nil
	}

	go r.run(ctx)
	return r.t, nil
}

func readManifest(ctx context.Context, ch channel.Channel) (*Manifest, error) {
	data, err := ch.Recv(ctx)
	if err != nil {
		return nil, NewError("receive manifest", closedErr(err))
	}
	f, err := ParseFrame(data)
	if err != nil {
		return nil, NewError("receive manifest", err)
	}
	if f.Type != FrameManifest {
		return nil, NewError("receive manifest", fmt.Errorf("%w: first frame is %s", ErrProtocolViolation, f.Type))
	}

	var mp ManifestPayload
	if err := f.DecodePayload(&mp); err != nil {
		return nil, NewError("receive manifest", err)
	}
	m := &Manifest{Entries: mp.Entries, ChunkSize: mp.ChunkSize}
	if mp.TotalSize != m.TotalSize() {
		return nil, NewError("receive manifest",
			fmt.Errorf("%w: total %d does not match entries (%d)", ErrInvalidManifest, mp.TotalSize, m.TotalSize()))
	}
	return m, nil
}

// decline tells the sender no and waits for it to hang up.
func decline(ch channel.Channel, reason string, linger time.Duration) {
	if data, err := EncodeFrame(FrameDecline, DeclinePayload{Reason: reason}); err == nil {
		if err := ch.Send(data); err != nil {
			logrus.WithError(err).Debug("Could not send decline")
		}
	}
	select {
	case <-ch.Done():
	case <-time.After(linger):
	}
	ch.Close()
}

func newDigest() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

// destination maps a manifest path under the output directory. Files get a
// free name when something already exists there; directories are merged.
func (r *receiver) destination(e Entry) (string, error) {
	full, err := SafeJoin(r.opts.OutputDir, e.Path)
	if err != nil {
		return "", err
	}
	if e.Dir {
		return full, nil
	}

	dest := utils.GetUniqueFilename(full)
	ext := filepath.Ext(full)
	for n := 1; r.taken[dest]; n++ {
		dest = utils.GetUniqueFilename(fmt.Sprintf("%s (%d)%s", full[:len(full)-len(ext)], n, ext))
	}
	r.taken[dest] = true
	return dest, nil
}

func (r *receiver) open(i int) error {
	s := r.sinks[i]
	if err := os.MkdirAll(filepath.Dir(s.dest), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	return nil
}

func (r *receiver) createEmpty(i int) {
	e := r.t.manifest.Entries[i]
	if err := r.open(i); err != nil {
		r.t.move(i, Failed, NewFileError("create", e.Path, 0, errors.Join(ErrWriteFailed, err)))
		return
	}
	r.sinks[i].file.Close()
	r.sinks[i].file = nil

	if !bytes.Equal(Digest(nil), e.Digest) {
		r.t.move(i, Failed, NewFileError("verify", e.Path, 0, ErrIntegrityMismatch))
		return
	}
	r.t.move(i, Completed, nil)
}

func (r *receiver) createDir(i int) {
	e := r.t.manifest.Entries[i]
	if err := os.MkdirAll(r.sinks[i].dest, 0o755); err != nil {
		r.t.move(i, Failed, NewFileError("create", e.Path, 0, errors.Join(ErrWriteFailed, err)))
		return
	}
	r.t.move(i, Completed, nil)
}

func (r *receiver) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		r.ch.Close()
	}()

	cause := r.loop(ctx)
	if cause != nil && ctx.Err() != nil {
		cause = ErrChannelClosed
	}
	r.closeSinks()
	r.t.finish(cause)
}

func (r *receiver) loop(ctx context.Context) error {
	for {
		data, err := r.ch.Recv(ctx)
		if err != nil {
			return closedErr(err)
		}
		f, err := ParseFrame(data)
		if err != nil {
			return err
		}

		switch f.Type {
		case FrameChunk:
			var c ChunkPayload
			if err := f.DecodePayload(&c); err != nil {
				return err
			}
			if err := r.chunk(c); err != nil {
				return err
			}

		case FrameFileError:
			var fe FileErrorPayload
			if err := f.DecodePayload(&fe); err != nil {
				return err
			}
			r.sourceFailed(fe)

		case FrameDone:
			r.t.failRemaining(fmt.Errorf("%w: sender finished early", ErrProtocolViolation))
			return nil

		default:
			return fmt.Errorf("%w: unexpected %s frame", ErrProtocolViolation, f.Type)
		}
	}
}

// chunk applies one chunk. Chunks that do not continue their file exactly
// are dropped. Only a failed ack send is returned.
func (r *receiver) chunk(c ChunkPayload) error {
	if c.File < 0 || c.File >= len(r.sinks) {
		r.t.log.WithField("file", c.File).Debug("Dropping chunk for unknown file")
		return nil
	}
	if r.t.status(c.File).Terminal() {
		return nil
	}

	e := r.t.manifest.Entries[c.File]
	s := r.sinks[c.File]
	log := r.t.log.WithFields(logrus.Fields{"file": e.Path, "offset": c.Offset})

	if c.Offset != s.expected {
		log.WithField("expected", s.expected).Debug("Dropping out of order chunk")
		return nil
	}
	n := int64(len(c.Data))
	if s.expected+n > e.Size {
		return r.reject(c.File, AckIntegrity, fmt.Sprintf("chunk at %d overruns size %d", c.Offset, e.Size))
	}

	if s.file == nil {
		if err := r.open(c.File); err != nil {
			return r.reject(c.File, AckWriteFailed, err.Error())
		}
		r.t.move(c.File, InProgress, nil)
	}

	if _, err := s.file.Write(c.Data); err != nil {
		return r.reject(c.File, AckWriteFailed, err.Error())
	}
	s.hash.Write(c.Data)
	s.expected += n
	r.t.advance(c.File, n)

	if !c.Final && s.expected < e.Size {
		return nil
	}
	if s.expected != e.Size {
		return r.reject(c.File, AckIntegrity, fmt.Sprintf("final chunk ends at %d of %d", s.expected, e.Size))
	}

	err := s.file.Close()
	s.file = nil
	if err != nil {
		return r.reject(c.File, AckWriteFailed, err.Error())
	}
	if !bytes.Equal(s.hash.Sum(nil), e.Digest) {
		return r.reject(c.File, AckIntegrity, "digest does not match manifest")
	}

	r.t.move(c.File, Completed, nil)
	log.Debug("File received")
	return r.ack(AckPayload{File: c.File, Offset: s.expected, OK: true})
}

func (r *receiver) reject(i int, kind, reason string) error {
	e := r.t.manifest.Entries[i]
	s := r.sinks[i]
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}

	sentinel := ErrIntegrityMismatch
	if kind == AckWriteFailed {
		sentinel = ErrWriteFailed
	}
	r.t.log.WithFields(logrus.Fields{"file": e.Path, "reason": reason}).Warn("File rejected")
	r.t.move(i, Failed, NewFileError("receive", e.Path, s.expected, fmt.Errorf("%w: %s", sentinel, reason)))

	return r.ack(AckPayload{File: i, Offset: s.expected, Kind: kind, Reason: reason})
}

func (r *receiver) ack(a AckPayload) error {
	data, err := EncodeFrame(FrameAck, a)
	if err != nil {
		return err
	}
	if err := r.ch.Send(data); err != nil {
		return closedErr(err)
	}
	return nil
}

func (r *receiver) sourceFailed(fe FileErrorPayload) {
	if fe.File < 0 || fe.File >= len(r.sinks) || r.t.status(fe.File).Terminal() {
		return
	}
	s := r.sinks[fe.File]
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	e := r.t.manifest.Entries[fe.File]
	r.t.move(fe.File, Failed, NewFileError("receive", e.Path, s.expected, fmt.Errorf("%w: %s", ErrSourceReadError, fe.Reason)))
}

// closeSinks closes open files. Partial files stay on disk.
func (r *receiver) closeSinks() {
	for _, s := range r.sinks {
		if s != nil && s.file != nil {
			s.file.Close()
			s.file = nil
		}
	}
}
