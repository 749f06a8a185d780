package transfer

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoelleStern/Tappi-share/internal/channel"
	"github.com/NoelleStern/Tappi-share/internal/utils"
)

const chunk = 8 * 1024

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31) + seed
	}
	return b
}

// source writes data under dir and returns its manifest entry.
func source(t *testing.T, dir, rel string, data []byte) Entry {
	t.Helper()
	local := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))
	require.NoError(t, os.WriteFile(local, data, 0o644))
	return Entry{Path: rel, Size: int64(len(data)), Digest: Digest(data), Local: local}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := map[string][]byte{
		"empty.txt":      nil,
		"tiny.txt":       []byte("hello"),
		"docs/readme.md": pattern(2*chunk+3, 1),
		"docs/big.bin":   pattern(100000, 7),
	}
	m := &Manifest{ChunkSize: chunk}
	for _, name := range []string{"empty.txt", "tiny.txt", "docs/readme.md", "docs/big.bin"} {
		m.Entries = append(m.Entries, source(t, src, name, files[name]))
	}

	a, b := channel.Pipe()
	ctx := testCtx(t)

	sent := Send(ctx, a, m, SendOptions{})
	recv, err := Receive(ctx, b, ReceiveOptions{OutputDir: dst})
	require.NoError(t, err)

	rres := recv.Wait()
	sres := sent.Wait()

	require.Equal(t, Completed, sres.Status, "%v", sres.Err)
	require.Equal(t, Completed, rres.Status, "%v", rres.Err)
	assert.Equal(t, m.TotalSize(), rres.Bytes)
	assert.Equal(t, m.TotalSize(), sres.Bytes)

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(name)))
		require.NoError(t, err, name)
		assert.Equal(t, len(want), len(got), name)
		assert.Equal(t, Digest(want), Digest(got), name)
	}

	events := drain(sent.Events())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, -1, last.File)
	assert.Equal(t, Completed, last.Status)
}

func TestRoundTripChunkSizes(t *testing.T) {
	tests := []struct {
		name      string
		chunkSize int
		want      int
	}{
		{"one byte", 1, utils.MinChunkSize},
		{"seven bytes", 7, utils.MinChunkSize},
		{"unset", 0, utils.DefaultChunkSize},
		{"odd", utils.MinChunkSize + 7, utils.MinChunkSize + 7},
		{"default", utils.DefaultChunkSize, utils.DefaultChunkSize},
		{"larger than the file", utils.MaxChunkSize * 4, utils.MaxChunkSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, dst := t.TempDir(), t.TempDir()
			data := pattern(40001, 5)
			m := &Manifest{ChunkSize: tt.chunkSize, Entries: []Entry{
				source(t, src, "data.bin", data),
				source(t, src, "small.txt", []byte("12345")),
			}}

			a, b := channel.Pipe()
			ctx := testCtx(t)
			sent := Send(ctx, a, m, SendOptions{})
			recv, err := Receive(ctx, b, ReceiveOptions{OutputDir: dst})
			require.NoError(t, err)

			rres := recv.Wait()
			sres := sent.Wait()
			require.Equal(t, Completed, sres.Status, "%v", sres.Err)
			require.Equal(t, Completed, rres.Status, "%v", rres.Err)

			got, err := os.ReadFile(filepath.Join(dst, "data.bin"))
			require.NoError(t, err)
			assert.Equal(t, data, got)

			assert.Equal(t, tt.want, sent.Manifest().ChunkSize)
			assert.Equal(t, tt.want, recv.Manifest().ChunkSize)
			assert.Equal(t, tt.chunkSize, m.ChunkSize, "caller's manifest must not change")
		})
	}
}

func TestEmptyDirectoriesRoundTrip(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dst, "project", "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "project", "logs", "old.log"), []byte("x"), 0o644))

	m := &Manifest{ChunkSize: chunk, Entries: []Entry{
		{Path: "project/build/out", Dir: true},
		{Path: "project/logs", Dir: true},
		source(t, src, "project/src/main.go", []byte("package main")),
	}}

	a, b := channel.Pipe()
	ctx := testCtx(t)
	sent := Send(ctx, a, m, SendOptions{})
	recv, err := Receive(ctx, b, ReceiveOptions{OutputDir: dst})
	require.NoError(t, err)

	rres := recv.Wait()
	sres := sent.Wait()
	require.Equal(t, Completed, sres.Status, "%v", sres.Err)
	require.Equal(t, Completed, rres.Status, "%v", rres.Err)

	info, err := os.Stat(filepath.Join(dst, "project", "build", "out"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// An existing directory is merged into, not renamed.
	assert.Equal(t, filepath.Join(dst, "project", "logs"), rres.Files[1].Local)
	_, err = os.Stat(filepath.Join(dst, "project", "logs", "old.log"))
	assert.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dst, "project", "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(got))
}

func TestDirectoryBlockedByFile(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dst, "cache"), []byte("file"), 0o644))

	m := &Manifest{ChunkSize: chunk, Entries: []Entry{
		{Path: "cache", Dir: true},
		source(t, src, "notes.txt", []byte("notes")),
	}}

	a, b := channel.Pipe()
	ctx := testCtx(t)
	sent := Send(ctx, a, m, SendOptions{})
	recv, err := Receive(ctx, b, ReceiveOptions{OutputDir: dst})
	require.NoError(t, err)

	rres := recv.Wait()
	sent.Wait()

	assert.Equal(t, Failed, rres.Files[0].Status)
	assert.ErrorIs(t, rres.Files[0].Err, ErrWriteFailed)
	assert.Equal(t, Completed, rres.Files[1].Status)
}

func TestDirectoryEntryWithContentRejected(t *testing.T) {
	m := &Manifest{Entries: []Entry{{Path: "dir", Dir: true, Size: 3}}}
	assert.ErrorIs(t, m.Validate(), ErrInvalidManifest)

	m = &Manifest{Entries: []Entry{{Path: "dir", Dir: true, Digest: Digest(nil)}}}
	assert.ErrorIs(t, m.Validate(), ErrInvalidManifest)

	m = &Manifest{Entries: []Entry{{Path: "dir", Dir: true}}}
	assert.NoError(t, m.Validate())
}

// A disconnect while the second file is in flight fails it and every file
// after it; the third file never starts.
func TestDisconnectMidTransfer(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	m := &Manifest{ChunkSize: chunk, Entries: []Entry{
		source(t, src, "zero", nil),
		source(t, src, "one", pattern(chunk, 2)),
		source(t, src, "three", pattern(3*chunk, 3)),
	}}

	a, b := channel.Pipe()
	a.CutAfter(1) // the manifest goes through, the first chunk does not

	ctx := testCtx(t)
	sent := Send(ctx, a, m, SendOptions{})
	recv, err := Receive(ctx, b, ReceiveOptions{OutputDir: dst})
	require.NoError(t, err)

	sres := sent.Wait()
	rres := recv.Wait()

	for _, res := range []Result{sres, rres} {
		assert.Equal(t, Failed, res.Status)
		assert.ErrorIs(t, res.Err, ErrChannelClosed)
		require.Len(t, res.Files, 3)
		assert.Equal(t, Completed, res.Files[0].Status)
		assert.Equal(t, Failed, res.Files[1].Status)
		assert.ErrorIs(t, res.Files[1].Err, ErrChannelClosed)
		assert.Equal(t, Failed, res.Files[2].Status)
		assert.ErrorIs(t, res.Files[2].Err, ErrChannelClosed)
		assert.Zero(t, res.Files[2].Bytes)
	}

	for _, ev := range drain(sent.Events()) {
		if ev.File == 2 {
			assert.NotEqual(t, InProgress, ev.Status, "third file must never start")
		}
	}

	_, err = os.Stat(filepath.Join(dst, "zero"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dst, "three"))
	assert.True(t, os.IsNotExist(err))
}

func TestDisconnectLeavesPartialFile(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	m := &Manifest{ChunkSize: chunk, Entries: []Entry{
		source(t, src, "one", pattern(chunk, 2)),
		source(t, src, "three", pattern(3*chunk, 3)),
	}}

	a, b := channel.Pipe()
	a.CutAfter(3) // manifest, file one, first chunk of file three

	ctx := testCtx(t)
	sent := Send(ctx, a, m, SendOptions{})
	recv, err := Receive(ctx, b, ReceiveOptions{OutputDir: dst})
	require.NoError(t, err)

	sres := sent.Wait()
	rres := recv.Wait()

	assert.Equal(t, Completed, sres.Files[0].Status)
	assert.Equal(t, Failed, sres.Files[1].Status)
	assert.Equal(t, int64(chunk), sres.Files[1].Bytes)
	assert.Equal(t, int64(chunk), rres.Files[1].Bytes)

	info, err := os.Stat(filepath.Join(dst, "three"))
	require.NoError(t, err)
	assert.Equal(t, int64(chunk), info.Size())
}

func TestSenderCancelClosesChannel(t *testing.T) {
	src := t.TempDir()
	m := &Manifest{ChunkSize: chunk, Entries: []Entry{source(t, src, "big", pattern(64*chunk, 1))}}

	a, b := channel.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A tiny window and a receiver that stops reading keep the sender parked.
	sent := Send(ctx, a, m, SendOptions{HighWaterMark: 2 * chunk, LowWaterMark: chunk})
	s := scripted{t: t, ch: b}
	s.expect(FrameManifest, nil)
	s.send(FrameAck, AckPayload{File: -1, OK: true})

	require.Eventually(t, func() bool { return a.BufferedAmount() >= 2*chunk }, 2*time.Second, time.Millisecond)
	cancel()

	res := sent.Wait()
	assert.ErrorIs(t, res.Err, ErrChannelClosed)
	assert.ErrorIs(t, res.Files[0].Err, ErrChannelClosed)
	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("channel left open after cancel")
	}
}

func TestReceiverCancelClosesChannel(t *testing.T) {
	a, b := channel.Pipe()
	s := scripted{t: t, ch: a}
	s.send(FrameManifest, manifestPayload(Entry{Path: "f", Size: 4, Digest: Digest([]byte("abcd"))}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	recv, err := Receive(ctx, b, ReceiveOptions{OutputDir: t.TempDir()})
	require.NoError(t, err)
	s.expect(FrameAck, nil)

	cancel()
	res := recv.Wait()
	assert.Equal(t, Failed, res.Status)
	assert.ErrorIs(t, res.Err, ErrChannelClosed)
	assert.ErrorIs(t, res.Files[0].Err, ErrChannelClosed)
}

// scripted drives the sender side of a pipe by hand.
type scripted struct {
	t  *testing.T
	ch channel.Channel
}

func (s scripted) send(typ string, payload any) {
	s.t.Helper()
	data, err := EncodeFrame(typ, payload)
	require.NoError(s.t, err)
	require.NoError(s.t, s.ch.Send(data))
}

func (s scripted) expect(typ string, payload any) {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := s.ch.Recv(ctx)
	require.NoError(s.t, err)
	f, err := ParseFrame(data)
	require.NoError(s.t, err)
	require.Equal(s.t, typ, f.Type)
	if payload != nil {
		require.NoError(s.t, f.DecodePayload(payload))
	}
}

func manifestPayload(entries ...Entry) ManifestPayload {
	m := Manifest{Entries: entries}
	return ManifestPayload{Entries: entries, ChunkSize: chunk, TotalSize: m.TotalSize()}
}

func TestTamperedFinalChunk(t *testing.T) {
	dst := t.TempDir()
	good := []byte("0123456789")
	other := []byte("abcd")

	a, b := channel.Pipe()
	s := scripted{t: t, ch: a}
	s.send(FrameManifest, manifestPayload(
		Entry{Path: "a.bin", Size: int64(len(good)), Digest: Digest(good)},
		Entry{Path: "b.bin", Size: int64(len(other)), Digest: Digest(other)},
	))

	recv, err := Receive(testCtx(t), b, ReceiveOptions{OutputDir: dst})
	require.NoError(t, err)
	s.expect(FrameAck, nil)

	s.send(FrameChunk, ChunkPayload{File: 0, Offset: 0, Data: []byte("0123456780"), Final: true})
	var ack AckPayload
	s.expect(FrameAck, &ack)
	assert.Equal(t, 0, ack.File)
	assert.False(t, ack.OK)
	assert.Equal(t, AckIntegrity, ack.Kind)

	s.send(FrameChunk, ChunkPayload{File: 1, Offset: 0, Data: other, Final: true})
	s.expect(FrameAck, &ack)
	assert.Equal(t, 1, ack.File)
	assert.True(t, ack.OK)

	s.send(FrameDone, nil)
	res := recv.Wait()

	assert.Equal(t, Failed, res.Status)
	assert.NoError(t, res.Err)
	assert.ErrorIs(t, res.Files[0].Err, ErrIntegrityMismatch)
	assert.Equal(t, Completed, res.Files[1].Status)
	require.Len(t, res.FailedFiles(), 1)
}

func TestDuplicateAndGapChunksDropped(t *testing.T) {
	dst := t.TempDir()
	data := pattern(20, 5)

	a, b := channel.Pipe()
	s := scripted{t: t, ch: a}
	s.send(FrameManifest, manifestPayload(Entry{Path: "f", Size: 20, Digest: Digest(data)}))

	recv, err := Receive(testCtx(t), b, ReceiveOptions{OutputDir: dst})
	require.NoError(t, err)
	s.expect(FrameAck, nil)

	s.send(FrameChunk, ChunkPayload{File: 0, Offset: 0, Data: data[:10]})
	s.send(FrameChunk, ChunkPayload{File: 0, Offset: 0, Data: data[:10]})
	s.send(FrameChunk, ChunkPayload{File: 0, Offset: 15, Data: data[15:]})
	s.send(FrameChunk, ChunkPayload{File: 7, Offset: 0, Data: data})
	s.send(FrameChunk, ChunkPayload{File: 0, Offset: 10, Data: data[10:], Final: true})

	var ack AckPayload
	s.expect(FrameAck, &ack)
	assert.True(t, ack.OK)
	assert.Equal(t, int64(20), ack.Offset)

	s.send(FrameChunk, ChunkPayload{File: 0, Offset: 10, Data: data[10:], Final: true})
	s.send(FrameDone, nil)

	res := recv.Wait()
	assert.Equal(t, Completed, res.Status)
	assert.Equal(t, int64(20), res.Files[0].Bytes)

	got, err := os.ReadFile(filepath.Join(dst, "f"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestUnsafePathRejectedBeforeWrite(t *testing.T) {
	paths := []string{"../evil.txt", "ok/../../evil.txt", "/etc/passwd", `..\evil.txt`, "C:/evil.txt"}

	for _, bad := range paths {
		t.Run(bad, func(t *testing.T) {
			dst := t.TempDir()
			a, b := channel.Pipe()
			s := scripted{t: t, ch: a}
			s.send(FrameManifest, manifestPayload(
				Entry{Path: "ok.txt", Size: 0, Digest: Digest(nil)},
				Entry{Path: "sub/fine.txt", Size: 0, Digest: Digest(nil)},
				Entry{Path: bad, Size: 0, Digest: Digest(nil)},
			))

			_, err := Receive(testCtx(t), b, ReceiveOptions{OutputDir: dst, LingerTimeout: 50 * time.Millisecond})
			assert.ErrorIs(t, err, ErrUnsafePath)

			var d DeclinePayload
			s.expect(FrameDecline, &d)
			assert.Contains(t, d.Reason, "unsafe path")

			left, err := os.ReadDir(dst)
			require.NoError(t, err)
			assert.Empty(t, left)
		})
	}
}

func TestFirstFrameMustBeManifest(t *testing.T) {
	a, b := channel.Pipe()
	s := scripted{t: t, ch: a}
	s.send(FrameChunk, ChunkPayload{File: 0, Data: []byte("x")})

	_, err := Receive(testCtx(t), b, ReceiveOptions{OutputDir: t.TempDir()})
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestDuplicateManifestPathsRejected(t *testing.T) {
	m := &Manifest{Entries: []Entry{
		{Path: "a", Digest: Digest(nil)},
		{Path: "a", Digest: Digest(nil)},
	}}
	assert.ErrorIs(t, m.Validate(), ErrInvalidManifest)

	a, _ := channel.Pipe()
	res := Send(testCtx(t), a, m, SendOptions{}).Wait()
	assert.ErrorIs(t, res.Err, ErrInvalidManifest)
	assert.Equal(t, Failed, res.Status)
}

func TestReceiverDeclines(t *testing.T) {
	src := t.TempDir()
	m := &Manifest{Entries: []Entry{source(t, src, "a", []byte("a"))}}

	a, b := channel.Pipe()
	ctx := testCtx(t)
	sent := Send(ctx, a, m, SendOptions{})

	var seen *Manifest
	_, err := Receive(ctx, b, ReceiveOptions{
		OutputDir: t.TempDir(),
		Accept: func(m *Manifest) bool {
			seen = m
			return false
		},
	})
	assert.ErrorIs(t, err, ErrTransferDeclined)
	require.NotNil(t, seen)
	assert.Equal(t, "a", seen.Entries[0].Path)
	assert.Empty(t, seen.Entries[0].Local)

	res := sent.Wait()
	assert.ErrorIs(t, res.Err, ErrTransferDeclined)
	assert.Equal(t, Failed, res.Files[0].Status)
}

func TestSourceReadErrorIsolated(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	missing := Entry{Path: "gone", Size: 10, Digest: Digest(pattern(10, 0)), Local: filepath.Join(src, "gone")}
	m := &Manifest{ChunkSize: chunk, Entries: []Entry{missing, source(t, src, "here", pattern(50, 1))}}

	a, b := channel.Pipe()
	ctx := testCtx(t)
	sent := Send(ctx, a, m, SendOptions{})
	recv, err := Receive(ctx, b, ReceiveOptions{OutputDir: dst})
	require.NoError(t, err)

	sres := sent.Wait()
	rres := recv.Wait()

	for _, res := range []Result{sres, rres} {
		assert.Equal(t, Failed, res.Status)
		assert.NoError(t, res.Err)
		assert.ErrorIs(t, res.Files[0].Err, ErrSourceReadError)
		assert.Equal(t, Completed, res.Files[1].Status)
	}
}

// countingChannel records the buffered amount seen before every send.
type countingChannel struct {
	*channel.End
	sends   atomic.Int64
	maxSeen atomic.Uint64
}

func (c *countingChannel) Send(data []byte) error {
	if b := c.End.BufferedAmount(); b > c.maxSeen.Load() {
		c.maxSeen.Store(b)
	}
	c.sends.Add(1)
	return c.End.Send(data)
}

func TestWatermarkPausesSender(t *testing.T) {
	src := t.TempDir()
	const high = 4 * chunk
	m := &Manifest{ChunkSize: chunk, Entries: []Entry{source(t, src, "f", pattern(32*chunk, 9))}}

	a, b := channel.Pipe()
	spy := &countingChannel{End: a}
	ctx := testCtx(t)
	sent := Send(ctx, spy, m, SendOptions{HighWaterMark: high, LowWaterMark: chunk})

	s := scripted{t: t, ch: b}
	s.expect(FrameManifest, nil)
	s.send(FrameAck, AckPayload{File: -1, OK: true})

	require.Eventually(t, func() bool { return a.BufferedAmount() >= high }, 2*time.Second, time.Millisecond)
	paused := spy.sends.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, paused, spy.sends.Load(), "sender kept going above the high watermark")

	for {
		var c ChunkPayload
		s.expect(FrameChunk, &c)
		if c.Final {
			break
		}
	}
	s.send(FrameAck, AckPayload{File: 0, Offset: 32 * chunk, OK: true})
	s.expect(FrameDone, nil)
	b.Close()

	res := sent.Wait()
	assert.Equal(t, Completed, res.Status)
	assert.Less(t, spy.maxSeen.Load(), uint64(high))
}

func TestFileStateTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{Pending, InProgress, true},
		{Pending, Completed, true},
		{Pending, Failed, true},
		{InProgress, Completed, true},
		{InProgress, Failed, true},
		{InProgress, Pending, false},
		{Completed, Failed, false},
		{Failed, InProgress, false},
	}
	for _, tt := range tests {
		fs := FileState{Status: tt.from}
		err := fs.transition(tt.to, nil)
		if tt.ok {
			assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
			assert.Equal(t, tt.to, fs.Status)
		} else {
			assert.Error(t, err, "%s -> %s", tt.from, tt.to)
			assert.Equal(t, tt.from, fs.Status)
		}
	}
}

func TestEventsDropOldest(t *testing.T) {
	m := &Manifest{Entries: []Entry{{Path: "a", Size: 1}}}
	tr := newTransfer(m, "test")
	for i := 0; i < EventBuffer+10; i++ {
		tr.emit(Event{File: 0, Bytes: int64(i)})
	}
	first := <-tr.Events()
	assert.Equal(t, int64(10), first.Bytes)
}
