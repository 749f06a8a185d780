package webrtc

import (
	"context"
	"fmt"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"github.com/NoelleStern/Tappi-share/internal/channel"
)

// DataChannel adapts a pion data channel to channel.Channel. Inbound
// messages queue in a bounded inbox; when it is full the pion read loop
// blocks, which pushes back on the remote sender.
type DataChannel struct {
	dc    *pion.DataChannel
	pc    *pion.PeerConnection
	inbox chan []byte

	done chan struct{}
	once sync.Once
}

func newDataChannel(dc *pion.DataChannel, pc *pion.PeerConnection, queue int) *DataChannel {
	d := &DataChannel{
		dc:    dc,
		pc:    pc,
		inbox: make(chan []byte, queue),
		done:  make(chan struct{}),
	}

	dc.OnMessage(func(msg pion.DataChannelMessage) {
		select {
		case d.inbox <- msg.Data:
		case <-d.done:
		}
	})
	dc.OnClose(d.shutdown)
	dc.OnError(func(error) { d.shutdown() })

	return d
}

func (d *DataChannel) shutdown() {
	d.once.Do(func() { close(d.done) })
}

func (d *DataChannel) Send(data []byte) error {
	select {
	case <-d.done:
		return channel.ErrClosed
	default:
	}

	if err := d.dc.Send(data); err != nil {
		select {
		case <-d.done:
			return channel.ErrClosed
		default:
		}
		return fmt.Errorf("data channel send: %w", err)
	}
	return nil
}

func (d *DataChannel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-d.inbox:
		return msg, nil
	default:
	}

	select {
	case msg := <-d.inbox:
		return msg, nil
	case <-d.done:
		// Messages that raced the close are still delivered.
		select {
		case msg := <-d.inbox:
			return msg, nil
		default:
		}
		return nil, channel.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *DataChannel) BufferedAmount() uint64 {
	return d.dc.BufferedAmount()
}

func (d *DataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	d.dc.SetBufferedAmountLowThreshold(threshold)
}

func (d *DataChannel) OnBufferedAmountLow(f func()) {
	d.dc.OnBufferedAmountLow(f)
}

// Close closes the data channel and the peer connection that owns it.
func (d *DataChannel) Close() error {
	d.shutdown()
	err := d.dc.Close()
	if cerr := d.pc.Close(); err == nil {
		err = cerr
	}
	return err
}

func (d *DataChannel) Done() <-chan struct{} {
	return d.done
}

var _ channel.Channel = (*DataChannel)(nil)
