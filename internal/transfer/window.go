package transfer

import (
	"context"
	"time"

	"github.com/NoelleStern/Tappi-share/internal/channel"
)

// window holds chunk submission while the channel's outbound buffer is
// above the high watermark, resuming once it drains to the low one.
type window struct {
	ch      channel.Channel
	high    uint64
	timeout time.Duration
	wake    chan struct{}
}

func newWindow(ch channel.Channel, high, low uint64, timeout time.Duration) *window {
	w := &window{ch: ch, high: high, timeout: timeout, wake: make(chan struct{}, 1)}
	ch.SetBufferedAmountLowThreshold(low)
	ch.OnBufferedAmountLow(func() {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	})
	return w
}

func (w *window) wait(ctx context.Context) error {
	for {
		buffered := w.ch.BufferedAmount()
		if buffered < w.high {
			return nil
		}

		timer := time.NewTimer(w.timeout)
		select {
		case <-w.wake:
			timer.Stop()
		case <-w.ch.Done():
			timer.Stop()
			return ErrChannelClosed
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if w.ch.BufferedAmount() < buffered {
				continue
			}
			return WrapError("send", ErrBufferTimeout, "buffer not draining")
		}
	}
}
