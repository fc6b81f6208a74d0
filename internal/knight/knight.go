// Package knight implements the generic reconnecting TCP client described in
// spec.md §4.7/§5 ("the generic reconnecting client"), grounded on
// original_source/src/knight.rs's Wine/Knight pair. A Wine supplies the
// frames to send and receives the frames read back; Knight owns the
// reconnect loop and the 1-second backoff between attempts.
package knight

import (
	"context"
	"net"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/nightswatch/nightswatch/internal/dracarys"
)

// reconnectDelay is the pause after any disconnect before retrying, per
// spec.md §5's "sleeps 1 s after any disconnect before retrying".
const reconnectDelay = time.Second

const readChunk = 4096

// Wine is the behavior a caller plugs into Knight: a source of outgoing
// frames (WakeUp, called once per successful connection) and a sink for
// incoming frames (Drink), plus a notification when the connection drops
// (TakeNap).
type Wine interface {
	WakeUp() <-chan []byte
	Drink(f dracarys.Frame)
	TakeNap()
}

// Knight owns the reconnect loop to a single remote address.
type Knight struct {
	target string
	wine   Wine
	logger log.Logger
}

// New creates a Knight that will dial target.
func New(target string, wine Wine, logger log.Logger) *Knight {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Knight{target: target, wine: wine, logger: log.With(logger, "component", "knight")}
}

// DrinkWine runs the reconnect loop until ctx is cancelled.
func (k *Knight) DrinkWine(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if k.runOnce(ctx) {
			k.wine.TakeNap()
			level.Warn(k.logger).Log("msg", "disconnected, will reconnect", "target", k.target)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// runOnce dials once, serves the connection until it drops or ctx is
// cancelled, and reports whether a connection was ever established (the
// caller only naps the Wine after a real disconnection, not a failed dial,
// matching knight.rs's take_nap() placement inside its Ok(stream) arm).
func (k *Knight) runOnce(ctx context.Context) bool {
	conn, err := net.Dial("tcp", k.target)
	if err != nil {
		level.Error(k.logger).Log("msg", "failed to connect", "target", k.target, "err", err)
		return false
	}
	defer conn.Close()
	level.Info(k.logger).Log("msg", "connected", "target", k.target)

	outgoing := k.wine.WakeUp()
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		buf := make([]byte, 0, readChunk)
		tmp := make([]byte, readChunk)
		for {
			f, consumed, err := dracarys.Decode(buf)
			switch err {
			case nil:
				buf = buf[consumed:]
				k.wine.Drink(f)
				continue
			case dracarys.ErrNeedMore:
			default:
				level.Warn(k.logger).Log("msg", "frame decode failed", "err", err)
				return
			}

			n, readErr := conn.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
			}
			if readErr != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true
		case <-readerDone:
			return true
		case frame, ok := <-outgoing:
			if !ok {
				return true
			}
			if _, err := conn.Write(frame); err != nil {
				level.Error(k.logger).Log("msg", "write failed", "err", err)
				return true
			}
		}
	}
}
