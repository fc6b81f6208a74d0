package knight

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nightswatch/nightswatch/internal/dracarys"
)

type fakeWine struct {
	out    chan []byte
	drunk  chan dracarys.Frame
	napped chan struct{}
}

func newFakeWine() *fakeWine {
	return &fakeWine{
		out:    make(chan []byte, 4),
		drunk:  make(chan dracarys.Frame, 4),
		napped: make(chan struct{}, 4),
	}
}

func (w *fakeWine) WakeUp() <-chan []byte  { return w.out }
func (w *fakeWine) Drink(f dracarys.Frame) { w.drunk <- f }
func (w *fakeWine) TakeNap()               { w.napped <- struct{}{} }

func TestKnightSendsAndReceivesFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		n, _ := conn.Read(buf)
		require.Greater(t, n, 0)
		_, _ = conn.Write(dracarys.EncodeMessage(1, "ack"))
	}()

	wine := newFakeWine()
	k := New(ln.Addr().String(), wine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go k.DrinkWine(ctx)

	wine.out <- dracarys.EncodeMessage(1, "hello")

	select {
	case f := <-wine.drunk:
		require.Equal(t, dracarys.FlagMessage, f.Flag)
		require.Equal(t, "ack", f.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}

	<-serverDone
}
