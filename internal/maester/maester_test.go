package maester

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nightswatch/nightswatch/internal/alert"
)

type fakeWatcherControl struct {
	snapshotTaken chan struct{}
	loadCalled    chan struct{}
}

func newFakeWatcherControl() *fakeWatcherControl {
	return &fakeWatcherControl{
		snapshotTaken: make(chan struct{}, 1),
		loadCalled:    make(chan struct{}, 1),
	}
}

func (f *fakeWatcherControl) TakeSnapshot() error {
	f.snapshotTaken <- struct{}{}
	return nil
}

func (f *fakeWatcherControl) LoadSnapshotFromBus(ctx context.Context) error {
	f.loadCalled <- struct{}{}
	return nil
}

func startTestHub(t *testing.T) (*Hub, *fakeWatcherControl, string) {
	t.Helper()
	fake := newFakeWatcherControl()
	h := NewHub(fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return h, fake, url
}

func TestTakeSnapshotMessageInvokesWatcher(t *testing.T) {
	_, fake, url := startTestHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"method": "take_snapshot"}))

	select {
	case <-fake.snapshotTaken:
	case <-time.After(2 * time.Second):
		t.Fatal("TakeSnapshot was not called")
	}
}

func TestLoadSnapshotMessageInvokesWatcher(t *testing.T) {
	_, fake, url := startTestHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"method": "load_snapshot"}))

	select {
	case <-fake.loadCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("LoadSnapshotFromBus was not called")
	}
}

func TestBroadcastAlertReachesConnectedSession(t *testing.T) {
	h, _, url := startTestHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the session a moment to register before broadcasting.
	time.Sleep(50 * time.Millisecond)
	h.BroadcastAlert(alert.Alert{AppPath: ".app1.svc", NodeID: 1, Severity: 2, Description: "bad"})

	var got map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "new_alert", got["method"])
}
