package nightfort

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nightswatch/nightswatch/internal/codec"
	"github.com/nightswatch/nightswatch/internal/dracarys"
	"github.com/nightswatch/nightswatch/internal/landing"
	"github.com/nightswatch/nightswatch/internal/watcher"
)

func newTestWatcher(t *testing.T) *watcher.Watcher {
	t.Helper()
	cfg := landing.WatcherConfig{
		WatcherTickInterval: 10,
		Applications: []map[string]interface{}{
			{
				"name": "app1",
				"children": map[string]interface{}{
					"svc": map[string]interface{}{},
				},
			},
		},
	}
	w, err := watcher.New(cfg, nil, nil)
	require.NoError(t, err)
	w.RunTick(codec.Now())
	return w
}

func dialedPair(t *testing.T, s *Server) net.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.bind = ln.Addr().String()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close(); ln.Close() })
	return client
}

func TestTargetAllocatesAndMapsID(t *testing.T) {
	w := newTestWatcher(t)
	s := New("127.0.0.1:0", w, nil)
	client := dialedPair(t, s)

	frame := dracarys.EncodeTarget(1, []string{".app1.svc"}, "pod1", "")
	_, err := client.Write(frame)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := w.LocateNode(".app1.svc.pod1")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestReportUpdatesHealthAfterTarget(t *testing.T) {
	w := newTestWatcher(t)
	s := New("127.0.0.1:0", w, nil)
	client := dialedPair(t, s)

	_, err := client.Write(dracarys.EncodeTarget(1, []string{".app1.svc"}, "pod1", ""))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := w.LocateNode(".app1.svc.pod1")
		return ok
	}, time.Second, 10*time.Millisecond)

	_, err = client.Write(dracarys.EncodeReport(1, 77))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, ok := w.LocateNode(".app1.svc.pod1")
		if !ok {
			return false
		}
		n.RLock()
		defer n.RUnlock()
		return n.HealthStatus == 77
	}, time.Second, 10*time.Millisecond)
}

// TestConcurrentLeafCreation mirrors spec.md §8 scenario 4: two connections
// racing Target(id=1, paths=[".app1.svc"], name="pod1") end up with exactly
// one new leaf, and both map their local id=1 to it.
func TestConcurrentLeafCreation(t *testing.T) {
	w := newTestWatcher(t)
	s1 := New("127.0.0.1:0", w, nil)
	s2 := New("127.0.0.1:0", w, nil)

	c1 := dialedPair(t, s1)
	c2 := dialedPair(t, s2)

	frame := dracarys.EncodeTarget(1, []string{".app1.svc"}, "pod1", "")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = c1.Write(frame) }()
	go func() { defer wg.Done(); _, _ = c2.Write(frame) }()
	wg.Wait()

	require.Eventually(t, func() bool {
		_, ok := w.LocateNode(".app1.svc.pod1")
		return ok
	}, time.Second, 10*time.Millisecond)

	root, ok := w.AppByName("app1")
	require.True(t, ok)
	svc, ok := root.Root().ChildByName("svc")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return len(svc.ChildrenSnapshot()) == 1
	}, time.Second, 10*time.Millisecond)
}
