package watcher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightswatch/nightswatch/internal/codec"
	"github.com/nightswatch/nightswatch/internal/landing"
	"github.com/nightswatch/nightswatch/internal/node"
)

func newTestWatcher(t *testing.T) *Watcher {
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
	w, err := New(cfg, nil, nil)
	require.NoError(t, err)
	return w
}

func TestLocateNodeAfterTick(t *testing.T) {
	w := newTestWatcher(t)
	w.RunTick(codec.Now())

	n, ok := w.LocateNode(".app1.svc")
	require.True(t, ok)
	require.Equal(t, "svc", n.Name)
}

func TestLocateNodeWithPathsOR(t *testing.T) {
	w := newTestWatcher(t)
	w.RunTick(codec.Now())

	n, path, ok := w.LocateNodeWithPaths([]string{".missing", ".app1.svc"})
	require.True(t, ok)
	require.Equal(t, ".app1.svc", path)
	require.Equal(t, "svc", n.Name)
}

func TestAllocateLeafMarksAppDirty(t *testing.T) {
	w := newTestWatcher(t)
	w.RunTick(codec.Now())

	leaf, path, err := w.AllocateLeaf(".app1.svc", "pod1", codec.JSON{})
	require.NoError(t, err)
	require.Equal(t, ".app1.svc.pod1", path)
	require.Equal(t, node.KindLeaf, leaf.Kind)

	// AllocateLeaf indexes the new leaf's path immediately (Nightfort's
	// double-checked locate depends on it), but the leaf has no AppMeta entry
	// until the next tick re-runs Init for the dirtied application.
	_, ok := w.LocateNode(".app1.svc.pod1")
	require.True(t, ok)
	leaf.RLock()
	_, hasMeta := leaf.AppMeta["app1"]
	leaf.RUnlock()
	require.False(t, hasMeta)

	w.RunTick(codec.Now())
	found, ok := w.LocateNode(".app1.svc.pod1")
	require.True(t, ok)
	require.Equal(t, leaf.ID, found.ID)
	leaf.RLock()
	meta := leaf.AppMeta["app1"]
	leaf.RUnlock()
	require.Equal(t, ".app1.svc.pod1", meta.Path)
}

func TestSnapshotRoundTrip(t *testing.T) {
	w := newTestWatcher(t)
	w.RunTick(codec.Now())

	doc := w.Snapshot()
	require.Contains(t, doc.Applications, "app1")
	require.NotEmpty(t, doc.Nodes)

	w2 := newTestWatcher(t)
	w2.LoadSnapshot(doc)

	app, ok := w2.AppByName("app1")
	require.True(t, ok)
	require.Equal(t, "app1", app.Root().Name)

	svc, ok := app.Root().ChildByName("svc")
	require.True(t, ok)
	require.Equal(t, "svc", svc.Name)
}
