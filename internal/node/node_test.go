package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightswatch/nightswatch/internal/codec"
)

func TestNewDefaults(t *testing.T) {
	n := New(1)
	require.Equal(t, HealthUnknown, n.HealthStatus)
	require.True(t, n.AlertEnabled)
	require.True(t, n.MetricEnabled)
	require.True(t, n.TakeHealthCheckInit())
	require.False(t, n.TakeHealthCheckInit())
}

func TestParseDeclarativeOverridesOnlyPresentKeys(t *testing.T) {
	n := New(1)
	n.ParseDeclarative(codec.JSON{"alert_enabled": false, "health_report_threshold": float64(30)})
	require.False(t, n.AlertEnabled)
	require.Equal(t, uint64(30), n.HealthReportThreshold)
	// Untouched keys keep their constructor defaults.
	require.True(t, n.MetricEnabled)
}

func TestAddChildLinksBothEdges(t *testing.T) {
	parent := New(1)
	child := New(2)
	parent.AddChild(child)

	require.Len(t, parent.Children, 1)
	require.Equal(t, child, parent.Children[0])
	require.Len(t, child.Parents, 1)
	require.Equal(t, parent, child.Parents[0])
}

func TestChildByName(t *testing.T) {
	parent := New(1)
	child := New(2)
	child.Name = "svc"
	parent.AddChild(child)

	found, ok := parent.ChildByName("svc")
	require.True(t, ok)
	require.Equal(t, child, found)

	_, ok = parent.ChildByName("missing")
	require.False(t, ok)
}

func TestSetAppPath(t *testing.T) {
	n := New(1)
	n.SetAppPath("app1", ".app1.svc")
	require.Equal(t, AppPath{Path: ".app1.svc"}, n.AppMeta["app1"])
}
