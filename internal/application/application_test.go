package application

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightswatch/nightswatch/internal/alert"
	"github.com/nightswatch/nightswatch/internal/codec"
	"github.com/nightswatch/nightswatch/internal/eval"
	"github.com/nightswatch/nightswatch/internal/event"
	"github.com/nightswatch/nightswatch/internal/metric"
	"github.com/nightswatch/nightswatch/internal/node"
	"github.com/nightswatch/nightswatch/internal/store"
)

type fakeSink struct {
	metrics []metric.Metric
	events  []event.Event
	alerts  []alert.Alert
}

func (f *fakeSink) SendMetric(m metric.Metric) { f.metrics = append(f.metrics, m) }
func (f *fakeSink) SendEvent(e event.Event)    { f.events = append(f.events, e) }
func (f *fakeSink) SendAlert(a alert.Alert)    { f.alerts = append(f.alerts, a) }

func buildTwoLeafApp(t *testing.T, st *store.Store) *Application {
	t.Helper()
	app, err := ParseTopology(st, codec.JSON{
		"name": "A",
		"children": map[string]interface{}{
			"x": map[string]interface{}{},
			"y": map[string]interface{}{},
		},
	}, nil)
	require.NoError(t, err)
	return app
}

// markFreshLeaf flips n to a Leaf with a just-now report, so the run pass
// treats it as externally reported rather than dead.
func markFreshLeaf(n *node.Node, health uint8) {
	n.Lock()
	n.Kind = node.KindLeaf
	n.HealthStatus = health
	n.HealthLastReport = codec.Now()
	n.Unlock()
}

func TestSingleAppAggregation(t *testing.T) {
	st := store.New()
	app := buildTwoLeafApp(t, st)
	engine := eval.NewEngine()
	defer engine.Close()
	sink := &fakeSink{}

	x, ok := app.Root().ChildByName("x")
	require.True(t, ok)
	y, ok := app.Root().ChildByName("y")
	require.True(t, ok)

	markFreshLeaf(x, 100)
	markFreshLeaf(y, 50)

	app.Tick(st, engine, sink, 1, codec.Now())

	app.Root().RLock()
	status := app.Root().HealthStatus
	app.Root().RUnlock()
	require.Equal(t, uint8(75), status)
	require.Empty(t, sink.alerts)
}

func TestDeadManDetection(t *testing.T) {
	st := store.New()
	app, err := ParseTopology(st, codec.JSON{
		"name": "A",
		"children": map[string]interface{}{
			"z": map[string]interface{}{"health_report_threshold": float64(5)},
		},
	}, nil)
	require.NoError(t, err)
	engine := eval.NewEngine()
	defer engine.Close()
	sink := &fakeSink{}

	z, ok := app.Root().ChildByName("z")
	require.True(t, ok)
	z.Lock()
	z.Kind = node.KindLeaf
	z.HealthLastReport = codec.Now() - 6
	z.Unlock()

	app.Tick(st, engine, sink, 1, codec.Now())

	z.RLock()
	status := z.HealthStatus
	z.RUnlock()
	require.Equal(t, uint8(0), status)
	require.Len(t, sink.alerts, 1)
	require.Equal(t, uint8(0), sink.alerts[0].Severity)
}

func TestScriptHotSwapAndNoopFallback(t *testing.T) {
	st := store.New()
	app := buildTwoLeafApp(t, st)
	engine := eval.NewEngine()
	defer engine.Close()
	sink := &fakeSink{}

	x, ok := app.Root().ChildByName("x")
	require.True(t, ok)
	markFreshLeaf(x, 40)

	app.Root().Lock()
	app.Root().HealthCheckEvalOverride = `node.health = node.kid("x") - 10`
	app.Root().Unlock()

	app.Tick(st, engine, sink, 1, codec.Now())

	app.Root().RLock()
	status := app.Root().HealthStatus
	app.Root().RUnlock()
	require.Equal(t, uint8(30), status)

	app.Root().Lock()
	app.Root().HealthCheckEvalOverride = `this is not lua (((`
	app.Root().Unlock()

	app.Tick(st, engine, sink, 2, codec.Now())

	app.Root().RLock()
	evalSrc := app.Root().HealthCheckEval
	status = app.Root().HealthStatus
	app.Root().RUnlock()

	// The rejected script must not have replaced the previously installed
	// one; the underlying evaluator function is a no-op, which falls back to
	// the pre-script average of x (y is still unknown, so it's excluded).
	require.Equal(t, `node.health = node.kid("x") - 10`, evalSrc)
	require.Equal(t, uint8(40), status)
}
