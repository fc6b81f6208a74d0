// Package application implements the topology parser and tick engine from
// spec.md §4.3: each Application owns a weak handle to its root node, a
// cached post-order traversal, a depth index, and the run pass that drives
// the health evaluation engine and emits alerts/events/metrics.
package application

import (
	"fmt"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"go.uber.org/atomic"

	"github.com/nightswatch/nightswatch/internal/alert"
	"github.com/nightswatch/nightswatch/internal/codec"
	"github.com/nightswatch/nightswatch/internal/eval"
	"github.com/nightswatch/nightswatch/internal/event"
	"github.com/nightswatch/nightswatch/internal/metric"
	"github.com/nightswatch/nightswatch/internal/node"
	"github.com/nightswatch/nightswatch/internal/store"
)

// Sink receives the metrics, events and alerts a tick produces. The
// dispatcher package implements it; kept as an interface here to avoid a
// dependency cycle.
type Sink interface {
	SendMetric(metric.Metric)
	SendEvent(event.Event)
	SendAlert(alert.Alert)
}

// Application owns a weak handle to its root node plus the cached traversal
// spec.md §3/§4.3 describe. All fields are guarded by mu: the tick loop
// writes, Dump-style callers read.
type Application struct {
	Name string

	mu           sync.RWMutex
	root         *node.Node
	nodes        []*node.Node
	nodesByDepth map[int][]*node.Node
	lastTick     uint64

	// HealthAlertThreshold is the application-wide alert floor (spec.md §4.3
	// step 3's "app.health_alert_threshold").
	HealthAlertThreshold uint8

	init *atomic.Bool

	logger log.Logger
}

// New creates an Application over root, forcing an init pass on the next
// tick.
func New(name string, root *node.Node, healthAlertThreshold uint8, logger log.Logger) *Application {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Application{
		Name:                 name,
		root:                 root,
		nodesByDepth:         make(map[int][]*node.Node),
		HealthAlertThreshold: healthAlertThreshold,
		init:                 atomic.NewBool(true),
		logger:               log.With(logger, "component", "application", "app", name),
	}
}

// Root returns the application's root node.
func (a *Application) Root() *node.Node {
	return a.root
}

// MarkDirty forces an init pass (full BFS re-traversal) on the next tick;
// Nightfort calls this when it attaches a new leaf under this application.
func (a *Application) MarkDirty() {
	a.init.Store(true)
}

// ParseTopology builds an Application by recursively materializing raw's
// declarative tree into st, per the Application JSON document in spec.md §6:
// {name, display_name, description, health_alert_threshold, children}.
func ParseTopology(st *store.Store, raw codec.JSON, logger log.Logger) (*Application, error) {
	root := st.AddAppNode(raw)
	threshold := uint8(raw.GetUint64("health_alert_threshold", 1))

	childrenRaw, _ := raw["children"].(map[string]interface{})
	if err := buildChildren(st, root, childrenRaw); err != nil {
		return nil, fmt.Errorf("application %s: %w", root.Name, err)
	}

	return New(root.Name, root, threshold, logger), nil
}

func buildChildren(st *store.Store, parent *node.Node, childrenRaw map[string]interface{}) error {
	for name, v := range childrenRaw {
		obj, ok := v.(map[string]interface{})
		if !ok {
			return fmt.Errorf("child %q: not an object", name)
		}
		raw := codec.JSON(obj)
		child := st.AddNode(raw, name)
		parent.AddChild(child)

		if grandchildren, ok := raw["children"].(map[string]interface{}); ok {
			if err := buildChildren(st, child, grandchildren); err != nil {
				return err
			}
		}
	}
	return nil
}

// Init runs the BFS init pass documented in spec.md §4.3 if a.init is set,
// then clears it. It rebuilds a.nodes (BFS order), a.nodesByDepth, each
// visited node's AppMeta entry for this application, and the store's path
// index.
func (a *Application) Init(st *store.Store) {
	if !a.init.CAS(true, false) {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.nodes = a.nodes[:0]
	for k := range a.nodesByDepth {
		delete(a.nodesByDepth, k)
	}

	type queued struct {
		n     *node.Node
		path  string
		depth int
	}
	queue := []queued{{n: a.root, path: "." + a.root.Name, depth: 1}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		cur.n.SetAppPath(a.Name, cur.path)
		st.UpdateIndex(cur.path, cur.n.ID)

		a.nodes = append(a.nodes, cur.n)
		a.nodesByDepth[cur.depth] = append(a.nodesByDepth[cur.depth], cur.n)

		for _, c := range cur.n.ChildrenSnapshot() {
			queue = append(queue, queued{n: c, path: cur.path + "." + c.Name, depth: cur.depth + 1})
		}
	}
}

// Tick runs the run pass documented in spec.md §4.3: nodes are visited in
// reverse BFS order (leaves first) so a parent observes its children's
// freshly committed health. tick must be strictly greater than every node's
// current health_check_tick; the caller (Watcher) guarantees monotonicity
// across calls.
func (a *Application) Tick(st *store.Store, engine *eval.Engine, sink Sink, tick uint64, now uint64) {
	a.Init(st)

	a.mu.RLock()
	nodes := make([]*node.Node, len(a.nodes))
	copy(nodes, a.nodes)
	threshold := a.HealthAlertThreshold
	a.mu.RUnlock()

	for i := len(nodes) - 1; i >= 0; i-- {
		a.evalNode(nodes[i], engine, sink, tick, now, threshold)
	}

	a.mu.Lock()
	a.lastTick = tick
	a.mu.Unlock()
}

func (a *Application) evalNode(n *node.Node, engine *eval.Engine, sink Sink, tick uint64, now uint64, appThreshold uint8) {
	n.Lock()

	// 1. Script hot-swap.
	if n.HealthCheckEvalOverride != "" {
		src := n.HealthCheckEvalOverride
		n.HealthCheckEvalOverride = ""
		if engine.AddScript(src, n.ID) {
			n.HealthCheckEval = src
			n.HealthCheckEvalChange = now
		} else {
			level.Error(a.logger).Log("msg", "script rejected, installed no-op", "node_id", n.ID)
		}
	}

	// 2. Tick guard.
	if n.HealthCheckTick > tick {
		n.Unlock()
		panic(fmt.Sprintf("application: node %d health_check_tick regressed (had %d, tick %d)", n.ID, n.HealthCheckTick, tick))
	}
	forced := n.TakeHealthCheckInitLocked()
	if n.HealthCheckTick == tick && !forced {
		n.Unlock()
		return
	}
	n.HealthCheckTick = tick

	// 3. Evaluation.
	h := eval.NewNodeHealth()
	h.ID = n.ID
	h.LastReport = n.HealthLastReport
	h.LastCheck = n.HealthLastCheck
	h.LastStatus = n.HealthStatus

	// n.Children is read directly rather than through ChildrenSnapshot: this
	// goroutine already holds n's write lock, and ChildrenSnapshot takes n's
	// read lock internally, which would deadlock against itself.
	children := n.Children
	var sum, count int
	for _, c := range children {
		c.RLock()
		status := c.HealthStatus
		c.RUnlock()
		h.SetKid(c.Name, status)
		// HealthUnknown children are excluded from both sum and count: see
		// DESIGN.md's "child aggregation and HealthUnknown" entry for why this
		// departs from eval.rs's from_node, which has no unknown sentinel to
		// exclude.
		if status != node.HealthUnknown {
			sum += int(status)
			count++
		}
	}
	// Empty (or all-unknown) child set defaults to unknown, not zero (see eval
	// engine's scratch value construction).
	h.AvgHealth = node.HealthUnknown
	if count > 0 {
		h.AvgHealth = uint8(sum / count)
	}
	h.Health = h.AvgHealth
	h.Severity = 0
	h.Alert = false

	scriptInstalled := n.HealthCheckEval != ""
	isLeaf := n.Kind == node.KindLeaf
	reportThreshold := n.HealthReportThreshold
	lastReport := n.HealthLastReport
	lastStatus := n.HealthStatus
	alertEnabled := n.AlertEnabled
	metricEnabled := n.MetricEnabled
	metricInterval := n.MetricInterval
	nodeThreshold := n.HealthAlertThreshold
	nodeID := n.ID
	appMeta := n.AppMeta[a.Name].Path
	alertDescription := n.AlertDescription

	n.Unlock()

	switch {
	case scriptInstalled:
		h.ID = nodeID
		if err := engine.Eval(h); err != nil {
			level.Error(a.logger).Log("msg", "script evaluation failed", "node_id", nodeID, "err", err)
		}
	case isLeaf && now > lastReport+reportThreshold:
		// Dead-man: no script and no fresh report within the allowed window.
		h.Health = 0
		h.Alert = true
	case isLeaf:
		// A leaf's health ordinarily comes from its last Report, not from an
		// empty child set's average.
		h.Health = lastStatus
	}

	if h.Health <= nodeThreshold || h.Health <= appThreshold {
		h.Alert = true
	}

	// 4. Commit.
	n.Lock()
	oldStatus := n.HealthStatus
	n.HealthStatus = h.Health
	n.HealthLastCheck = now
	n.Unlock()

	// 5. Emit.
	if alertEnabled && h.Alert {
		sink.SendAlert(alert.Alert{
			AppPath:     appMeta,
			NodeID:      nodeID,
			Severity:    h.Severity,
			Description: alertDescription,
			Time:        now,
		})
	}
	if metricEnabled && metricInterval > 0 && tick%metricInterval == 0 {
		sink.SendMetric(metric.Metric{
			AppPath: appMeta,
			NodeID:  nodeID,
			Name:    "health_status",
			Value:   float64(h.Health),
			Time:    now,
		})
	}
	if oldStatus != h.Health {
		sink.SendEvent(event.Event{
			AppPath:   appMeta,
			NodeID:    nodeID,
			OldStatus: oldStatus,
			NewStatus: h.Health,
			Message:   "health status changed",
			Time:      now,
		})
	}
}

// Record is the per-application fragment of a watcher snapshot, per
// spec.md §4.9.
type Record struct {
	HealthAlertThreshold uint8  `json:"health_alert_threshold"`
	HealthAlarmThreshold uint8  `json:"health_alarm_threshold,omitempty"`
	Depth                int    `json:"depth"`
	Root                 uint64 `json:"root"`
}

// SerializeRecord returns a's contribution to a snapshot document.
func (a *Application) SerializeRecord() Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Record{
		HealthAlertThreshold: a.HealthAlertThreshold,
		Depth:                len(a.nodesByDepth),
		Root:                 a.root.ID,
	}
}

// Threshold resolves a Record's alert floor, accepting the legacy
// health_alarm_threshold key per spec.md §9's Open Question resolution:
// health_alert_threshold is canonical; health_alarm_threshold is an alias
// honored only when the canonical key is absent (zero value).
func (r Record) Threshold() uint8 {
	if r.HealthAlertThreshold != 0 {
		return r.HealthAlertThreshold
	}
	return r.HealthAlarmThreshold
}
